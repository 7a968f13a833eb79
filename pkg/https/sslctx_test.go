// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package https

import (
	"fmt"
	"os"
	"testing"
)

func TestLoadKeyPair(t *testing.T) {
	certPath, keyPath := genTestCert(t, t.TempDir())

	if _, err := loadKeyPair(certPath, keyPath, nil); err != nil {
		t.Fatal(err)
	}

	if _, err := loadKeyPair(certPath, certPath, nil); err == nil {
		t.Error("expected an error for a certificate posing as key")
	}
}

func TestServerCtxReload(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := genTestCert(t, dir)

	loc, err := ParseLocation(fmt.Sprintf("https://cert=%s;key=%s@localhost:0/", certPath, keyPath))
	if err != nil {
		t.Fatal(err)
	}

	sc, err := NewServerCtx(loc, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer sc.Close()

	before := sc.cert.Load()
	if before == nil {
		t.Fatal("no certificate loaded")
	}

	// replace both files and reload; the swapped pointer proves the pickup
	newCert, newKey := genTestCert(t, t.TempDir())
	copyFile(t, newCert, certPath)
	copyFile(t, newKey, keyPath)

	if err := sc.reload(); err != nil {
		t.Fatal(err)
	}
	if sc.cert.Load() == before {
		t.Error("certificate was not swapped on reload")
	}
}

func TestServerCtxRequiresCertAndKey(t *testing.T) {
	loc, err := ParseLocation("https://localhost:0/")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := NewServerCtx(loc, DefaultOptions()); err == nil {
		t.Error("expected an error without certificate and key")
	}
}

func copyFile(t *testing.T, src, dst string) {
	t.Helper()

	data, err := os.ReadFile(src)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dst, data, 0600); err != nil {
		t.Fatal(err)
	}
}
