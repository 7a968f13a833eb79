// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package https

import "testing"

func TestParseLocation(t *testing.T) {
	loc, err := ParseLocation("https://cert=/etc/tls/c.pem;key=/etc/tls/k.pem@example.com:8443/svc?a=b")
	if err != nil {
		t.Fatal(err)
	}

	if loc.Scheme != "https" || loc.Host != "example.com" || loc.Port != 8443 {
		t.Errorf("unexpected location: %+v", loc)
	}
	if loc.Service() != "svc" || loc.Query != "a=b" {
		t.Errorf("unexpected path parts: %q, %q", loc.Service(), loc.Query)
	}

	cert, key := loc.CertKey()
	if cert != "/etc/tls/c.pem" || key != "/etc/tls/k.pem" {
		t.Errorf("unexpected cert/key: %q, %q", cert, key)
	}
}

func TestParseLocationDefaults(t *testing.T) {
	loc, err := ParseLocation("posts://example.com/svc")
	if err != nil {
		t.Fatal(err)
	}

	if loc.Port != 443 {
		t.Errorf("expected default port 443, got %d", loc.Port)
	}
	if loc.UserInfo != "" {
		t.Errorf("unexpected user-info: %q", loc.UserInfo)
	}
}

func TestParseLocationErrors(t *testing.T) {
	for _, addr := range []string{"example.com", "https://", "https://host:notaport/"} {
		if _, err := ParseLocation(addr); err == nil {
			t.Errorf("expected an error for %q", addr)
		}
	}
}

func TestCertKeyIgnoresUnknownKeys(t *testing.T) {
	loc := Location{UserInfo: "token=abc;cert=/c.pem;mode=fast;key=/k.pem"}

	cert, key := loc.CertKey()
	if cert != "/c.pem" || key != "/k.pem" {
		t.Errorf("unexpected cert/key: %q, %q", cert, key)
	}
}
