// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package https

import "testing"

func TestOptionsSet(t *testing.T) {
	opts := DefaultOptions()

	if !opts.Set("CAFile", "/tmp/ca.pem") || opts.CAFile != "/tmp/ca.pem" {
		t.Error("CAFile was not set")
	}
	if !opts.Set("CheckCertificateHostname", "true") || !opts.CheckCertificateHostname {
		t.Error("CheckCertificateHostname was not set")
	}
	if opts.Set("CheckCertificateHostname", "maybe") {
		t.Error("an unparsable bool must be rejected")
	}
	if opts.Set("NoSuchOption", "x") {
		t.Error("an unknown key must be rejected")
	}
}
