// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package https

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"
)

func TestMatchDomainName(t *testing.T) {
	tests := []struct {
		tmpl string
		name string
		want bool
	}{
		{"example.com", "example.com", true},
		{"Example.COM", "example.com", true},
		{"example.com", "example.org", false},
		{"b.example.com", "a.example.com", false},
		{"*.example.com", "api.example.com", true},
		{"*.example.com", "x.api.example.com", false},
		{"*.example.com", "example.com", false},
		{"api.*.com", "api.example.com", false},
		{"ap*.example.com", "api.example.com", false},
		{"*.example.com", "localhost", false},
	}

	for _, tt := range tests {
		if got := matchDomainName(tt.tmpl, tt.name); got != tt.want {
			t.Errorf("matchDomainName(%q, %q) = %t, expected %t", tt.tmpl, tt.name, got, tt.want)
		}
	}
}

func TestCheckCertHostnameSAN(t *testing.T) {
	cert := &x509.Certificate{
		DNSNames:   []string{"b.example.com", "*.example.com"},
		Extensions: []pkix.Extension{{Id: oidSubjectAltName}},
		Subject:    pkix.Name{CommonName: "ignored.example.org"},
	}

	if !checkCertHostname(cert, "api.example.com") {
		t.Error("wildcard SAN did not match")
	}
	if !checkCertHostname(cert, "B.EXAMPLE.COM") {
		t.Error("SAN matching must be case-insensitive")
	}
	if checkCertHostname(cert, "ignored.example.org") {
		t.Error("common name must not be consulted when a SAN extension exists")
	}
}

func TestCheckCertHostnameCommonNameFallback(t *testing.T) {
	cert := &x509.Certificate{
		Subject: pkix.Name{CommonName: "a.example.com"},
	}

	if !checkCertHostname(cert, "a.example.com") {
		t.Error("common name fallback did not match")
	}
	if checkCertHostname(cert, "b.example.com") {
		t.Error("common name fallback matched a foreign host")
	}
}
