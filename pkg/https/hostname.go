// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package https

import (
	"crypto/x509"
	"encoding/asn1"
	"strings"
)

var oidSubjectAltName = asn1.ObjectIdentifier{2, 5, 29, 17}

// matchDomainName compares a certificate name template against a requested
// hostname. Matching is case-insensitive; only the left-most label of the
// template may be a wildcard, and only as a full label (RFC 6125, partial
// wildcards unsupported).
func matchDomainName(tmpl, name string) bool {
	if dot := strings.IndexByte(tmpl, '.'); dot >= 0 && tmpl[:dot] == "*" {
		tmpl = tmpl[dot+1:]
		if nameDot := strings.IndexByte(name, '.'); nameDot >= 0 {
			name = name[nameDot+1:]
		} else {
			name = ""
		}
	}
	return tmpl != "" && strings.EqualFold(tmpl, name)
}

// checkCertHostname accepts cert for hostname if any DNS Subject-Alt-Name
// matches; without a SAN extension the Common Name is consulted instead.
func checkCertHostname(cert *x509.Certificate, hostname string) bool {
	if hasSANExtension(cert) {
		for _, dnsName := range cert.DNSNames {
			if matchDomainName(dnsName, hostname) {
				return true
			}
		}
		return false
	}

	return matchDomainName(cert.Subject.CommonName, hostname)
}

func hasSANExtension(cert *x509.Certificate) bool {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oidSubjectAltName) {
			return true
		}
	}
	return false
}
