// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package https

import (
	"crypto/x509"
	"strconv"
)

// VerifyCallback is a custom peer certificate verifier, matching the
// crypto/tls VerifyPeerCertificate signature. When no callback is
// configured, peer verification is disabled entirely.
type VerifyCallback func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error

// PasswordCallback is consulted for the passphrase of a server private key.
type PasswordCallback func(loc Location, certPath, keyPath string) string

// Options is the constructed-once configuration for a Service. The string
// values mirror the option table of the embedding library; Set accepts the
// same keys in their string form.
type Options struct {
	CAFile                   string
	CAPath                   string
	ClientCertificate        string
	ClientPrivateKey         string
	ClientPrivateKeyPassword string
	EnableSslServerDebug     bool
	EnableSslClientDebug     bool
	CheckCertificateHostname bool

	ClientVerifyCallback VerifyCallback
	KeyPasswdCallback    PasswordCallback

	OutputLimits FdLimits
	InputLimits  FdLimits

	// Keep-alive bounds for idle accepted connections, in seconds.
	MinInputKeepaliveSec uint
	MaxInputKeepaliveSec uint
}

// DefaultOptions returns Options with the stock fd budgets and keep-alive
// bounds.
func DefaultOptions() *Options {
	return &Options{
		OutputLimits:         FdLimits{Soft: 4000, Hard: 10000},
		InputLimits:          FdLimits{Soft: 10000, Hard: 15000},
		MinInputKeepaliveSec: 10,
		MaxInputKeepaliveSec: 120,
	}
}

// Set assigns an option by its string key and string-formed value. Unknown
// keys and unparsable values return false. The two callback options are not
// representable as strings and must be assigned directly.
func (o *Options) Set(name, value string) bool {
	switch name {
	case "CAFile":
		o.CAFile = value
	case "CAPath":
		o.CAPath = value
	case "ClientCertificate":
		o.ClientCertificate = value
	case "ClientPrivateKey":
		o.ClientPrivateKey = value
	case "ClientPrivateKeyPassword":
		o.ClientPrivateKeyPassword = value
	case "EnableSslServerDebug":
		return o.setBool(&o.EnableSslServerDebug, value)
	case "EnableSslClientDebug":
		return o.setBool(&o.EnableSslClientDebug, value)
	case "CheckCertificateHostname":
		return o.setBool(&o.CheckCertificateHostname, value)
	default:
		return false
	}
	return true
}

func (o *Options) setBool(dst *bool, value string) bool {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false
	}
	*dst = b
	return true
}
