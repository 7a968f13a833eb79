// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package https

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Location is a parsed endpoint address of the form
// scheme://[userinfo@]host[:port][/service][?query]. The user-info field
// carries semicolon-separated key=value pairs; unlike RFC 3986 user-info it
// may contain slashes (file paths), which is why net/url cannot parse it.
type Location struct {
	Scheme   string
	UserInfo string
	Host     string
	Port     uint16
	Path     string
	Query    string
}

// ParseLocation splits addr into its Location parts. A missing port
// defaults to 443.
func ParseLocation(addr string) (Location, error) {
	var loc Location

	schemeSep := strings.Index(addr, "://")
	if schemeSep < 0 {
		return loc, fmt.Errorf("https: address %q carries no scheme", addr)
	}
	loc.Scheme = addr[:schemeSep]
	rest := addr[schemeSep+3:]

	if q := strings.IndexByte(rest, '?'); q >= 0 {
		loc.Query = rest[q+1:]
		rest = rest[:q]
	}

	// the user-info may contain slashes (cert/key file paths), so the
	// authority ends at the first slash after the last '@'
	if at := strings.LastIndexByte(rest, '@'); at >= 0 {
		loc.UserInfo = rest[:at]
		rest = rest[at+1:]
	}

	authority := rest
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		authority = rest[:slash]
		loc.Path = rest[slash:]
	}

	loc.Port = 443
	if host, portStr, err := net.SplitHostPort(authority); err == nil {
		port, perr := strconv.ParseUint(portStr, 10, 16)
		if perr != nil {
			return loc, fmt.Errorf("https: address %q carries invalid port %q", addr, portStr)
		}
		loc.Host = host
		loc.Port = uint16(port)
	} else {
		loc.Host = strings.Trim(authority, "[]")
	}

	if loc.Host == "" {
		return loc, fmt.Errorf("https: address %q carries no host", addr)
	}

	return loc, nil
}

// CertKey extracts the cert= and key= pairs from the user-info field.
// Unknown keys are ignored.
func (loc Location) CertKey() (cert, key string) {
	kws := loc.UserInfo
	for kws != "" {
		var pair string
		if sep := strings.IndexByte(kws, ';'); sep >= 0 {
			pair, kws = kws[:sep], kws[sep+1:]
		} else {
			pair, kws = kws, ""
		}

		eq := strings.IndexByte(pair, '=')
		if eq < 0 {
			continue
		}
		switch pair[:eq] {
		case "cert":
			cert = pair[eq+1:]
		case "key":
			key = pair[eq+1:]
		}
	}
	return
}

// Service is the path with its leading slash stripped.
func (loc Location) Service() string {
	return strings.TrimPrefix(loc.Path, "/")
}

// HostPort renders the dialable host:port form.
func (loc Location) HostPort() string {
	return net.JoinHostPort(loc.Host, strconv.Itoa(int(loc.Port)))
}

func (loc Location) String() string {
	return loc.Scheme + "://" + loc.HostPort() + loc.Path
}
