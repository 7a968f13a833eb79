// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package https

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/dtn7/https-go/pkg/https/internal/coio"
)

// tlsEchoListener serves TLS handshakes with the given certificate and
// returns the listening port.
func tlsEchoListener(t *testing.T, certPath, keyPath string) int {
	t.Helper()

	cert, err := loadKeyPair(certPath, keyPath, nil)
	if err != nil {
		t.Fatal(err)
	}

	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}

			go func(c net.Conn) {
				tlsConn := tls.Server(c, &tls.Config{Certificates: []tls.Certificate{cert}})
				if err := tlsConn.Handshake(); err != nil {
					_ = c.Close()
					return
				}

				// hold the session open until the peer goes away
				buf := make([]byte, 1)
				_ = tlsConn.SetReadDeadline(time.Now().Add(5 * time.Second))
				_, _ = tlsConn.Read(buf)
				_ = tlsConn.Close()
			}(conn)
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port
}

// dialClientStream connects a ClientStream to 127.0.0.1:port while
// requesting host, leaving the handshake to the caller.
func dialClientStream(t *testing.T, cx *ClientCtx, host string, port int) *ClientStream {
	t.Helper()

	tcp, err := net.DialTCP("tcp", nil, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		t.Fatal(err)
	}

	conn, err := coio.Wrap(tcp)
	if err != nil {
		t.Fatal(err)
	}

	stream := NewClientStream(cx, Location{Scheme: "https", Host: host, Port: uint16(port)}, conn)

	release, err := stream.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		release()
		stream.Close(false)
	})

	return stream
}

func TestClientHandshakeHostnameMismatch(t *testing.T) {
	certPath, keyPath := genTestCertNames(t, t.TempDir(), "b.example.com")
	port := tlsEchoListener(t, certPath, keyPath)

	opts := DefaultOptions()
	opts.CheckCertificateHostname = true
	cx, err := NewClientCtx(opts)
	if err != nil {
		t.Fatal(err)
	}

	stream := dialClientStream(t, cx, "a.example.com", port)

	herr := stream.Handshake()
	if herr == nil {
		t.Fatal("handshake against a mismatched certificate succeeded")
	}
	if herr.Kind != KindTls {
		t.Errorf("unexpected error kind: %v", herr.Kind)
	}
	if !strings.Contains(herr.Error(), "CheckCertHostname") {
		t.Errorf("unexpected error message: %v", herr)
	}
}

func TestClientHandshakeWildcardHostname(t *testing.T) {
	certPath, keyPath := genTestCertNames(t, t.TempDir(), "*.example.com")
	port := tlsEchoListener(t, certPath, keyPath)

	opts := DefaultOptions()
	opts.CheckCertificateHostname = true
	cx, err := NewClientCtx(opts)
	if err != nil {
		t.Fatal(err)
	}

	stream := dialClientStream(t, cx, "api.example.com", port)
	if herr := stream.Handshake(); herr != nil {
		t.Fatalf("wildcard certificate was rejected: %v", herr)
	}

	stream = dialClientStream(t, cx, "x.api.example.com", port)
	herr := stream.Handshake()
	if herr == nil {
		t.Fatal("wildcard matched a second-level subdomain")
	}
	if herr.Kind != KindTls {
		t.Errorf("unexpected error kind: %v", herr.Kind)
	}
}

func TestClientHandshakeTrustedRoots(t *testing.T) {
	certPath, keyPath := genTestCert(t, t.TempDir())
	port := tlsEchoListener(t, certPath, keyPath)

	var sawChains bool
	opts := DefaultOptions()
	opts.CAFile = certPath
	opts.ClientVerifyCallback = func(_ [][]byte, verifiedChains [][]*x509.Certificate) error {
		sawChains = len(verifiedChains) > 0
		return nil
	}

	cx, err := NewClientCtx(opts)
	if err != nil {
		t.Fatal(err)
	}

	stream := dialClientStream(t, cx, "localhost", port)
	if herr := stream.Handshake(); herr != nil {
		t.Fatalf("handshake against the trusted root failed: %v", herr)
	}
	if !sawChains {
		t.Error("verify callback saw no verified chains; chain verification did not run")
	}
}

func TestClientHandshakeUntrustedRoot(t *testing.T) {
	certPath, keyPath := genTestCert(t, t.TempDir())
	port := tlsEchoListener(t, certPath, keyPath)

	// trust a different root entirely
	foreignCert, _ := genTestCert(t, t.TempDir())

	opts := DefaultOptions()
	opts.CAFile = foreignCert
	opts.ClientVerifyCallback = func(_ [][]byte, _ [][]*x509.Certificate) error {
		return nil
	}

	cx, err := NewClientCtx(opts)
	if err != nil {
		t.Fatal(err)
	}

	stream := dialClientStream(t, cx, "localhost", port)
	herr := stream.Handshake()
	if herr == nil {
		t.Fatal("handshake against an untrusted root succeeded")
	}
	if herr.Kind != KindTls {
		t.Errorf("unexpected error kind: %v", herr.Kind)
	}
}
