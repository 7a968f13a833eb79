// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package https

import (
	"bufio"
	"crypto/tls"
	"errors"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/https-go/pkg/https/internal/coio"
)

// ClientStream drives the client side of one TLS connection. It is created
// on first use of a pooled socket and stays attached for reuse; a stream
// that completed its handshake once never handshakes again.
type ClientStream struct {
	ctx  *ClientCtx
	loc  Location
	conn *coio.Conn

	tlsConn *tls.Conn
	br      *bufio.Reader
}

// NewClientStream binds a stream to an established socket; the handshake is
// deferred until Handshake.
func NewClientStream(ctx *ClientCtx, loc Location, conn *coio.Conn) *ClientStream {
	return &ClientStream{ctx: ctx, loc: loc, conn: conn}
}

// Initialized reports whether the handshake already completed.
func (s *ClientStream) Initialized() bool {
	return s.tlsConn != nil
}

// SetCanceled re-points the cancellation flag consulted by pending reads.
func (s *ClientStream) SetCanceled(canceled *atomic.Bool) {
	s.conn.SetCanceled(canceled)
}

// Acquire binds the underlying socket to the calling goroutine for the
// scope of the returned release function. Required before any TLS
// operation.
func (s *ClientStream) Acquire() (release func(), err error) {
	return s.conn.Acquire()
}

// Handshake establishes the TLS session: SNI for the target host, an
// optional per-request client certificate, and the hostname check when
// enabled. Must be called inside an Acquire scope.
func (s *ClientStream) Handshake() *Error {
	cfg, err := s.ctx.configFor(s.loc)
	if err != nil {
		return wrapError(KindTls, "client handshake setup", err)
	}

	if s.ctx.opts.EnableSslClientDebug {
		log.WithField("host", s.loc.HostPort()).Debug("SSL_connect: starting handshake")
	}

	s.tlsConn = tls.Client(s.conn, cfg)
	s.resumeSession()

	if err := s.tlsConn.Handshake(); err != nil {
		s.tlsConn = nil
		if errors.Is(err, coio.ErrCanceledRead) {
			return newError(KindCancelled, "canceled")
		}
		return wrapError(KindTls, "client handshake", err)
	}

	if s.ctx.opts.EnableSslClientDebug {
		state := s.tlsConn.ConnectionState()
		log.WithFields(log.Fields{
			"host":    s.loc.HostPort(),
			"version": state.Version,
			"cipher":  state.CipherSuite,
		}).Debug("SSL_connect: handshake finished")
	}

	if s.ctx.opts.CheckCertificateHostname {
		peers := s.tlsConn.ConnectionState().PeerCertificates
		if len(peers) == 0 {
			s.tlsConn = nil
			return newError(KindTls, "no peer certificate presented")
		}
		if !checkCertHostname(peers[0], s.loc.Host) {
			s.tlsConn = nil
			return newError(KindTls, "CheckCertHostname: certificate does not match "+s.loc.Host)
		}
	}

	s.br = bufio.NewReader(s.tlsConn)
	return nil
}

// resumeSession is the extension point for TLS session resumption.
// Sessions are not restored yet.
func (s *ClientStream) resumeSession() {}

// Write sends plaintext through the TLS session.
func (s *ClientStream) Write(b []byte) (int, error) {
	return s.tlsConn.Write(b)
}

// Reader returns the buffered plaintext reader; valid after Handshake.
func (s *ClientStream) Reader() *bufio.Reader {
	return s.br
}

// WaitUntilDrained blocks until the request left the kernel send buffer.
func (s *ClientStream) WaitUntilDrained() error {
	return s.conn.WaitUntilDrained()
}

// Close tears the connection down; with shutdown set an orderly TLS
// close-notify exchange runs first.
func (s *ClientStream) Close(shutdown bool) {
	if shutdown {
		shutdownTLS(s.conn, s.tlsConn)
	}
	_ = s.conn.Close()
}

// shutdownTLS sends our close-notify and gives the peer one bounded second
// to answer with its own before the socket goes away.
func shutdownTLS(conn *coio.Conn, tlsConn *tls.Conn) {
	if tlsConn == nil {
		return
	}

	_ = tlsConn.CloseWrite()

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var buf [32]byte
	for i := 0; i < 2; i++ {
		if _, err := tlsConn.Read(buf[:]); err != nil {
			break
		}
	}
	_ = conn.SetReadDeadline(time.Time{})
}

// ServerStream drives the server side of one accepted TLS connection.
type ServerStream struct {
	ctx  *ServerCtx
	conn *coio.Conn

	tlsConn *tls.Conn
	br      *bufio.Reader
}

// NewServerStream wraps an accepted socket. The handshake runs lazily on
// the first read job.
func NewServerStream(ctx *ServerCtx, conn *coio.Conn) *ServerStream {
	return &ServerStream{ctx: ctx, conn: conn}
}

// Acquire binds the underlying socket to the calling goroutine for the
// scope of the returned release function.
func (s *ServerStream) Acquire() (release func(), err error) {
	return s.conn.Acquire()
}

// Handshake accepts the TLS session. Idempotent: on a kept-alive
// connection it is a no-op.
func (s *ServerStream) Handshake() error {
	if s.tlsConn != nil {
		return nil
	}

	if s.ctx.opts.EnableSslServerDebug {
		log.WithField("remote", s.conn.RemoteAddr()).Debug("SSL_accept: starting handshake")
	}

	tlsConn := tls.Server(s.conn, s.ctx.config())
	if err := tlsConn.Handshake(); err != nil {
		return wrapError(KindTls, "server handshake", err)
	}

	if s.ctx.opts.EnableSslServerDebug {
		state := tlsConn.ConnectionState()
		log.WithFields(log.Fields{
			"remote":  s.conn.RemoteAddr(),
			"version": state.Version,
			"cipher":  state.CipherSuite,
		}).Debug("SSL_accept: handshake finished")
	}

	s.tlsConn = tlsConn
	s.br = bufio.NewReader(tlsConn)
	return nil
}

// PollRead waits for the next request on a kept-alive connection. Buffered
// plaintext counts as readable.
func (s *ServerStream) PollRead(timeout time.Duration) coio.Verdict {
	if s.br != nil && s.br.Buffered() > 0 {
		return coio.Readable
	}
	return s.conn.PollRead(timeout)
}

// Reader returns the buffered plaintext reader; valid after Handshake.
func (s *ServerStream) Reader() *bufio.Reader {
	return s.br
}

// Write sends plaintext through the TLS session.
func (s *ServerStream) Write(b []byte) (int, error) {
	return s.tlsConn.Write(b)
}

// SetNoDelay tunes the underlying socket.
func (s *ServerStream) SetNoDelay(on bool) error {
	return s.conn.SetNoDelay(on)
}

// RemoteHost names the peer.
func (s *ServerStream) RemoteHost() string {
	return s.conn.RemoteAddr().String()
}

// Alive reports whether the peer still holds its side open.
func (s *ServerStream) Alive() bool {
	return s.conn.Alive()
}

// Close tears the connection down, orderly when shutdown is set.
func (s *ServerStream) Close(shutdown bool) {
	if shutdown {
		shutdownTLS(s.conn, s.tlsConn)
	}
	_ = s.conn.Close()
}
