// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package https

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/https-go/pkg/https/internal/coio"
	"github.com/dtn7/https-go/pkg/https/internal/h1"
)

// failAnswer is the response emitted for a request that was dropped
// without a reply.
const failAnswer = "HTTP/1.1 503 Service unavailable\r\nContent-Length: 0\r\n\r\n"

// RequestHandler receives parsed server requests. OnRequest may keep the
// Request beyond its own return and answer later from another goroutine.
type RequestHandler interface {
	OnRequest(req *Request)
}

// ResponseError selects the status line of an error reply.
type ResponseError int

const (
	BadRequest ResponseError = iota
	Forbidden
	NotExistService
	TooManyRequests
	InternalError
	NotImplemented
	BadGateway
	ServiceUnavailable
	BandwidthLimitExceeded
)

func (e ResponseError) statusLine() string {
	switch e {
	case BadRequest:
		return "400 Bad request"
	case Forbidden:
		return "403 Forbidden"
	case NotExistService:
		return "404 Not found"
	case TooManyRequests:
		return "429 Too many requests"
	case InternalError:
		return "500 Internal server error"
	case NotImplemented:
		return "501 Not implemented"
	case BadGateway:
		return "502 Bad gateway"
	case ServiceUnavailable:
		return "503 Service unavailable"
	case BandwidthLimitExceeded:
		return "509 Bandwidth limit exceeded"
	default:
		return "500 Internal server error"
	}
}

// Server accepts TLS connections, parses HTTP requests and dispatches them
// to its RequestHandler. Responses ride the same connection, which then
// re-enters the keep-alive read loop.
type Server struct {
	handler RequestHandler
	loc     Location
	sslCtx  *ServerCtx
	input   *InputGovernor

	ln    *net.TCPListener
	jobs  chan func()
	conns sync.Map // *ServerStream -> struct{}

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewServer binds a listener on loc's port and starts accepting. The
// location's user-info names the certificate and key files.
func NewServer(svc *Service, handler RequestHandler, loc Location) (*Server, error) {
	sslCtx, err := NewServerCtx(loc, svc.opts)
	if err != nil {
		return nil, err
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", fmt.Sprintf(":%d", loc.Port))
	if err != nil {
		_ = sslCtx.Close()
		return nil, err
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		_ = sslCtx.Close()
		return nil, err
	}

	s := &Server{
		handler: handler,
		loc:     loc,
		sslCtx:  sslCtx,
		input:   svc.input,
		ln:      ln,
		jobs:    make(chan func(), 128),
		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}

	go s.dispatcher()
	go s.acceptLoop()

	return s, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

func (s *Server) log() *log.Entry {
	return log.WithField("server", s.ln.Addr().String())
}

// Close stops the listener, the dispatcher and every live connection.
func (s *Server) Close() {
	close(s.stopSyn)
	<-s.stopAck

	s.jobs <- nil

	s.conns.Range(func(key, _ any) bool {
		key.(*ServerStream).Close(false)
		return true
	})

	_ = s.sslCtx.Close()
}

// enqueue hands a job to the dispatcher.
func (s *Server) enqueue(job func()) {
	select {
	case s.jobs <- job:
	case <-s.stopSyn:
	}
}

// dispatcher pulls jobs from the queue and runs each in its own goroutine.
// A nil job terminates the loop.
func (s *Server) dispatcher() {
	for job := range s.jobs {
		if job == nil {
			return
		}
		go job()
	}
}

func (s *Server) acceptLoop() {
	defer close(s.stopAck)

	for {
		select {
		case <-s.stopSyn:
			_ = s.ln.Close()
			return

		default:
			_ = s.ln.SetDeadline(time.Now().Add(50 * time.Millisecond))
			conn, err := s.ln.AcceptTCP()
			if err != nil {
				if os.IsTimeout(err) {
					continue
				}
				if errors.Is(err, syscall.EMFILE) {
					// out of fds; suspend accepting instead of busy-looping
					time.Sleep(500 * time.Millisecond)
				}
				continue
			}

			s.onAccept(conn)
		}
	}
}

func (s *Server) onAccept(tcp *net.TCPConn) {
	if s.input.ExceedHardLimit() > 0 {
		_ = tcp.Close()
		return
	}

	conn, err := coio.Wrap(tcp)
	if err != nil {
		_ = tcp.Close()
		return
	}

	stream := NewServerStream(s.sslCtx, conn)

	s.input.Inc()
	s.conns.Store(stream, struct{}{})
	conn.OnClose = func() {
		s.input.Dec()
		s.conns.Delete(stream)
	}

	s.enqueue(func() { s.readJob(stream) })
}

// readJob serves one request on an accepted connection: wait within the
// governed keep-alive budget, handshake when fresh, parse, dispatch. Any
// failure closes the connection abortively.
func (s *Server) readJob(stream *ServerStream) {
	defer func() {
		if r := recover(); r != nil {
			s.log().WithField("error", r).Warn("Request job failed")
			stream.Close(false)
		}
	}()

	release, err := stream.Acquire()
	if err != nil {
		stream.Close(false)
		return
	}
	defer release()

	switch verdict := stream.PollRead(s.input.KeepaliveTimeout()); verdict {
	case coio.Readable:
	case coio.Timeout:
		stream.Close(true)
		return
	default:
		stream.Close(false)
		return
	}

	if err := stream.Handshake(); err != nil {
		s.log().WithError(err).Debug("Server handshake failed")
		stream.Close(false)
		return
	}

	in, err := h1.ReadInput(stream.Reader())
	if err != nil {
		stream.Close(false)
		return
	}

	req, err := s.newRequest(stream, in)
	if err != nil {
		stream.Close(false)
		return
	}

	// the handler's reply job re-binds the stream, possibly before this
	// job returns
	release()

	s.handler.OnRequest(req)
}

func (s *Server) newRequest(stream *ServerStream, in *h1.Input) (*Request, error) {
	firstLine := in.FirstLine()
	_, path, query, err := h1.ParseRequestLine(firstLine)
	if err != nil {
		return nil, err
	}

	req := &Request{
		srv:         s,
		stream:      stream,
		firstLine:   firstLine,
		path:        path,
		headers:     in.Headers(),
		compression: in.BestCompression(),
		remoteHost:  stream.RemoteHost(),
	}

	// the first character decides: POST carries a body, everything else
	// is treated as a GET with its data in the query string
	if firstLine[0] == 'P' || firstLine[0] == 'p' {
		body, err := in.ReadAll()
		if err != nil {
			return nil, err
		}
		req.data = body
	} else {
		req.data = []byte(query)
	}

	return req, nil
}

// Request is one parsed inbound request. The handler answers through
// SendReply or SendError, exactly once, and finally calls Release: a
// Request released without an answer produces the fixed 503 reply, so
// every accepted request terminates in some response.
type Request struct {
	srv    *Server
	stream *ServerStream

	firstLine   string
	path        string
	headers     []h1.Header
	compression string
	remoteHost  string
	data        []byte

	mu       sync.Mutex
	answered bool
	released bool
}

// Scheme names the wire protocol.
func (req *Request) Scheme() string {
	return "https"
}

// RemoteHost names the peer.
func (req *Request) RemoteHost() string {
	return req.remoteHost
}

// Headers returns the request header fields.
func (req *Request) Headers() []h1.Header {
	return req.headers
}

// Service is the request path with its leading slash stripped.
func (req *Request) Service() string {
	if len(req.path) > 0 && req.path[0] == '/' {
		return req.path[1:]
	}
	return req.path
}

// RequestID is unused for HTTPS requests.
func (req *Request) RequestID() string {
	return ""
}

// Data is the query string of a GET or the body of a POST.
func (req *Request) Data() []byte {
	return req.data
}

// Canceled reports whether the peer gave up on this request.
func (req *Request) Canceled() bool {
	return !req.stream.Alive()
}

// SendReply answers with 200 and data, gzip-compressed when the client
// accepts it and compression does not grow the payload. extraHeaders,
// if non-empty, are raw pre-formatted header lines.
func (req *Request) SendReply(data []byte, extraHeaders string) {
	req.answer(func() {
		scheme := ""
		if req.compression == "gzip" {
			if gzipped, ok := compress(data); ok {
				data, scheme = gzipped, req.compression
			}
		}
		req.srv.enqueue(func() { req.srv.writeJob(req.stream, "200 OK", scheme, extraHeaders, data) })
	})
}

// SendError answers with the status line selected by e and an empty body.
func (req *Request) SendError(e ResponseError, _ string) {
	req.answer(func() {
		req.srv.enqueue(func() { req.srv.writeJob(req.stream, e.statusLine(), "", "", nil) })
	})
}

func (req *Request) answer(emit func()) {
	req.mu.Lock()
	defer req.mu.Unlock()

	if req.answered || req.released {
		return
	}
	req.answered = true
	emit()
}

// Release ends the handler's responsibility for this Request. Idempotent;
// fires the 503 fail job iff neither SendReply nor SendError ran.
func (req *Request) Release() {
	req.mu.Lock()
	defer req.mu.Unlock()

	if req.released {
		return
	}
	req.released = true

	if !req.answered {
		req.srv.enqueue(func() { req.srv.failJob(req.stream) })
	}
}

// compress gzips data; reports false when the gzipped form is larger.
func compress(data []byte) ([]byte, bool) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, false
	}
	if err := zw.Close(); err != nil {
		return nil, false
	}

	if buf.Len() > len(data) {
		// gzipped data occupies more space than original data
		return nil, false
	}
	return buf.Bytes(), true
}

// writeJob emits one response and re-enters the keep-alive read loop.
func (s *Server) writeJob(stream *ServerStream, statusLine, scheme, extraHeaders string, body []byte) {
	release, err := stream.Acquire()
	if err != nil {
		stream.Close(false)
		return
	}
	defer release()

	_ = stream.SetNoDelay(true)

	var head bytes.Buffer
	head.WriteString("HTTP/1.1 ")
	head.WriteString(statusLine)
	head.WriteString("\r\n")
	if scheme != "" {
		fmt.Fprintf(&head, "Content-Encoding: %s\r\n", scheme)
	}
	head.WriteString("Connection: Keep-Alive\r\n")
	fmt.Fprintf(&head, "Content-Length: %d\r\n", len(body))
	head.WriteString(extraHeaders)
	head.WriteString("\r\n")

	if _, err := stream.Write(head.Bytes()); err != nil {
		stream.Close(false)
		return
	}
	if len(body) > 0 {
		if _, err := stream.Write(body); err != nil {
			stream.Close(false)
			return
		}
	}

	release()
	s.enqueue(func() { s.readJob(stream) })
}

// failJob emits the fixed 503 answer and re-enters the read loop.
func (s *Server) failJob(stream *ServerStream) {
	release, err := stream.Acquire()
	if err != nil {
		stream.Close(false)
		return
	}
	defer release()

	if _, err := stream.Write([]byte(failAnswer)); err != nil {
		stream.Close(false)
		return
	}

	release()
	s.enqueue(func() { s.readJob(stream) })
}
