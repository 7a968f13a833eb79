// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package https implements an HTTPS client/server subsystem: a pooled,
// keep-alive TLS client for GET, POST and full-form requests and a TLS
// server dispatching parsed requests to a handler, both built on a
// cooperative I/O bridge with soft/hard fd budgets.
package https

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/https-go/pkg/https/internal/h1"
)

// Service bundles the process-wide collaborators of this subsystem: the
// client TLS context, the output connection pool, the input governor and
// the job queue. Construct one at start-up and hand it to every user; no
// ambient global exists.
type Service struct {
	opts *Options

	cache    *ConnCache
	input    *InputGovernor
	resolver *Resolver

	ctxOnce   sync.Once
	ctxCached *ClientCtx
	ctxErr    error

	jobs    chan func()
	stopAck chan struct{}
}

// NewService builds the shared state from opts and starts the job queue
// dispatcher. opts must not be mutated afterwards.
func NewService(opts *Options) *Service {
	svc := &Service{
		opts:     opts,
		cache:    NewConnCache(opts.OutputLimits),
		input:    NewInputGovernor(opts.InputLimits, opts.MinInputKeepaliveSec, opts.MaxInputKeepaliveSec),
		resolver: NewResolver(),
		jobs:     make(chan func(), 1024),
		stopAck:  make(chan struct{}),
	}

	go svc.dispatcher()

	return svc
}

func (svc *Service) dispatcher() {
	defer close(svc.stopAck)

	for job := range svc.jobs {
		if job == nil {
			return
		}
		go job()
	}
}

// Close stops the dispatcher and the pool.
func (svc *Service) Close() {
	svc.jobs <- nil
	<-svc.stopAck

	svc.cache.Close()
}

// clientCtx builds the client TLS context on first use.
func (svc *Service) clientCtx() (*ClientCtx, error) {
	svc.ctxOnce.Do(func() {
		svc.ctxCached, svc.ctxErr = NewClientCtx(svc.opts)
	})
	return svc.ctxCached, svc.ctxErr
}

// Cache exposes the output connection pool.
func (svc *Service) Cache() *ConnCache {
	return svc.cache
}

// InputGovernor exposes the input connection governor.
func (svc *Service) InputGovernor() *InputGovernor {
	return svc.input
}

// SetOutputConnectionsLimits replaces the output pool's fd budget.
// Panics unless hard > soft.
func (svc *Service) SetOutputConnectionsLimits(soft, hard int) {
	if hard <= soft {
		panic("https: invalid output fd limits")
	}
	svc.cache.SetFdLimits(FdLimits{Soft: soft, Hard: hard})
}

// SetInputConnectionsLimits replaces the input governor's fd budget.
// Panics unless hard > soft.
func (svc *Service) SetInputConnectionsLimits(soft, hard int) {
	if hard <= soft {
		panic("https: invalid input fd limits")
	}
	svc.input.SetFdLimits(FdLimits{Soft: soft, Hard: hard})
}

// SetInputConnectionsTimeouts replaces the keep-alive bounds in seconds.
// Panics unless maxSec > minSec.
func (svc *Service) SetInputConnectionsTimeouts(minSec, maxSec uint) {
	if maxSec <= minSec {
		panic("https: invalid input keepalive timeouts")
	}
	svc.input.SetTimeouts(minSec, maxSec)
}

// GetProtocol returns the adapter for the "https" scheme: data rides the
// query string.
func (svc *Service) GetProtocol() *Protocol {
	return &Protocol{svc: svc, scheme: "https", build: h1.BuildGet}
}

// PostProtocol returns the adapter for the "posts" scheme: data rides a
// form-style body.
func (svc *Service) PostProtocol() *Protocol {
	return &Protocol{svc: svc, scheme: "posts", build: h1.BuildPost}
}

// FullProtocol returns the adapter for the "fulls" scheme: data rides as
// the raw body.
func (svc *Service) FullProtocol() *Protocol {
	return &Protocol{svc: svc, scheme: "fulls", build: h1.BuildFull}
}

// Protocol binds one request-construction strategy to the shared
// machinery.
type Protocol struct {
	svc    *Service
	scheme string
	build  h1.BuildFunc
}

// Scheme names this protocol.
func (p *Protocol) Scheme() string {
	return p.scheme
}

// SetOption forwards to the service's option table.
func (p *Protocol) SetOption(name, value string) bool {
	return p.svc.opts.Set(name, value)
}

// ScheduleRequest enqueues one outbound request and returns its Handle.
// onRecv, if non-nil, runs once with the terminal Result; the same Result
// is always available on Handle.Results.
func (p *Protocol) ScheduleRequest(msg Message, onRecv func(Result)) (*Handle, error) {
	loc, err := ParseLocation(msg.Addr)
	if err != nil {
		return nil, err
	}

	host, err := p.svc.resolver.Resolve(loc.Host, loc.Port)
	if err != nil {
		return nil, err
	}

	hndl := newHandle(onRecv)
	req := &clientRequest{
		svc:   p.svc,
		hndl:  hndl,
		msg:   msg,
		loc:   loc,
		host:  host,
		build: p.build,
	}

	select {
	case p.svc.jobs <- req.run:
	default:
		return nil, fmt.Errorf("https: job queue full, dropping request to %q", msg.Addr)
	}

	log.WithFields(log.Fields{
		"scheme": p.scheme,
		"addr":   msg.Addr,
	}).Debug("Scheduled HTTPS request")

	return hndl, nil
}

// CreateRequester starts a Server for this protocol on the location given
// by addr; its user-info carries cert= and key= for the listener.
func (p *Protocol) CreateRequester(handler RequestHandler, addr string) (*Server, error) {
	loc, err := ParseLocation(addr)
	if err != nil {
		return nil, err
	}

	return NewServer(p.svc, handler, loc)
}
