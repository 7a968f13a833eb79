// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package https

import (
	"sync"
	"sync/atomic"

	"github.com/dtn7/https-go/pkg/https/internal/h1"
)

// Message describes one outbound request: the target address and the data
// the selected protocol turns into a query string or body.
type Message struct {
	Addr string
	Data []byte
}

// Result is the single terminal outcome of a scheduled request: either a
// response or a classified error, never both. A failed request may still
// carry the partially received body.
type Result struct {
	Body    []byte
	Headers []h1.Header
	Err     *Error
}

// Handle is the caller's grip on one in-flight request. It delivers
// exactly one Result and carries the cancellation flag consulted by
// pending reads: cancelling is best-effort, a request already past its
// response parse may still complete.
type Handle struct {
	canceled     atomic.Bool
	sendComplete atomic.Bool

	once    sync.Once
	onRecv  func(Result)
	results chan Result
}

func newHandle(onRecv func(Result)) *Handle {
	return &Handle{
		onRecv:  onRecv,
		results: make(chan Result, 1),
	}
}

// Cancel flips the cancellation flag. A pending cooperative read observes
// it within a second.
func (h *Handle) Cancel() {
	h.canceled.Store(true)
}

// Canceled reports whether Cancel was called.
func (h *Handle) Canceled() bool {
	return h.canceled.Load()
}

// CanceledPtr exposes the flag for attachment to a cooperative read loop.
func (h *Handle) CanceledPtr() *atomic.Bool {
	return &h.canceled
}

// SendComplete reports whether the request fully left the machine.
func (h *Handle) SendComplete() bool {
	return h.sendComplete.Load()
}

func (h *Handle) setSendComplete() {
	h.sendComplete.Store(true)
}

// Results returns the channel carrying the single terminal Result.
func (h *Handle) Results() <-chan Result {
	return h.results
}

func (h *Handle) notifyResponse(body []byte, headers []h1.Header) {
	h.deliver(Result{Body: body, Headers: headers})
}

func (h *Handle) notifyError(err *Error, partialBody []byte) {
	h.deliver(Result{Body: partialBody, Err: err})
}

func (h *Handle) deliver(res Result) {
	h.once.Do(func() {
		h.results <- res
		if h.onRecv != nil {
			h.onRecv(res)
		}
	})
}
