// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package https

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/https-go/pkg/https/internal/coio"
	"github.com/dtn7/https-go/pkg/https/internal/h1"
)

// clientRequest drives one outbound request end to end: acquire a
// connection, handshake if it is fresh, send, wait out the send buffer,
// parse the response, classify any failure, and either release the
// connection for reuse or drop it.
type clientRequest struct {
	svc   *Service
	hndl  *Handle
	msg   Message
	loc   Location
	host  *ResolvedHost
	build h1.BuildFunc
}

func (r *clientRequest) run() {
	if r.hndl.Canceled() {
		r.hndl.notifyError(newError(KindCancelled, "canceled"), nil)
		return
	}

	cx, err := r.svc.clientCtx()
	if err != nil {
		r.hndl.notifyError(wrapError(KindTls, "client context", err), nil)
		return
	}

	pc, acquireErr := r.svc.cache.Acquire(context.Background(), r.host)
	if acquireErr != nil {
		r.hndl.notifyError(acquireErr, nil)
		return
	}

	var io *ClientStream
	if pc.Stream() != nil {
		io = pc.Stream()
		io.SetCanceled(r.hndl.CanceledPtr())
	} else {
		io = NewClientStream(cx, r.loc, pc.Conn())
		io.SetCanceled(r.hndl.CanceledPtr())
		pc.SetStream(io)
	}

	var (
		received []byte
		headers  []h1.Header
	)

	runErr := func() error {
		release, err := io.Acquire()
		if err != nil {
			return err
		}
		defer release()

		if !io.Initialized() {
			if herr := io.Handshake(); herr != nil {
				return herr
			}
		}

		if _, err := io.Write(r.build(r.loc.Host, r.loc.Service(), r.msg.Data)); err != nil {
			return err
		}

		return r.processRecv(io, &received, &headers)
	}()

	if runErr != nil {
		classified := r.classify(runErr)
		pc.Drop()
		r.hndl.notifyError(classified, received)

		log.WithFields(log.Fields{
			"addr": r.msg.Addr,
			"kind": classified.Kind,
		}).WithError(runErr).Debug("HTTPS request failed")
		return
	}

	r.svc.cache.Release(pc)
	r.hndl.notifyResponse(received, headers)
}

// processRecv waits until the request left the machine, flags
// send-complete, and reads the full response. Partial body bytes survive
// in *data even when an error cuts the read short.
func (r *clientRequest) processRecv(io *ClientStream, data *[]byte, headers *[]h1.Header) error {
	if err := io.WaitUntilDrained(); err != nil {
		return err
	}
	r.hndl.setSendComplete()

	in, err := h1.ReadInput(io.Reader())
	if err != nil {
		return err
	}

	body, err := in.ReadAll()
	*data = body
	if err != nil {
		return err
	}
	*headers = in.Headers()

	code, err := h1.ParseStatus(in.FirstLine())
	if err != nil {
		return err
	}
	if code < 200 || code > 299 {
		return protocolError(code, "request failed("+in.FirstLine()+")")
	}

	return nil
}

func (r *clientRequest) classify(err error) *Error {
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	if errors.Is(err, coio.ErrCanceledRead) || r.hndl.Canceled() {
		return newError(KindCancelled, "canceled")
	}
	if errors.Is(err, h1.ErrTruncated) {
		return wrapError(KindTruncated, "response body truncated", err)
	}
	return newError(KindUnknown, err.Error())
}
