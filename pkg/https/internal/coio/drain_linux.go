// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux

package coio

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// WaitUntilDrained blocks the calling goroutine until the kernel send
// buffer for this socket is empty, so that a request is known to have left
// the machine before its response is awaited. The wait ends early when
// response bytes already arrived.
func (c *Conn) WaitUntilDrained() error {
	if !c.bound.Load() {
		return ErrNotBound
	}

	tout := 10 * time.Millisecond
	for {
		pending, err := c.outqLen()
		if err != nil {
			return err
		}
		if pending == 0 {
			return nil
		}

		switch c.PollRead(tout) {
		case Readable, PeerClosed:
			return nil
		case Error:
			return errors.New("coio: poll failed while draining send buffer")
		}

		tout *= 2
	}
}

func (c *Conn) outqLen() (int, error) {
	var (
		pending  int
		ioctlErr error
	)

	err := c.raw.Control(func(fd uintptr) {
		pending, ioctlErr = unix.IoctlGetInt(int(fd), unix.SIOCOUTQ)
	})
	if err != nil {
		return 0, err
	}
	return pending, ioctlErr
}
