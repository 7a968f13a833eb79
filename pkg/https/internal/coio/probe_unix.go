// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux || darwin || freebsd || netbsd || openbsd

package coio

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Alive reports whether the peer has not closed its side of the
// connection, without consuming any buffered bytes. Used to weed out dead
// sockets before handing a pooled connection back to a caller.
func (c *Conn) Alive() bool {
	if c.hasPeeked {
		return true
	}

	alive := false
	err := c.raw.Control(func(fd uintptr) {
		var buf [1]byte
		n, _, rerr := unix.Recvfrom(int(fd), buf[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		switch {
		case n > 0:
			alive = true
		case rerr != nil && (errors.Is(rerr, unix.EAGAIN) || errors.Is(rerr, unix.EWOULDBLOCK)):
			alive = true
		}
	})

	return err == nil && alive
}
