// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package coio

// Alive is optimistic where no non-destructive peek is available; dead
// sockets surface on the first real read instead.
func (c *Conn) Alive() bool {
	return true
}
