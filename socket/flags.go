// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package socket implements an event-driven, non-blocking TCP and TLS socket
// engine meant to be embedded in a single-threaded reactor.
//
// An AsyncSocket is affine to one reactor.Reactor at a time. All its methods
// must be called from that reactor's goroutine; cross-goroutine hand-over is
// possible through DetachReactor and AttachReactor with external
// synchronisation by the caller.
package socket

// WriteFlags alter how submitted bytes are handed to the kernel.
type WriteFlags uint8

const (
	// WriteNone requests plain write behaviour.
	WriteNone WriteFlags = 0

	// WriteCork signals that more data follows shortly, so the kernel may
	// batch this write with subsequent ones (MSG_MORE).
	WriteCork WriteFlags = 1 << (iota - 1)

	// WriteEOR marks the last byte of this write as the end of an
	// application record (MSG_EOR).
	WriteEOR
)

// isSet reports whether all bits of flag are set in wf.
func (wf WriteFlags) isSet(flag WriteFlags) bool {
	return wf&flag == flag
}
