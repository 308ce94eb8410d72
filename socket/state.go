// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package socket

// State describes the lifecycle of an AsyncSocket. A socket starts Uninit,
// moves through Connecting into Established and finally reaches either Closed
// or Error. There is no way back to an earlier state.
type State int

const (
	// Uninit is the initial state; connect has not been called yet.
	Uninit State = iota

	// Connecting covers the asynchronous connect, waiting for the fd to
	// become writable.
	Connecting

	// Established is a connected socket ready for reads and writes.
	Established

	// Closed is a cleanly closed socket.
	Closed

	// Error is a socket torn down after a failure.
	Error
)

func (state State) String() string {
	switch state {
	case Uninit:
		return "uninit"
	case Connecting:
		return "connecting"
	case Established:
		return "established"
	case Closed:
		return "closed"
	case Error:
		return "error"
	default:
		return "INVALID"
	}
}

// shutdown flags; once set, a bit never clears.
const (
	// shutRead: the read side is shut down, no further reads will happen.
	shutRead uint8 = 1 << iota

	// shutWrite: the write side is shut down, no further writes will happen.
	shutWrite

	// shutWritePending: the write side shall shut down as soon as all queued
	// writes have drained, resp. once the connect completed.
	shutWritePending
)
