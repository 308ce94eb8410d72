// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package socket

// ReadCallback receives inbound data from an AsyncSocket.
//
// Reading is a persistent operation: once installed through SetReadCallback,
// the callback is asked for a buffer and notified about new data until it is
// uninstalled again, an EOF arrives, or the socket fails.
type ReadCallback interface {
	// GetReadBuffer returns the buffer the next read should fill. Returning
	// an empty buffer fails the socket with a BadArgs error.
	GetReadBuffer() []byte

	// ReadDataAvailable announces that the first n bytes of the buffer
	// returned by the preceding GetReadBuffer call now contain data.
	ReadDataAvailable(n int)

	// ReadEOF announces that the peer closed its write side. The callback is
	// uninstalled before this call.
	ReadEOF()

	// ReadError announces a failure. The callback is uninstalled before this
	// call. err is a *TransportError.
	ReadError(err error)
}

// WriteCallback is notified exactly once about the outcome of one submitted
// write operation.
type WriteCallback interface {
	// WriteSuccess announces that all bytes of the operation reached the
	// kernel.
	WriteSuccess()

	// WriteError announces a failure after bytesWritten bytes of this
	// operation reached the kernel. err is a *TransportError.
	WriteError(bytesWritten int, err error)
}

// ConnectCallback is notified exactly once about the outcome of a Connect.
type ConnectCallback interface {
	// ConnectSuccess announces an established connection. The callback is
	// uninstalled before this call.
	ConnectSuccess()

	// ConnectError announces a failed connect. The callback is uninstalled
	// before this call. err is a *TransportError.
	ConnectError(err error)
}
