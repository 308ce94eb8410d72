// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package socket

import (
	"golang.org/x/sys/unix"

	"github.com/dtn7/asock/reactor"
)

// iovMax caps the iovec count per sendmsg, Linux' UIO_MAXIOV.
const iovMax = 1024

// ioReady is the entry point for reactor readiness events.
func (sock *AsyncSocket) ioReady(events reactor.Events) {
	relevant := events & (reactor.Read | reactor.Write)

	switch relevant {
	case reactor.Read:
		sock.ops.handleRead()

	case reactor.Write:
		sock.ops.handleWrite()

	case reactor.Read | reactor.Write:
		originalReactor := sock.reactor

		// With both sides ready, writes are processed first.
		sock.ops.handleWrite()

		if sock.reactor != originalReactor {
			return
		}

		// The read callback might have been uninstalled in handleWrite.
		if sock.readCallback != nil {
			sock.ops.handleRead()
		}

	default:
		sock.log().WithField("events", events).Warn("ioReady without relevant events")
	}
}

// performRead reads once from the fd into buf. It returns the count of read
// bytes, zero with a nil error for EOF, or errWouldBlock for an empty kernel
// buffer.
func (sock *AsyncSocket) performRead(buf []byte) (int, error) {
	n, _, err := unix.Recvfrom(sock.fd, buf, unix.MSG_DONTWAIT)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, errWouldBlock
		}
		return 0, err
	}

	sock.appBytesReceived += uint64(n)
	return n, nil
}

// handleRead loops over performRead until the kernel has no more data, the
// callback was uninstalled, maxReadsPerEvent is exhausted, or the socket was
// moved to another reactor.
func (sock *AsyncSocket) handleRead() {
	numReads := 0
	originalReactor := sock.reactor

	// The callback's ReadDataAvailable may uninstall the callback or detach
	// the socket; both conditions are re-checked on every turn.
	for sock.readCallback != nil && sock.reactor == originalReactor {
		buf := sock.readCallback.GetReadBuffer()
		if len(buf) == 0 {
			sock.failRead("handleRead", newTransportError(BadArgs,
				"ReadCallback.GetReadBuffer returned empty buffer"))
			return
		}

		bytesRead, err := sock.ops.performRead(buf)
		switch {
		case err == errWouldBlock:
			return

		case err != nil:
			sock.failRead("handleRead", sock.asReadError(err))
			return

		case bytesRead > 0:
			sock.readCallback.ReadDataAvailable(bytesRead)

			// A partially filled buffer means the kernel ran empty.
			if bytesRead < len(buf) {
				return
			}

		default:
			// EOF
			sock.shutdownFlags |= shutRead
			if !sock.updateEventRegistrationFlags(0, reactor.Read) {
				return
			}

			callback := sock.readCallback
			sock.readCallback = nil
			callback.ReadEOF()
			return
		}

		if numReads++; sock.maxReadsPerEvent > 0 && numReads >= sock.maxReadsPerEvent {
			return
		}
	}
}

// performWrite hands ops to the kernel via one sendmsg. It returns the
// written byte count, the count of completely written ops and the bytes of
// the following, partially written op. A full kernel buffer (EAGAIN) is "no
// progress", not an error.
func (sock *AsyncSocket) performWrite(ops [][]byte, flags WriteFlags) (int, int, int, error) {
	if len(ops) == 0 {
		return 0, 0, 0, nil
	}

	bufs := ops
	if len(bufs) > iovMax {
		bufs = bufs[:iovMax]
	}

	// sendmsg instead of writev, so MSG_NOSIGNAL suppresses SIGPIPE; EPIPE
	// is handled like every other error.
	msgFlags := unix.MSG_DONTWAIT | unix.MSG_NOSIGNAL
	if flags.isSet(WriteCork) {
		msgFlags |= unix.MSG_MORE
	}
	if flags.isSet(WriteEOR) {
		msgFlags |= unix.MSG_EOR
	}

	totalWritten, err := unix.SendmsgBuffers(sock.fd, bufs, nil, nil, msgFlags)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, 0, 0, nil
		}
		return 0, 0, 0, err
	}

	sock.appBytesWritten += uint64(totalWritten)

	bytesLeft := totalWritten
	for n, op := range ops {
		if len(op) > bytesLeft {
			// The write finished within this op.
			return totalWritten, n, bytesLeft, nil
		}
		bytesLeft -= len(op)
	}

	return totalWritten, len(ops), 0, nil
}

// handleWrite drains the write queue until the kernel blocks, the queue runs
// empty, or the socket was moved to another reactor.
func (sock *AsyncSocket) handleWrite() {
	if sock.state == Connecting {
		sock.ops.handleConnect()
		return
	}

	originalReactor := sock.reactor
	for sock.writeReqHead != nil && sock.reactor == originalReactor {
		req := sock.writeReqHead

		writeFlags := req.flags
		if req.next != nil {
			// More data follows; let the kernel batch.
			writeFlags |= WriteCork
		}

		currentOps := req.currentOps()
		bytesWritten, wholeOps, partialBytes, err := sock.ops.performWrite(currentOps, writeFlags)
		if err != nil {
			sock.failWrite("handleWrite", sock.asWriteError(err))
			return
		}

		if wholeOps == len(currentOps) {
			// This request is finished.
			sock.writeReqHead = req.next

			if sock.writeReqHead == nil {
				sock.writeReqTail = nil

				// All state changes, unregistering write events, stopping
				// the send timer, a possibly pending write-side shutdown,
				// must happen before the callback runs: it may close or
				// detach the socket.
				if sock.eventFlags&reactor.Write != 0 {
					if !sock.updateEventRegistrationFlags(0, reactor.Write) {
						return
					}
					sock.writeTimeout.Cancel()
				}

				if sock.shutdownFlags&shutWritePending != 0 {
					sock.shutdownFlags |= shutWrite

					if sock.shutdownFlags&shutRead != 0 {
						// Reads were already shut down; close completely.
						sock.state = Closed
						if sock.fd >= 0 {
							sock.ioHandler.changeFd(-1)
							sock.doClose()
						}
					} else {
						_ = unix.Shutdown(sock.fd, unix.SHUT_WR)
					}
				}
			}

			if req.callback != nil {
				req.callback.WriteSuccess()
			}
			continue
		}

		// Partial write; a follow-up attempt would most likely just return
		// EAGAIN, so wait for the next write-readiness.
		req.consume(wholeOps, partialBytes, bytesWritten)

		if sock.eventFlags&reactor.Write == 0 {
			if !sock.updateEventRegistrationFlags(reactor.Write, 0) {
				return
			}
		}

		if sock.sendTimeout > 0 {
			sock.writeTimeout.Schedule(sock.sendTimeout)
		}
		return
	}
}

// handleConnect finishes an asynchronous connect after write-readiness.
func (sock *AsyncSocket) handleConnect() {
	sock.writeTimeout.Cancel()

	// The connect registration is non-persistent and therefore already gone.
	sock.eventFlags = 0
	sock.ioHandler.markOneShotFired()

	soErr, err := unix.GetsockoptInt(sock.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		sock.failConnect("handleConnect", newTransportErrorErrno(InternalError,
			sock.withAddr("getsockopt after connect failed"), err))
		return
	}
	if soErr != 0 {
		sock.failConnect("handleConnect", newTransportErrorErrno(NotOpen,
			"connect failed", unix.Errno(soErr)))
		return
	}

	sock.state = Established

	// A close or write-shutdown was requested while connecting; without
	// queued writes the write half shuts down right away.
	if sock.shutdownFlags&shutWritePending != 0 && sock.writeReqHead == nil {
		_ = unix.Shutdown(sock.fd, unix.SHUT_WR)
		sock.shutdownFlags |= shutWrite
	}

	originalReactor := sock.reactor

	if sock.connectCallback != nil {
		callback := sock.connectCallback
		sock.connectCallback = nil
		callback.ConnectSuccess()
	}

	// The callback may have closed the socket or detached the reactor.
	if sock.reactor != originalReactor {
		return
	}

	sock.ops.handleInitialReadWrite()
}

// handleInitialReadWrite establishes the event registrations after a
// completed connect: read interest iff a callback is installed, and queued
// writes, submitted from within ConnectSuccess, are pushed forward.
func (sock *AsyncSocket) handleInitialReadWrite() {
	if sock.readCallback != nil && sock.eventFlags&reactor.Read == 0 {
		if !sock.updateEventRegistrationFlags(reactor.Read, 0) {
			return
		}
		sock.ops.checkForImmediateRead()
	} else if sock.readCallback == nil {
		if !sock.updateEventRegistrationFlags(0, reactor.Read) {
			return
		}
	}

	if sock.writeReqHead != nil && sock.eventFlags&reactor.Write == 0 {
		sock.ops.handleWrite()
	} else if sock.writeReqHead == nil {
		_ = sock.updateEventRegistrationFlags(0, reactor.Write)
	}
}

// checkForImmediateRead is a hook for layered transports that may have
// buffered inbound data; a plain TCP socket waits for the reactor instead of
// forcing the callback to allocate a buffer on suspicion.
func (sock *AsyncSocket) checkForImmediateRead() {}

// timeoutExpired handles the shared connect resp. send timeout.
func (sock *AsyncSocket) timeoutExpired() {
	if sock.state == Connecting {
		sock.failConnect("timeoutExpired", newTransportError(TimedOut, "connect timed out"))
	} else {
		sock.failWrite("timeoutExpired", newTransportError(TimedOut, "write timed out"))
	}
}
