// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package socket

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/dtn7/asock/reactor"
)

// socketOps are the socket internals that a layered transport, like the
// SSLSocket, replaces. AsyncSocket dispatches through this interface instead
// of calling its own methods directly.
type socketOps interface {
	handleRead()
	handleWrite()
	handleConnect()
	handleInitialReadWrite()
	checkForImmediateRead()
	performRead(buf []byte) (int, error)
	performWrite(ops [][]byte, flags WriteFlags) (bytesWritten, wholeOps, partialBytes int, err error)
	closeNow()
	connecting() bool
}

// AsyncSocket is a non-blocking TCP socket driven by a reactor.Reactor.
//
// Its lifecycle follows the State enum; failures move the socket into the
// Error state and notify every installed callback exactly once. All methods
// must be called from the owning reactor's goroutine.
type AsyncSocket struct {
	reactor reactor.Reactor
	ops     socketOps

	fd            int
	state         State
	shutdownFlags uint8
	eventFlags    reactor.Events

	connectCallback ConnectCallback
	readCallback    ReadCallback

	writeReqHead *writeRequest
	writeReqTail *writeRequest

	ioHandler    ioHandler
	writeTimeout reactor.Timeout

	sendTimeout      time.Duration
	maxReadsPerEvent int

	appBytesWritten  uint64
	appBytesReceived uint64

	peerAddr    unix.Sockaddr
	shutdownSet *ShutdownSocketSet
}

// errWouldBlock is the internal performRead result for an empty kernel buffer.
var errWouldBlock = fmt.Errorf("operation would block")

// New creates a fresh AsyncSocket in the Uninit state, bound to r.
func New(r reactor.Reactor) *AsyncSocket {
	sock := &AsyncSocket{
		reactor: r,
		fd:      -1,
		state:   Uninit,
	}
	sock.ops = sock
	sock.ioHandler = ioHandler{socket: sock, reactor: r, fd: -1}
	sock.writeTimeout = r.NewTimeout(sock.timeoutExpired)
	return sock
}

// NewFromFd wraps an already connected, non-blocking fd into an Established
// AsyncSocket. Socket options of the fd stay untouched.
func NewFromFd(r reactor.Reactor, fd int) *AsyncSocket {
	sock := New(r)
	sock.fd = fd
	sock.ioHandler.changeFd(fd)
	sock.state = Established
	return sock
}

func (sock *AsyncSocket) log() *log.Entry {
	return log.WithFields(log.Fields{
		"socket": fmt.Sprintf("%p", sock),
		"fd":     sock.fd,
		"state":  sock.state,
	})
}

// String implements fmt.Stringer, used within log entries.
func (sock *AsyncSocket) String() string {
	return fmt.Sprintf("AsyncSocket(fd=%d, state=%v)", sock.fd, sock.state)
}

// Connect starts a non-blocking connect to addr.
//
// The callback is notified once about success or failure. A non-zero timeout
// bounds the connect duration. opts are applied to the fresh fd; bindAddr, if
// non-nil, is bound beforehand with SO_REUSEADDR.
func (sock *AsyncSocket) Connect(callback ConnectCallback, addr unix.Sockaddr,
	timeout time.Duration, opts []Option, bindAddr unix.Sockaddr) {
	if sock.state != Uninit {
		sock.invalidStateConnect(callback)
		return
	}

	sock.peerAddr = addr
	sock.state = Connecting
	sock.connectCallback = callback

	if err := sock.openFd(addr, opts, bindAddr); err != nil {
		sock.failConnect("Connect", err)
		return
	}

	if err := unix.Connect(sock.fd, addr); err != nil {
		if err == unix.EINPROGRESS {
			if timeout > 0 {
				sock.writeTimeout.Schedule(timeout)
			}

			// One-shot write-readiness tells us when the connect finished.
			sock.eventFlags = reactor.Write
			if regErr := sock.ioHandler.register(reactor.Write); regErr != nil {
				sock.failConnect("Connect", newTransportError(InternalError,
					sock.withAddr("failed to register connect handler")))
			}
			return
		}

		sock.failConnect("Connect", newTransportErrorErrno(NotOpen,
			"connect failed (immediately)", err))
		return
	}

	// The connect succeeded immediately. No callbacks can be installed and no
	// writes can be pending yet, so there is nothing to register.
	sock.state = Established
	if callback != nil {
		sock.connectCallback = nil
		callback.ConnectSuccess()
	}
}

// openFd creates the non-blocking fd for addr's family and prepares it.
func (sock *AsyncSocket) openFd(addr unix.Sockaddr, opts []Option, bindAddr unix.Sockaddr) *TransportError {
	family := sockaddrFamily(addr)
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return newTransportErrorErrno(InternalError, "failed to create socket", err)
	}

	sock.fd = fd
	if sock.shutdownSet != nil {
		sock.shutdownSet.Add(fd)
	}
	sock.ioHandler.changeFd(fd)

	if family != unix.AF_UNIX {
		// A failure is logged within SetNoDelay, but is not fatal.
		_ = sock.SetNoDelay(true)
	}

	if bindAddr != nil {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return newTransportErrorErrno(NotOpen,
				"failed to setsockopt prior to bind", err)
		}
		if err := unix.Bind(fd, bindAddr); err != nil {
			return newTransportErrorErrno(NotOpen, "failed to bind socket", err)
		}
	}

	for _, opt := range opts {
		if err := opt.apply(fd); err != nil {
			return newTransportErrorErrno(InternalError,
				sock.withAddr("failed to set socket option"), err)
		}
	}

	return nil
}

// SetReadCallback installs resp. uninstalls (nil) the read callback.
//
// Installing is legal while Connecting, the callback becomes active once the
// connect finished, or while Established. After the read side shut down, only
// uninstalling is accepted.
func (sock *AsyncSocket) SetReadCallback(callback ReadCallback) {
	if callback == sock.readCallback {
		return
	}

	if sock.shutdownFlags&shutRead != 0 {
		// Reads are shut down. Uninstalling is fine, e.g., while cleaning up
		// after an error, but no new callback may be set.
		if callback != nil {
			sock.invalidStateRead(callback)
			return
		}
		sock.readCallback = nil
		return
	}

	switch sock.state {
	case Connecting:
		sock.readCallback = callback

	case Established:
		sock.readCallback = callback
		oldFlags := sock.eventFlags
		if callback != nil {
			sock.eventFlags |= reactor.Read
		} else {
			sock.eventFlags &^= reactor.Read
		}

		if sock.eventFlags != oldFlags {
			// On failure, updateEventRegistration has moved us into the
			// Error state; nothing else to do here.
			_ = sock.updateEventRegistration()
		}

		if sock.readCallback != nil {
			sock.ops.checkForImmediateRead()
		}

	default:
		sock.invalidStateRead(callback)
	}
}

// ReadCallback returns the installed read callback, if any.
func (sock *AsyncSocket) ReadCallback() ReadCallback {
	return sock.readCallback
}

// Write submits buf for sending. The callback, if non-nil, is notified
// exactly once about completion or failure.
func (sock *AsyncSocket) Write(callback WriteCallback, buf []byte, flags WriteFlags) {
	sock.writeImpl(callback, [][]byte{buf}, flags)
}

// Writev submits a vector of byte ranges for sending as one operation.
func (sock *AsyncSocket) Writev(callback WriteCallback, ops [][]byte, flags WriteFlags) {
	sock.writeImpl(callback, ops, flags)
}

// WriteChain submits a buffer chain; empty chain elements are skipped.
func (sock *AsyncSocket) WriteChain(callback WriteCallback, chain [][]byte, flags WriteFlags) {
	ops := make([][]byte, 0, len(chain))
	for _, buf := range chain {
		if len(buf) != 0 {
			ops = append(ops, buf)
		}
	}
	sock.writeImpl(callback, ops, flags)
}

func (sock *AsyncSocket) writeImpl(callback WriteCallback, ops [][]byte, flags WriteFlags) {
	if sock.shutdownFlags&(shutWrite|shutWritePending) != 0 {
		// No new writes after the write side shut down. This is most likely
		// a bug in the caller's code, so tear everything down instead of
		// failing just this one write.
		sock.invalidStateWrite(callback)
		return
	}

	var bytesWritten, wholeOps, partialBytes int
	mustRegister := false

	if sock.state == Established && !sock.ops.connecting() {
		if sock.writeReqHead == nil {
			// Established without pending writes: try it right now.
			var err error
			bytesWritten, wholeOps, partialBytes, err = sock.ops.performWrite(ops, flags)
			if err != nil {
				sock.failWriteCallback("Write", callback, 0, sock.asWriteError(err))
				return
			} else if wholeOps == len(ops) {
				if callback != nil {
					callback.WriteSuccess()
				}
				return
			}
			mustRegister = true
		}
	} else if !sock.ops.connecting() {
		sock.invalidStateWrite(callback)
		return
	}

	req := newWriteRequest(callback, ops[wholeOps:], flags)
	if len(req.ops) > 0 {
		req.consume(0, partialBytes, bytesWritten)
	}
	if sock.writeReqTail == nil {
		sock.writeReqHead = req
		sock.writeReqTail = req
	} else {
		sock.writeReqTail.append(req)
		sock.writeReqTail = req
	}

	if mustRegister {
		if !sock.updateEventRegistrationFlags(reactor.Write, 0) {
			return
		}
		if sock.sendTimeout > 0 {
			sock.writeTimeout.Schedule(sock.sendTimeout)
		}
	}
}

// Close closes the socket, draining pending writes first. With writes
// pending, the read side shuts down immediately, an installed read callback
// receives its ReadEOF, and the teardown finishes once the queue is empty.
func (sock *AsyncSocket) Close() {
	if sock.writeReqHead == nil || (sock.state != Connecting && sock.state != Established) {
		sock.ops.closeNow()
		return
	}

	sock.shutdownFlags |= shutRead | shutWritePending

	if sock.readCallback != nil {
		if !sock.updateEventRegistrationFlags(0, reactor.Read) {
			return
		}

		callback := sock.readCallback
		sock.readCallback = nil
		callback.ReadEOF()
	}
}

// CloseNow closes the socket immediately. Pending writes fail with an
// EndOfFile error; an installed read callback receives its ReadEOF.
func (sock *AsyncSocket) CloseNow() {
	sock.ops.closeNow()
}

// closeNow is the AsyncSocket implementation behind CloseNow; layered
// transports wrap it through the socketOps indirection.
func (sock *AsyncSocket) closeNow() {
	switch sock.state {
	case Established, Connecting:
		sock.shutdownFlags |= shutRead | shutWrite
		sock.state = Closed

		sock.writeTimeout.Cancel()

		if sock.eventFlags != 0 {
			sock.eventFlags = 0
			sock.ioHandler.unregister()
		}

		if sock.fd >= 0 {
			sock.ioHandler.changeFd(-1)
			sock.doClose()
		}

		closedEx := newTransportError(EndOfFile, "socket closed locally")
		if sock.connectCallback != nil {
			callback := sock.connectCallback
			sock.connectCallback = nil
			callback.ConnectError(closedEx)
		}

		sock.failAllWrites(closedEx)

		if sock.readCallback != nil {
			callback := sock.readCallback
			sock.readCallback = nil
			callback.ReadEOF()
		}

	case Closed, Error:
		// Nothing to do; possibly a recursive call from within a callback
		// invoked by another, still running, close.

	case Uninit:
		sock.shutdownFlags |= shutRead | shutWrite
		sock.state = Closed
	}
}

// CloseWithReset closes the socket immediately, provoking a TCP RST by
// enabling SO_LINGER with a zero timeout first.
func (sock *AsyncSocket) CloseWithReset() {
	if sock.fd >= 0 {
		linger := unix.Linger{Onoff: 1, Linger: 0}
		if err := unix.SetsockoptLinger(sock.fd, unix.SOL_SOCKET, unix.SO_LINGER, &linger); err != nil {
			sock.log().WithError(err).Debug("Failed to set SO_LINGER for reset")
		}
	}

	sock.ops.closeNow()
}

// ShutdownWrite shuts the write side down once all pending writes drained.
func (sock *AsyncSocket) ShutdownWrite() {
	if sock.writeReqHead == nil {
		sock.ShutdownWriteNow()
		return
	}

	sock.shutdownFlags |= shutWritePending
}

// ShutdownWriteNow shuts the write side down immediately. Pending writes fail
// with an EndOfFile error.
func (sock *AsyncSocket) ShutdownWriteNow() {
	if sock.shutdownFlags&shutWrite != 0 {
		return
	}

	if sock.shutdownFlags&shutRead != 0 {
		// close() was called with writes pending before. Finish the close.
		sock.ops.closeNow()
		return
	}

	shutdownEx := newTransportError(EndOfFile, "socket shutdown for writes")

	switch sock.state {
	case Established:
		sock.shutdownFlags |= shutWrite
		sock.writeTimeout.Cancel()

		if !sock.updateEventRegistrationFlags(0, reactor.Write) {
			return
		}

		_ = unix.Shutdown(sock.fd, unix.SHUT_WR)
		sock.failAllWrites(shutdownEx)

	case Connecting:
		// The write half shuts down as soon as the connect completed.
		sock.shutdownFlags |= shutWritePending
		sock.failAllWrites(shutdownEx)

	case Uninit:
		sock.shutdownFlags |= shutWritePending

	case Closed, Error:
		sock.log().Warn("ShutdownWriteNow in unexpected state without shutWrite")
	}
}

// SetSendTimeout bounds the duration of a pending write; zero disables it.
// A currently pending write is re-armed with the new value. A pending
// connect keeps the timeout passed to Connect.
func (sock *AsyncSocket) SetSendTimeout(timeout time.Duration) {
	sock.sendTimeout = timeout

	if sock.eventFlags&reactor.Write != 0 && sock.state != Connecting {
		if sock.sendTimeout > 0 {
			sock.writeTimeout.Schedule(sock.sendTimeout)
		} else {
			sock.writeTimeout.Cancel()
		}
	}
}

// SendTimeout returns the configured send timeout, zero for none.
func (sock *AsyncSocket) SendTimeout() time.Duration {
	return sock.sendTimeout
}

// SetMaxReadsPerEvent caps the read-loop iterations per readiness event;
// zero, the default, means unbounded.
func (sock *AsyncSocket) SetMaxReadsPerEvent(n int) {
	sock.maxReadsPerEvent = n
}

// MaxReadsPerEvent returns the read-loop cap, zero for unbounded.
func (sock *AsyncSocket) MaxReadsPerEvent() int {
	return sock.maxReadsPerEvent
}

// AppBytesWritten counts the application-visible bytes submitted to the
// kernel resp. the TLS engine, not the wire bytes.
func (sock *AsyncSocket) AppBytesWritten() uint64 {
	return sock.appBytesWritten
}

// AppBytesReceived counts the application-visible bytes handed to the read
// callback.
func (sock *AsyncSocket) AppBytesReceived() uint64 {
	return sock.appBytesReceived
}

// State returns the current lifecycle state.
func (sock *AsyncSocket) State() State {
	return sock.state
}

// Good reports whether this socket is usable: connecting or established,
// without any shutdown in progress, and attached to a reactor.
func (sock *AsyncSocket) Good() bool {
	return (sock.state == Connecting || sock.state == Established) &&
		sock.shutdownFlags == 0 && sock.reactor != nil
}

// Failed reports whether the socket was torn down after a failure.
func (sock *AsyncSocket) Failed() bool {
	return sock.state == Error
}

// Connecting reports whether a connect is in progress.
func (sock *AsyncSocket) Connecting() bool {
	return sock.ops.connecting()
}

// connecting is the AsyncSocket implementation; layered transports extend it.
func (sock *AsyncSocket) connecting() bool {
	return sock.state == Connecting
}

// Fd returns the underlying fd, or -1.
func (sock *AsyncSocket) Fd() int {
	return sock.fd
}

// Readable polls the fd for pending inbound data without blocking.
func (sock *AsyncSocket) Readable() bool {
	if sock.fd < 0 {
		return false
	}

	pollFds := []unix.PollFd{{Fd: int32(sock.fd), Events: unix.POLLIN}}
	n, _ := unix.Poll(pollFds, 0)
	return n == 1
}

// Hangup polls the fd for a peer hang-up without blocking.
func (sock *AsyncSocket) Hangup() bool {
	if sock.fd < 0 {
		return false
	}

	pollFds := []unix.PollFd{{Fd: int32(sock.fd), Events: unix.POLLRDHUP | unix.POLLHUP}}
	_, _ = unix.Poll(pollFds, 0)
	return pollFds[0].Revents&(unix.POLLRDHUP|unix.POLLHUP) != 0
}

// SetShutdownSocketSet (un)links this socket with a ShutdownSocketSet.
func (sock *AsyncSocket) SetShutdownSocketSet(set *ShutdownSocketSet) {
	if sock.shutdownSet == set {
		return
	}

	if sock.shutdownSet != nil && sock.fd >= 0 {
		sock.shutdownSet.Remove(sock.fd)
	}
	sock.shutdownSet = set
	if sock.shutdownSet != nil && sock.fd >= 0 {
		sock.shutdownSet.Add(sock.fd)
	}
}

// AttachReactor binds a detached socket to another reactor. The caller is
// responsible for the synchronisation of the hand-over.
func (sock *AsyncSocket) AttachReactor(r reactor.Reactor) {
	sock.reactor = r
	sock.ioHandler.attachReactor(r)
	sock.writeTimeout = r.NewTimeout(sock.timeoutExpired)
}

// DetachReactor unbinds the socket from its reactor; see IsDetachable.
func (sock *AsyncSocket) DetachReactor() {
	sock.reactor = nil
	sock.ioHandler.detachReactor()
	sock.writeTimeout = nil
}

// IsDetachable reports whether the socket can currently leave its reactor,
// i.e., no fd registration is active and no timeout is scheduled.
func (sock *AsyncSocket) IsDetachable() bool {
	return !sock.ioHandler.isRegistered() &&
		(sock.writeTimeout == nil || !sock.writeTimeout.IsScheduled())
}

// DetachFd surrenders the fd to the caller. Pending callbacks are failed like
// in CloseNow, but the fd stays open and is no longer owned by this socket.
func (sock *AsyncSocket) DetachFd() int {
	if sock.shutdownSet != nil && sock.fd >= 0 {
		sock.shutdownSet.Remove(sock.fd)
	}

	fd := sock.fd
	sock.fd = -1
	sock.ops.closeNow()
	sock.ioHandler.changeFd(-1)
	return fd
}

// LocalAddr returns the fd's local address, or nil.
func (sock *AsyncSocket) LocalAddr() unix.Sockaddr {
	if sock.fd < 0 {
		return nil
	}
	sa, _ := unix.Getsockname(sock.fd)
	return sa
}

// PeerAddr returns the peer's address, determined lazily for sockets adopted
// through NewFromFd.
func (sock *AsyncSocket) PeerAddr() unix.Sockaddr {
	if sock.peerAddr == nil && sock.fd >= 0 {
		sock.peerAddr, _ = unix.Getpeername(sock.fd)
	}
	return sock.peerAddr
}

// doClose closes the fd, routing through the ShutdownSocketSet if linked.
func (sock *AsyncSocket) doClose() {
	if sock.fd < 0 {
		return
	}

	if sock.shutdownSet != nil {
		_ = sock.shutdownSet.Close(sock.fd)
	} else {
		_ = unix.Close(sock.fd)
	}
	sock.fd = -1
}

// withAddr augments msg with the socket's peer and local addresses.
func (sock *AsyncSocket) withAddr(msg string) string {
	return fmt.Sprintf("%s (peer=%s, local=%s)",
		msg, describeSockaddr(sock.PeerAddr()), describeSockaddr(sock.LocalAddr()))
}

// updateEventRegistration syncs the reactor registration with eventFlags.
// On failure, the socket moves into the Error state and false is returned.
func (sock *AsyncSocket) updateEventRegistration() bool {
	if sock.eventFlags == 0 {
		sock.ioHandler.unregister()
		return true
	}

	// Register persistently, so no re-registration is due after delivery.
	if err := sock.ioHandler.register(sock.eventFlags | reactor.Persist); err != nil {
		sock.eventFlags = 0
		sock.fail("updateEventRegistration", newTransportError(InternalError,
			sock.withAddr("failed to update event registration")))
		return false
	}

	return true
}

func (sock *AsyncSocket) updateEventRegistrationFlags(enable, disable reactor.Events) bool {
	oldFlags := sock.eventFlags
	sock.eventFlags |= enable
	sock.eventFlags &^= disable
	if sock.eventFlags == oldFlags {
		return true
	}
	return sock.updateEventRegistration()
}
