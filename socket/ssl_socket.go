// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package socket

import (
	"crypto/x509"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/dtn7/asock/reactor"
)

// TLS record content type for handshake messages.
const recordTypeHandshake = 22

// maxRecordChunk bounds the plaintext handed to the engine per record.
const maxRecordChunk = 16384

// HandshakeCallback is notified about the outcome of a TLS handshake started
// with SSLAccept or SSLConnect.
type HandshakeCallback interface {
	// HandshakeVerify is invoked during the handshake to give the
	// application a chance to judge the peer's certificate. preverifyOk
	// carries the result of the engine's own verification; returning it
	// unchanged keeps the engine's verdict.
	HandshakeVerify(sock *SSLSocket, preverifyOk bool, chains [][]*x509.Certificate) bool

	// HandshakeSuccess is called after a completed handshake. The callback
	// is uninstalled before this call.
	HandshakeSuccess(sock *SSLSocket)

	// HandshakeError is called after a failed handshake. The callback is
	// uninstalled before this call. err is a *TransportError.
	HandshakeError(sock *SSLSocket, err error)
}

// SSLSocket overlays TLS onto an AsyncSocket. During the handshake, fd
// readiness is routed into the Engine instead of the plain read and write
// loops; afterwards, reads and writes pass through the engine's record layer.
type SSLSocket struct {
	*AsyncSocket

	ctx          *Context
	handshakeCtx *Context
	engine       Engine

	server               bool
	sslState             SSLState
	handshakeComplete    bool
	renegotiateAttempted bool

	handshakeCallback HandshakeCallback
	handshakeTimeout  reactor.Timeout

	verifyPeer VerifyPeer
	serverName string
	session    *Session

	trackEor        bool
	appEorByteNo    uint64
	minEorRawByteNo uint64

	rawBytesWritten  uint64
	rawBytesReceived uint64

	parseClientHello bool
	clientHelloInfo  *ClientHelloInfo

	rawReadBuf []byte
}

// NewSSL creates a client SSLSocket in the Uninit state, bound to r and
// using ctx for its TLS configuration.
func NewSSL(r reactor.Reactor, ctx *Context) *SSLSocket {
	ss := &SSLSocket{
		AsyncSocket: New(r),
		ctx:         ctx,
		sslState:    SSLUninit,
	}
	ss.ops = ss
	ss.handshakeTimeout = r.NewTimeout(ss.handshakeTimeoutExpired)
	return ss
}

// NewSSLFromFd wraps an already connected fd. With server set, SSLAccept
// drives the handshake; otherwise SSLConnect continues on the existing
// connection. Socket options of the fd stay untouched.
func NewSSLFromFd(r reactor.Reactor, ctx *Context, fd int, server bool) *SSLSocket {
	ss := &SSLSocket{
		AsyncSocket: NewFromFd(r, fd),
		ctx:         ctx,
		server:      server,
		sslState:    SSLUninit,
	}
	ss.ops = ss
	ss.handshakeTimeout = r.NewTimeout(ss.handshakeTimeoutExpired)
	return ss
}

func (ss *SSLSocket) sslLog() *log.Entry {
	return ss.log().WithFields(log.Fields{
		"sslState": ss.sslState,
		"server":   ss.server,
	})
}

// String implements fmt.Stringer, used within log entries.
func (ss *SSLSocket) String() string {
	return fmt.Sprintf("SSLSocket(fd=%d, state=%v, sslState=%v)", ss.fd, ss.state, ss.sslState)
}

// SetServerName sets the SNI hostname advertised in the ClientHello. It must
// be called before SSLConnect.
func (ss *SSLSocket) SetServerName(serverName string) {
	ss.serverName = serverName
}

// SSLAccept starts the server-side handshake on an established connection.
//
// The callback is notified once about success or failure; a non-zero timeout
// bounds the handshake. verifyPeer overrides the context's default peer
// verification unless it is VerifyUseCtx.
func (ss *SSLSocket) SSLAccept(callback HandshakeCallback, timeout time.Duration, verifyPeer VerifyPeer) {
	if ss.state != Established || ss.sslState != SSLUninit || !ss.server {
		ss.invalidStateHandshake(callback)
		return
	}

	ss.sslState = SSLAccepting
	ss.handshakeCallback = callback
	ss.verifyPeer = verifyPeer

	if ss.engine == nil {
		engine, err := ss.ctx.newEngine(ss)
		if err != nil {
			ss.failHandshake("SSLAccept", newTransportErrorErrno(InternalError,
				ss.withAddr("failed to create TLS engine"), err))
			return
		}
		ss.engine = engine
	}
	ss.engine.SetMessageCallback(ss.sslMessageCallback)

	if timeout > 0 {
		ss.handshakeTimeout.Schedule(timeout)
	}

	ss.handleHandshake()
}

// RestartSSLAccept continues an accept that paused for an asynchronous
// session cache lookup or private key operation, after the application
// resolved it, e.g., via SetSSLSession.
func (ss *SSLSocket) RestartSSLAccept() {
	if ss.sslState != SSLCacheLookup && ss.sslState != SSLRsaAsyncPending {
		ss.sslLog().Warn("RestartSSLAccept without pending lookup")
		return
	}

	ss.sslState = SSLAccepting
	ss.handleHandshake()
}

// SSLConnect performs the TCP connect to addr followed by the client-side
// handshake. The timeout bounds both phases together. On a socket that is
// already Established, e.g., from NewSSLFromFd, the handshake starts right
// away and addr is ignored.
func (ss *SSLSocket) SSLConnect(callback HandshakeCallback, addr unix.Sockaddr,
	timeout time.Duration, verifyPeer VerifyPeer) {
	if ss.sslState != SSLUninit || ss.server ||
		(ss.state != Uninit && ss.state != Established) {
		ss.invalidStateHandshake(callback)
		return
	}

	ss.sslState = SSLConnecting
	ss.handshakeCallback = callback
	ss.verifyPeer = verifyPeer

	if timeout > 0 {
		ss.handshakeTimeout.Schedule(timeout)
	}

	if ss.state == Established {
		ss.startClientHandshake()
	} else {
		ss.Connect(&sslConnectBridge{ss}, addr, 0, nil, nil)
	}
}

// sslConnectBridge couples the TCP connect outcome to the TLS handshake.
type sslConnectBridge struct {
	ss *SSLSocket
}

func (bridge *sslConnectBridge) ConnectSuccess() {
	bridge.ss.startClientHandshake()
}

func (bridge *sslConnectBridge) ConnectError(err error) {
	bridge.ss.sslState = SSLFailed
	bridge.ss.handshakeTimeout.Cancel()

	if callback := bridge.ss.handshakeCallback; callback != nil {
		bridge.ss.handshakeCallback = nil
		callback.HandshakeError(bridge.ss, err)
	}
}

func (ss *SSLSocket) startClientHandshake() {
	if ss.engine == nil {
		engine, err := ss.ctx.newEngine(ss)
		if err != nil {
			ss.failHandshake("startClientHandshake", newTransportErrorErrno(InternalError,
				ss.withAddr("failed to create TLS engine"), err))
			return
		}
		ss.engine = engine
	}
	ss.engine.SetMessageCallback(ss.sslMessageCallback)
	if ss.session != nil {
		ss.engine.SetSession(ss.session)
	}

	ss.handleHandshake()
}

// handleHandshake drives the engine's handshake until it completes, fails,
// or demands fd readiness resp. an application action.
func (ss *SSLSocket) handleHandshake() {
	originalReactor := ss.reactor

	for {
		var want Want
		var err error
		if ss.server {
			want, err = ss.engine.Accept()
		} else {
			want, err = ss.engine.Connect()
		}

		// Push produced wire bytes out regardless of the outcome.
		if flushErr := ss.flushWire(); flushErr != nil {
			ss.failHandshake("handleHandshake", newTransportErrorErrno(InternalError,
				ss.withAddr("sendmsg failed during handshake"), flushErr))
			return
		}

		if err != nil {
			ss.failHandshake("handleHandshake", ss.asSSLError(err))
			return
		}

		switch want {
		case WantNone:
			ss.finishHandshake(originalReactor)
			return

		case WantRead:
			n, readErr := ss.readWire()
			if readErr == errWouldBlock {
				if !ss.updateEventRegistrationFlags(reactor.Read, 0) {
					return
				}
				if len(ss.engine.PendingOutput()) > 0 {
					_ = ss.updateEventRegistrationFlags(reactor.Write, 0)
				}
				return
			} else if readErr != nil {
				ss.failHandshake("handleHandshake", newTransportErrorErrno(InternalError,
					ss.withAddr("recv failed during handshake"), readErr))
				return
			} else if n == 0 {
				ss.failHandshake("handleHandshake", newTransportError(EndOfFile,
					ss.withAddr("connection closed during handshake")))
				return
			}

		case WantWrite:
			if !ss.updateEventRegistrationFlags(reactor.Write, 0) {
				return
			}
			return

		case WantSessionLookup:
			ss.sslState = SSLCacheLookup
			return

		case WantAsyncKey:
			ss.sslState = SSLRsaAsyncPending
			return
		}
	}
}

func (ss *SSLSocket) finishHandshake(originalReactor reactor.Reactor) {
	ss.handshakeComplete = true
	ss.sslState = SSLEstablished
	ss.handshakeTimeout.Cancel()
	ss.handshakeCtx = nil

	ss.sslLog().WithFields(log.Fields{
		"cipher":  ss.engine.NegotiatedCipher(),
		"version": fmt.Sprintf("%#04x", ss.engine.Version()),
	}).Debug("TLS handshake completed")

	if callback := ss.handshakeCallback; callback != nil {
		ss.handshakeCallback = nil
		callback.HandshakeSuccess(ss)
	}

	// The callback may have closed the socket or detached the reactor.
	if ss.reactor != originalReactor || ss.state != Established {
		return
	}

	ss.AsyncSocket.handleInitialReadWrite()
}

// readWire reads once from the fd and feeds the engine. EOF is (0, nil).
func (ss *SSLSocket) readWire() (int, error) {
	if ss.rawReadBuf == nil {
		// One full TLS record plus framing overhead.
		ss.rawReadBuf = make([]byte, maxRecordChunk+1024)
	}

	n, _, err := unix.Recvfrom(ss.fd, ss.rawReadBuf, unix.MSG_DONTWAIT)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, errWouldBlock
		}
		return 0, err
	} else if n == 0 {
		return 0, nil
	}

	ss.rawBytesReceived += uint64(n)
	if feedErr := ss.engine.Feed(ss.rawReadBuf[:n]); feedErr != nil {
		return 0, feedErr
	}
	return n, nil
}

// flushWire pushes the engine's pending wire output to the fd, honouring a
// tracked MSG_EOR threshold. A full kernel buffer leaves the rest pending.
func (ss *SSLSocket) flushWire() error {
	for {
		out := ss.engine.PendingOutput()
		if len(out) == 0 {
			return nil
		}

		msgFlags := unix.MSG_DONTWAIT | unix.MSG_NOSIGNAL
		if ss.minEorRawByteNo > 0 && ss.rawBytesWritten < ss.minEorRawByteNo &&
			ss.rawBytesWritten+uint64(len(out)) >= ss.minEorRawByteNo {
			// This sendmsg crosses the tracked end-of-record byte.
			msgFlags |= unix.MSG_EOR
		}

		n, err := unix.SendmsgBuffers(ss.fd, [][]byte{out}, nil, nil, msgFlags)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil
			}
			return err
		}

		ss.rawBytesWritten += uint64(n)
		ss.engine.ConsumeOutput(n)

		if ss.minEorRawByteNo > 0 && ss.rawBytesWritten >= ss.minEorRawByteNo {
			// The record carrying the EOR reached the kernel.
			ss.appEorByteNo = 0
			ss.minEorRawByteNo = 0
		}
	}
}

// wirePending reports whether encrypted bytes await the fd.
func (ss *SSLSocket) wirePending() bool {
	return ss.engine != nil && len(ss.engine.PendingOutput()) > 0
}

// handleRead routes read-readiness: into the handshake while one is running,
// through the TLS record layer afterwards.
func (ss *SSLSocket) handleRead() {
	switch ss.sslState {
	case SSLAccepting, SSLConnecting:
		ss.handleHandshake()

	case SSLCacheLookup, SSLRsaAsyncPending:
		// Wire data stays in the kernel until the application restarts the
		// accept.

	case SSLEstablished, SSLRemoteClosed:
		ss.AsyncSocket.handleRead()

	default:
		ss.AsyncSocket.handleRead()
	}
}

// handleWrite routes write-readiness: into the handshake while one is
// running; otherwise pending wire bytes drain before the write queue runs.
func (ss *SSLSocket) handleWrite() {
	if ss.state == Connecting {
		ss.AsyncSocket.handleConnect()
		return
	}

	switch ss.sslState {
	case SSLAccepting, SSLConnecting:
		ss.handleHandshake()
		return

	case SSLCacheLookup, SSLRsaAsyncPending:
		return
	}

	if ss.engine == nil {
		ss.AsyncSocket.handleWrite()
		return
	}

	if err := ss.flushWire(); err != nil {
		ss.failWrite("handleWrite", newTransportErrorErrno(InternalError,
			ss.withAddr("sendmsg failed"), err))
		return
	}
	if ss.wirePending() {
		// Stay registered until the kernel accepts the rest.
		return
	}

	if ss.writeReqHead == nil {
		// Write interest was only held for the wire flush.
		_ = ss.updateEventRegistrationFlags(0, reactor.Write)
		return
	}

	originalReactor := ss.reactor
	ss.AsyncSocket.handleWrite()

	if ss.reactor == originalReactor && ss.wirePending() {
		_ = ss.updateEventRegistrationFlags(reactor.Write, 0)
	}
}

// performRead decrypts through the engine, pulling wire bytes as needed.
// Before any handshake was requested, reads pass through unencrypted.
func (ss *SSLSocket) performRead(buf []byte) (int, error) {
	if ss.engine == nil {
		return ss.AsyncSocket.performRead(buf)
	}
	if ss.renegotiateAttempted {
		return 0, ss.renegotiationError()
	}

	for attempt := 0; ; attempt++ {
		n, want, err := ss.engine.Read(buf)
		if err == ErrEngineClosed {
			ss.sslState = SSLRemoteClosed
			return 0, nil
		} else if err != nil {
			ss.sslState = SSLFailed
			return 0, ss.asSSLError(err)
		} else if n > 0 {
			ss.appBytesReceived += uint64(n)
			return n, nil
		}

		switch want {
		case WantRead:
			if attempt > 0 {
				return 0, errWouldBlock
			}

			rawN, rawErr := ss.readWire()
			if rawErr == errWouldBlock {
				return 0, errWouldBlock
			} else if rawErr != nil {
				return 0, rawErr
			} else if rawN == 0 {
				ss.sslState = SSLRemoteClosed
				return 0, nil
			}

			if ss.renegotiateAttempted {
				return 0, ss.renegotiationError()
			}

		case WantWrite:
			_ = ss.updateEventRegistrationFlags(reactor.Write, 0)
			return 0, errWouldBlock

		default:
			return 0, errWouldBlock
		}
	}
}

func (ss *SSLSocket) renegotiationError() *TransportError {
	ss.sslState = SSLFailed
	return &TransportError{
		Kind:    SSLError,
		Msg:     ss.withAddr("client renegotiation attempt"),
		SSLCode: SSLClientRenegotiationAttempt,
	}
}

// performWrite encrypts ops through the engine; the record layer's output is
// flushed to the fd as it accrues.
func (ss *SSLSocket) performWrite(ops [][]byte, flags WriteFlags) (int, int, int, error) {
	if ss.sslState != SSLEstablished && ss.sslState != SSLRemoteClosed {
		return 0, 0, 0, &TransportError{
			Kind:    SSLError,
			Msg:     ss.withAddr("TLS write attempted before the handshake completed"),
			SSLCode: SSLEarlyWrite,
		}
	}

	total := 0
	for i, op := range ops {
		written := 0
		for written < len(op) {
			chunk := op[written:]
			if len(chunk) > maxRecordChunk {
				chunk = chunk[:maxRecordChunk]
			}

			eor := ss.trackEor && flags.isSet(WriteEOR) &&
				i == len(ops)-1 && written+len(chunk) == len(op)

			n, err := ss.eorAwareSSLWrite(chunk, eor)
			if err == errWouldBlock {
				return total, i, written, nil
			} else if err != nil {
				return total, i, written, err
			}

			written += n
			total += n
		}
	}

	return total, len(ops), 0, nil
}

// eorAwareSSLWrite writes one chunk into the engine. If eor is set, the
// chunk's last byte ends an application record: the wire position of the
// record's end is remembered, so flushWire can attach MSG_EOR to exactly the
// sendmsg crossing it. Only one application EOR is tracked at a time.
func (ss *SSLSocket) eorAwareSSLWrite(buf []byte, eor bool) (int, error) {
	n, want, err := ss.engine.Write(buf)
	if err != nil {
		return 0, ss.asSSLError(err)
	}

	if n > 0 {
		ss.appBytesWritten += uint64(n)

		if eor && n == len(buf) {
			ss.appEorByteNo = ss.appBytesWritten
			ss.minEorRawByteNo = ss.rawBytesWritten + uint64(len(ss.engine.PendingOutput()))
		}
	}

	if flushErr := ss.flushWire(); flushErr != nil {
		return n, flushErr
	}

	if n == 0 && (want == WantWrite || want == WantRead) {
		return 0, errWouldBlock
	}
	return n, nil
}

// checkForImmediateRead processes plaintext the engine buffered beyond the
// last record the application consumed; the kernel will not signal readiness
// for it again.
func (ss *SSLSocket) checkForImmediateRead() {
	if ss.engine != nil && ss.engine.PendingAppData() && ss.readCallback != nil {
		ss.AsyncSocket.handleRead()
	}
}

// connecting also covers a running handshake, so writes submitted meanwhile
// are queued instead of rejected and drain after HandshakeSuccess.
func (ss *SSLSocket) connecting() bool {
	switch ss.sslState {
	case SSLAccepting, SSLCacheLookup, SSLRsaAsyncPending, SSLConnecting:
		return true
	}
	return ss.AsyncSocket.connecting()
}

// closeNow extends the plain teardown with handshake cleanup.
func (ss *SSLSocket) closeNow() {
	if ss.handshakeTimeout != nil {
		ss.handshakeTimeout.Cancel()
	}

	if ss.sslState != SSLClosed && ss.sslState != SSLFailed {
		ss.sslState = SSLClosed
	}

	if callback := ss.handshakeCallback; callback != nil {
		ss.handshakeCallback = nil
		callback.HandshakeError(ss, newTransportError(EndOfFile, "socket closed locally"))
	}

	if ss.engine != nil {
		_ = ss.engine.Close()
	}

	ss.AsyncSocket.closeNow()
}

// Close closes the socket, draining pending writes first; see
// AsyncSocket.Close. There is no TLS close_notify, the connection just ends.
func (ss *SSLSocket) Close() {
	if ss.writeReqHead != nil {
		if ss.state == Established && ss.sslState == SSLEstablished {
			ss.sslState = SSLClosing
		} else if ss.connecting() {
			ss.sslState = SSLConnectingClosing
		}
	}

	ss.AsyncSocket.Close()
}

// ShutdownWrite is not supported on TLS connections; the socket closes
// completely instead.
func (ss *SSLSocket) ShutdownWrite() {
	ss.sslLog().Debug("ShutdownWrite on a TLS socket closes it completely")
	ss.CloseNow()
}

// ShutdownWriteNow behaves like ShutdownWrite.
func (ss *SSLSocket) ShutdownWriteNow() {
	ss.CloseNow()
}

// handleInitialReadWrite is deferred until the handshake completed;
// finishHandshake runs it at the right moment.
func (ss *SSLSocket) handleInitialReadWrite() {
	switch ss.sslState {
	case SSLAccepting, SSLCacheLookup, SSLRsaAsyncPending, SSLConnecting:
		return
	}
	ss.AsyncSocket.handleInitialReadWrite()
}

func (ss *SSLSocket) handshakeTimeoutExpired() {
	what := "SSL connect timed out"
	if ss.server {
		what = "SSL accept timed out"
	}
	ss.failHandshake("handshakeTimeoutExpired", newTransportError(TimedOut, what))
}

func (ss *SSLSocket) failHandshake(fn string, err *TransportError) {
	ss.sslLog().WithField("fn", fn).WithError(err).Debug("TLS handshake failed")

	ss.sslState = SSLFailed
	ss.handshakeTimeout.Cancel()

	ss.startFail()

	if callback := ss.handshakeCallback; callback != nil {
		ss.handshakeCallback = nil
		callback.HandshakeError(ss, err)
	}

	ss.finishFail()
}

func (ss *SSLSocket) invalidStateHandshake(callback HandshakeCallback) {
	ex := newTransportError(NotOpen, "handshake requested with socket in invalid state")

	if ss.state == Closed || ss.state == Error {
		if callback != nil {
			callback.HandshakeError(ss, ex)
		}
	} else {
		ss.sslState = SSLFailed
		ss.startFail()
		if callback != nil {
			callback.HandshakeError(ss, ex)
		}
		ss.finishFail()
	}
}

// asSSLError wraps an engine failure unless it already is a TransportError.
func (ss *SSLSocket) asSSLError(err error) *TransportError {
	if te, ok := err.(*TransportError); ok {
		return te
	}
	return &TransportError{Kind: SSLError, Msg: ss.withAddr(err.Error()), Errno: err}
}

// sslMessageCallback inspects inbound record fragments: ClientHello capture
// during the handshake, renegotiation detection afterwards.
func (ss *SSLSocket) sslMessageCallback(contentType uint8, fragment []byte) {
	if contentType != recordTypeHandshake {
		return
	}

	if ss.handshakeComplete {
		ss.renegotiateAttempted = true
		return
	}

	if ss.parseClientHello && ss.server {
		ss.clientHelloParseFragment(fragment)
	}
}

// SwitchServerSSLContext swaps the active TLS context during a server-side
// handshake, e.g., after an SNI policy lookup. Illegal once the handshake
// completed or in client mode.
func (ss *SSLSocket) SwitchServerSSLContext(handshakeCtx *Context) error {
	if !ss.server || ss.handshakeComplete {
		return newTransportError(BadArgs, "TLS context switch is limited to a running server handshake")
	}

	ss.handshakeCtx = handshakeCtx
	return nil
}

// HandshakeContext returns the context bound by SwitchServerSSLContext, nil
// outside an SNI switch.
func (ss *SSLSocket) HandshakeContext() *Context {
	return ss.handshakeCtx
}

// AttachReactor binds a detached socket to another reactor.
func (ss *SSLSocket) AttachReactor(r reactor.Reactor) {
	ss.AsyncSocket.AttachReactor(r)
	ss.handshakeTimeout = r.NewTimeout(ss.handshakeTimeoutExpired)
}

// DetachReactor unbinds the socket from its reactor; see IsDetachable.
func (ss *SSLSocket) DetachReactor() {
	ss.AsyncSocket.DetachReactor()
	ss.handshakeTimeout = nil
}

// IsDetachable additionally requires an idle handshake timeout.
func (ss *SSLSocket) IsDetachable() bool {
	return ss.AsyncSocket.IsDetachable() &&
		(ss.handshakeTimeout == nil || !ss.handshakeTimeout.IsScheduled())
}

// SSLState returns the TLS overlay state, reconciled with the underlying
// socket's lifecycle.
func (ss *SSLSocket) SSLState() SSLState {
	switch ss.state {
	case Closed:
		if ss.sslState != SSLFailed {
			return SSLClosed
		}
	case Error:
		return SSLFailed
	}
	return ss.sslState
}

// HandshakeComplete reports whether the handshake finished successfully.
func (ss *SSLSocket) HandshakeComplete() bool {
	return ss.handshakeComplete
}

// Server reports whether this socket accepts (true) or connects.
func (ss *SSLSocket) Server() bool {
	return ss.server
}

// SetEorTracking toggles the MSG_EOR propagation of WriteEOR writes through
// the TLS record layer; disabled by default.
func (ss *SSLSocket) SetEorTracking(track bool) {
	ss.trackEor = track
}

// IsEorTrackingEnabled reports whether WriteEOR flags are propagated.
func (ss *SSLSocket) IsEorTrackingEnabled() bool {
	return ss.trackEor
}

// RawBytesWritten counts wire bytes, including the TLS protocol overhead.
func (ss *SSLSocket) RawBytesWritten() uint64 {
	return ss.rawBytesWritten
}

// RawBytesReceived counts wire bytes, including the TLS protocol overhead.
func (ss *SSLSocket) RawBytesReceived() uint64 {
	return ss.rawBytesReceived
}

// SSLSession exports the negotiated session for later resumption, or nil.
func (ss *SSLSocket) SSLSession() *Session {
	if ss.engine != nil {
		return ss.engine.Session()
	}
	return ss.session
}

// SetSSLSession injects a session to resume during SSLConnect, or to resolve
// a pending SSLCacheLookup before RestartSSLAccept.
func (ss *SSLSocket) SetSSLSession(session *Session) {
	ss.session = session
	if ss.engine != nil {
		ss.engine.SetSession(session)
	}
}

// SSLSessionReused reports whether the handshake resumed an earlier session,
// be it injected via SetSSLSession or taken from the Context's session cache.
func (ss *SSLSocket) SSLSessionReused() bool {
	return ss.engine != nil && ss.engine.SessionReused()
}

// NegotiatedCipherName returns the negotiated cipher suite, or "NONE".
func (ss *SSLSocket) NegotiatedCipherName() string {
	if ss.engine == nil {
		return "NONE"
	}
	return ss.engine.NegotiatedCipher()
}

// SSLVersion returns the negotiated protocol version, e.g. 0x0303, or 0.
func (ss *SSLSocket) SSLVersion() uint16 {
	if ss.engine == nil {
		return 0
	}
	return ss.engine.Version()
}

// SSLServerName returns the SNI hostname of this connection, or "NONE".
func (ss *SSLSocket) SSLServerName() string {
	if ss.engine == nil {
		return "NONE"
	}
	return ss.engine.ServerName()
}

// SelectedProtocol returns the ALPN-negotiated application protocol, or "".
func (ss *SSLSocket) SelectedProtocol() string {
	if ss.engine == nil {
		return ""
	}
	return ss.engine.SelectedProtocol()
}

// PeerCertSize returns the DER size of the peer's leaf certificate, or 0.
func (ss *SSLSocket) PeerCertSize() int {
	if ss.engine == nil {
		return 0
	}
	return ss.engine.PeerCertSize()
}

// Engine exposes the underlying TLS engine, mostly for tests.
func (ss *SSLSocket) Engine() Engine {
	return ss.engine
}

// Context returns the socket's TLS context.
func (ss *SSLSocket) Context() *Context {
	return ss.ctx
}

// VerifyPeerOption returns the effective peer verification mode: the
// explicit option from SSLAccept resp. SSLConnect, or the context's default.
func (ss *SSLSocket) VerifyPeerOption() VerifyPeer {
	if ss.verifyPeer != VerifyUseCtx {
		return ss.verifyPeer
	}
	return ss.ctx.VerifyDefault()
}
