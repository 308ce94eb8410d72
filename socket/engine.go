// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package socket

import "errors"

// Want signals what a TLS engine operation needs before it can progress.
type Want int

const (
	// WantNone: the operation completed.
	WantNone Want = iota

	// WantRead: the engine needs more inbound wire bytes; feed it after the
	// next read-readiness.
	WantRead

	// WantWrite: the engine's outbound wire buffer must drain first; retry
	// after the next write-readiness.
	WantWrite

	// WantSessionLookup: the accept pauses for an application-driven session
	// cache lookup; continue via SSLSocket.RestartSSLAccept.
	WantSessionLookup

	// WantAsyncKey: the accept pauses for an asynchronous private key
	// operation; continue via SSLSocket.RestartSSLAccept.
	WantAsyncKey
)

func (want Want) String() string {
	switch want {
	case WantNone:
		return "none"
	case WantRead:
		return "want read"
	case WantWrite:
		return "want write"
	case WantSessionLookup:
		return "want session lookup"
	case WantAsyncKey:
		return "want async key"
	default:
		return "INVALID"
	}
}

// ErrEngineClosed is returned by Engine.Read after the peer closed the TLS
// connection.
var ErrEngineClosed = errors.New("tls engine: connection closed by peer")

// MessageCallback receives inbound TLS record fragments: the record's content
// type and its raw payload. Fragments of one record may arrive in several
// calls. The SSLSocket uses it for ClientHello capture and renegotiation
// detection.
type MessageCallback func(contentType uint8, fragment []byte)

// Engine drives the TLS protocol over in-memory wire buffers, so the
// SSLSocket can keep the fd non-blocking: inbound wire bytes are pushed via
// Feed, outbound wire bytes are pulled via PendingOutput/ConsumeOutput.
//
// StdEngine, backed by crypto/tls, is the production implementation.
type Engine interface {
	// Accept drives the server-side handshake as far as possible.
	Accept() (Want, error)

	// Connect drives the client-side handshake as far as possible.
	Connect() (Want, error)

	// Read copies decrypted application data into p. It may return
	// ErrEngineClosed after the peer closed the connection.
	Read(p []byte) (int, Want, error)

	// Write encrypts application data from p. A Want of WantWrite without
	// progress means the outbound wire buffer must drain first.
	Write(p []byte) (int, Want, error)

	// Feed pushes inbound wire bytes into the engine.
	Feed(wire []byte) error

	// PendingOutput returns the outbound wire bytes awaiting the fd, without
	// consuming them.
	PendingOutput() []byte

	// ConsumeOutput drops the first n bytes of PendingOutput after they
	// reached the kernel.
	ConsumeOutput(n int)

	// PendingAppData reports whether decrypted application data is buffered
	// and readable without further wire input.
	PendingAppData() bool

	// SetMessageCallback installs cb for inbound record inspection.
	SetMessageCallback(cb MessageCallback)

	// Session exports the negotiated TLS session for later resumption, or
	// nil. SetSession injects one before Connect.
	Session() *Session
	SetSession(session *Session)

	// SessionReused reports whether the handshake resumed an earlier session.
	SessionReused() bool

	// NegotiatedCipher returns the negotiated cipher suite name, or "NONE".
	NegotiatedCipher() string

	// Version returns the negotiated protocol version, e.g. 0x0303, or 0.
	Version() uint16

	// ServerName returns the SNI hostname, or "NONE".
	ServerName() string

	// SelectedProtocol returns the application protocol negotiated via ALPN,
	// the successor of NPN, or "".
	SelectedProtocol() string

	// PeerCertSize returns the DER size of the peer's leaf certificate, or 0.
	PeerCertSize() int

	// Close releases the engine's resources.
	Close() error
}

// Session is an opaque, resumable TLS session handle shared between a socket
// and its engine.
type Session struct {
	state interface{}
}
