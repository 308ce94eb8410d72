// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package socket

// SSLState describes the TLS overlay lifecycle of an SSLSocket, layered on
// top of the underlying AsyncSocket's State.
type SSLState int

const (
	// SSLUninit is the initial state; no handshake was requested yet.
	SSLUninit SSLState = iota

	// SSLAccepting covers a running server-side handshake.
	SSLAccepting

	// SSLCacheLookup pauses an accept for an asynchronous session cache
	// lookup; RestartSSLAccept continues.
	SSLCacheLookup

	// SSLRsaAsyncPending pauses an accept for an asynchronous private key
	// operation; RestartSSLAccept continues.
	SSLRsaAsyncPending

	// SSLConnecting covers the TCP connect plus the client-side handshake.
	SSLConnecting

	// SSLEstablished is a completed handshake, data may flow.
	SSLEstablished

	// SSLRemoteClosed: the remote end closed; writing is still possible.
	SSLRemoteClosed

	// SSLClosing: close was called, but pending writes must drain first.
	SSLClosing

	// SSLConnectingClosing: close was called with pending writes before the
	// connect completed.
	SSLConnectingClosing

	// SSLClosed is a cleanly closed connection.
	SSLClosed

	// SSLFailed is a connection torn down after a failure.
	SSLFailed
)

func (state SSLState) String() string {
	switch state {
	case SSLUninit:
		return "uninit"
	case SSLAccepting:
		return "accepting"
	case SSLCacheLookup:
		return "cache lookup"
	case SSLRsaAsyncPending:
		return "rsa async pending"
	case SSLConnecting:
		return "connecting"
	case SSLEstablished:
		return "established"
	case SSLRemoteClosed:
		return "remote closed"
	case SSLClosing:
		return "closing"
	case SSLConnectingClosing:
		return "connecting closing"
	case SSLClosed:
		return "closed"
	case SSLFailed:
		return "error"
	default:
		return "INVALID"
	}
}

// Extended TLS error codes, carried in TransportError.SSLCode. The values
// are chosen outside the errno range.
const (
	// SSLClientRenegotiationAttempt: the peer sent a handshake record after
	// the handshake had completed; renegotiation is not supported.
	SSLClientRenegotiationAttempt = 900

	// SSLInvalidRenegotiation: a renegotiation-class condition that cannot
	// be attributed to the peer.
	SSLInvalidRenegotiation = 901

	// SSLEarlyWrite: a write was submitted before the handshake completed.
	SSLEarlyWrite = 902
)
