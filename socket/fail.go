// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package socket

// startFail is the first half of the failure path: the socket enters the
// Error state, both shutdown bits are set, the event registration and the
// write timeout are dropped, and the fd is closed. Callbacks fire afterwards
// in finishFail, when the internal state is consistent again.
func (sock *AsyncSocket) startFail() {
	sock.state = Error
	sock.shutdownFlags |= shutRead | shutWrite

	if sock.eventFlags != 0 {
		sock.eventFlags = 0
		sock.ioHandler.unregister()
	}
	if sock.writeTimeout != nil {
		sock.writeTimeout.Cancel()
	}

	if sock.fd >= 0 {
		sock.ioHandler.changeFd(-1)
		sock.doClose()
	}
}

// finishFail notifies every remaining installed callback exactly once. The
// causing callback was already notified with the actual error by the specific
// fail method; everybody else receives a generic closing error.
func (sock *AsyncSocket) finishFail() {
	ex := newTransportError(InternalError, sock.withAddr("socket closing after error"))

	if sock.connectCallback != nil {
		callback := sock.connectCallback
		sock.connectCallback = nil
		callback.ConnectError(ex)
	}

	sock.failAllWrites(ex)

	if sock.readCallback != nil {
		callback := sock.readCallback
		sock.readCallback = nil
		callback.ReadError(ex)
	}
}

func (sock *AsyncSocket) fail(fn string, err *TransportError) {
	sock.log().WithField("fn", fn).WithError(err).Debug("Socket failed")

	sock.startFail()
	sock.finishFail()
}

func (sock *AsyncSocket) failConnect(fn string, err *TransportError) {
	sock.log().WithField("fn", fn).WithError(err).Debug("Socket failed while connecting")

	sock.startFail()

	if sock.connectCallback != nil {
		callback := sock.connectCallback
		sock.connectCallback = nil
		callback.ConnectError(err)
	}

	sock.finishFail()
}

func (sock *AsyncSocket) failRead(fn string, err *TransportError) {
	sock.log().WithField("fn", fn).WithError(err).Debug("Socket failed while reading")

	sock.startFail()

	if sock.readCallback != nil {
		callback := sock.readCallback
		sock.readCallback = nil
		callback.ReadError(err)
	}

	sock.finishFail()
}

// failWrite fails the socket while writing. Only the head write request
// receives the actual error; the remaining queue is notified in finishFail.
func (sock *AsyncSocket) failWrite(fn string, err *TransportError) {
	sock.log().WithField("fn", fn).WithError(err).Debug("Socket failed while writing")

	sock.startFail()

	if req := sock.writeReqHead; req != nil {
		sock.writeReqHead = req.next
		if sock.writeReqHead == nil {
			sock.writeReqTail = nil
		}
		if req.callback != nil {
			req.callback.WriteError(req.bytesWritten, err)
		}
	}

	sock.finishFail()
}

// failWriteCallback fails the socket for a write whose request was not yet
// queued, notifying its callback directly.
func (sock *AsyncSocket) failWriteCallback(fn string, callback WriteCallback,
	bytesWritten int, err *TransportError) {
	sock.log().WithField("fn", fn).WithError(err).Debug("Socket failed while writing")

	sock.startFail()

	if callback != nil {
		callback.WriteError(bytesWritten, err)
	}

	sock.finishFail()
}

// failAllWrites dispatches err to every queued write request.
func (sock *AsyncSocket) failAllWrites(err *TransportError) {
	for sock.writeReqHead != nil {
		req := sock.writeReqHead
		sock.writeReqHead = req.next
		if req.callback != nil {
			req.callback.WriteError(req.bytesWritten, err)
		}
	}
	sock.writeReqTail = nil
}

// The invalidState methods bypass the regular failure mechanism: the socket
// may already be amidst a teardown, so startFail/finishFail must not recurse.

func (sock *AsyncSocket) invalidStateConnect(callback ConnectCallback) {
	ex := newTransportError(AlreadyOpen, "connect called with socket in invalid state")

	if sock.state == Closed || sock.state == Error {
		if callback != nil {
			callback.ConnectError(ex)
		}
	} else {
		sock.startFail()
		if callback != nil {
			callback.ConnectError(ex)
		}
		sock.finishFail()
	}
}

func (sock *AsyncSocket) invalidStateRead(callback ReadCallback) {
	ex := newTransportError(NotOpen, "SetReadCallback called with socket in invalid state")

	if sock.state == Closed || sock.state == Error {
		if callback != nil {
			callback.ReadError(ex)
		}
	} else {
		sock.startFail()
		if callback != nil {
			callback.ReadError(ex)
		}
		sock.finishFail()
	}
}

func (sock *AsyncSocket) invalidStateWrite(callback WriteCallback) {
	ex := newTransportError(NotOpen, sock.withAddr("write called with socket in invalid state"))

	if sock.state == Closed || sock.state == Error {
		if callback != nil {
			callback.WriteError(0, ex)
		}
	} else {
		sock.startFail()
		if callback != nil {
			callback.WriteError(0, ex)
		}
		sock.finishFail()
	}
}
