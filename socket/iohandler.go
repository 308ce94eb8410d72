// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package socket

import "github.com/dtn7/asock/reactor"

// ioHandler owns the binding between a socket's fd and its reactor. It
// forwards readiness events into the socket and tracks whether the fd is
// currently registered.
type ioHandler struct {
	socket     *AsyncSocket
	reactor    reactor.Reactor
	fd         int
	registered bool
}

// IoReady implements reactor.Handler.
func (ih *ioHandler) IoReady(events reactor.Events) {
	ih.socket.ioReady(events)
}

// register registers resp. re-registers the fd with the given interests.
func (ih *ioHandler) register(events reactor.Events) error {
	if err := ih.reactor.RegisterHandler(ih.fd, ih, events); err != nil {
		return err
	}

	ih.registered = true
	return nil
}

// markOneShotFired resets the registration bookkeeping after a non-persistent
// event was delivered and therefore removed by the reactor.
func (ih *ioHandler) markOneShotFired() {
	ih.registered = false
}

// unregister drops the fd registration, if present.
func (ih *ioHandler) unregister() {
	if ih.fd >= 0 {
		_ = ih.reactor.UnregisterHandler(ih.fd)
	}
	ih.registered = false
}

// isRegistered reports whether a registration, persistent or one-shot, is
// active.
func (ih *ioHandler) isRegistered() bool {
	return ih.registered
}

// changeFd swaps the handled fd. Only legal while unregistered.
func (ih *ioHandler) changeFd(fd int) {
	ih.fd = fd
}

// attachReactor rebinds the handler to another reactor. Only legal while
// unregistered.
func (ih *ioHandler) attachReactor(r reactor.Reactor) {
	ih.reactor = r
}

// detachReactor unbinds the handler. Only legal while unregistered.
func (ih *ioHandler) detachReactor() {
	ih.reactor = nil
}
