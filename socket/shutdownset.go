// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package socket

import (
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ShutdownSocketSet is a process-wide registry of socket fds that can be
// force-closed at once, e.g., while draining a process before exec.
//
// Unlike the sockets themselves, a ShutdownSocketSet is safe for concurrent
// use. An AsyncSocket registered into a set routes its fd close through the
// set, so that a parallel ShutdownAll never double-closes.
type ShutdownSocketSet struct {
	mutex sync.Mutex
	fds   map[int]struct{}
}

// NewShutdownSocketSet creates an empty ShutdownSocketSet.
func NewShutdownSocketSet() *ShutdownSocketSet {
	return &ShutdownSocketSet{fds: make(map[int]struct{})}
}

// Add registers fd in this set.
func (set *ShutdownSocketSet) Add(fd int) {
	set.mutex.Lock()
	defer set.mutex.Unlock()

	set.fds[fd] = struct{}{}
}

// Remove unregisters fd without closing it, e.g., after DetachFd.
func (set *ShutdownSocketSet) Remove(fd int) {
	set.mutex.Lock()
	defer set.mutex.Unlock()

	delete(set.fds, fd)
}

// Close closes fd iff it is still registered and unregisters it.
func (set *ShutdownSocketSet) Close(fd int) error {
	set.mutex.Lock()
	defer set.mutex.Unlock()

	if _, ok := set.fds[fd]; !ok {
		return nil
	}

	delete(set.fds, fd)
	return unix.Close(fd)
}

// ShutdownAll force-closes every registered fd. Sockets whose fd vanishes
// underneath them will surface errors through their regular failure paths.
func (set *ShutdownSocketSet) ShutdownAll() {
	set.mutex.Lock()
	defer set.mutex.Unlock()

	for fd := range set.fds {
		if err := unix.Close(fd); err != nil {
			log.WithFields(log.Fields{
				"fd":    fd,
				"error": err,
			}).Warn("ShutdownSocketSet failed to close fd")
		}
		delete(set.fds, fd)
	}
}
