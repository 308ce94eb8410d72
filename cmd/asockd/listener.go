// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/dtn7/asock/reactor"
	"github.com/dtn7/asock/socket"
)

// handshakeTimeout bounds every inbound TLS handshake.
const handshakeTimeout = 30 * time.Second

// listener accepts inbound connections on the reactor and spawns an echo
// handler per connection, TLS-wrapped if a Context is configured.
type listener struct {
	listenAddress string
	reactor       *reactor.PollReactor

	ctx    *socket.Context
	verify socket.VerifyPeer

	sendTimeout      time.Duration
	maxReadsPerEvent int

	fd          int
	shutdownSet *socket.ShutdownSocketSet
}

// start binds the listening fd and registers it with the reactor.
func (l *listener) start(r *reactor.PollReactor) error {
	l.reactor = r
	l.shutdownSet = socket.NewShutdownSocketSet()

	sa, err := socket.ResolveTCPSockaddr(l.listenAddress)
	if err != nil {
		return err
	}

	family := unix.AF_INET
	if _, ok := sa.(*unix.SockaddrInet6); ok {
		family = unix.AF_INET6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return err
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return err
	}
	if err := unix.Listen(fd, 128); err != nil {
		_ = unix.Close(fd)
		return err
	}

	l.fd = fd
	log.WithField("listen", l.listenAddress).Info("Listener started")

	return r.RegisterHandler(fd, l, reactor.Read|reactor.Persist)
}

// IoReady accepts as many pending connections as the kernel offers.
func (l *listener) IoReady(reactor.Events) {
	for {
		connFd, peer, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		} else if err == unix.EINTR {
			continue
		} else if err != nil {
			log.WithError(err).Error("Accepting failed")
			return
		}

		l.setupConn(connFd, peer)
	}
}

// setupConn wires one accepted fd into an echo handler.
func (l *listener) setupConn(connFd int, peer unix.Sockaddr) {
	logger := log.WithFields(log.Fields{
		"fd":   connFd,
		"peer": peer,
	})

	if l.ctx == nil {
		sock := socket.NewFromFd(l.reactor, connFd)
		l.applySocketConf(sock)

		handler := newEchoHandler(sock, logger)
		sock.SetReadCallback(handler)
		logger.Info("Accepted connection")
		return
	}

	ss := socket.NewSSLFromFd(l.reactor, l.ctx, connFd, true)
	l.applySocketConf(ss.AsyncSocket)
	ss.EnableClientHelloParsing()

	handler := newEchoHandler(ss, logger)
	ss.SSLAccept(handler, handshakeTimeout, l.verify)
	logger.Info("Accepted connection, TLS handshake started")
}

func (l *listener) applySocketConf(sock *socket.AsyncSocket) {
	_ = sock.SetNoDelay(true)
	sock.SetShutdownSocketSet(l.shutdownSet)
	if l.sendTimeout > 0 {
		sock.SetSendTimeout(l.sendTimeout)
	}
	if l.maxReadsPerEvent > 0 {
		sock.SetMaxReadsPerEvent(l.maxReadsPerEvent)
	}
}

// close tears the listener down, force-closing all accepted sockets.
func (l *listener) close() {
	if l.fd >= 0 {
		_ = l.reactor.UnregisterHandler(l.fd)
		_ = unix.Close(l.fd)
		l.fd = -1
	}

	l.shutdownSet.ShutdownAll()

	if l.ctx != nil {
		l.ctx.StopWatching()
	}
}
