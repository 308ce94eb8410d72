// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package socket

import (
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Option is an arbitrary integer socket option applied during Connect, after
// the fd was created and before the connect itself.
type Option struct {
	Level int
	Name  int
	Value int
}

// apply sets this option on fd.
func (opt Option) apply(fd int) error {
	return unix.SetsockoptInt(fd, opt.Level, opt.Name, opt.Value)
}

// SetNoDelay toggles TCP_NODELAY. A failure is logged, not fatal.
func (sock *AsyncSocket) SetNoDelay(noDelay bool) error {
	if sock.fd < 0 {
		sock.log().Debug("SetNoDelay called on non-open socket")
		return unix.EINVAL
	}

	value := 0
	if noDelay {
		value = 1
	}
	if err := unix.SetsockoptInt(sock.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, value); err != nil {
		sock.log().WithError(err).Debug("Failed to update TCP_NODELAY")
		return err
	}
	return nil
}

// SetQuickAck toggles TCP_QUICKACK.
func (sock *AsyncSocket) SetQuickAck(quickAck bool) error {
	if sock.fd < 0 {
		return unix.EINVAL
	}

	value := 0
	if quickAck {
		value = 1
	}
	return unix.SetsockoptInt(sock.fd, unix.IPPROTO_TCP, unix.TCP_QUICKACK, value)
}

// SetSendBufSize adjusts SO_SNDBUF.
func (sock *AsyncSocket) SetSendBufSize(size int) error {
	if sock.fd < 0 {
		return unix.EINVAL
	}
	return unix.SetsockoptInt(sock.fd, unix.SOL_SOCKET, unix.SO_SNDBUF, size)
}

// SetRecvBufSize adjusts SO_RCVBUF.
func (sock *AsyncSocket) SetRecvBufSize(size int) error {
	if sock.fd < 0 {
		return unix.EINVAL
	}
	return unix.SetsockoptInt(sock.fd, unix.SOL_SOCKET, unix.SO_RCVBUF, size)
}

// SetCongestionFlavor selects the TCP congestion control algorithm, e.g.,
// "cubic" or "bbr".
func (sock *AsyncSocket) SetCongestionFlavor(flavor string) error {
	if sock.fd < 0 {
		return unix.EINVAL
	}

	if err := unix.SetsockoptString(sock.fd, unix.IPPROTO_TCP, unix.TCP_CONGESTION, flavor); err != nil {
		log.WithFields(log.Fields{
			"socket": sock,
			"flavor": flavor,
			"error":  err,
		}).Debug("Failed to update TCP_CONGESTION")
		return err
	}
	return nil
}
