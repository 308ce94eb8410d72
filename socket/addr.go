// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package socket

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// sockaddrFamily maps a unix.Sockaddr onto its address family.
func sockaddrFamily(sa unix.Sockaddr) int {
	switch sa.(type) {
	case *unix.SockaddrInet4:
		return unix.AF_INET
	case *unix.SockaddrInet6:
		return unix.AF_INET6
	case *unix.SockaddrUnix:
		return unix.AF_UNIX
	default:
		return unix.AF_UNSPEC
	}
}

// describeSockaddr renders a unix.Sockaddr for log and error messages.
func describeSockaddr(sa unix.Sockaddr) string {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%s:%d", net.IP(addr.Addr[:]), addr.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%s]:%d", net.IP(addr.Addr[:]), addr.Port)
	case *unix.SockaddrUnix:
		return addr.Name
	case nil:
		return "unknown"
	default:
		return fmt.Sprintf("%v", sa)
	}
}

// ResolveTCPSockaddr converts a "host:port" string into a unix.Sockaddr,
// preferring IPv4. This is a convenience for binaries and tests.
func ResolveTCPSockaddr(address string) (unix.Sockaddr, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, err
	}

	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}

	sa := &unix.SockaddrInet6{Port: tcpAddr.Port}
	copy(sa.Addr[:], tcpAddr.IP.To16())
	return sa, nil
}
