// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package socket

import (
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"strings"
)

// ClientHelloInfo holds the fields parsed from an inbound ClientHello, for
// telemetry and policy decisions. Cipher suites are kept in the client's
// advertised order, unfiltered; extension payloads are not retained.
type ClientHelloInfo struct {
	MajorVersion uint8
	MinorVersion uint8

	CipherSuites       []uint16
	CompressionMethods []uint8
	Extensions         []uint16

	buf    []byte
	parsed bool
}

// EnableClientHelloParsing arms the ClientHello capture; it must be called
// before SSLAccept.
func (ss *SSLSocket) EnableClientHelloParsing() {
	ss.parseClientHello = true
	ss.clientHelloInfo = &ClientHelloInfo{}
}

// ResetClientHelloParsing re-arms the capture, e.g., after a restarted
// handshake.
func (ss *SSLSocket) ResetClientHelloParsing() {
	if ss.parseClientHello {
		ss.clientHelloInfo = &ClientHelloInfo{}
	}
}

// ClientHelloInfo returns the captured fields, or nil while parsing is
// disabled resp. incomplete.
func (ss *SSLSocket) ClientHelloInfo() *ClientHelloInfo {
	if ss.clientHelloInfo == nil || !ss.clientHelloInfo.parsed {
		return nil
	}
	return ss.clientHelloInfo
}

// clientHelloParseFragment accumulates handshake record fragments until a
// complete ClientHello is buffered, then extracts its fields. Records may be
// fragmented arbitrarily by the peer.
func (ss *SSLSocket) clientHelloParseFragment(fragment []byte) {
	info := ss.clientHelloInfo
	if info == nil || info.parsed {
		return
	}

	info.buf = append(info.buf, fragment...)

	// Handshake message header: type (1), length (3).
	if len(info.buf) < 4 {
		return
	}
	if info.buf[0] != 1 {
		// Not a ClientHello; give up on this handshake.
		ss.sslLog().WithField("msgType", info.buf[0]).Debug(
			"First handshake message is no ClientHello")
		ss.parseClientHello = false
		return
	}

	msgLen := int(info.buf[1])<<16 | int(info.buf[2])<<8 | int(info.buf[3])
	if len(info.buf) < 4+msgLen {
		return
	}

	if err := info.parse(info.buf[4 : 4+msgLen]); err != nil {
		ss.sslLog().WithError(err).Debug("Failed to parse ClientHello")
		ss.parseClientHello = false
		return
	}

	info.parsed = true
	info.buf = nil
}

// parse extracts the fields from a complete ClientHello body.
func (info *ClientHelloInfo) parse(body []byte) error {
	// client_version (2), random (32)
	if len(body) < 34 {
		return fmt.Errorf("truncated before session ID")
	}
	info.MajorVersion = body[0]
	info.MinorVersion = body[1]
	pos := 34

	// session_id
	if len(body) < pos+1 {
		return fmt.Errorf("truncated session ID length")
	}
	pos += 1 + int(body[pos])

	// cipher_suites
	if len(body) < pos+2 {
		return fmt.Errorf("truncated cipher suite length")
	}
	cipherLen := int(binary.BigEndian.Uint16(body[pos:]))
	pos += 2
	if cipherLen%2 != 0 || len(body) < pos+cipherLen {
		return fmt.Errorf("malformed cipher suites")
	}
	for i := 0; i < cipherLen; i += 2 {
		info.CipherSuites = append(info.CipherSuites,
			binary.BigEndian.Uint16(body[pos+i:]))
	}
	pos += cipherLen

	// compression_methods
	if len(body) < pos+1 {
		return fmt.Errorf("truncated compression method length")
	}
	comprLen := int(body[pos])
	pos++
	if len(body) < pos+comprLen {
		return fmt.Errorf("malformed compression methods")
	}
	info.CompressionMethods = append(info.CompressionMethods, body[pos:pos+comprLen]...)
	pos += comprLen

	// extensions are optional
	if pos == len(body) {
		return nil
	}
	if len(body) < pos+2 {
		return fmt.Errorf("truncated extension block length")
	}
	extLen := int(binary.BigEndian.Uint16(body[pos:]))
	pos += 2
	if len(body) < pos+extLen {
		return fmt.Errorf("malformed extension block")
	}

	for end := pos + extLen; pos < end; {
		if end < pos+4 {
			return fmt.Errorf("truncated extension header")
		}
		extType := binary.BigEndian.Uint16(body[pos:])
		extDataLen := int(binary.BigEndian.Uint16(body[pos+2:]))
		pos += 4
		if end < pos+extDataLen {
			return fmt.Errorf("truncated extension data")
		}
		info.Extensions = append(info.Extensions, extType)
		pos += extDataLen
	}

	return nil
}

// SSLClientCiphers renders the client's advertised cipher suites in order,
// joined with ":". Suites unknown to the TLS stack appear as their
// zero-padded hex code.
func (ss *SSLSocket) SSLClientCiphers() string {
	if !ss.parseClientHello || ss.clientHelloInfo == nil ||
		len(ss.clientHelloInfo.CipherSuites) == 0 {
		return ""
	}

	names := make([]string, 0, len(ss.clientHelloInfo.CipherSuites))
	for _, code := range ss.clientHelloInfo.CipherSuites {
		name := tls.CipherSuiteName(code)
		if strings.HasPrefix(name, "0x") {
			name = fmt.Sprintf("%04X", code)
		}
		names = append(names, name)
	}
	return strings.Join(names, ":")
}

// SSLClientComprMethods renders the client's compression methods, joined
// with ":".
func (ss *SSLSocket) SSLClientComprMethods() string {
	if !ss.parseClientHello || ss.clientHelloInfo == nil {
		return ""
	}

	methods := make([]string, 0, len(ss.clientHelloInfo.CompressionMethods))
	for _, method := range ss.clientHelloInfo.CompressionMethods {
		methods = append(methods, fmt.Sprintf("%d", method))
	}
	return strings.Join(methods, ":")
}

// SSLClientExts renders the client's extension types in order of appearance,
// joined with ":".
func (ss *SSLSocket) SSLClientExts() string {
	if !ss.parseClientHello || ss.clientHelloInfo == nil {
		return ""
	}

	exts := make([]string, 0, len(ss.clientHelloInfo.Extensions))
	for _, ext := range ss.clientHelloInfo.Extensions {
		exts = append(exts, fmt.Sprintf("%d", ext))
	}
	return strings.Join(exts, ":")
}
