// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package socket

import (
	"encoding/binary"
	"testing"
)

// buildClientHello assembles a handshake-layer ClientHello message.
func buildClientHello(ciphers []uint16, comprMethods []uint8, extensions []uint16) []byte {
	var body []byte

	body = append(body, 3, 3) // TLS 1.2
	body = append(body, make([]byte, 32)...)
	body = append(body, 0) // empty session ID

	body = append(body, byte(len(ciphers)*2>>8), byte(len(ciphers)*2))
	for _, cipher := range ciphers {
		var code [2]byte
		binary.BigEndian.PutUint16(code[:], cipher)
		body = append(body, code[:]...)
	}

	body = append(body, byte(len(comprMethods)))
	body = append(body, comprMethods...)

	var exts []byte
	for _, ext := range extensions {
		var header [4]byte
		binary.BigEndian.PutUint16(header[:2], ext)
		exts = append(exts, header[:]...)
	}
	body = append(body, byte(len(exts)>>8), byte(len(exts)))
	body = append(body, exts...)

	msg := []byte{1, byte(len(body) >> 16), byte(len(body) >> 8), byte(len(body))}
	return append(msg, body...)
}

func newParsingSocket(t *testing.T) *SSLSocket {
	t.Helper()

	fd, _ := tcpPair(t)
	ss := NewSSLFromFd(newTestReactor(), NewContext(), fd, true)
	ss.EnableClientHelloParsing()
	return ss
}

func TestClientHelloParsing(t *testing.T) {
	ss := newParsingSocket(t)

	hello := buildClientHello(
		[]uint16{0x009C, 0xC02F, 0xABCD},
		[]uint8{0},
		[]uint16{0, 16, 35})

	ss.clientHelloParseFragment(hello)

	info := ss.ClientHelloInfo()
	if info == nil {
		t.Fatal("ClientHello not parsed")
	}
	if info.MajorVersion != 3 || info.MinorVersion != 3 {
		t.Errorf("version = %d.%d", info.MajorVersion, info.MinorVersion)
	}
	if len(info.CipherSuites) != 3 || info.CipherSuites[2] != 0xABCD {
		t.Errorf("cipher suites = %v", info.CipherSuites)
	}
	if len(info.CompressionMethods) != 1 || info.CompressionMethods[0] != 0 {
		t.Errorf("compression methods = %v", info.CompressionMethods)
	}
	if len(info.Extensions) != 3 || info.Extensions[0] != 0 || info.Extensions[1] != 16 {
		t.Errorf("extensions = %v", info.Extensions)
	}

	want := "TLS_RSA_WITH_AES_128_GCM_SHA256:TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256:ABCD"
	if got := ss.SSLClientCiphers(); got != want {
		t.Errorf("ciphers = %q, want %q", got, want)
	}
	if got := ss.SSLClientComprMethods(); got != "0" {
		t.Errorf("compression methods = %q", got)
	}
	if got := ss.SSLClientExts(); got != "0:16:35" {
		t.Errorf("extensions = %q", got)
	}
}

func TestClientHelloParsingFragmented(t *testing.T) {
	ss := newParsingSocket(t)

	hello := buildClientHello([]uint16{0x1301, 0x1302}, []uint8{0}, []uint16{0})

	// Byte-wise delivery is the worst case of record fragmentation.
	for _, b := range hello {
		ss.clientHelloParseFragment([]byte{b})
	}

	info := ss.ClientHelloInfo()
	if info == nil {
		t.Fatal("fragmented ClientHello not parsed")
	}
	if len(info.CipherSuites) != 2 || info.CipherSuites[0] != 0x1301 {
		t.Errorf("cipher suites = %v", info.CipherSuites)
	}
}

func TestClientHelloParsingReset(t *testing.T) {
	ss := newParsingSocket(t)

	hello := buildClientHello([]uint16{0x1301}, []uint8{0}, nil)
	ss.clientHelloParseFragment(hello[:7])
	ss.ResetClientHelloParsing()
	ss.clientHelloParseFragment(hello)

	info := ss.ClientHelloInfo()
	if info == nil {
		t.Fatal("ClientHello not parsed after reset")
	}
	if len(info.CipherSuites) != 1 || info.CipherSuites[0] != 0x1301 {
		t.Errorf("cipher suites = %v", info.CipherSuites)
	}
}

func TestClientHelloParsingRejectsOtherMessages(t *testing.T) {
	ss := newParsingSocket(t)

	// A Finished message instead of a ClientHello.
	ss.clientHelloParseFragment([]byte{20, 0, 0, 2, 0xaa, 0xbb})

	if ss.ClientHelloInfo() != nil {
		t.Error("non-ClientHello message must not parse")
	}
	if ss.SSLClientCiphers() != "" {
		t.Error("cipher accessor must be empty after a parse failure")
	}
}

func TestClientHelloAccessorsDisabled(t *testing.T) {
	fd, _ := tcpPair(t)
	ss := NewSSLFromFd(newTestReactor(), NewContext(), fd, true)

	if ss.SSLClientCiphers() != "" || ss.SSLClientComprMethods() != "" || ss.SSLClientExts() != "" {
		t.Error("accessors must be empty without parsing enabled")
	}
}
