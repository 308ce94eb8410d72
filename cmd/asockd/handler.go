// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"crypto/x509"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/asock/frame"
	"github.com/dtn7/asock/socket"
)

// conn is the handler's view on a plain or TLS socket.
type conn interface {
	SetReadCallback(socket.ReadCallback)
	Write(socket.WriteCallback, []byte, socket.WriteFlags)
	Close()
	CloseNow()
}

// echoHandler echoes every well-formed frame back to its sender.
type echoHandler struct {
	conn   conn
	logger *log.Entry

	buf     [4096]byte
	decoder frame.Decoder
}

func newEchoHandler(c conn, logger *log.Entry) *echoHandler {
	return &echoHandler{conn: c, logger: logger}
}

// ReadCallback

func (h *echoHandler) GetReadBuffer() []byte {
	return h.buf[:]
}

func (h *echoHandler) ReadDataAvailable(n int) {
	h.decoder.Push(h.buf[:n])

	for {
		payload, err := h.decoder.Next()
		if err != nil {
			h.logger.WithError(err).Warn("Closing connection after frame error")
			h.conn.CloseNow()
			return
		}
		if payload == nil {
			return
		}

		reply, err := frame.Encode(payload)
		if err != nil {
			h.logger.WithError(err).Warn("Failed to encode reply")
			continue
		}
		h.conn.Write(h, reply, socket.WriteNone)
	}
}

func (h *echoHandler) ReadEOF() {
	h.logger.Info("Connection closed by peer")
	h.conn.Close()
}

func (h *echoHandler) ReadError(err error) {
	h.logger.WithError(err).Warn("Read failed")
}

// WriteCallback

func (h *echoHandler) WriteSuccess() {}

func (h *echoHandler) WriteError(bytesWritten int, err error) {
	h.logger.WithFields(log.Fields{
		"bytesWritten": bytesWritten,
		"error":        err,
	}).Warn("Write failed")
}

// HandshakeCallback

func (h *echoHandler) HandshakeVerify(_ *socket.SSLSocket, preverifyOk bool,
	_ [][]*x509.Certificate) bool {
	return preverifyOk
}

func (h *echoHandler) HandshakeSuccess(sock *socket.SSLSocket) {
	h.logger.WithFields(log.Fields{
		"cipher":  sock.NegotiatedCipherName(),
		"sni":     sock.SSLServerName(),
		"ciphers": sock.SSLClientCiphers(),
	}).Info("TLS handshake completed")

	sock.SetReadCallback(h)
}

func (h *echoHandler) HandshakeError(_ *socket.SSLSocket, err error) {
	h.logger.WithError(err).Warn("TLS handshake failed")
}
