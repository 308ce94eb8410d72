// SPDX-FileCopyrightText: 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// asockcat is a netcat-style client for the asockd echo protocol: stdin
// lines are sent as CRC16-guarded frames, replies are printed to stdout.
package main

import (
	"bufio"
	"crypto/x509"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/asock/frame"
	"github.com/dtn7/asock/reactor"
	"github.com/dtn7/asock/socket"
)

type options struct {
	address    string
	useTLS     bool
	insecure   bool
	caFile     string
	serverName string
	timeout    time.Duration
}

// catHandler couples the socket's callbacks to stdout.
type catHandler struct {
	conn interface {
		SetReadCallback(socket.ReadCallback)
		CloseNow()
	}

	buf      [4096]byte
	decoder  frame.Decoder
	done     chan struct{}
	doneOnce sync.Once
}

func (h *catHandler) finish() {
	h.doneOnce.Do(func() { close(h.done) })
}

// ConnectCallback, for the plain TCP mode.

func (h *catHandler) ConnectSuccess() {
	log.Debug("Connected")
	h.conn.SetReadCallback(h)
}

func (h *catHandler) ConnectError(err error) {
	log.WithError(err).Error("Connecting failed")
	h.finish()
}

// HandshakeCallback, for the TLS mode.

func (h *catHandler) HandshakeVerify(_ *socket.SSLSocket, preverifyOk bool,
	_ [][]*x509.Certificate) bool {
	return preverifyOk
}

func (h *catHandler) HandshakeSuccess(sock *socket.SSLSocket) {
	log.WithFields(log.Fields{
		"cipher":  sock.NegotiatedCipherName(),
		"version": fmt.Sprintf("%#04x", sock.SSLVersion()),
		"resumed": sock.SSLSessionReused(),
	}).Debug("TLS handshake completed")

	sock.SetReadCallback(h)
}

func (h *catHandler) HandshakeError(_ *socket.SSLSocket, err error) {
	log.WithError(err).Error("TLS handshake failed")
	h.finish()
}

// ReadCallback

func (h *catHandler) GetReadBuffer() []byte {
	return h.buf[:]
}

func (h *catHandler) ReadDataAvailable(n int) {
	h.decoder.Push(h.buf[:n])

	for {
		payload, err := h.decoder.Next()
		if err != nil {
			log.WithError(err).Error("Broken frame")
			h.conn.CloseNow()
			h.finish()
			return
		}
		if payload == nil {
			return
		}
		fmt.Println(string(payload))
	}
}

func (h *catHandler) ReadEOF() {
	log.Debug("Connection closed by peer")
	h.finish()
}

func (h *catHandler) ReadError(err error) {
	log.WithError(err).Error("Read failed")
	h.finish()
}

// WriteCallback

func (h *catHandler) WriteSuccess() {}

func (h *catHandler) WriteError(bytesWritten int, err error) {
	log.WithFields(log.Fields{
		"bytesWritten": bytesWritten,
		"error":        err,
	}).Error("Write failed")
	h.finish()
}

func parseFlags() (opts options) {
	flag.StringVar(&opts.address, "addr", "localhost:8443", "server address")
	flag.BoolVar(&opts.useTLS, "tls", false, "wrap the connection in TLS")
	flag.BoolVar(&opts.insecure, "insecure", false, "skip TLS certificate verification")
	flag.StringVar(&opts.caFile, "ca", "", "PEM bundle of trusted CAs")
	flag.StringVar(&opts.serverName, "server-name", "", "SNI hostname, defaults to the address' host")
	flag.DurationVar(&opts.timeout, "timeout", 10*time.Second, "connect plus handshake timeout")
	logLevel := flag.String("log", "warning", "log level")
	flag.Parse()

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		log.WithError(err).Fatal("Unknown log level")
	}
	log.SetLevel(level)

	if opts.serverName == "" {
		opts.serverName = strings.Split(opts.address, ":")[0]
	}
	return
}

func main() {
	opts := parseFlags()

	addr, err := socket.ResolveTCPSockaddr(opts.address)
	if err != nil {
		log.WithError(err).Fatal("Cannot resolve address")
	}

	r, err := reactor.NewPollReactor()
	if err != nil {
		log.WithError(err).Fatal("Failed to create reactor")
	}
	go r.Run()

	handler := &catHandler{done: make(chan struct{})}

	// Everything touching the socket runs on the reactor goroutine.
	var write func(line []byte)
	var shutdown func()

	if opts.useTLS {
		ctx := socket.NewContext()
		if opts.caFile != "" {
			if err := ctx.LoadTrustedCertificates(opts.caFile); err != nil {
				log.WithError(err).Fatal("Cannot load CA bundle")
			}
		}

		verify := socket.VerifyRequired
		if opts.insecure {
			verify = socket.VerifyNone
		}

		var sock *socket.SSLSocket
		r.RunInLoop(func() {
			sock = socket.NewSSL(r, ctx)
			sock.SetServerName(opts.serverName)
			handler.conn = sock
			sock.SSLConnect(handler, addr, opts.timeout, verify)
		})

		write = func(line []byte) { sock.Write(handler, line, socket.WriteNone) }
		shutdown = func() { sock.CloseNow() }
	} else {
		var sock *socket.AsyncSocket
		r.RunInLoop(func() {
			sock = socket.New(r)
			handler.conn = sock
			sock.Connect(handler, addr, opts.timeout, nil, nil)
		})

		write = func(line []byte) { sock.Write(handler, line, socket.WriteNone) }
		shutdown = func() { sock.CloseNow() }
	}

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line, err := frame.Encode(scanner.Bytes())
			if err != nil {
				log.WithError(err).Error("Dropping oversized line")
				continue
			}
			r.RunInLoop(func() { write(line) })
		}

		r.RunInLoop(func() {
			shutdown()
			handler.finish()
		})
	}()

	<-handler.done

	r.Stop()
	_ = r.Close()
}
