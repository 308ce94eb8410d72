// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package socket

import (
	"bytes"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Buffer bounds of a StdEngine: outbound wire bytes stop accepting new
// plaintext above outHighWater; the decrypt worker pauses above
// appInHighWater until the application catches up.
const (
	outHighWater   = 64 * 1024
	appInHighWater = 256 * 1024
)

// StdEngine is the crypto/tls backed Engine.
//
// crypto/tls offers no single-step handshake API, so the engine runs the
// tls.Conn on a private worker goroutine against an in-memory wire buffer
// pair. The worker blocks whenever it needs wire bytes; the reactor-driven
// engine methods only wait for the worker to either produce a result or to
// block hungry again, which keeps the fd non-blocking. Handshake progress
// happens exclusively inside Accept resp. Connect calls.
type StdEngine struct {
	mutex sync.Mutex
	cond  *sync.Cond

	conn   *tls.Conn
	bio    *memBIO
	server bool

	started       bool
	hsDone        bool
	hsErr         error
	appIn         bytes.Buffer
	workerReadErr error

	scanner     recordScanner
	msgCallback MessageCallback

	sessions *engineSessionCache
}

// newStdEngine wires a StdEngine for sock using the prepared tls.Config.
func newStdEngine(sock *SSLSocket, ctx *Context, cfg *tls.Config) *StdEngine {
	engine := &StdEngine{server: sock.server}
	engine.cond = sync.NewCond(&engine.mutex)
	engine.bio = &memBIO{engine: engine}

	if engine.server {
		engine.conn = tls.Server(engine.bio, cfg)
	} else {
		engine.sessions = &engineSessionCache{delegate: cfg.ClientSessionCache}
		cfg.ClientSessionCache = engine.sessions
		engine.conn = tls.Client(engine.bio, cfg)
	}

	return engine
}

// start spawns the worker goroutine; the caller holds the mutex.
func (engine *StdEngine) start() {
	if engine.started {
		return
	}
	engine.started = true
	go engine.worker()
}

// worker drives the blocking tls.Conn: first the handshake, then the read
// loop decrypting into appIn.
func (engine *StdEngine) worker() {
	err := engine.conn.Handshake()

	engine.mutex.Lock()
	engine.hsDone = true
	engine.hsErr = err
	engine.cond.Broadcast()
	engine.mutex.Unlock()

	if err != nil {
		return
	}

	buf := make([]byte, 32*1024)
	for {
		n, readErr := engine.conn.Read(buf)

		engine.mutex.Lock()
		if n > 0 {
			engine.appIn.Write(buf[:n])
		}
		if readErr != nil {
			engine.workerReadErr = readErr
			engine.cond.Broadcast()
			engine.mutex.Unlock()
			return
		}

		for engine.appIn.Len() >= appInHighWater && !engine.bio.closed {
			engine.cond.Wait()
		}
		closed := engine.bio.closed
		engine.cond.Broadcast()
		engine.mutex.Unlock()

		if closed {
			return
		}
	}
}

// step waits until the worker either finished the handshake or blocked
// hungry for wire bytes.
func (engine *StdEngine) step() (Want, error) {
	engine.mutex.Lock()
	defer engine.mutex.Unlock()

	engine.start()

	for !engine.hsDone && !(engine.bio.hungry && engine.bio.in.Len() == 0) {
		engine.cond.Wait()
	}

	if engine.hsDone {
		return WantNone, engine.hsErr
	}
	return WantRead, nil
}

// Accept implements Engine.
func (engine *StdEngine) Accept() (Want, error) {
	if !engine.server {
		return WantNone, errors.New("tls engine: Accept on a client engine")
	}
	return engine.step()
}

// Connect implements Engine.
func (engine *StdEngine) Connect() (Want, error) {
	if engine.server {
		return WantNone, errors.New("tls engine: Connect on a server engine")
	}
	return engine.step()
}

// Read implements Engine: it drains buffered plaintext, waiting shortly for
// the worker if it is amidst decrypting already fed wire bytes.
func (engine *StdEngine) Read(p []byte) (int, Want, error) {
	engine.mutex.Lock()
	defer engine.mutex.Unlock()

	if !engine.hsDone {
		return 0, WantRead, nil
	}

	for engine.appIn.Len() == 0 && engine.workerReadErr == nil &&
		!(engine.bio.hungry && engine.bio.in.Len() == 0) {
		engine.cond.Wait()
	}

	if engine.appIn.Len() > 0 {
		n, _ := engine.appIn.Read(p)
		engine.cond.Broadcast()
		return n, WantNone, nil
	}

	if err := engine.workerReadErr; err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
			errors.Is(err, net.ErrClosed) {
			return 0, WantNone, ErrEngineClosed
		}
		return 0, WantNone, err
	}

	return 0, WantRead, nil
}

// Write implements Engine: plaintext is encrypted into the outbound wire
// buffer, which must drain below its high-water mark first.
func (engine *StdEngine) Write(p []byte) (int, Want, error) {
	engine.mutex.Lock()
	if !engine.hsDone || engine.hsErr != nil {
		engine.mutex.Unlock()
		return 0, WantNone, errors.New("tls engine: write before handshake completion")
	}
	if engine.bio.closed {
		engine.mutex.Unlock()
		return 0, WantNone, net.ErrClosed
	}
	if engine.bio.out.Len() >= outHighWater {
		engine.mutex.Unlock()
		return 0, WantWrite, nil
	}
	engine.mutex.Unlock()

	// tls.Conn serialises its write path internally; the worker only reads.
	n, err := engine.conn.Write(p)
	if err != nil {
		return n, WantNone, err
	}
	return n, WantNone, nil
}

// Feed implements Engine. The record scanner reports inbound fragments to
// the message callback outside the lock.
func (engine *StdEngine) Feed(wire []byte) error {
	engine.mutex.Lock()
	engine.bio.in.Write(wire)
	fragments := engine.scanner.scan(wire)
	callback := engine.msgCallback
	engine.cond.Broadcast()
	engine.mutex.Unlock()

	if callback != nil {
		for _, fragment := range fragments {
			callback(fragment.contentType, fragment.payload)
		}
	}
	return nil
}

// PendingOutput implements Engine; it returns a copy, since the worker may
// append concurrently.
func (engine *StdEngine) PendingOutput() []byte {
	engine.mutex.Lock()
	defer engine.mutex.Unlock()

	if engine.bio.out.Len() == 0 {
		return nil
	}
	return append([]byte(nil), engine.bio.out.Bytes()...)
}

// ConsumeOutput implements Engine.
func (engine *StdEngine) ConsumeOutput(n int) {
	engine.mutex.Lock()
	defer engine.mutex.Unlock()

	engine.bio.out.Next(n)
	engine.cond.Broadcast()
}

// PendingAppData implements Engine.
func (engine *StdEngine) PendingAppData() bool {
	engine.mutex.Lock()
	defer engine.mutex.Unlock()

	return engine.appIn.Len() > 0
}

// SetMessageCallback implements Engine.
func (engine *StdEngine) SetMessageCallback(callback MessageCallback) {
	engine.mutex.Lock()
	defer engine.mutex.Unlock()

	engine.msgCallback = callback
}

// Session implements Engine; server engines return nil.
func (engine *StdEngine) Session() *Session {
	if engine.sessions == nil {
		return nil
	}

	if state := engine.sessions.exported(); state != nil {
		return &Session{state: state}
	}
	return nil
}

// SetSession implements Engine; it injects the session offered in the next
// Connect.
func (engine *StdEngine) SetSession(session *Session) {
	if engine.sessions == nil || session == nil {
		return
	}

	if state, ok := session.state.(*tls.ClientSessionState); ok {
		engine.sessions.inject(state)
	}
}

// SessionReused implements Engine.
func (engine *StdEngine) SessionReused() bool {
	if !engine.handshakeDone() {
		return false
	}
	return engine.conn.ConnectionState().DidResume
}

// NegotiatedCipher implements Engine.
func (engine *StdEngine) NegotiatedCipher() string {
	if !engine.handshakeDone() {
		return "NONE"
	}
	return tls.CipherSuiteName(engine.conn.ConnectionState().CipherSuite)
}

// Version implements Engine.
func (engine *StdEngine) Version() uint16 {
	if !engine.handshakeDone() {
		return 0
	}
	return engine.conn.ConnectionState().Version
}

// ServerName implements Engine.
func (engine *StdEngine) ServerName() string {
	if !engine.handshakeDone() {
		return "NONE"
	}

	if name := engine.conn.ConnectionState().ServerName; name != "" {
		return name
	}
	return "NONE"
}

// SelectedProtocol implements Engine.
func (engine *StdEngine) SelectedProtocol() string {
	if !engine.handshakeDone() {
		return ""
	}
	return engine.conn.ConnectionState().NegotiatedProtocol
}

// PeerCertSize implements Engine.
func (engine *StdEngine) PeerCertSize() int {
	if !engine.handshakeDone() {
		return 0
	}

	certs := engine.conn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return 0
	}
	return len(certs[0].Raw)
}

func (engine *StdEngine) handshakeDone() bool {
	engine.mutex.Lock()
	defer engine.mutex.Unlock()

	return engine.hsDone && engine.hsErr == nil
}

// Close implements Engine: it unblocks and ends the worker goroutine.
func (engine *StdEngine) Close() error {
	engine.mutex.Lock()
	alreadyClosed := engine.bio.closed
	engine.bio.closed = true
	engine.cond.Broadcast()
	engine.mutex.Unlock()

	if !alreadyClosed {
		// The close_notify lands in the memory buffer and is dropped; the
		// connection ends without a graceful TLS shutdown.
		_ = engine.conn.Close()
	}
	return nil
}

// memBIO is the in-memory wire transport under a StdEngine's tls.Conn. Its
// Read blocks the worker goroutine until Feed delivers wire bytes; its Write
// collects outbound wire bytes for PendingOutput.
type memBIO struct {
	engine *StdEngine

	in     bytes.Buffer
	out    bytes.Buffer
	hungry bool
	closed bool
}

func (bio *memBIO) Read(p []byte) (int, error) {
	engine := bio.engine
	engine.mutex.Lock()
	defer engine.mutex.Unlock()

	for bio.in.Len() == 0 && !bio.closed {
		bio.hungry = true
		engine.cond.Broadcast()
		engine.cond.Wait()
	}
	bio.hungry = false

	if bio.in.Len() > 0 {
		return bio.in.Read(p)
	}
	return 0, io.EOF
}

func (bio *memBIO) Write(p []byte) (int, error) {
	engine := bio.engine
	engine.mutex.Lock()
	defer engine.mutex.Unlock()

	if bio.closed {
		return 0, io.ErrClosedPipe
	}
	return bio.out.Write(p)
}

func (bio *memBIO) Close() error {
	engine := bio.engine
	engine.mutex.Lock()
	defer engine.mutex.Unlock()

	bio.closed = true
	engine.cond.Broadcast()
	return nil
}

// The net.Conn remainder; deadlines are never used on the memory pair.

func (bio *memBIO) LocalAddr() net.Addr              { return memBIOAddr{} }
func (bio *memBIO) RemoteAddr() net.Addr             { return memBIOAddr{} }
func (bio *memBIO) SetDeadline(time.Time) error      { return nil }
func (bio *memBIO) SetReadDeadline(time.Time) error  { return nil }
func (bio *memBIO) SetWriteDeadline(time.Time) error { return nil }

type memBIOAddr struct{}

func (memBIOAddr) Network() string { return "mem" }
func (memBIOAddr) String() string  { return "mem" }

// engineSessionCache wraps a Context's session cache per connection: an
// injected session is offered first, and the last session stored by the TLS
// stack is kept for export.
type engineSessionCache struct {
	mutex    sync.Mutex
	injected *tls.ClientSessionState
	last     *tls.ClientSessionState
	delegate tls.ClientSessionCache
}

func (cache *engineSessionCache) Get(sessionKey string) (*tls.ClientSessionState, bool) {
	cache.mutex.Lock()
	injected := cache.injected
	cache.mutex.Unlock()

	if injected != nil {
		return injected, true
	}
	if cache.delegate != nil {
		return cache.delegate.Get(sessionKey)
	}
	return nil, false
}

func (cache *engineSessionCache) Put(sessionKey string, cs *tls.ClientSessionState) {
	cache.mutex.Lock()
	if cs != nil {
		cache.last = cs
	}
	cache.mutex.Unlock()

	if cache.delegate != nil {
		cache.delegate.Put(sessionKey, cs)
	}
}

func (cache *engineSessionCache) inject(cs *tls.ClientSessionState) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	cache.injected = cs
}

func (cache *engineSessionCache) exported() *tls.ClientSessionState {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	if cache.last != nil {
		return cache.last
	}
	return cache.injected
}

// recordFragment is one inbound TLS record payload piece.
type recordFragment struct {
	contentType uint8
	payload     []byte
}

// recordScanner splits the inbound wire stream along TLS record boundaries,
// keeping partial header resp. payload state between Feed calls.
type recordScanner struct {
	header    [5]byte
	headerLen int

	contentType uint8
	remaining   int
}

func (scanner *recordScanner) scan(data []byte) (fragments []recordFragment) {
	for len(data) > 0 {
		if scanner.remaining == 0 {
			take := copy(scanner.header[scanner.headerLen:], data)
			scanner.headerLen += take
			data = data[take:]

			if scanner.headerLen < len(scanner.header) {
				return
			}

			scanner.contentType = scanner.header[0]
			scanner.remaining = int(binary.BigEndian.Uint16(scanner.header[3:5]))
			scanner.headerLen = 0

			if scanner.remaining == 0 {
				continue
			}
		}

		take := scanner.remaining
		if take > len(data) {
			take = len(data)
		}

		fragments = append(fragments, recordFragment{
			contentType: scanner.contentType,
			payload:     data[:take],
		})
		scanner.remaining -= take
		data = data[take:]
	}
	return
}

var _ Engine = (*StdEngine)(nil)
var _ net.Conn = (*memBIO)(nil)
var _ fmt.Stringer = memBIOAddr{}
