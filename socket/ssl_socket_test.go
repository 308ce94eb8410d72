// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package socket

import (
	"bytes"
	"crypto/x509"
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dtn7/asock/reactor"
)

// fakeStep scripts one Accept resp. Connect outcome of a fakeEngine.
type fakeStep struct {
	want   Want
	err    error
	output []byte
}

// fakeEngine is a scripted Engine for driving the SSLSocket state machine
// without cryptography.
type fakeEngine struct {
	script  []fakeStep
	stepIdx int

	out       []byte
	fed       bytes.Buffer
	appIn     bytes.Buffer
	writeSink bytes.Buffer

	// feedContentType, if non-zero, is reported to the message callback for
	// every Feed call, with the fed bytes as the fragment.
	feedContentType uint8

	msgCallback MessageCallback
	session     *Session
	reused      bool
	closed      bool
}

func (fe *fakeEngine) step() (Want, error) {
	if fe.stepIdx >= len(fe.script) {
		return WantNone, nil
	}

	s := fe.script[fe.stepIdx]
	fe.stepIdx++
	fe.out = append(fe.out, s.output...)
	return s.want, s.err
}

func (fe *fakeEngine) Accept() (Want, error) {
	return fe.step()
}

func (fe *fakeEngine) Connect() (Want, error) {
	return fe.step()
}

func (fe *fakeEngine) Read(p []byte) (int, Want, error) {
	if fe.closed {
		return 0, WantNone, ErrEngineClosed
	}
	if fe.appIn.Len() > 0 {
		n, _ := fe.appIn.Read(p)
		return n, WantNone, nil
	}
	return 0, WantRead, nil
}

func (fe *fakeEngine) Write(p []byte) (int, Want, error) {
	fe.writeSink.Write(p)
	// One record of five header bytes per write.
	fe.out = append(fe.out, make([]byte, 5)...)
	fe.out = append(fe.out, p...)
	return len(p), WantNone, nil
}

func (fe *fakeEngine) Feed(wire []byte) error {
	fe.fed.Write(wire)
	if fe.msgCallback != nil && fe.feedContentType != 0 {
		fe.msgCallback(fe.feedContentType, wire)
	}
	return nil
}

func (fe *fakeEngine) PendingOutput() []byte {
	return fe.out
}

func (fe *fakeEngine) ConsumeOutput(n int) {
	fe.out = fe.out[n:]
}

func (fe *fakeEngine) PendingAppData() bool {
	return fe.appIn.Len() > 0
}

func (fe *fakeEngine) SetMessageCallback(cb MessageCallback) { fe.msgCallback = cb }

func (fe *fakeEngine) Session() *Session        { return fe.session }
func (fe *fakeEngine) SetSession(s *Session)    { fe.session = s }
func (fe *fakeEngine) SessionReused() bool      { return fe.reused }
func (fe *fakeEngine) NegotiatedCipher() string { return "TLS_FAKE_CIPHER" }
func (fe *fakeEngine) Version() uint16          { return 0x0303 }
func (fe *fakeEngine) ServerName() string       { return "fake.example" }
func (fe *fakeEngine) SelectedProtocol() string { return "" }
func (fe *fakeEngine) PeerCertSize() int        { return 0 }
func (fe *fakeEngine) Close() error             { fe.closed = true; return nil }

type testHandshakeCallback struct {
	successes int
	errs      []error
	verifies  int
}

func (cb *testHandshakeCallback) HandshakeVerify(_ *SSLSocket, preverifyOk bool,
	_ [][]*x509.Certificate) bool {
	cb.verifies++
	return preverifyOk
}

func (cb *testHandshakeCallback) HandshakeSuccess(*SSLSocket) { cb.successes++ }

func (cb *testHandshakeCallback) HandshakeError(_ *SSLSocket, err error) {
	cb.errs = append(cb.errs, err)
}

func newFakeServer(t *testing.T, script []fakeStep) (*SSLSocket, *fakeEngine, *testReactor, int) {
	t.Helper()

	fd, peer := tcpPair(t)
	tr := newTestReactor()
	ss := NewSSLFromFd(tr, NewContext(), fd, true)
	fake := &fakeEngine{script: script}
	ss.engine = fake
	return ss, fake, tr, peer
}

func TestSSLAcceptDrivenByReadiness(t *testing.T) {
	serverFlight := []byte("SERVER-FLIGHT")
	ss, fake, tr, peer := newFakeServer(t, []fakeStep{
		{want: WantRead},
		// Re-entry after readiness steps the engine again before new wire
		// bytes were fed, so it reports WantRead once more.
		{want: WantRead},
		{want: WantNone, output: serverFlight},
	})

	hs := &testHandshakeCallback{}
	ss.SSLAccept(hs, time.Minute, VerifyUseCtx)

	if ss.SSLState() != SSLAccepting {
		t.Fatalf("sslState = %v, want accepting", ss.SSLState())
	}
	if events, ok := tr.registeredEvents(ss.Fd()); !ok || events&reactor.Read == 0 {
		t.Fatal("read interest must be registered while the engine wants more")
	}
	if !ss.handshakeTimeout.IsScheduled() {
		t.Fatal("handshake timeout must be armed")
	}

	if _, err := unix.Write(peer, []byte("CLIENT-HELLO")); err != nil {
		t.Fatal(err)
	}
	if !waitReadable(ss.Fd(), time.Second) {
		t.Fatal("socket never became readable")
	}
	tr.fire(ss.Fd(), reactor.Read)

	if hs.successes != 1 {
		t.Fatalf("expected HandshakeSuccess, got %d successes, errs %v", hs.successes, hs.errs)
	}
	if ss.SSLState() != SSLEstablished {
		t.Errorf("sslState = %v, want established", ss.SSLState())
	}
	if ss.handshakeTimeout.IsScheduled() {
		t.Error("handshake timeout must be cancelled")
	}
	if !bytes.Contains(fake.fed.Bytes(), []byte("CLIENT-HELLO")) {
		t.Error("inbound wire bytes never reached the engine")
	}

	if !waitReadable(peer, time.Second) {
		t.Fatal("server flight never hit the wire")
	}
	if got := drainFd(peer); !bytes.Equal(got, serverFlight) {
		t.Errorf("peer received %q", got)
	}
	if ss.RawBytesWritten() != uint64(len(serverFlight)) {
		t.Errorf("rawBytesWritten = %d", ss.RawBytesWritten())
	}
}

func TestSSLAcceptWantWrite(t *testing.T) {
	ss, _, tr, peer := newFakeServer(t, []fakeStep{
		{want: WantWrite, output: []byte("PARTIAL")},
		{want: WantNone},
	})

	hs := &testHandshakeCallback{}
	ss.SSLAccept(hs, 0, VerifyUseCtx)

	if events, ok := tr.registeredEvents(ss.Fd()); !ok || events&reactor.Write == 0 {
		t.Fatal("write interest must be registered on WantWrite")
	}

	tr.fire(ss.Fd(), reactor.Write)

	if hs.successes != 1 {
		t.Fatalf("expected HandshakeSuccess, got %v", hs.errs)
	}
	if !waitReadable(peer, time.Second) {
		t.Fatal("handshake bytes never hit the wire")
	}
	if got := drainFd(peer); !bytes.Equal(got, []byte("PARTIAL")) {
		t.Errorf("peer received %q", got)
	}
}

func TestSSLAcceptCacheLookupRestart(t *testing.T) {
	ss, fake, _, _ := newFakeServer(t, []fakeStep{
		{want: WantSessionLookup},
		{want: WantNone},
	})

	hs := &testHandshakeCallback{}
	ss.SSLAccept(hs, 0, VerifyUseCtx)

	if ss.SSLState() != SSLCacheLookup {
		t.Fatalf("sslState = %v, want cache lookup", ss.SSLState())
	}
	if hs.successes != 0 {
		t.Fatal("handshake must pause for the lookup")
	}

	session := &Session{state: "resumed"}
	ss.SetSSLSession(session)
	ss.RestartSSLAccept()

	if hs.successes != 1 {
		t.Fatalf("expected HandshakeSuccess after restart, got %v", hs.errs)
	}
	if fake.session != session {
		t.Error("injected session never reached the engine")
	}
}

func TestSSLAcceptEngineFailure(t *testing.T) {
	ss, _, _, _ := newFakeServer(t, []fakeStep{
		{want: WantNone, err: errors.New("handshake exploded")},
	})

	hs := &testHandshakeCallback{}
	ss.SSLAccept(hs, 0, VerifyUseCtx)

	if len(hs.errs) != 1 {
		t.Fatalf("expected HandshakeError, got %d", len(hs.errs))
	}
	var te *TransportError
	if !errors.As(hs.errs[0], &te) || te.Kind != SSLError {
		t.Errorf("unexpected error: %v", hs.errs[0])
	}
	if ss.SSLState() != SSLFailed || ss.State() != Error {
		t.Errorf("states = %v/%v, want error", ss.State(), ss.SSLState())
	}
}

func TestSSLHandshakeTimeout(t *testing.T) {
	ss, _, _, _ := newFakeServer(t, []fakeStep{
		{want: WantRead},
	})

	hs := &testHandshakeCallback{}
	ss.SSLAccept(hs, 50*time.Millisecond, VerifyUseCtx)

	ss.handshakeTimeout.(*testTimeout).fire()

	if len(hs.errs) != 1 {
		t.Fatalf("expected HandshakeError, got %d", len(hs.errs))
	}
	var te *TransportError
	if !errors.As(hs.errs[0], &te) || te.Kind != TimedOut {
		t.Errorf("unexpected error: %v", hs.errs[0])
	}
	if te.Msg != "SSL accept timed out" {
		t.Errorf("unexpected message: %q", te.Msg)
	}
}

func TestRenegotiationRejected(t *testing.T) {
	ss, fake, tr, peer := newFakeServer(t, []fakeStep{
		{want: WantNone},
	})

	hs := &testHandshakeCallback{}
	ss.SSLAccept(hs, 0, VerifyUseCtx)
	if hs.successes != 1 {
		t.Fatalf("handshake setup failed: %v", hs.errs)
	}

	readCb := newTestReadCallback(4096)
	ss.SetReadCallback(readCb)

	// Everything fed from now on claims to be a handshake record.
	fake.feedContentType = recordTypeHandshake

	if _, err := unix.Write(peer, []byte("RENEG")); err != nil {
		t.Fatal(err)
	}
	if !waitReadable(ss.Fd(), time.Second) {
		t.Fatal("socket never became readable")
	}
	tr.fire(ss.Fd(), reactor.Read)

	if len(readCb.errs) != 1 {
		t.Fatalf("expected one ReadError, got %d", len(readCb.errs))
	}
	var te *TransportError
	if !errors.As(readCb.errs[0], &te) || te.Kind != SSLError ||
		te.SSLCode != SSLClientRenegotiationAttempt {
		t.Errorf("unexpected error: %v", readCb.errs[0])
	}
	if ss.State() != Error || ss.SSLState() != SSLFailed {
		t.Errorf("states = %v/%v, want error", ss.State(), ss.SSLState())
	}
}

func TestEarlyWriteRejected(t *testing.T) {
	ss, _, _, _ := newFakeServer(t, nil)

	cb := &testWriteCallback{}
	ss.Write(cb, []byte("too early"), WriteNone)

	if len(cb.errs) != 1 {
		t.Fatalf("expected one WriteError, got %d", len(cb.errs))
	}
	var te *TransportError
	if !errors.As(cb.errs[0], &te) || te.Kind != SSLError || te.SSLCode != SSLEarlyWrite {
		t.Errorf("unexpected error: %v", cb.errs[0])
	}
}

func TestWriteQueuedDuringHandshakeDrainsAfterwards(t *testing.T) {
	ss, fake, tr, peer := newFakeServer(t, []fakeStep{
		{want: WantRead},
		{want: WantRead},
		{want: WantNone},
	})

	hs := &testHandshakeCallback{}
	ss.SSLAccept(hs, 0, VerifyUseCtx)

	payload := []byte("queued until established")
	cb := &testWriteCallback{}
	ss.Write(cb, payload, WriteNone)

	if cb.successes != 0 || len(cb.errs) != 0 {
		t.Fatal("write must be queued during the handshake")
	}

	if _, err := unix.Write(peer, []byte("HELLO")); err != nil {
		t.Fatal(err)
	}
	if !waitReadable(ss.Fd(), time.Second) {
		t.Fatal("socket never became readable")
	}
	tr.fire(ss.Fd(), reactor.Read)

	if hs.successes != 1 {
		t.Fatalf("handshake did not finish: %v", hs.errs)
	}
	if cb.successes != 1 {
		t.Fatalf("queued write must drain after the handshake, got %d", cb.successes)
	}
	if !bytes.Equal(fake.writeSink.Bytes(), payload) {
		t.Errorf("engine sink got %q", fake.writeSink.Bytes())
	}

	if !waitReadable(peer, time.Second) {
		t.Fatal("record never hit the wire")
	}
	if got := drainFd(peer); len(got) != len(payload)+5 {
		t.Errorf("wire carries %d bytes, want %d", len(got), len(payload)+5)
	}
}

func TestSSLReadDecrypts(t *testing.T) {
	ss, fake, tr, peer := newFakeServer(t, []fakeStep{
		{want: WantNone},
	})

	hs := &testHandshakeCallback{}
	ss.SSLAccept(hs, 0, VerifyUseCtx)

	readCb := newTestReadCallback(4096)
	ss.SetReadCallback(readCb)

	// The engine "decrypts" by handing out buffered plaintext once wire
	// bytes arrive.
	fake.appIn.WriteString("plaintext")

	if _, err := unix.Write(peer, []byte("ciphertext")); err != nil {
		t.Fatal(err)
	}
	if !waitReadable(ss.Fd(), time.Second) {
		t.Fatal("socket never became readable")
	}
	tr.fire(ss.Fd(), reactor.Read)

	if got := readCb.got.String(); got != "plaintext" {
		t.Errorf("read callback got %q", got)
	}
	if ss.AppBytesReceived() != uint64(len("plaintext")) {
		t.Errorf("appBytesReceived = %d", ss.AppBytesReceived())
	}
}

func TestEorTrackingCursors(t *testing.T) {
	ss, fake, _, peer := newFakeServer(t, []fakeStep{
		{want: WantNone},
	})

	hs := &testHandshakeCallback{}
	ss.SSLAccept(hs, 0, VerifyUseCtx)

	ss.SetEorTracking(true)
	if !ss.IsEorTrackingEnabled() {
		t.Fatal("EOR tracking must be enabled")
	}

	payload := []byte("0123456789")
	cb := &testWriteCallback{}
	ss.Write(cb, payload, WriteEOR)

	if cb.successes != 1 {
		t.Fatalf("expected WriteSuccess, got errs %v", cb.errs)
	}

	// The record, payload plus fake framing, must be flushed completely and
	// the EOR cursors cleared again.
	wantRaw := uint64(len(payload) + 5)
	if ss.RawBytesWritten() != wantRaw {
		t.Errorf("rawBytesWritten = %d, want %d", ss.RawBytesWritten(), wantRaw)
	}
	if ss.appEorByteNo != 0 || ss.minEorRawByteNo != 0 {
		t.Errorf("EOR cursors not cleared: app=%d raw=%d", ss.appEorByteNo, ss.minEorRawByteNo)
	}
	if ss.AppBytesWritten() != uint64(len(payload)) {
		t.Errorf("appBytesWritten = %d", ss.AppBytesWritten())
	}

	if !waitReadable(peer, time.Second) {
		t.Fatal("record never hit the wire")
	}
	if got := drainFd(peer); len(got) != len(payload)+5 {
		t.Errorf("wire carries %d bytes", len(got))
	}
	_ = fake
}

func TestSSLCloseNowNotifiesHandshakeCallback(t *testing.T) {
	ss, fake, _, _ := newFakeServer(t, []fakeStep{
		{want: WantRead},
	})

	hs := &testHandshakeCallback{}
	ss.SSLAccept(hs, 0, VerifyUseCtx)

	ss.CloseNow()

	if len(hs.errs) != 1 {
		t.Fatalf("expected HandshakeError on close, got %d", len(hs.errs))
	}
	var te *TransportError
	if !errors.As(hs.errs[0], &te) || te.Kind != EndOfFile {
		t.Errorf("unexpected error: %v", hs.errs[0])
	}
	if !fake.closed {
		t.Error("engine must be closed")
	}
	if ss.SSLState() != SSLClosed {
		t.Errorf("sslState = %v, want closed", ss.SSLState())
	}
}

func TestSwitchServerSSLContext(t *testing.T) {
	ss, _, _, _ := newFakeServer(t, []fakeStep{
		{want: WantRead},
	})

	hs := &testHandshakeCallback{}
	ss.SSLAccept(hs, 0, VerifyUseCtx)

	other := NewContext()
	if err := ss.SwitchServerSSLContext(other); err != nil {
		t.Fatalf("switch during handshake must work: %v", err)
	}
	if ss.HandshakeContext() != other {
		t.Error("handshake context not bound")
	}
}

func TestSwitchServerSSLContextAfterHandshake(t *testing.T) {
	ss, _, _, _ := newFakeServer(t, []fakeStep{
		{want: WantNone},
	})

	hs := &testHandshakeCallback{}
	ss.SSLAccept(hs, 0, VerifyUseCtx)
	if hs.successes != 1 {
		t.Fatal("handshake setup failed")
	}

	if err := ss.SwitchServerSSLContext(NewContext()); err == nil {
		t.Error("switch after the handshake must fail")
	}
}
