// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package socket

import (
	"bytes"
	"net"
	"os"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/dtn7/asock/reactor"
)

// testReactor is a scripted Reactor: tests deliver readiness and fire
// timeouts by hand.
type testReactor struct {
	regs     map[int]testRegistration
	timeouts []*testTimeout
}

type testRegistration struct {
	handler reactor.Handler
	events  reactor.Events
}

func newTestReactor() *testReactor {
	return &testReactor{regs: make(map[int]testRegistration)}
}

func (tr *testReactor) RegisterHandler(fd int, h reactor.Handler, events reactor.Events) error {
	tr.regs[fd] = testRegistration{handler: h, events: events}
	return nil
}

func (tr *testReactor) UnregisterHandler(fd int) error {
	delete(tr.regs, fd)
	return nil
}

func (tr *testReactor) NewTimeout(fn func()) reactor.Timeout {
	to := &testTimeout{fn: fn}
	tr.timeouts = append(tr.timeouts, to)
	return to
}

// fire delivers a readiness event for fd, mimicking one-shot semantics.
func (tr *testReactor) fire(fd int, events reactor.Events) {
	reg, ok := tr.regs[fd]
	if !ok {
		return
	}
	if reg.events&reactor.Persist == 0 {
		delete(tr.regs, fd)
	}
	reg.handler.IoReady(events & reg.events)
}

func (tr *testReactor) registeredEvents(fd int) (reactor.Events, bool) {
	reg, ok := tr.regs[fd]
	return reg.events, ok
}

type testTimeout struct {
	fn        func()
	scheduled bool
	duration  time.Duration
}

func (to *testTimeout) Schedule(d time.Duration) bool {
	to.scheduled = true
	to.duration = d
	return true
}

func (to *testTimeout) Cancel() {
	to.scheduled = false
}

func (to *testTimeout) IsScheduled() bool {
	return to.scheduled
}

func (to *testTimeout) fire() {
	to.scheduled = false
	to.fn()
}

// Callback recorders.

type testReadCallback struct {
	buf  []byte
	got  bytes.Buffer
	eofs int
	errs []error
}

func newTestReadCallback(bufSize int) *testReadCallback {
	return &testReadCallback{buf: make([]byte, bufSize)}
}

func (cb *testReadCallback) GetReadBuffer() []byte   { return cb.buf }
func (cb *testReadCallback) ReadDataAvailable(n int) { cb.got.Write(cb.buf[:n]) }
func (cb *testReadCallback) ReadEOF()                { cb.eofs++ }
func (cb *testReadCallback) ReadError(err error)     { cb.errs = append(cb.errs, err) }

type testWriteCallback struct {
	name      string
	order     *[]string
	successes int
	errs      []error
	errBytes  []int
}

func (cb *testWriteCallback) WriteSuccess() {
	cb.successes++
	if cb.order != nil {
		*cb.order = append(*cb.order, cb.name)
	}
}

func (cb *testWriteCallback) WriteError(bytesWritten int, err error) {
	cb.errs = append(cb.errs, err)
	cb.errBytes = append(cb.errBytes, bytesWritten)
}

type testConnectCallback struct {
	successes int
	errs      []error
}

func (cb *testConnectCallback) ConnectSuccess()      { cb.successes++ }
func (cb *testConnectCallback) ConnectError(e error) { cb.errs = append(cb.errs, e) }

// tcpPair returns the fds of two connected, non-blocking TCP loopback
// sockets. They are closed via t.Cleanup unless a test closed them already.
func tcpPair(t *testing.T) (int, int) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ln.Close() }()

	dialConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	acceptConn, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}

	fd1 := extractFd(t, dialConn.(*net.TCPConn))
	fd2 := extractFd(t, acceptConn.(*net.TCPConn))
	return fd1, fd2
}

// extractFd duplicates the connection's fd, makes it non-blocking and closes
// the original connection.
func extractFd(t *testing.T, conn *net.TCPConn) int {
	t.Helper()

	file, err := conn.File()
	if err != nil {
		t.Fatal(err)
	}
	_ = conn.Close()

	fd, err := unix.Dup(int(file.Fd()))
	if err != nil {
		t.Fatal(err)
	}
	_ = file.Close()

	if err := unix.SetNonblock(fd, true); err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { _ = unix.Close(fd) })
	return fd
}

// drainFd reads and returns everything currently buffered for fd.
func drainFd(fd int) []byte {
	var drained []byte
	buf := make([]byte, 64*1024)
	for {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			drained = append(drained, buf[:n]...)
		}
		if err != nil || n <= 0 {
			return drained
		}
	}
}

// waitReadable polls fd for inbound data, allowing the loopback stack a
// moment to deliver.
func waitReadable(fd int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		pollFds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		if n, _ := unix.Poll(pollFds, 10); n == 1 {
			return true
		}
	}
	return false
}

func TestMain(m *testing.M) {
	log.SetLevel(log.ErrorLevel)
	os.Exit(m.Run())
}
