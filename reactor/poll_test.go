// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package reactor

import (
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

type chanHandler struct {
	events chan Events
}

func (ch *chanHandler) IoReady(events Events) {
	// Never block the loop; persistent registrations fire repeatedly.
	select {
	case ch.events <- events:
	default:
	}
}

func newRunningReactor(t *testing.T) *PollReactor {
	t.Helper()

	pr, err := NewPollReactor()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = pr.Close() })

	go pr.Run()
	return pr
}

func TestPollReactorReadReadiness(t *testing.T) {
	pr := newRunningReactor(t)

	var pipeFds [2]int
	if err := unix.Pipe2(pipeFds[:], unix.O_NONBLOCK); err != nil {
		t.Fatal(err)
	}
	defer unix.Close(pipeFds[0])
	defer unix.Close(pipeFds[1])

	handler := &chanHandler{events: make(chan Events, 1)}
	pr.RunInLoop(func() {
		if err := pr.RegisterHandler(pipeFds[0], handler, Read|Persist); err != nil {
			t.Error(err)
		}
	})

	if _, err := unix.Write(pipeFds[1], []byte("x")); err != nil {
		t.Fatal(err)
	}

	select {
	case events := <-handler.events:
		if events&Read == 0 {
			t.Errorf("events = %v, want read", events)
		}
	case <-time.After(time.Second):
		t.Fatal("no readiness within a second")
	}
}

func TestPollReactorOneShot(t *testing.T) {
	pr := newRunningReactor(t)

	var pipeFds [2]int
	if err := unix.Pipe2(pipeFds[:], unix.O_NONBLOCK); err != nil {
		t.Fatal(err)
	}
	defer unix.Close(pipeFds[0])
	defer unix.Close(pipeFds[1])

	handler := &chanHandler{events: make(chan Events, 2)}
	pr.RunInLoop(func() {
		// Without Persist, the registration dies with its first delivery.
		_ = pr.RegisterHandler(pipeFds[0], handler, Read)
	})

	if _, err := unix.Write(pipeFds[1], []byte("x")); err != nil {
		t.Fatal(err)
	}

	select {
	case <-handler.events:
	case <-time.After(time.Second):
		t.Fatal("no readiness within a second")
	}

	// Still readable, but the one-shot registration is gone.
	select {
	case <-handler.events:
		t.Fatal("one-shot registration fired twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPollReactorTimeout(t *testing.T) {
	pr := newRunningReactor(t)

	fired := make(chan struct{})
	pr.RunInLoop(func() {
		to := pr.NewTimeout(func() { close(fired) })
		if !to.Schedule(20 * time.Millisecond) {
			t.Error("scheduling failed")
		}
		if !to.IsScheduled() {
			t.Error("timeout must report as scheduled")
		}
	})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
}

func TestPollReactorTimeoutCancel(t *testing.T) {
	pr := newRunningReactor(t)

	var fired int32
	pr.RunInLoop(func() {
		to := pr.NewTimeout(func() { atomic.AddInt32(&fired, 1) })
		to.Schedule(20 * time.Millisecond)
		to.Cancel()
		if to.IsScheduled() {
			t.Error("cancelled timeout still scheduled")
		}
	})

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Error("cancelled timeout fired")
	}
}

func TestPollReactorTimeoutReschedule(t *testing.T) {
	pr := newRunningReactor(t)

	fired := make(chan time.Time, 1)
	start := time.Now()
	pr.RunInLoop(func() {
		to := pr.NewTimeout(func() { fired <- time.Now() })
		to.Schedule(10 * time.Millisecond)
		// Last scheduler wins.
		to.Schedule(80 * time.Millisecond)
	})

	select {
	case at := <-fired:
		if at.Sub(start) < 50*time.Millisecond {
			t.Errorf("timeout fired after %v, want the rescheduled deadline", at.Sub(start))
		}
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
}

func TestPollReactorStop(t *testing.T) {
	pr, err := NewPollReactor()
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		pr.Run()
		close(done)
	}()

	pr.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}

	if err := pr.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
