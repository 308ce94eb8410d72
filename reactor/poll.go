// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package reactor

import (
	"container/heap"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// registration is the bookkeeping for one fd within a PollReactor.
type registration struct {
	handler Handler
	events  Events
}

// PollReactor is a poll(2) backed Reactor.
//
// All handler and timeout dispatch happens on the goroutine executing Run.
// Registrations may be created before Run is called or from within dispatched
// callbacks; any other goroutine must funnel work through RunInLoop.
type PollReactor struct {
	handlers map[int]*registration
	timers   timerHeap

	wakeRead  int
	wakeWrite int

	funcsMutex sync.Mutex
	funcs      []func()

	started int32
	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewPollReactor creates a PollReactor, ready for registrations and Run.
func NewPollReactor() (*PollReactor, error) {
	var pipeFds [2]int
	if err := unix.Pipe2(pipeFds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("reactor: creating wake-up pipe: %w", err)
	}

	return &PollReactor{
		handlers:  make(map[int]*registration),
		wakeRead:  pipeFds[0],
		wakeWrite: pipeFds[1],
		stopSyn:   make(chan struct{}),
		stopAck:   make(chan struct{}),
	}, nil
}

func (pr *PollReactor) log() *log.Entry {
	return log.WithField("reactor", fmt.Sprintf("%p", pr))
}

// RegisterHandler adds or replaces the registration for fd.
func (pr *PollReactor) RegisterHandler(fd int, h Handler, events Events) error {
	if fd < 0 {
		return fmt.Errorf("reactor: cannot register invalid fd %d", fd)
	} else if events&(Read|Write) == 0 {
		return fmt.Errorf("reactor: registration for fd %d lacks interests", fd)
	}

	pr.handlers[fd] = &registration{handler: h, events: events}
	return nil
}

// UnregisterHandler drops the registration for fd, if any.
func (pr *PollReactor) UnregisterHandler(fd int) error {
	delete(pr.handlers, fd)
	return nil
}

// NewTimeout creates an unscheduled Timeout firing fn on expiry.
func (pr *PollReactor) NewTimeout(fn func()) Timeout {
	return &pollTimeout{reactor: pr, fn: fn, index: -1}
}

func (pr *PollReactor) scheduleTimeout(to *pollTimeout, d time.Duration) {
	to.deadline = time.Now().Add(d)
	if to.index >= 0 {
		heap.Fix(&pr.timers, to.index)
	} else {
		heap.Push(&pr.timers, to)
	}
}

func (pr *PollReactor) cancelTimeout(to *pollTimeout) {
	if to.index >= 0 {
		heap.Remove(&pr.timers, to.index)
	}
}

func (pr *PollReactor) timeoutScheduled(to *pollTimeout) bool {
	return to.index >= 0
}

// RunInLoop hands fn over to the reactor goroutine. It may be called from any
// goroutine; fn is executed during the next loop iteration.
func (pr *PollReactor) RunInLoop(fn func()) {
	pr.funcsMutex.Lock()
	pr.funcs = append(pr.funcs, fn)
	pr.funcsMutex.Unlock()

	pr.wakeup()
}

func (pr *PollReactor) wakeup() {
	// A full pipe already guarantees a pending wake-up.
	_, _ = unix.Write(pr.wakeWrite, []byte{0x00})
}

// Run executes the event loop until Stop is called. It must be called at most
// once, from the goroutine that shall own this reactor.
func (pr *PollReactor) Run() {
	atomic.StoreInt32(&pr.started, 1)
	defer close(pr.stopAck)

	for {
		select {
		case <-pr.stopSyn:
			return
		default:
		}

		pollFds := make([]unix.PollFd, 0, len(pr.handlers)+1)
		pollFds = append(pollFds, unix.PollFd{Fd: int32(pr.wakeRead), Events: unix.POLLIN})
		for fd, reg := range pr.handlers {
			var events int16
			if reg.events&Read != 0 {
				events |= unix.POLLIN | unix.POLLPRI
			}
			if reg.events&Write != 0 {
				events |= unix.POLLOUT
			}
			pollFds = append(pollFds, unix.PollFd{Fd: int32(fd), Events: events})
		}

		n, err := unix.Poll(pollFds, pr.timers.nextDeadline(time.Now()))
		if err == unix.EINTR {
			continue
		} else if err != nil {
			pr.log().WithError(err).Error("poll failed; stopping reactor")
			return
		}

		pr.runQueuedFuncs()

		for _, to := range pr.timers.expireTimers(time.Now()) {
			to.fn()
		}

		if n <= 0 {
			continue
		}

		for _, pollFd := range pollFds[1:] {
			if pollFd.Revents == 0 {
				continue
			}

			fd := int(pollFd.Fd)
			reg, ok := pr.handlers[fd]
			if !ok {
				// Unregistered by an earlier callback within this iteration.
				continue
			}

			var ready Events
			if reg.events&Read != 0 &&
				pollFd.Revents&(unix.POLLIN|unix.POLLPRI|unix.POLLHUP|unix.POLLERR) != 0 {
				ready |= Read
			}
			if reg.events&Write != 0 &&
				pollFd.Revents&(unix.POLLOUT|unix.POLLHUP|unix.POLLERR) != 0 {
				ready |= Write
			}
			if ready == 0 {
				continue
			}

			if reg.events&Persist == 0 {
				delete(pr.handlers, fd)
			}

			reg.handler.IoReady(ready)
		}
	}
}

func (pr *PollReactor) runQueuedFuncs() {
	var buf [16]byte
	for {
		if _, err := unix.Read(pr.wakeRead, buf[:]); err != nil {
			break
		}
	}

	pr.funcsMutex.Lock()
	funcs := pr.funcs
	pr.funcs = nil
	pr.funcsMutex.Unlock()

	for _, fn := range funcs {
		fn()
	}
}

// Stop terminates Run and blocks until the loop has finished its iteration.
// Stopping a PollReactor whose Run was never called just marks it stopped.
func (pr *PollReactor) Stop() {
	select {
	case <-pr.stopSyn:
		return
	default:
		close(pr.stopSyn)
	}
	pr.wakeup()

	if atomic.LoadInt32(&pr.started) == 1 {
		<-pr.stopAck
	}
}

// Close stops the reactor, if running, and releases its wake-up pipe.
func (pr *PollReactor) Close() error {
	select {
	case <-pr.stopSyn:
	default:
		pr.Stop()
	}

	var err *multierror.Error
	if closeErr := unix.Close(pr.wakeRead); closeErr != nil {
		err = multierror.Append(err, closeErr)
	}
	if closeErr := unix.Close(pr.wakeWrite); closeErr != nil {
		err = multierror.Append(err, closeErr)
	}
	return err.ErrorOrNil()
}
