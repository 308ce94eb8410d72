// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package reactor

import (
	"container/heap"
	"time"
)

// pollTimeout is the Timeout implementation of a PollReactor, kept in the
// reactor's timer heap while scheduled.
type pollTimeout struct {
	reactor  *PollReactor
	fn       func()
	deadline time.Time
	index    int // heap position, -1 while unscheduled
}

func (to *pollTimeout) Schedule(d time.Duration) bool {
	to.reactor.scheduleTimeout(to, d)
	return true
}

func (to *pollTimeout) Cancel() {
	to.reactor.cancelTimeout(to)
}

func (to *pollTimeout) IsScheduled() bool {
	return to.reactor.timeoutScheduled(to)
}

// timerHeap is a min-heap of pollTimeouts, ordered by deadline.
type timerHeap []*pollTimeout

func (th timerHeap) Len() int { return len(th) }

func (th timerHeap) Less(i, j int) bool {
	return th[i].deadline.Before(th[j].deadline)
}

func (th timerHeap) Swap(i, j int) {
	th[i], th[j] = th[j], th[i]
	th[i].index = i
	th[j].index = j
}

func (th *timerHeap) Push(x interface{}) {
	to := x.(*pollTimeout)
	to.index = len(*th)
	*th = append(*th, to)
}

func (th *timerHeap) Pop() interface{} {
	old := *th
	n := len(old)
	to := old[n-1]
	old[n-1] = nil
	to.index = -1
	*th = old[:n-1]
	return to
}

// nextDeadline returns the poll timeout in milliseconds until the earliest
// scheduled timer, or -1 for an indefinite poll.
func (th timerHeap) nextDeadline(now time.Time) int {
	if len(th) == 0 {
		return -1
	}

	d := th[0].deadline.Sub(now)
	if d <= 0 {
		return 0
	}

	ms := int(d / time.Millisecond)
	if d%time.Millisecond != 0 {
		ms++
	}
	return ms
}

// expireTimers pops and returns all timers due at now.
func (th *timerHeap) expireTimers(now time.Time) (due []*pollTimeout) {
	for len(*th) > 0 && !(*th)[0].deadline.After(now) {
		due = append(due, heap.Pop(th).(*pollTimeout))
	}
	return
}
