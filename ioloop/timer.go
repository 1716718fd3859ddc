package ioloop

import (
	"container/heap"
	"sync/atomic"
	"time"
)

const (
	timerPending int32 = iota
	timerFired
	timerStopped
)

// Timer is a one-shot timer, scheduled on a Loop. Instances must be created
// using Loop.ScheduleTimer.
type Timer struct {
	when  time.Time
	loop  *Loop
	fn    func()
	index int // heap index, loop goroutine only, -1 if not in the heap
	state atomic.Int32
}

// Stop prevents the timer from firing, returning true if the call stopped
// the timer, or false if it already fired or was stopped.
func (t *Timer) Stop() bool {
	if t == nil || !t.state.CompareAndSwap(timerPending, timerStopped) {
		return false
	}
	// off the loop goroutine, the heap entry is skipped when it expires
	if t.loop.IsLoopGoroutine() && t.index >= 0 {
		heap.Remove(&t.loop.timers, t.index)
	}
	return true
}

// Running reports whether the timer is still pending.
func (t *Timer) Running() bool {
	return t != nil && t.state.Load() == timerPending
}

// Deadline returns the time the timer will (or did) fire.
func (t *Timer) Deadline() time.Time {
	return t.when
}

// Remaining returns the duration until the timer fires, or zero if it is not
// running.
func (t *Timer) Remaining() time.Duration {
	if !t.Running() {
		return 0
	}
	if d := time.Until(t.when); d > 0 {
		return d
	}
	return 0
}

// timerHeap is a min-heap of timers, ordered by deadline.
type timerHeap []*Timer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
