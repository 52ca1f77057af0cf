// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package event implements the single-threaded cooperative event loop that
// the extension config and connection pool subsystems run on. Callbacks,
// timers and deferred deletions all execute on the loop; nothing in this
// package is safe for concurrent use from other goroutines. Post takes no
// lock either, so it too is called only from the loop's own goroutine.
package event

import (
	"container/heap"
	"time"

	"github.com/hashicorp/go-hclog"
	"k8s.io/utils/clock"

	"github.com/hashicorp/keel/logging"
)

// Deletable is an object whose destruction must be postponed until the
// current call stack has unwound, typically because a caller above the
// current frame still references it.
type Deletable interface {
	OnDeferredDelete()
}

// Dispatcher is a cooperative event loop. Posted callbacks run in FIFO
// order, timers fire in deadline order, and deferred deletions are flushed
// only at explicit suspension points.
type Dispatcher struct {
	name   string
	logger hclog.Logger
	clock  clock.PassiveClock

	tasks    []func()
	timers   timerHeap
	seq      uint64
	deferred []Deletable
}

func NewDispatcher(name string, logger hclog.Logger, c clock.PassiveClock) *Dispatcher {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if c == nil {
		c = clock.RealClock{}
	}
	return &Dispatcher{
		name:   name,
		logger: logger.Named(logging.Dispatcher),
		clock:  c,
	}
}

func (d *Dispatcher) Name() string { return d.name }

// Now reports the loop's current time. All timer arithmetic uses this
// clock so tests can substitute a fake.
func (d *Dispatcher) Now() time.Time { return d.clock.Now() }

// Post enqueues fn to run on the next RunReady drain.
func (d *Dispatcher) Post(fn func()) {
	d.tasks = append(d.tasks, fn)
}

// RunReady drains the task queue. Tasks posted while draining run in the
// same drain.
func (d *Dispatcher) RunReady() {
	for len(d.tasks) > 0 {
		fn := d.tasks[0]
		d.tasks = d.tasks[1:]
		fn()
	}
}

// FireDueTimers fires every enabled timer whose deadline has passed, in
// deadline order, then drains any tasks the timer callbacks posted.
func (d *Dispatcher) FireDueTimers() {
	now := d.clock.Now()
	for d.timers.Len() > 0 {
		next := d.timers[0]
		if next.deadline.After(now) {
			break
		}
		heap.Pop(&d.timers)
		t := next.timer
		// Skip entries orphaned by Disable or a re-Enable.
		if !t.enabled || t.gen != next.gen {
			continue
		}
		t.enabled = false
		t.fn()
	}
	d.RunReady()
}

// NewTimer creates a disabled timer owned by this loop.
func (d *Dispatcher) NewTimer(fn func()) *Timer {
	return &Timer{d: d, fn: fn}
}

// DeferredDelete queues x for destruction at the next
// ClearDeferredDeleteList call.
func (d *Dispatcher) DeferredDelete(x Deletable) {
	d.deferred = append(d.deferred, x)
}

// ClearDeferredDeleteList destroys everything queued with DeferredDelete,
// in queue order. This models the end of a loop tick; RunReady does not
// flush the list because callers mid-tick may still hold references.
func (d *Dispatcher) ClearDeferredDeleteList() {
	for len(d.deferred) > 0 {
		pending := d.deferred
		d.deferred = nil
		d.logger.Trace("clearing deferred deletion list", "items", len(pending))
		for _, x := range pending {
			x.OnDeferredDelete()
		}
	}
}

// Timer is an event-loop timer. Enable arms it for a single fire; firing
// disables it. Re-enabling before the deadline reschedules it.
type Timer struct {
	d        *Dispatcher
	fn       func()
	deadline time.Time
	enabled  bool
	gen      uint64
}

func (t *Timer) Enable(dur time.Duration) {
	t.gen++
	t.enabled = true
	t.deadline = t.d.Now().Add(dur)
	t.d.seq++
	heap.Push(&t.d.timers, &timerEntry{
		timer:    t,
		deadline: t.deadline,
		gen:      t.gen,
		seq:      t.d.seq,
	})
}

func (t *Timer) Disable() {
	t.enabled = false
	t.gen++
}

func (t *Timer) Enabled() bool { return t.enabled }

// timerEntry is a scheduled fire. Stale entries (superseded by Disable or
// a later Enable) are dropped when popped.
type timerEntry struct {
	timer    *Timer
	deadline time.Time
	gen      uint64
	seq      uint64
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x interface{}) {
	*h = append(*h, x.(*timerEntry))
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}
