// Package timer provides cancellable scheduled tasks behind a Clock so that
// capture ticks, reconnect delays and grid animations can be driven by a
// fake clock in tests.
package timer

import (
	"sync"
	"sync/atomic"
	"time"
)

// Task is a scheduled callback. After Cancel returns the callback will not
// start; a callback that already started runs to completion.
type Task interface {
	// Cancel reports whether this call cancelled a task that had not yet run.
	Cancel() bool
}

// Clock schedules callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Task
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Task {
	t := &realTask{}
	t.timer = time.AfterFunc(d, func() {
		if !t.done.CompareAndSwap(false, true) {
			return
		}
		f()
	})
	return t
}

type realTask struct {
	timer *time.Timer
	done  atomic.Bool
}

func (t *realTask) Cancel() bool {
	t.timer.Stop()
	return t.done.CompareAndSwap(false, true)
}

// Every runs f every d until the returned task is cancelled. The first run
// happens d after the call.
func Every(c Clock, d time.Duration, f func()) Task {
	r := &repeating{clock: c, every: d, f: f}
	r.mu.Lock()
	r.cur = c.AfterFunc(d, r.fire)
	r.mu.Unlock()
	return r
}

type repeating struct {
	clock Clock
	every time.Duration
	f     func()

	mu      sync.Mutex
	cur     Task
	stopped bool
}

func (r *repeating) fire() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.f()

	r.mu.Lock()
	if !r.stopped {
		r.cur = r.clock.AfterFunc(r.every, r.fire)
	}
	r.mu.Unlock()
}

func (r *repeating) Cancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.stopped = true
	if r.cur != nil {
		r.cur.Cancel()
	}
	return true
}
