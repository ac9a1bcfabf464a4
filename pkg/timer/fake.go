package timer

import (
	"sync"
	"time"
)

// Fake is a manually advanced Clock for tests. Callbacks run synchronously
// inside Advance, in deadline order, with Now() set to their deadline.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	pending []*fakeTask
}

// NewFake creates a fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// AfterFunc schedules fn at Now()+d.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTask{clock: f, at: f.now.Add(d), seq: f.seq, fn: fn}
	f.pending = append(f.pending, t)
	return t
}

// Advance moves time forward by d, running every callback that falls due.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		idx := -1
		for i, t := range f.pending {
			if t.at.After(target) {
				continue
			}
			if idx < 0 || t.at.Before(f.pending[idx].at) ||
				(t.at.Equal(f.pending[idx].at) && t.seq < f.pending[idx].seq) {
				idx = i
			}
		}
		if idx < 0 {
			f.now = target
			f.mu.Unlock()
			return
		}
		t := f.pending[idx]
		f.pending = append(f.pending[:idx], f.pending[idx+1:]...)
		t.done = true
		if t.at.After(f.now) {
			f.now = t.at
		}
		f.mu.Unlock()

		t.fn()
	}
}

// Pending returns the number of scheduled callbacks that have not run.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

type fakeTask struct {
	clock *Fake
	at    time.Time
	seq   uint64
	fn    func()
	done  bool
}

func (t *fakeTask) Cancel() bool {
	f := t.clock
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	for i, p := range f.pending {
		if p == t {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			break
		}
	}
	return true
}
