// Package capture paces frame capture and send on a fixed interval.
package capture

import (
	"errors"
	"sync"
	"time"

	"github.com/teslashibe/go-facegrid/internal/log"
	"github.com/teslashibe/go-facegrid/pkg/timer"
)

// DefaultInterval is the time between captures.
const DefaultInterval = 10 * time.Second

// ErrSkip is returned by an action that had nothing to send this tick.
// Skips are counted but not reported as failures.
var ErrSkip = errors.New("capture: no frame")

// Config holds scheduler configuration
type Config struct {
	Interval time.Duration
}

// DefaultConfig returns the default capture cadence.
func DefaultConfig() Config {
	return Config{Interval: DefaultInterval}
}

// Stats counts scheduler outcomes.
type Stats struct {
	Ticks   uint64 `json:"ticks"`
	Sent    uint64 `json:"sent"`
	Skipped uint64 `json:"skipped"`
	Failed  uint64 `json:"failed"`
}

// Scheduler fires an action immediately on Start and then on every
// Interval boundary after it. Boundaries are anchored at Start, so a slow
// action does not push later ticks back.
type Scheduler struct {
	clock  timer.Clock
	cfg    Config
	action func() error

	// OnError receives failed actions. Set before Start.
	OnError func(err error)

	run sync.Mutex // one action at a time

	mu      sync.Mutex
	running bool
	gen     uint64
	task    timer.Task
	last    time.Time // boundary of the current interval
	next    time.Time
	rtt     time.Duration
	stats   Stats
}

// New creates a stopped scheduler.
func New(clock timer.Clock, cfg Config, action func() error) *Scheduler {
	if clock == nil || action == nil {
		panic("capture: clock and action are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Scheduler{clock: clock, cfg: cfg, action: action}
}

// Start fires the action now and schedules the following ticks.
// Calling Start on a running scheduler does nothing.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.gen++
	gen := s.gen
	now := s.clock.Now()
	s.last = now
	s.next = now.Add(s.cfg.Interval)
	s.task = s.clock.AfterFunc(s.cfg.Interval, func() { s.fire(gen) })
	s.mu.Unlock()

	log.Debug("capture scheduler started", "interval", s.cfg.Interval)
	s.execute(gen)
}

// Stop cancels pending ticks and waits for an action already in flight.
// When Stop returns no action runs until the next Start. Safe to call at
// any time, but not from inside the action.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.gen++
	if s.task != nil {
		s.task.Cancel()
		s.task = nil
	}
	s.mu.Unlock()

	s.run.Lock()
	s.run.Unlock()
	log.Debug("capture scheduler stopped")
}

// Restart stops and starts again, firing immediately.
func (s *Scheduler) Restart() {
	s.Stop()
	s.Start()
}

// CaptureNow runs the action once without changing the cadence. A stopped
// scheduler ignores it.
func (s *Scheduler) CaptureNow() {
	s.mu.Lock()
	running, gen := s.running, s.gen
	s.mu.Unlock()
	if running {
		s.execute(gen)
	}
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if !s.running || s.gen != gen {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	for !s.next.After(now) {
		s.last = s.next
		s.next = s.next.Add(s.cfg.Interval)
	}
	s.task = s.clock.AfterFunc(s.next.Sub(now), func() { s.fire(gen) })
	s.mu.Unlock()

	s.execute(gen)
}

// execute runs the action unless the scheduler was stopped or restarted
// since gen was taken.
func (s *Scheduler) execute(gen uint64) {
	s.run.Lock()
	if !s.current(gen) {
		s.run.Unlock()
		return
	}
	err := s.action()
	s.run.Unlock()

	s.mu.Lock()
	s.stats.Ticks++
	switch {
	case err == nil:
		s.stats.Sent++
	case errors.Is(err, ErrSkip):
		s.stats.Skipped++
	default:
		s.stats.Failed++
	}
	onErr := s.OnError
	s.mu.Unlock()

	if err == nil || errors.Is(err, ErrSkip) {
		return
	}
	log.Warn("capture failed", "error", err)
	if onErr != nil {
		onErr(err)
	}
}

func (s *Scheduler) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && s.gen == gen
}

// Running reports whether ticks are scheduled.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Interval returns the configured interval.
func (s *Scheduler) Interval() time.Duration {
	return s.cfg.Interval
}

// Progress returns the elapsed fraction of the current interval in [0,1].
// A stopped scheduler reports 0.
func (s *Scheduler) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return 0
	}
	p := float64(s.clock.Now().Sub(s.last)) / float64(s.cfg.Interval)
	return min(max(p, 0), 1)
}

// NextAt returns when the next tick is due, or the zero time when stopped.
func (s *Scheduler) NextAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return time.Time{}
	}
	return s.next
}

// RecordRoundTrip stores the last observed send-to-response duration.
// It is informational and does not affect the interval.
func (s *Scheduler) RecordRoundTrip(d time.Duration) {
	s.mu.Lock()
	s.rtt = d
	s.mu.Unlock()
}

// LastRoundTrip returns the value stored by RecordRoundTrip.
func (s *Scheduler) LastRoundTrip() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtt
}

// Stats returns a copy of the counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
