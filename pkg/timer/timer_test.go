package timer

import (
	"sync/atomic"
	"testing"
	"time"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeOrdering(t *testing.T) {
	clk := NewFake(epoch)
	var order []int

	clk.AfterFunc(30*time.Millisecond, func() { order = append(order, 3) })
	clk.AfterFunc(10*time.Millisecond, func() { order = append(order, 1) })
	clk.AfterFunc(10*time.Millisecond, func() { order = append(order, 2) })

	clk.Advance(20 * time.Millisecond)
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("after 20ms order = %v, want [1 2]", order)
	}

	clk.Advance(10 * time.Millisecond)
	if len(order) != 3 || order[2] != 3 {
		t.Fatalf("after 30ms order = %v, want [1 2 3]", order)
	}
	if got := clk.Now().Sub(epoch); got != 30*time.Millisecond {
		t.Errorf("Now() offset = %v, want 30ms", got)
	}
}

func TestFakeCancel(t *testing.T) {
	clk := NewFake(epoch)
	fired := false
	task := clk.AfterFunc(time.Second, func() { fired = true })

	if !task.Cancel() {
		t.Error("first Cancel() should report true")
	}
	if task.Cancel() {
		t.Error("second Cancel() should report false")
	}
	clk.Advance(2 * time.Second)
	if fired {
		t.Error("cancelled task fired")
	}
	if clk.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", clk.Pending())
	}
}

func TestFakeNestedScheduling(t *testing.T) {
	clk := NewFake(epoch)
	var at []time.Duration

	clk.AfterFunc(10*time.Millisecond, func() {
		at = append(at, clk.Now().Sub(epoch))
		clk.AfterFunc(5*time.Millisecond, func() {
			at = append(at, clk.Now().Sub(epoch))
		})
	})

	clk.Advance(100 * time.Millisecond)
	if len(at) != 2 || at[0] != 10*time.Millisecond || at[1] != 15*time.Millisecond {
		t.Errorf("fire times = %v, want [10ms 15ms]", at)
	}
}

func TestEvery(t *testing.T) {
	clk := NewFake(epoch)
	n := 0
	task := Every(clk, 33*time.Millisecond, func() { n++ })

	clk.Advance(100 * time.Millisecond)
	if n != 3 {
		t.Errorf("ticks after 100ms = %d, want 3", n)
	}

	task.Cancel()
	clk.Advance(time.Second)
	if n != 3 {
		t.Errorf("ticks after cancel = %d, want 3", n)
	}
}

func TestRealCancel(t *testing.T) {
	var fired atomic.Bool
	task := Real().AfterFunc(20*time.Millisecond, func() { fired.Store(true) })
	if !task.Cancel() {
		t.Error("Cancel() before firing should report true")
	}
	time.Sleep(50 * time.Millisecond)
	if fired.Load() {
		t.Error("cancelled real task fired")
	}
}

func TestRealFires(t *testing.T) {
	done := make(chan struct{})
	Real().AfterFunc(5*time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("real task did not fire")
	}
}
