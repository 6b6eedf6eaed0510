package eventloop

import (
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tinyrange/aipstack/internal/platform"
)

func newTestLoop(tb testing.TB) (*Loop, *platform.Platform) {
	tb.Helper()

	clock := clockwork.NewRealClock()
	p := platform.New(clock)
	l, err := New(p, slog.Default())
	if err != nil {
		tb.Fatalf("new loop: %v", err)
	}
	tb.Cleanup(l.Stop)
	return l, p
}

func TestTimersFireInDeadlineOrder(t *testing.T) {
	l, p := newTestLoop(t)

	var order []int
	done := make(chan struct{})

	now := p.Now()
	third := l.NewTimer(func(platform.Time) {
		order = append(order, 3)
		l.Stop()
		close(done)
	})
	first := l.NewTimer(func(platform.Time) { order = append(order, 1) })
	second := l.NewTimer(func(platform.Time) { order = append(order, 2) })

	third.SetAt(now.Add(30 * time.Millisecond))
	first.SetAt(now.Add(10 * time.Millisecond))
	second.SetAt(now.Add(20 * time.Millisecond))

	go func() {
		if err := l.Run(); err != nil {
			t.Errorf("run: %v", err)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timers never fired")
	}

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("fired out of deadline order: %v", order)
	}
}

func TestFIFOTiebreakOnEqualDeadline(t *testing.T) {
	l, p := newTestLoop(t)

	var order []int
	done := make(chan struct{})

	at := p.Now().Add(10 * time.Millisecond)
	a := l.NewTimer(func(platform.Time) { order = append(order, 1) })
	b := l.NewTimer(func(platform.Time) { order = append(order, 2) })
	c := l.NewTimer(func(platform.Time) {
		order = append(order, 3)
		l.Stop()
		close(done)
	})

	// Armed in this order; equal deadlines must preserve arming order.
	a.SetAt(at)
	b.SetAt(at)
	c.SetAt(at)

	go func() {
		if err := l.Run(); err != nil {
			t.Errorf("run: %v", err)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timers never fired")
	}

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("FIFO tiebreak violated: %v", order)
	}
}

func TestRearmFromCallbackDoesNotFireSameCycle(t *testing.T) {
	l, p := newTestLoop(t)

	fires := 0
	done := make(chan struct{})

	var self *Timer
	self = l.NewTimer(func(now platform.Time) {
		fires++
		if fires == 1 {
			// Rearm to a deadline already in the past. Per spec.md §4.C this
			// must not be dispatched again until the next cycle.
			self.SetAt(now.Add(-time.Second))
		} else {
			close(done)
		}
	})
	self.SetAt(p.Now().Add(5 * time.Millisecond))

	go func() {
		if err := l.Run(); err != nil {
			t.Errorf("run: %v", err)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never re-fired")
	}
	l.Stop()

	if fires != 2 {
		t.Fatalf("expected exactly 2 fires, got %d", fires)
	}
}

func TestUnsetBeforeDeadlinePreventsCallback(t *testing.T) {
	l, p := newTestLoop(t)

	fired := false
	guard := l.NewTimer(func(platform.Time) { fired = true })
	guard.SetAt(p.Now().Add(10 * time.Millisecond))
	guard.Unset()

	stopper := l.NewTimer(func(platform.Time) { l.Stop() })
	stopper.SetAt(p.Now().Add(30 * time.Millisecond))

	done := make(chan struct{})
	go func() {
		_ = l.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop never stopped")
	}

	if fired {
		t.Fatal("unset timer fired")
	}
}

func TestIsSetAndGetSetTime(t *testing.T) {
	l, p := newTestLoop(t)

	timer := l.NewTimer(func(platform.Time) {})
	if timer.IsSet() {
		t.Fatal("fresh timer should not be set")
	}

	at := p.Now().Add(time.Second)
	timer.SetAt(at)
	if !timer.IsSet() {
		t.Fatal("timer should be set after SetAt")
	}
	got, ok := timer.GetSetTime()
	if !ok || got != at {
		t.Fatalf("GetSetTime() = (%v, %v), want (%v, true)", got, ok, at)
	}

	timer.Unset()
	if timer.IsSet() {
		t.Fatal("timer should not be set after Unset")
	}
}

func TestAsyncSignalRunsOnLoopGoroutine(t *testing.T) {
	l, _ := newTestLoop(t)

	sig := l.NewAsyncSignal()
	done := make(chan struct{})
	var ran bool

	go func() {
		if err := l.Run(); err != nil {
			t.Errorf("run: %v", err)
		}
	}()

	sig.Send(func() {
		ran = true
		l.Stop()
		close(done)
	})
	// Stop doesn't take effect until the loop notices it in its own
	// dispatch cycle, so wake a second time in case the first Send raced
	// loop startup.
	sig.Send(func() {})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async callback never ran")
	}

	if !ran {
		t.Fatal("async callback did not run")
	}
}
