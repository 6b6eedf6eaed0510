package eventloop

import "github.com/tinyrange/aipstack/internal/platform"

// timerState tracks a Timer's relationship to the loop's deadline heap, per
// spec.md §4.C. The five values are encoded as small integers rather than an
// intrusive tree node (Go idiom: a value-semantics container/heap in Loop
// owns residency, the Timer itself just carries its current state and heap
// index). Only Pending timers are in the heap.
type timerState uint8

const (
	// stateIdle: never armed, or fired and not rearmed. A timer is Idle while
	// its own callback runs.
	stateIdle timerState = iota
	// stateDispatch: popped from the heap this cycle, callback not yet run.
	// Not in the heap.
	stateDispatch
	// stateTempUnset: Unset() was called on a timer that is currently
	// stateDispatch, i.e. from the callback of another timer that ran
	// earlier in the same cycle. The dispatch step then drops the timer
	// without running its callback.
	stateTempUnset
	// stateTempSet: SetAt() was called on a timer that is currently
	// stateDispatch. The new deadline is recorded but heap insertion is
	// deferred to the dispatch step, which rearms the timer instead of
	// running its callback, so it cannot fire in the same cycle.
	stateTempSet
	// statePending: armed and sitting in the heap waiting for its deadline.
	statePending
)

// inHeap reports whether a timer in this state currently has a live entry in
// the loop's deadline heap.
func (s timerState) inHeap() bool {
	return s == statePending
}

// Timer is a one-shot, absolute-time timer per spec.md §4.B. At most one
// expiration is pending per arming; SetAt reschedules, Unset is idempotent.
// Timers are driven by exactly one Loop and must not be shared across loops.
type Timer struct {
	loop     *Loop
	deadline platform.Time
	state    timerState
	heapIdx  int // index into loop.heap, -1 when not present
	handler  func(now platform.Time)
}

// NewTimer creates a Timer bound to loop. handler is invoked from loop's
// dispatch goroutine exactly once per arming, never concurrently with
// anything else the loop does.
func (l *Loop) NewTimer(handler func(now platform.Time)) *Timer {
	return &Timer{loop: l, state: stateIdle, heapIdx: -1, handler: handler}
}

// SetAt arms (or rearms) the timer to fire when loop time first reaches t.
// Calling SetAt on an already-armed timer reschedules it. Calling it from
// inside the timer's own callback arms it directly (the timer is Idle
// then); it still does not fire in the same cycle even if already due,
// because the cycle's due timers are collected before any callback runs.
func (t *Timer) SetAt(at platform.Time) {
	t.deadline = at
	switch t.state {
	case stateDispatch:
		t.state = stateTempSet
	case stateTempUnset:
		t.state = stateTempSet
	default:
		t.loop.armTimer(t)
	}
}

// Unset cancels any pending expiration. Idempotent: unsetting an already-idle
// timer is a no-op. Destroying a Timer while armed is equivalent to calling
// Unset first — the loop never calls handler for a timer that was unset
// before its deadline was reached.
func (t *Timer) Unset() {
	switch t.state {
	case stateDispatch:
		t.state = stateTempUnset
	case stateTempSet:
		t.state = stateTempUnset
	case statePending:
		t.loop.disarmTimer(t)
		t.state = stateIdle
	}
}

// IsSet reports whether the timer currently has a pending expiration.
func (t *Timer) IsSet() bool {
	switch t.state {
	case statePending, stateTempSet:
		return true
	default:
		return false
	}
}

// GetSetTime returns the timer's deadline and whether it is currently set.
func (t *Timer) GetSetTime() (platform.Time, bool) {
	return t.deadline, t.IsSet()
}
