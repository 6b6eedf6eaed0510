// Package platform is the hosted-platform facade: a monotonic clock exposed
// as an unsigned tick counter, per aipstack's HostedPlatformImpl. The actual
// Timer type (which needs heap fix-up machinery) lives in internal/eventloop,
// which is the loop that drives it; this package only owns "what time is it".
//
// The clock is abstracted behind clockwork.Clock (github.com/jonboulle/clockwork)
// rather than calling time.Now() directly, so tests can advance a fake clock
// deterministically instead of sleeping real wall-clock time to exercise
// RTO/TIME_WAIT/SYN timeouts — the same pattern malbeclabs-doublezero's
// telemetry daemons use for testing their own timer-driven code.
package platform

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// TickHz is the frequency of the monotonic tick counter. 1000 Hz (1ms ticks)
// satisfies spec.md §4.B's "frequency >= 1 kHz" requirement while staying an
// exact, overflow-free division of time.Duration nanoseconds.
const TickHz = 1000

// Time is an absolute point on the monotonic tick counter: an unsigned tick
// count at TickHz resolution, per spec.md §4.B. Differences between two Time
// values computed via simple subtraction are valid for at least 2^31 ticks
// (~24 days) before wraparound, comfortably covering every timeout in §6.
type Time uint64

// Before reports whether t happened before u.
func (t Time) Before(u Time) bool { return t < u }

// Add returns t advanced by d.
func (t Time) Add(d time.Duration) Time {
	return t + Time(d/(time.Second/TickHz))
}

// Sub returns the duration between t and u (t - u), which may be negative.
func (t Time) Sub(u Time) time.Duration {
	return time.Duration(int64(t)-int64(u)) * (time.Second / TickHz)
}

// Platform wraps a clockwork.Clock and exposes it as the monotonic Time
// counter the event loop and TCP engine schedule against.
type Platform struct {
	clock clockwork.Clock
	epoch time.Time
}

// New constructs a Platform over clock, establishing ("now" at construction
// time) as tick 0. Using clockwork.NewRealClock() in production and
// clockwork.NewFakeClock() in tests gives identical call-sites either way.
func New(clock clockwork.Clock) *Platform {
	return &Platform{clock: clock, epoch: clock.Now()}
}

// Now returns the current monotonic time as an absolute tick count.
func (p *Platform) Now() Time {
	return Time(p.clock.Now().Sub(p.epoch) / (time.Second / TickHz))
}

// Clock returns the underlying clockwork.Clock, so callers (notably tests)
// can advance a fake clock and have Now() reflect it immediately.
func (p *Platform) Clock() clockwork.Clock { return p.clock }
