package eventloop

import "time"

// readyFD reports a single fd's observed readiness from one wait() call.
type readyFD struct {
	fd     int
	events FDEvents
}

// poller is the platform-specific readiness backend a Loop drives. Exactly
// one implementation is compiled in per GOOS: poller_linux.go uses epoll and
// an eventfd for wake(); poller_other.go falls back to select(2) with an
// os.Pipe self-pipe so the package still builds (if not scales) on
// non-Linux hosts, matching how the teacher's conformance harness keeps a
// portable path alongside its Linux-specific virtio/KVM code.
type poller interface {
	// addFD registers interest in events on fd. Must not be called twice for
	// the same fd without an intervening removeFD.
	addFD(fd int, events FDEvents) error
	// removeFD cancels interest in fd. Safe to call on an fd not currently
	// registered (removeFD is used from FDWatcher.Close, which must tolerate
	// double-close).
	removeFD(fd int) error
	// wait blocks until a registered fd is ready, wake() is called, or
	// timeout elapses (timeout < 0 means block indefinitely, timeout == 0
	// means poll and return immediately).
	wait(timeout time.Duration) ([]readyFD, error)
	// wake interrupts a concurrent or future wait() call once. Safe to call
	// from any goroutine, including ones other than the loop's own.
	wake()
}
