// Package eventloop implements the single-threaded cooperative dispatcher
// that drives timers, FD readiness, and cross-thread wakeups for the TCP
// engine, per spec.md §4.C/§5. It is modeled on aipstack's EventLoop +
// platform_specific/EventProviderLinux, reimplemented as a Go value-semantics
// container/heap over a pluggable poller instead of an intrusive AVL tree
// plus raw epoll/timerfd calls (see poller_linux.go / poller_other.go).
package eventloop

import (
	"container/heap"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/aipstack/internal/platform"
)

// timerHeap orders *Timer by deadline, breaking ties FIFO via seq, per
// spec.md §4.C ("timers run in deadline order with ties broken FIFO").
type timerHeap struct {
	items []*Timer
	seqs  []uint64
}

func (h *timerHeap) Len() int { return len(h.items) }
func (h *timerHeap) Less(i, j int) bool {
	if h.items[i].deadline != h.items[j].deadline {
		return h.items[i].deadline.Before(h.items[j].deadline)
	}
	return h.seqs[i] < h.seqs[j]
}
func (h *timerHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.seqs[i], h.seqs[j] = h.seqs[j], h.seqs[i]
	h.items[i].heapIdx, h.items[j].heapIdx = i, j
}
func (h *timerHeap) Push(x any) {
	e := x.(timerHeapEntry)
	e.t.heapIdx = len(h.items)
	h.items = append(h.items, e.t)
	h.seqs = append(h.seqs, e.seq)
}
func (h *timerHeap) Pop() any {
	n := len(h.items)
	t := h.items[n-1]
	h.items = h.items[:n-1]
	h.seqs = h.seqs[:n-1]
	t.heapIdx = -1
	return t
}

type timerHeapEntry struct {
	t   *Timer
	seq uint64
}

// FDEvents is a bitmask of readiness conditions a watcher subscribes to.
type FDEvents uint8

const (
	EventReadable FDEvents = 1 << iota
	EventWritable
)

// FDWatcher observes readiness on a single file descriptor. Destroying it
// (Close) before its callback fires guarantees no further callback.
type FDWatcher struct {
	loop     *Loop
	fd       int
	events   FDEvents
	callback func(revents FDEvents)
	closed   bool
}

// Close cancels the watcher. Safe to call more than once.
func (w *FDWatcher) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.loop.poller.removeFD(w.fd)
}

// Loop is the single-threaded, cooperative event loop described in
// spec.md §4.C/§5. All of Run, timers, watchers, and AsyncSignal registration
// must be used from (or scheduled onto) the same goroutine that calls Run,
// except AsyncSignal.Send, which is the one cross-thread-safe entry point.
type Loop struct {
	platform *platform.Platform
	poller   poller
	log      *slog.Logger

	heap    timerHeap
	nextSeq uint64

	watchers map[int]*FDWatcher

	asyncMu    sync.Mutex
	asyncQueue []func()

	eventTime platform.Time
	stopping  bool
}

// New constructs a Loop bound to a platform clock. log may be nil, in which
// case slog.Default() is used for the rare fatal-poller-error path.
func New(p *platform.Platform, log *slog.Logger) (*Loop, error) {
	if log == nil {
		log = slog.Default()
	}
	pl, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("eventloop: create poller: %w", err)
	}
	return &Loop{
		platform: p,
		poller:   pl,
		log:      log,
		watchers: make(map[int]*FDWatcher),
		heap:     timerHeap{},
	}, nil
}

// EventTime returns the loop's notion of "now", captured once at the start
// of the current dispatch cycle. Code running inside a callback should use
// this instead of calling the platform clock again, so that all work done in
// one cycle agrees on what time it is.
func (l *Loop) EventTime() platform.Time { return l.eventTime }

// Stop requests the loop to exit after finishing the current dispatch cycle.
func (l *Loop) Stop() { l.stopping = true }

func (l *Loop) armTimer(t *Timer) {
	if t.heapIdx >= 0 {
		heap.Fix(&l.heap, t.heapIdx)
		t.state = statePending
		return
	}
	l.nextSeq++
	heap.Push(&l.heap, timerHeapEntry{t: t, seq: l.nextSeq})
	t.state = statePending
}

func (l *Loop) disarmTimer(t *Timer) {
	if t.heapIdx >= 0 {
		heap.Remove(&l.heap, t.heapIdx)
	}
}

// AddFD registers a watcher for readiness on fd. Only one watcher per fd is
// supported at a time, matching epoll's per-fd interest list.
func (l *Loop) AddFD(fd int, events FDEvents, callback func(revents FDEvents)) (*FDWatcher, error) {
	if _, exists := l.watchers[fd]; exists {
		return nil, fmt.Errorf("eventloop: fd %d already registered", fd)
	}
	w := &FDWatcher{loop: l, fd: fd, events: events, callback: callback}
	if err := l.poller.addFD(fd, events); err != nil {
		return nil, err
	}
	l.watchers[fd] = w
	return w, nil
}

// AsyncSignal is the loop's sole cross-thread entry point: Send enqueues a
// callback protected by one mutex and wakes the loop's wait via the
// platform's wake primitive (eventfd on Linux). The callback itself always
// runs on the loop's own goroutine, after FD and timer dispatch for that
// cycle, per spec.md §5.
type AsyncSignal struct {
	loop *Loop
}

// NewAsyncSignal returns a handle usable from any goroutine to schedule work
// onto loop.
func (l *Loop) NewAsyncSignal() *AsyncSignal { return &AsyncSignal{loop: l} }

// Send enqueues fn to run on the loop's goroutine during the async-signal
// phase of the next dispatch cycle, and wakes the loop if it is blocked
// waiting for readiness/timers.
func (s *AsyncSignal) Send(fn func()) {
	s.loop.asyncMu.Lock()
	s.loop.asyncQueue = append(s.loop.asyncQueue, fn)
	s.loop.asyncMu.Unlock()
	s.loop.poller.wake()
}

func (l *Loop) drainAsync() {
	l.asyncMu.Lock()
	queue := l.asyncQueue
	l.asyncQueue = nil
	l.asyncMu.Unlock()
	for _, fn := range queue {
		fn()
	}
}

// nextDeadline returns the earliest pending timer deadline and whether one
// exists at all.
func (l *Loop) nextDeadline() (platform.Time, bool) {
	if len(l.heap.items) == 0 {
		return 0, false
	}
	return l.heap.items[0].deadline, true
}

// Run executes dispatch cycles until Stop is called. Each cycle: (1) compute
// the earliest pending timer time, (2) block on platform readiness until
// that time or a wakeup, (3) update event_time, (4) move due timers to
// Dispatch, (5) dispatch FD events, (6) dispatch due timers in deadline
// order, (7) drain the async-signal queue, (8) exit if Stop was called.
func (l *Loop) Run() error {
	for !l.stopping {
		var timeout time.Duration = -1 // block indefinitely
		if deadline, ok := l.nextDeadline(); ok {
			now := l.platform.Now()
			if deadline.Before(now) || deadline == now {
				timeout = 0
			} else {
				timeout = deadline.Sub(now)
			}
		}

		ready, err := l.poller.wait(timeout)
		if err != nil {
			l.log.Error("eventloop: fatal poller error", "err", err)
			return fmt.Errorf("eventloop: poller wait: %w", err)
		}

		l.eventTime = l.platform.Now()

		due := l.popDueTimers()

		for _, rfd := range ready {
			if w, ok := l.watchers[rfd.fd]; ok && !w.closed {
				w.callback(rfd.events)
			}
		}

		for _, t := range due {
			l.dispatchTimer(t)
		}

		l.drainAsync()

		if l.stopping {
			return nil
		}
	}
	return nil
}

// popDueTimers removes every timer whose deadline <= eventTime from the heap
// and marks it Dispatch, returning them in deadline/FIFO order (the heap pops
// in that order already).
func (l *Loop) popDueTimers() []*Timer {
	var due []*Timer
	for len(l.heap.items) > 0 {
		top := l.heap.items[0]
		if top.deadline.Before(l.eventTime) || top.deadline == l.eventTime {
			heap.Pop(&l.heap)
			top.state = stateDispatch
			due = append(due, top)
			continue
		}
		break
	}
	return due
}

// dispatchTimer invokes a due timer's handler, clearing its state to Idle
// beforehand (per spec.md step 6). A due timer that an earlier callback of
// this cycle unset (stateTempUnset) is dropped without running its handler,
// and one that an earlier callback rearmed (stateTempSet) goes back into the
// heap for its new deadline instead of running now.
func (l *Loop) dispatchTimer(t *Timer) {
	switch t.state {
	case stateTempUnset:
		t.state = stateIdle
		return
	case stateTempSet:
		l.armTimer(t)
		return
	}

	t.state = stateIdle
	t.handler(l.eventTime)
}
