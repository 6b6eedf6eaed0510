//go:build !linux

package eventloop

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// selectPoller backs Loop on non-Linux unix platforms using select(2) and a
// self-pipe for wake(), the portable fallback every epoll-based design needs
// when it has to run on darwin/bsd too (x/sys/unix exposes Select on both
// families, unlike the Linux-only epoll_* calls poller_linux.go uses).
type selectPoller struct {
	wakeR, wakeW *os.File
	fdEvents     map[int]FDEvents
}

func newPoller() (poller, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("self-pipe: %w", err)
	}
	return &selectPoller{wakeR: r, wakeW: w, fdEvents: make(map[int]FDEvents)}, nil
}

func (p *selectPoller) addFD(fd int, events FDEvents) error {
	p.fdEvents[fd] = events
	return nil
}

func (p *selectPoller) removeFD(fd int) error {
	delete(p.fdEvents, fd)
	return nil
}

func (p *selectPoller) wait(timeout time.Duration) ([]readyFD, error) {
	var rset, wset unix.FdSet
	wakeFD := int(p.wakeR.Fd())
	maxFD := wakeFD
	fdSet(&rset, wakeFD)
	for fd, events := range p.fdEvents {
		if events&EventReadable != 0 {
			fdSet(&rset, fd)
		}
		if events&EventWritable != 0 {
			fdSet(&wset, fd)
		}
		if fd > maxFD {
			maxFD = fd
		}
	}

	var tv *unix.Timeval
	if timeout >= 0 {
		t := unix.NsecToTimeval(timeout.Nanoseconds())
		tv = &t
	}

	n, err := unix.Select(maxFD+1, &rset, &wset, nil, tv)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("select: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	if fdIsSet(&rset, wakeFD) {
		p.drainWake()
	}

	ready := make([]readyFD, 0, len(p.fdEvents))
	for fd, events := range p.fdEvents {
		var got FDEvents
		if events&EventReadable != 0 && fdIsSet(&rset, fd) {
			got |= EventReadable
		}
		if events&EventWritable != 0 && fdIsSet(&wset, fd) {
			got |= EventWritable
		}
		if got != 0 {
			ready = append(ready, readyFD{fd: fd, events: got})
		}
	}
	return ready, nil
}

func (p *selectPoller) drainWake() {
	var buf [64]byte
	for {
		n, err := p.wakeR.Read(buf[:])
		if err != nil || n < len(buf) {
			return
		}
	}
}

func (p *selectPoller) wake() {
	_, _ = p.wakeW.Write([]byte{1})
}

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}
