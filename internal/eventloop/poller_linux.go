//go:build linux

package eventloop

import (
	"encoding/binary"
	"fmt"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller backs Loop on Linux with real epoll readiness and an eventfd
// for cross-thread wakeups, following the unix.EpollCreate1/EpollCtl/EpollWait
// shape malbeclabs-doublezero's twamp light reflector uses for its own
// single-fd UDP listener; here the fd set is dynamic (one entry per
// FDWatcher) rather than fixed at one.
type epollPoller struct {
	epfd     int
	wakeFD   int
	fdEvents map[int]FDEvents
}

func newPoller() (poller, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	p := &epollPoller{epfd: epfd, wakeFD: wakeFD, fdEvents: make(map[int]FDEvents)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFD),
	}); err != nil {
		unix.Close(epfd)
		unix.Close(wakeFD)
		return nil, fmt.Errorf("epoll_ctl add wakeFD: %w", err)
	}
	return p, nil
}

func toEpollMask(ev FDEvents) uint32 {
	var m uint32
	if ev&EventReadable != 0 {
		m |= unix.EPOLLIN
	}
	if ev&EventWritable != 0 {
		m |= unix.EPOLLOUT
	}
	return m
}

func fromEpollMask(m uint32) FDEvents {
	var ev FDEvents
	if m&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		ev |= EventReadable
	}
	if m&unix.EPOLLOUT != 0 {
		ev |= EventWritable
	}
	return ev
}

func (p *epollPoller) addFD(fd int, events FDEvents) error {
	p.fdEvents[fd] = events
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: toEpollMask(events),
		Fd:     int32(fd),
	})
}

func (p *epollPoller) removeFD(fd int) error {
	if _, ok := p.fdEvents[fd]; !ok {
		return nil
	}
	delete(p.fdEvents, fd)
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (p *epollPoller) wait(timeout time.Duration) ([]readyFD, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}

	events := make([]unix.EpollEvent, 1+len(p.fdEvents))
	n, err := unix.EpollWait(p.epfd, events, ms)
	if err != nil {
		if err == syscall.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("epoll_wait: %w", err)
	}

	ready := make([]readyFD, 0, n)
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if fd == p.wakeFD {
			p.drainWake()
			continue
		}
		ready = append(ready, readyFD{fd: fd, events: fromEpollMask(events[i].Events)})
	}
	return ready, nil
}

func (p *epollPoller) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(p.wakeFD, buf[:])
		if err != nil {
			return
		}
	}
}

func (p *epollPoller) wake() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(p.wakeFD, buf[:])
}
