package tcp

import "github.com/tinyrange/aipstack/internal/mtu"

// Listener is a passive-open endpoint bound to (localPort, localAddr), per
// spec.md §3/§4.H. A zero localAddr matches any destination address
// (spec.md §4.F's wildcard listener). Accept is invoked once a handshake on
// this listener completes; there is no separate backlog-drain call, since
// this engine is callback-driven rather than syscall-accept-driven
// (spec.md's Non-goals exclude a blocking accept() surface).
type Listener struct {
	engine    *Engine
	localPort uint16
	localAddr mtu.Addr

	backlogLimit int
	pending      int // half-open (SYN_RCVD) PCBs charged against backlogLimit

	// Accept is invoked on the event-loop goroutine once a passively opened
	// connection reaches ESTABLISHED. The Connection is fully usable from
	// inside the callback.
	Accept func(*Connection)

	closed bool
}

// LocalPort and LocalAddr expose the bound address for diagnostics.
func (l *Listener) LocalPort() uint16    { return l.localPort }
func (l *Listener) LocalAddr() mtu.Addr  { return l.localAddr }
func (l *Listener) Backlog() int         { return l.pending }

// Close stops accepting new connections through this listener. SYN_RCVD
// PCBs already in progress are aborted with an RST, per spec.md §5:
// "destroying a listener before its accept callback fires guarantees the
// callback never fires".
func (l *Listener) Close() {
	if l.closed {
		return
	}
	l.closed = true
	l.engine.listeners.Remove(l)

	var toAbort []*PCB
	for b := range l.engine.active.buckets {
		for e := l.engine.active.buckets[b].Front(); e != nil; e = e.Next() {
			pcb := e.Value.(*PCB)
			if pcb.state == StateSynRcvd && pcb.listener == l {
				toAbort = append(toAbort, pcb)
			}
		}
	}
	for _, pcb := range toAbort {
		l.engine.abortPCB(pcb, nil)
	}
}

// Listen creates a passive-open endpoint. backlogLimit bounds the number of
// simultaneous half-open (SYN_RCVD) connections charged against this
// listener; 0 means unlimited.
func (e *Engine) Listen(localAddr mtu.Addr, localPort uint16, backlogLimit int, accept func(*Connection)) (*Listener, error) {
	if e.cfg.MaxListeners > 0 && e.listeners.Count() >= e.cfg.MaxListeners {
		return nil, ErrListenerLimit
	}
	l := &Listener{
		engine:       e,
		localPort:    localPort,
		localAddr:    localAddr,
		backlogLimit: backlogLimit,
		Accept:       accept,
	}
	if err := e.listeners.Insert(l); err != nil {
		return nil, err
	}
	return l, nil
}
