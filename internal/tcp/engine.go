// Package tcp implements the TCP protocol engine: state machine,
// segmentation/reassembly, RTT estimation, NewReno congestion control,
// retransmission, and the listener/connection callback surface. Grounded on
// internal/netstack/netstack.go's tcpConn/tcpListener for the overall shape
// of a Go TCP engine callback surface, generalized to the full state
// machine and retransmission machinery internal/netstack/tcp.go only
// scaffolded, and to the invariants/algorithms spec.md §3/§4.H/§8 name.
package tcp

import (
	"log/slog"
	"time"

	"github.com/tinyrange/aipstack/internal/buf"
	"github.com/tinyrange/aipstack/internal/eventloop"
	"github.com/tinyrange/aipstack/internal/mtu"
	"github.com/tinyrange/aipstack/internal/observer"
	"github.com/tinyrange/aipstack/internal/platform"
	"github.com/tinyrange/aipstack/internal/seqnum"
)

// IPSender is the external collaborator the TCP engine hands outgoing
// segments to, per spec.md §1: "the TCP core requires only an 'IP send'
// function taking a buffer chain and a destination address". dontFragment
// marks the datagram DF per spec.md §6's PMTU-discovery requirement.
//
// A transient failure should be returned as a *SendError so the engine can
// drive the differentiated retry policy spec.md §4.D/§7 describes; a plain
// error is treated the same as SendErrorOther.
type IPSender interface {
	SendIPv4(dst mtu.Addr, chain buf.Ref, dontFragment bool) error
}

// SendErrorKind classifies why IPSender.SendIPv4 failed, per spec.md §7's
// "transient send errors" list.
type SendErrorKind int

const (
	// SendErrorOther is any send failure that isn't one of the two kinds
	// below; spec.md §7 says "other hardware errors → arm 2 s timer".
	SendErrorOther SendErrorKind = iota
	// SendErrorBufferFull is the driver's send queue being full; spec.md
	// §7 says to subscribe to the driver's retry notification and arm a
	// 0.5 ms backup timer in case the notification is missed or never
	// comes.
	SendErrorBufferFull
	// SendErrorARPPending is address resolution still in progress;
	// spec.md §7 says to subscribe to the resolver's completion
	// notification rather than poll with a timer at all.
	SendErrorARPPending
)

// SendError is the tagged error IPSender implementations return to drive
// spec.md §4.D/§7's per-kind retry policy. Retry, when non-nil, is the
// observer.List the caller should subscribe to instead of (or in addition
// to) a timer; it is set for SendErrorBufferFull and SendErrorARPPending,
// left nil for SendErrorOther.
type SendError struct {
	Kind  SendErrorKind
	Err   error
	Retry *observer.List
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	switch e.Kind {
	case SendErrorBufferFull:
		return "tcp: driver send buffer full"
	case SendErrorARPPending:
		return "tcp: address resolution in progress"
	default:
		return "tcp: send failed"
	}
}

func (e *SendError) Unwrap() error { return e.Err }

// ReceiveInfo is what the engine consumes from an inbound IPv4 datagram,
// per spec.md §1/§6: "{src, dst, len, ttl, proto, payload}". IPv4 and
// Ethernet/ARP framing live entirely outside this package.
type ReceiveInfo struct {
	Src     mtu.Addr
	Dst     mtu.Addr
	TTL     uint8
	Proto   uint8
	Payload []byte
}

// Engine owns the PCB index, listener table, and PMTU cache for one TCP
// stack instance, and is driven entirely from the event-loop goroutine that
// owns its *eventloop.Loop (spec.md §5).
type Engine struct {
	cfg      Config
	loop     *eventloop.Loop
	platform *platform.Platform
	log      *slog.Logger
	sender   IPSender
	mtuCache *mtu.Cache

	active    *activeIndex
	listeners *listenerIndex

	ifaceMTU    int
	ephemeralNext uint16
}

const (
	ephemeralPortBase = 49152
	ephemeralPortEnd  = 65535
)

// NewEngine constructs a TCP engine instance. ifaceMTU is the local
// interface's MTU, the upper bound every PMTU cache entry is clamped to.
func NewEngine(loop *eventloop.Loop, plat *platform.Platform, sender IPSender, ifaceMTU int, cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:           cfg,
		loop:          loop,
		platform:      plat,
		log:           log,
		sender:        sender,
		mtuCache:      mtu.New(plat.Clock().Now),
		active:        newActiveIndex(),
		listeners:     newListenerIndex(),
		ifaceMTU:      ifaceMTU,
		ephemeralNext: ephemeralPortBase,
	}
}

func (e *Engine) now() platform.Time {
	if e.loop != nil {
		return e.loop.EventTime()
	}
	return e.platform.Now()
}

func (e *Engine) wallNow() time.Time {
	return e.platform.Clock().Now()
}

// allocatePort finds a local port not already used by any active PCB with
// the given remote+local address pair, per spec.md §4.H's "choose local
// port if unspecified (retry on collision)".
func (e *Engine) allocatePort(remoteAddr mtu.Addr, remotePort uint16, localAddr mtu.Addr) (uint16, error) {
	for i := 0; i < (ephemeralPortEnd - ephemeralPortBase); i++ {
		port := e.ephemeralNext
		e.ephemeralNext++
		if e.ephemeralNext > ephemeralPortEnd || e.ephemeralNext < ephemeralPortBase {
			e.ephemeralNext = ephemeralPortBase
		}
		t := FourTuple{RemotePort: remotePort, RemoteAddr: remoteAddr, LocalPort: port, LocalAddr: localAddr}
		if _, exists := e.active.Find(t); !exists {
			return port, nil
		}
	}
	return 0, ErrNoPortAvailable
}

// newPCB allocates a PCB with the given tuple and initializes its
// algorithm state. It does not insert the PCB into the active index; callers
// do that once the tuple is final.
func (e *Engine) newPCB(tuple FourTuple, iss seqnum.Value) (*PCB, error) {
	if e.cfg.MaxPcbs > 0 && e.active.Count() >= e.cfg.MaxPcbs {
		return nil, ErrNoPcbAvailable
	}

	pcb := &PCB{
		engine:      e,
		tuple:       tuple,
		state:       StateClosed,
		sndUna:      iss,
		sndNxt:      iss,
		sendQ:       newSendQueue(iss),
		recvQ:       newRecvQueue(e.cfg.MaxOOOSegments),
		rcvWndShift: e.cfg.RcvWndShift,
		recvBufFree: e.cfg.DefaultRcvWnd,
	}

	mtuRef, pmtu := e.mtuCache.Setup(tuple.RemoteAddr, e.ifaceMTU, func(newMTU int) {
		e.pmtuChanged(pcb, newMTU)
	})
	pcb.mtuRef = mtuRef
	pcb.sndMSS = effectiveMSS(uint16(pmtu), 0, e.cfg.MaxSegmentSizeCap)
	pcb.cc = newCongestionControl(pcb.sndMSS, e.cfg)
	pcb.rtt = newRTTEstimator(e.cfg)
	pcb.rcvAnnWnd = seqnum.Size(clampWindow(e.cfg.DefaultRcvWnd, e.cfg.RcvWndShift))

	pcb.abortOutputTimer = e.loop.NewTimer(func(platform.Time) { e.abortOutputTimeout(pcb) })
	pcb.retransmitTimer = e.loop.NewTimer(func(platform.Time) { e.retransmitTimeout(pcb) })
	pcb.sendRetryTimer = e.loop.NewTimer(func(platform.Time) { e.sendRetryTimeout(pcb) })

	return pcb, nil
}

// clampWindow bounds a requested window to what rcvWndShift can represent
// (the window field is 16 bits before scaling).
func clampWindow(w uint32, shift uint8) uint32 {
	maxWindow := uint32(0xffff) << shift
	if w > maxWindow {
		return maxWindow
	}
	return w
}

// effectiveMSS negotiates snd_mss per spec.md §4.H: min of peer MSS (if
// offered), PMTU-derived MSS, and the configured cap; floored at MinMSS.
func effectiveMSS(pmtu uint16, peerMSS uint16, cap uint16) uint16 {
	mss := pmtu - 40 // IPv4 (20) + TCP (20) header overhead
	if peerMSS != 0 && peerMSS < mss {
		mss = peerMSS
	}
	if cap != 0 && cap < mss {
		mss = cap
	}
	if mss < MinMSS {
		mss = MinMSS
	}
	return mss
}

// removePCB detaches pcb from the active index; per spec.md §3 a PCB is
// present in the index iff its state is not CLOSED.
func (e *Engine) removePCB(pcb *PCB) {
	e.active.Remove(pcb)
	pcb.state = StateClosed
	pcb.abortOutputTimer.Unset()
	pcb.retransmitTimer.Unset()
	pcb.sendRetryTimer.Unset()
	if pcb.sendRetryObserver != nil {
		pcb.sendRetryObserver.Close()
		pcb.sendRetryObserver = nil
	}
	pcb.pendingRetry = nil
	if pcb.mtuRef != nil {
		pcb.mtuRef.Reset()
		pcb.mtuRef = nil
	}
}

// pmtuChanged handles a PMTU cache update for pcb's remote address, per
// spec.md §7's PMTU-shrink rule: abort if the new PMTU can't support
// MinMSS-equivalent segmentation, otherwise lower snd_mss without touching
// flight size.
func (e *Engine) pmtuChanged(pcb *PCB, newMTU int) {
	if pcb.state == StateClosed {
		return
	}
	newMSS := effectiveMSS(uint16(newMTU), 0, e.cfg.MaxSegmentSizeCap)
	if newMSS < MinMSS {
		e.abortPCB(pcb, nil)
		return
	}
	if newMSS < pcb.sndMSS {
		pcb.sndMSS = newMSS
		pcb.cc.setMSS(newMSS)
	}
}

// abortPCB forcibly terminates a connection: sends RST (unless the peer
// already did), removes the PCB, and invokes the Aborted callback.
func (e *Engine) abortPCB(pcb *PCB, cause error) {
	if pcb.state != StateClosed && pcb.state != StateTimeWait {
		e.sendRST(pcb)
	}
	conn := pcb.conn
	e.removePCB(pcb)
	if conn != nil && conn.OnAborted != nil {
		conn.OnAborted(cause)
	}
}
