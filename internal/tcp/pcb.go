package tcp

import (
	"fmt"

	"github.com/tinyrange/aipstack/internal/eventloop"
	"github.com/tinyrange/aipstack/internal/mtu"
	"github.com/tinyrange/aipstack/internal/observer"
	"github.com/tinyrange/aipstack/internal/seqnum"
)

// FourTuple identifies one active connection. Field order matches spec.md
// §4.F's chosen comparison order — remote port and address first, since
// those are the fields that differ between connections sharing one local
// port on a server, giving the earliest possible mismatch on compare.
type FourTuple struct {
	RemotePort uint16
	RemoteAddr mtu.Addr
	LocalPort  uint16
	LocalAddr  mtu.Addr
}

// pcbFlags is the PCB flag bitfield from spec.md §3, modeled as named bool
// fields rather than a packed bitmask: Go gives single-field access for
// free, and the struct is never marshaled over the wire, so there's no
// packing benefit the source's bitfield had to earn.
type pcbFlags struct {
	AckPending                  bool
	OutputPending                bool
	FinSent                      bool
	FinPending                   bool
	RTTMeasureInProgress         bool
	RTTValid                     bool
	CwndIncreasedThisRTT         bool
	RetransmissionActive         bool
	RecoverValid                 bool
	IdleTimerArmed               bool
	WindowScalingNegotiated      bool
	CwndIsInitial                bool
	OutputRetryPending           bool
	AdvertisedWindowNeedsUpdate  bool
}

// PCB is the Protocol Control Block for one TCP connection, per spec.md §3.
// Owned exclusively by the event-loop goroutine that runs the Engine it
// belongs to; there is no locking (spec.md §5).
type PCB struct {
	engine *Engine
	tuple  FourTuple
	state  State
	flags  pcbFlags

	// Send side.
	sndUna   seqnum.Value
	sndNxt   seqnum.Value
	sndWnd   seqnum.Size
	sndMSS   uint16
	cc       *congestionControl
	rtt      *rttEstimator
	recover  seqnum.Value
	sendQ    *sendQueue

	// Receive side.
	rcvNxt      seqnum.Value
	rcvAnnWnd   seqnum.Size
	rcvWndShift uint8
	recvBufFree uint32 // free bytes remaining in the user's receive buffer
	recvQ       *recvQueue

	// Timers: the multipurpose abort/output timer (SYN timeouts, TIME_WAIT,
	// abandoned countdown, output retry), the retransmit timer, and the
	// IP-send retry timer (spec.md §4.D/§7's transient-send-error backup).
	abortOutputTimer *eventloop.Timer
	retransmitTimer  *eventloop.Timer
	sendRetryTimer   *eventloop.Timer

	// sendRetryObserver is non-nil while pcb is subscribed to an IPSender
	// retry/ARP-completion notification list, per spec.md §4.D. Closed on
	// every resend attempt and on PCB teardown so a stale subscription never
	// outlives the PCB.
	sendRetryObserver *observer.Observer
	// pendingRetry holds the exact bytes of the last segment IPSender
	// failed to send, so the retry path resends it unchanged rather than
	// re-deriving it from send/receive state.
	pendingRetry []byte

	mtuRef *mtu.MtuRef

	// listener is set only while state == StateSynRcvd for a passively
	// opened PCB, so Listener.Close can find and abort its half-open
	// children without a separate backlog list.
	listener *Listener

	// conn is nil once the user has abandoned the connection handle but the
	// PCB lingers to flush data/FIN, per spec.md §4.H's "abandoned PCBs".
	conn *Connection

	listElem bucketElement // index bookkeeping
}

// bucketElement is the opaque slot a PCB occupies in the active index's
// hash bucket; only index.go reads/writes it.
type bucketElement struct {
	present bool
	bucket  int
}

// sendQueueTotalLen returns send_queue.tot_len from spec.md §3's PCB
// invariant.
func (p *PCB) sendQueueTotalLen() int { return p.sendQ.totalLen() }

// checkInvariants validates the numbered invariant from spec.md §8.1:
// snd_una <=_{snd_una} snd_nxt <=_{snd_una} snd_una + send_queue.tot_len.
// Neither the engine nor the package's tests call it.
func (p *PCB) checkInvariants() error {
	if p.state == StateClosed {
		return nil
	}
	ref := p.sndUna
	upper := p.sndUna.Add(seqnum.Size(p.sendQueueTotalLen()))
	if !seqnum.Leq(ref, p.sndUna, p.sndNxt) {
		return fmt.Errorf("snd_una %v not <= snd_nxt %v", p.sndUna, p.sndNxt)
	}
	if !seqnum.Leq(ref, p.sndNxt, upper) {
		return fmt.Errorf("snd_nxt %v not <= snd_una+tot_len %v", p.sndNxt, upper)
	}
	if p.sndMSS < MinMSS && !p.state.SynInFlight() {
		return fmt.Errorf("snd_mss %d below MinMSS %d", p.sndMSS, MinMSS)
	}
	return nil
}

// flightSize returns the number of bytes currently sent but unacknowledged.
func (p *PCB) flightSize() uint32 { return uint32(p.sendQ.inFlight()) }

// hasUnackedSendWork reports whether anything sent (data or a FIN) is still
// unacknowledged. A sent FIN advances snd_nxt by one past the data it
// carried but is never represented in sendQ (sendQueue only tracks data
// bytes), so snd_una != snd_nxt is the one condition that covers both "data
// in flight" and "FIN sent but not yet acked" per spec.md §4.H's
// retransmission-timer rule.
func (p *PCB) hasUnackedSendWork() bool { return p.sndUna != p.sndNxt }

// usableWindow computes spec.md §4.H's send_processing usable window:
// min(snd_wnd, cwnd) - (snd_nxt - snd_una).
func (p *PCB) usableWindow() int {
	win := p.cc.usableWindow(uint32(p.sndWnd))
	inFlight := uint32(p.sndNxt.Sub(p.sndUna))
	if inFlight >= win {
		return 0
	}
	return int(win - inFlight)
}
