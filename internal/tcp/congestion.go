package tcp

// congestionControl implements NewReno congestion control per spec.md
// §4.H.6, adapted from internal/netstack/tcp.go's tcpCongestionControl.
// Unlike that struct, this one carries no mutex: spec.md §5 states there is
// no internal locking on PCB state because every PCB is owned by exactly
// one event-loop thread, so the teacher's per-call sync.Mutex (needed for
// its virtio-backend goroutines) is dropped rather than ported.
type congestionControl struct {
	cwnd     uint32
	ssthresh uint32
	mss      uint16
	dupAcks  int

	fastRtxDupAcks       int
	maxAdditionalDupAcks int
}

// initialCwndSegments is RFC 5681's default initial window in MSS units.
const initialCwndSegments = 10

func newCongestionControl(mss uint16, cfg Config) *congestionControl {
	return &congestionControl{
		cwnd:                 uint32(initialCwndSegments) * uint32(mss),
		ssthresh:             ^uint32(0),
		mss:                  mss,
		fastRtxDupAcks:       cfg.FastRtxDupAcks,
		maxAdditionalDupAcks: cfg.MaxAdditionalDupAcks,
	}
}

// setMSS updates the segment size a PMTU shrink or MSS renegotiation
// produces; cwnd and ssthresh are left alone (spec.md §7's PMTU-shrink rule:
// "flight size is not changed").
func (cc *congestionControl) setMSS(mss uint16) { cc.mss = mss }

// inSlowStart reports whether the connection is still in the exponential
// growth phase.
func (cc *congestionControl) inSlowStart() bool { return cc.cwnd < cc.ssthresh }

// onNewDataAck grows cwnd for a cumulative ACK that covers previously
// unacknowledged data, per spec.md §4.H.6's slow-start/congestion-avoidance
// split, and resets the duplicate-ACK counter.
func (cc *congestionControl) onNewDataAck(bytesAcked int) {
	cc.dupAcks = 0
	mss := uint32(cc.mss)

	if cc.inSlowStart() {
		cc.cwnd += uint32(bytesAcked)
		return
	}
	increment := (mss * mss) / cc.cwnd
	if increment < 1 {
		increment = 1
	}
	cc.cwnd += increment
}

// onDupAck records a duplicate ACK and reports whether this one crosses the
// fast-retransmit threshold (cc.fastRtxDupAcks, spec.md's FastRtxDupAcks,
// default 3). Additional dup ACKs beyond the threshold, up to
// MaxAdditionalDupAcks, inflate cwnd by one MSS each to keep the pipe full
// during fast recovery.
func (cc *congestionControl) onDupAck(flightSize uint32) (triggerFastRetransmit bool) {
	cc.dupAcks++

	if cc.dupAcks == cc.fastRtxDupAcks {
		cc.ssthresh = flightSize / 2
		if floor := 2 * uint32(cc.mss); cc.ssthresh < floor {
			cc.ssthresh = floor
		}
		cc.cwnd = cc.ssthresh + uint32(cc.fastRtxDupAcks)*uint32(cc.mss)
		return true
	}
	if cc.dupAcks > cc.fastRtxDupAcks && cc.dupAcks-cc.fastRtxDupAcks <= cc.maxAdditionalDupAcks {
		cc.cwnd += uint32(cc.mss)
	}
	return false
}

// onTimeout applies the RTO congestion-control action: halve ssthresh
// (floored at 2*MSS of the in-flight size at timeout), reset cwnd to one
// MSS, and clear dup-ACK accounting.
func (cc *congestionControl) onTimeout(flightSize uint32) {
	cc.ssthresh = flightSize / 2
	if floor := 2 * uint32(cc.mss); cc.ssthresh < floor {
		cc.ssthresh = floor
	}
	cc.cwnd = uint32(cc.mss)
	cc.dupAcks = 0
}

// resetToInitialWindow implements spec.md §4.H's idle-restart rule: when the
// retransmit timer expires in idle-timer mode (nothing was in flight when it
// was armed), cwnd returns to the connection's initial window rather than
// being treated as a loss signal.
func (cc *congestionControl) resetToInitialWindow() {
	cc.cwnd = uint32(initialCwndSegments) * uint32(cc.mss)
	cc.dupAcks = 0
}

// onNewAckAfterFastRetransmit deflates cwnd back to ssthresh once a
// cumulative ACK covering the retransmitted segment (ack >= recover) is
// received, ending fast recovery.
func (cc *congestionControl) onNewAckAfterFastRetransmit() {
	cc.cwnd = cc.ssthresh
	cc.dupAcks = 0
}

// usableWindow returns min(cwnd, peerWnd).
func (cc *congestionControl) usableWindow(peerWnd uint32) uint32 {
	if cc.cwnd < peerWnd {
		return cc.cwnd
	}
	return peerWnd
}
