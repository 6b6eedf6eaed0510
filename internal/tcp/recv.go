package tcp

import (
	"hash/fnv"

	"github.com/tinyrange/aipstack/internal/seqnum"
	"github.com/tinyrange/aipstack/internal/tcpopts"
)

// HandleSegment is the engine's single entry point for an inbound IPv4
// datagram carrying TCP (proto 6), per spec.md §1/§6's external-collaborator
// contract. Everything upstream of this call — Ethernet, ARP, IPv4, ICMP —
// is out of scope.
func (e *Engine) HandleSegment(info ReceiveInfo) error {
	if !verifyChecksum(info.Payload, info.Src, info.Dst) {
		return nil // silently dropped per spec.md §7
	}
	seg, err := parseSegment(info.Payload)
	if err != nil {
		return nil
	}

	tuple := FourTuple{RemotePort: seg.SrcPort, RemoteAddr: info.Src, LocalPort: seg.DstPort, LocalAddr: info.Dst}
	if pcb, ok := e.active.Find(tuple); ok {
		e.handlePCBSegment(pcb, seg)
		return nil
	}

	if seg.Flags&FlagSYN != 0 && seg.Flags&FlagACK == 0 {
		if l, ok := e.listeners.Find(seg.DstPort, info.Dst); ok {
			e.handlePassiveSyn(l, info, seg)
			return nil
		}
	}

	e.sendBareRST(info, seg)
	return nil
}

func (e *Engine) handlePCBSegment(pcb *PCB, seg segment) {
	switch pcb.state {
	case StateSynSent:
		e.handleSynSent(pcb, seg)
	case StateSynRcvd:
		e.handleSynRcvd(pcb, seg)
	default:
		e.handleEstablishedLike(pcb, seg)
	}
}

// nextISS derives an initial sequence number from the four-tuple and the
// current time, in the spirit of RFC 793's "increment a clock" ISS generator
// without needing a real entropy source for this engine.
func nextISS(t FourTuple, now uint64) seqnum.Value {
	h := fnv.New32a()
	h.Write([]byte{byte(t.RemotePort), byte(t.RemotePort >> 8)})
	h.Write(t.RemoteAddr[:])
	h.Write([]byte{byte(t.LocalPort), byte(t.LocalPort >> 8)})
	h.Write(t.LocalAddr[:])
	var tb [8]byte
	for i := range tb {
		tb[i] = byte(now >> (8 * i))
	}
	h.Write(tb[:])
	return seqnum.Value(h.Sum32())
}

// handlePassiveSyn creates a new SYN_RCVD PCB against listener l, per
// spec.md §4.H's passive-open path.
func (e *Engine) handlePassiveSyn(l *Listener, info ReceiveInfo, seg segment) {
	if l.backlogLimit > 0 && l.pending >= l.backlogLimit {
		return // silently drop; peer's SYN retransmit will retry later
	}

	tuple := FourTuple{RemotePort: seg.SrcPort, RemoteAddr: info.Src, LocalPort: seg.DstPort, LocalAddr: info.Dst}
	iss := nextISS(tuple, uint64(e.now()))
	pcb, err := e.newPCB(tuple, iss)
	if err != nil {
		return
	}

	opts := tcpopts.Parse(seg.Options)
	pmtu := pcb.mtuRef.Current()
	pcb.sndMSS = effectiveMSS(uint16(pmtu), opts.MSS, e.cfg.MaxSegmentSizeCap)
	pcb.cc.setMSS(pcb.sndMSS)
	pcb.flags.WindowScalingNegotiated = opts.HasWndScale

	pcb.rcvNxt = seg.Seq.Add(1)
	pcb.sndNxt = iss.Add(1)
	pcb.state = StateSynRcvd
	pcb.listener = l

	if err := e.active.Insert(pcb); err != nil {
		return
	}
	l.pending++

	e.sendSyn(pcb, true)
	pcb.abortOutputTimer.SetAt(e.now().Add(e.cfg.SynRcvdTimeout))
}

// handleSynSent processes segments for a PCB awaiting a SYN-ACK after an
// active open, per spec.md §4.H.
func (e *Engine) handleSynSent(pcb *PCB, seg segment) {
	ackOK := true
	if seg.Flags&FlagACK != 0 {
		ackOK = seg.Ack == pcb.sndNxt
		if !ackOK {
			if seg.Flags&FlagRST == 0 {
				e.sendRST(pcb)
			}
			return
		}
	}

	if seg.Flags&FlagRST != 0 {
		if ackOK && seg.Flags&FlagACK != 0 {
			e.abortPCB(pcb, ErrConnectionClosed)
		}
		return
	}

	if seg.Flags&FlagSYN == 0 {
		return
	}

	opts := tcpopts.Parse(seg.Options)
	pmtu := pcb.mtuRef.Current()
	pcb.sndMSS = effectiveMSS(uint16(pmtu), opts.MSS, e.cfg.MaxSegmentSizeCap)
	pcb.cc.setMSS(pcb.sndMSS)
	pcb.flags.WindowScalingNegotiated = opts.HasWndScale

	pcb.rcvNxt = seg.Seq.Add(1)
	pcb.sndWnd = seqnum.Size(seg.Window)

	if seg.Flags&FlagACK != 0 {
		pcb.sndUna = seg.Ack
		pcb.state = StateEstablished
		pcb.abortOutputTimer.Unset()
		e.sendAck(pcb)
		if pcb.conn != nil && pcb.conn.OnConnected != nil {
			pcb.conn.OnConnected()
		}
		e.scheduleOutput(pcb)
	} else {
		// Simultaneous open: both sides sent SYN before seeing the other's.
		pcb.state = StateSynRcvd
		e.sendSyn(pcb, true)
		pcb.abortOutputTimer.SetAt(e.now().Add(e.cfg.SynRcvdTimeout))
	}
}

// handleSynRcvd processes the ACK completing a passive-open handshake.
func (e *Engine) handleSynRcvd(pcb *PCB, seg segment) {
	if seg.Flags&FlagRST != 0 {
		if pcb.listener != nil {
			pcb.listener.pending--
		}
		e.removePCB(pcb)
		return
	}
	if seg.Flags&FlagACK == 0 || seg.Ack != pcb.sndNxt {
		return
	}

	l := pcb.listener
	pcb.listener = nil
	if l != nil {
		l.pending--
	}
	pcb.sndUna = seg.Ack
	pcb.state = StateEstablished
	pcb.sndWnd = seqnum.Size(seg.Window)
	pcb.abortOutputTimer.Unset()

	conn := &Connection{engine: e, pcb: pcb}
	pcb.conn = conn
	if l != nil && l.Accept != nil {
		l.Accept(conn)
	}
	e.scheduleOutput(pcb)
}

// handleEstablishedLike runs the general receive-processing pipeline from
// spec.md §4.H for every post-handshake state: sequence acceptability, RST,
// ACK processing (including NewReno/RTT wiring), in-order delivery with
// out-of-order reassembly, and FIN handling.
func (e *Engine) handleEstablishedLike(pcb *PCB, seg segment) {
	segLen := seg.segLen()
	if !segmentAcceptable(pcb, seg, segLen) {
		if seg.Flags&FlagRST == 0 {
			pcb.flags.AckPending = true
			e.sendAck(pcb)
		}
		return
	}

	if seg.Flags&FlagRST != 0 {
		e.abortPCB(pcb, ErrConnectionClosed)
		return
	}

	if seg.Flags&FlagACK == 0 {
		return
	}

	e.processACK(pcb, seg)
	e.advanceCloseStateOnAck(pcb)

	if seg.Flags&FlagSYN != 0 {
		// A SYN arriving post-handshake is a protocol violation; RFC 793
		// says to RST and abort.
		e.abortPCB(pcb, ErrConnectionClosed)
		return
	}

	if pcb.state.AcceptingData() && len(seg.Payload) > 0 {
		e.processData(pcb, seg)
	}

	if seg.Flags&FlagFIN != 0 {
		e.processFIN(pcb, seg)
	}

	e.updateAdvertisedWindow(pcb)
	e.scheduleOutput(pcb)
}

// segmentAcceptable implements RFC 793 §3.3's acceptability test: a segment
// with no data is acceptable if its sequence number is in the receive
// window (or exactly rcv_nxt with a zero window); a segment with data must
// overlap the window.
func segmentAcceptable(pcb *PCB, seg segment, segLen seqnum.Size) bool {
	if pcb.rcvAnnWnd == 0 {
		return segLen == 0 && seg.Seq == pcb.rcvNxt
	}
	if segLen == 0 {
		return seqnum.InWindow(seg.Seq, pcb.rcvNxt, pcb.rcvAnnWnd)
	}
	return seqnum.InWindow(seg.Seq, pcb.rcvNxt, pcb.rcvAnnWnd) ||
		seqnum.InWindow(seg.Seq.Add(segLen-1), pcb.rcvNxt, pcb.rcvAnnWnd)
}

// processACK implements spec.md §4.H's ACK-processing steps: snd_wnd update,
// snd_una advance with RTT/NewReno wiring, and duplicate-ACK-triggered fast
// retransmit.
func (e *Engine) processACK(pcb *PCB, seg segment) {
	// spec.md §4.H step 3: accept acks in [snd_una-MaxAckBefore, snd_nxt],
	// not just [snd_una, snd_nxt], so a slightly stale ack from a reordered
	// or duplicated segment isn't treated the same as an ack for unsent data.
	lowerBound := pcb.sndUna.Add(seqnum.Size(uint32(0) - uint32(MaxAckBefore)))
	if !seqnum.Leq(lowerBound, seg.Ack, pcb.sndNxt) {
		// Ack for data not yet sent: unacceptable, elicit a corrective ACK.
		if seqnum.Leq(lowerBound, pcb.sndNxt, seg.Ack) {
			pcb.flags.AckPending = true
		}
		return
	}

	newWindow := seqnum.Size(seg.Window) << pcb.rcvWndShiftPeer()
	if seg.Ack.GtMod(pcb.sndUna) || pcb.sndWnd == 0 {
		pcb.sndWnd = newWindow
	}

	if seg.Ack.GtMod(pcb.sndUna) {
		acked, rtt, hasRTT := pcb.sendQ.ack(seg.Ack, e.wallNow())
		pcb.sndUna = seg.Ack
		if hasRTT && !pcb.flags.RetransmissionActive {
			pcb.rtt.update(rtt)
		}
		pcb.cc.onNewDataAck(acked)
		pcb.flags.CwndIsInitial = false

		if pcb.flags.RecoverValid && seqnum.Leq(pcb.sndUna, pcb.recover, seg.Ack) {
			pcb.cc.onNewAckAfterFastRetransmit()
			pcb.flags.RecoverValid = false
			pcb.flags.RetransmissionActive = false
		}
		if pcb.flightSize() == 0 && pcb.conn != nil && pcb.conn.OnSendBufEmpty != nil && pcb.sendQ.pendingLen() == 0 {
			pcb.conn.OnSendBufEmpty()
		}
		// armRetransmitTimer re-derives idle-timer mode itself: it unsets
		// the timer only once snd_una catches snd_nxt entirely (no data and
		// no unacked FIN left), per spec.md §4.H.
		e.armRetransmitTimer(pcb)
	} else if len(seg.Payload) == 0 && seg.Flags&FlagFIN == 0 {
		if pcb.cc.onDupAck(pcb.flightSize()) {
			pcb.recover = pcb.sndNxt
			pcb.flags.RecoverValid = true
			pcb.flags.RetransmissionActive = true
			if mseg, _, ok := pcb.sendQ.oldestCoalesced(int(pcb.sndMSS)); ok && mseg.len() > 0 {
				raw := buildSegment(pcb.tuple.LocalPort, pcb.tuple.RemotePort, mseg.seqStart, pcb.rcvNxt, FlagACK, pcb.advertisedWindow(), nil, mseg.payload)
				e.outputRaw(pcb, raw)
			}
		}
	}
}

// rcvWndShiftPeer returns the scale to apply to the peer's advertised
// window field: 0 until window scaling was negotiated on this connection.
func (pcb *PCB) rcvWndShiftPeer() uint8 {
	if !pcb.flags.WindowScalingNegotiated {
		return 0
	}
	return pcb.rcvWndShift
}

// advanceCloseStateOnAck implements the FIN-ACKed half of spec.md §4.H's
// close state machine: our own FIN being fully acknowledged moves
// FIN_WAIT_1 -> FIN_WAIT_2, CLOSING -> TIME_WAIT, and LAST_ACK -> fully
// closed. It is distinct from processFIN, which handles the peer's FIN
// arriving.
func (e *Engine) advanceCloseStateOnAck(pcb *PCB) {
	if !pcb.flags.FinSent || pcb.sndUna != pcb.sndNxt {
		return
	}
	switch pcb.state {
	case StateFinWait1:
		pcb.state = StateFinWait2
	case StateClosing:
		pcb.state = StateTimeWait
		e.armTimeWait(pcb)
	case StateLastAck:
		e.removePCB(pcb)
	}
}

// processData delivers in-order payload to the user and reassembles
// whatever out-of-order segments now chain onto rcv_nxt, per spec.md §4.H.
func (e *Engine) processData(pcb *PCB, seg segment) {
	if seg.Seq == pcb.rcvNxt {
		delivered := seg.Payload
		pcb.rcvNxt = pcb.rcvNxt.Add(seqnum.Size(len(seg.Payload)))
		more := pcb.recvQ.collectContiguous(&pcb.rcvNxt)

		total := len(delivered)
		for _, m := range more {
			total += len(m)
		}
		if total > 0 {
			if uint32(total) <= pcb.recvBufFree {
				pcb.recvBufFree -= uint32(total)
			} else {
				pcb.recvBufFree = 0
			}
		}

		pcb.flags.AckPending = true
		if pcb.conn != nil {
			pcb.conn.deliverData(delivered)
			for _, m := range more {
				pcb.conn.deliverData(m)
			}
			if pcb.conn.OnDataReceived != nil {
				pcb.conn.OnDataReceived(delivered)
				for _, m := range more {
					pcb.conn.OnDataReceived(m)
				}
			}
		}
		return
	}

	if seqnum.InWindow(seg.Seq, pcb.rcvNxt, pcb.rcvAnnWnd) {
		pcb.recvQ.insert(oooSegment{seqStart: seg.Seq, seqEnd: seg.Seq.Add(seqnum.Size(len(seg.Payload))), payload: append([]byte(nil), seg.Payload...)})
		pcb.flags.AckPending = true
	}
}

// processFIN implements spec.md §4.H's FIN state transitions.
func (e *Engine) processFIN(pcb *PCB, seg segment) {
	// The FIN control bit occupies the sequence slot immediately after the
	// segment's payload; processData (run just before this, for the same
	// segment) has already advanced rcv_nxt across any in-order payload, so
	// this compares against the position the FIN itself would occupy.
	finPos := seg.Seq.Add(seqnum.Size(len(seg.Payload)))
	if finPos != pcb.rcvNxt {
		return // FIN sits after a gap, or payload was out-of-order; wait
	}
	pcb.rcvNxt = pcb.rcvNxt.Add(1)
	pcb.flags.AckPending = true

	switch pcb.state {
	case StateEstablished:
		pcb.state = StateCloseWait
		e.notifyEnd(pcb)
	case StateFinWait1:
		if pcb.flags.FinSent && pcb.sndUna == pcb.sndNxt {
			pcb.state = StateTimeWait
			e.armTimeWait(pcb)
		} else {
			pcb.state = StateClosing
		}
		e.notifyEnd(pcb)
	case StateFinWait2:
		pcb.state = stateFinWait2ToTimeWait
		e.notifyEnd(pcb)
		pcb.state = StateTimeWait
		e.armTimeWait(pcb)
	case StateCloseWait, StateClosing, StateLastAck, StateTimeWait:
		// Already past the data phase or re-delivery of a FIN we already
		// processed; nothing further to do besides the ACK above.
	}
}

func (e *Engine) notifyEnd(pcb *PCB) {
	if pcb.conn != nil && pcb.conn.OnEndReceived != nil {
		pcb.conn.OnEndReceived()
	}
}

func (e *Engine) armTimeWait(pcb *PCB) {
	pcb.retransmitTimer.Unset()
	pcb.abortOutputTimer.SetAt(e.now().Add(e.cfg.TimeWaitDuration))
}

// updateAdvertisedWindow implements the silly-window-avoidance rule from
// spec.md §6/§9: only grow the advertised window once the increase clears
// DefaultWndUpdateThreshold or reaches the full buffer.
func (e *Engine) updateAdvertisedWindow(pcb *PCB) {
	current := uint32(pcb.rcvAnnWnd)
	full := pcb.recvBufFree
	if full <= current {
		return
	}
	if full-current >= e.cfg.DefaultWndUpdateThreshold || full == e.cfg.DefaultRcvWnd {
		pcb.rcvAnnWnd = seqnum.Size(clampWindow(full, pcb.rcvWndShift))
		pcb.flags.AdvertisedWindowNeedsUpdate = false
		pcb.flags.AckPending = true
	} else {
		pcb.flags.AdvertisedWindowNeedsUpdate = true
	}
}
