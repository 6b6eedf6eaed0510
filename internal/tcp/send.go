package tcp

import (
	"errors"
	"time"

	"github.com/tinyrange/aipstack/internal/buf"
	"github.com/tinyrange/aipstack/internal/seqnum"
	"github.com/tinyrange/aipstack/internal/tcpopts"
)

// sendRetryBackoff and sendOtherErrorBackoff are spec.md §7's transient
// send-error timers: a short backup in case a driver-buffer-full retry
// notification is missed, and a longer one for other hardware errors, which
// have no notification to subscribe to at all.
const (
	sendRetryBackoff      = 500 * time.Microsecond
	sendOtherErrorBackoff = 2 * time.Second
)

// outputRaw hands a fully built, checksummed segment to the IP layer. Every
// TCP segment this engine emits carries DF, matching the PMTU-discovery
// requirement in spec.md §6. A transient failure is handled per spec.md
// §4.D/§7's differentiated retry policy rather than dropped silently.
func (e *Engine) outputRaw(pcb *PCB, raw []byte) {
	fillChecksum(raw, pcb.tuple.LocalAddr, pcb.tuple.RemoteAddr)
	e.sendOrRetry(pcb, raw)
}

// sendOrRetry attempts one send and, on a transient failure, arms whatever
// retry mechanism spec.md §7 names for that failure kind. raw is retained on
// the PCB so the retry resends the exact bytes that failed rather than
// re-deriving a segment from current send/receive state (which may have
// since moved on).
func (e *Engine) sendOrRetry(pcb *PCB, raw []byte) {
	err := e.sender.SendIPv4(pcb.tuple.RemoteAddr, buf.FromBytes(raw), true)
	if err == nil {
		return
	}

	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		sendErr = &SendError{Kind: SendErrorOther, Err: err}
	}
	e.log.Warn("tcp: ip send failed", "err", sendErr.Error(), "kind", sendErr.Kind, "remote", pcb.tuple.RemoteAddr, "remote_port", pcb.tuple.RemotePort)

	pcb.pendingRetry = append(pcb.pendingRetry[:0], raw...)
	e.armSendRetry(pcb, sendErr)
}

// armSendRetry subscribes to the collaborator's retry/completion
// notification (when one was given) and/or arms a polling timer, per
// spec.md §7: buffer-full gets both (the notification plus a 0.5 ms backup
// in case it's missed), ARP-pending gets only the notification (address
// resolution has no useful timeout to poll on), and any other error gets
// only the 2 s timer.
func (e *Engine) armSendRetry(pcb *PCB, sendErr *SendError) {
	if pcb.sendRetryObserver != nil {
		pcb.sendRetryObserver.Close()
		pcb.sendRetryObserver = nil
	}
	if sendErr.Retry != nil {
		pcb.sendRetryObserver = sendErr.Retry.Subscribe(func() { e.retryPendingSend(pcb) })
	}

	switch sendErr.Kind {
	case SendErrorBufferFull:
		pcb.sendRetryTimer.SetAt(e.now().Add(sendRetryBackoff))
	case SendErrorARPPending:
		pcb.sendRetryTimer.Unset()
	default:
		pcb.sendRetryTimer.SetAt(e.now().Add(sendOtherErrorBackoff))
	}
}

// sendRetryTimeout is the send-retry timer's handler: the backup path for
// SendErrorBufferFull (the driver's own notification might never fire) and
// the only path for SendErrorOther.
func (e *Engine) sendRetryTimeout(pcb *PCB) {
	if pcb.state == StateClosed {
		return
	}
	e.retryPendingSend(pcb)
}

// retryPendingSend resends the segment recorded by the last failed
// sendOrRetry call, per spec.md §4.D/§7. A no-op if nothing is pending
// (e.g. the timer and the observer notification both fired for the same
// failure and the first one to run already cleared it).
func (e *Engine) retryPendingSend(pcb *PCB) {
	if pcb.state == StateClosed || len(pcb.pendingRetry) == 0 {
		return
	}
	if pcb.sendRetryObserver != nil {
		pcb.sendRetryObserver.Close()
		pcb.sendRetryObserver = nil
	}
	pcb.sendRetryTimer.Unset()
	raw := pcb.pendingRetry
	pcb.pendingRetry = nil
	e.sendOrRetry(pcb, raw)
}

// advertisedWindow returns the window value to advertise right now: rcv_ann_wnd
// scaled down by rcv_wnd_shift (spec.md §4.H), clamped to 16 bits.
func (pcb *PCB) advertisedWindow() uint16 {
	w := uint32(pcb.rcvAnnWnd) >> pcb.rcvWndShift
	if w > 0xffff {
		w = 0xffff
	}
	return uint16(w)
}

// sendRST emits a bare RST for pcb's current send sequence state, used on
// abort and on segments arriving for no matching PCB/listener.
func (e *Engine) sendRST(pcb *PCB) {
	raw := buildSegment(pcb.tuple.LocalPort, pcb.tuple.RemotePort, pcb.sndNxt, pcb.rcvNxt, FlagRST|FlagACK, 0, nil, nil)
	e.outputRaw(pcb, raw)
}

// sendBareRST replies to an inbound segment that has no matching PCB or
// listener, per spec.md §4.H step 1 ("no match: RST unless the segment
// itself is a RST"). It is built directly from the inbound segment fields
// since there is no PCB to carry send-sequence state.
func (e *Engine) sendBareRST(info ReceiveInfo, seg segment) {
	if seg.Flags&FlagRST != 0 {
		return
	}
	var raw []byte
	if seg.Flags&FlagACK != 0 {
		raw = buildSegment(seg.DstPort, seg.SrcPort, seg.Ack, 0, FlagRST, 0, nil, nil)
	} else {
		ack := seg.Seq.Add(seg.segLen())
		raw = buildSegment(seg.DstPort, seg.SrcPort, 0, ack, FlagRST|FlagACK, 0, nil, nil)
	}
	fillChecksum(raw, info.Dst, info.Src)
	if err := e.sender.SendIPv4(info.Src, buf.FromBytes(raw), true); err != nil {
		e.log.Warn("tcp: ip send failed (bare rst)", "err", err)
	}
}

// sendSyn emits a SYN or SYN+ACK carrying MSS/window-scale options,
// per spec.md §4.H's option-on-SYN-only rule. A SYN-ACK carries window
// scale only when the peer's SYN did.
func (e *Engine) sendSyn(pcb *PCB, ack bool) {
	flags := FlagSYN
	var ackNum seqnum.Value
	if ack {
		flags |= FlagACK
		ackNum = pcb.rcvNxt
	}
	opts := tcpopts.BuildSynAck(pcb.sndMSS, pcb.rcvWndShift, !ack || pcb.flags.WindowScalingNegotiated)
	raw := buildSegment(pcb.tuple.LocalPort, pcb.tuple.RemotePort, pcb.sndNxt, ackNum, flags, pcb.advertisedWindow(), opts, nil)
	e.outputRaw(pcb, raw)
}

// sendAck emits a pure ACK (no data), clearing AckPending.
func (e *Engine) sendAck(pcb *PCB) {
	raw := buildSegment(pcb.tuple.LocalPort, pcb.tuple.RemotePort, pcb.sndNxt, pcb.rcvNxt, FlagACK, pcb.advertisedWindow(), nil, nil)
	e.outputRaw(pcb, raw)
	pcb.flags.AckPending = false
	pcb.flags.AdvertisedWindowNeedsUpdate = false
}

// scheduleOutput runs send processing for pcb immediately. The engine has no
// deferred microtask queue (unlike the source's "output timer" indirection);
// since everything runs on the single event-loop goroutine already, deferring
// would only delay work without buying safety.
func (e *Engine) scheduleOutput(pcb *PCB) {
	e.sendProcessing(pcb)
}

// sendProcessing implements spec.md §4.H's send-side decision: emit data
// segments while usable window allows, then a FIN if one is pending and all
// queued data has been sent, then a pure ACK if one is owed with nothing
// else to piggyback it on.
func (e *Engine) sendProcessing(pcb *PCB) {
	for {
		win := pcb.usableWindow()
		if win <= 0 {
			break
		}
		maxLen := win
		if maxLen > int(pcb.sndMSS) {
			maxLen = int(pcb.sndMSS)
		}
		data := pcb.sendQ.takeSegment(pcb.sndNxt, maxLen, pcb.engine.wallNow())
		if len(data) == 0 {
			break
		}
		flags := FlagACK
		fin := pcb.flags.FinPending && pcb.sndNxt.Add(seqnum.Size(len(data))) == pcb.sndUna.Add(seqnum.Size(pcb.sendQueueTotalLen()))
		if fin {
			flags |= FlagFIN
		}
		raw := buildSegment(pcb.tuple.LocalPort, pcb.tuple.RemotePort, pcb.sndNxt, pcb.rcvNxt, flags, pcb.advertisedWindow(), nil, data)
		e.outputRaw(pcb, raw)
		pcb.sndNxt = pcb.sndNxt.Add(seqnum.Size(len(data)))
		if fin {
			pcb.flags.FinPending = false
			pcb.flags.FinSent = true
			pcb.sndNxt = pcb.sndNxt.Add(1)
		}
		pcb.flags.AckPending = false
		e.armRetransmitTimer(pcb)
	}

	if pcb.flags.FinPending && pcb.sndNxt == pcb.sndUna.Add(seqnum.Size(pcb.sendQueueTotalLen())) && !pcb.flags.FinSent {
		raw := buildSegment(pcb.tuple.LocalPort, pcb.tuple.RemotePort, pcb.sndNxt, pcb.rcvNxt, FlagACK|FlagFIN, pcb.advertisedWindow(), nil, nil)
		e.outputRaw(pcb, raw)
		pcb.flags.FinPending = false
		pcb.flags.FinSent = true
		pcb.sndNxt = pcb.sndNxt.Add(1)
		pcb.flags.AckPending = false
		e.armRetransmitTimer(pcb)
	}

	if pcb.flags.AckPending {
		e.sendAck(pcb)
	}

	if pcb.sendQ.pendingLen() > 0 && pcb.usableWindow() <= 0 && !pcb.flags.OutputRetryPending {
		pcb.flags.OutputRetryPending = true
		pcb.abortOutputTimer.SetAt(e.now().Add(pcb.rtt.getRTO()))
	}
}

// sendZeroWindowProbe implements spec.md §4.H's zero-window probing: while
// the peer advertises a zero (or otherwise exhausted) window and data is
// still queued, send one byte at a time at RTO-mirroring backoff intervals
// to learn when the window reopens.
func (e *Engine) sendZeroWindowProbe(pcb *PCB) {
	if pcb.sendQ.pendingLen() == 0 {
		pcb.flags.OutputRetryPending = false
		return
	}
	data := pcb.sendQ.takeSegment(pcb.sndNxt, 1, pcb.engine.wallNow())
	if len(data) == 0 {
		pcb.flags.OutputRetryPending = false
		return
	}
	raw := buildSegment(pcb.tuple.LocalPort, pcb.tuple.RemotePort, pcb.sndNxt, pcb.rcvNxt, FlagACK, pcb.advertisedWindow(), nil, data)
	e.outputRaw(pcb, raw)
	pcb.sndNxt = pcb.sndNxt.Add(1)

	pcb.rtt.backoff()
	pcb.flags.OutputRetryPending = true
	pcb.abortOutputTimer.SetAt(e.now().Add(pcb.rtt.getRTO()))
}

// armRetransmitTimer arms pcb's retransmit timer whenever there is unacked
// data or an unacked FIN, per spec.md §4.H's "runs whenever there is unacked
// data or a pending FIN" rule; idle connections (everything sent already
// acked) do not run it at all. If armed with no unacked data in the send
// queue (only a sent-but-unacked FIN), the PCB is marked idle-timer mode so
// the timer's expiry runs the idle-restart action rather than a
// retransmission.
func (e *Engine) armRetransmitTimer(pcb *PCB) {
	if !pcb.hasUnackedSendWork() {
		pcb.retransmitTimer.Unset()
		pcb.flags.IdleTimerArmed = false
		return
	}
	pcb.flags.IdleTimerArmed = pcb.flightSize() == 0
	pcb.retransmitTimer.SetAt(e.now().Add(pcb.rtt.getRTO()))
}

// retransmitTimeout is the retransmit timer's handler. In idle-timer mode
// (no unacked data when the timer was armed, only an unacked FIN) it runs
// the idle-restart action from spec.md §4.H: reset cwnd to the initial
// window rather than treating the expiry as a loss signal. Otherwise it runs
// the ordinary RTO action per spec.md §4.H/§8 — back off the RTO, reset
// congestion control as on loss, and resend the oldest unacknowledged data,
// never extending the segment past snd_una+snd_mss.
func (e *Engine) retransmitTimeout(pcb *PCB) {
	if pcb.state == StateClosed {
		return
	}
	if !pcb.hasUnackedSendWork() {
		return
	}

	if pcb.flags.IdleTimerArmed {
		pcb.cc.resetToInitialWindow()
		pcb.flags.CwndIsInitial = true
		// Rearm in ordinary mode: the next expiry is a regular RTO.
		e.armRetransmitTimer(pcb)
		pcb.flags.IdleTimerArmed = false
		return
	}

	pcb.rtt.backoff()
	pcb.cc.onTimeout(pcb.flightSize())
	pcb.flags.RTTMeasureInProgress = false
	pcb.flags.CwndIsInitial = false

	seg, count, ok := pcb.sendQ.oldestCoalesced(int(pcb.sndMSS))
	if ok && seg.len() > 0 {
		raw := buildSegment(pcb.tuple.LocalPort, pcb.tuple.RemotePort, seg.seqStart, pcb.rcvNxt, FlagACK, pcb.advertisedWindow(), nil, seg.payload)
		e.outputRaw(pcb, raw)
		pcb.sendQ.markRetransmitted(count, e.wallNow())
	}

	pcb.retransmitTimer.SetAt(e.now().Add(pcb.rtt.getRTO()))
}
