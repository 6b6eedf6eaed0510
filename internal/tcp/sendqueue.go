package tcp

import (
	"time"

	"github.com/tinyrange/aipstack/internal/seqnum"
)

// sendSegment is one outstanding (sent, unacknowledged) run of bytes, per
// spec.md §3's send queue. Adapted from internal/netstack/tcp.go's
// tcpSendSegment, with sequence fields promoted from uint32 to seqnum.Value.
type sendSegment struct {
	seqStart  seqnum.Value
	seqEnd    seqnum.Value
	payload   []byte
	sentAt    time.Time
	retxCount int
}

func (s sendSegment) len() int { return len(s.payload) }

// sendQueue is a PCB's retransmission queue: bytes handed to the engine via
// extend_send_len that have been sent but not yet acknowledged, plus bytes
// queued but not yet sent (appended via queue but not yet covered by a
// sendSegment). Adapted from internal/netstack/tcp.go's tcpSendBuffer,
// dropping its mutex per congestion.go's single-owner-thread rationale.
type sendQueue struct {
	segments []sendSegment
	// pending holds bytes the user has submitted (extend_send_len) that
	// have not yet been sent as a segment.
	pending []byte
	una     seqnum.Value // seq of the first pending/unacked byte
}

func newSendQueue(una seqnum.Value) *sendQueue {
	return &sendQueue{una: una}
}

// queue appends newly-submitted user bytes, to be segmented and sent by the
// send-processing step.
func (q *sendQueue) queue(data []byte) {
	q.pending = append(q.pending, data...)
}

// pendingLen returns the number of queued-but-unsent bytes.
func (q *sendQueue) pendingLen() int { return len(q.pending) }

// totalLen returns send_queue.tot_len from spec.md §3's PCB invariant:
// in-flight bytes plus still-unsent queued bytes.
func (q *sendQueue) totalLen() int {
	n := len(q.pending)
	for _, s := range q.segments {
		n += s.len()
	}
	return n
}

// takeSegment removes up to maxLen bytes from the front of pending, records
// them as an in-flight segment starting at seq, and returns the payload to
// send. Used by the send-processing step when emitting new data.
func (q *sendQueue) takeSegment(seq seqnum.Value, maxLen int, now time.Time) []byte {
	n := maxLen
	if n > len(q.pending) {
		n = len(q.pending)
	}
	if n == 0 {
		return nil
	}
	payload := q.pending[:n]
	q.pending = q.pending[n:]
	q.segments = append(q.segments, sendSegment{
		seqStart: seq,
		seqEnd:   seq.Add(seqnum.Size(n)),
		payload:  payload,
		sentAt:   now,
	})
	return payload
}

// ack drops every segment fully covered by ackNum (seqEnd <=_una ackNum),
// returning the total length of the dropped segments (a segment only partly
// covered stays whole and is not counted) and an RTT sample from the first
// dropped segment that was never retransmitted, if there is one.
func (q *sendQueue) ack(ackNum seqnum.Value, now time.Time) (bytesAcked int, rtt time.Duration, hasRTT bool) {
	kept := q.segments[:0]
	for _, seg := range q.segments {
		if seqnum.Leq(q.una, seg.seqEnd, ackNum) {
			bytesAcked += seg.len()
			if seg.retxCount == 0 && !hasRTT {
				rtt = now.Sub(seg.sentAt)
				hasRTT = true
			}
		} else {
			kept = append(kept, seg)
		}
	}
	q.segments = kept
	q.una = ackNum
	return
}

// oldest returns the first unacknowledged in-flight segment, if any.
func (q *sendQueue) oldest() (sendSegment, bool) {
	if len(q.segments) == 0 {
		return sendSegment{}, false
	}
	return q.segments[0], true
}

// markRetransmitted bumps the retransmit count/timestamp on the oldest n
// in-flight segments (n=1 for a plain retransmit-at-snd_una).
func (q *sendQueue) markRetransmitted(n int, now time.Time) {
	for i := 0; i < n && i < len(q.segments); i++ {
		q.segments[i].retxCount++
		q.segments[i].sentAt = now
	}
}

// oldestCoalesced merges the oldest contiguous in-flight segments up to
// maxSize bytes, for a retransmission that need not match the original
// segmentation. Retransmissions never extend beyond snd_una+snd_mss per
// spec.md §4.H, so callers pass maxSize = snd_mss.
func (q *sendQueue) oldestCoalesced(maxSize int) (sendSegment, int, bool) {
	if len(q.segments) == 0 {
		return sendSegment{}, 0, false
	}
	merged := sendSegment{
		seqStart:  q.segments[0].seqStart,
		seqEnd:    q.segments[0].seqEnd,
		payload:   append([]byte(nil), q.segments[0].payload...),
		sentAt:    q.segments[0].sentAt,
		retxCount: q.segments[0].retxCount,
	}
	count := 1
	for i := 1; i < len(q.segments); i++ {
		seg := q.segments[i]
		if seg.seqStart != merged.seqEnd {
			break
		}
		if len(merged.payload)+len(seg.payload) > maxSize {
			break
		}
		merged.payload = append(merged.payload, seg.payload...)
		merged.seqEnd = seg.seqEnd
		if seg.retxCount > merged.retxCount {
			merged.retxCount = seg.retxCount
		}
		count++
	}
	return merged, count, true
}

// inFlight returns the number of bytes currently sent but unacknowledged.
func (q *sendQueue) inFlight() int {
	n := 0
	for _, s := range q.segments {
		n += s.len()
	}
	return n
}
