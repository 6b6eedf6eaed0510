package tcp

import "github.com/tinyrange/aipstack/internal/seqnum"

// oooSegment is one out-of-order received run of bytes awaiting the gap
// before it to close. Adapted from internal/netstack/tcp.go's
// tcpOOOSegment (seqnum.Value instead of uint32).
type oooSegment struct {
	seqStart seqnum.Value
	seqEnd   seqnum.Value
	payload  []byte
}

// recvQueue holds out-of-order segments the engine reassembles into
// rcv_nxt's contiguous stream. spec.md §9 resolves the open question on OOO
// queueing in favor of adding this small bounded queue (the teacher's
// tcpRecvBuffer existed but was never wired into its toy tcpConn); end-to-
// end scenarios 1-6 do not depend on OOO data arriving, so this is a pure
// addition bounded by cfg.MaxOOOSegments.
type recvQueue struct {
	segments []oooSegment
	maxGaps  int
}

func newRecvQueue(maxGaps int) *recvQueue {
	return &recvQueue{maxGaps: maxGaps}
}

// insert adds an out-of-order segment. Returns false if it's a pure
// duplicate/overlap of data already buffered, or if the queue is full.
func (q *recvQueue) insert(seg oooSegment) bool {
	insertAt := len(q.segments)
	for i, existing := range q.segments {
		if seqOverlap(seg.seqStart, seg.seqEnd, existing.seqStart, existing.seqEnd) {
			return false
		}
		if insertAt == len(q.segments) && seg.seqStart.LtMod(existing.seqStart) {
			insertAt = i
		}
	}
	if len(q.segments) >= q.maxGaps {
		return false
	}
	q.segments = append(q.segments, oooSegment{})
	copy(q.segments[insertAt+1:], q.segments[insertAt:])
	q.segments[insertAt] = seg
	return true
}

// collectContiguous repeatedly pulls out segments whose seqStart equals
// *nextSeq, advancing *nextSeq past each, until no more segments chain on.
// Returns the payloads in delivery order.
func (q *recvQueue) collectContiguous(nextSeq *seqnum.Value) [][]byte {
	var collected [][]byte
	for {
		found := false
		kept := q.segments[:0]
		for _, seg := range q.segments {
			if seg.seqStart == *nextSeq {
				collected = append(collected, seg.payload)
				*nextSeq = seg.seqEnd
				found = true
			} else {
				kept = append(kept, seg)
			}
		}
		q.segments = kept
		if !found {
			break
		}
	}
	return collected
}

func (q *recvQueue) len() int { return len(q.segments) }

func (q *recvQueue) clear() { q.segments = q.segments[:0] }

// seqOverlap reports whether [aStart,aEnd) and [bStart,bEnd) share any byte,
// under modular sequence-space comparison.
func seqOverlap(aStart, aEnd, bStart, bEnd seqnum.Value) bool {
	return aStart.LtMod(bEnd) && bStart.LtMod(aEnd)
}
