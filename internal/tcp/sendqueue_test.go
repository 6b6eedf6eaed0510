package tcp

import (
	"testing"
	"time"

	"github.com/tinyrange/aipstack/internal/seqnum"
)

func TestSendQueueTakeSegmentAndAck(t *testing.T) {
	base := seqnum.Value(1000)
	q := newSendQueue(base)
	q.queue([]byte("hello world"))

	payload := q.takeSegment(base, 5, time.Now())
	if string(payload) != "hello" {
		t.Fatalf("takeSegment = %q, want %q", payload, "hello")
	}
	if q.pendingLen() != 6 {
		t.Fatalf("pendingLen = %d, want 6", q.pendingLen())
	}
	if q.totalLen() != 11 {
		t.Fatalf("totalLen = %d, want 11", q.totalLen())
	}

	acked, _, hasRTT := q.ack(base.Add(5), time.Now())
	if acked != 5 {
		t.Fatalf("acked = %d, want 5", acked)
	}
	if !hasRTT {
		t.Fatal("expected an RTT sample for a non-retransmitted segment")
	}
	if q.inFlight() != 0 {
		t.Fatalf("inFlight = %d, want 0 after full ack", q.inFlight())
	}
}

func TestSendQueueAckIgnoresRTTForRetransmittedSegment(t *testing.T) {
	base := seqnum.Value(0)
	q := newSendQueue(base)
	q.queue([]byte("abcde"))
	q.takeSegment(base, 5, time.Now())
	q.markRetransmitted(1, time.Now())

	_, _, hasRTT := q.ack(base.Add(5), time.Now())
	if hasRTT {
		t.Fatal("a retransmitted segment must not produce an RTT sample")
	}
}

func TestSendQueueOldestCoalescedRespectsMaxSize(t *testing.T) {
	base := seqnum.Value(0)
	q := newSendQueue(base)
	q.queue([]byte("0123456789"))
	q.takeSegment(base, 4, time.Now())
	q.takeSegment(base.Add(4), 4, time.Now())
	q.takeSegment(base.Add(8), 2, time.Now())

	merged, count, ok := q.oldestCoalesced(6)
	if !ok {
		t.Fatal("expected a coalesced segment")
	}
	if len(merged.payload) > 6 {
		t.Fatalf("coalesced payload len %d exceeds maxSize 6", len(merged.payload))
	}
	// Segments are 4+4+2 bytes; merging the first two would exceed maxSize
	// 6, so only the oldest segment is included.
	if count != 1 {
		t.Fatalf("coalesced %d segments, want 1", count)
	}
	if len(merged.payload) != 4 {
		t.Fatalf("coalesced payload len = %d, want 4", len(merged.payload))
	}
}

func TestSendQueueAckPartialLeavesRemainder(t *testing.T) {
	base := seqnum.Value(0)
	q := newSendQueue(base)
	q.queue([]byte("abcdefghij"))
	q.takeSegment(base, 5, time.Now())
	q.takeSegment(base.Add(5), 5, time.Now())

	acked, _, _ := q.ack(base.Add(5), time.Now())
	if acked != 5 {
		t.Fatalf("acked = %d, want 5", acked)
	}
	seg, ok := q.oldest()
	if !ok {
		t.Fatal("expected remaining segment")
	}
	if seg.seqStart != base.Add(5) {
		t.Fatalf("remaining segment starts at %v, want %v", seg.seqStart, base.Add(5))
	}
}
