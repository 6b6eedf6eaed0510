package tcp

import (
	"testing"

	"github.com/tinyrange/aipstack/internal/seqnum"
)

func TestRecvQueueCollectsContiguousRuns(t *testing.T) {
	q := newRecvQueue(8)
	base := seqnum.Value(1000)

	// Insert out of order: [1010,1020) then [1000,1010).
	if !q.insert(oooSegment{seqStart: base.Add(10), seqEnd: base.Add(20), payload: []byte("bbbbbbbbbb")}) {
		t.Fatal("insert of [10,20) should succeed")
	}
	next := base
	if got := q.collectContiguous(&next); got != nil {
		t.Fatalf("collectContiguous before gap closes = %v, want nil", got)
	}
	if next != base {
		t.Fatalf("nextSeq advanced prematurely to %v", next)
	}

	if !q.insert(oooSegment{seqStart: base, seqEnd: base.Add(10), payload: []byte("aaaaaaaaaa")}) {
		t.Fatal("insert of [0,10) should succeed")
	}
	collected := q.collectContiguous(&next)
	if len(collected) != 2 {
		t.Fatalf("collected %d runs, want 2", len(collected))
	}
	if next != base.Add(20) {
		t.Fatalf("nextSeq = %v, want %v", next, base.Add(20))
	}
	if q.len() != 0 {
		t.Fatalf("queue should be drained, has %d segments", q.len())
	}
}

func TestRecvQueueRejectsOverlap(t *testing.T) {
	q := newRecvQueue(8)
	base := seqnum.Value(0)

	if !q.insert(oooSegment{seqStart: base, seqEnd: base.Add(10), payload: make([]byte, 10)}) {
		t.Fatal("first insert should succeed")
	}
	if q.insert(oooSegment{seqStart: base.Add(5), seqEnd: base.Add(15), payload: make([]byte, 10)}) {
		t.Fatal("overlapping insert should be rejected")
	}
	if q.len() != 1 {
		t.Fatalf("queue has %d segments, want 1", q.len())
	}
}

func TestRecvQueueBoundedByMaxGaps(t *testing.T) {
	q := newRecvQueue(2)
	base := seqnum.Value(0)

	if !q.insert(oooSegment{seqStart: base.Add(100), seqEnd: base.Add(110), payload: make([]byte, 10)}) {
		t.Fatal("1st insert should succeed")
	}
	if !q.insert(oooSegment{seqStart: base.Add(200), seqEnd: base.Add(210), payload: make([]byte, 10)}) {
		t.Fatal("2nd insert should succeed")
	}
	if q.insert(oooSegment{seqStart: base.Add(300), seqEnd: base.Add(310), payload: make([]byte, 10)}) {
		t.Fatal("3rd insert should be rejected: queue is full")
	}
}
