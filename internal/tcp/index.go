package tcp

import (
	"container/list"
	"hash/fnv"

	"github.com/tinyrange/aipstack/internal/mtu"
)

// numActiveBuckets sizes the active-PCB hash table. Picked as a fixed power
// of two rather than grown dynamically: spec.md's MaxPcbs cap means the
// table never needs to scale past a bounded connection count.
const numActiveBuckets = 256

// activeIndex is the four-tuple-keyed active PCB table from spec.md §4.F:
// one MRU-ordered container/list per hash bucket, so a PCB that is looked
// up repeatedly (every inbound segment on a busy flow) floats to the front
// of its bucket and subsequent lookups on the same flow are cheap even when
// its bucket has collisions.
type activeIndex struct {
	buckets [numActiveBuckets]list.List
	count   int
}

func newActiveIndex() *activeIndex { return &activeIndex{} }

func bucketFor(t FourTuple) int {
	h := fnv.New32a()
	h.Write([]byte{byte(t.RemotePort), byte(t.RemotePort >> 8)})
	h.Write(t.RemoteAddr[:])
	h.Write([]byte{byte(t.LocalPort), byte(t.LocalPort >> 8)})
	h.Write(t.LocalAddr[:])
	return int(h.Sum32() % numActiveBuckets)
}

// Insert adds pcb to the table, returning ErrAddrInUse if its four-tuple is
// already present (spec.md §4.F: "duplicate active four-tuples are
// forbidden").
func (idx *activeIndex) Insert(pcb *PCB) error {
	b := bucketFor(pcb.tuple)
	l := &idx.buckets[b]
	for e := l.Front(); e != nil; e = e.Next() {
		if e.Value.(*PCB).tuple == pcb.tuple {
			return ErrAddrInUse
		}
	}
	l.PushFront(pcb)
	pcb.listElem = bucketElement{present: true, bucket: b}
	idx.count++
	return nil
}

// Find looks up a PCB by exact four-tuple, moving it to the front of its
// bucket on a hit (the MRU discipline spec.md §4.F calls for).
func (idx *activeIndex) Find(t FourTuple) (*PCB, bool) {
	b := bucketFor(t)
	l := &idx.buckets[b]
	for e := l.Front(); e != nil; e = e.Next() {
		if p := e.Value.(*PCB); p.tuple == t {
			l.MoveToFront(e)
			return p, true
		}
	}
	return nil, false
}

// Remove detaches pcb from the table. Safe to call on a PCB that is not
// currently indexed.
func (idx *activeIndex) Remove(pcb *PCB) {
	if !pcb.listElem.present {
		return
	}
	l := &idx.buckets[pcb.listElem.bucket]
	for e := l.Front(); e != nil; e = e.Next() {
		if e.Value.(*PCB) == pcb {
			l.Remove(e)
			break
		}
	}
	pcb.listElem = bucketElement{}
	idx.count--
}

func (idx *activeIndex) Count() int { return idx.count }

// listenerKey identifies a Listener: a local port and address, where a zero
// address means "any" (spec.md §4.F's "(local_port, any)" wildcard match).
type listenerKey struct {
	port uint16
	addr mtu.Addr
}

var anyAddr mtu.Addr

// listenerIndex is the listener table from spec.md §4.F, keyed by
// (local_port, local_addr) with wildcard-address fallback.
type listenerIndex struct {
	byKey map[listenerKey]*Listener
}

func newListenerIndex() *listenerIndex {
	return &listenerIndex{byKey: make(map[listenerKey]*Listener)}
}

func (idx *listenerIndex) Insert(l *Listener) error {
	k := listenerKey{port: l.localPort, addr: l.localAddr}
	if _, exists := idx.byKey[k]; exists {
		return ErrAddrInUse
	}
	idx.byKey[k] = l
	return nil
}

func (idx *listenerIndex) Remove(l *Listener) {
	delete(idx.byKey, listenerKey{port: l.localPort, addr: l.localAddr})
}

// Find returns the listener matching an exact (port, addr), falling back to
// the wildcard (port, any) listener per spec.md §4.F's lookup contract.
func (idx *listenerIndex) Find(port uint16, addr mtu.Addr) (*Listener, bool) {
	if l, ok := idx.byKey[listenerKey{port: port, addr: addr}]; ok {
		return l, true
	}
	l, ok := idx.byKey[listenerKey{port: port, addr: anyAddr}]
	return l, ok
}

func (idx *listenerIndex) Count() int { return len(idx.byKey) }
