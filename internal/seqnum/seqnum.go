// Package seqnum provides 32-bit modular sequence-space arithmetic for the
// TCP engine, per aipstack's TcpSeqNum.h. Rather than re-deriving the
// wraparound comparisons, it wraps gVisor's pkg/tcpip/seqnum package, which
// already implements exactly this arithmetic for its own TCP stack (the
// teacher's own conformance harness, internal/netstack/test/gvisor.go,
// already pulls in gvisor.dev/gvisor/pkg/tcpip; this is the piece of that
// dependency that corresponds 1:1 to this spec's component).
package seqnum

import gseq "gvisor.dev/gvisor/pkg/tcpip/seqnum"

// Value is a 32-bit sequence number (SYN/ACK/data sequence space).
type Value gseq.Value

// Size is a count of sequence-space positions (a segment length, a window).
type Size gseq.Size

// Add returns v+delta in sequence space.
func (v Value) Add(delta Size) Value {
	return Value(gseq.Value(v).Add(gseq.Size(delta)))
}

// Sub returns the distance v-b expressed as a Size; only meaningful when v
// is "ahead of" b in the window the caller is reasoning about.
func (v Value) Sub(b Value) Size {
	return Size(gseq.Value(b).Size(gseq.Value(v)))
}

// LtMod reports whether v comes strictly before b, i.e. (v - b) >= 2^31
// when both are interpreted as unsigned 32-bit, per spec.md §4.G.
func (v Value) LtMod(b Value) bool {
	return gseq.Value(v).LessThan(gseq.Value(b))
}

// LeqMod reports whether v comes at or before b in modular order.
func (v Value) LeqMod(b Value) bool {
	return gseq.Value(v).LessThanEq(gseq.Value(b))
}

// GtMod reports whether v comes strictly after b.
func (v Value) GtMod(b Value) bool { return b.LtMod(v) }

// GeqMod reports whether v comes at or after b.
func (v Value) GeqMod(b Value) bool { return b.LeqMod(v) }

// Leq implements spec.md's reference-anchored comparison: a <=_ref b iff
// (a - ref) <= (b - ref) as unsigned 32-bit. This is the primitive every
// PCB invariant check (snd_una <= snd_nxt <= snd_una+queued) is built on.
func Leq(ref, a, b Value) bool {
	return a.Sub(ref) <= b.Sub(ref)
}

// InWindow reports whether v falls in [first, first+size).
func InWindow(v, first Value, size Size) bool {
	return gseq.Value(v).InWindow(gseq.Value(first), gseq.Size(size))
}

// Min returns whichever of a, b is smaller in modular order relative to ref.
func Min(ref, a, b Value) Value {
	if Leq(ref, a, b) {
		return a
	}
	return b
}
