package seqnum

import "testing"

func TestLtModWraparound(t *testing.T) {
	a := Value(0xfffffff0)
	b := Value(0x00000010)
	if !a.LtMod(b) {
		t.Fatalf("expected %v < %v across wraparound", a, b)
	}
	if b.LtMod(a) {
		t.Fatalf("did not expect %v < %v", b, a)
	}
}

func TestLeqReferenceAnchored(t *testing.T) {
	ref := Value(1000)
	if !Leq(ref, ref, ref.Add(10)) {
		t.Fatalf("ref <=_ref ref+10 should hold")
	}
	if Leq(ref, ref.Add(10), ref) {
		t.Fatalf("ref+10 <=_ref ref should not hold")
	}
	// Law: r.leq(x,y) <=> (x-r) <= (y-r), tested directly against the
	// definition for a selection of values including wraparound.
	cases := []struct{ x, y Value }{
		{ref, ref},
		{ref.Add(1), ref.Add(2)},
		{ref.Add(1 << 31), ref.Add((1 << 31) + 1)},
	}
	for _, c := range cases {
		got := Leq(ref, c.x, c.y)
		want := c.x.Sub(ref) <= c.y.Sub(ref)
		if got != want {
			t.Fatalf("Leq(%v,%v,%v) = %v, want %v", ref, c.x, c.y, got, want)
		}
	}
}

func TestInWindow(t *testing.T) {
	first := Value(100)
	if !InWindow(Value(100), first, 50) {
		t.Fatalf("first byte should be in window")
	}
	if !InWindow(Value(149), first, 50) {
		t.Fatalf("last byte should be in window")
	}
	if InWindow(Value(150), first, 50) {
		t.Fatalf("one past the window should not be in window")
	}
}

func TestAddAndSubRoundTrip(t *testing.T) {
	v := Value(42)
	got := v.Add(Size(8)).Sub(v)
	if got != 8 {
		t.Fatalf("Add then Sub = %v, want 8", got)
	}
}
