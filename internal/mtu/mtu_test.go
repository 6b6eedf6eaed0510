package mtu

import (
	"testing"
	"time"
)

var testAddr = Addr{10, 0, 0, 1}

func TestSetupReturnsIfaceMTUAboveMinMTU(t *testing.T) {
	c := New(time.Now)
	ref, got := c.Setup(testAddr, 1500, nil)
	defer ref.Reset()

	if got != 1500 {
		t.Fatalf("Setup MTU = %d, want 1500", got)
	}
	if got < MinMTU {
		t.Fatalf("Setup MTU %d below MinMTU %d", got, MinMTU)
	}
}

func TestFragmentationNeededClampsAndNotifies(t *testing.T) {
	c := New(time.Now)

	var notified int
	ref, initial := c.Setup(testAddr, 1500, func(newMTU int) { notified = newMTU })
	defer ref.Reset()
	if initial != 1500 {
		t.Fatalf("initial MTU = %d, want 1500", initial)
	}

	c.FragmentationNeeded(testAddr, 1500, 1400)
	if ref.Current() != 1400 {
		t.Fatalf("current MTU = %d, want 1400", ref.Current())
	}
	if notified != 1400 {
		t.Fatalf("onChanged saw %d, want 1400", notified)
	}
}

func TestFragmentationNeededWithoutNextHopMTUUsesPlateau(t *testing.T) {
	c := New(time.Now)
	ref, _ := c.Setup(testAddr, 1500, nil)
	defer ref.Reset()

	// No next-hop MTU given: must fall back to the next lower plateau value
	// strictly below the current 1500, which is 1492.
	c.FragmentationNeeded(testAddr, 1500, 0)
	if got := ref.Current(); got != 1492 {
		t.Fatalf("plateau fallback MTU = %d, want 1492", got)
	}
}

func TestFragmentationNeededNeverBelowMinMTU(t *testing.T) {
	c := New(time.Now)
	ref, _ := c.Setup(testAddr, 1500, nil)
	defer ref.Reset()

	c.FragmentationNeeded(testAddr, 1500, 10)
	if got := ref.Current(); got != MinMTU {
		t.Fatalf("clamped MTU = %d, want MinMTU %d", got, MinMTU)
	}
}

func TestFragmentationNeededNeverIncreases(t *testing.T) {
	c := New(time.Now)
	ref, _ := c.Setup(testAddr, 1500, nil)
	defer ref.Reset()

	c.FragmentationNeeded(testAddr, 1500, 1000)
	c.FragmentationNeeded(testAddr, 1500, 1400) // would increase; must be ignored
	if got := ref.Current(); got != 1000 {
		t.Fatalf("MTU = %d, want 1000 (increase must be ignored)", got)
	}
}

func TestResetReleasesReferenceAndNotificationStops(t *testing.T) {
	c := New(time.Now)

	calls := 0
	ref, _ := c.Setup(testAddr, 1500, func(int) { calls++ })
	ref.Reset()
	ref.Reset() // idempotent

	// Entry is gone; a later Setup for the same addr starts fresh rather
	// than inheriting a shrunk MTU.
	ref2, mtu := c.Setup(testAddr, 1500, nil)
	defer ref2.Reset()
	if mtu != 1500 {
		t.Fatalf("fresh Setup after last ref released = %d, want 1500", mtu)
	}
	if calls != 0 {
		t.Fatalf("released ref's callback fired %d times, want 0", calls)
	}
}

func TestRefcountKeepsEntryAliveUntilLastReset(t *testing.T) {
	c := New(time.Now)

	refA, _ := c.Setup(testAddr, 1500, nil)
	refB, _ := c.Setup(testAddr, 1500, nil)

	c.FragmentationNeeded(testAddr, 1500, 1400)
	refA.Reset()

	if got := refB.Current(); got != 1400 {
		t.Fatalf("surviving ref's MTU = %d, want 1400", got)
	}
	refB.Reset()
}
