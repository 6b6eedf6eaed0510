// Package mtu implements the per-destination Path MTU cache and MtuRef
// handle described in spec.md §4.E, grounded on aipstack's MtuRef/IpMtuRef
// design and on the [4]byte IPv4 address convention internal/netstack uses
// for hostIPv4/guestIPv4 (internal/netstack/netstack.go) rather than the
// heavier net.IP representation.
package mtu

import (
	"sync"
	"time"

	"github.com/tinyrange/aipstack/internal/observer"
)

// Addr is an IPv4 address in network byte order.
type Addr [4]byte

// MinMTU is the minimum IPv4 MTU every path is clamped above, per RFC 791's
// guaranteed reassembly size and spec.md §4.E/§2's `MinMTU` references.
const MinMTU = 576

// plateau is RFC 1191's table of "common" MTUs, consulted when an ICMP
// "fragmentation needed" message doesn't carry a next-hop MTU: the cache
// steps down to the next entry strictly below the current estimate instead
// of guessing, per spec.md §4.E's "halving schedule over a small plateau
// table".
var plateau = []int{68, 296, 508, 1006, 1280, 1492, 2002, 4352, 8166, 17914, 32000, 65535}

// nextLowerPlateau returns the largest plateau value that is strictly below
// cur and above MinMTU, or MinMTU if no plateau value qualifies.
func nextLowerPlateau(cur int) int {
	best := MinMTU
	for _, p := range plateau {
		if p < cur && p > best {
			best = p
		}
	}
	return best
}

// entry is one cached PMTU estimate, per spec.md §2's PMTU entry layout
// `{remote_addr, current_mtu, refcount, last_update_time}`.
type entry struct {
	addr           Addr
	currentMTU     int
	ifaceMTU       int
	refcount       int
	lastUpdateTime time.Time
	changed        observer.List
}

// Cache holds one PMTU entry per remote address, reference-counted across
// the MtuRef handles that reference it. Mutated only from the event-loop
// thread per spec.md §5's shared-resource rule; Cache has no internal
// locking of its own beyond what callers already serialize through the loop.
// The mutex here guards only against accidental concurrent use in tests.
type Cache struct {
	mu      sync.Mutex
	entries map[Addr]*entry
	now     func() time.Time
}

// New constructs an empty cache. now defaults to time.Now when nil; tests
// pass a fake clock's Now method to control aging deterministically.
func New(now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{entries: make(map[Addr]*entry), now: now}
}

func (c *Cache) getOrCreate(addr Addr, ifaceMTU int) *entry {
	e, ok := c.entries[addr]
	if !ok {
		e = &entry{addr: addr, currentMTU: ifaceMTU, ifaceMTU: ifaceMTU, lastUpdateTime: c.now()}
		c.entries[addr] = e
	}
	return e
}

// FragmentationNeeded handles an ICMP "fragmentation needed" report for
// addr. nextHopMTU is the next-hop MTU carried in the ICMP message, or 0 if
// unspecified (RFC 1191 "old style" message), in which case the entry steps
// down to the next lower plateau value instead. The new value is clamped to
// [MinMTU, ifaceMTU] and only ever decreases here; PMTU increase is left to
// the aging/probe cycle (spec.md §2's "only decrease outside of an
// occasional aging/probe cycle").
func (c *Cache) FragmentationNeeded(addr Addr, ifaceMTU int, nextHopMTU int) {
	c.mu.Lock()

	e := c.getOrCreate(addr, ifaceMTU)

	var candidate int
	if nextHopMTU > 0 {
		candidate = nextHopMTU
	} else {
		candidate = nextLowerPlateau(e.currentMTU)
	}
	if candidate < MinMTU {
		candidate = MinMTU
	}
	if candidate > ifaceMTU {
		candidate = ifaceMTU
	}

	if candidate >= e.currentMTU {
		// Only ever lower the PMTU from a fragmentation-needed report; a
		// report that wouldn't shrink it is stale or malformed.
		c.mu.Unlock()
		return
	}

	e.currentMTU = candidate
	e.lastUpdateTime = c.now()
	// Observers read the new value through the cache, so notify unlocked.
	c.mu.Unlock()
	e.changed.NotifyKeep()
}

// Reset reapplies ifaceMTU as an upper bound and re-seeds an aged-out entry
// to it; used by the periodic aging/probe cycle to let a PMTU recover once
// enough time has passed without another fragmentation-needed report.
func (c *Cache) Reset(addr Addr, ifaceMTU int) {
	c.mu.Lock()

	e, ok := c.entries[addr]
	if !ok {
		c.mu.Unlock()
		return
	}
	e.ifaceMTU = ifaceMTU
	if e.currentMTU == ifaceMTU {
		c.mu.Unlock()
		return
	}
	e.currentMTU = ifaceMTU
	e.lastUpdateTime = c.now()
	c.mu.Unlock()
	e.changed.NotifyKeep()
}

// MtuRef is a reference-counted handle a PCB holds into the cache, per
// spec.md §4.E. The zero value is not usable; construct with Cache.Setup.
// Reset must be called exactly once before a MtuRef is discarded — by
// design the cache keeps no pointer back to the owning stack per ref, so
// there is nothing else to release it automatically.
type MtuRef struct {
	cache    *Cache
	addr     Addr
	obs      *observer.Observer
	released bool
}

// Setup installs a reference for addr (behind iface MTU ifaceMTU) and
// returns the current PMTU estimate, which is always >= MinMTU. onChanged,
// if non-nil, is invoked with the new MTU whenever the cached value for addr
// changes while this ref is live.
func (c *Cache) Setup(addr Addr, ifaceMTU int, onChanged func(newMTU int)) (*MtuRef, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.getOrCreate(addr, ifaceMTU)
	e.refcount++

	ref := &MtuRef{cache: c, addr: addr}
	if onChanged != nil {
		ref.obs = e.changed.Subscribe(func() {
			c.mu.Lock()
			mtu := e.currentMTU
			c.mu.Unlock()
			onChanged(mtu)
		})
	}
	return ref, e.currentMTU
}

// Current returns the referenced entry's current PMTU.
func (r *MtuRef) Current() int {
	r.cache.mu.Lock()
	defer r.cache.mu.Unlock()
	return r.cache.entries[r.addr].currentMTU
}

// Reset releases the reference. Mandatory before a MtuRef is discarded; safe
// to call more than once.
func (r *MtuRef) Reset() {
	if r.released {
		return
	}
	r.released = true
	if r.obs != nil {
		r.obs.Close()
	}

	r.cache.mu.Lock()
	defer r.cache.mu.Unlock()
	e, ok := r.cache.entries[r.addr]
	if !ok {
		return
	}
	e.refcount--
	if e.refcount <= 0 {
		delete(r.cache.entries, r.addr)
	}
}
