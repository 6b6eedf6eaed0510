// Package ipstack is the narrow glue boundary between internal/tcp's engine
// and the external IPv4/ICMP collaborators spec.md §1 puts out of scope
// (Ethernet, ARP, IPv4 fragmentation/routing, ICMP). It owns exactly two
// things: translating an ICMP "fragmentation needed" report into an
// internal/mtu.Cache update, and a small helper for wiring a raw socket as
// the engine's IPSender. internal/tcp.Engine/IPSender/ReceiveInfo stay in
// internal/tcp itself since they are the engine's own segment-level
// boundary, not IP-layer glue; see DESIGN.md for the split rationale.
package ipstack

import "github.com/tinyrange/aipstack/internal/mtu"

// FragNeededNotifier is implemented by whatever ICMP handler a host process
// wires up; it is the one subscription contract spec.md §4.E describes as
// coming from ICMP. The TCP engine never parses ICMP itself.
type FragNeededNotifier interface {
	// Subscribe registers report to be called whenever an ICMP type-3
	// code-4 ("fragmentation needed") message arrives for remote, with
	// whatever next-hop MTU the message carried (0 if the sender omitted
	// it, the RFC 1191 "old style" case internal/mtu's plateau table
	// handles).
	Subscribe(report func(remote mtu.Addr, nextHopMTU int))
}

// WireFragNeeded subscribes cache to notifier so every "fragmentation
// needed" report updates the PMTU cache entry for its remote address,
// closing the loop spec.md §4.E describes between ICMP and the PMTU cache.
// ifaceMTU is the interface's own MTU, the upper bound every cache entry is
// clamped to.
func WireFragNeeded(notifier FragNeededNotifier, cache *mtu.Cache, ifaceMTU int) {
	notifier.Subscribe(func(remote mtu.Addr, nextHopMTU int) {
		cache.FragmentationNeeded(remote, ifaceMTU, nextHopMTU)
	})
}
