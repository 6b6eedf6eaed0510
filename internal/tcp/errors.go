package tcp

import "errors"

// Resource-exhaustion and misuse errors connect fails synchronously with,
// per spec.md §7's tagged-result error taxonomy (the source's exceptions
// become sentinel errors here, matching the rest of the pack's preference
// for errors.Is-comparable sentinels over typed exception hierarchies).
var (
	ErrNoPortAvailable  = errors.New("tcp: no ephemeral port available")
	ErrNoPcbAvailable   = errors.New("tcp: no pcb available (MaxPcbs reached)")
	ErrNoIPRoute        = errors.New("tcp: no ip route to destination")
	ErrNoMtuEntryAvailable = errors.New("tcp: no mtu cache entry available")
	ErrAddrInUse        = errors.New("tcp: local address/port already in use")
	ErrListenerLimit    = errors.New("tcp: no listener slot available (MaxListeners reached)")
	ErrConnectionClosed = errors.New("tcp: connection is closed")
	ErrNotConnected     = errors.New("tcp: connection is not established")
)
