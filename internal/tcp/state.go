package tcp

// State is a PCB's position in the TCP state diagram, per spec.md §4.H.
// Modeled as a closed sum type (Go idiom for the source's polymorphic
// "TcpState" base class, per spec.md §9's virtual-dispatch note) so the
// state predicates below compile down to simple bit tests rather than a
// dynamic dispatch.
type State uint8

const (
	StateClosed State = iota
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateCloseWait
	StateLastAck
	StateFinWait1
	StateFinWait2
	StateClosing
	StateTimeWait
	// stateFinWait2ToTimeWait is the internal transient spec.md §9 calls
	// out: the peer's FIN has been validated and rcv_nxt has advanced past
	// it, but the engine defers the actual transition to TimeWait until
	// after the end_received callback returns, so a Connection handle is
	// never invalidated out from under a callback that is still running
	// against it. It is observably FinWait2 to everything except the one
	// deferred transition step.
	stateFinWait2ToTimeWait
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRcvd:
		return "SYN_RCVD"
	case StateEstablished:
		return "ESTABLISHED"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateLastAck:
		return "LAST_ACK"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateClosing:
		return "CLOSING"
	case StateTimeWait:
		return "TIME_WAIT"
	case stateFinWait2ToTimeWait:
		return "FIN_WAIT_2(->TIME_WAIT)"
	default:
		return "UNKNOWN"
	}
}

// AcceptingData reports whether a PCB in this state still delivers received
// data to the user (ESTABLISHED/FIN_WAIT_1/FIN_WAIT_2 per spec.md §4.H).
func (s State) AcceptingData() bool {
	switch s {
	case StateEstablished, StateFinWait1, StateFinWait2, stateFinWait2ToTimeWait:
		return true
	default:
		return false
	}
}

// CanSend reports whether new data may still be queued for sending: "not in
// FIN-closed states".
func (s State) CanSend() bool {
	switch s {
	case StateFinWait1, StateFinWait2, stateFinWait2ToTimeWait, StateClosing, StateLastAck, StateTimeWait, StateClosed:
		return false
	default:
		return true
	}
}

// SendStillOpen reports the narrower "ESTABLISHED/CLOSE_WAIT" condition used
// when deciding whether a user close() should just mark FIN pending versus
// being a no-op.
func (s State) SendStillOpen() bool {
	return s == StateEstablished || s == StateCloseWait
}

// SynInFlight reports whether this PCB is still completing the handshake.
func (s State) SynInFlight() bool {
	return s == StateSynSent || s == StateSynRcvd
}

// InIndex reports whether a PCB in this state is required to be present in
// the PCB index, per spec.md §3's "a PCB is present in the PCB index iff its
// state is not CLOSED" invariant.
func (s State) InIndex() bool {
	return s != StateClosed
}
