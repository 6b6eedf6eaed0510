package tcp

import "time"

// Config bundles every tunable spec.md §6 names for the TCP engine. Unlike
// the teacher's toy netstack, which hardcodes these as package constants,
// the engine takes a Config value at construction (spec.md §9's "prefer a
// single engine type parameterized by a concrete platform struct, and use
// small configuration structs for the tunables" note, replacing the
// original's per-instantiation template-argument bundles).
type Config struct {
	// MaxPcbs is a hard cap on active connections; 0 means unlimited.
	MaxPcbs int
	// MaxListeners is a hard cap on passive sockets; 0 means unlimited.
	MaxListeners int

	// RcvWndShift is the advertised window scale, 0..14.
	RcvWndShift uint8
	// DefaultRcvWnd is the initial advertised window in bytes.
	DefaultRcvWnd uint32
	// DefaultWndUpdateThreshold is the silly-window-avoidance threshold: an
	// increase to the advertised window is sent only once it would grow by
	// at least this many bytes (or the whole free buffer). Not standardized
	// by any RFC; spec.md §9 documents 2700 B as the default and notes it
	// as a tunable, not a protocol constant.
	DefaultWndUpdateThreshold uint32

	InitialRto time.Duration
	MinRto     time.Duration
	MaxRto     time.Duration

	AbandonedTimeout time.Duration
	TimeWaitDuration time.Duration
	SynRcvdTimeout   time.Duration
	SynSentTimeout   time.Duration

	// FastRtxDupAcks is the duplicate-ACK count that triggers fast
	// retransmit (RFC 5681 default 3).
	FastRtxDupAcks int
	// MaxAdditionalDupAcks bounds how many further dup ACKs beyond
	// FastRtxDupAcks continue to inflate cwnd during fast recovery.
	MaxAdditionalDupAcks int

	// MaxSegmentSizeCap is the configured upper bound on negotiated MSS,
	// independent of PMTU and the peer's own advertised MSS.
	MaxSegmentSizeCap uint16

	// MaxOOOSegments bounds the out-of-order reassembly queue the engine
	// keeps per PCB (see recvQueue); spec.md §9 resolves the "should a
	// rewrite add OOO queueing" open question in favor of a small bounded
	// queue rather than none.
	MaxOOOSegments int
}

// DefaultConfig returns the literal defaults spec.md §6 lists.
func DefaultConfig() Config {
	return Config{
		MaxPcbs:                   0,
		MaxListeners:              0,
		RcvWndShift:               6,
		DefaultRcvWnd:             64 << 10,
		DefaultWndUpdateThreshold: 2700,
		InitialRto:                1 * time.Second,
		MinRto:                    250 * time.Millisecond,
		MaxRto:                    60 * time.Second,
		AbandonedTimeout:          30 * time.Second,
		TimeWaitDuration:          120 * time.Second,
		SynRcvdTimeout:            20 * time.Second,
		SynSentTimeout:            30 * time.Second,
		FastRtxDupAcks:            3,
		MaxAdditionalDupAcks:      32,
		MaxSegmentSizeCap:         1460,
		MaxOOOSegments:            16,
	}
}

// MinMTU is re-exported from internal/mtu for callers that only import
// internal/tcp; the TCP engine's MSS floor is derived from it.
const MinMTU = 576

// MinMSS is the floor every negotiated snd_mss must respect, per spec.md §3.
const MinMSS = MinMTU - 40

// MaxAckBefore bounds how far behind snd_una an incoming ACK may be and
// still be accepted, per spec.md §4.H step 3 (aipstack's IpTcpProto_constants.h
// TcpProto::MaxAckBefore). An ACK older than this is treated as stale rather
// than as a corrective-ACK trigger.
const MaxAckBefore = 0xffff
