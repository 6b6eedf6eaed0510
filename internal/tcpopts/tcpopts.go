// Package tcpopts parses and emits the TCP options the engine negotiates on
// SYN/SYN-ACK segments: Maximum Segment Size and Window Scale (RFC 1323).
// Generalized from internal/netstack/tcp.go's parseTCPOptions/
// buildSynAckOptions, which this package's tests hold to the same
// skip-unknown-option, malformed-length-terminates-parsing semantics.
package tcpopts

import "encoding/binary"

// Option kinds used by this engine (RFC 793, RFC 1323).
const (
	kindEnd      = 0
	kindNOP      = 1
	kindMSS      = 2
	kindWndScale = 3
)

// Options holds the subset of a segment's TCP options this engine
// understands. Every other option kind is skipped over using its length
// byte and otherwise ignored, per spec.md §4.G's option negotiation.
type Options struct {
	MSS         uint16
	WndScale    uint8
	HasMSS      bool
	HasWndScale bool
}

// Parse scans a segment's option bytes, extracting MSS and Window Scale.
// Unknown option kinds are skipped via their length byte. A malformed
// length (missing length byte, or a length claiming fewer than the 2 bytes
// every TLV option must have) stops parsing and returns whatever was
// recognized so far, rather than guessing and risking desync on garbage.
func Parse(options []byte) Options {
	var opts Options
	i := 0
	for i < len(options) {
		kind := options[i]
		switch kind {
		case kindEnd:
			return opts
		case kindNOP:
			i++
			continue
		case kindMSS:
			if i+4 <= len(options) && options[i+1] == 4 {
				opts.MSS = binary.BigEndian.Uint16(options[i+2 : i+4])
				opts.HasMSS = true
			}
			if i+1 >= len(options) || options[i+1] < 2 {
				return opts
			}
			i += int(options[i+1])
		case kindWndScale:
			if i+3 <= len(options) && options[i+1] == 3 {
				opts.WndScale = options[i+2]
				opts.HasWndScale = true
			}
			if i+1 >= len(options) || options[i+1] < 2 {
				return opts
			}
			i += int(options[i+1])
		default:
			if i+1 >= len(options) {
				return opts
			}
			length := int(options[i+1])
			if length < 2 {
				return opts
			}
			i += length
		}
	}
	return opts
}

// BuildSynAck encodes the options sent on a SYN-ACK (or SYN) segment: MSS
// always, Window Scale only when peerHasWndScale is set. The engine sets it
// on its own active-open SYN, and on a SYN-ACK only when the peer's SYN
// carried Window Scale (RFC 1323 lets the responder send it only in
// reply). The result is always padded to a 4-byte boundary
// with a leading NOP before the WS option, matching standard encodings.
func BuildSynAck(mss uint16, wndScale uint8, peerHasWndScale bool) []byte {
	if peerHasWndScale {
		opts := make([]byte, 8)
		opts[0] = kindMSS
		opts[1] = 4
		binary.BigEndian.PutUint16(opts[2:4], mss)
		opts[4] = kindNOP
		opts[5] = kindWndScale
		opts[6] = 3
		opts[7] = wndScale
		return opts
	}
	opts := make([]byte, 4)
	opts[0] = kindMSS
	opts[1] = 4
	binary.BigEndian.PutUint16(opts[2:4], mss)
	return opts
}
