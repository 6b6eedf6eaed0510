package tcp

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/aipstack/internal/buf"
	"github.com/tinyrange/aipstack/internal/mtu"
	"github.com/tinyrange/aipstack/internal/seqnum"
)

// TCP flag bits (RFC 793 §3.1), adapted from internal/netstack/netstack.go's
// tcpFlag* constants.
const (
	FlagFIN uint8 = 0x01
	FlagSYN uint8 = 0x02
	FlagRST uint8 = 0x04
	FlagPSH uint8 = 0x08
	FlagACK uint8 = 0x10
)

const headerLen = 20

// segment is a parsed TCP segment: header fields plus trailing options and
// payload. Generalized from internal/netstack/netstack.go's tcpHeader, with
// seq/ack promoted to seqnum.Value and flags narrowed to uint8 (the upper
// byte of the source's uint16 flags field is always zero: RFC 793 only
// defines 6 control bits in the low byte of that field, ECN/CWR are outside
// this spec's scope).
type segment struct {
	SrcPort  uint16
	DstPort  uint16
	Seq      seqnum.Value
	Ack      seqnum.Value
	Flags    uint8
	Window   uint16
	Checksum uint16
	Urgent   uint16
	Options  []byte
	Payload  []byte
}

// parseSegment parses a TCP segment from data (the IPv4 payload handed to
// the engine, per spec.md §6). It does not validate the checksum; callers
// validate separately against the IPv4 pseudo-header (see
// verifyChecksum), which HandleSegment does before parsing; a segment that
// fails either check is dropped silently.
func parseSegment(data []byte) (segment, error) {
	if len(data) < headerLen {
		return segment{}, fmt.Errorf("tcp: segment too short: %d bytes", len(data))
	}
	hdrLen := int(data[12]>>4) * 4
	if hdrLen < headerLen || len(data) < hdrLen {
		return segment{}, fmt.Errorf("tcp: invalid data offset %d for %d byte segment", hdrLen, len(data))
	}

	s := segment{
		SrcPort:  binary.BigEndian.Uint16(data[0:2]),
		DstPort:  binary.BigEndian.Uint16(data[2:4]),
		Seq:      seqnum.Value(binary.BigEndian.Uint32(data[4:8])),
		Ack:      seqnum.Value(binary.BigEndian.Uint32(data[8:12])),
		Flags:    data[13],
		Window:   binary.BigEndian.Uint16(data[14:16]),
		Checksum: binary.BigEndian.Uint16(data[16:18]),
		Urgent:   binary.BigEndian.Uint16(data[18:20]),
		Payload:  data[hdrLen:],
	}
	if hdrLen > headerLen {
		s.Options = data[headerLen:hdrLen]
	}
	return s, nil
}

// segLen is SEG.LEN per RFC 793 §3.3: payload bytes plus one for each of SYN
// and FIN (they occupy sequence space).
func (s segment) segLen() seqnum.Size {
	n := seqnum.Size(len(s.Payload))
	if s.Flags&FlagSYN != 0 {
		n++
	}
	if s.Flags&FlagFIN != 0 {
		n++
	}
	return n
}

// buildSegment encodes a TCP segment with the given fields and options,
// leaving the checksum field to be filled in by the caller once the
// pseudo-header is known (see internal/tcp's send path).
func buildSegment(srcPort, dstPort uint16, seq, ack seqnum.Value, flags uint8, window uint16, options, payload []byte) []byte {
	optLen := len(options)
	// Options are always padded to a 4-byte boundary by BuildSynAck/the
	// caller; pad defensively here too so dataOffset is always valid.
	for optLen%4 != 0 {
		optLen++
	}
	hdrLen := headerLen + optLen
	out := make([]byte, hdrLen+len(payload))

	binary.BigEndian.PutUint16(out[0:2], srcPort)
	binary.BigEndian.PutUint16(out[2:4], dstPort)
	binary.BigEndian.PutUint32(out[4:8], uint32(seq))
	binary.BigEndian.PutUint32(out[8:12], uint32(ack))
	out[12] = byte(hdrLen/4) << 4
	out[13] = flags
	binary.BigEndian.PutUint16(out[14:16], window)
	// out[16:18] checksum left zero for the caller to fill in.
	// out[18:20] urgent pointer: unused, left zero.
	copy(out[headerLen:hdrLen], options)
	copy(out[hdrLen:], payload)
	return out
}

// pseudoHeaderChecksum computes the IPv4 TCP pseudo-header checksum
// contribution (RFC 793 §3.1), to be folded together with the TCP header
// and payload's own checksum.
func pseudoHeaderChecksum(src, dst mtu.Addr, tcpLen int) uint32 {
	var sum uint32
	sum += uint32(src[0])<<8 | uint32(src[1])
	sum += uint32(src[2])<<8 | uint32(src[3])
	sum += uint32(dst[0])<<8 | uint32(dst[1])
	sum += uint32(dst[2])<<8 | uint32(dst[3])
	sum += uint32(6) // protocol TCP
	sum += uint32(tcpLen)
	return sum
}

// fillChecksum computes and writes the TCP checksum into a segment buf
// produced by buildSegment, using internal/buf's chain checksum so the
// computation exercises the zero-copy buffer abstraction rather than a
// bespoke byte-slice fold.
func fillChecksum(segBuf []byte, src, dst mtu.Addr) {
	segBuf[16], segBuf[17] = 0, 0
	ref := buf.FromBytes(segBuf)
	sum := ref.Checksum(pseudoHeaderChecksum(src, dst, len(segBuf)))
	binary.BigEndian.PutUint16(segBuf[16:18], ^sum)
}

// verifyChecksum reports whether data (the full TCP segment, header
// included) carries a valid checksum for the given IPv4 pseudo-header. The
// transmitted checksum field is the one's complement of the correct sum, so
// folding it back in along with everything else must yield all-ones.
func verifyChecksum(data []byte, src, dst mtu.Addr) bool {
	ref := buf.FromBytes(data)
	sum := ref.Checksum(pseudoHeaderChecksum(src, dst, len(data)))
	return sum == 0xffff
}
