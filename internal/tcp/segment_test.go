package tcp

import (
	"testing"

	"github.com/tinyrange/aipstack/internal/mtu"
	"github.com/tinyrange/aipstack/internal/seqnum"
)

func TestBuildAndParseSegmentRoundTrip(t *testing.T) {
	raw := buildSegment(1234, 80, seqnum.Value(1000), seqnum.Value(2000), FlagACK|FlagPSH, 4096, nil, []byte("hello"))
	got, err := parseSegment(raw)
	if err != nil {
		t.Fatalf("parseSegment: %v", err)
	}
	if got.SrcPort != 1234 || got.DstPort != 80 {
		t.Fatalf("ports = %d/%d, want 1234/80", got.SrcPort, got.DstPort)
	}
	if got.Seq != seqnum.Value(1000) || got.Ack != seqnum.Value(2000) {
		t.Fatalf("seq/ack = %v/%v, want 1000/2000", got.Seq, got.Ack)
	}
	if got.Flags != FlagACK|FlagPSH {
		t.Fatalf("flags = %#x, want %#x", got.Flags, FlagACK|FlagPSH)
	}
	if string(got.Payload) != "hello" {
		t.Fatalf("payload = %q, want %q", got.Payload, "hello")
	}
}

func TestParseSegmentTooShort(t *testing.T) {
	if _, err := parseSegment(make([]byte, 10)); err == nil {
		t.Fatal("expected error for undersized segment")
	}
}

func TestChecksumRoundTrip(t *testing.T) {
	src := mtu.Addr{10, 0, 0, 1}
	dst := mtu.Addr{10, 0, 0, 2}

	raw := buildSegment(1234, 80, seqnum.Value(1), seqnum.Value(2), FlagACK, 4096, nil, []byte("payload data"))
	fillChecksum(raw, src, dst)

	if !verifyChecksum(raw, src, dst) {
		t.Fatal("checksum should validate after fillChecksum")
	}

	raw[len(raw)-1] ^= 0xff
	if verifyChecksum(raw, src, dst) {
		t.Fatal("corrupted payload must fail checksum validation")
	}
}

func TestSegLenCountsSynAndFin(t *testing.T) {
	s := segment{Flags: FlagSYN, Payload: nil}
	if s.segLen() != 1 {
		t.Fatalf("SYN-only segLen = %d, want 1", s.segLen())
	}
	s2 := segment{Flags: FlagFIN | FlagACK, Payload: []byte("abc")}
	if s2.segLen() != 4 {
		t.Fatalf("FIN+3 byte payload segLen = %d, want 4", s2.segLen())
	}
}
