package tcp

import (
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/tinyrange/aipstack/internal/buf"
	"github.com/tinyrange/aipstack/internal/eventloop"
	"github.com/tinyrange/aipstack/internal/mtu"
	"github.com/tinyrange/aipstack/internal/platform"
	"github.com/tinyrange/aipstack/internal/seqnum"
)

// fakeSender records every segment the engine hands to the IP layer,
// standing in for the external Ethernet/ARP/IPv4/ICMP collaborators
// spec.md §1 puts out of scope.
type fakeSender struct {
	mu   sync.Mutex
	sent [][]byte
}

func (s *fakeSender) SendIPv4(dst mtu.Addr, chain buf.Ref, df bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, chain.Bytes())
	return nil
}

func (s *fakeSender) last() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return nil
	}
	return s.sent[len(s.sent)-1]
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func newTestEngine(tb testing.TB) (*Engine, *fakeSender, clockwork.FakeClock) {
	tb.Helper()
	clock := clockwork.NewFakeClock()
	plat := platform.New(clock)
	loop, err := eventloop.New(plat, nil)
	if err != nil {
		tb.Fatalf("eventloop.New: %v", err)
	}
	sender := &fakeSender{}
	cfg := DefaultConfig()
	e := NewEngine(loop, plat, sender, 1500, cfg, nil)
	return e, sender, clock
}

var (
	testLocalAddr  = mtu.Addr{10, 0, 0, 2}
	testRemoteAddr = mtu.Addr{10, 0, 0, 1}
)

// deliver builds a segment from the remote peer's perspective
// (remote is the TCP "source") addressed to the client PCB under test, with
// a valid checksum, and hands it to the engine.
func deliver(e *Engine, localPort, remotePort uint16, seq, ack seqnum.Value, flags uint8, window uint16, options, payload []byte) {
	raw := buildSegment(remotePort, localPort, seq, ack, flags, window, options, payload)
	fillChecksum(raw, testRemoteAddr, testLocalAddr)
	e.HandleSegment(ReceiveInfo{Src: testRemoteAddr, Dst: testLocalAddr, TTL: 64, Proto: 6, Payload: raw})
}

func parseSent(raw []byte) segment {
	s, err := parseSegment(raw)
	if err != nil {
		panic(err)
	}
	return s
}

// TestThreeWayHandshakeActiveOpen walks an active open through SYN_SENT to
// ESTABLISHED and checks the literal sequence numbers spec.md §8's
// end-to-end scenario names.
func TestThreeWayHandshakeActiveOpen(t *testing.T) {
	e, sender, _ := newTestEngine(t)

	conn, err := e.Connect(testLocalAddr, 40000, testRemoteAddr, 80)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.pcb.state != StateSynSent {
		t.Fatalf("state = %v, want SYN_SENT", conn.pcb.state)
	}

	syn := parseSent(sender.last())
	if syn.Flags != FlagSYN {
		t.Fatalf("first segment flags = %#x, want SYN", syn.Flags)
	}
	clientISS := syn.Seq

	connected := false
	conn.OnConnected = func() { connected = true }

	serverISS := seqnum.Value(5000)
	deliver(e, 40000, 80, serverISS, clientISS.Add(1), FlagSYN|FlagACK, 65535, nil, nil)

	if conn.pcb.state != StateEstablished {
		t.Fatalf("state after SYN-ACK = %v, want ESTABLISHED", conn.pcb.state)
	}
	if !connected {
		t.Fatal("OnConnected callback did not fire")
	}
	if conn.pcb.rcvNxt != serverISS.Add(1) {
		t.Fatalf("rcv_nxt = %v, want %v", conn.pcb.rcvNxt, serverISS.Add(1))
	}

	final := parseSent(sender.last())
	if final.Flags != FlagACK || final.Ack != serverISS.Add(1) {
		t.Fatalf("final ACK = %+v, want ack=%v", final, serverISS.Add(1))
	}
}

// TestPassiveOpenThreeWayHandshake drives a passive open (Listen + inbound
// SYN + inbound ACK) to ESTABLISHED and confirms the Accept callback fires
// exactly once, with a usable Connection.
func TestPassiveOpenThreeWayHandshake(t *testing.T) {
	e, sender, _ := newTestEngine(t)

	var accepted *Connection
	_, err := e.Listen(testLocalAddr, 80, 4, func(c *Connection) { accepted = c })
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	clientISS := seqnum.Value(1000)
	deliver(e, 80, 40000, clientISS, 0, FlagSYN, 65535, nil, nil)

	synAck := parseSent(sender.last())
	if synAck.Flags != FlagSYN|FlagACK {
		t.Fatalf("flags = %#x, want SYN|ACK", synAck.Flags)
	}
	if synAck.Ack != clientISS.Add(1) {
		t.Fatalf("ack = %v, want %v", synAck.Ack, clientISS.Add(1))
	}
	serverISS := synAck.Seq

	deliver(e, 80, 40000, clientISS.Add(1), serverISS.Add(1), FlagACK, 65535, nil, nil)

	if accepted == nil {
		t.Fatal("Accept callback did not fire")
	}
	if accepted.pcb.state != StateEstablished {
		t.Fatalf("state = %v, want ESTABLISHED", accepted.pcb.state)
	}
}

// TestBulkTransferGrowsWindowInSlowStart sends enough data that cwnd governs
// how much can be outstanding, and checks cwnd grows on each ACK while still
// in slow start (spec.md §8's bulk-transfer scenario).
func TestBulkTransferGrowsWindowInSlowStart(t *testing.T) {
	e, sender, _ := newTestEngine(t)
	conn, _ := e.Connect(testLocalAddr, 40000, testRemoteAddr, 80)
	syn := parseSent(sender.last())
	clientISS := syn.Seq
	serverISS := seqnum.Value(9000)
	deliver(e, 40000, 80, serverISS, clientISS.Add(1), FlagSYN|FlagACK, 65535, nil, nil)

	pcb := conn.pcb
	initialCwnd := pcb.cc.cwnd

	sendBuf := conn.GetSendBuf()
	for i := range sendBuf[:2000] {
		sendBuf[i] = byte(i)
	}
	if err := conn.ExtendSendLen(2000); err != nil {
		t.Fatalf("ExtendSendLen: %v", err)
	}

	if pcb.flightSize() == 0 {
		t.Fatal("expected data to be in flight after ExtendSendLen")
	}

	deliver(e, 40000, 80, serverISS.Add(1), clientISS.Add(1).Add(seqnum.Size(pcb.flightSize())), FlagACK, 65535, nil, nil)

	if pcb.cc.cwnd <= initialCwnd {
		t.Fatalf("cwnd did not grow in slow start: before=%d after=%d", initialCwnd, pcb.cc.cwnd)
	}
}

// TestFastRetransmitOnThirdDupAck confirms the engine retransmits immediately
// upon the threshold-th duplicate ACK rather than waiting for RTO, per
// spec.md §8's fast-retransmit scenario.
func TestFastRetransmitOnThirdDupAck(t *testing.T) {
	e, sender, _ := newTestEngine(t)
	conn, _ := e.Connect(testLocalAddr, 40000, testRemoteAddr, 80)
	syn := parseSent(sender.last())
	clientISS := syn.Seq
	serverISS := seqnum.Value(1)
	deliver(e, 40000, 80, serverISS, clientISS.Add(1), FlagSYN|FlagACK, 65535, nil, nil)

	pcb := conn.pcb
	sendBuf := conn.GetSendBuf()
	conn.ExtendSendLen(copy(sendBuf, make([]byte, 3000)))

	dupAckSeq := pcb.sndUna // pre-data ack point
	before := sender.count()

	for i := 0; i < 3; i++ {
		deliver(e, 40000, 80, serverISS.Add(1), dupAckSeq, FlagACK, 65535, nil, nil)
	}

	if !pcb.flags.RetransmissionActive {
		t.Fatal("expected fast retransmit to have fired by the third dup ACK")
	}
	if sender.count() <= before {
		t.Fatal("expected a retransmitted segment to have been sent")
	}
}

// TestRTOBackoffDoubles exercises the retransmit timer directly and checks
// the RTO doubles each time up to MaxRto, per spec.md §8's RTO-backoff law.
func TestRTOBackoffDoubles(t *testing.T) {
	e, sender, _ := newTestEngine(t)
	conn, _ := e.Connect(testLocalAddr, 40000, testRemoteAddr, 80)
	syn := parseSent(sender.last())
	clientISS := syn.Seq
	serverISS := seqnum.Value(1)
	deliver(e, 40000, 80, serverISS, clientISS.Add(1), FlagSYN|FlagACK, 65535, nil, nil)

	pcb := conn.pcb
	sendBuf := conn.GetSendBuf()
	conn.ExtendSendLen(copy(sendBuf, []byte("hello")))

	rto0 := pcb.rtt.getRTO()
	e.retransmitTimeout(pcb)
	rto1 := pcb.rtt.getRTO()
	if rto1 != rto0*2 {
		t.Fatalf("rto after 1 timeout = %v, want %v", rto1, rto0*2)
	}
	e.retransmitTimeout(pcb)
	rto2 := pcb.rtt.getRTO()
	if rto2 != rto0*4 {
		t.Fatalf("rto after 2 timeouts = %v, want %v", rto2, rto0*4)
	}
}

// TestPMTUShrinkLowersSndMSS checks that a PMTU cache update below the
// current MSS lowers snd_mss without touching flight size, per spec.md §7.
func TestPMTUShrinkLowersSndMSS(t *testing.T) {
	e, sender, _ := newTestEngine(t)
	conn, _ := e.Connect(testLocalAddr, 40000, testRemoteAddr, 80)
	syn := parseSent(sender.last())
	clientISS := syn.Seq
	serverISS := seqnum.Value(1)
	deliver(e, 40000, 80, serverISS, clientISS.Add(1), FlagSYN|FlagACK, 65535, nil, nil)

	pcb := conn.pcb
	before := pcb.sndMSS

	e.mtuCache.FragmentationNeeded(testRemoteAddr, 1500, 576)

	if pcb.sndMSS >= before {
		t.Fatalf("snd_mss did not shrink: before=%d after=%d", before, pcb.sndMSS)
	}
	if pcb.sndMSS != MinMSS {
		t.Fatalf("snd_mss = %d, want MinMSS %d (576-40)", pcb.sndMSS, MinMSS)
	}
}

// TestGracefulCloseReachesTimeWait drives FIN_WAIT_1 -> FIN_WAIT_2 ->
// TIME_WAIT and confirms the PCB is removed after TimeWaitDuration, per
// spec.md §8's graceful-close scenario.
func TestGracefulCloseReachesTimeWait(t *testing.T) {
	e, sender, clock := newTestEngine(t)
	conn, _ := e.Connect(testLocalAddr, 40000, testRemoteAddr, 80)
	syn := parseSent(sender.last())
	clientISS := syn.Seq
	serverISS := seqnum.Value(1)
	deliver(e, 40000, 80, serverISS, clientISS.Add(1), FlagSYN|FlagACK, 65535, nil, nil)

	pcb := conn.pcb
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if pcb.state != StateFinWait1 {
		t.Fatalf("state after Close = %v, want FIN_WAIT_1", pcb.state)
	}

	finSeg := parseSent(sender.last())
	if finSeg.Flags&FlagFIN == 0 {
		t.Fatal("expected a FIN to have been sent")
	}

	deliver(e, 40000, 80, serverISS.Add(1), clientISS.Add(2), FlagACK, 65535, nil, nil)
	if pcb.state != StateFinWait2 {
		t.Fatalf("state after our FIN acked = %v, want FIN_WAIT_2", pcb.state)
	}

	deliver(e, 40000, 80, serverISS.Add(1), clientISS.Add(2), FlagFIN|FlagACK, 65535, nil, nil)
	if pcb.state != StateTimeWait {
		t.Fatalf("state after peer FIN = %v, want TIME_WAIT", pcb.state)
	}

	if _, ok := e.active.Find(pcb.tuple); !ok {
		t.Fatal("PCB should remain indexed during TIME_WAIT")
	}

	clock.Advance(e.cfg.TimeWaitDuration)
	e.abortOutputTimeout(pcb)

	if _, ok := e.active.Find(pcb.tuple); ok {
		t.Fatal("PCB should be removed once TIME_WAIT expires")
	}
}
