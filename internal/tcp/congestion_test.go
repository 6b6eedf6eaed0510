package tcp

import "testing"

func TestCongestionControlSlowStartGrowsByBytesAcked(t *testing.T) {
	cfg := DefaultConfig()
	cc := newCongestionControl(1000, cfg)
	cc.cwnd = 4000
	cc.ssthresh = 1 << 20 // stay in slow start

	cc.onNewDataAck(2000)
	if cc.cwnd != 6000 {
		t.Fatalf("cwnd after slow-start ack = %d, want 6000", cc.cwnd)
	}
}

func TestCongestionControlFastRetransmitOnThirdDupAck(t *testing.T) {
	cfg := DefaultConfig()
	cc := newCongestionControl(1000, cfg)
	cc.cwnd = 5000
	flight := uint32(5000)

	if cc.onDupAck(flight) {
		t.Fatal("1st dup ack must not trigger fast retransmit")
	}
	if cc.onDupAck(flight) {
		t.Fatal("2nd dup ack must not trigger fast retransmit")
	}
	if !cc.onDupAck(flight) {
		t.Fatal("3rd dup ack must trigger fast retransmit")
	}

	wantSsthresh := flight / 2
	if wantSsthresh < 2*1000 {
		wantSsthresh = 2 * 1000
	}
	if cc.ssthresh != wantSsthresh {
		t.Fatalf("ssthresh = %d, want %d", cc.ssthresh, wantSsthresh)
	}
	wantCwnd := wantSsthresh + 3*1000
	if cc.cwnd != wantCwnd {
		t.Fatalf("cwnd after fast retransmit = %d, want %d", cc.cwnd, wantCwnd)
	}
}

func TestCongestionControlAdditionalDupAcksInflateCwnd(t *testing.T) {
	cfg := DefaultConfig()
	cc := newCongestionControl(1000, cfg)
	cc.cwnd = 5000
	flight := uint32(5000)

	cc.onDupAck(flight)
	cc.onDupAck(flight)
	cc.onDupAck(flight) // triggers fast retransmit
	afterTrigger := cc.cwnd

	cc.onDupAck(flight)
	if cc.cwnd != afterTrigger+1000 {
		t.Fatalf("cwnd after 4th dup ack = %d, want %d", cc.cwnd, afterTrigger+1000)
	}
}

func TestCongestionControlAdditionalDupAcksCapped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAdditionalDupAcks = 2
	cc := newCongestionControl(1000, cfg)
	flight := uint32(5000)

	cc.onDupAck(flight)
	cc.onDupAck(flight)
	cc.onDupAck(flight) // trigger
	afterTrigger := cc.cwnd

	cc.onDupAck(flight) // +1 (1st additional)
	cc.onDupAck(flight) // +1 (2nd additional)
	capped := cc.cwnd
	cc.onDupAck(flight) // beyond cap: no further inflation
	if cc.cwnd != capped {
		t.Fatalf("cwnd grew past MaxAdditionalDupAcks: %d != %d", cc.cwnd, capped)
	}
	if capped != afterTrigger+2000 {
		t.Fatalf("cwnd after capped inflation = %d, want %d", capped, afterTrigger+2000)
	}
}

func TestCongestionControlOnTimeoutResetsToOneMSS(t *testing.T) {
	cfg := DefaultConfig()
	cc := newCongestionControl(1000, cfg)
	cc.cwnd = 8000

	cc.onTimeout(8000)
	if cc.cwnd != 1000 {
		t.Fatalf("cwnd after timeout = %d, want 1000 (one MSS)", cc.cwnd)
	}
	if cc.ssthresh != 4000 {
		t.Fatalf("ssthresh after timeout = %d, want 4000", cc.ssthresh)
	}
}

func TestCongestionControlExitsFastRecoveryOnNewAck(t *testing.T) {
	cfg := DefaultConfig()
	cc := newCongestionControl(1000, cfg)
	cc.cwnd = 5000
	flight := uint32(5000)

	cc.onDupAck(flight)
	cc.onDupAck(flight)
	cc.onDupAck(flight)
	inflated := cc.cwnd

	cc.onNewAckAfterFastRetransmit()
	if cc.cwnd != cc.ssthresh {
		t.Fatalf("cwnd after exiting fast recovery = %d, want ssthresh %d", cc.cwnd, cc.ssthresh)
	}
	if cc.cwnd >= inflated {
		t.Fatal("exiting fast recovery should deflate cwnd below its inflated value")
	}
	if cc.dupAcks != 0 {
		t.Fatalf("dupAcks after exiting fast recovery = %d, want 0", cc.dupAcks)
	}
}

func TestCongestionControlUsableWindow(t *testing.T) {
	cfg := DefaultConfig()
	cc := newCongestionControl(1000, cfg)
	cc.cwnd = 4000

	if got := cc.usableWindow(10000); got != 4000 {
		t.Fatalf("usableWindow(10000) = %d, want 4000 (cwnd-bound)", got)
	}
	if got := cc.usableWindow(2000); got != 2000 {
		t.Fatalf("usableWindow(2000) = %d, want 2000 (peer-window-bound)", got)
	}
}
