package tcp

import (
	"testing"
	"time"
)

func TestRTTEstimatorInitialRTOBeforeFirstSample(t *testing.T) {
	cfg := DefaultConfig()
	r := newRTTEstimator(cfg)
	if got := r.getRTO(); got != cfg.InitialRto {
		t.Fatalf("initial RTO = %v, want %v", got, cfg.InitialRto)
	}
}

func TestRTTEstimatorClampsToMinAndMax(t *testing.T) {
	cfg := DefaultConfig()
	r := newRTTEstimator(cfg)

	r.update(1 * time.Millisecond)
	if got := r.getRTO(); got < cfg.MinRto {
		t.Fatalf("RTO %v below MinRto %v", got, cfg.MinRto)
	}

	r.update(1000 * time.Second)
	if got := r.getRTO(); got > cfg.MaxRto {
		t.Fatalf("RTO %v above MaxRto %v", got, cfg.MaxRto)
	}
}

func TestRTTEstimatorBackoffDoublingBound(t *testing.T) {
	cfg := DefaultConfig()
	r := newRTTEstimator(cfg)

	initial := r.getRTO()
	want := initial
	for k := 1; k <= 4; k++ {
		r.backoff()
		want *= 2
		if want > cfg.MaxRto {
			want = cfg.MaxRto
		}
		if got := r.getRTO(); got != want {
			t.Fatalf("after %d backoffs, RTO = %v, want %v", k, got, want)
		}
	}
}

func TestRTTEstimatorBackoffResetsOnNewSample(t *testing.T) {
	cfg := DefaultConfig()
	r := newRTTEstimator(cfg)

	r.backoff()
	r.backoff()
	r.update(100 * time.Millisecond)

	// A fresh sample resets backoff accounting so the next timeout doubles
	// from the freshly computed RTO, not from wherever backoff had reached.
	before := r.getRTO()
	r.backoff()
	if got := r.getRTO(); got != before*2 {
		t.Fatalf("RTO after single backoff post-sample = %v, want %v", got, before*2)
	}
}
