package tcp

import "time"

// rttEstimator implements RFC 6298 RTT sampling/RTO computation, adapted
// from internal/netstack/tcp.go's tcpRTTEstimator with its sync.Mutex
// dropped (see congestion.go's comment: PCB state has a single owning
// thread, spec.md §5).
type rttEstimator struct {
	srtt       time.Duration
	rttVar     time.Duration
	rto        time.Duration
	hasInitial bool

	backoffCount int

	minRTO, maxRTO time.Duration
}

// maxBackoffCount bounds RTO doubling at 2^6 = 64x the initial RTO, safely
// past the 60s cap for any plausible InitialRto, satisfying the "RTO
// doubling bound" law in spec.md §8: rto = min(MaxRto, rto_initial * 2^k).
const maxBackoffCount = 6

func newRTTEstimator(cfg Config) *rttEstimator {
	return &rttEstimator{
		rto:    cfg.InitialRto,
		minRTO: cfg.MinRto,
		maxRTO: cfg.MaxRto,
	}
}

// update applies a fresh RTT sample per RFC 6298 §2.2/§2.3 (Jacobson's
// algorithm) and recomputes rto = srtt + 4*rttvar, clamped to [MinRto,
// MaxRto].
func (r *rttEstimator) update(rtt time.Duration) {
	if !r.hasInitial {
		r.srtt = rtt
		r.rttVar = rtt / 2
		r.hasInitial = true
	} else {
		delta := r.srtt - rtt
		if delta < 0 {
			delta = -delta
		}
		r.rttVar = (3*r.rttVar + delta) / 4
		r.srtt = (7*r.srtt + rtt) / 8
	}

	r.rto = r.srtt + 4*r.rttVar
	r.clamp()
	r.backoffCount = 0
}

func (r *rttEstimator) clamp() {
	if r.rto < r.minRTO {
		r.rto = r.minRTO
	}
	if r.rto > r.maxRTO {
		r.rto = r.maxRTO
	}
}

// backoff doubles rto on a retransmission timeout, per spec.md §4.H's "On
// RTO:... double RTO (capped at 60s)" and §8's doubling-bound law. Capped at
// maxBackoffCount iterations past which MaxRto already dominates.
func (r *rttEstimator) backoff() {
	if r.backoffCount < maxBackoffCount {
		r.rto *= 2
		r.backoffCount++
	}
	r.clamp()
}

// getRTO returns the current retransmission timeout.
func (r *rttEstimator) getRTO() time.Duration { return r.rto }

// srttSeconds reports the smoothed RTT estimate in seconds, for metrics
// export; zero until the first sample lands.
func (r *rttEstimator) srttSeconds() float64 { return r.srtt.Seconds() }
