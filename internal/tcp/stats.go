package tcp

// PCBSnapshot is a read-only view of one PCB's externally interesting
// counters, handed to ForEachPCB so a caller (the Prometheus collector in
// internal/metrics) never touches PCB internals directly.
type PCBSnapshot struct {
	LocalPort  uint16
	RemotePort uint16
	State      State
	FlightSize uint32
	Cwnd       uint32
	SRTT       float64
}

// ForEachPCB calls fn once per active PCB, in index-bucket order. fn must
// not mutate the engine; it runs synchronously on the caller's goroutine,
// which for internal/metrics's Collect is the Prometheus scrape goroutine,
// not the event loop, so ForEachPCB is the only tcp API a caller may use
// off the event-loop goroutine, and only for this read-only snapshot.
func (e *Engine) ForEachPCB(fn func(PCBSnapshot)) {
	for i := range e.active.buckets {
		b := &e.active.buckets[i]
		for el := b.Front(); el != nil; el = el.Next() {
			p := el.Value.(*PCB)
			fn(PCBSnapshot{
				LocalPort:  p.tuple.LocalPort,
				RemotePort: p.tuple.RemotePort,
				State:      p.state,
				FlightSize: p.flightSize(),
				Cwnd:       p.cc.cwnd,
				SRTT:       p.rtt.srttSeconds(),
			})
		}
	}
}

// PCBCount returns the number of active (non-CLOSED) PCBs.
func (e *Engine) PCBCount() int { return e.active.Count() }

// ListenerCount returns the number of open listeners.
func (e *Engine) ListenerCount() int { return e.listeners.Count() }
