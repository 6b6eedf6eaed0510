package tcp

import (
	"github.com/tinyrange/aipstack/internal/mtu"
)

// Connection is the user-facing handle for one TCP connection, per spec.md
// §3/§4.H. Its callbacks run on the engine's event-loop goroutine; none of
// them may block.
//
// get_send_buf/extend_send_len and get_recv_buf/consume_recv_len from
// spec.md's operation list are kept as an explicit two-step buffer
// handshake rather than collapsed into a single io.Writer/io.Reader: the
// user owns the backing array either way (Write would force a copy into an
// internal buffer), and keeping both steps mirrors the source's
// write-in-place contract closely enough that porting callers is direct.
type Connection struct {
	engine *Engine
	pcb    *PCB

	sendScratch []byte
	recvReady   []byte

	OnConnected    func()
	OnDataReceived func(data []byte)
	OnEndReceived  func()
	OnSendBufEmpty func()
	OnAborted      func(err error)
}

// Connect actively opens a connection to (remoteAddr, remotePort). If
// localPort is 0 the engine allocates an ephemeral port.
func (e *Engine) Connect(localAddr mtu.Addr, localPort uint16, remoteAddr mtu.Addr, remotePort uint16) (*Connection, error) {
	if localPort == 0 {
		var err error
		localPort, err = e.allocatePort(remoteAddr, remotePort, localAddr)
		if err != nil {
			return nil, err
		}
	}

	tuple := FourTuple{RemotePort: remotePort, RemoteAddr: remoteAddr, LocalPort: localPort, LocalAddr: localAddr}
	if _, exists := e.active.Find(tuple); exists {
		return nil, ErrAddrInUse
	}

	iss := nextISS(tuple, uint64(e.now()))
	pcb, err := e.newPCB(tuple, iss)
	if err != nil {
		return nil, err
	}
	pcb.sndNxt = iss.Add(1)
	pcb.state = StateSynSent

	if err := e.active.Insert(pcb); err != nil {
		e.removePCB(pcb)
		return nil, err
	}

	conn := &Connection{engine: e, pcb: pcb}
	pcb.conn = conn

	e.sendSyn(pcb, false)
	pcb.abortOutputTimer.SetAt(e.now().Add(e.cfg.SynSentTimeout))

	return conn, nil
}

// GetSendBuf returns a scratch buffer the caller may fill with outgoing
// data and commit via ExtendSendLen.
func (c *Connection) GetSendBuf() []byte {
	if cap(c.sendScratch) == 0 {
		c.sendScratch = make([]byte, 16384)
	}
	return c.sendScratch
}

// ExtendSendLen commits the first n bytes of the slice last returned by
// GetSendBuf to the send queue and kicks send processing. Panics if n
// exceeds that buffer's length, mirroring the source's bounds-checked
// write-in-place contract.
func (c *Connection) ExtendSendLen(n int) error {
	if !c.pcb.state.SendStillOpen() {
		return ErrConnectionClosed
	}
	if n < 0 || n > len(c.sendScratch) {
		panic("tcp: ExtendSendLen beyond GetSendBuf's capacity")
	}
	if n == 0 {
		return nil
	}
	c.pcb.sendQ.queue(c.sendScratch[:n])
	c.engine.scheduleOutput(c.pcb)
	return nil
}

// GetRecvBuf returns the contiguous run of received bytes not yet consumed.
func (c *Connection) GetRecvBuf() []byte { return c.recvReady }

// ConsumeRecvLen marks the first n bytes returned by GetRecvBuf as consumed,
// freeing receive-buffer space and potentially growing the advertised
// window (spec.md §4.H's silly-window-avoidance rule).
func (c *Connection) ConsumeRecvLen(n int) {
	if n < 0 || n > len(c.recvReady) {
		panic("tcp: ConsumeRecvLen beyond GetRecvBuf's length")
	}
	c.recvReady = c.recvReady[n:]
	c.pcb.recvBufFree += uint32(n)
	c.engine.updateAdvertisedWindow(c.pcb)
	c.engine.scheduleOutput(c.pcb)
}

// Close performs a graceful close: queues a FIN once all queued data has
// drained, per spec.md §4.H's FIN_WAIT_1/closing-state transitions. The
// Connection remains valid for received-data callbacks until the peer's FIN
// arrives (half-close).
func (c *Connection) Close() error {
	pcb := c.pcb
	if !pcb.state.SendStillOpen() {
		return ErrConnectionClosed
	}
	pcb.flags.FinPending = true
	if pcb.state == StateEstablished {
		pcb.state = StateFinWait1
	} else {
		pcb.state = StateLastAck
	}
	c.engine.scheduleOutput(pcb)
	return nil
}

// Abort forcibly terminates the connection with an RST.
func (c *Connection) Abort() {
	c.engine.abortPCB(c.pcb, nil)
}

// Abandon detaches this Connection handle from its PCB without closing the
// connection: the PCB lingers to flush any still-queued data/FIN, and is
// force-aborted after Config.AbandonedTimeout if it hasn't reached CLOSED by
// then, per spec.md §4.H's "abandoned PCBs" behavior. No further callbacks
// fire on this Connection after Abandon returns.
func (c *Connection) Abandon() {
	if c.pcb.conn != c {
		return
	}
	c.pcb.conn = nil
	c.pcb.abortOutputTimer.SetAt(c.engine.now().Add(c.engine.cfg.AbandonedTimeout))
}

// State reports the underlying PCB's current TCP state, for diagnostics.
func (c *Connection) State() State { return c.pcb.state }

// deliverData is invoked by recv.go's processData when in-order bytes
// arrive, appending to recvReady ahead of invoking OnDataReceived.
func (c *Connection) deliverData(b []byte) {
	c.recvReady = append(c.recvReady, b...)
}

// abortOutputTimeout is the multipurpose timer handler shared by every
// non-retransmit timeout in spec.md §4.H: SYN_SENT/SYN_RCVD handshake
// timeouts, TIME_WAIT expiry, the abandoned-PCB countdown, and zero-window
// probe retries.
func (e *Engine) abortOutputTimeout(pcb *PCB) {
	switch pcb.state {
	case StateSynSent:
		e.abortPCB(pcb, ErrConnectionClosed)
		return
	case StateSynRcvd:
		if pcb.listener != nil {
			pcb.listener.pending--
		}
		e.removePCB(pcb)
		return
	case StateTimeWait:
		e.removePCB(pcb)
		return
	}

	if pcb.conn == nil {
		e.abortPCB(pcb, ErrConnectionClosed)
		return
	}

	if pcb.flags.OutputRetryPending {
		pcb.flags.OutputRetryPending = false
		e.sendZeroWindowProbe(pcb)
	}
}
