package conformance

import (
	"bytes"
	"testing"
	"time"

	aiptcp "github.com/tinyrange/aipstack/internal/tcp"
)

// TestGvisorClientAgainstEngineListener dials from gVisor's independent TCP
// stack into a listener hosted on internal/tcp.Engine and exchanges data
// both ways, checking the engine's wire behavior is interoperable with a
// reference implementation rather than just internally self-consistent.
func TestGvisorClientAgainstEngineListener(t *testing.T) {
	h := New(t)

	const port = 9000
	accepted := make(chan *aiptcp.Connection, 1)
	l, err := h.Engine.Listen(HostAddr, port, 1, func(c *aiptcp.Connection) {
		accepted <- c
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	conn, err := h.DialGuest(port)
	if err != nil {
		t.Fatalf("gvisor dial: %v", err)
	}
	defer conn.Close()

	var server *aiptcp.Connection
	select {
	case server = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for accept")
	}

	want := []byte("hello from gvisor")
	if _, err := conn.Write(want); err != nil {
		t.Fatalf("gvisor write: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var got []byte
	for time.Now().Before(deadline) {
		if buf := server.GetRecvBuf(); len(buf) > 0 {
			got = append(got, buf...)
			server.ConsumeRecvLen(len(buf))
			if len(got) >= len(want) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}

	reply := []byte("hello from engine")
	buf := server.GetSendBuf()
	copy(buf, reply)
	if err := server.ExtendSendLen(len(reply)); err != nil {
		t.Fatalf("ExtendSendLen: %v", err)
	}

	readBuf := make([]byte, len(reply))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := readFull(conn, readBuf); err != nil {
		t.Fatalf("gvisor read: %v", err)
	}
	if !bytes.Equal(readBuf, reply) {
		t.Fatalf("got %q, want %q", readBuf, reply)
	}
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
