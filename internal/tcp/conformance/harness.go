// Package conformance cross-checks internal/tcp's wire behavior against
// gVisor's independent TCP implementation, adapted from
// internal/netstack/test/gvisor.go's harness: a gVisor stack.Stack on one
// side, a channel.Endpoint carrying raw datagrams in place of an Ethernet
// link. Unlike the teacher's harness there is no ethernet/arp layer at all
// (spec.md §1 puts Ethernet/ARP out of scope for the engine under test), so
// the channel endpoint here carries bare IPv4 datagrams and gVisor's NIC is
// configured without link-address resolution, the same way a point-to-point
// link needs none.
package conformance

import (
	"context"
	"encoding/binary"
	"log/slog"
	"net"
	"testing"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"

	"github.com/jonboulle/clockwork"

	"github.com/tinyrange/aipstack/internal/buf"
	"github.com/tinyrange/aipstack/internal/eventloop"
	aipmtu "github.com/tinyrange/aipstack/internal/mtu"
	"github.com/tinyrange/aipstack/internal/platform"
	aiptcp "github.com/tinyrange/aipstack/internal/tcp"
)

const gvisorNICID tcpip.NICID = 1

var (
	// HostAddr is internal/tcp's address in the harness, GuestAddr is
	// gVisor's, mirroring hostIPv4/guestIPv4 in the teacher's harness.
	HostAddr  = aipmtu.Addr{10, 42, 0, 1}
	GuestAddr = aipmtu.Addr{10, 42, 0, 2}

	hostIP  = net.IPv4(10, 42, 0, 1)
	guestIP = net.IPv4(10, 42, 0, 2)
)

func mustAddrFrom4(ip net.IP) tcpip.Address {
	ip4 := ip.To4()
	var b [4]byte
	copy(b[:], ip4)
	return tcpip.AddrFrom4(b)
}

// Harness wires one internal/tcp.Engine against one gVisor stack.Stack over
// a shared channel.Endpoint carrying raw IPv4 datagrams.
type Harness struct {
	t testing.TB

	ctx    context.Context
	cancel context.CancelFunc

	Engine *aiptcp.Engine
	loop   *eventloop.Loop
	async  *eventloop.AsyncSignal

	gs *stack.Stack
	ch *channel.Endpoint
}

// New builds a harness and starts internal/tcp's event loop plus the
// forwarding goroutine that ferries gVisor's outbound datagrams into the
// engine, the same shape as cmd/aipstackd's readLoop.
func New(tb testing.TB) *Harness {
	tb.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	h := &Harness{t: tb, ctx: ctx, cancel: cancel}

	log := slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
	plat := platform.New(clockwork.NewRealClock())
	loop, err := eventloop.New(plat, log)
	if err != nil {
		tb.Fatalf("create event loop: %v", err)
	}
	h.loop = loop
	h.async = loop.NewAsyncSignal()

	h.ch = channel.New(4096, 1500, "")
	h.gs = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	if err := h.gs.CreateNIC(gvisorNICID, h.ch); err != nil {
		tb.Fatalf("gvisor CreateNIC: %v", err)
	}
	if err := h.gs.AddProtocolAddress(gvisorNICID, tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   mustAddrFrom4(guestIP),
			PrefixLen: 24,
		},
	}, stack.AddressProperties{}); err != nil {
		tb.Fatalf("gvisor AddProtocolAddress: %v", err)
	}
	h.gs.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: gvisorNICID},
	})

	sender := &channelSender{ch: h.ch}
	h.Engine = aiptcp.NewEngine(h.loop, plat, sender, 1500, aiptcp.DefaultConfig(), log)

	go h.forwardFromGvisor()
	go func() {
		if err := h.loop.Run(); err != nil && ctx.Err() == nil {
			tb.Logf("event loop exited: %v", err)
		}
	}()

	tb.Cleanup(func() {
		h.cancel()
		h.loop.Stop()
		h.ch.Close()
	})
	return h
}

// forwardFromGvisor reads every IPv4 datagram gVisor emits and delivers it
// to the engine via AsyncSignal, so the engine only ever sees inbound
// segments on its own event-loop goroutine (spec.md §5).
func (h *Harness) forwardFromGvisor() {
	for {
		pkt := h.ch.ReadContext(h.ctx)
		if pkt == nil {
			return
		}
		raw := append([]byte(nil), pkt.ToView().AsSlice()...)
		pkt.DecRef()

		info, ok := parseIPv4(raw)
		if !ok {
			continue
		}
		h.async.Send(func() {
			_ = h.Engine.HandleSegment(info)
		})
	}
}

// DialGuest opens a TCP connection from the gVisor side to the engine's
// HostAddr:port, the inverse of internal/tcp.Engine.Connect, for test
// scenarios exercising the engine's passive-open path against a real
// independent TCP implementation.
func (h *Harness) DialGuest(port uint16) (net.Conn, error) {
	return gonet.DialTCP(h.gs, tcpip.FullAddress{
		NIC:  gvisorNICID,
		Addr: mustAddrFrom4(hostIP),
		Port: port,
	}, ipv4.ProtocolNumber)
}

// channelSender implements aiptcp.IPSender by wrapping each outgoing
// segment in a minimal IPv4 header and injecting it into gVisor's channel
// endpoint, test glue standing in for the ARP/IPv4-framing collaborator
// spec.md §1 keeps out of the engine itself.
type channelSender struct {
	ch       *channel.Endpoint
	identity uint16
}

func (s *channelSender) SendIPv4(dst aipmtu.Addr, chain buf.Ref, dontFragment bool) error {
	payload := chain.Bytes()
	s.identity++
	raw := buildIPv4Datagram(HostAddr, dst, 6, s.identity, dontFragment, payload)

	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(raw),
	})
	s.ch.InjectInbound(ipv4.ProtocolNumber, pkt)
	return nil
}

// buildIPv4Datagram constructs a minimal 20-byte-header IPv4 datagram, test
// glue only: the real aipstackd host process relies on the kernel (or an
// external collaborator) to do this, per spec.md §1.
func buildIPv4Datagram(src, dst aipmtu.Addr, proto uint8, id uint16, df bool, payload []byte) []byte {
	total := 20 + len(payload)
	raw := make([]byte, total)
	raw[0] = 0x45 // version 4, IHL 5
	raw[1] = 0
	binary.BigEndian.PutUint16(raw[2:4], uint16(total))
	binary.BigEndian.PutUint16(raw[4:6], id)
	if df {
		raw[6] = 0x40
	}
	raw[8] = 64 // TTL
	raw[9] = proto
	copy(raw[12:16], src[:])
	copy(raw[16:20], dst[:])
	binary.BigEndian.PutUint16(raw[10:12], ipv4HeaderChecksum(raw[:20]))
	copy(raw[20:], payload)
	return raw
}

func ipv4HeaderChecksum(hdr []byte) uint16 {
	var sum uint32
	for i := 0; i < len(hdr); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(hdr[i : i+2]))
	}
	sum = (sum >> 16) + (sum & 0xffff)
	sum += sum >> 16
	return ^uint16(sum)
}

// parseIPv4 strips a minimal IPv4 header (no options support needed for
// this harness's traffic) and produces the aiptcp.ReceiveInfo the engine
// expects.
func parseIPv4(raw []byte) (aiptcp.ReceiveInfo, bool) {
	if len(raw) < 20 {
		return aiptcp.ReceiveInfo{}, false
	}
	ihl := int(raw[0]&0x0f) * 4
	if ihl < 20 || len(raw) < ihl {
		return aiptcp.ReceiveInfo{}, false
	}
	totalLen := int(binary.BigEndian.Uint16(raw[2:4]))
	if totalLen > len(raw) {
		totalLen = len(raw)
	}
	var info aiptcp.ReceiveInfo
	copy(info.Src[:], raw[12:16])
	copy(info.Dst[:], raw[16:20])
	info.TTL = raw[8]
	info.Proto = raw[9]
	info.Payload = raw[ihl:totalLen]
	return info, true
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
