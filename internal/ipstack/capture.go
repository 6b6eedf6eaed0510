package ipstack

import (
	"time"

	"github.com/tinyrange/aipstack/internal/buf"
	"github.com/tinyrange/aipstack/internal/mtu"
	"github.com/tinyrange/aipstack/internal/pcap"
	"github.com/tinyrange/aipstack/internal/tcp"
)

// CapturingSender wraps a tcp.IPSender with packet capture to a pcap.Writer,
// wired the same way internal/netstack wired its packetDump field: every
// outgoing segment is appended to the capture stream before being handed to
// the real sender, and a failed capture write only logs, it never fails the
// send.
type CapturingSender struct {
	Sender         tcp.IPSender
	Writer         *pcap.Writer
	OnCaptureError func(error)
}

// SendIPv4 implements tcp.IPSender.
func (c *CapturingSender) SendIPv4(dst mtu.Addr, chain buf.Ref, dontFragment bool) error {
	if c.Writer != nil {
		data := chain.Bytes()
		if err := c.Writer.WritePacket(pcap.CaptureInfo{
			Timestamp:     time.Now(),
			CaptureLength: len(data),
			Length:        len(data),
		}, data); err != nil && c.OnCaptureError != nil {
			c.OnCaptureError(err)
		}
	}
	return c.Sender.SendIPv4(dst, chain, dontFragment)
}
