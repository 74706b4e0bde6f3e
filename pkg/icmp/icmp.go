// Package icmp implements spec.md §4.J: echo-request/reply handling
// and destination-unreachable emission. It is grounded on
// icmpv4.c/icmpv4.h from the original implementation.
package icmp

import (
	"encoding/binary"

	"github.com/go-netstack/netstack/pkg/ipv4"
	"github.com/go-netstack/netstack/pkg/netif"
	"github.com/go-netstack/netstack/pkg/pktbuf"
)

const (
	headerLen = 8

	TypeEchoReply   = 0
	TypeUnreachable = 3
	TypeEchoRequest = 8
)

// Unreachable codes (spec.md §4.J: "configurable code (net, host, port,
// protocol)").
const (
	CodeNetUnreachable  = 0
	CodeHostUnreachable = 1
	CodeProtoUnreachable = 2
	CodePortUnreachable  = 3
)

func checksum(data []byte) uint16 {
	var sum uint32
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// Engine binds ICMP handling to an IPv4 engine it can send replies
// through.
type Engine struct {
	IPv4 *ipv4.Stack
}

// New returns an ICMP engine and registers it as ipv4's handler for
// ProtoICMP.
func New(ip *ipv4.Stack) *Engine {
	e := &Engine{IPv4: ip}
	ip.RegisterHandler(ipv4.ProtoICMP, e.Recv)
	return e
}

// Recv implements ipv4.Handler: it answers echo requests and silently
// drops everything else this engine doesn't originate replies to
// (e.g. an echo reply addressed to us, or an unreachable notification
// — neither needs a response).
func (e *Engine) Recv(nif *netif.Interface, srcIP, dstIP [4]byte, buf *pktbuf.Buffer) error {
	if buf.TotalSize() < headerLen {
		buf.Free()
		return nil
	}
	raw := make([]byte, buf.TotalSize())
	buf.AccReset()
	if err := buf.Read(raw, len(raw)); err != nil {
		buf.Free()
		return err
	}

	typ, code := raw[0], raw[1]
	if typ != TypeEchoRequest || code != 0 {
		buf.Free()
		return nil
	}

	reply := make([]byte, len(raw))
	copy(reply, raw)
	reply[0] = TypeEchoReply
	binary.BigEndian.PutUint16(reply[2:4], 0)
	binary.BigEndian.PutUint16(reply[2:4], checksum(reply))

	out, err := pktbuf.Alloc(len(reply))
	if err != nil {
		return err
	}
	out.AccReset()
	if err := out.Write(reply, len(reply)); err != nil {
		out.Free()
		return err
	}
	return e.IPv4.Send(ipv4.ProtoICMP, srcIP, out)
}

// SendUnreachable emits a type-3 destination-unreachable datagram to
// srcIP whose payload is offending's IPv4 header plus its first 8
// bytes of payload, per spec.md §4.J.
func (e *Engine) SendUnreachable(srcIP [4]byte, code uint8, offending *pktbuf.Buffer) error {
	offending.AccReset()
	n := offending.TotalSize()
	if n > ipv4.HeaderLen+8 {
		n = ipv4.HeaderLen + 8
	}
	orig := make([]byte, n)
	err := offending.Read(orig, n)
	offending.Free()
	if err != nil {
		return err
	}

	payload := make([]byte, headerLen+len(orig))
	payload[0] = TypeUnreachable
	payload[1] = code
	copy(payload[8:], orig)
	binary.BigEndian.PutUint16(payload[2:4], checksum(payload))

	out, err := pktbuf.Alloc(len(payload))
	if err != nil {
		return err
	}
	out.AccReset()
	if err := out.Write(payload, len(payload)); err != nil {
		out.Free()
		return err
	}
	return e.IPv4.Send(ipv4.ProtoICMP, srcIP, out)
}

// SendTransportUnreachable emits destination-unreachable for a
// datagram a transport handler (pkg/udp, pkg/tcp) rejected after the
// IPv4 receive pipeline already stripped the real header. It
// synthesizes a structurally equivalent header from the fields the
// pipeline still has on hand (source/dest IP, protocol) rather than
// replaying the original wire bytes, since those are gone by the time
// a transport handler runs.
func (e *Engine) SendTransportUnreachable(offendingSrcIP, offendingDstIP [4]byte, proto uint8, payloadHead []byte, code uint8) error {
	if len(payloadHead) > 8 {
		payloadHead = payloadHead[:8]
	}
	synthetic := ipv4.EncodeHeader(ipv4.Header{
		IHL:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + len(payloadHead),
		TTL:      ipv4.DefaultTTL,
		Proto:    proto,
		SrcIP:    offendingSrcIP,
		DstIP:    offendingDstIP,
	})
	offending, err := pktbuf.Alloc(len(synthetic) + len(payloadHead))
	if err != nil {
		return err
	}
	offending.AccReset()
	if err := offending.Write(append(append([]byte{}, synthetic...), payloadHead...), offending.TotalSize()); err != nil {
		offending.Free()
		return err
	}
	return e.SendUnreachable(offendingSrcIP, code, offending)
}
