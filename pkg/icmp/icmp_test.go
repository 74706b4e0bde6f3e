package icmp

import (
	"encoding/binary"
	"testing"

	"github.com/go-netstack/netstack/pkg/arp"
	"github.com/go-netstack/netstack/pkg/ipv4"
	"github.com/go-netstack/netstack/pkg/netif"
	"github.com/go-netstack/netstack/pkg/pktbuf"
	"github.com/go-netstack/netstack/pkg/timer"
)

// captureLink is a netif.LinkLayer test double that records every
// buffer handed to Send instead of touching a real NIC.
type captureLink struct {
	sent []*pktbuf.Buffer
}

func (c *captureLink) Type() netif.LinkType                   { return netif.LinkEthernet }
func (c *captureLink) Open(nif *netif.Interface) error         { return nil }
func (c *captureLink) Close(nif *netif.Interface) error        { return nil }
func (c *captureLink) Recv(nif *netif.Interface, buf *pktbuf.Buffer) error { return nil }
func (c *captureLink) Send(nif *netif.Interface, destIP [4]byte, buf *pktbuf.Buffer) error {
	c.sent = append(c.sent, buf)
	return nil
}

func newTestStack(t *testing.T) (*ipv4.Stack, *Engine, *captureLink, *netif.Interface) {
	t.Helper()
	link := &captureLink{}
	nif := &netif.Interface{Name: "test0", IP: [4]byte{10, 0, 0, 1}, Netmask: [4]byte{255, 255, 255, 0}, Link: link}

	routes := ipv4.NewRouteTable()
	routes.Add(ipv4.RouteEntry{Dest: [4]byte{10, 0, 0, 0}, Mask: [4]byte{255, 255, 255, 0}, Nif: nif})

	ip := ipv4.New(arp.NewCache(), routes, timer.New())
	e := New(ip)
	return ip, e, link, nif
}

func echoRequest(t *testing.T, id, seq uint16) *pktbuf.Buffer {
	t.Helper()
	payload := make([]byte, 16)
	payload[0] = TypeEchoRequest
	payload[1] = 0
	binary.BigEndian.PutUint16(payload[4:6], id)
	binary.BigEndian.PutUint16(payload[6:8], seq)
	binary.BigEndian.PutUint16(payload[2:4], checksum(payload))

	buf, err := pktbuf.Alloc(len(payload))
	if err != nil {
		t.Fatal(err)
	}
	buf.AccReset()
	if err := buf.Write(payload, len(payload)); err != nil {
		t.Fatal(err)
	}
	return buf
}

// TestEchoRequestProducesEchoReply exercises scenario 1: an inbound
// echo request yields an echo reply with the same id/sequence,
// addressed back to the requester.
func TestEchoRequestProducesEchoReply(t *testing.T) {
	_, e, link, nif := newTestStack(t)

	srcIP := [4]byte{10, 0, 0, 2}
	dstIP := [4]byte{10, 0, 0, 1}
	req := echoRequest(t, 0x55, 0x1)

	if err := e.Recv(nif, srcIP, dstIP, req); err != nil {
		t.Fatal(err)
	}
	if len(link.sent) != 1 {
		t.Fatalf("got %d sent datagrams, want 1", len(link.sent))
	}

	raw := icmpPayload(t, link.sent[0])
	if raw[0] != TypeEchoReply {
		t.Fatalf("reply type = %d, want %d", raw[0], TypeEchoReply)
	}
	if id := binary.BigEndian.Uint16(raw[4:6]); id != 0x55 {
		t.Fatalf("reply id = %#x, want 0x55", id)
	}
	if seq := binary.BigEndian.Uint16(raw[6:8]); seq != 0x1 {
		t.Fatalf("reply seq = %#x, want 0x1", seq)
	}
}

// icmpPayload strips the IPv4 header ipv4.Stack.Send prepends, since
// the captureLink test double observes full datagrams, not bare ICMP
// payloads.
func icmpPayload(t *testing.T, out *pktbuf.Buffer) []byte {
	t.Helper()
	h, err := ipv4.DecodeHeader(out)
	if err != nil {
		t.Fatal(err)
	}
	if err := out.HeaderRemove(h.IHL); err != nil {
		t.Fatal(err)
	}
	out.AccReset()
	raw := make([]byte, out.TotalSize())
	if err := out.Read(raw, len(raw)); err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestNonEchoRequestIsDropped(t *testing.T) {
	_, e, link, nif := newTestStack(t)

	payload := make([]byte, 16)
	payload[0] = TypeEchoReply // not a request
	binary.BigEndian.PutUint16(payload[2:4], checksum(payload))
	buf, err := pktbuf.Alloc(len(payload))
	if err != nil {
		t.Fatal(err)
	}
	buf.AccReset()
	buf.Write(payload, len(payload))

	if err := e.Recv(nif, [4]byte{10, 0, 0, 2}, [4]byte{10, 0, 0, 1}, buf); err != nil {
		t.Fatal(err)
	}
	if len(link.sent) != 0 {
		t.Fatalf("got %d sent datagrams for a non-request, want 0", len(link.sent))
	}
}

func TestSendUnreachableIncludesOffendingHeader(t *testing.T) {
	_, e, link, _ := newTestStack(t)

	offendingRaw := ipv4.EncodeHeader(ipv4.Header{
		IHL: ipv4.HeaderLen, TotalLen: ipv4.HeaderLen + 8, TTL: 64,
		Proto: ipv4.ProtoUDP, SrcIP: [4]byte{10, 0, 0, 1}, DstIP: [4]byte{10, 0, 0, 2},
	})
	offending, err := pktbuf.Alloc(len(offendingRaw))
	if err != nil {
		t.Fatal(err)
	}
	offending.AccReset()
	offending.Write(offendingRaw, len(offendingRaw))

	if err := e.SendUnreachable([4]byte{10, 0, 0, 1}, CodePortUnreachable, offending); err != nil {
		t.Fatal(err)
	}
	if len(link.sent) != 1 {
		t.Fatalf("got %d sent datagrams, want 1", len(link.sent))
	}
	raw := icmpPayload(t, link.sent[0])
	if raw[0] != TypeUnreachable || raw[1] != CodePortUnreachable {
		t.Fatalf("unreachable type/code = %d/%d, want %d/%d", raw[0], raw[1], TypeUnreachable, CodePortUnreachable)
	}
	if len(raw) < headerLen+ipv4.HeaderLen {
		t.Fatalf("unreachable payload too short to carry the offending header")
	}
}
