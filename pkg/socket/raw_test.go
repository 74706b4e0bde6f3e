package socket

import (
	"testing"

	"github.com/go-netstack/netstack/pkg/arp"
	"github.com/go-netstack/netstack/pkg/ipv4"
	"github.com/go-netstack/netstack/pkg/neterr"
	"github.com/go-netstack/netstack/pkg/netif"
	"github.com/go-netstack/netstack/pkg/pktbuf"
	"github.com/go-netstack/netstack/pkg/sockaddr"
	"github.com/go-netstack/netstack/pkg/timer"
)

// captureLink is a netif.LinkLayer test double that drops everything
// handed to Send, since these tests only exercise the receive path.
type captureLink struct{}

func (c *captureLink) Type() netif.LinkType                            { return netif.LinkEthernet }
func (c *captureLink) Open(nif *netif.Interface) error                 { return nil }
func (c *captureLink) Close(nif *netif.Interface) error                { return nil }
func (c *captureLink) Recv(nif *netif.Interface, buf *pktbuf.Buffer) error { return nil }
func (c *captureLink) Send(nif *netif.Interface, destIP [4]byte, buf *pktbuf.Buffer) error {
	buf.Free()
	return nil
}

func newTestStack(t *testing.T) (*ipv4.Stack, *netif.Interface) {
	t.Helper()
	nif := &netif.Interface{Name: "test0", IP: [4]byte{10, 0, 0, 1}, Netmask: [4]byte{255, 255, 255, 0}, Link: &captureLink{}}
	routes := ipv4.NewRouteTable()
	routes.Add(ipv4.RouteEntry{Dest: [4]byte{10, 0, 0, 0}, Mask: [4]byte{255, 255, 255, 0}, Nif: nif})
	ip := ipv4.New(arp.NewCache(), routes, timer.New())
	return ip, nif
}

// datagram builds a full, correctly checksummed IPv4 datagram carrying
// payload for proto, addressed from srcIP to dstIP.
func datagram(t *testing.T, proto uint8, srcIP, dstIP [4]byte, payload []byte) *pktbuf.Buffer {
	t.Helper()
	h := ipv4.Header{
		IHL:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + len(payload),
		TTL:      ipv4.DefaultTTL,
		Proto:    proto,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	raw := append(ipv4.EncodeHeader(h), payload...)
	buf, err := pktbuf.Alloc(len(raw))
	if err != nil {
		t.Fatal(err)
	}
	buf.AccReset()
	if err := buf.Write(raw, len(raw)); err != nil {
		t.Fatal(err)
	}
	return buf
}

const testRawProto = 253 // IANA "use for experimentation and testing"

// TestRawSocketReceivesMatchingProtocol exercises a raw socket's core
// path: an inbound datagram for its protocol lands in RecvFrom with
// the sender's address, unwrapped of its IPv4 header.
func TestRawSocketReceivesMatchingProtocol(t *testing.T) {
	ip, nif := newTestStack(t)
	eng := NewRawEngine(ip)
	c := eng.Create(testRawProto)
	defer c.Close()

	srcIP := [4]byte{10, 0, 0, 9}
	payload := []byte("raw hello")
	buf := datagram(t, testRawProto, srcIP, nif.IP, payload)

	if err := ip.Recv(nif, 0, buf); err != nil {
		t.Fatal(err)
	}

	out := make([]byte, 64)
	n, from, err := c.RecvFrom(out, -1)
	if err != nil {
		t.Fatal(err)
	}
	if string(out[:n]) != string(payload) {
		t.Fatalf("received payload = %q, want %q", out[:n], payload)
	}
	if from.IP != srcIP {
		t.Fatalf("from = %v, want %v", from.IP, srcIP)
	}
}

// TestRawSocketIgnoresOtherProtocols checks that a raw socket bound to
// one protocol never sees datagrams for a different one.
func TestRawSocketIgnoresOtherProtocols(t *testing.T) {
	ip, nif := newTestStack(t)
	eng := NewRawEngine(ip)
	c := eng.Create(testRawProto)
	defer c.Close()

	buf := datagram(t, testRawProto+1, [4]byte{10, 0, 0, 9}, nif.IP, []byte("nope"))
	if err := ip.Recv(nif, 0, buf); !neterr.Is(err, neterr.KindProtocolViolation) {
		t.Fatalf("ip.Recv for a protocol with no handler or observer = %v, want a protocol-violation error", err)
	}

	out := make([]byte, 64)
	if _, _, err := c.RecvFrom(out, -1); err == nil {
		t.Fatal("expected a would-block/timeout error, got a delivered datagram")
	}
}

// TestRawSocketBindFiltersDestIP checks that Bind restricts delivery
// to datagrams addressed to the bound local IP.
func TestRawSocketBindFiltersDestIP(t *testing.T) {
	ip, nif := newTestStack(t)
	eng := NewRawEngine(ip)
	c := eng.Create(testRawProto)
	defer c.Close()

	other := [4]byte{10, 0, 0, 250}
	if err := c.Bind(sockaddr.Addr{IP: other}); err != nil {
		t.Fatal(err)
	}

	buf := datagram(t, testRawProto, [4]byte{10, 0, 0, 9}, nif.IP, []byte("for someone else"))
	if err := ip.Recv(nif, 0, buf); err != nil {
		t.Fatal(err)
	}
	out := make([]byte, 64)
	if _, _, err := c.RecvFrom(out, -1); err == nil {
		t.Fatal("expected no delivery to a socket bound to a different local IP")
	}
}

// TestRawSocketCoexistsWithPrimaryHandler checks that registering a
// raw observer for a protocol that already has a primary ipv4.Handler
// (e.g. ICMP's icmp.Engine) doesn't disturb that handler: both the
// primary handler and the raw socket observe the same datagram.
func TestRawSocketCoexistsWithPrimaryHandler(t *testing.T) {
	ip, nif := newTestStack(t)
	var primarySaw int
	ip.RegisterHandler(ipv4.ProtoICMP, func(nif *netif.Interface, srcIP, dstIP [4]byte, buf *pktbuf.Buffer) error {
		primarySaw++
		buf.Free()
		return nil
	})

	eng := NewRawEngine(ip)
	c := eng.Create(uint8(IPProtoICMP))
	defer c.Close()

	buf := datagram(t, uint8(IPProtoICMP), [4]byte{10, 0, 0, 9}, nif.IP, []byte{8, 0, 0, 0})
	if err := ip.Recv(nif, 0, buf); err != nil {
		t.Fatal(err)
	}
	if primarySaw != 1 {
		t.Fatalf("primary handler saw %d datagrams, want 1", primarySaw)
	}
	out := make([]byte, 64)
	if _, _, err := c.RecvFrom(out, -1); err != nil {
		t.Fatalf("raw socket should also have observed the datagram: %v", err)
	}
}

// TestRawSocketCloseUnregistersObserver checks that Close stops
// further delivery to a raw socket.
func TestRawSocketCloseUnregistersObserver(t *testing.T) {
	ip, nif := newTestStack(t)
	eng := NewRawEngine(ip)
	c := eng.Create(testRawProto)
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	buf := datagram(t, testRawProto, [4]byte{10, 0, 0, 9}, nif.IP, []byte("late"))
	if err := ip.Recv(nif, 0, buf); !neterr.Is(err, neterr.KindProtocolViolation) {
		t.Fatalf("ip.Recv after the only observer closed = %v, want a protocol-violation error", err)
	}
	out := make([]byte, 64)
	if _, _, err := c.RecvFrom(out, -1); err == nil {
		t.Fatal("expected no delivery after Close")
	}
}
