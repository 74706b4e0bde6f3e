// Package socket's raw.go implements spec.md §4.L's raw-socket
// variant: a SOCK_RAW socket filtered to one IP protocol at creation
// time, observing every reassembled datagram for that protocol
// without any transport header of its own. It is grounded on
// sock_raw.c/sock_raw.h from the original implementation
// (sockraw_t{sock_base, recv_wait}, sockraw_create(family, protocol)
// allocating from a fixed pool); the original's own receive-dispatch
// glue isn't present in the filtered source, so delivery is realized
// here as ipv4.Stack.RegisterRaw, a fan-out registry that lets a raw
// socket observe a protocol (e.g. ICMP) alongside whatever primary
// handler (icmp.Engine) already owns it, the same coexistence a real
// kernel gives ping(8) and its own ICMP stack.
package socket

import (
	"sync"

	"github.com/go-netstack/netstack/pkg/ipv4"
	"github.com/go-netstack/netstack/pkg/neterr"
	"github.com/go-netstack/netstack/pkg/netif"
	"github.com/go-netstack/netstack/pkg/pktbuf"
	"github.com/go-netstack/netstack/pkg/queue"
	"github.com/go-netstack/netstack/pkg/sockaddr"
)

const rawRecvQueueDepth = 64

type rawDatagram struct {
	data []byte
	from sockaddr.Addr
}

// RawEngine binds raw-socket creation to the IPv4 engine raw sockets
// send through and subscribe their observers to.
type RawEngine struct {
	ip *ipv4.Stack
}

// NewRawEngine returns a raw-socket engine over ip. Unlike udp.New or
// icmp.New it registers nothing with ip up front — each RawConn
// subscribes itself to its own protocol number at creation, since
// proto is a per-socket choice (the `protocol` argument of socket(2)),
// not a single fixed one.
func NewRawEngine(ip *ipv4.Stack) *RawEngine {
	return &RawEngine{ip: ip}
}

// RawConn is one SOCK_RAW socket record, filtered to the single IP
// protocol given to Create (spec.md §6's protocol ∈ {IPPROTO_ICMP,
// IPPROTO_TCP, IPPROTO_UDP, ...}).
type RawConn struct {
	eng   *RawEngine
	proto uint8

	mu        sync.Mutex
	bound     bool
	localIP   [4]byte
	remote    sockaddr.Addr
	hasRemote bool
	closed    bool

	recvQ      *queue.Queue[rawDatagram]
	unregister func()
}

// Create reserves a raw socket filtered to proto and subscribes it to
// ip's raw fan-out for that protocol, mirroring sockraw_create's
// mblock allocation with a Go-native receive queue standing in for
// sockraw_t's recv_wait.
func (e *RawEngine) Create(proto uint8) *RawConn {
	c := &RawConn{eng: e, proto: proto, recvQ: queue.New[rawDatagram](rawRecvQueueDepth)}
	c.unregister = e.ip.RegisterRaw(proto, c.deliver)
	return c
}

// deliver is the ipv4.RawHandler this socket subscribed with: it
// filters on the bound local IP (if any) and copies the datagram into
// its own receive queue, dropping it under backpressure rather than
// blocking the shared receive path.
func (c *RawConn) deliver(nif *netif.Interface, srcIP, dstIP [4]byte, raw []byte) {
	c.mu.Lock()
	bound, localIP := c.bound, c.localIP
	c.mu.Unlock()
	if bound && localIP != dstIP {
		return
	}
	payload := append([]byte(nil), raw...)
	c.recvQ.Send(rawDatagram{data: payload, from: sockaddr.Addr{IP: srcIP}}, -1)
}

// Bind restricts delivery to datagrams addressed to addr.IP; raw IP
// sockets have no port, so addr.Port is ignored.
func (c *RawConn) Bind(addr sockaddr.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bound {
		return neterr.New(neterr.KindParameter, "socket already bound")
	}
	c.localIP = addr.IP
	c.bound = true
	return nil
}

// Connect records addr as the default destination for Send/Recv; raw
// sockets have no handshake, so this never blocks.
func (c *RawConn) Connect(addr sockaddr.Addr, waitMs int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remote = addr
	c.hasRemote = true
	return nil
}

// BoundRemote implements RemoteAddr.
func (c *RawConn) BoundRemote() (sockaddr.Addr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote, c.hasRemote
}

// Close unsubscribes this socket's raw observer from the IPv4 engine.
func (c *RawConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.unregister != nil {
		c.unregister()
	}
	return nil
}

// SendTo hands data to IPv4 as the protocol payload verbatim — a raw
// socket owns everything above the IPv4 header itself (e.g. an ICMP
// echo request built entirely by the caller), so no transport header
// is prepended here.
func (c *RawConn) SendTo(data []byte, dest sockaddr.Addr, waitMs int) (int, error) {
	c.mu.Lock()
	if c.hasRemote && c.remote.IP != dest.IP {
		c.mu.Unlock()
		return 0, neterr.New(neterr.KindParameter, "dest does not match connected remote")
	}
	proto := c.proto
	c.mu.Unlock()

	buf, err := pktbuf.Alloc(len(data))
	if err != nil {
		return 0, err
	}
	buf.AccReset()
	if err := buf.Write(data, len(data)); err != nil {
		buf.Free()
		return 0, err
	}
	if err := c.eng.ip.Send(proto, dest.IP, buf); err != nil {
		return 0, err
	}
	return len(data), nil
}

// RecvFrom blocks on the socket's receive queue until a datagram for
// this protocol arrives, then copies out up to len(buf) bytes and
// reports the sender's address.
func (c *RawConn) RecvFrom(buf []byte, waitMs int) (int, sockaddr.Addr, error) {
	d, err := c.recvQ.Recv(waitMs)
	if err != nil {
		return 0, sockaddr.Addr{}, err
	}
	n := copy(buf, d.data)
	return n, d.from, nil
}

func (c *RawConn) Send(data []byte, waitMs int) (int, error) {
	return DefaultSend(c, c, data, waitMs)
}

func (c *RawConn) Recv(buf []byte, waitMs int) (int, error) {
	return DefaultRecv(c, buf, waitMs)
}

func (c *RawConn) SetOpt(level, name int, value int) error { return nil }
