// Package stack wires every protocol engine into one running
// instance and owns the dispatch loop spec.md §5 describes as a
// single bounded event queue feeding a worker. It is the one package
// allowed to import both a lower layer (pkg/ethernet, pkg/netif) and
// the upper layers built on it (pkg/arp, pkg/ipv4, pkg/icmp, pkg/udp,
// pkg/tcp), since every one of those packages was deliberately built
// with its demultiplexing point exposed as an injectable field or
// registry rather than a direct import, to avoid a dependency cycle.
package stack

import (
	"context"
	"sync"
	"time"

	"github.com/go-netstack/netstack/pkg/arp"
	"github.com/go-netstack/netstack/pkg/ethernet"
	"github.com/go-netstack/netstack/pkg/icmp"
	"github.com/go-netstack/netstack/pkg/ipv4"
	"github.com/go-netstack/netstack/pkg/neterr"
	"github.com/go-netstack/netstack/pkg/netif"
	"github.com/go-netstack/netstack/pkg/netlog"
	"github.com/go-netstack/netstack/pkg/pktbuf"
	"github.com/go-netstack/netstack/pkg/queue"
	"github.com/go-netstack/netstack/pkg/sockaddr"
	"github.com/go-netstack/netstack/pkg/socket"
	"github.com/go-netstack/netstack/pkg/stats"
	"github.com/go-netstack/netstack/pkg/tcp"
	"github.com/go-netstack/netstack/pkg/timer"
	"github.com/go-netstack/netstack/pkg/udp"
)

const (
	eventQueueDepth   = 256
	houseKeepInterval = 100 * time.Millisecond
	maxSockets        = 1024
)

type eventKind int

const (
	eventRecv eventKind = iota
)

type event struct {
	kind eventKind
	nif  *netif.Interface
}

// Stack is one running instance of the network stack: every protocol
// engine, the socket table, and the event queue that serializes
// packet-processing work onto a single dispatcher goroutine. Socket
// calls (bind/connect/send/recv) are NOT funneled through that same
// queue — each engine protects its own tables with a mutex instead, a
// deliberate divergence from a literal single-worker rendition (see
// DESIGN.md): Go's goroutine-per-caller model makes concurrent access
// to small protocol tables cheap, where the original's single thread
// existed to avoid needing any locks at all.
type Stack struct {
	ARP     *arp.Cache
	Routes  *ipv4.RouteTable
	IPv4    *ipv4.Stack
	ICMP    *icmp.Engine
	UDP     *udp.Engine
	TCP     *tcp.Engine
	Raw     *socket.RawEngine
	Sockets *socket.Table
	Timers  *timer.Wheel
	Stats   *stats.Collector

	events *queue.Queue[event]
}

// New builds every protocol engine and registers the Ethernet link
// layer's demux/resolve callbacks, wiring the lower layers' injection
// points to the upper layers constructed here.
func New() *Stack {
	arpCache := arp.NewCache()
	routes := ipv4.NewRouteTable()
	wheel := timer.New()
	ip := ipv4.New(arpCache, routes, wheel)
	icmpEngine := icmp.New(ip)
	udpEngine := udp.New(ip, icmpEngine)
	tcpEngine := tcp.New(ip, wheel)
	rawEngine := socket.NewRawEngine(ip)

	demux := func(nif *netif.Interface, ethertype uint16, buf *pktbuf.Buffer) error {
		switch ethertype {
		case ethernet.EthertypeARP:
			return arpCache.Recv(nif, buf)
		case ethernet.EthertypeIPv4:
			return ip.Recv(nif, ethertype, buf)
		default:
			buf.Free()
			return nil
		}
	}
	netif.RegisterLinkLayer(netif.LinkEthernet, ethernet.New(demux, arpCache.Resolve))

	s := &Stack{
		ARP:     arpCache,
		Routes:  routes,
		IPv4:    ip,
		ICMP:    icmpEngine,
		UDP:     udpEngine,
		TCP:     tcpEngine,
		Raw:     rawEngine,
		Sockets: socket.NewTable(maxSockets),
		Timers:  wheel,
		events:  queue.New[event](eventQueueDepth),
	}
	s.Stats = stats.New(tcpEngine, arpCache, ip.FragsOccupied, netif.All)
	return s
}

// AddInterface brings up one NIC through driver, installs an on-link
// route for its subnet (and a default route via its gateway, if one
// is configured), and returns the opened interface.
func (s *Stack) AddInterface(driver netif.Driver, cfg netif.Config) (*netif.Interface, error) {
	nif, err := netif.Open(driver, netif.LinkEthernet, cfg, s.notifyRecv)
	if err != nil {
		return nil, err
	}
	s.Routes.Add(ipv4.RouteEntry{Dest: onLink(nif.IP, nif.Netmask), Mask: nif.Netmask, Nif: nif})
	if nif.Gateway != ([4]byte{}) {
		s.Routes.Add(ipv4.RouteEntry{Dest: [4]byte{}, Mask: [4]byte{}, Gateway: nif.Gateway, Nif: nif})
	}
	return nif, nil
}

func onLink(ip, mask [4]byte) [4]byte {
	var d [4]byte
	for i := range ip {
		d[i] = ip[i] & mask[i]
	}
	return d
}

// notifyRecv is netif's per-frame callback: it posts a dispatch event
// without touching any protocol table itself.
func (s *Stack) notifyRecv(nif *netif.Interface) {
	if err := s.events.Send(event{kind: eventRecv, nif: nif}, 0); err != nil {
		netlog.Log.WithField("interface", nif.Name).WithError(err).Warn("dropping receive notification: event queue unavailable")
	}
}

// Run drives the dispatcher until ctx is cancelled: one goroutine
// drains NETIF_RECV events (the serialized packet-processing path of
// spec.md §5), another runs the periodic ARP scan and timer-wheel
// tick. Both return once ctx is done.
func (s *Stack) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.drainEvents(ctx)
	}()
	go func() {
		defer wg.Done()
		s.houseKeep(ctx)
	}()
	wg.Wait()
	return nil
}

func (s *Stack) drainEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		ev, err := s.events.Recv(250)
		if err != nil {
			continue
		}
		s.handle(ev)
	}
}

func (s *Stack) houseKeep(ctx context.Context) {
	ticker := time.NewTicker(houseKeepInterval)
	defer ticker.Stop()
	arpScanEvery := int(time.Second / houseKeepInterval)
	ticks := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ticks++
			if ticks%arpScanEvery == 0 {
				s.ARP.Scan()
			}
			if err := s.Timers.CheckTimeout(int(houseKeepInterval / time.Millisecond)); err != nil {
				netlog.Log.WithError(err).Warn("timer wheel check_timeout failed")
			}
		}
	}
}

func (s *Stack) handle(ev event) {
	switch ev.kind {
	case eventRecv:
		buf, err := ev.nif.RecvQ.Recv(-1)
		if err != nil {
			return
		}
		cid := netlog.NewCorrelationID()
		if err := ev.nif.Link.Recv(ev.nif, buf); err != nil {
			netlog.WithCID(cid).WithField("interface", ev.nif.Name).WithError(err).Debug("link layer recv failed")
			buf.Free()
		}
	}
}

// socketByFd is a small local helper so every API method below shares
// one bad-fd error shape.
func (s *Stack) socketByFd(fd int) (socket.Socket, error) {
	return s.Sockets.Get(fd)
}

// Socket allocates a new socket of the given family/type/proto,
// spec.md §6's socket(2) equivalent.
func (s *Stack) Socket(family, typ, proto int) (int, error) {
	if family != socket.AFInet {
		return -1, neterr.New(neterr.KindParameter, "unsupported address family")
	}
	var sock socket.Socket
	switch typ {
	case socket.SockRaw:
		if proto <= 0 || proto > 0xff {
			return -1, neterr.New(neterr.KindParameter, "unsupported raw socket protocol")
		}
		sock = s.Raw.Create(uint8(proto))
	case socket.SockDgram:
		sock = s.UDP.Create()
	case socket.SockStream:
		sock = s.TCP.Create()
	default:
		return -1, neterr.New(neterr.KindParameter, "unsupported socket type")
	}
	return s.Sockets.Alloc(sock)
}

func (s *Stack) Bind(fd int, addr sockaddr.Addr) error {
	sock, err := s.socketByFd(fd)
	if err != nil {
		return err
	}
	return sock.Bind(addr)
}

func (s *Stack) Connect(fd int, addr sockaddr.Addr, waitMs int) error {
	sock, err := s.socketByFd(fd)
	if err != nil {
		return err
	}
	return sock.Connect(addr, waitMs)
}

func (s *Stack) SendTo(fd int, data []byte, addr sockaddr.Addr, waitMs int) (int, error) {
	sock, err := s.socketByFd(fd)
	if err != nil {
		return 0, err
	}
	return sock.SendTo(data, addr, waitMs)
}

func (s *Stack) RecvFrom(fd int, buf []byte, waitMs int) (int, sockaddr.Addr, error) {
	sock, err := s.socketByFd(fd)
	if err != nil {
		return 0, sockaddr.Addr{}, err
	}
	return sock.RecvFrom(buf, waitMs)
}

func (s *Stack) Send(fd int, data []byte, waitMs int) (int, error) {
	sock, err := s.socketByFd(fd)
	if err != nil {
		return 0, err
	}
	return sock.Send(data, waitMs)
}

func (s *Stack) Recv(fd int, buf []byte, waitMs int) (int, error) {
	sock, err := s.socketByFd(fd)
	if err != nil {
		return 0, err
	}
	return sock.Recv(buf, waitMs)
}

func (s *Stack) SetOpt(fd, level, name, value int) error {
	sock, err := s.socketByFd(fd)
	if err != nil {
		return err
	}
	return sock.SetOpt(level, name, value)
}

func (s *Stack) Close(fd int) error {
	return s.Sockets.Free(fd)
}

// Listen is TCP-specific: it type-asserts the fd's socket down to
// *tcp.Conn, the same way the BSD layer's listen(2) only makes sense
// for SOCK_STREAM.
func (s *Stack) Listen(fd int, backlog int) error {
	sock, err := s.socketByFd(fd)
	if err != nil {
		return err
	}
	conn, ok := sock.(*tcp.Conn)
	if !ok {
		return neterr.New(neterr.KindParameter, "listen on a non-stream socket")
	}
	return conn.Listen(backlog)
}

// Accept is TCP-specific; the accepted connection is installed in the
// socket table under a fresh fd.
func (s *Stack) Accept(fd int, waitMs int) (int, error) {
	sock, err := s.socketByFd(fd)
	if err != nil {
		return -1, err
	}
	conn, ok := sock.(*tcp.Conn)
	if !ok {
		return -1, neterr.New(neterr.KindParameter, "accept on a non-stream socket")
	}
	child, err := conn.Accept(waitMs)
	if err != nil {
		return -1, err
	}
	return s.Sockets.Alloc(child)
}
