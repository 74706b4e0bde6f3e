// Package netif implements the per-NIC vtables and the interface
// registry described in spec.md §4.F: a Driver (open/close/send) and a
// LinkLayer (open/close/recv/send) per link type, registered globally
// and bound to an Interface at Open time. The packet-capture driver
// itself (frame read/inject against a live NIC) is out of this
// module's scope; cmd/netstackd wires one concrete Driver against
// golang.org/x/sys/unix AF_PACKET sockets as an integration fixture.
package netif

import (
	"sync"

	"github.com/go-netstack/netstack/pkg/neterr"
	"github.com/go-netstack/netstack/pkg/pktbuf"
	"github.com/go-netstack/netstack/pkg/queue"
)

// HWAddr is a 6-byte hardware (MAC) address.
type HWAddr [6]byte

func (a HWAddr) String() string {
	const hex = "0123456789abcdef"
	b := make([]byte, 0, 17)
	for i, o := range a {
		if i > 0 {
			b = append(b, ':')
		}
		b = append(b, hex[o>>4], hex[o&0xf])
	}
	return string(b)
}

// Broadcast is the Ethernet broadcast address FF:FF:FF:FF:FF:FF.
var Broadcast = HWAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// LinkType identifies which LinkLayer a driver selects at open time.
type LinkType int

const (
	LinkEthernet LinkType = iota
	LinkLoopback
)

// Config carries the per-interface settings an application supplies
// to Open: addressing, MTU, and the depth of the two fixed queues
// that decouple the NIC reader/writer goroutines from the dispatcher.
type Config struct {
	Name         string
	IP           [4]byte
	Netmask      [4]byte
	Gateway      [4]byte
	MTU          int
	RecvQueueLen int
	SendQueueLen int
}

// Driver is the per-NIC vtable a packet-capture adapter implements.
// Open must start whatever background activity the driver needs to
// keep the Interface's RecvQ fed and the link layer's outgoing frames
// flowing (spec.md's "spawns two threads: a reader ... a writer"); Go
// realizes those as goroutines owned by the driver, stopped by Close.
type Driver interface {
	// Open prepares the underlying transport, sets nif.HWAddr, and
	// starts the driver's reader/writer goroutines.
	Open(nif *Interface, cfg Config) error
	// Close stops the driver's goroutines and releases the transport.
	Close(nif *Interface) error
	// Send injects one pending frame from nif.SendQ, blocking up to the
	// driver's own timeout. Called by the writer goroutine in a loop;
	// exposed on the vtable so a test fixture can drive it directly.
	Send(nif *Interface) error
}

// LinkLayer is the per-link-type vtable (one instance per LinkType,
// shared by every Interface of that type).
type LinkLayer interface {
	Type() LinkType
	Open(nif *Interface) error
	Close(nif *Interface) error
	// Recv is handed ownership of buf by the dispatcher; it must either
	// consume buf (forwarding or freeing it) or return an error, in
	// which case the dispatcher frees it.
	Recv(nif *Interface, buf *pktbuf.Buffer) error
	// Send addresses buf to destIP at the link layer (resolving a
	// hardware address if needed) and queues the resulting frame.
	Send(nif *Interface, destIP [4]byte, buf *pktbuf.Buffer) error
}

var (
	linkMu     sync.Mutex
	linkLayers = map[LinkType]LinkLayer{}
)

// RegisterLinkLayer installs ll as the handler for link type t.
// pkg/stack.New calls it for LinkEthernet with an ethernet.LinkLayer.
func RegisterLinkLayer(t LinkType, ll LinkLayer) {
	linkMu.Lock()
	defer linkMu.Unlock()
	linkLayers[t] = ll
}

func lookupLinkLayer(t LinkType) (LinkLayer, error) {
	linkMu.Lock()
	defer linkMu.Unlock()
	ll, ok := linkLayers[t]
	if !ok {
		return nil, neterr.New(neterr.KindParameter, "no link layer registered for type")
	}
	return ll, nil
}

// Interface is one opened NIC: its addressing, its two vtables, and
// the bounded queues that hand frames to and from the dispatcher.
type Interface struct {
	Name    string
	HWAddr  HWAddr
	IP      [4]byte
	Netmask [4]byte
	Gateway [4]byte
	MTU     int

	Link   LinkLayer
	driver Driver

	RecvQ *queue.Queue[*pktbuf.Buffer]
	SendQ *queue.Queue[*pktbuf.Buffer]

	// notifyRecv is called by the driver's reader goroutine after each
	// frame is pushed onto RecvQ, posting a NETIF_RECV event to the
	// dispatcher. Set by pkg/stack at registration time so this
	// package never imports the dispatcher.
	notifyRecv func(*Interface)
}

const (
	defaultRecvQueueLen = 64
	defaultSendQueueLen = 64
)

var (
	regMu      sync.Mutex
	interfaces = map[string]*Interface{}
)

// Open brings up one interface: resolves its link layer, lets the
// driver claim the transport and spawn its goroutines, and registers
// the interface by name. notifyRecv is invoked once per frame
// delivered to RecvQ.
func Open(driver Driver, linkType LinkType, cfg Config, notifyRecv func(*Interface)) (*Interface, error) {
	if driver == nil || notifyRecv == nil {
		return nil, neterr.New(neterr.KindParameter, "driver and notifyRecv are required")
	}
	ll, err := lookupLinkLayer(linkType)
	if err != nil {
		return nil, err
	}
	recvLen, sendLen := cfg.RecvQueueLen, cfg.SendQueueLen
	if recvLen <= 0 {
		recvLen = defaultRecvQueueLen
	}
	if sendLen <= 0 {
		sendLen = defaultSendQueueLen
	}

	nif := &Interface{
		Name:       cfg.Name,
		IP:         cfg.IP,
		Netmask:    cfg.Netmask,
		Gateway:    cfg.Gateway,
		MTU:        cfg.MTU,
		Link:       ll,
		driver:     driver,
		RecvQ:      queue.New[*pktbuf.Buffer](recvLen),
		SendQ:      queue.New[*pktbuf.Buffer](sendLen),
		notifyRecv: notifyRecv,
	}

	if err := ll.Open(nif); err != nil {
		return nil, err
	}
	if err := driver.Open(nif, cfg); err != nil {
		ll.Close(nif)
		return nil, err
	}

	regMu.Lock()
	interfaces[nif.Name] = nif
	regMu.Unlock()
	return nif, nil
}

// Close tears down an interface: driver first (stops goroutines),
// then the link layer, then removes it from the registry.
func Close(nif *Interface) error {
	if nif == nil {
		return nil
	}
	regMu.Lock()
	delete(interfaces, nif.Name)
	regMu.Unlock()

	var firstErr error
	if err := nif.driver.Close(nif); err != nil {
		firstErr = err
	}
	if err := nif.Link.Close(nif); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// PushRecv is called by a driver's reader goroutine after it has
// allocated a packet buffer and copied one frame into it. It enqueues
// the buffer and notifies the dispatcher.
func (nif *Interface) PushRecv(buf *pktbuf.Buffer) error {
	if err := nif.RecvQ.Send(buf, -1); err != nil {
		return err
	}
	nif.notifyRecv(nif)
	return nil
}

// Lookup returns a previously opened interface by name.
func Lookup(name string) (*Interface, bool) {
	regMu.Lock()
	defer regMu.Unlock()
	nif, ok := interfaces[name]
	return nif, ok
}

// All returns every currently open interface, for routing lookups and
// metrics collection.
func All() []*Interface {
	regMu.Lock()
	defer regMu.Unlock()
	out := make([]*Interface, 0, len(interfaces))
	for _, nif := range interfaces {
		out = append(out, nif)
	}
	return out
}
