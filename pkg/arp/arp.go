// Package arp implements the ARP cache and protocol handling of
// spec.md §4.H: wire encode/decode, lookup/insert, make_request/
// make_reply/make_gratuitous, and the periodic waiting/resolved scan.
// It is grounded on arp.c/arp.h from the original implementation
// (arp_pkt_t, the NET_ARP_FREE/WAITING/RESOLVED states, tmo/retry
// bookkeeping) with LRU eviction realized on internal/dlist rather
// than the original's plain nlist, since Go's generic list gives us
// MoveToFront for free instead of a hand-rolled LRU walk.
package arp

import (
	"encoding/binary"
	"sync"

	"github.com/go-netstack/netstack/internal/dlist"
	"github.com/go-netstack/netstack/pkg/ethernet"
	"github.com/go-netstack/netstack/pkg/neterr"
	"github.com/go-netstack/netstack/pkg/netif"
	"github.com/go-netstack/netstack/pkg/pktbuf"
)

const (
	hwEther     = 1
	opRequest   = 1
	opReply     = 2
	packetLen   = 28
	cacheMax    = 50
	resolvedTTL = 20 // scan ticks (seconds) before a resolved entry is re-probed
	waitingTmo  = 1  // scan ticks before a waiting entry retries
	maxRetry    = 3
)

type state int

const (
	stateWaiting state = iota
	stateResolved
)

type entry struct {
	ip      [4]byte
	hw      netif.HWAddr
	nif     *netif.Interface
	state   state
	tmo     int
	retry   int
	pending []*pktbuf.Buffer
	node    *dlist.Node[*entry]
}

// Cache is one interface's (or the stack's shared) ARP table: an
// LRU-ordered list of entries keyed by IP, bounded to cacheMax.
type Cache struct {
	mu      sync.Mutex
	entries *dlist.List[*entry]
	byIP    map[[4]byte]*dlist.Node[*entry]
}

// NewCache returns an empty ARP cache.
func NewCache() *Cache {
	return &Cache{
		entries: dlist.New[*entry](),
		byIP:    make(map[[4]byte]*dlist.Node[*entry]),
	}
}

// Lookup reports a resolved hardware address for ip, if cached.
func (c *Cache) Lookup(ip [4]byte) (netif.HWAddr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.byIP[ip]
	if !ok || n.Value.state != stateResolved {
		return netif.HWAddr{}, false
	}
	c.entries.MoveToFront(n)
	return n.Value.hw, true
}

// Len reports the number of entries currently held, for pkg/stats.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

func (c *Cache) evictIfFull() {
	if c.entries.Len() < cacheMax {
		return
	}
	back := c.entries.Back()
	if back == nil {
		return
	}
	for _, buf := range back.Value.pending {
		buf.Free()
	}
	delete(c.byIP, back.Value.ip)
	c.entries.Remove(back)
}

// Resolve implements ethernet.Resolve: it either transmits buf
// immediately (MAC already known) or enqueues it on a WAITING entry,
// issuing an ARP request if none exists yet.
func (c *Cache) Resolve(nif *netif.Interface, destIP [4]byte, buf *pktbuf.Buffer) error {
	if hw, ok := c.Lookup(destIP); ok {
		return ethernet.SendFrame(nif, hw, ethernet.EthertypeIPv4, buf)
	}

	c.mu.Lock()
	n, ok := c.byIP[destIP]
	if ok {
		n.Value.pending = append(n.Value.pending, buf)
		c.entries.MoveToFront(n)
		c.mu.Unlock()
		return nil
	}
	c.evictIfFull()
	e := &entry{ip: destIP, nif: nif, state: stateWaiting, tmo: waitingTmo, pending: []*pktbuf.Buffer{buf}}
	e.node = c.entries.PushFront(e)
	c.byIP[destIP] = e.node
	c.mu.Unlock()

	return MakeRequest(nif, destIP)
}

// Insert records a resolved mapping, flushing any buffers queued on a
// WAITING entry for the same IP by transmitting them through Ethernet
// with the newly resolved MAC.
func (c *Cache) Insert(ip [4]byte, hw netif.HWAddr, nif *netif.Interface) error {
	c.mu.Lock()
	n, ok := c.byIP[ip]
	if !ok {
		c.evictIfFull()
		e := &entry{ip: ip}
		e.node = c.entries.PushFront(e)
		c.byIP[ip] = e.node
		n = e.node
	}
	e := n.Value
	pending := e.pending
	e.pending = nil
	e.hw = hw
	e.nif = nif
	e.state = stateResolved
	e.tmo = resolvedTTL
	e.retry = 0
	c.entries.MoveToFront(n)
	c.mu.Unlock()

	var firstErr error
	for _, buf := range pending {
		if err := ethernet.SendFrame(nif, hw, ethernet.EthertypeIPv4, buf); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Scan runs the periodic (1s) waiting/resolved sweep: waiting entries
// that exhaust their retry budget are dropped along with their
// pending buffers; resolved entries expire after their TTL, probed
// once just before expiry.
func (c *Cache) Scan() {
	c.mu.Lock()
	var toDrop []*dlist.Node[*entry]
	var toRequest [][4]byte
	var toProbe []*netif.Interface

	for n := c.entries.Front(); n != nil; n = n.Next() {
		e := n.Value
		e.tmo--
		if e.tmo > 0 {
			if e.state == stateResolved && e.tmo == 1 {
				toRequest = append(toRequest, e.ip)
				toProbe = append(toProbe, e.nif)
			}
			continue
		}
		switch e.state {
		case stateWaiting:
			e.retry++
			if e.retry > maxRetry {
				toDrop = append(toDrop, n)
			} else {
				e.tmo = waitingTmo
				toRequest = append(toRequest, e.ip)
				toProbe = append(toProbe, e.nif)
			}
		case stateResolved:
			toDrop = append(toDrop, n)
		}
	}
	for _, n := range toDrop {
		for _, buf := range n.Value.pending {
			buf.Free()
		}
		delete(c.byIP, n.Value.ip)
		c.entries.Remove(n)
	}
	c.mu.Unlock()

	for i, ip := range toRequest {
		MakeRequest(toProbe[i], ip)
	}
}

// Packet is the decoded ARP payload.
type Packet struct {
	Op        uint16
	SenderHW  netif.HWAddr
	SenderIP  [4]byte
	TargetHW  netif.HWAddr
	TargetIP  [4]byte
}

func encode(op uint16, senderHW netif.HWAddr, senderIP [4]byte, targetHW netif.HWAddr, targetIP [4]byte) []byte {
	b := make([]byte, packetLen)
	binary.BigEndian.PutUint16(b[0:2], hwEther)
	binary.BigEndian.PutUint16(b[2:4], uint16(ethernet.EthertypeIPv4))
	b[4] = 6
	b[5] = 4
	binary.BigEndian.PutUint16(b[6:8], op)
	copy(b[8:14], senderHW[:])
	copy(b[14:18], senderIP[:])
	copy(b[18:24], targetHW[:])
	copy(b[24:28], targetIP[:])
	return b
}

func decode(buf *pktbuf.Buffer) (Packet, error) {
	if buf.TotalSize() < packetLen {
		return Packet{}, neterr.New(neterr.KindMalformedInput, "arp packet shorter than header")
	}
	raw := make([]byte, packetLen)
	buf.AccReset()
	if err := buf.Read(raw, packetLen); err != nil {
		return Packet{}, err
	}
	hwType := binary.BigEndian.Uint16(raw[0:2])
	protoType := binary.BigEndian.Uint16(raw[2:4])
	hwLen, protoLen := raw[4], raw[5]
	op := binary.BigEndian.Uint16(raw[6:8])
	if hwType != hwEther || protoType != uint16(ethernet.EthertypeIPv4) || hwLen != 6 || protoLen != 4 {
		return Packet{}, neterr.New(neterr.KindProtocolViolation, "unsupported arp hw/proto type")
	}
	if op != opRequest && op != opReply {
		return Packet{}, neterr.New(neterr.KindProtocolViolation, "unknown arp opcode")
	}
	var p Packet
	p.Op = op
	copy(p.SenderHW[:], raw[8:14])
	copy(p.SenderIP[:], raw[14:18])
	copy(p.TargetHW[:], raw[18:24])
	copy(p.TargetIP[:], raw[24:28])
	return p, nil
}

// MakeRequest broadcasts an ARP request for dstIP on nif.
func MakeRequest(nif *netif.Interface, dstIP [4]byte) error {
	buf, err := pktbuf.Alloc(packetLen)
	if err != nil {
		return err
	}
	buf.AccReset()
	if err := buf.Write(encode(opRequest, nif.HWAddr, nif.IP, netif.HWAddr{}, dstIP), packetLen); err != nil {
		buf.Free()
		return err
	}
	return ethernet.SendFrame(nif, netif.Broadcast, ethernet.EthertypeARP, buf)
}

// MakeGratuitous advertises nif's own IP-to-MAC mapping, used at
// interface bring-up to populate peers' caches and detect conflicts.
func MakeGratuitous(nif *netif.Interface) error {
	return MakeRequest(nif, nif.IP)
}

// MakeReply answers a decoded ARP request with a freshly allocated
// reply: nif's own mapping is the sender, the requester is the target,
// the opcode is Reply, and the frame is transmitted unicast back to
// the requester.
func MakeReply(nif *netif.Interface, req Packet) error {
	buf, err := pktbuf.Alloc(packetLen)
	if err != nil {
		return err
	}
	buf.AccReset()
	if err := buf.Write(encode(opReply, nif.HWAddr, nif.IP, req.SenderHW, req.SenderIP), packetLen); err != nil {
		buf.Free()
		return err
	}
	return ethernet.SendFrame(nif, req.SenderHW, ethernet.EthertypeARP, buf)
}

// Recv handles one received ARP packet: it caches the sender's mapping
// whenever the sender IP is not 0.0.0.0 (the standard "learn from any
// ARP traffic" behaviour), answers requests targeting this interface's
// IP, and feeds replies into Insert to resolve any WAITING entry.
func (c *Cache) Recv(nif *netif.Interface, buf *pktbuf.Buffer) error {
	pkt, err := decode(buf)
	if err != nil {
		buf.Free()
		return err
	}
	buf.Free()

	if pkt.SenderIP != ([4]byte{}) {
		c.Insert(pkt.SenderIP, pkt.SenderHW, nif)
	}

	switch pkt.Op {
	case opRequest:
		if pkt.TargetIP == nif.IP {
			return MakeReply(nif, pkt)
		}
	case opReply:
		// handled by the Insert call above
	}
	return nil
}
