// Package ipv4 implements spec.md §4.I: header codec, the receive
// pipeline (local-delivery check, reassembly, protocol demux), send
// (routing lookup, header assembly, checksum), and the LRU fragment
// table. It is grounded on ipv4.c/ipv4.h from the original
// implementation.
package ipv4

import (
	"encoding/binary"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/go-netstack/netstack/pkg/arp"
	"github.com/go-netstack/netstack/pkg/ethernet"
	"github.com/go-netstack/netstack/pkg/neterr"
	"github.com/go-netstack/netstack/pkg/netif"
	"github.com/go-netstack/netstack/pkg/pktbuf"
	"github.com/go-netstack/netstack/pkg/timer"
)

const (
	HeaderLen    = 20
	DefaultTTL   = 64
	flagDF       = 0x2
	flagMF       = 0x1
	fragWatchdog = 30000 // ms before an incomplete reassembly is discarded
)

const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

// Header is the decoded IPv4 header, fields already in host order.
type Header struct {
	IHL        int
	TotalLen   int
	ID         uint16
	DF         bool
	MF         bool
	FragOffset int // in bytes
	TTL        uint8
	Proto      uint8
	SrcIP      [4]byte
	DstIP      [4]byte
}

// DecodeHeader parses the fixed 20-byte header at the front of buf.
// The IP header is made contiguous first (SetCont) so the cursor
// reads never straddle a block boundary.
func DecodeHeader(buf *pktbuf.Buffer) (Header, error) {
	if buf.TotalSize() < HeaderLen {
		return Header{}, neterr.New(neterr.KindMalformedInput, "datagram shorter than ipv4 header")
	}
	if err := buf.SetCont(HeaderLen); err != nil {
		return Header{}, err
	}
	raw := make([]byte, HeaderLen)
	buf.AccReset()
	if err := buf.Read(raw, HeaderLen); err != nil {
		return Header{}, err
	}

	version := raw[0] >> 4
	ihl := int(raw[0]&0xf) * 4
	if version != 4 {
		return Header{}, neterr.New(neterr.KindProtocolViolation, "not an ipv4 datagram")
	}
	if ihl < HeaderLen {
		return Header{}, neterr.New(neterr.KindMalformedInput, "ihl smaller than minimum header")
	}
	totalLen := int(binary.BigEndian.Uint16(raw[2:4]))
	if totalLen < ihl || totalLen > buf.TotalSize() {
		return Header{}, neterr.New(neterr.KindMalformedInput, "total_len inconsistent with buffer")
	}
	if want := binary.BigEndian.Uint16(raw[10:12]); checksumHeader(raw) != want {
		return Header{}, neterr.New(neterr.KindMalformedInput, "ipv4 header checksum mismatch")
	}
	flagsFrag := binary.BigEndian.Uint16(raw[6:8])
	flags := flagsFrag >> 13
	fragOffsetUnits := flagsFrag & 0x1fff

	h := Header{
		IHL:        ihl,
		TotalLen:   totalLen,
		ID:         binary.BigEndian.Uint16(raw[4:6]),
		DF:         flags&flagDF != 0,
		MF:         flags&flagMF != 0,
		FragOffset: int(fragOffsetUnits) * 8,
		TTL:        raw[8],
		Proto:      raw[9],
	}
	copy(h.SrcIP[:], raw[12:16])
	copy(h.DstIP[:], raw[16:20])
	return h, nil
}

func checksumHeader(raw []byte) uint16 {
	save := binary.BigEndian.Uint16(raw[10:12])
	binary.BigEndian.PutUint16(raw[10:12], 0)
	var sum uint32
	for i := 0; i+1 < len(raw); i += 2 {
		sum += uint32(raw[i])<<8 | uint32(raw[i+1])
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	binary.BigEndian.PutUint16(raw[10:12], save)
	return ^uint16(sum)
}

// EncodeHeader renders h as wire bytes, including header checksum.
// Exposed so pkg/icmp can synthesize the "offending datagram" header
// spec.md §4.J requires in a destination-unreachable payload, since
// by the time a transport handler observes a datagram the real IPv4
// header has already been stripped by the receive pipeline.
func EncodeHeader(h Header) []byte { return encodeHeader(h) }

func encodeHeader(h Header) []byte {
	raw := make([]byte, HeaderLen)
	raw[0] = byte(4<<4 | HeaderLen/4)
	binary.BigEndian.PutUint16(raw[2:4], uint16(h.TotalLen))
	binary.BigEndian.PutUint16(raw[4:6], h.ID)
	var flagsFrag uint16
	if h.DF {
		flagsFrag |= flagDF << 13
	}
	if h.MF {
		flagsFrag |= flagMF << 13
	}
	flagsFrag |= uint16(h.FragOffset/8) & 0x1fff
	binary.BigEndian.PutUint16(raw[6:8], flagsFrag)
	raw[8] = h.TTL
	raw[9] = h.Proto
	copy(raw[12:16], h.SrcIP[:])
	copy(raw[16:20], h.DstIP[:])
	cks := checksumHeader(raw)
	binary.BigEndian.PutUint16(raw[10:12], cks)
	return raw
}

// Handler processes one fully reassembled IPv4 payload for a single
// transport protocol. buf's cursor is reset to its start and its
// length is exactly the transport segment (no trailing padding).
type Handler func(nif *netif.Interface, srcIP, dstIP [4]byte, buf *pktbuf.Buffer) error

// RawHandler observes a copy of every reassembled payload for proto,
// independent of (and in addition to) that protocol's primary
// Handler. Unlike Handler it does not own buf's storage — it's handed
// a plain copy — and any number of raw observers may coexist with
// each other and with the primary handler on the same protocol
// number, grounded on sock_raw.c: a raw ICMP socket sees every
// inbound ICMP datagram while icmp.Engine still answers echo requests
// on its own, the same coexistence a real BSD kernel gives ping(8).
type RawHandler func(nif *netif.Interface, srcIP, dstIP [4]byte, raw []byte)

// RouteEntry is one row of the routing table: packets to any address
// in dest/mask go out via Nif, optionally through Gateway.
type RouteEntry struct {
	Dest    [4]byte
	Mask    [4]byte
	Gateway [4]byte
	Nif     *netif.Interface
}

func maskLen(mask [4]byte) int {
	n := 0
	for _, b := range mask {
		for b != 0 {
			n += int(b & 1)
			b >>= 1
		}
	}
	return n
}

func matches(ip, dest, mask [4]byte) bool {
	for i := range ip {
		if ip[i]&mask[i] != dest[i]&mask[i] {
			return false
		}
	}
	return true
}

// RouteTable is a longest-prefix-match routing table.
type RouteTable struct {
	mu      sync.Mutex
	entries []RouteEntry
}

// NewRouteTable returns an empty routing table.
func NewRouteTable() *RouteTable { return &RouteTable{} }

// Add installs a route.
func (t *RouteTable) Add(e RouteEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, e)
	sort.SliceStable(t.entries, func(i, j int) bool {
		return maskLen(t.entries[i].Mask) > maskLen(t.entries[j].Mask)
	})
}

// Lookup returns the longest-prefix match for dst, plus the next-hop
// IP to ARP-resolve (the gateway, or dst itself for an on-link route).
func (t *RouteTable) Lookup(dst [4]byte) (*netif.Interface, [4]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if matches(dst, e.Dest, e.Mask) {
			nextHop := dst
			if e.Gateway != ([4]byte{}) {
				nextHop = e.Gateway
			}
			return e.Nif, nextHop, true
		}
	}
	return nil, [4]byte{}, false
}

// Stack is the per-module IPv4 engine: routing, fragment reassembly,
// and the outbound identification counter live here, parameterized by
// the ARP cache used to resolve next hops.
type Stack struct {
	ARP      *arp.Cache
	Routes   *RouteTable
	Frags    *fragTable
	handlers map[uint8]Handler
	nextID   uint32

	rawMu       sync.Mutex
	rawHandlers map[uint8][]RawHandler
}

// New returns an IPv4 engine over the given ARP cache and routing
// table, using wheel for fragment-reassembly watchdogs.
func New(arpCache *arp.Cache, routes *RouteTable, wheel *timer.Wheel) *Stack {
	return &Stack{
		ARP:         arpCache,
		Routes:      routes,
		Frags:       newFragTable(wheel),
		handlers:    make(map[uint8]Handler),
		rawHandlers: make(map[uint8][]RawHandler),
	}
}

// FragsOccupied reports the number of in-progress fragment
// reassemblies, for pkg/stats.
func (s *Stack) FragsOccupied() int { return s.Frags.Occupied() }

// RegisterHandler installs the transport-layer handler for proto
// (ProtoICMP/ProtoUDP/ProtoTCP).
func (s *Stack) RegisterHandler(proto uint8, h Handler) {
	s.handlers[proto] = h
}

// RegisterRaw subscribes a raw socket's observer to every reassembled
// datagram for proto, returning a func that unsubscribes it. Unlike
// RegisterHandler (one owning transport per protocol number), any
// number of raw observers may be registered for the same proto, and
// registration never displaces the protocol's primary Handler.
func (s *Stack) RegisterRaw(proto uint8, h RawHandler) func() {
	s.rawMu.Lock()
	defer s.rawMu.Unlock()
	list := append(s.rawHandlers[proto], h)
	idx := len(list) - 1
	s.rawHandlers[proto] = list
	return func() {
		s.rawMu.Lock()
		defer s.rawMu.Unlock()
		if cur := s.rawHandlers[proto]; idx < len(cur) && cur[idx] != nil {
			cur[idx] = nil
		}
	}
}

// rawObservers returns a snapshot of the live (non-unregistered) raw
// observers for proto.
func (s *Stack) rawObservers(proto uint8) []RawHandler {
	s.rawMu.Lock()
	defer s.rawMu.Unlock()
	var out []RawHandler
	for _, h := range s.rawHandlers[proto] {
		if h != nil {
			out = append(out, h)
		}
	}
	return out
}

// Recv implements ethernet.Demux for EthertypeIPv4: it runs the full
// receive pipeline through to transport-protocol dispatch.
func (s *Stack) Recv(nif *netif.Interface, ethertype uint16, buf *pktbuf.Buffer) error {
	h, err := DecodeHeader(buf)
	if err != nil {
		buf.Free()
		return err
	}
	if err := buf.Resize(h.TotalLen); err != nil {
		buf.Free()
		return err
	}

	local := h.DstIP == nif.IP || isBroadcast(h.DstIP, nif)
	if !local {
		buf.Free()
		return nil
	}

	if err := buf.HeaderRemove(h.IHL); err != nil {
		buf.Free()
		return err
	}

	if h.MF || h.FragOffset != 0 {
		complete, cerr := s.Frags.insert(h, buf)
		if cerr != nil {
			return cerr
		}
		if complete == nil {
			return nil
		}
		buf = complete
	}

	if observers := s.rawObservers(h.Proto); len(observers) > 0 {
		raw := make([]byte, buf.TotalSize())
		buf.AccReset()
		if err := buf.Read(raw, len(raw)); err == nil {
			for _, obs := range observers {
				obs(nif, h.SrcIP, h.DstIP, raw)
			}
		}
	}

	handler, ok := s.handlers[h.Proto]
	if !ok {
		buf.Free()
		if len(s.rawObservers(h.Proto)) > 0 {
			return nil
		}
		return neterr.New(neterr.KindProtocolViolation, "no handler for ip protocol")
	}
	buf.AccReset()
	return handler(nif, h.SrcIP, h.DstIP, buf)
}

func isBroadcast(ip [4]byte, nif *netif.Interface) bool {
	if ip == [4]byte{255, 255, 255, 255} {
		return true
	}
	for i := range ip {
		if ip[i]&^nif.Netmask[i] != 255&^nif.Netmask[i] {
			return false
		}
		if ip[i]&nif.Netmask[i] != nif.IP[i]&nif.Netmask[i] {
			return false
		}
	}
	return true
}

// Send prepends an IPv4 header to payload (owning it), routes to
// dstIP, and hands the datagram to the resolved interface's link
// layer.
func (s *Stack) Send(proto uint8, dstIP [4]byte, payload *pktbuf.Buffer) error {
	nif, nextHop, ok := s.Routes.Lookup(dstIP)
	if !ok {
		payload.Free()
		return neterr.New(neterr.KindUnreachable, "no route to destination")
	}

	total := HeaderLen + payload.TotalSize()
	if total > ethernet.MTU {
		payload.Free()
		return neterr.New(neterr.KindParameter, "datagram exceeds interface mtu (fragmentation not implemented)")
	}

	id := uint16(atomic.AddUint32(&s.nextID, 1))
	h := Header{
		IHL:      HeaderLen,
		TotalLen: total,
		ID:       id,
		TTL:      DefaultTTL,
		Proto:    proto,
		SrcIP:    nif.IP,
		DstIP:    dstIP,
	}
	if err := payload.HeaderAdd(HeaderLen, pktbuf.HeaderCont); err != nil {
		payload.Free()
		return err
	}
	payload.AccReset()
	if err := payload.Write(encodeHeader(h), HeaderLen); err != nil {
		payload.Free()
		return err
	}
	return nif.Link.Send(nif, nextHop, payload)
}
