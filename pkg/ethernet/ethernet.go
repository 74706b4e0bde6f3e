// Package ethernet implements the Ethernet link layer of spec.md
// §4.H: frame encode/decode, the broadcast address, and the
// netif.LinkLayer vtable. It is grounded on ether.c/ether.h from the
// original implementation (ether_hdr_t, ether_raw_send,
// ether_broadcast_addr).
//
// To keep this package free of a dependency on the upper-layer
// protocols it demultiplexes to (pkg/arp, pkg/ipv4 — which themselves
// depend on pkg/ethernet to transmit), ethertype dispatch and
// next-hop MAC resolution are both injected as callbacks by whatever
// assembles the stack (pkg/stack), rather than imported directly.
package ethernet

import (
	"encoding/binary"

	"github.com/go-netstack/netstack/pkg/neterr"
	"github.com/go-netstack/netstack/pkg/netif"
	"github.com/go-netstack/netstack/pkg/pktbuf"
)

const (
	HeaderLen = 14
	MinFrame  = 46
	MTU       = 1500

	EthertypeIPv4 uint16 = 0x0800
	EthertypeARP  uint16 = 0x0806
)

// Header is the decoded Ethernet frame header.
type Header struct {
	Dest     netif.HWAddr
	Src      netif.HWAddr
	Ethertype uint16
}

// DecodeHeader reads a 14-byte Ethernet header from the front of buf
// without consuming it; callers pop it with buf.HeaderRemove once
// they've dispatched on Ethertype.
func DecodeHeader(buf *pktbuf.Buffer) (Header, error) {
	if buf.TotalSize() < HeaderLen {
		return Header{}, neterr.New(neterr.KindMalformedInput, "frame shorter than ethernet header")
	}
	raw := make([]byte, HeaderLen)
	buf.AccReset()
	if err := buf.Read(raw, HeaderLen); err != nil {
		return Header{}, err
	}
	var h Header
	copy(h.Dest[:], raw[0:6])
	copy(h.Src[:], raw[6:12])
	h.Ethertype = binary.BigEndian.Uint16(raw[12:14])
	return h, nil
}

// EncodeHeader pushes a 14-byte Ethernet header onto the front of buf.
func EncodeHeader(buf *pktbuf.Buffer, dest, src netif.HWAddr, ethertype uint16) error {
	if err := buf.HeaderAdd(HeaderLen, pktbuf.HeaderCont); err != nil {
		return err
	}
	raw := make([]byte, HeaderLen)
	copy(raw[0:6], dest[:])
	copy(raw[6:12], src[:])
	binary.BigEndian.PutUint16(raw[12:14], ethertype)
	buf.AccReset()
	return buf.Write(raw, HeaderLen)
}

// SendFrame pads buf to the minimum Ethernet payload if needed, pushes
// a frame header addressed to dest, and queues it on the interface's
// send queue. It is the one primitive pkg/arp and the generic IPv4
// path both transmit through.
func SendFrame(nif *netif.Interface, dest netif.HWAddr, ethertype uint16, buf *pktbuf.Buffer) error {
	if buf.TotalSize() < MinFrame {
		if err := buf.Resize(MinFrame); err != nil {
			return err
		}
	}
	if err := EncodeHeader(buf, dest, nif.HWAddr, ethertype); err != nil {
		return err
	}
	return nif.SendQ.Send(buf, -1)
}

// Demux is handed a frame's ethertype and its payload (header already
// stripped) and must consume buf, returning an error only if it could
// not be handled (in which case the caller frees buf).
type Demux func(nif *netif.Interface, ethertype uint16, buf *pktbuf.Buffer) error

// Resolve is handed ownership of buf (an un-framed IPv4 datagram
// destined for destIP) and must either transmit it immediately (MAC
// already known) or queue it pending address resolution.
type Resolve func(nif *netif.Interface, destIP [4]byte, buf *pktbuf.Buffer) error

// LinkLayer implements netif.LinkLayer for Ethernet-attached NICs.
type LinkLayer struct {
	Demux   Demux
	Resolve Resolve
}

// New returns an Ethernet LinkLayer dispatching received frames
// through demux and resolving outbound IPv4 next hops through
// resolve. Both are normally bound to pkg/stack's ARP-aware tables.
func New(demux Demux, resolve Resolve) *LinkLayer {
	return &LinkLayer{Demux: demux, Resolve: resolve}
}

func (l *LinkLayer) Type() netif.LinkType { return netif.LinkEthernet }

func (l *LinkLayer) Open(nif *netif.Interface) error  { return nil }
func (l *LinkLayer) Close(nif *netif.Interface) error { return nil }

// Recv strips the Ethernet header and dispatches the payload by
// ethertype. Unrecognized ethertypes are dropped (not an error): a
// shared NIC routinely observes traffic this stack doesn't speak.
func (l *LinkLayer) Recv(nif *netif.Interface, buf *pktbuf.Buffer) error {
	h, err := DecodeHeader(buf)
	if err != nil {
		return err
	}
	if err := buf.HeaderRemove(HeaderLen); err != nil {
		return err
	}
	switch h.Ethertype {
	case EthertypeARP, EthertypeIPv4:
		return l.Demux(nif, h.Ethertype, buf)
	default:
		buf.Free()
		return nil
	}
}

// Send resolves destIP to a hardware address (directly or via ARP)
// and transmits buf.
func (l *LinkLayer) Send(nif *netif.Interface, destIP [4]byte, buf *pktbuf.Buffer) error {
	return l.Resolve(nif, destIP, buf)
}
