// Package sockaddr provides the host/network byte-order helpers and
// the sockaddr_in-equivalent address type used across pkg/socket,
// pkg/udp, and pkg/tcp's external interface (spec.md §6).
package sockaddr

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// HTONS converts a 16-bit host-order value to network (big-endian)
// byte order. On a big-endian host this is a no-op; Go doesn't expose
// host endianness directly, so this always performs the swap to
// network order the wire format requires, matching what the macro
// does on the little-endian hosts this module targets.
func HTONS(v uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return binary.LittleEndian.Uint16(b[:])
}

// NTOHS is HTONS's inverse; the bit pattern is symmetric, so it's the
// same swap.
func NTOHS(v uint16) uint16 { return HTONS(v) }

// HTONL converts a 32-bit host-order value to network byte order.
func HTONL(v uint32) uint32 {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return binary.LittleEndian.Uint32(b[:])
}

// NTOHL is HTONL's inverse.
func NTOHL(v uint32) uint32 { return HTONL(v) }

// Addr is the module's sockaddr_in equivalent: an IPv4 address plus a
// port, both host order in memory. The zero value is INADDR_ANY:0.
type Addr struct {
	IP   [4]byte
	Port uint16
}

// String renders the address as "a.b.c.d:port".
func (a Addr) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", a.IP[0], a.IP[1], a.IP[2], a.IP[3], a.Port)
}

// IsUnspecified reports whether a is INADDR_ANY (0.0.0.0), used when
// matching a UDP/TCP listener bound to "any local address".
func (a Addr) IsUnspecified() bool {
	return a.IP == [4]byte{}
}

// FromNetipAddr builds an Addr from a netip.Addr (must be a 4-in-4
// address) and a port.
func FromNetipAddr(ip netip.Addr, port uint16) (Addr, error) {
	if !ip.Is4() {
		return Addr{}, fmt.Errorf("sockaddr: %s is not an IPv4 address", ip)
	}
	return Addr{IP: ip.As4(), Port: port}, nil
}

// ParseAddr parses "a.b.c.d:port" into an Addr.
func ParseAddr(s string) (Addr, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Addr{}, fmt.Errorf("sockaddr: %w", err)
	}
	return FromNetipAddr(ap.Addr(), ap.Port())
}

// Broadcast is the IPv4 limited broadcast address, 255.255.255.255.
var Broadcast = [4]byte{255, 255, 255, 255}
