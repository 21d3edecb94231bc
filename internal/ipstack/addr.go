package ipstack

import (
	"fmt"
	"net"
)

// Addr is a 32-bit IPv4 address, kept as a fixed-size value so the TCP
// control block can hold it by value the way the reference's ipaddr_t does.
type Addr [4]byte

// ParseAddr parses a dotted-quad string into an Addr.
func ParseAddr(s string) (Addr, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return Addr{}, fmt.Errorf("ipstack: invalid IPv4 address %q", s)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return Addr{}, fmt.Errorf("ipstack: %q is not an IPv4 address", s)
	}
	var a Addr
	copy(a[:], ip4)
	return a, nil
}

func addrFromNetIP(ip net.IP) Addr {
	var a Addr
	copy(a[:], ip.To4())
	return a
}

func (a Addr) String() string {
	return net.IP(a[:]).String()
}

// IsZero reports whether a is the unset address 0.0.0.0.
func (a Addr) IsZero() bool {
	return a == Addr{}
}
