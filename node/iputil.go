package node

import (
	"net"
)

// IsLANAddress reports whether ip is a private or local address:
// RFC1918 ranges, IPv6 ULA, link-local and loopback.
func IsLANAddress(ip net.IP) bool {
	if ip == nil {
		return false
	}

	if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
		return true
	}

	if ip4 := ip.To4(); ip4 != nil {
		if ip4[0] == 10 {
			return true
		}
		if ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31 {
			return true
		}
		if ip4[0] == 192 && ip4[1] == 168 {
			return true
		}
		return false
	}

	if ip6 := ip.To16(); ip6 != nil {
		// fc00::/7 unique local
		if ip6[0]&0xfe == 0xfc {
			return true
		}
	}

	return false
}

// IsRoutableAddress reports whether ip is globally routable: not private,
// not loopback, not link-local, not multicast, not unspecified.
func IsRoutableAddress(ip net.IP) bool {
	if ip == nil || ip.IsUnspecified() || ip.IsMulticast() {
		return false
	}
	return !IsLANAddress(ip)
}

// ValidateUDPAddr checks that addr is usable as a discovery endpoint.
func ValidateUDPAddr(addr *net.UDPAddr) error {
	if addr == nil || addr.IP == nil || addr.IP.IsUnspecified() {
		return ErrInvalidAddress
	}
	if addr.Port == 0 {
		return ErrInvalidPort
	}
	if addr.IP.IsMulticast() {
		return ErrMulticastNotSupported
	}
	return nil
}

// ParseNodeAddr parses an "ip:port" string into a validated UDP address.
func ParseNodeAddr(addrStr string) (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp", addrStr)
	if err != nil {
		return nil, err
	}
	if err := ValidateUDPAddr(addr); err != nil {
		return nil, err
	}
	return addr, nil
}

// NormalizeIP returns ip in its canonical form (4-byte for IPv4).
func NormalizeIP(ip net.IP) net.IP {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4
	}
	return ip.To16()
}

// SameIP compares two IPs, tolerating 4-byte vs 16-byte representations.
func SameIP(ip1, ip2 net.IP) bool {
	if ip1 == nil || ip2 == nil {
		return false
	}
	return NormalizeIP(ip1).Equal(NormalizeIP(ip2))
}

// SameEndpoint compares two UDP endpoints by IP and port.
func SameEndpoint(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Port == b.Port && SameIP(a.IP, b.IP)
}
