package enr

import (
	"bytes"
	"net"
)

// Filter decides whether a record should be accepted. Filters are used
// when admitting nodes to the routing table and when selecting records
// for FINDNODE responses.
type Filter func(*Record) bool

// ResponseFilter additionally sees the requester's address, so policies
// like "no LAN records to WAN requesters" can be expressed.
type ResponseFilter func(requester *net.UDPAddr, record *Record) bool

// ChainFilters combines filters with AND logic, short-circuiting on the
// first rejection.
func ChainFilters(filters ...Filter) Filter {
	return func(r *Record) bool {
		for _, filter := range filters {
			if !filter(r) {
				return false
			}
		}
		return true
	}
}

// ChainResponseFilters combines response filters with AND logic.
func ChainResponseFilters(filters ...ResponseFilter) ResponseFilter {
	return func(requester *net.UDPAddr, r *Record) bool {
		for _, filter := range filters {
			if !filter(requester, r) {
				return false
			}
		}
		return true
	}
}

// ByKey accepts records that carry the given key.
func ByKey(key string) Filter {
	return func(r *Record) bool {
		return r.Has(key)
	}
}

// ByIP accepts records whose IP falls in the given CIDR range.
func ByIP(cidr string) Filter {
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return func(r *Record) bool {
			return false
		}
	}

	return func(r *Record) bool {
		ip := r.IP()
		if ip == nil {
			ip = r.IP6()
		}
		if ip == nil {
			return false
		}
		return ipNet.Contains(ip)
	}
}

// ByUDPPort accepts records advertising the given UDP port.
func ByUDPPort(port uint16) Filter {
	return func(r *Record) bool {
		return r.UDP() == port
	}
}

// ByIdentityScheme accepts records with the given identity scheme.
func ByIdentityScheme(scheme string) Filter {
	return func(r *Record) bool {
		return r.IdentityScheme() == scheme
	}
}

// Eth2ENRData is the parsed "eth2" field of a record.
type Eth2ENRData struct {
	ForkDigest      [4]byte
	NextForkVersion [4]byte
	NextForkEpoch   uint64
}

// Encode returns the 16-byte wire form of the eth2 field: fork digest,
// next fork version, next fork epoch big endian.
func (d Eth2ENRData) Encode() []byte {
	out := make([]byte, 16)
	copy(out[0:4], d.ForkDigest[:])
	copy(out[4:8], d.NextForkVersion[:])
	for i := 0; i < 8; i++ {
		out[8+i] = byte(d.NextForkEpoch >> (56 - 8*i))
	}
	return out
}

// Eth2ForkFilter accepts records whose eth2 fork digest matches.
// Used as an admission filter to keep the table on one network.
func Eth2ForkFilter(expectedForkDigest [4]byte) Filter {
	return func(r *Record) bool {
		data, ok := r.Eth2()
		if !ok {
			return false
		}
		return bytes.Equal(data.ForkDigest[:], expectedForkDigest[:])
	}
}

// LANAwareResponseFilter rejects records with private addresses when
// the requester is on the public internet. WAN peers cannot reach LAN
// endpoints and should not learn internal topology.
func LANAwareResponseFilter() ResponseFilter {
	return func(requester *net.UDPAddr, r *Record) bool {
		recordIP := r.IP()
		if recordIP == nil {
			recordIP = r.IP6()
		}
		if recordIP == nil {
			return false
		}

		if !isLANAddress(requester.IP) && isLANAddress(recordIP) {
			return false
		}
		return true
	}
}

// isLANAddress matches RFC1918 ranges, IPv6 ULA, link-local and loopback.
func isLANAddress(ip net.IP) bool {
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
		if ip6[0]&0xfe == 0xfc {
			return true
		}
	}

	return false
}
