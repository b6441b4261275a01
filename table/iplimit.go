package table

import (
	"net"

	"github.com/ethpandaops/discnodoor/node"
)

// DefaultMaxNodesPerIP is the default per-IP admission limit.
const DefaultMaxNodesPerIP = 10

// ipLimiter bounds how many table entries may share one IP address.
// The table's lock guards all access.
type ipLimiter struct {
	limit int

	// counts maps IP string to the number of registered nodes.
	counts map[string]int

	// owner maps a node id to the IP it is registered under, so a
	// node whose endpoint changes releases its old slot.
	owner map[node.ID]string

	rejected int
}

func newIPLimiter(limit int) *ipLimiter {
	if limit <= 0 {
		limit = DefaultMaxNodesPerIP
	}
	return &ipLimiter{
		limit:  limit,
		counts: make(map[string]int),
		owner:  make(map[node.ID]string),
	}
}

// register claims an IP slot for a node. Re-registering an existing
// node moves its slot when the IP changed and always succeeds.
func (l *ipLimiter) register(id node.ID, ip net.IP) bool {
	key := ip.String()

	if prev, ok := l.owner[id]; ok {
		if prev != key {
			l.release(id)
			l.counts[key]++
			l.owner[id] = key
		}
		return true
	}

	if l.counts[key] >= l.limit {
		l.rejected++
		return false
	}

	l.counts[key]++
	l.owner[id] = key
	return true
}

// release frees a node's IP slot.
func (l *ipLimiter) release(id node.ID) {
	key, ok := l.owner[id]
	if !ok {
		return
	}

	l.counts[key]--
	if l.counts[key] <= 0 {
		delete(l.counts, key)
	}
	delete(l.owner, id)
}

// countFor returns the number of registered nodes at an IP.
func (l *ipLimiter) countFor(ip net.IP) int {
	return l.counts[ip.String()]
}
