package table

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/discnodoor/enr"
	"github.com/ethpandaops/discnodoor/node"
)

// NumBuckets is the number of k-buckets, one per logarithmic distance.
const NumBuckets = 256

// DefaultPingInterval is the minimum time between liveness checks for
// a single node.
const DefaultPingInterval = 5 * time.Minute

// DefaultMaxNodeAge is the silence threshold after which a node is
// considered dead.
const DefaultMaxNodeAge = 24 * time.Hour

// DefaultMaxFailures is the consecutive-failure threshold after which
// a node is considered dead.
const DefaultMaxFailures = 3

// NodeEventCallback is invoked whenever a node is added to or removed
// from the table.
type NodeEventCallback func(*node.Node)

// Config contains the configuration for a routing table.
type Config struct {
	// LocalID is the local node id; entries are bucketed by their
	// distance to it.
	LocalID node.ID

	// AdmissionFilter rejects records before they enter the table,
	// nil admits everything.
	AdmissionFilter enr.Filter

	// MaxNodesPerIP bounds table entries sharing one IP (default 10).
	MaxNodesPerIP int

	// PingInterval is the per-node liveness check spacing.
	PingInterval time.Duration

	// MaxNodeAge is the silence threshold for stale removal.
	MaxNodeAge time.Duration

	// MaxFailures is the failure threshold for stale removal.
	MaxFailures int

	// OnNodeAdded fires when Add places a new node into a bucket's
	// active list. Replacements promoted into the active list by Add,
	// Remove or RemoveStale do not fire it.
	OnNodeAdded NodeEventCallback

	// OnNodeRemoved fires for every node dropped from a bucket.
	OnNodeRemoved NodeEventCallback

	// Logger for debug messages
	Logger logrus.FieldLogger
}

// Table is the k-bucket routing table.
type Table struct {
	localID node.ID

	admission enr.Filter
	limiter   *ipLimiter

	pingInterval time.Duration
	maxNodeAge   time.Duration
	maxFailures  int

	onAdded   NodeEventCallback
	onRemoved NodeEventCallback

	logger logrus.FieldLogger

	mu      sync.RWMutex
	buckets [NumBuckets]bucket

	filterRejections  int
	ipLimitRejections int
}

// New creates an empty routing table.
func New(cfg Config) *Table {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.MaxNodeAge <= 0 {
		cfg.MaxNodeAge = DefaultMaxNodeAge
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	return &Table{
		localID:      cfg.LocalID,
		admission:    cfg.AdmissionFilter,
		limiter:      newIPLimiter(cfg.MaxNodesPerIP),
		pingInterval: cfg.PingInterval,
		maxNodeAge:   cfg.MaxNodeAge,
		maxFailures:  cfg.MaxFailures,
		onAdded:      cfg.OnNodeAdded,
		onRemoved:    cfg.OnNodeRemoved,
		logger:       cfg.Logger,
	}
}

// bucketFor returns the bucket index for a node id, -1 for the local
// id itself.
func (t *Table) bucketFor(id node.ID) int {
	return node.LogDistance(t.localID, id)
}

// Add admits a node into the table. An already-known node is bumped to
// most-recently-seen and its ENR merged if newer. Returns true when
// the node is active in a bucket afterwards.
func (t *Table) Add(n *node.Node) bool {
	if n == nil || n.ID() == t.localID {
		return false
	}

	t.mu.Lock()

	if t.admission != nil && !t.admission(n.Record()) {
		t.filterRejections++
		t.mu.Unlock()
		t.logger.WithFields(logrus.Fields{
			"peerID": n.PeerID(),
			"addr":   n.Addr(),
		}).Debug("table: node rejected by admission filter")
		return false
	}

	idx := t.bucketFor(n.ID())
	if idx < 0 {
		t.mu.Unlock()
		return false
	}
	b := &t.buckets[idx]

	if b.bump(n) {
		t.limiter.register(n.ID(), n.IP())
		active := b.get(n.ID()) != nil
		t.mu.Unlock()
		return active
	}

	if !t.limiter.register(n.ID(), n.IP()) {
		t.ipLimitRejections++
		t.mu.Unlock()
		t.logger.WithFields(logrus.Fields{
			"peerID": n.PeerID(),
			"ip":     n.IP(),
		}).Debug("table: node rejected by IP limit")
		return false
	}

	active := b.add(n)
	if !active {
		t.limiter.release(n.ID())
	}
	t.mu.Unlock()

	if active {
		t.logger.WithFields(logrus.Fields{
			"peerID": n.PeerID(),
			"addr":   n.Addr(),
			"bucket": idx,
		}).Debug("table: added node")

		if t.onAdded != nil {
			t.onAdded(n)
		}
	}
	return active
}

// Remove drops a node from the table.
func (t *Table) Remove(id node.ID) bool {
	t.mu.Lock()

	idx := t.bucketFor(id)
	if idx < 0 {
		t.mu.Unlock()
		return false
	}

	n := t.buckets[idx].get(id)
	removed := t.buckets[idx].remove(id)
	if removed {
		t.limiter.release(id)
	}
	t.mu.Unlock()

	if removed && n != nil && t.onRemoved != nil {
		t.onRemoved(n)
	}
	return removed
}

// Get returns the active table entry for a node id, nil if absent.
func (t *Table) Get(id node.ID) *node.Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	idx := t.bucketFor(id)
	if idx < 0 {
		return nil
	}
	return t.buckets[idx].get(id)
}

// FindClosest returns the up-to-k active nodes closest to target,
// nearest first. This is the seed source for lookups.
func (t *Table) FindClosest(target node.ID, k int) []*node.Node {
	t.mu.RLock()
	byID := make(map[node.ID]*node.Node)
	for i := range t.buckets {
		for _, entry := range t.buckets[i].entries {
			byID[entry.ID()] = entry
		}
	}
	t.mu.RUnlock()

	ids := make([]node.ID, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}

	closest := node.FindClosest(target, ids, k)
	result := make([]*node.Node, 0, len(closest))
	for _, id := range closest {
		result = append(result, byID[id])
	}
	return result
}

// NodesAtDistance returns up to limit active nodes in the bucket at
// the given logarithmic distance (1-256). Distance 0 addresses the
// local node and yields nothing here.
func (t *Table) NodesAtDistance(dist uint, limit int) []*node.Node {
	if dist == 0 || dist > NumBuckets {
		return nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	entries := t.buckets[dist-1].entries
	if len(entries) > limit {
		entries = entries[:limit]
	}

	result := make([]*node.Node, len(entries))
	copy(result, entries)
	return result
}

// NodesNeedingPing returns nodes due for a liveness check.
func (t *Table) NodesNeedingPing() []*node.Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var due []*node.Node
	for i := range t.buckets {
		due = append(due, t.buckets[i].needsPing(t.pingInterval)...)
	}
	return due
}

// RemoveStale drops nodes that failed the liveness policy and returns
// how many were removed.
func (t *Table) RemoveStale() int {
	t.mu.Lock()
	var removed []*node.Node
	for i := range t.buckets {
		dropped := t.buckets[i].removeStale(t.maxNodeAge, t.maxFailures)
		for _, n := range dropped {
			t.limiter.release(n.ID())
		}
		removed = append(removed, dropped...)
	}
	t.mu.Unlock()

	if len(removed) > 0 {
		t.logger.WithField("count", len(removed)).Info("table: removed stale nodes")
	}

	if t.onRemoved != nil {
		for _, n := range removed {
			t.onRemoved(n)
		}
	}
	return len(removed)
}

// Size returns the number of active nodes in the table.
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	total := 0
	for i := range t.buckets {
		total += len(t.buckets[i].entries)
	}
	return total
}

// ForEach calls fn for every active node.
func (t *Table) ForEach(fn func(*node.Node)) {
	t.mu.RLock()
	nodes := make([]*node.Node, 0)
	for i := range t.buckets {
		nodes = append(nodes, t.buckets[i].entries...)
	}
	t.mu.RUnlock()

	for _, n := range nodes {
		fn(n)
	}
}

// Stats summarizes the table state for the status page.
type Stats struct {
	TotalNodes        int
	BucketsFilled     int
	FilterRejections  int
	IPLimitRejections int
	UniqueIPs         int
}

// GetStats returns a snapshot of the table statistics.
func (t *Table) GetStats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Stats{
		FilterRejections:  t.filterRejections,
		IPLimitRejections: t.ipLimitRejections,
		UniqueIPs:         len(t.limiter.counts),
	}
	for i := range t.buckets {
		n := len(t.buckets[i].entries)
		s.TotalNodes += n
		if n > 0 {
			s.BucketsFilled++
		}
	}
	return s
}

// String returns a short human-readable summary.
func (t *Table) String() string {
	s := t.GetStats()
	return fmt.Sprintf("Table{nodes=%d, buckets=%d/%d, ips=%d}",
		s.TotalNodes, s.BucketsFilled, NumBuckets, s.UniqueIPs)
}
