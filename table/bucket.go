// Package table implements the Kademlia routing table.
//
// Nodes are organized into k-buckets by logarithmic distance from the
// local node. Buckets keep a most-recently-seen ordering with a small
// replacement list, and admission is gated by an ENR filter and a
// per-IP limit. The table is the seed source for lookups.
package table

import (
	"time"

	"github.com/ethpandaops/discnodoor/node"
)

// BucketSize is the maximum number of active nodes per k-bucket.
const BucketSize = 16

// ReplacementSize is the maximum number of standby candidates kept per
// bucket while it is full.
const ReplacementSize = 8

// bucket holds the nodes at one logarithmic distance. Entries are
// ordered oldest first; the table's lock guards all access.
type bucket struct {
	entries      []*node.Node
	replacements []*node.Node
}

// bump moves an existing entry to the most-recent position and merges
// a newer ENR if one is offered. Reports whether the id was present.
func (b *bucket) bump(n *node.Node) bool {
	id := n.ID()

	for i, entry := range b.entries {
		if entry.ID() != id {
			continue
		}
		if n.Record().Seq() > entry.Record().Seq() {
			entry.UpdateENR(n.Record())
		}
		copy(b.entries[i:], b.entries[i+1:])
		b.entries[len(b.entries)-1] = entry
		return true
	}

	for i, entry := range b.replacements {
		if entry.ID() != id {
			continue
		}
		if n.Record().Seq() > entry.Record().Seq() {
			entry.UpdateENR(n.Record())
		}
		if len(b.entries) < BucketSize {
			b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
			b.entries = append(b.entries, entry)
		}
		return true
	}

	return false
}

// add inserts a new node, into the active list when there is room and
// onto the replacement list otherwise. Reports whether the node became
// active.
func (b *bucket) add(n *node.Node) bool {
	if len(b.entries) < BucketSize {
		b.entries = append(b.entries, n)
		return true
	}

	if len(b.replacements) < ReplacementSize {
		b.replacements = append(b.replacements, n)
	}
	return false
}

// remove drops a node from the bucket, promoting the oldest
// replacement into a freed active slot.
func (b *bucket) remove(id node.ID) bool {
	for i, entry := range b.entries {
		if entry.ID() != id {
			continue
		}
		b.entries = append(b.entries[:i], b.entries[i+1:]...)
		if len(b.replacements) > 0 {
			b.entries = append(b.entries, b.replacements[0])
			b.replacements = b.replacements[1:]
		}
		return true
	}

	for i, entry := range b.replacements {
		if entry.ID() != id {
			continue
		}
		b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
		return true
	}

	return false
}

// get returns the active entry with the given id, nil if absent.
func (b *bucket) get(id node.ID) *node.Node {
	for _, entry := range b.entries {
		if entry.ID() == id {
			return entry
		}
	}
	return nil
}

// removeStale drops entries that fail the liveness check, filling the
// holes from the replacement list. Returns the removed nodes.
func (b *bucket) removeStale(maxAge time.Duration, maxFailures int) []*node.Node {
	var removed []*node.Node

	for i := 0; i < len(b.entries); {
		entry := b.entries[i]
		if entry.Stats().IsAlive(maxAge, maxFailures) {
			i++
			continue
		}

		b.entries = append(b.entries[:i], b.entries[i+1:]...)
		removed = append(removed, entry)

		if len(b.replacements) > 0 {
			b.entries = append(b.entries, b.replacements[0])
			b.replacements = b.replacements[1:]
		}
	}

	return removed
}

// needsPing returns the active entries due for a liveness check.
func (b *bucket) needsPing(interval time.Duration) []*node.Node {
	var due []*node.Node
	for _, entry := range b.entries {
		if entry.Stats().NeedsPing(interval) {
			due = append(due, entry)
		}
	}
	return due
}
