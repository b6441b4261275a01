// Package node provides the core identity types of the discovery system:
// the 32-byte node ID, XOR distance math, and the Node wrapper that ties
// an ENR record to its network endpoint and runtime statistics.
package node

import (
	"crypto/ecdsa"
	"fmt"
	"net"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethpandaops/discnodoor/enr"
	"github.com/ethpandaops/discnodoor/stats"
)

// ID is a unique node identifier, derived from the node's public key:
//
//	id = keccak256(uncompressed_pubkey[1:])
//
// IDs are points in the Kademlia XOR metric space.
type ID [32]byte

// String returns the hex representation of the ID.
func (id ID) String() string {
	return fmt.Sprintf("%x", id[:])
}

// Short returns an abbreviated hex form for log output.
func (id ID) Short() string {
	return fmt.Sprintf("%x", id[:4])
}

// Bytes returns the ID as a byte slice.
func (id ID) Bytes() []byte {
	return id[:]
}

// IsZero reports whether the ID is all zeroes.
func (id ID) IsZero() bool {
	return id == ID{}
}

// IDFromBytes converts a 32-byte slice to an ID.
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != len(id) {
		return id, fmt.Errorf("node: invalid id length %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// PubkeyToID derives the node ID from a secp256k1 public key.
func PubkeyToID(pub *ecdsa.PublicKey) ID {
	var id ID
	hash := crypto.Keccak256(crypto.FromECDSAPub(pub)[1:])
	copy(id[:], hash)
	return id
}

// Node ties an ENR record to its resolved UDP endpoint and shared statistics.
type Node struct {
	record  *enr.Record
	id      ID
	addr    *net.UDPAddr
	tcpPort uint16
	stats   *stats.SharedStats
}

// New creates a Node from an ENR record. The record must carry a public
// key, an IP address and a UDP port.
func New(record *enr.Record) (*Node, error) {
	if record == nil {
		return nil, fmt.Errorf("node: nil ENR record")
	}

	pubKey := record.PublicKey()
	if pubKey == nil {
		return nil, fmt.Errorf("node: ENR missing public key")
	}
	id := PubkeyToID(pubKey)

	ip := record.IP()
	if ip == nil {
		ip = record.IP6()
	}
	if ip == nil {
		return nil, fmt.Errorf("node: ENR missing IP address")
	}

	udpPort := record.UDP()
	if udpPort == 0 {
		return nil, fmt.Errorf("node: ENR missing UDP port")
	}

	return &Node{
		record:  record,
		id:      id,
		addr:    &net.UDPAddr{IP: ip, Port: int(udpPort)},
		tcpPort: record.TCP(),
		stats:   stats.NewSharedStats(time.Now()),
	}, nil
}

// ID returns the node's identifier.
func (n *Node) ID() ID {
	return n.id
}

// Record returns the node's ENR record.
func (n *Node) Record() *enr.Record {
	return n.record
}

// Addr returns the node's UDP endpoint.
func (n *Node) Addr() *net.UDPAddr {
	return n.addr
}

// IP returns the node's IP address.
func (n *Node) IP() net.IP {
	return n.addr.IP
}

// UDPPort returns the node's UDP port.
func (n *Node) UDPPort() uint16 {
	return uint16(n.addr.Port)
}

// TCPPort returns the node's TCP port, 0 if not advertised.
func (n *Node) TCPPort() uint16 {
	return n.tcpPort
}

// PublicKey returns the node's secp256k1 public key.
func (n *Node) PublicKey() *ecdsa.PublicKey {
	return n.record.PublicKey()
}

// PeerID returns the libp2p peer ID string for this node.
func (n *Node) PeerID() string {
	pubKey := n.PublicKey()
	if pubKey == nil {
		return ""
	}
	return BuildPeerID(pubKey)
}

// Digest returns the fork digest from the record's eth2 field,
// zero if the field is absent.
func (n *Node) Digest() [4]byte {
	eth2Data, ok := n.record.Eth2()
	if !ok {
		return [4]byte{}
	}
	return eth2Data.ForkDigest
}

// SetStats replaces the node's stats with a shared pointer, so updates
// flow to the owner of the statistics (routing table, node store).
func (n *Node) SetStats(shared *stats.SharedStats) {
	if shared != nil {
		n.stats = shared
	}
}

// Stats returns the node's shared statistics.
func (n *Node) Stats() *stats.SharedStats {
	return n.stats
}

// SetLastSeen updates the last seen time.
func (n *Node) SetLastSeen(t time.Time) {
	n.stats.SetLastSeen(t)
}

// SetLastPing updates the last ping time.
func (n *Node) SetLastPing(t time.Time) {
	n.stats.SetLastPing(t)
}

// IncrementFailureCount increases the failure count by 1.
func (n *Node) IncrementFailureCount() {
	n.stats.IncrementFailureCount()
}

// ResetFailureCount resets the failure count and records a success.
func (n *Node) ResetFailureCount() {
	n.stats.ResetFailureCount()
}

// UpdateRTT folds a new round-trip sample into the RTT moving average.
func (n *Node) UpdateRTT(rtt time.Duration) {
	n.stats.UpdateRTT(rtt)
}

// UpdateENR replaces the node's record if the new one has a higher
// sequence number. Returns true if the record was replaced.
func (n *Node) UpdateENR(newRecord *enr.Record) bool {
	if newRecord == nil || newRecord.Seq() <= n.record.Seq() {
		return false
	}

	n.record = newRecord

	ip := newRecord.IP()
	if ip == nil {
		ip = newRecord.IP6()
	}
	udpPort := newRecord.UDP()
	if ip != nil && udpPort != 0 {
		n.addr = &net.UDPAddr{IP: ip, Port: int(udpPort)}
	}
	n.tcpPort = newRecord.TCP()
	return true
}

// String returns a short human-readable representation.
func (n *Node) String() string {
	lastSeen := n.stats.LastSeen()

	seenStr := "never"
	if !lastSeen.IsZero() {
		seenStr = fmt.Sprintf("%v ago", time.Since(lastSeen).Round(time.Second))
	}

	return fmt.Sprintf("Node[id=%s..., addr=%s, seen=%s]", n.id.Short(), n.addr.String(), seenStr)
}

// Snapshot is a point-in-time copy of a node's statistics.
type Snapshot struct {
	FirstSeen    time.Time
	LastSeen     time.Time
	LastPing     time.Time
	FailureCount int
	SuccessCount int
	AvgRTT       time.Duration
	ENRSeq       uint64
}

// GetSnapshot returns the current statistics for the node.
func (n *Node) GetSnapshot() Snapshot {
	s := n.stats.GetSnapshot()
	return Snapshot{
		FirstSeen:    s.FirstSeen,
		LastSeen:     s.LastSeen,
		LastPing:     s.LastPing,
		FailureCount: s.FailureCount,
		SuccessCount: s.SuccessCount,
		AvgRTT:       s.AvgRTT,
		ENRSeq:       n.record.Seq(),
	}
}
