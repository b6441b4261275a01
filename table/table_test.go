package table

import (
	"fmt"
	"net"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/ethpandaops/discnodoor/enr"
	"github.com/ethpandaops/discnodoor/node"
)

func newTestNode(t *testing.T, ip string, port uint16) *node.Node {
	t.Helper()

	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	record, err := enr.CreateSignedRecord(key,
		enr.WithIP(net.ParseIP(ip)),
		enr.WithUDP(port),
	)
	if err != nil {
		t.Fatalf("CreateSignedRecord: %v", err)
	}
	n, err := node.New(record)
	if err != nil {
		t.Fatalf("node.New: %v", err)
	}
	return n
}

func TestAddAndGet(t *testing.T) {
	tbl := New(Config{LocalID: node.ID{0x01}})
	n := newTestNode(t, "10.0.0.1", 9000)

	if !tbl.Add(n) {
		t.Fatal("Add should succeed")
	}
	if tbl.Size() != 1 {
		t.Errorf("Size = %d, want 1", tbl.Size())
	}

	got := tbl.Get(n.ID())
	if got == nil || got.ID() != n.ID() {
		t.Error("Get should return the added node")
	}

	// Re-adding bumps, does not duplicate
	if !tbl.Add(n) {
		t.Error("re-adding a known node should report active")
	}
	if tbl.Size() != 1 {
		t.Errorf("Size after re-add = %d, want 1", tbl.Size())
	}
}

func TestAddRejectsSelf(t *testing.T) {
	n := newTestNode(t, "10.0.0.1", 9000)
	tbl := New(Config{LocalID: n.ID()})

	if tbl.Add(n) {
		t.Error("adding the local node should fail")
	}
	if tbl.Add(nil) {
		t.Error("adding nil should fail")
	}
}

func TestRemove(t *testing.T) {
	removed := 0
	tbl := New(Config{
		LocalID:       node.ID{0x01},
		OnNodeRemoved: func(*node.Node) { removed++ },
	})
	n := newTestNode(t, "10.0.0.1", 9000)

	tbl.Add(n)
	if !tbl.Remove(n.ID()) {
		t.Fatal("Remove should succeed")
	}
	if tbl.Size() != 0 {
		t.Errorf("Size = %d, want 0", tbl.Size())
	}
	if removed != 1 {
		t.Errorf("OnNodeRemoved fired %d times, want 1", removed)
	}
	if tbl.Remove(n.ID()) {
		t.Error("removing an absent node should fail")
	}
}

func TestAdmissionFilter(t *testing.T) {
	tbl := New(Config{
		LocalID:         node.ID{0x01},
		AdmissionFilter: func(*enr.Record) bool { return false },
	})
	n := newTestNode(t, "10.0.0.1", 9000)

	if tbl.Add(n) {
		t.Error("filtered node should be rejected")
	}
	if stats := tbl.GetStats(); stats.FilterRejections != 1 {
		t.Errorf("FilterRejections = %d, want 1", stats.FilterRejections)
	}
}

func TestIPLimit(t *testing.T) {
	tbl := New(Config{
		LocalID:       node.ID{0x01},
		MaxNodesPerIP: 2,
	})

	added := 0
	for i := 0; i < 4; i++ {
		if tbl.Add(newTestNode(t, "10.0.0.1", uint16(9000+i))) {
			added++
		}
	}

	if added != 2 {
		t.Errorf("added %d nodes from one IP, want 2", added)
	}
	stats := tbl.GetStats()
	if stats.IPLimitRejections != 2 {
		t.Errorf("IPLimitRejections = %d, want 2", stats.IPLimitRejections)
	}
	if stats.UniqueIPs != 1 {
		t.Errorf("UniqueIPs = %d, want 1", stats.UniqueIPs)
	}
}

func TestFindClosest(t *testing.T) {
	localID := node.ID{0x01}
	tbl := New(Config{LocalID: localID})

	var nodes []*node.Node
	for i := 0; i < 10; i++ {
		n := newTestNode(t, fmt.Sprintf("10.0.%d.1", i), 9000)
		nodes = append(nodes, n)
		tbl.Add(n)
	}

	target := nodes[0].ID()
	closest := tbl.FindClosest(target, 5)

	if len(closest) != 5 {
		t.Fatalf("FindClosest returned %d nodes, want 5", len(closest))
	}
	if closest[0].ID() != target {
		t.Error("the target itself should be the closest result")
	}
	for i := 1; i < len(closest); i++ {
		if node.CloserTo(target, closest[i].ID(), closest[i-1].ID()) {
			t.Errorf("results not sorted by distance at index %d", i)
		}
	}
}

func TestNodesAtDistance(t *testing.T) {
	localID := node.ID{}
	tbl := New(Config{LocalID: localID})

	n := newTestNode(t, "10.0.0.1", 9000)
	tbl.Add(n)

	dist := uint(node.LogDistance(localID, n.ID()) + 1)

	got := tbl.NodesAtDistance(dist, 16)
	if len(got) != 1 || got[0].ID() != n.ID() {
		t.Errorf("NodesAtDistance(%d) = %d nodes, want the added node", dist, len(got))
	}

	// Distance 0 addresses the local record, never bucket entries
	if tbl.NodesAtDistance(0, 16) != nil {
		t.Error("distance 0 should yield nothing")
	}
	if tbl.NodesAtDistance(NumBuckets+1, 16) != nil {
		t.Error("distance beyond the bucket range should yield nothing")
	}
}

func TestForEach(t *testing.T) {
	tbl := New(Config{LocalID: node.ID{0x01}})
	for i := 0; i < 3; i++ {
		tbl.Add(newTestNode(t, fmt.Sprintf("10.0.%d.1", i), 9000))
	}

	count := 0
	tbl.ForEach(func(*node.Node) { count++ })
	if count != 3 {
		t.Errorf("ForEach visited %d nodes, want 3", count)
	}
}

func TestRemoveStale(t *testing.T) {
	tbl := New(Config{
		LocalID:     node.ID{0x01},
		MaxFailures: 2,
	})

	good := newTestNode(t, "10.0.0.1", 9000)
	bad := newTestNode(t, "10.0.1.1", 9000)
	tbl.Add(good)
	tbl.Add(bad)

	good.SetLastSeen(time.Now())
	bad.SetLastSeen(time.Now())
	for i := 0; i < 3; i++ {
		bad.IncrementFailureCount()
	}

	if removed := tbl.RemoveStale(); removed != 1 {
		t.Errorf("RemoveStale removed %d nodes, want 1", removed)
	}
	if tbl.Get(bad.ID()) != nil {
		t.Error("failing node should be gone")
	}
	if tbl.Get(good.ID()) == nil {
		t.Error("healthy node should remain")
	}
}

func TestGetStats(t *testing.T) {
	tbl := New(Config{LocalID: node.ID{0x01}})
	for i := 0; i < 3; i++ {
		tbl.Add(newTestNode(t, fmt.Sprintf("10.0.%d.1", i), 9000))
	}

	stats := tbl.GetStats()
	if stats.TotalNodes != 3 {
		t.Errorf("TotalNodes = %d, want 3", stats.TotalNodes)
	}
	if stats.UniqueIPs != 3 {
		t.Errorf("UniqueIPs = %d, want 3", stats.UniqueIPs)
	}
	if stats.BucketsFilled == 0 {
		t.Error("BucketsFilled should be positive")
	}
}
