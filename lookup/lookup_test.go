package lookup

import (
	"net"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/ethpandaops/discnodoor/enr"
	"github.com/ethpandaops/discnodoor/node"
)

// testPeerRecord builds a signed record and the node id it belongs to.
func testPeerRecord(t *testing.T) (*enr.Record, node.ID) {
	t.Helper()

	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	record, err := enr.CreateSignedRecord(key,
		enr.WithIP(net.ParseIP("10.0.0.1")),
		enr.WithUDP(9000),
	)
	if err != nil {
		t.Fatalf("CreateSignedRecord: %v", err)
	}
	return record, node.PubkeyToID(&key.PublicKey)
}

// driver collects OnPeer emissions so a test can answer them one at a
// time, and records the finished callback.
type driver struct {
	queue    []*Peer
	finished bool
	results  []node.ID
	calls    int
}

func (d *driver) onPeer(p *Peer) {
	d.queue = append(d.queue, p)
}

func (d *driver) onFinished(results []node.ID) {
	d.finished = true
	d.results = results
	d.calls++
}

func (d *driver) next() *Peer {
	if len(d.queue) == 0 {
		return nil
	}
	p := d.queue[0]
	d.queue = d.queue[1:]
	return p
}

func TestLookupRespectsParallelism(t *testing.T) {
	d := &driver{}
	seeds := []node.ID{{0x01}, {0x02}, {0x03}, {0x04}, {0x05}}

	l := New(Config{
		Target:      node.ID{0xFF},
		Seeds:       seeds,
		Parallelism: 2,
		OnPeer:      d.onPeer,
		OnFinished:  d.onFinished,
	})
	l.Start()

	if len(d.queue) != 2 {
		t.Fatalf("emitted %d peers after start, want 2", len(d.queue))
	}
	for _, p := range d.queue {
		if p.State() != Waiting {
			t.Errorf("emitted peer in state %v, want waiting", p.State())
		}
	}

	// Answering one request frees one slot
	l.OnFailure(d.next().ID)
	if len(d.queue) != 2 {
		t.Errorf("emitted %d peers after one failure, want 2 in flight", len(d.queue))
	}
}

func TestLookupAllFailuresFinishesEmpty(t *testing.T) {
	d := &driver{}
	seeds := []node.ID{{0x01}, {0x02}, {0x03}}

	l := New(Config{
		Target:     node.ID{0xFF},
		Seeds:      seeds,
		OnPeer:     d.onPeer,
		OnFinished: d.onFinished,
	})
	l.Start()

	for p := d.next(); p != nil; p = d.next() {
		l.OnFailure(p.ID)
	}

	if !d.finished {
		t.Fatal("lookup should finish after all peers failed")
	}
	if len(d.results) != 0 {
		t.Errorf("results = %d ids, want 0", len(d.results))
	}
	if l.State() != Finished {
		t.Errorf("state = %v, want finished", l.State())
	}
	if d.calls != 1 {
		t.Errorf("finished callback fired %d times, want 1", d.calls)
	}
}

func TestLookupFollowsDiscoveredPeers(t *testing.T) {
	d := &driver{}
	seedID := node.ID{0x01}

	record1, id1 := testPeerRecord(t)
	record2, id2 := testPeerRecord(t)

	l := New(Config{
		Target:               node.ID{0xFF},
		Seeds:                []node.ID{seedID},
		Parallelism:          1,
		MaxIterationsPerPeer: 1,
		OnPeer:               d.onPeer,
		OnFinished:           d.onFinished,
	})
	l.Start()

	seed := d.next()
	if seed == nil || seed.ID != seedID {
		t.Fatal("seed should be contacted first")
	}

	// The seed answers with two new candidates
	l.OnSuccess(seedID, []*enr.Record{record1, record2})

	// The discovered records are cached as untrusted
	if _, ok := l.ENR(id1); !ok {
		t.Error("discovered record should be retrievable via ENR")
	}
	if _, ok := l.ENR(seedID); ok {
		t.Error("seed peers have no cached record")
	}

	// Drive the discovered candidates to completion
	contacted := make(map[node.ID]bool)
	for p := d.next(); p != nil; p = d.next() {
		contacted[p.ID] = true
		l.OnSuccess(p.ID, nil)
	}

	if !contacted[id1] || !contacted[id2] {
		t.Error("both discovered peers should be contacted")
	}
	if !d.finished {
		t.Fatal("lookup should finish")
	}

	// Only the seed returned anything, so it is the sole result
	if len(d.results) != 1 || d.results[0] != seedID {
		t.Errorf("results = %v, want [seed]", d.results)
	}
}

func TestLookupStop(t *testing.T) {
	d := &driver{}
	l := New(Config{
		Target:     node.ID{0xFF},
		Seeds:      []node.ID{{0x01}, {0x02}},
		OnPeer:     d.onPeer,
		OnFinished: d.onFinished,
	})
	l.Start()

	l.Stop()
	if !d.finished {
		t.Fatal("stop should fire the finished callback")
	}
	if d.calls != 1 {
		t.Errorf("finished callback fired %d times, want 1", d.calls)
	}

	// Stopping again or reporting results later must not re-fire
	l.Stop()
	l.OnSuccess(node.ID{0x01}, nil)
	l.OnFailure(node.ID{0x02})
	if d.calls != 1 {
		t.Errorf("finished callback fired %d times after stop, want 1", d.calls)
	}
}

func TestLookupDeduplicatesKnownPeers(t *testing.T) {
	d := &driver{}
	seedID := node.ID{0x01}

	record, _ := testPeerRecord(t)

	l := New(Config{
		Target:               node.ID{0xFF},
		Seeds:                []node.ID{seedID},
		Parallelism:          1,
		MaxIterationsPerPeer: 2,
		OnPeer:               d.onPeer,
		OnFinished:           d.onFinished,
	})
	l.Start()
	d.next()

	// The same record offered twice must yield one candidate
	l.OnSuccess(seedID, []*enr.Record{record, record})

	emitted := 0
	for p := d.next(); p != nil; p = d.next() {
		if p.ID != seedID {
			emitted++
		}
		l.OnFailure(p.ID)
	}
	if emitted != 1 {
		t.Errorf("duplicate record produced %d candidates, want 1", emitted)
	}
}
