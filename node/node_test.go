package node

import (
	"net"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/ethpandaops/discnodoor/enr"
)

func newTestRecord(t *testing.T, ip string, port uint16) (*enr.Record, ID) {
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
	return record, PubkeyToID(&key.PublicKey)
}

func TestNew(t *testing.T) {
	record, wantID := newTestRecord(t, "10.0.0.1", 9000)

	n, err := New(record)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if n.ID() != wantID {
		t.Error("node ID does not match key-derived ID")
	}
	if !n.IP().Equal(net.ParseIP("10.0.0.1")) {
		t.Errorf("IP = %s, want 10.0.0.1", n.IP())
	}
	if n.UDPPort() != 9000 {
		t.Errorf("UDPPort = %d, want 9000", n.UDPPort())
	}
	if n.PeerID() == "" {
		t.Error("PeerID should not be empty")
	}
}

func TestNewRejectsIncompleteRecords(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("nil record should be rejected")
	}

	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	// No IP
	record, err := enr.CreateSignedRecord(key, enr.WithUDP(9000))
	if err != nil {
		t.Fatalf("CreateSignedRecord: %v", err)
	}
	if _, err := New(record); err == nil {
		t.Error("record without IP should be rejected")
	}

	// No UDP port
	record, err = enr.CreateSignedRecord(key, enr.WithIP(net.ParseIP("10.0.0.1")))
	if err != nil {
		t.Fatalf("CreateSignedRecord: %v", err)
	}
	if _, err := New(record); err == nil {
		t.Error("record without UDP port should be rejected")
	}
}

func TestUpdateENR(t *testing.T) {
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

	n, err := New(record)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Same sequence must be rejected
	sameSeq, err := enr.CreateSignedRecord(key,
		enr.WithIP(net.ParseIP("10.0.0.2")),
		enr.WithUDP(9001),
	)
	if err != nil {
		t.Fatalf("CreateSignedRecord: %v", err)
	}
	if n.UpdateENR(sameSeq) {
		t.Error("record with equal seq should not replace")
	}

	// Higher sequence replaces record and endpoint
	updated, err := enr.UpdateRecord(record, key,
		enr.WithIP(net.ParseIP("10.0.0.2")),
		enr.WithUDP(9001),
	)
	if err != nil {
		t.Fatalf("UpdateRecord: %v", err)
	}
	if !n.UpdateENR(updated) {
		t.Fatal("record with higher seq should replace")
	}
	if !n.IP().Equal(net.ParseIP("10.0.0.2")) {
		t.Errorf("IP = %s, want 10.0.0.2", n.IP())
	}
	if n.UDPPort() != 9001 {
		t.Errorf("UDPPort = %d, want 9001", n.UDPPort())
	}

	if n.UpdateENR(nil) {
		t.Error("nil record should not replace")
	}
}

func TestGetSnapshot(t *testing.T) {
	record, _ := newTestRecord(t, "10.0.0.1", 9000)

	n, err := New(record)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	n.IncrementFailureCount()
	n.IncrementFailureCount()

	snap := n.GetSnapshot()
	if snap.FailureCount != 2 {
		t.Errorf("FailureCount = %d, want 2", snap.FailureCount)
	}
	if snap.ENRSeq != record.Seq() {
		t.Errorf("ENRSeq = %d, want %d", snap.ENRSeq, record.Seq())
	}

	n.ResetFailureCount()
	snap = n.GetSnapshot()
	if snap.FailureCount != 0 {
		t.Errorf("FailureCount after reset = %d, want 0", snap.FailureCount)
	}
	if snap.SuccessCount != 1 {
		t.Errorf("SuccessCount = %d, want 1", snap.SuccessCount)
	}
}
