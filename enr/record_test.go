package enr

import (
	"net"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func TestCreateSignedRecord(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	record, err := CreateSignedRecord(key,
		WithIP(net.ParseIP("1.2.3.4")),
		WithUDP(9000),
		WithTCP(9001),
	)
	if err != nil {
		t.Fatalf("CreateSignedRecord: %v", err)
	}

	if !record.VerifySignature() {
		t.Error("signature should verify")
	}
	if record.IdentityScheme() != "v4" {
		t.Errorf("identity scheme = %q, want v4", record.IdentityScheme())
	}
	if !record.IP().Equal(net.ParseIP("1.2.3.4")) {
		t.Errorf("IP = %s, want 1.2.3.4", record.IP())
	}
	if record.UDP() != 9000 {
		t.Errorf("UDP = %d, want 9000", record.UDP())
	}
	if record.TCP() != 9001 {
		t.Errorf("TCP = %d, want 9001", record.TCP())
	}

	pubKey := record.PublicKey()
	if pubKey == nil {
		t.Fatal("record should carry a public key")
	}
	if !pubKey.Equal(&key.PublicKey) {
		t.Error("record public key does not match signing key")
	}
}

func TestEncodeDecodeBase64(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	record, err := CreateSignedRecord(key,
		WithIP(net.ParseIP("1.2.3.4")),
		WithUDP(9000),
	)
	if err != nil {
		t.Fatalf("CreateSignedRecord: %v", err)
	}

	encoded, err := record.EncodeBase64()
	if err != nil {
		t.Fatalf("EncodeBase64: %v", err)
	}
	if len(encoded) < 4 || encoded[:4] != "enr:" {
		t.Errorf("encoded record should start with enr:, got %q", encoded[:4])
	}

	decoded, err := DecodeBase64(encoded)
	if err != nil {
		t.Fatalf("DecodeBase64: %v", err)
	}

	if !decoded.VerifySignature() {
		t.Error("decoded record should verify")
	}
	if decoded.Seq() != record.Seq() {
		t.Errorf("seq = %d, want %d", decoded.Seq(), record.Seq())
	}
	if !decoded.IP().Equal(record.IP()) {
		t.Errorf("IP = %s, want %s", decoded.IP(), record.IP())
	}
	if decoded.UDP() != record.UDP() {
		t.Errorf("UDP = %d, want %d", decoded.UDP(), record.UDP())
	}

	if _, err := DecodeBase64("enr:not-valid-base64!!!"); err == nil {
		t.Error("invalid base64 should fail")
	}
}

func TestUpdateRecord(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	record, err := CreateSignedRecord(key,
		WithIP(net.ParseIP("1.2.3.4")),
		WithUDP(9000),
	)
	if err != nil {
		t.Fatalf("CreateSignedRecord: %v", err)
	}

	updated, err := UpdateRecord(record, key, WithUDP(9001))
	if err != nil {
		t.Fatalf("UpdateRecord: %v", err)
	}

	if updated.Seq() != record.Seq()+1 {
		t.Errorf("seq = %d, want %d", updated.Seq(), record.Seq()+1)
	}
	if updated.UDP() != 9001 {
		t.Errorf("UDP = %d, want 9001", updated.UDP())
	}
	// Untouched entries carry over
	if !updated.IP().Equal(net.ParseIP("1.2.3.4")) {
		t.Errorf("IP = %s, want 1.2.3.4", updated.IP())
	}
	if !updated.VerifySignature() {
		t.Error("updated record should verify")
	}
}

func TestEth2Entry(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	data := Eth2ENRData{
		ForkDigest:      [4]byte{0xde, 0xad, 0xbe, 0xef},
		NextForkVersion: [4]byte{0x01, 0x00, 0x00, 0x00},
		NextForkEpoch:   123456,
	}

	record, err := CreateSignedRecord(key,
		WithIP(net.ParseIP("1.2.3.4")),
		WithUDP(9000),
		WithEth2(data),
	)
	if err != nil {
		t.Fatalf("CreateSignedRecord: %v", err)
	}

	got, ok := record.Eth2()
	if !ok {
		t.Fatal("eth2 field should be present")
	}
	if got.ForkDigest != data.ForkDigest {
		t.Errorf("ForkDigest = %x, want %x", got.ForkDigest, data.ForkDigest)
	}
	if got.NextForkVersion != data.NextForkVersion {
		t.Errorf("NextForkVersion = %x, want %x", got.NextForkVersion, data.NextForkVersion)
	}
	if got.NextForkEpoch != data.NextForkEpoch {
		t.Errorf("NextForkEpoch = %d, want %d", got.NextForkEpoch, data.NextForkEpoch)
	}
}

func TestUDPEndpoint(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	record, err := CreateSignedRecord(key,
		WithIP(net.ParseIP("1.2.3.4")),
		WithUDP(9000),
	)
	if err != nil {
		t.Fatalf("CreateSignedRecord: %v", err)
	}

	addr := record.UDPEndpoint()
	if addr == nil {
		t.Fatal("UDPEndpoint should not be nil")
	}
	if !addr.IP.Equal(net.ParseIP("1.2.3.4")) || addr.Port != 9000 {
		t.Errorf("endpoint = %s, want 1.2.3.4:9000", addr)
	}

	// Without endpoint data there is no address
	bare, err := CreateSignedRecord(key)
	if err != nil {
		t.Fatalf("CreateSignedRecord: %v", err)
	}
	if bare.UDPEndpoint() != nil {
		t.Error("record without ip/udp should have nil endpoint")
	}
}

func TestTamperedRecordFailsVerification(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	record, err := CreateSignedRecord(key,
		WithIP(net.ParseIP("1.2.3.4")),
		WithUDP(9000),
	)
	if err != nil {
		t.Fatalf("CreateSignedRecord: %v", err)
	}

	if err := record.Set("udp", uint16(9999)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if record.VerifySignature() {
		t.Error("modified record should fail verification")
	}
}
