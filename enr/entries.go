package enr

import (
	"crypto/ecdsa"
	"net"

	"github.com/ethereum/go-ethereum/crypto"
)

// Entry is a typed key-value pair for record construction.
type Entry struct {
	Key   string
	Value interface{}
}

// WithIP sets the IPv4 address.
func WithIP(ip net.IP) Entry {
	return Entry{"ip", ip.To4()}
}

// WithIP6 sets the IPv6 address.
func WithIP6(ip net.IP) Entry {
	return Entry{"ip6", ip.To16()}
}

// WithUDP sets the UDP port.
func WithUDP(port uint16) Entry {
	return Entry{"udp", port}
}

// WithTCP sets the TCP port.
func WithTCP(port uint16) Entry {
	return Entry{"tcp", port}
}

// WithPublicKey sets the compressed secp256k1 public key.
func WithPublicKey(pubKey *ecdsa.PublicKey) Entry {
	return Entry{"secp256k1", crypto.CompressPubkey(pubKey)}
}

// WithEth2 sets the eth2 field (fork digest plus next-fork schedule).
func WithEth2(data Eth2ENRData) Entry {
	return Entry{"eth2", data.Encode()}
}

// WithAttnets sets the attestation subnet bitvector.
func WithAttnets(attnets []byte) Entry {
	return Entry{"attnets", attnets}
}

// WithSyncnets sets the sync committee subnet bitvector.
func WithSyncnets(syncnets []byte) Entry {
	return Entry{"syncnets", syncnets}
}

// NewRecord builds an unsigned record from entries produced by the
// With* helpers.
//
// Example:
//
//	record, err := NewRecord(
//	    WithIP(net.IPv4(192, 168, 1, 1)),
//	    WithUDP(9000),
//	)
func NewRecord(entries ...Entry) (*Record, error) {
	record := New()

	for _, entry := range entries {
		if err := record.Set(entry.Key, entry.Value); err != nil {
			return nil, err
		}
	}
	return record, nil
}

// CreateSignedRecord builds a record from the given entries and signs it.
func CreateSignedRecord(privKey *ecdsa.PrivateKey, entries ...Entry) (*Record, error) {
	record, err := NewRecord(entries...)
	if err != nil {
		return nil, err
	}
	if err := record.Sign(privKey); err != nil {
		return nil, err
	}
	return record, nil
}

// UpdateRecord builds a successor of old: sequence number incremented,
// old entries carried over, given entries applied on top, re-signed.
func UpdateRecord(old *Record, privKey *ecdsa.PrivateKey, entries ...Entry) (*Record, error) {
	record := New()
	record.SetSeq(old.Seq() + 1)

	for key, value := range old.Pairs() {
		if err := record.Set(key, value); err != nil {
			return nil, err
		}
	}

	for _, entry := range entries {
		if err := record.Set(entry.Key, entry.Value); err != nil {
			return nil, err
		}
	}

	if err := record.Sign(privKey); err != nil {
		return nil, err
	}
	return record, nil
}
