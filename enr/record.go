// Package enr implements Ethereum Node Records (EIP-778).
//
// A record is a signed, versioned container of node metadata: a sequence
// number, an identity scheme with signature, and arbitrary key-value
// pairs. Records are RLP-encoded and limited to 300 bytes so they fit
// into discovery packets.
package enr

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/rlp"
)

// MaxRecordSize is the maximum encoded size of a record in bytes.
const MaxRecordSize = 300

var (
	// ErrRecordTooLarge is returned when an encoded record exceeds MaxRecordSize.
	ErrRecordTooLarge = errors.New("enr: record size exceeds 300 bytes")

	// ErrInvalidSignature is returned when signature verification fails.
	ErrInvalidSignature = errors.New("enr: invalid signature")

	// ErrNoKey is returned when a requested key is not present.
	ErrNoKey = errors.New("enr: key not found")

	// ErrInvalidRecord is returned when a record has invalid structure.
	ErrInvalidRecord = errors.New("enr: invalid record structure")
)

// Record is a node record: signature, sequence number and sorted
// key-value pairs. Treat records as immutable once signed; updates are
// made by building a new record with a higher sequence number.
type Record struct {
	signature []byte
	seq       uint64
	pairs     map[string]interface{}

	// raw caches the RLP encoding, invalidated on mutation
	raw []byte

	mu sync.RWMutex
}

// New creates an empty record with sequence number 0.
func New() *Record {
	return &Record{
		pairs: make(map[string]interface{}),
	}
}

// Seq returns the record's sequence number.
func (r *Record) Seq() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.seq
}

// SetSeq sets the sequence number and invalidates the cached encoding.
func (r *Record) SetSeq(seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq = seq
	r.raw = nil
}

// Clone returns a deep copy via encode/decode round trip.
func (r *Record) Clone() (*Record, error) {
	data, err := r.EncodeRLP()
	if err != nil {
		return nil, fmt.Errorf("enr: failed to encode record for cloning: %w", err)
	}

	clone := New()
	if err := clone.DecodeRLPBytes(data); err != nil {
		return nil, fmt.Errorf("enr: failed to decode record for cloning: %w", err)
	}
	return clone, nil
}

// Set stores a key-value pair. The value must be RLP-encodable.
func (r *Record) Set(key string, value interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if key == "" {
		return errors.New("enr: key cannot be empty")
	}

	r.pairs[key] = value
	r.raw = nil
	return nil
}

// Get decodes the value under key into dest. Returns ErrNoKey if absent.
func (r *Record) Get(key string, dest interface{}) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	value, exists := r.pairs[key]
	if !exists {
		return ErrNoKey
	}

	switch d := dest.(type) {
	case *net.IP:
		if ip, ok := value.(net.IP); ok {
			*d = ip
			return nil
		}
	case *uint16:
		if port, ok := value.(uint16); ok {
			*d = port
			return nil
		}
	case *string:
		if str, ok := value.(string); ok {
			*d = str
			return nil
		}
	case *[]byte:
		if b, ok := value.([]byte); ok {
			*d = b
			return nil
		}
	}

	// fall back to an RLP round trip for everything else
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("enr: failed to encode value: %w", err)
	}
	if err := rlp.DecodeBytes(encoded, dest); err != nil {
		return fmt.Errorf("enr: failed to decode value: %w", err)
	}
	return nil
}

// Has reports whether key exists in the record.
func (r *Record) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.pairs[key]
	return exists
}

// Keys returns a copy of all keys in the record.
func (r *Record) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.pairs))
	for k := range r.pairs {
		keys = append(keys, k)
	}
	return keys
}

// Pairs returns a copy of all key-value pairs.
func (r *Record) Pairs() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]interface{}, len(r.pairs))
	for k, v := range r.pairs {
		result[k] = v
	}
	return result
}

// IP returns the IPv4 address, nil if absent.
func (r *Record) IP() net.IP {
	var ip net.IP
	if err := r.Get("ip", &ip); err == nil {
		return ip
	}
	return nil
}

// IP6 returns the IPv6 address, nil if absent.
func (r *Record) IP6() net.IP {
	var ip net.IP
	if err := r.Get("ip6", &ip); err == nil {
		return ip
	}
	return nil
}

// UDP returns the UDP port, 0 if absent.
func (r *Record) UDP() uint16 {
	var port uint16
	if err := r.Get("udp", &port); err == nil {
		return port
	}
	return 0
}

// TCP returns the TCP port, 0 if absent.
func (r *Record) TCP() uint16 {
	var port uint16
	if err := r.Get("tcp", &port); err == nil {
		return port
	}
	return 0
}

// UDPEndpoint returns the record's UDP endpoint, nil if the record
// carries no usable address.
func (r *Record) UDPEndpoint() *net.UDPAddr {
	ip := r.IP()
	if ip == nil {
		ip = r.IP6()
	}
	port := r.UDP()
	if ip == nil || port == 0 {
		return nil
	}
	return &net.UDPAddr{IP: ip, Port: int(port)}
}

// IdentityScheme returns the record's identity scheme ("v4"), empty if unset.
func (r *Record) IdentityScheme() string {
	var id string
	if err := r.Get("id", &id); err == nil {
		return id
	}
	return ""
}

// PublicKey returns the secp256k1 public key, nil if absent or invalid.
func (r *Record) PublicKey() *ecdsa.PublicKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.publicKeyUnlocked()
}

func (r *Record) publicKeyUnlocked() *ecdsa.PublicKey {
	value, exists := r.pairs["secp256k1"]
	if !exists {
		return nil
	}

	keyBytes, ok := value.([]byte)
	if !ok {
		return nil
	}

	key, err := crypto.DecompressPubkey(keyBytes)
	if err != nil {
		return nil
	}
	return key
}

// NodeID returns keccak256(uncompressed_pubkey[1:]), nil if the record
// carries no valid public key.
func (r *Record) NodeID() []byte {
	pubKey := r.PublicKey()
	if pubKey == nil {
		return nil
	}
	return crypto.Keccak256(crypto.FromECDSAPub(pubKey)[1:])
}

// Eth2 parses the "eth2" field: fork digest, next fork version, next
// fork epoch. Returns false if the field is absent or malformed.
func (r *Record) Eth2() (*Eth2ENRData, bool) {
	var eth2Bytes []byte
	if err := r.Get("eth2", &eth2Bytes); err != nil {
		return nil, false
	}

	// 4 bytes digest, 4 bytes next version, 8 bytes next epoch big endian
	if len(eth2Bytes) < 16 {
		return nil, false
	}

	var data Eth2ENRData
	copy(data.ForkDigest[:], eth2Bytes[0:4])
	copy(data.NextForkVersion[:], eth2Bytes[4:8])
	for i := 0; i < 8; i++ {
		data.NextForkEpoch = data.NextForkEpoch<<8 | uint64(eth2Bytes[8+i])
	}
	return &data, true
}

// Sign signs the record with privKey. Sets the "id" scheme to "v4" and
// stores the compressed public key under "secp256k1".
func (r *Record) Sign(privKey *ecdsa.PrivateKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pairs["id"] = "v4"
	r.pairs["secp256k1"] = crypto.CompressPubkey(&privKey.PublicKey)

	content, err := r.encodeContent()
	if err != nil {
		return fmt.Errorf("enr: failed to encode content: %w", err)
	}

	hash := crypto.Keccak256(content)
	sig, err := crypto.Sign(hash, privKey)
	if err != nil {
		return fmt.Errorf("enr: failed to sign: %w", err)
	}

	// drop the recovery id byte
	r.signature = sig[:len(sig)-1]
	r.raw = nil
	return nil
}

// VerifySignature checks the signature against the record content and
// the embedded public key.
func (r *Record) VerifySignature() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.verifySignature()
}

func (r *Record) verifySignature() bool {
	if len(r.signature) == 0 {
		return false
	}

	pubKey := r.publicKeyUnlocked()
	if pubKey == nil {
		return false
	}

	content, err := r.encodeContent()
	if err != nil {
		return false
	}

	hash := crypto.Keccak256(content)
	return crypto.VerifySignature(crypto.CompressPubkey(pubKey), hash, r.signature)
}

// Size returns the encoded size of the record in bytes.
func (r *Record) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.raw) > 0 {
		return len(r.raw)
	}

	encoded, err := r.encode()
	if err != nil {
		return 0
	}
	return len(encoded)
}

// encodeContent builds the signed content [seq, k1, v1, ...] with keys
// sorted lexicographically. Lock must be held.
func (r *Record) encodeContent() ([]byte, error) {
	keys := r.sortedKeys()

	content := []interface{}{r.seq}
	for _, k := range keys {
		content = append(content, k, r.pairs[k])
	}
	return rlp.EncodeToBytes(content)
}

// encode builds the full encoding [signature, seq, k1, v1, ...].
// Lock must be held.
func (r *Record) encode() ([]byte, error) {
	keys := r.sortedKeys()

	record := []interface{}{r.signature, r.seq}
	for _, k := range keys {
		record = append(record, k, r.pairs[k])
	}

	encoded, err := rlp.EncodeToBytes(record)
	if err != nil {
		return nil, err
	}
	if len(encoded) > MaxRecordSize {
		return nil, ErrRecordTooLarge
	}
	return encoded, nil
}

func (r *Record) sortedKeys() []string {
	keys := make([]string, 0, len(r.pairs))
	for k := range r.pairs {
		keys = append(keys, k)
	}
	// insertion sort, key lists are small
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
	return keys
}

// ToEnode converts the record to a go-ethereum enode.Node, nil if the
// record cannot be parsed by the enode package.
func (r *Record) ToEnode() *enode.Node {
	encoded, err := r.EncodeBase64()
	if err != nil {
		return nil
	}

	n, err := enode.Parse(enode.ValidSchemes, encoded)
	if err != nil {
		return nil
	}
	return n
}

// String returns a short human-readable representation.
func (r *Record) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fmt.Sprintf("ENR[seq=%d, keys=%v]", r.seq, len(r.pairs))
}
