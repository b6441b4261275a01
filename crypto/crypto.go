// Package crypto provides the cryptographic primitives of the discovery
// handshake: ECDH key agreement, HKDF session-key derivation, AES-GCM
// packet encryption and id-nonce signatures.
//
// Basic key operations (generation, signing, verification) come from
// github.com/ethereum/go-ethereum/crypto.
package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"io"

	"github.com/ethereum/go-ethereum/crypto"
)

// GenerateRandomBytes returns n cryptographically secure random bytes.
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// GenerateEphemeralKey generates a one-shot secp256k1 key pair for a
// handshake. The key is discarded once session keys are derived.
func GenerateEphemeralKey() (*ecdsa.PrivateKey, error) {
	return crypto.GenerateKey()
}
