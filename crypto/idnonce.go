package crypto

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// idNoncePrefix is the domain separator for id-nonce signatures.
const idNoncePrefix = "discovery-id-nonce"

// idNonceHash computes sha256(prefix || nonce || ephemeralPubkey).
func idNonceHash(idNonce []byte, ephemeralPubkey []byte) []byte {
	h := sha256.New()
	h.Write([]byte(idNoncePrefix))
	h.Write(idNonce)
	h.Write(ephemeralPubkey)
	return h.Sum(nil)
}

// SignIDNonce proves ownership of the node's static key during the
// handshake: it signs sha256("discovery-id-nonce" || idNonce ||
// ephemeralPubkey) with the node key. The ephemeral key is given in
// compressed form. Returns the 64-byte signature without recovery id.
func SignIDNonce(nodeKey *ecdsa.PrivateKey, idNonce []byte, ephemeralPubkey []byte) ([]byte, error) {
	if nodeKey == nil {
		return nil, fmt.Errorf("crypto: nil node key")
	}

	sig, err := crypto.Sign(idNonceHash(idNonce, ephemeralPubkey), nodeKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to sign id-nonce: %w", err)
	}
	return sig[:64], nil
}

// VerifyIDNonce checks an id-nonce signature against the claimed node
// public key.
func VerifyIDNonce(sig []byte, idNonce []byte, ephemeralPubkey []byte, nodePubkey *ecdsa.PublicKey) bool {
	if len(sig) != 64 || nodePubkey == nil {
		return false
	}

	hash := idNonceHash(idNonce, ephemeralPubkey)
	return crypto.VerifySignature(crypto.CompressPubkey(nodePubkey), hash, sig)
}
