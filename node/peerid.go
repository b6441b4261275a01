package node

import (
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multihash"
)

// BuildPeerID renders the libp2p peer ID string for a secp256k1 public key.
//
// The key is compressed, wrapped in a libp2p PublicKey protobuf
// (type secp256k1, length-delimited data), wrapped in an IDENTITY
// multihash and base58 encoded.
func BuildPeerID(pubKey *ecdsa.PublicKey) string {
	compressed := crypto.CompressPubkey(pubKey)

	// field 1 (type): varint, secp256k1 = 2
	// field 2 (data): length-delimited, 33 bytes
	protobuf := make([]byte, 0, 37)
	protobuf = append(protobuf, 0x08, 0x02)
	protobuf = append(protobuf, 0x12, 0x21)
	protobuf = append(protobuf, compressed...)

	mh, err := multihash.Encode(protobuf, multihash.IDENTITY)
	if err != nil {
		return ""
	}

	return base58.Encode(mh)
}
