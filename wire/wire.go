// Package wire implements the discovery packet codec.
//
// Four packet kinds travel over UDP:
//   - Random: opens a handshake when no session keys exist
//   - WhoAreYou: challenges the sender of an undecryptable packet
//   - AuthMessage: completes the handshake, carries the first message
//   - Message: ordinary encrypted message on an established session
//
// Every non-WhoAreYou packet starts with a 32-byte tag binding it to
// the (sender, receiver) pair; WhoAreYou packets start with a magic
// value derived from the destination node ID. The remainder is RLP.
package wire

import (
	"crypto/sha256"

	"github.com/ethpandaops/discnodoor/node"
)

const (
	// TagSize is the size of the packet tag in bytes.
	TagSize = 32

	// AuthTagSize is the size of the per-packet nonce in bytes.
	AuthTagSize = 12

	// MagicSize is the size of the WHOAREYOU magic in bytes.
	MagicSize = 32

	// IDNonceSize is the size of the WHOAREYOU id-nonce in bytes.
	IDNonceSize = 32

	// RandomDataSize is the size of the filler payload in Random packets.
	RandomDataSize = 44

	// MaxPacketSize is the maximum UDP packet size (minimum IPv6 MTU,
	// keeps packets unfragmented).
	MaxPacketSize = 1280
)

// whoAreYouSuffix is appended to the destination ID when deriving the
// WHOAREYOU magic.
const whoAreYouSuffix = "WHOAREYOU"

// ComputeTag returns the packet tag for a packet from srcID to destID:
//
//	tag = sha256(destID) XOR srcID
//
// The receiver recovers the sender with SourceID.
func ComputeTag(srcID, destID node.ID) []byte {
	hash := sha256.Sum256(destID.Bytes())

	tag := make([]byte, TagSize)
	for i := 0; i < TagSize; i++ {
		tag[i] = hash[i] ^ srcID[i]
	}
	return tag
}

// SourceID recovers the sender's node ID from a packet tag addressed
// to localID: srcID = tag XOR sha256(localID).
func SourceID(localID node.ID, tag []byte) (node.ID, error) {
	var srcID node.ID
	if len(tag) != TagSize {
		return srcID, ErrInvalidTag
	}

	hash := sha256.Sum256(localID.Bytes())
	for i := 0; i < TagSize; i++ {
		srcID[i] = tag[i] ^ hash[i]
	}
	return srcID, nil
}

// WhoAreYouMagic returns the magic prefix of WHOAREYOU packets sent to
// destID: sha256(destID || "WHOAREYOU").
func WhoAreYouMagic(destID node.ID) []byte {
	h := sha256.New()
	h.Write(destID.Bytes())
	h.Write([]byte(whoAreYouSuffix))
	return h.Sum(nil)
}
