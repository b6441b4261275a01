package wire

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethpandaops/discnodoor/crypto"
	"github.com/ethpandaops/discnodoor/node"
)

// Kind identifies the packet variant.
type Kind byte

const (
	// KindRandom is a random-bytes packet that opens a handshake.
	KindRandom Kind = iota

	// KindWhoAreYou is a handshake challenge.
	KindWhoAreYou

	// KindAuthMessage completes a handshake and carries the first
	// encrypted message.
	KindAuthMessage

	// KindMessage is an ordinary encrypted message.
	KindMessage
)

// String returns the packet kind name for log output.
func (k Kind) String() string {
	switch k {
	case KindRandom:
		return "random"
	case KindWhoAreYou:
		return "whoareyou"
	case KindAuthMessage:
		return "authmessage"
	case KindMessage:
		return "message"
	default:
		return fmt.Sprintf("unknown(%d)", byte(k))
	}
}

// Packet is the interface implemented by all packet variants.
type Packet interface {
	// Kind returns the packet variant.
	Kind() Kind

	// Encode returns the wire encoding of the packet.
	Encode() ([]byte, error)
}

// RandomPacket opens a handshake with a peer for which no session
// keys exist. The payload is filler; the peer cannot decrypt it and
// answers with a WHOAREYOU challenge correlated by AuthTag.
//
// Wire format: tag (32) || rlp(auth-tag) || random-data (44)
type RandomPacket struct {
	Tag        []byte
	AuthTag    []byte
	RandomData []byte
}

// NewRandomPacket builds a random packet from srcID to destID with a
// fresh auth tag and filler payload.
func NewRandomPacket(srcID, destID node.ID) (*RandomPacket, error) {
	authTag, err := crypto.GenerateRandomBytes(AuthTagSize)
	if err != nil {
		return nil, fmt.Errorf("wire: failed to generate auth tag: %w", err)
	}

	randomData, err := crypto.GenerateRandomBytes(RandomDataSize)
	if err != nil {
		return nil, fmt.Errorf("wire: failed to generate random data: %w", err)
	}

	return &RandomPacket{
		Tag:        ComputeTag(srcID, destID),
		AuthTag:    authTag,
		RandomData: randomData,
	}, nil
}

// Kind returns KindRandom.
func (p *RandomPacket) Kind() Kind {
	return KindRandom
}

// Encode returns the wire encoding of the packet.
func (p *RandomPacket) Encode() ([]byte, error) {
	return encodeTagged(p.Tag, p.AuthTag, p.RandomData)
}

// WhoAreYouPacket challenges the sender of an undecryptable packet to
// prove its identity. Token echoes the auth tag of the packet being
// challenged; IDNonce must be signed by the peer in its AuthHeader.
//
// Wire format: magic (32) || rlp([token, id-nonce, enr-seq])
type WhoAreYouPacket struct {
	Magic   []byte
	Token   []byte
	IDNonce []byte
	ENRSeq  uint64
}

// NewWhoAreYouPacket builds a WHOAREYOU challenge addressed to destID,
// challenging the given auth tag. enrSeq is the highest ENR sequence
// number known for the peer.
func NewWhoAreYouPacket(destID node.ID, token []byte, enrSeq uint64) (*WhoAreYouPacket, error) {
	idNonce, err := crypto.GenerateRandomBytes(IDNonceSize)
	if err != nil {
		return nil, fmt.Errorf("wire: failed to generate id-nonce: %w", err)
	}

	return &WhoAreYouPacket{
		Magic:   WhoAreYouMagic(destID),
		Token:   token,
		IDNonce: idNonce,
		ENRSeq:  enrSeq,
	}, nil
}

// Kind returns KindWhoAreYou.
func (p *WhoAreYouPacket) Kind() Kind {
	return KindWhoAreYou
}

// whoAreYouContent is the RLP body of a WHOAREYOU packet.
type whoAreYouContent struct {
	Token   []byte
	IDNonce []byte
	ENRSeq  uint64
}

// Encode returns the wire encoding of the packet.
func (p *WhoAreYouPacket) Encode() ([]byte, error) {
	if len(p.Magic) != MagicSize {
		return nil, fmt.Errorf("wire: invalid magic length %d", len(p.Magic))
	}

	body, err := rlp.EncodeToBytes(&whoAreYouContent{
		Token:   p.Token,
		IDNonce: p.IDNonce,
		ENRSeq:  p.ENRSeq,
	})
	if err != nil {
		return nil, fmt.Errorf("wire: failed to encode WHOAREYOU: %w", err)
	}

	out := make([]byte, 0, MagicSize+len(body))
	out = append(out, p.Magic...)
	out = append(out, body...)
	return out, nil
}

// AuthHeader carries the handshake proof inside an AuthMessage packet.
type AuthHeader struct {
	// AuthTag is the nonce of the encrypted message payload.
	AuthTag []byte

	// IDNonce echoes the challenge from the WHOAREYOU.
	IDNonce []byte

	// AuthSchemeName identifies the key agreement scheme, always "gcm".
	AuthSchemeName string

	// EphemeralPubkey is the compressed ephemeral public key.
	EphemeralPubkey []byte

	// AuthResponse is the encrypted authentication response: the
	// id-nonce signature and optionally the sender's ENR.
	AuthResponse []byte
}

// AuthSchemeGCM is the only auth scheme in use.
const AuthSchemeGCM = "gcm"

// AuthMessagePacket completes a handshake in response to a WHOAREYOU
// and carries the first encrypted message on the new session.
//
// Wire format: tag (32) || rlp([auth-tag, id-nonce, scheme, eph-pubkey, auth-response]) || message
type AuthMessagePacket struct {
	Tag        []byte
	AuthHeader *AuthHeader
	Message    []byte
}

// Kind returns KindAuthMessage.
func (p *AuthMessagePacket) Kind() Kind {
	return KindAuthMessage
}

// Encode returns the wire encoding of the packet.
func (p *AuthMessagePacket) Encode() ([]byte, error) {
	if len(p.Tag) != TagSize {
		return nil, ErrInvalidTag
	}
	if p.AuthHeader == nil {
		return nil, fmt.Errorf("wire: auth message without auth header")
	}

	header, err := rlp.EncodeToBytes(p.AuthHeader)
	if err != nil {
		return nil, fmt.Errorf("wire: failed to encode auth header: %w", err)
	}

	out := make([]byte, 0, TagSize+len(header)+len(p.Message))
	out = append(out, p.Tag...)
	out = append(out, header...)
	out = append(out, p.Message...)

	if len(out) > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}
	return out, nil
}

// MessagePacket is an ordinary encrypted message on an established
// session. The auth tag doubles as the AES-GCM nonce.
//
// Wire format: tag (32) || rlp(auth-tag) || message
type MessagePacket struct {
	Tag     []byte
	AuthTag []byte
	Message []byte
}

// Kind returns KindMessage.
func (p *MessagePacket) Kind() Kind {
	return KindMessage
}

// Encode returns the wire encoding of the packet.
func (p *MessagePacket) Encode() ([]byte, error) {
	return encodeTagged(p.Tag, p.AuthTag, p.Message)
}

// encodeTagged encodes the shared shape of random and message
// packets: tag || rlp(auth-tag) || payload.
func encodeTagged(tag, authTag, payload []byte) ([]byte, error) {
	if len(tag) != TagSize {
		return nil, ErrInvalidTag
	}
	if len(authTag) != AuthTagSize {
		return nil, ErrInvalidAuthTag
	}

	encTag, err := rlp.EncodeToBytes(authTag)
	if err != nil {
		return nil, fmt.Errorf("wire: failed to encode auth tag: %w", err)
	}

	out := make([]byte, 0, TagSize+len(encTag)+len(payload))
	out = append(out, tag...)
	out = append(out, encTag...)
	out = append(out, payload...)

	if len(out) > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}
	return out, nil
}

// Decode parses a raw datagram addressed to localID.
//
// WHOAREYOU packets are recognized by their magic prefix. Everything
// else starts with a tag; an RLP list after the tag marks an auth
// message, a 12-byte RLP string an ordinary message. Random packets
// share the message shape on the wire and are returned as
// MessagePacket; they reveal themselves by failing to decrypt.
func Decode(data []byte, localID node.ID) (Packet, error) {
	if len(data) < TagSize+1 {
		return nil, ErrPacketTooShort
	}
	if len(data) > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}

	if bytes.Equal(data[:MagicSize], WhoAreYouMagic(localID)) {
		var content whoAreYouContent
		if err := rlp.DecodeBytes(data[MagicSize:], &content); err != nil {
			return nil, fmt.Errorf("wire: failed to decode WHOAREYOU: %w", err)
		}
		if len(content.Token) != AuthTagSize {
			return nil, ErrInvalidAuthTag
		}
		if len(content.IDNonce) != IDNonceSize {
			return nil, fmt.Errorf("wire: invalid id-nonce length %d", len(content.IDNonce))
		}

		return &WhoAreYouPacket{
			Magic:   data[:MagicSize],
			Token:   content.Token,
			IDNonce: content.IDNonce,
			ENRSeq:  content.ENRSeq,
		}, nil
	}

	tag := make([]byte, TagSize)
	copy(tag, data[:TagSize])
	rest := data[TagSize:]

	kind, _, tail, err := rlp.Split(rest)
	if err != nil {
		return nil, fmt.Errorf("wire: malformed packet body: %w", err)
	}

	// the RLP element spans from the tag to the start of the tail
	element := rest[:len(rest)-len(tail)]

	switch kind {
	case rlp.List:
		var header AuthHeader
		if err := rlp.DecodeBytes(element, &header); err != nil {
			return nil, fmt.Errorf("wire: failed to decode auth header: %w", err)
		}
		if len(header.AuthTag) != AuthTagSize {
			return nil, ErrInvalidAuthTag
		}

		return &AuthMessagePacket{
			Tag:        tag,
			AuthHeader: &header,
			Message:    tail,
		}, nil

	case rlp.String:
		var authTag []byte
		if err := rlp.DecodeBytes(element, &authTag); err != nil {
			return nil, fmt.Errorf("wire: failed to decode auth tag: %w", err)
		}
		if len(authTag) != AuthTagSize {
			return nil, ErrInvalidAuthTag
		}

		return &MessagePacket{
			Tag:     tag,
			AuthTag: authTag,
			Message: tail,
		}, nil

	default:
		return nil, ErrUnknownPacket
	}
}
