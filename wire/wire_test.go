package wire

import (
	"bytes"
	"testing"

	"github.com/ethpandaops/discnodoor/node"
)

func TestComputeTag(t *testing.T) {
	srcID := node.ID{1, 2, 3}
	destID := node.ID{4, 5, 6}

	tag := ComputeTag(srcID, destID)
	if len(tag) != TagSize {
		t.Fatalf("tag length = %d, want %d", len(tag), TagSize)
	}

	// Tags are directional
	reverse := ComputeTag(destID, srcID)
	if bytes.Equal(tag, reverse) {
		t.Error("tag should depend on direction")
	}

	// The recipient recovers the sender id
	recovered, err := SourceID(destID, tag)
	if err != nil {
		t.Fatalf("SourceID: %v", err)
	}
	if recovered != srcID {
		t.Errorf("recovered src = %x, want %x", recovered[:4], srcID[:4])
	}
}

func TestSourceIDRejectsShortTag(t *testing.T) {
	if _, err := SourceID(node.ID{1}, []byte{1, 2, 3}); err == nil {
		t.Error("short tag should be rejected")
	}
}

func TestWhoAreYouMagic(t *testing.T) {
	a := node.ID{1}
	b := node.ID{2}

	magicA := WhoAreYouMagic(a)
	if len(magicA) != MagicSize {
		t.Fatalf("magic length = %d, want %d", len(magicA), MagicSize)
	}

	// Deterministic per destination, different across destinations
	if !bytes.Equal(magicA, WhoAreYouMagic(a)) {
		t.Error("magic should be deterministic")
	}
	if bytes.Equal(magicA, WhoAreYouMagic(b)) {
		t.Error("magic should differ per destination")
	}
}

func TestRandomPacketRoundTrip(t *testing.T) {
	srcID := node.ID{1, 2, 3}
	destID := node.ID{4, 5, 6}

	pkt, err := NewRandomPacket(srcID, destID)
	if err != nil {
		t.Fatalf("NewRandomPacket: %v", err)
	}
	if pkt.Kind() != KindRandom {
		t.Errorf("kind = %v, want random", pkt.Kind())
	}

	data, err := pkt.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// Random packets share the message shape on the wire
	decoded, err := Decode(data, destID)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	msg, ok := decoded.(*MessagePacket)
	if !ok {
		t.Fatalf("decoded to %T, want *MessagePacket", decoded)
	}
	if !bytes.Equal(msg.AuthTag, pkt.AuthTag) {
		t.Error("auth tag mismatch after round trip")
	}
	if !bytes.Equal(msg.Message, pkt.RandomData) {
		t.Error("payload mismatch after round trip")
	}

	srcFromTag, err := SourceID(destID, msg.Tag)
	if err != nil {
		t.Fatalf("SourceID: %v", err)
	}
	if srcFromTag != srcID {
		t.Error("sender id not recoverable from tag")
	}
}

func TestWhoAreYouPacketRoundTrip(t *testing.T) {
	destID := node.ID{7, 8, 9}
	token := bytes.Repeat([]byte{0xAB}, AuthTagSize)

	pkt, err := NewWhoAreYouPacket(destID, token, 42)
	if err != nil {
		t.Fatalf("NewWhoAreYouPacket: %v", err)
	}
	if pkt.Kind() != KindWhoAreYou {
		t.Errorf("kind = %v, want whoareyou", pkt.Kind())
	}
	if len(pkt.IDNonce) != IDNonceSize {
		t.Errorf("id-nonce length = %d, want %d", len(pkt.IDNonce), IDNonceSize)
	}

	data, err := pkt.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(data, destID)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	way, ok := decoded.(*WhoAreYouPacket)
	if !ok {
		t.Fatalf("decoded to %T, want *WhoAreYouPacket", decoded)
	}
	if !bytes.Equal(way.Token, token) {
		t.Error("token mismatch after round trip")
	}
	if !bytes.Equal(way.IDNonce, pkt.IDNonce) {
		t.Error("id-nonce mismatch after round trip")
	}
	if way.ENRSeq != 42 {
		t.Errorf("enr-seq = %d, want 42", way.ENRSeq)
	}

	// A different recipient does not recognize the magic and falls
	// through to tag parsing
	other := node.ID{1, 1, 1}
	misdecoded, err := Decode(data, other)
	if err == nil {
		if _, ok := misdecoded.(*WhoAreYouPacket); ok {
			t.Error("WHOAREYOU should only match its addressee's magic")
		}
	}
}

func TestMessagePacketRoundTrip(t *testing.T) {
	srcID := node.ID{1}
	destID := node.ID{2}

	pkt := &MessagePacket{
		Tag:     ComputeTag(srcID, destID),
		AuthTag: bytes.Repeat([]byte{0x11}, AuthTagSize),
		Message: []byte("ciphertext goes here"),
	}

	data, err := pkt.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(data, destID)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	msg, ok := decoded.(*MessagePacket)
	if !ok {
		t.Fatalf("decoded to %T, want *MessagePacket", decoded)
	}
	if !bytes.Equal(msg.Message, pkt.Message) {
		t.Error("message mismatch after round trip")
	}
}

func TestAuthMessagePacketRoundTrip(t *testing.T) {
	srcID := node.ID{1}
	destID := node.ID{2}

	pkt := &AuthMessagePacket{
		Tag: ComputeTag(srcID, destID),
		AuthHeader: &AuthHeader{
			AuthTag:         bytes.Repeat([]byte{0x22}, AuthTagSize),
			IDNonce:         bytes.Repeat([]byte{0x33}, IDNonceSize),
			AuthSchemeName:  AuthSchemeGCM,
			EphemeralPubkey: bytes.Repeat([]byte{0x44}, 33),
			AuthResponse:    []byte("encrypted auth response"),
		},
		Message: []byte("first message"),
	}

	data, err := pkt.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(data, destID)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	auth, ok := decoded.(*AuthMessagePacket)
	if !ok {
		t.Fatalf("decoded to %T, want *AuthMessagePacket", decoded)
	}
	if auth.AuthHeader.AuthSchemeName != AuthSchemeGCM {
		t.Errorf("scheme = %q, want %q", auth.AuthHeader.AuthSchemeName, AuthSchemeGCM)
	}
	if !bytes.Equal(auth.AuthHeader.EphemeralPubkey, pkt.AuthHeader.EphemeralPubkey) {
		t.Error("ephemeral pubkey mismatch after round trip")
	}
	if !bytes.Equal(auth.Message, pkt.Message) {
		t.Error("message mismatch after round trip")
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	localID := node.ID{1}

	if _, err := Decode(nil, localID); err == nil {
		t.Error("empty packet should be rejected")
	}
	if _, err := Decode(make([]byte, TagSize), localID); err == nil {
		t.Error("tag-only packet should be rejected")
	}
	if _, err := Decode(make([]byte, MaxPacketSize+1), localID); err == nil {
		t.Error("oversized packet should be rejected")
	}
}
