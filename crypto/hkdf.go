package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SessionKeys holds the three keys derived for a session.
//
// The initiator encrypts with InitiatorKey and decrypts with
// RecipientKey; the recipient does the reverse. AuthRespKey encrypts
// the handshake's authentication response.
type SessionKeys struct {
	InitiatorKey []byte
	RecipientKey []byte
	AuthRespKey  []byte
}

// HKDFExtract runs HKDF-SHA256 over ikm with the given salt and info
// and returns keyLen bytes of output key material.
func HKDFExtract(salt, ikm, info []byte, keyLen int) ([]byte, error) {
	if keyLen <= 0 {
		return nil, fmt.Errorf("crypto: invalid key length: %d", keyLen)
	}

	reader := hkdf.New(sha256.New, ikm, salt, info)

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("crypto: HKDF extraction failed: %w", err)
	}
	return key, nil
}

// DeriveSessionKeys derives the three session keys from an ECDH secret.
//
// The HKDF info string is "discovery v5 key agreement" followed by the
// initiator and recipient node IDs; the id-nonce from the WHOAREYOU
// challenge is the salt. 48 bytes of output are split into
// initiator-key, recipient-key and auth-resp-key.
func DeriveSessionKeys(secret []byte, initiatorID, recipientID, idNonce []byte) (*SessionKeys, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("crypto: empty ECDH secret")
	}
	if len(initiatorID) != 32 || len(recipientID) != 32 {
		return nil, fmt.Errorf("crypto: invalid node ID lengths")
	}
	if len(idNonce) != 32 {
		return nil, fmt.Errorf("crypto: invalid id-nonce length: %d", len(idNonce))
	}

	info := make([]byte, 0, 26+32+32)
	info = append(info, []byte("discovery v5 key agreement")...)
	info = append(info, initiatorID...)
	info = append(info, recipientID...)

	keyMaterial, err := HKDFExtract(idNonce, secret, info, 3*AESKeySize)
	if err != nil {
		return nil, fmt.Errorf("crypto: key derivation failed: %w", err)
	}

	return &SessionKeys{
		InitiatorKey: keyMaterial[0:16],
		RecipientKey: keyMaterial[16:32],
		AuthRespKey:  keyMaterial[32:48],
	}, nil
}
