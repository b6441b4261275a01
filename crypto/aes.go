package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

const (
	// AESKeySize is the AES-128 key size in bytes.
	AESKeySize = 16

	// GCMNonceSize is the GCM nonce size in bytes.
	GCMNonceSize = 12

	// GCMTagSize is the GCM authentication tag size in bytes.
	GCMTagSize = 16
)

var (
	// ErrInvalidKeySize is returned when an invalid key size is provided.
	ErrInvalidKeySize = fmt.Errorf("crypto: invalid key size, expected %d bytes", AESKeySize)

	// ErrInvalidNonceSize is returned when an invalid nonce size is provided.
	ErrInvalidNonceSize = fmt.Errorf("crypto: invalid nonce size, expected %d bytes", GCMNonceSize)

	// ErrDecryptionFailed is returned when GCM decryption or authentication fails.
	ErrDecryptionFailed = fmt.Errorf("crypto: decryption or authentication failed")
)

// AESGCMEncrypt encrypts plaintext with AES-128-GCM. The additional
// data is authenticated but not encrypted. The returned ciphertext has
// the 16-byte authentication tag appended.
//
// The nonce must never repeat for the same key.
func AESGCMEncrypt(key, nonce, plaintext, additionalData []byte) ([]byte, error) {
	if len(key) != AESKeySize {
		return nil, ErrInvalidKeySize
	}
	if len(nonce) != GCMNonceSize {
		return nil, ErrInvalidNonceSize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}

	return gcm.Seal(nil, nonce, plaintext, additionalData), nil
}

// AESGCMDecrypt decrypts AES-128-GCM ciphertext produced by
// AESGCMEncrypt. Returns ErrDecryptionFailed when the tag does not
// verify, so callers can treat tampered and garbled packets alike.
func AESGCMDecrypt(key, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	if len(key) != AESKeySize {
		return nil, ErrInvalidKeySize
	}
	if len(nonce) != GCMNonceSize {
		return nil, ErrInvalidNonceSize
	}
	if len(ciphertext) < GCMTagSize {
		return nil, fmt.Errorf("crypto: ciphertext too short")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// GenerateNonce returns a random 12-byte GCM nonce.
func GenerateNonce() ([]byte, error) {
	return GenerateRandomBytes(GCMNonceSize)
}
