package wire

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// AuthResponseVersion is the version field of the auth response body.
const AuthResponseVersion = 5

// AuthResponse is the plaintext body of the AuthHeader's encrypted
// auth-response field: the id-nonce signature proving ownership of the
// sender's static key, and optionally the sender's ENR when the
// challenger's known sequence number was stale.
type AuthResponse struct {
	Version   uint64
	Signature []byte

	// Record is the RLP-encoded ENR, empty when not attached.
	Record []byte
}

// EncodeAuthResponse encodes the auth response body.
func EncodeAuthResponse(signature, record []byte) ([]byte, error) {
	body, err := rlp.EncodeToBytes(&AuthResponse{
		Version:   AuthResponseVersion,
		Signature: signature,
		Record:    record,
	})
	if err != nil {
		return nil, fmt.Errorf("wire: failed to encode auth response: %w", err)
	}
	return body, nil
}

// DecodeAuthResponse decodes an auth response body.
func DecodeAuthResponse(data []byte) (*AuthResponse, error) {
	var resp AuthResponse
	if err := rlp.DecodeBytes(data, &resp); err != nil {
		return nil, fmt.Errorf("wire: failed to decode auth response: %w", err)
	}
	if resp.Version != AuthResponseVersion {
		return nil, fmt.Errorf("wire: unsupported auth response version %d", resp.Version)
	}
	return &resp, nil
}
