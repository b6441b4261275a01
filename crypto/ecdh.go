package crypto

import (
	"crypto/ecdsa"
	"fmt"
)

// ECDH computes the Diffie-Hellman shared secret privKey * pubKey and
// returns the 32-byte X coordinate of the resulting point.
func ECDH(privKey *ecdsa.PrivateKey, pubKey *ecdsa.PublicKey) ([]byte, error) {
	if privKey == nil {
		return nil, fmt.Errorf("crypto: nil private key")
	}
	if pubKey == nil {
		return nil, fmt.Errorf("crypto: nil public key")
	}

	x, _ := pubKey.Curve.ScalarMult(pubKey.X, pubKey.Y, privKey.D.Bytes())

	secret := make([]byte, 32)
	x.FillBytes(secret)
	return secret, nil
}

// ValidatePublicKey checks that a key received from the network is a
// valid curve point. Rejects the point at infinity.
func ValidatePublicKey(pubKey *ecdsa.PublicKey) error {
	if pubKey == nil {
		return fmt.Errorf("crypto: nil public key")
	}
	if !pubKey.Curve.IsOnCurve(pubKey.X, pubKey.Y) {
		return fmt.Errorf("crypto: public key point is not on curve")
	}
	if pubKey.X.Sign() == 0 && pubKey.Y.Sign() == 0 {
		return fmt.Errorf("crypto: public key is the point at infinity")
	}
	return nil
}
