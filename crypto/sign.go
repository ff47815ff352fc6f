package crypto

import (
	"crypto/ed25519"
	"errors"
)

// SignatureSize is the size in bytes of an Ed25519 signature.
const SignatureSize = ed25519.SignatureSize

// ErrInvalidSignature indicates signature verification failure.
var ErrInvalidSignature = errors.New("invalid signature")

// Sign produces an Ed25519 signature over data.
func Sign(priv ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(priv, data)
}

// Verify checks an Ed25519 signature over data. Returns
// ErrInvalidSignature if the signature does not verify.
func Verify(pub ed25519.PublicKey, data, sig []byte) error {
	if len(sig) != SignatureSize {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(pub, data, sig) {
		return ErrInvalidSignature
	}
	return nil
}
