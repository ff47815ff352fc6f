package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/nacl/box"
)

// KeySize is the size in bytes of public keys, private keys, and
// symmetric keys.
const KeySize = 32

// NonceSize is the size in bytes of encryption nonces.
const NonceSize = 24

// Nonce is a random value used once per encryption.
type Nonce [NonceSize]byte

// KeyPair holds a Curve25519 key pair used for box encryption.
type KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateKeyPair creates a new random Curve25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: *pub, Private: *priv}, nil
}

// SigningKeyPair holds an Ed25519 key pair used for envelope signatures.
type SigningKeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateSigningKeyPair creates a new random Ed25519 key pair.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &SigningKeyPair{Public: pub, Private: priv}, nil
}

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return Nonce{}, err
	}
	return nonce, nil
}

// GenerateKey creates a new random symmetric key.
func GenerateKey() ([KeySize]byte, error) {
	var key [KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return [KeySize]byte{}, err
	}
	return key, nil
}

// ErrInvalidKeySize indicates a key of the wrong length was supplied.
var ErrInvalidKeySize = errors.New("invalid key size")

// KeyFromBytes converts a byte slice to a fixed-size key.
func KeyFromBytes(b []byte) ([KeySize]byte, error) {
	var key [KeySize]byte
	if len(b) != KeySize {
		return key, ErrInvalidKeySize
	}
	copy(key[:], b)
	return key, nil
}
