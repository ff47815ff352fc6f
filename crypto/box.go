package crypto

import (
	"errors"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// MaxMessageSize limits plaintext size to prevent excessive memory usage.
const MaxMessageSize = 1024 * 1024

// ErrDecryptionFailed indicates authentication or decryption failure.
var ErrDecryptionFailed = errors.New("decryption failed")

// ErrMessageTooLarge indicates the plaintext exceeds MaxMessageSize.
var ErrMessageTooLarge = errors.New("message too large")

// ErrCiphertextTooShort indicates the ciphertext is shorter than a nonce.
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// SealBox encrypts a message for a single recipient using NaCl box
// (Curve25519 ECDH plus XSalsa20-Poly1305). The random nonce is
// prepended to the returned ciphertext.
func SealBox(message []byte, recipientPK, senderSK [KeySize]byte) ([]byte, error) {
	if len(message) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, NonceSize+len(message)+box.Overhead)
	out = append(out, nonce[:]...)
	out = box.Seal(out, message, (*[NonceSize]byte)(&nonce), (*[KeySize]byte)(&recipientPK), (*[KeySize]byte)(&senderSK))
	return out, nil
}

// OpenBox decrypts a message produced by SealBox.
func OpenBox(ciphertext []byte, senderPK, recipientSK [KeySize]byte) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, ErrCiphertextTooShort
	}

	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])

	plaintext, ok := box.Open(nil, ciphertext[NonceSize:], &nonce, (*[KeySize]byte)(&senderPK), (*[KeySize]byte)(&recipientSK))
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// SealSymmetric encrypts a message with a shared symmetric key using
// NaCl secretbox. The random nonce is prepended to the ciphertext.
func SealSymmetric(message []byte, key [KeySize]byte) ([]byte, error) {
	if len(message) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, NonceSize+len(message)+secretbox.Overhead)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, message, (*[NonceSize]byte)(&nonce), (*[KeySize]byte)(&key))
	return out, nil
}

// OpenSymmetric decrypts a message produced by SealSymmetric.
func OpenSymmetric(ciphertext []byte, key [KeySize]byte) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, ErrCiphertextTooShort
	}

	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])

	plaintext, ok := secretbox.Open(nil, ciphertext[NonceSize:], &nonce, (*[KeySize]byte)(&key))
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
