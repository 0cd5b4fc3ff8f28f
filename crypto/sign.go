package crypto

import (
	"crypto/ed25519"
	"errors"
)

// Sign creates a detached Ed25519 signature for a message using the
// 32-byte signing seed.
func Sign(message []byte, signSeed [32]byte) (Signature, error) {
	if len(message) == 0 {
		return Signature{}, errors.New("empty message")
	}

	privateKey := ed25519.NewKeyFromSeed(signSeed[:])
	signatureBytes := ed25519.Sign(privateKey, message)

	var signature Signature
	copy(signature[:], signatureBytes)

	return signature, nil
}

// Verify checks if a detached signature is valid for a message and
// public signing key.
func Verify(message []byte, signature Signature, publicKey [32]byte) (bool, error) {
	if len(message) == 0 {
		return false, errors.New("empty message")
	}

	return ed25519.Verify(publicKey[:], message, signature[:]), nil
}
