package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeyPair holds a device's long-term key material: a Curve25519 pair
// for key agreement and an Ed25519 pair for signatures.
//
// Invariant: signing keys are never used for encryption and vice
// versa. SignPrivate is the 32-byte Ed25519 seed; the full signing key
// is re-derived on use with ed25519.NewKeyFromSeed.
type KeyPair struct {
	Public      [32]byte
	Private     [32]byte
	SignPublic  [32]byte
	SignPrivate [32]byte
}

// GenerateKeyPair creates a fresh identity: one random encryption pair
// and one random signing pair. It fails if the system RNG is
// unavailable rather than returning weak keys.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating encryption key pair: %w", err)
	}

	signPublic, signPrivate, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating signing key pair: %w", err)
	}

	keyPair := &KeyPair{
		Public:  *publicKey,
		Private: *privateKey,
	}
	copy(keyPair.SignPublic[:], signPublic)
	copy(keyPair.SignPrivate[:], signPrivate.Seed())

	return keyPair, nil
}

// FromSecretKeys reconstructs a key pair from stored private key
// material. Both public keys are re-derived from the private halves;
// stored public keys are never trusted, which guards against a
// corrupted secret store handing back a mismatched pair.
func FromSecretKeys(private, signSeed [32]byte) (*KeyPair, error) {
	if isZeroKey(private) || isZeroKey(signSeed) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	publicKey, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("deriving encryption public key: %w", err)
	}

	signKey := ed25519.NewKeyFromSeed(signSeed[:])

	keyPair := &KeyPair{
		Private:     private,
		SignPrivate: signSeed,
	}
	copy(keyPair.Public[:], publicKey)
	copy(keyPair.SignPublic[:], signKey.Public().(ed25519.PublicKey))

	return keyPair, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
