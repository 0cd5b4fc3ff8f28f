package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/nacl/box"
)

// MaxMessageSize bounds plaintext size (1MB) to prevent excessive
// memory usage on either end.
const MaxMessageSize = 1024 * 1024

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return Nonce{}, fmt.Errorf("generating nonce: %w", err)
	}
	return nonce, nil
}

// Encrypt seals a plaintext for the recipient using authenticated
// public-key encryption, then signs the resulting ciphertext with the
// sender's signing key. A fresh random nonce is generated per call and
// never reused.
func Encrypt(plaintext []byte, recipientPK [32]byte, sender *KeyPair) (*Envelope, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("empty message")
	}
	if len(plaintext) > MaxMessageSize {
		return nil, errors.New("message too large")
	}
	if sender == nil {
		return nil, errors.New("nil sender key pair")
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}

	ciphertext := box.Seal(nil, plaintext, (*[24]byte)(&nonce), (*[32]byte)(&recipientPK), (*[32]byte)(&sender.Private))

	signature, err := Sign(ciphertext, sender.SignPrivate)
	if err != nil {
		return nil, fmt.Errorf("signing ciphertext: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":        "Encrypt",
		"plaintext_size":  len(plaintext),
		"ciphertext_size": len(ciphertext),
	}).Debug("Message encrypted and signed")

	return &Envelope{
		Ciphertext: ciphertext,
		Nonce:      nonce,
		Signature:  signature,
	}, nil
}
