package crypto

import (
	"errors"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/nacl/box"
)

var (
	// ErrSignatureInvalid indicates the detached signature over the
	// ciphertext did not verify under the sender's signing key.
	ErrSignatureInvalid = errors.New("signature verification failed")
	// ErrDecryptionFailed indicates the box authentication tag did not
	// match during decryption.
	ErrDecryptionFailed = errors.New("decryption failed: message authentication failed")
)

// Decrypt verifies and opens an envelope from a sender. The detached
// signature is checked against the ciphertext first; decryption is
// only attempted if verification succeeds.
//
// The two failure modes are distinct errors for local logging, but
// callers must not reveal which one occurred to the remote side.
func Decrypt(env *Envelope, senderPK, senderSignPK [32]byte, recipient *KeyPair) ([]byte, error) {
	if env == nil || len(env.Ciphertext) == 0 {
		return nil, errors.New("empty envelope")
	}
	if recipient == nil {
		return nil, errors.New("nil recipient key pair")
	}

	ok, err := Verify(env.Ciphertext, env.Signature, senderSignPK)
	if err != nil {
		return nil, err
	}
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "Decrypt",
			"reason":   "signature_invalid",
		}).Debug("Rejecting envelope")
		return nil, ErrSignatureInvalid
	}

	plaintext, opened := box.Open(nil, env.Ciphertext, (*[24]byte)(&env.Nonce), (*[32]byte)(&senderPK), (*[32]byte)(&recipient.Private))
	if !opened {
		logrus.WithFields(logrus.Fields{
			"function": "Decrypt",
			"reason":   "decryption_failed",
		}).Debug("Rejecting envelope")
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}
