package crypto

import (
	"crypto/ed25519"
	"errors"
)

// NonceSize is the size of a NaCl box nonce in bytes.
const NonceSize = 24

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// Nonce is a 24-byte value used once per encryption.
type Nonce [NonceSize]byte

// Signature represents a detached Ed25519 signature.
type Signature [SignatureSize]byte

// Envelope is the wire form of an encrypted message: the box
// ciphertext, the nonce it was sealed with, and a detached signature
// over the ciphertext.
type Envelope struct {
	Ciphertext []byte
	Nonce      Nonce
	Signature  Signature
}

// envelopeHeaderSize is the fixed prefix of a marshaled envelope.
const envelopeHeaderSize = NonceSize + SignatureSize

// Marshal serializes the envelope as nonce || signature || ciphertext.
func (e *Envelope) Marshal() []byte {
	data := make([]byte, envelopeHeaderSize+len(e.Ciphertext))
	copy(data[:NonceSize], e.Nonce[:])
	copy(data[NonceSize:envelopeHeaderSize], e.Signature[:])
	copy(data[envelopeHeaderSize:], e.Ciphertext)
	return data
}

// ParseEnvelope deserializes an envelope produced by Marshal. The
// input is untrusted peer data; a short buffer is rejected, never
// sliced out of range.
func ParseEnvelope(data []byte) (*Envelope, error) {
	if len(data) <= envelopeHeaderSize {
		return nil, errors.New("envelope too short")
	}

	env := &Envelope{
		Ciphertext: make([]byte, len(data)-envelopeHeaderSize),
	}
	copy(env.Nonce[:], data[:NonceSize])
	copy(env.Signature[:], data[NonceSize:envelopeHeaderSize])
	copy(env.Ciphertext, data[envelopeHeaderSize:])

	return env, nil
}
