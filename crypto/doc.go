// Package crypto implements the cryptographic primitives for WinkyX.
//
// This package handles key generation, authenticated public-key
// encryption, and detached signatures using the NaCl constructions
// from Go's x/crypto packages. Each identity carries two key pairs: a
// Curve25519 pair for key agreement and an Ed25519 pair for
// signatures. The two are never interchanged.
//
// Messages travel as an Envelope: the box ciphertext, the nonce used
// to seal it, and a detached signature over the ciphertext. Signing
// the ciphertext rather than the plaintext lets any holder of the
// sender's signing key detect tampering without being able to
// decrypt.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	env, err := crypto.Encrypt([]byte("hello"), recipient.Public, keys)
package crypto
