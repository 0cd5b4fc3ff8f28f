// Package identity manages the device's durable cryptographic
// identity.
//
// The identity is a crypto.KeyPair plus the Base64 forms of both
// public keys. It is created lazily on first use, cached in process
// memory for the process lifetime, and persisted to a SecretStore
// under a fixed service name. Only private key material is stored;
// public keys are always re-derived on load so a corrupted store can
// never hand back a mismatched pair.
package identity
