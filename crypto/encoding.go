package crypto

import (
	"encoding/base64"
	"fmt"
)

// ToBase64 converts raw key or envelope bytes to their textual
// boundary form. All public values are exchanged as Base64 text.
func ToBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// FromBase64 decodes a Base64 string back to raw bytes.
func FromBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding base64: %w", err)
	}
	return data, nil
}

// DecodeKey decodes a Base64 public key and enforces the 32-byte
// length. Peer-supplied key text is untrusted; a wrong-length key is
// rejected here rather than silently truncated.
func DecodeKey(s string) ([32]byte, error) {
	var key [32]byte
	data, err := FromBase64(s)
	if err != nil {
		return key, err
	}
	if len(data) != len(key) {
		return key, fmt.Errorf("invalid key length: %d bytes", len(data))
	}
	copy(key[:], data)
	return key, nil
}

// DecodeSignature decodes a Base64 detached signature and enforces the
// 64-byte length.
func DecodeSignature(s string) (Signature, error) {
	var sig Signature
	data, err := FromBase64(s)
	if err != nil {
		return sig, err
	}
	if len(data) != len(sig) {
		return sig, fmt.Errorf("invalid signature length: %d bytes", len(data))
	}
	copy(sig[:], data)
	return sig, nil
}
