package winkyx

import "errors"

// ErrKeyChanged indicates a peer re-announced itself with different
// public keys. Keys are pinned on first contact; a changed key is
// treated as a different peer until the user explicitly re-verifies
// (for example by re-scanning a QR code).
var ErrKeyChanged = errors.New("peer public key changed since first contact")

// ErrPeerUnknown indicates no peer record exists for an id.
var ErrPeerUnknown = errors.New("unknown peer")

// PeerStatus is a known peer's liveness.
type PeerStatus uint8

const (
	// PeerOffline means the peer was not seen in the current scan
	// session.
	PeerOffline PeerStatus = iota
	// PeerOnline means the peer is currently reachable.
	PeerOnline
	// PeerReconnecting means the peer dropped out mid-session and a
	// reconnect is being attempted.
	PeerReconnecting
)

// Peer is a known conversation partner. PublicKey and SignPublicKey
// are immutable once learned (trust on first use).
type Peer struct {
	// ID is the peer's stable identifier.
	ID string
	// Name is the display name.
	Name string
	// PublicKey is the Base64 Curve25519 encryption public key.
	PublicKey string
	// SignPublicKey is the Base64 Ed25519 signing public key.
	SignPublicKey string
	// Status is the current liveness.
	Status PeerStatus
	// IsGroup marks a group conversation placeholder.
	IsGroup bool
}
