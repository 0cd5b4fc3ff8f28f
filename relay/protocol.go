package relay

import "encoding/json"

// Wire message types.
const (
	// TypeChallenge is sent by the relay on connect; the payload is
	// the random challenge string.
	TypeChallenge = "challenge"
	// TypeAuth is the client's answer to the challenge.
	TypeAuth = "auth"
	// TypeAuthSuccess confirms authentication to the client.
	TypeAuthSuccess = "auth-success"
	// TypePeerJoined announces a newly authenticated peer to the other
	// sessions.
	TypePeerJoined = "peer-joined"
	// TypePeerLeft announces the disconnect of an authenticated peer.
	TypePeerLeft = "peer-left"
)

// Message is one newline-delimited JSON object on the wire. Payloads
// of relayed signaling traffic are opaque to the relay.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuthPayload is the client→relay authentication response.
type AuthPayload struct {
	// PeerID is the Base64 Ed25519 signing public key the client
	// claims.
	PeerID string `json:"peerId"`
	// Signature is the Base64 detached signature of the challenge
	// string's bytes.
	Signature string `json:"signature"`
}

// PeerPayload carries the peer id of join/leave announcements.
type PeerPayload struct {
	PeerID string `json:"peerId"`
}
