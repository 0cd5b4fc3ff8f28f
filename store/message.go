package store

// Status is the delivery status of a stored message.
type Status string

const (
	// StatusQueued means the message awaits a delivery attempt.
	StatusQueued Status = "queued"
	// StatusSent means a transport send attempt succeeded.
	StatusSent Status = "sent"
	// StatusDelivered means the peer confirmed receipt.
	StatusDelivered Status = "delivered"
	// StatusRead means the peer confirmed reading.
	StatusRead Status = "read"
	// StatusFailed means delivery was abandoned after repeated
	// transport errors.
	StatusFailed Status = "failed"
)

// ValidTransition reports whether a message may move from one status
// to another. Transitions only move forward through
// queued → sent → delivered → read; failed is reachable from queued or
// sent, and failed → queued is the explicit requeue for a fresh
// attempt.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusSent || to == StatusFailed
	case StatusSent:
		return to == StatusDelivered || to == StatusRead || to == StatusFailed
	case StatusDelivered:
		return to == StatusRead
	case StatusFailed:
		return to == StatusQueued
	default:
		return false
	}
}

// StoredMessage is one message at rest. The payload is opaque: the
// serialized envelope (ciphertext, nonce, signature) in Base64. The id
// is caller-generated, globally unique, and immutable; the timestamp
// is fixed at creation and keys the conversation ordering.
//
// Attempts and LastAttempt are delivery bookkeeping for the retry
// driver's backoff window.
type StoredMessage struct {
	ID               string `json:"id"`
	PeerPublicKey    string `json:"peer_public_key"`
	FromPublicKey    string `json:"from_public_key"`
	ToPublicKey      string `json:"to_public_key"`
	EncryptedContent string `json:"encrypted_content"`
	Timestamp        int64  `json:"timestamp"`
	Status           Status `json:"status"`
	IsSentByMe       bool   `json:"is_sent_by_current_user"`
	Attempts         int    `json:"attempts,omitempty"`
	LastAttempt      int64  `json:"last_attempt,omitempty"`
}
