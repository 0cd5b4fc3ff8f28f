package winkyx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/winkyx/crypto"
	"github.com/opd-ai/winkyx/discovery"
	"github.com/opd-ai/winkyx/identity"
	"github.com/opd-ai/winkyx/store"
)

// Messenger is the messaging core: it owns the local identity, the
// durable message store and outbound queue, and the discovery session.
// Construct one per process and hand it to every consumer.
type Messenger struct {
	opts      *Options
	log       *logrus.Logger
	identity  *identity.Manager
	store     *store.Store
	discovery *discovery.Discovery
	transport discovery.Transport

	mu         sync.RWMutex
	peers      map[string]*Peer
	discovered map[string]discovery.DiscoveredPeer // encryption pubkey -> sighting

	// drainMu is the exclusive queue-draining lock: overlapping
	// ProcessQueue triggers must never double-send a message.
	drainMu sync.Mutex
}

// New creates a Messenger from options.
func New(opts *Options) (*Messenger, error) {
	if opts == nil {
		return nil, errors.New("nil options")
	}
	opts.applyDefaults()

	secretStore := opts.SecretStore
	if secretStore == nil {
		fs, err := identity.NewFileStore(opts.secretDir())
		if err != nil {
			return nil, err
		}
		secretStore = fs
	}

	var (
		messageStore *store.Store
		err          error
	)
	if opts.InMemory {
		messageStore, err = store.OpenInMemory()
	} else {
		messageStore, err = store.Open(opts.messageDir())
	}
	if err != nil {
		return nil, err
	}

	m := &Messenger{
		opts:       opts,
		log:        opts.Logger,
		identity:   identity.NewManager(secretStore, opts.SecretService),
		store:      messageStore,
		transport:  opts.Transport,
		peers:      make(map[string]*Peer),
		discovered: make(map[string]discovery.DiscoveredPeer),
	}

	if opts.Scanner != nil {
		m.discovery = discovery.New(opts.Scanner)
	}

	return m, nil
}

// Close stops discovery and releases the message store.
func (m *Messenger) Close() error {
	if m.discovery != nil {
		m.discovery.StopScan()
	}
	return m.store.Close()
}

// Identity returns the device identity, creating it on first use.
func (m *Messenger) Identity() (*identity.Identity, error) {
	return m.identity.Get()
}

// Fingerprint returns the short human-readable form of the local
// public keys for QR display or manual comparison.
func (m *Messenger) Fingerprint() (string, error) {
	id, err := m.identity.Get()
	if err != nil {
		return "", err
	}
	return identity.Fingerprint(id), nil
}

// AddPeer records a conversation partner. Public keys are pinned on
// first contact: re-adding the same id with identical keys refreshes
// the mutable fields (name, status), while different keys are rejected
// with ErrKeyChanged.
func (m *Messenger) AddPeer(p Peer) (*Peer, error) {
	if p.ID == "" || p.PublicKey == "" || p.SignPublicKey == "" {
		return nil, errors.New("peer requires id and both public keys")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.peers[p.ID]; ok {
		if existing.PublicKey != p.PublicKey || existing.SignPublicKey != p.SignPublicKey {
			m.log.WithFields(logrus.Fields{
				"function": "AddPeer",
				"peer_id":  p.ID,
			}).Warn("Peer announced different keys than pinned; rejecting until re-verified")
			return nil, ErrKeyChanged
		}
		existing.Name = p.Name
		existing.Status = p.Status
		copied := *existing
		return &copied, nil
	}

	stored := p
	m.peers[p.ID] = &stored

	m.log.WithFields(logrus.Fields{
		"function": "AddPeer",
		"peer_id":  p.ID,
		"name":     p.Name,
	}).Info("Peer pinned on first contact")

	copied := stored
	return &copied, nil
}

// GetPeer returns a known peer by id.
func (m *Messenger) GetPeer(id string) (*Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[id]
	if !ok {
		return nil, ErrPeerUnknown
	}
	copied := *p
	return &copied, nil
}

// Peers returns a snapshot of all known peers.
func (m *Messenger) Peers() []Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, *p)
	}
	return out
}

// StartDiscovery begins a scan session. Sightings update the routing
// table used by ProcessQueue and flip known peers online; onFound, if
// non-nil, is invoked for each new peer in the session.
func (m *Messenger) StartDiscovery(onFound discovery.PeerFoundFunc) error {
	if m.discovery == nil {
		id, err := m.identity.Get()
		if err != nil {
			return err
		}
		scanner := discovery.NewLANScanner(discovery.Announcement{
			ID:            id.SignPublicKey,
			PublicKey:     id.PublicKey,
			SignPublicKey: id.SignPublicKey,
		}, 0)
		m.discovery = discovery.New(scanner)
	}

	return m.discovery.StartScan(func(p discovery.DiscoveredPeer) {
		m.mu.Lock()
		if p.PublicKey != "" {
			m.discovered[p.PublicKey] = p
		}
		for _, known := range m.peers {
			if known.PublicKey == p.PublicKey || known.ID == p.ID {
				known.Status = PeerOnline
			}
		}
		m.mu.Unlock()

		if onFound != nil {
			onFound(p)
		}
	})
}

// StopDiscovery ends the scan session. Known peers seen this session
// drop back to offline.
func (m *Messenger) StopDiscovery() {
	if m.discovery == nil {
		return
	}
	m.discovery.StopScan()

	m.mu.Lock()
	m.discovered = make(map[string]discovery.DiscoveredPeer)
	for _, p := range m.peers {
		if p.Status == PeerOnline {
			p.Status = PeerOffline
		}
	}
	m.mu.Unlock()
}

// SendMessage originates a message to a known peer: the plaintext is
// encrypted and signed with the local identity, persisted with status
// queued, and enqueued for delivery. The returned record is the stored
// row.
func (m *Messenger) SendMessage(peer *Peer, plaintext string) (*store.StoredMessage, error) {
	if peer == nil {
		return nil, errors.New("nil peer")
	}

	id, err := m.identity.Get()
	if err != nil {
		return nil, err
	}

	recipientPK, err := crypto.DecodeKey(peer.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("peer encryption key: %w", err)
	}

	env, err := crypto.Encrypt([]byte(plaintext), recipientPK, id.KeyPair)
	if err != nil {
		return nil, err
	}

	msg := &store.StoredMessage{
		ID:               uuid.NewString(),
		PeerPublicKey:    peer.PublicKey,
		FromPublicKey:    id.PublicKey,
		ToPublicKey:      peer.PublicKey,
		EncryptedContent: crypto.ToBase64(env.Marshal()),
		Timestamp:        time.Now().UnixMilli(),
		Status:           store.StatusQueued,
		IsSentByMe:       true,
	}

	if err := m.store.SaveMessage(msg); err != nil {
		return nil, err
	}
	if err := m.store.Enqueue(msg.ID); err != nil {
		return nil, err
	}

	m.log.WithFields(logrus.Fields{
		"function":   "SendMessage",
		"message_id": msg.ID,
		"peer_id":    peer.ID,
	}).Debug("Message queued for delivery")

	return msg, nil
}

// Receive handles an inbound envelope from a known peer: the signature
// is verified and the payload decrypted with the local identity, then
// the message is persisted in the conversation. Crypto failures block
// the message and propagate.
func (m *Messenger) Receive(from *Peer, envelopeBytes []byte) (string, error) {
	if from == nil {
		return "", errors.New("nil peer")
	}

	env, err := crypto.ParseEnvelope(envelopeBytes)
	if err != nil {
		return "", err
	}

	id, err := m.identity.Get()
	if err != nil {
		return "", err
	}

	senderPK, err := crypto.DecodeKey(from.PublicKey)
	if err != nil {
		return "", fmt.Errorf("peer encryption key: %w", err)
	}
	senderSignPK, err := crypto.DecodeKey(from.SignPublicKey)
	if err != nil {
		return "", fmt.Errorf("peer signing key: %w", err)
	}

	plaintext, err := crypto.Decrypt(env, senderPK, senderSignPK, id.KeyPair)
	if err != nil {
		m.log.WithFields(logrus.Fields{
			"function": "Receive",
			"peer_id":  from.ID,
			"error":    err.Error(),
		}).Warn("Rejecting inbound envelope")
		return "", err
	}

	msg := &store.StoredMessage{
		ID:               uuid.NewString(),
		PeerPublicKey:    from.PublicKey,
		FromPublicKey:    from.PublicKey,
		ToPublicKey:      id.PublicKey,
		EncryptedContent: crypto.ToBase64(envelopeBytes),
		Timestamp:        time.Now().UnixMilli(),
		Status:           store.StatusDelivered,
		IsSentByMe:       false,
	}
	if err := m.store.SaveMessage(msg); err != nil {
		return "", err
	}

	return string(plaintext), nil
}

// MessagesWithPeer returns the conversation with a peer, oldest first.
func (m *Messenger) MessagesWithPeer(peer *Peer) ([]store.StoredMessage, error) {
	if peer == nil {
		return nil, errors.New("nil peer")
	}
	return m.store.GetMessagesForPeer(peer.PublicKey)
}

// Queue returns the current outbound queue, oldest first.
func (m *Messenger) Queue() ([]store.StoredMessage, error) {
	return m.store.GetQueue()
}

// MarkDelivered records a batch of delivery confirmations.
func (m *Messenger) MarkDelivered(ids []string) error {
	return m.store.UpdateStatus(ids, store.StatusDelivered)
}

// MarkRead records a batch of read confirmations.
func (m *Messenger) MarkRead(ids []string) error {
	return m.store.UpdateStatus(ids, store.StatusRead)
}

// Requeue puts a failed message back in the outbound queue for a fresh
// round of attempts.
func (m *Messenger) Requeue(id string) error {
	msg, err := m.store.GetMessage(id)
	if err != nil {
		return err
	}

	msg.Status = store.StatusQueued
	msg.Attempts = 0
	msg.LastAttempt = 0
	if err := m.store.SaveMessage(msg); err != nil {
		return err
	}
	return m.store.Enqueue(id)
}

// ProcessQueue drains the outbound queue once, in FIFO order. The host
// triggers it periodically (background fetch, notification wake); a
// trigger that overlaps a running drain returns immediately without
// touching the queue.
//
// Per message: a peer with no live sighting is skipped silently; a
// transport failure leaves the message queued and widens its backoff
// window (base delay doubling per attempt, capped); a message that
// exhausts MaxSendAttempts transitions to failed and leaves the queue.
// Returns the number of messages sent this run.
func (m *Messenger) ProcessQueue(ctx context.Context) (int, error) {
	if !m.drainMu.TryLock() {
		m.log.WithFields(logrus.Fields{
			"function": "ProcessQueue",
		}).Debug("Drain already in progress, skipping trigger")
		return 0, nil
	}
	defer m.drainMu.Unlock()

	queue, err := m.store.GetQueue()
	if err != nil {
		return 0, err
	}

	sent := 0
	for i := range queue {
		msg := &queue[i]

		if ctx.Err() != nil {
			return sent, ctx.Err()
		}

		now := time.Now()
		if m.inBackoff(msg, now) {
			continue
		}

		target, ok := m.routeFor(msg.ToPublicKey)
		if !ok {
			// No live session for this peer; the message simply stays
			// queued for a later run.
			continue
		}

		payload, err := crypto.FromBase64(msg.EncryptedContent)
		if err != nil {
			// Unreadable row: terminal, never deliverable.
			m.failMessage(msg, "corrupt payload")
			continue
		}

		if err := m.transport.SendToPeer(ctx, target, payload); err != nil {
			m.recordAttemptFailure(msg, err)
			continue
		}

		msg.Status = store.StatusSent
		msg.Attempts++
		msg.LastAttempt = now.UnixMilli()
		if err := m.store.SaveMessage(msg); err != nil {
			return sent, err
		}
		if err := m.store.Dequeue(msg.ID); err != nil {
			return sent, err
		}
		sent++

		m.log.WithFields(logrus.Fields{
			"function":   "ProcessQueue",
			"message_id": msg.ID,
			"attempts":   msg.Attempts,
		}).Debug("Message sent")
	}

	return sent, nil
}

// inBackoff reports whether a message's retry window is still closed:
// base delay after the first failure, doubling per attempt, capped at
// RetryMaxDelay.
func (m *Messenger) inBackoff(msg *store.StoredMessage, now time.Time) bool {
	if msg.Attempts == 0 || msg.LastAttempt == 0 {
		return false
	}

	delay := m.opts.RetryBaseDelay << (msg.Attempts - 1)
	if delay > m.opts.RetryMaxDelay || delay <= 0 {
		delay = m.opts.RetryMaxDelay
	}

	return now.Before(time.UnixMilli(msg.LastAttempt).Add(delay))
}

func (m *Messenger) routeFor(publicKey string) (discovery.DiscoveredPeer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.discovered[publicKey]
	return p, ok
}

// recordAttemptFailure bumps the attempt counter and either leaves the
// message queued for the next run or, once attempts are exhausted,
// marks it failed and removes it from the queue.
func (m *Messenger) recordAttemptFailure(msg *store.StoredMessage, cause error) {
	msg.Attempts++
	msg.LastAttempt = time.Now().UnixMilli()

	m.log.WithFields(logrus.Fields{
		"function":   "recordAttemptFailure",
		"message_id": msg.ID,
		"attempts":   msg.Attempts,
		"error":      cause.Error(),
	}).Debug("Delivery attempt failed, message remains queued")

	if msg.Attempts >= m.opts.MaxSendAttempts {
		m.failMessage(msg, "attempts exhausted")
		return
	}

	if err := m.store.SaveMessage(msg); err != nil {
		m.log.WithFields(logrus.Fields{
			"function":   "recordAttemptFailure",
			"message_id": msg.ID,
			"error":      err.Error(),
		}).Error("Failed to persist attempt bookkeeping")
	}
}

func (m *Messenger) failMessage(msg *store.StoredMessage, reason string) {
	msg.Status = store.StatusFailed
	if err := m.store.SaveMessage(msg); err != nil {
		m.log.WithFields(logrus.Fields{
			"function":   "failMessage",
			"message_id": msg.ID,
			"error":      err.Error(),
		}).Error("Failed to persist failed status")
		return
	}
	if err := m.store.Dequeue(msg.ID); err != nil {
		m.log.WithFields(logrus.Fields{
			"function":   "failMessage",
			"message_id": msg.ID,
			"error":      err.Error(),
		}).Error("Failed to dequeue failed message")
		return
	}

	m.log.WithFields(logrus.Fields{
		"function":   "failMessage",
		"message_id": msg.ID,
		"reason":     reason,
	}).Warn("Message marked failed")
}
