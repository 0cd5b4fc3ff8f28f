package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/winkyx/crypto"
)

// DefaultService is the fixed service name identities are stored
// under.
const DefaultService = "winkyx_identity"

// Identity is the device's durable identity: its key pair and the
// Base64 textual forms of both public keys.
type Identity struct {
	KeyPair       *crypto.KeyPair
	PublicKey     string
	SignPublicKey string
}

// storedKeys is the persisted form. Public keys are deliberately
// absent; they are re-derived on every load.
type storedKeys struct {
	PrivateKey     string `json:"private_key"`
	SignPrivateKey string `json:"sign_private_key"`
}

// Manager is the single source of truth for the local identity. It is
// constructed once at process start and handed to every consumer; the
// first Get is single-flight, so concurrent callers before the first
// load completes all observe the same identity.
type Manager struct {
	store   SecretStore
	service string

	mu     sync.Mutex
	cached *Identity
}

// NewManager creates a manager backed by the given secret store. An
// empty service name selects DefaultService.
func NewManager(store SecretStore, service string) *Manager {
	if service == "" {
		service = DefaultService
	}
	return &Manager{store: store, service: service}
}

// Get returns the cached identity, loading or creating it on first
// call. A secret-store read failure or corrupt record falls back to
// generating a fresh identity rather than blocking the user; the
// fallback is logged as a warning because it silently invalidates the
// previous public identity.
func (m *Manager) Get() (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil {
		return m.cached, nil
	}

	id, err := m.loadOrCreate()
	if err != nil {
		return nil, err
	}

	m.cached = id
	return id, nil
}

func (m *Manager) loadOrCreate() (*Identity, error) {
	data, err := m.store.Get(m.service)
	switch {
	case err == nil:
		id, loadErr := loadFromStored(data)
		if loadErr == nil {
			logrus.WithFields(logrus.Fields{
				"function": "loadOrCreate",
				"service":  m.service,
			}).Debug("Identity loaded from secret store")
			return id, nil
		}
		logrus.WithFields(logrus.Fields{
			"function": "loadOrCreate",
			"service":  m.service,
			"error":    loadErr.Error(),
		}).Warn("Stored identity unreadable, generating a new one; the previous public identity is invalidated")
	case errors.Is(err, ErrNotFound):
		logrus.WithFields(logrus.Fields{
			"function": "loadOrCreate",
			"service":  m.service,
		}).Info("No stored identity, generating one")
	default:
		logrus.WithFields(logrus.Fields{
			"function": "loadOrCreate",
			"service":  m.service,
			"error":    err.Error(),
		}).Warn("Secret store unavailable, generating a new identity; the previous public identity is invalidated")
	}

	return m.createAndStore()
}

// createAndStore generates a fresh identity and persists its private
// halves. A persist failure is logged but does not discard the
// identity: availability wins over continuity here.
func (m *Manager) createAndStore() (*Identity, error) {
	keyPair, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generating identity: %w", err)
	}

	id := newIdentity(keyPair)

	record := storedKeys{
		PrivateKey:     crypto.ToBase64(keyPair.Private[:]),
		SignPrivateKey: crypto.ToBase64(keyPair.SignPrivate[:]),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encoding identity: %w", err)
	}

	if err := m.store.Set(m.service, data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "createAndStore",
			"service":  m.service,
			"error":    err.Error(),
		}).Error("Failed to persist identity; it will not survive a restart")
	} else {
		logrus.WithFields(logrus.Fields{
			"function":    "createAndStore",
			"service":     m.service,
			"fingerprint": Fingerprint(id),
		}).Info("New identity created and stored")
	}

	return id, nil
}

// loadFromStored reconstructs an identity from its persisted private
// keys, re-deriving both public keys.
func loadFromStored(data []byte) (*Identity, error) {
	var record storedKeys
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("parsing stored identity: %w", err)
	}

	private, err := crypto.DecodeKey(record.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	signSeed, err := crypto.DecodeKey(record.SignPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decoding signing key: %w", err)
	}

	keyPair, err := crypto.FromSecretKeys(private, signSeed)
	if err != nil {
		return nil, err
	}

	return newIdentity(keyPair), nil
}

func newIdentity(keyPair *crypto.KeyPair) *Identity {
	return &Identity{
		KeyPair:       keyPair,
		PublicKey:     crypto.ToBase64(keyPair.Public[:]),
		SignPublicKey: crypto.ToBase64(keyPair.SignPublic[:]),
	}
}

// Fingerprint derives a short human-readable string from the first
// characters of both public keys, grouped 4-4-4 for display next to a
// QR code or for manual comparison. Pure function.
func Fingerprint(id *Identity) string {
	combined := id.PublicKey[:8] + id.SignPublicKey[:8]
	return fmt.Sprintf("%s-%s-%s", combined[0:4], combined[4:8], combined[8:12])
}
