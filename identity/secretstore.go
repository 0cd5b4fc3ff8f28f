package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotFound indicates no secret is stored under the given service
// name.
var ErrNotFound = errors.New("secret not found")

// SecretStore is the collaborator that keeps private key material at
// rest. Implementations are expected to be durable; MemoryStore is the
// exception, used in tests and on hosts without a keychain.
type SecretStore interface {
	Get(service string) ([]byte, error)
	Set(service string, data []byte) error
}

// FileStore keeps one secret per service name as a 0600 file under a
// private directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the store directory if needed and returns a
// file-backed secret store.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating secret store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(service string) string {
	// Service names are fixed, caller-controlled constants, not user
	// input; Base keeps a stray separator from escaping the directory.
	return filepath.Join(s.dir, filepath.Base(service))
}

// Get returns the stored secret for service, or ErrNotFound.
func (s *FileStore) Get(service string) ([]byte, error) {
	data, err := os.ReadFile(s.path(service))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading secret %q: %w", service, err)
	}
	return data, nil
}

// Set writes the secret for service. The write goes through a
// temporary file and rename so a crash never leaves a truncated
// secret behind.
func (s *FileStore) Set(service string, data []byte) error {
	target := s.path(service)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing secret %q: %w", service, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("committing secret %q: %w", service, err)
	}
	return nil
}

// MemoryStore is an in-process SecretStore for tests and ephemeral
// deployments.
type MemoryStore struct {
	mu      sync.Mutex
	secrets map[string][]byte
}

// NewMemoryStore returns an empty in-memory secret store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string][]byte)}
}

// Get returns the stored secret for service, or ErrNotFound.
func (m *MemoryStore) Get(service string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.secrets[service]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Set stores the secret for service.
func (m *MemoryStore) Set(service string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	m.secrets[service] = stored
	return nil
}

// Delete removes the secret for service. Used to simulate storage
// loss in tests.
func (m *MemoryStore) Delete(service string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, service)
}
