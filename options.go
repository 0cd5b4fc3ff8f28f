package winkyx

import (
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/winkyx/discovery"
	"github.com/opd-ai/winkyx/identity"
)

// Options configures a Messenger.
type Options struct {
	// DataDir is the root directory for durable state. The message
	// database lives in DataDir/messages, the default secret store in
	// DataDir/secrets.
	DataDir string

	// InMemory replaces the durable message store with a non-durable
	// one. Used by tests.
	InMemory bool

	// SecretStore overrides the default file-backed secret store.
	SecretStore identity.SecretStore

	// SecretService overrides the fixed service name identities are
	// stored under. Empty selects identity.DefaultService.
	SecretService string

	// Scanner produces peer sightings. Nil defaults to a LAN
	// broadcast scanner once discovery starts.
	Scanner discovery.Scanner

	// Transport delivers encrypted payloads to discovered peers. Nil
	// defaults to the TCP transport.
	Transport discovery.Transport

	// Logger overrides the process-wide logrus logger.
	Logger *logrus.Logger

	// MaxSendAttempts is how many transport failures a queued message
	// survives before it is marked failed. Zero selects 5.
	MaxSendAttempts int

	// RetryBaseDelay is the backoff after the first failed attempt;
	// it doubles per attempt. Zero selects 30s.
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps the backoff. Zero selects 10m.
	RetryMaxDelay time.Duration
}

// DefaultOptions returns options for a durable messenger rooted at
// dataDir.
func DefaultOptions(dataDir string) *Options {
	return &Options{
		DataDir:         dataDir,
		MaxSendAttempts: 5,
		RetryBaseDelay:  30 * time.Second,
		RetryMaxDelay:   10 * time.Minute,
	}
}

func (o *Options) messageDir() string {
	return filepath.Join(o.DataDir, "messages")
}

func (o *Options) secretDir() string {
	return filepath.Join(o.DataDir, "secrets")
}

func (o *Options) applyDefaults() {
	if o.MaxSendAttempts == 0 {
		o.MaxSendAttempts = 5
	}
	if o.RetryBaseDelay == 0 {
		o.RetryBaseDelay = 30 * time.Second
	}
	if o.RetryMaxDelay == 0 {
		o.RetryMaxDelay = 10 * time.Minute
	}
	if o.Transport == nil {
		o.Transport = discovery.NewTCPTransport()
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}
