package discovery

import (
	"errors"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrScanActive indicates StartScan was called while a scan session is
// already running.
var ErrScanActive = errors.New("scan already active")

// PeerFoundFunc is invoked once per newly discovered peer within a
// scan session.
type PeerFoundFunc func(peer DiscoveredPeer)

// Scanner is the radio-facing collaborator that produces raw peer
// sightings. Start begins producing sightings through the callback;
// Stop terminates production and must not return while a callback
// invocation is still in flight.
type Scanner interface {
	Start(onFound PeerFoundFunc) error
	Stop()
}

// Discovery manages scan sessions over a Scanner, deduplicating peers
// by id within each session.
//
// Dedup policy: the first sighting wins for identity fields (name and
// public keys); signal strength refreshes in the session table on
// repeat sightings. The callback fires exactly once per peer per
// session.
type Discovery struct {
	scanner Scanner

	mu       sync.Mutex
	running  bool
	seen     map[string]DiscoveredPeer
	callback PeerFoundFunc
}

// New creates a Discovery over the given scanner.
func New(scanner Scanner) *Discovery {
	return &Discovery{scanner: scanner}
}

// StartScan begins a new scan session. The previous session's peer
// table is cleared first.
func (d *Discovery) StartScan(onFound PeerFoundFunc) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrScanActive
	}
	d.running = true
	d.seen = make(map[string]DiscoveredPeer)
	d.callback = onFound
	d.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "StartScan",
	}).Debug("Scan session started")

	if err := d.scanner.Start(d.handleSighting); err != nil {
		d.mu.Lock()
		d.running = false
		d.callback = nil
		d.mu.Unlock()
		return err
	}
	return nil
}

// StopScan terminates the scan session. It is safe to call multiple
// times and when no scan is active. After it returns, no further
// callback invocations occur: the scanner's Stop joins its delivery
// goroutines before returning.
func (d *Discovery) StopScan() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.callback = nil
	d.mu.Unlock()

	d.scanner.Stop()

	logrus.WithFields(logrus.Fields{
		"function": "StopScan",
	}).Debug("Scan session stopped")
}

// Peers returns a snapshot of the current session's table, sorted by
// peer id.
func (d *Discovery) Peers() []DiscoveredPeer {
	d.mu.Lock()
	defer d.mu.Unlock()

	peers := make([]DiscoveredPeer, 0, len(d.seen))
	for _, p := range d.seen {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

// handleSighting applies the session dedup policy to one raw sighting.
func (d *Discovery) handleSighting(peer DiscoveredPeer) {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}

	if existing, ok := d.seen[peer.ID]; ok {
		// First-seen wins for identity; liveness fields refresh.
		existing.SignalStrength = peer.SignalStrength
		existing.Addr = peer.Addr
		d.seen[peer.ID] = existing
		d.mu.Unlock()
		return
	}

	d.seen[peer.ID] = peer
	callback := d.callback
	d.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "handleSighting",
		"peer_id":  peer.ID,
		"name":     peer.Name,
		"signal":   peer.SignalStrength,
	}).Debug("Peer discovered")

	if callback != nil {
		callback(peer)
	}
}
