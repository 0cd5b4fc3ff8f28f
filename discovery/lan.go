package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultAnnouncePort is the UDP port announcements are broadcast on.
const DefaultAnnouncePort = 41234

// defaultAnnounceInterval is how often the local identity is
// re-announced while a scan is running.
const defaultAnnounceInterval = 2 * time.Second

// Announcement is the JSON datagram a device broadcasts on the local
// network while discoverable.
type Announcement struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	PublicKey     string `json:"public_key"`
	SignPublicKey string `json:"sign_public_key"`
	Port          int    `json:"port"`
}

// LANScanner discovers peers on the local network via UDP broadcast:
// it periodically announces the local identity and reports every
// foreign announcement it hears as a sighting.
type LANScanner struct {
	self     Announcement
	port     int
	interval time.Duration

	mu       sync.Mutex
	running  bool
	listener *net.UDPConn
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewLANScanner creates a scanner that announces self and listens on
// the given UDP port (DefaultAnnouncePort when 0).
func NewLANScanner(self Announcement, port int) *LANScanner {
	if port == 0 {
		port = DefaultAnnouncePort
	}
	return &LANScanner{
		self:     self,
		port:     port,
		interval: defaultAnnounceInterval,
	}
}

// Start begins announcing and listening. Sightings are delivered
// synchronously on the listener goroutine.
func (s *LANScanner) Start(onFound PeerFoundFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrScanActive
	}

	listener, err := net.ListenUDP("udp4", &net.UDPAddr{Port: s.port})
	if err != nil {
		return fmt.Errorf("listening for announcements: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.listener = listener
	s.cancel = cancel
	s.running = true

	s.wg.Add(2)
	go s.listenLoop(listener, onFound)
	go s.announceLoop(ctx)

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"port":     s.port,
		"peer_id":  s.self.ID,
	}).Info("LAN discovery started")

	return nil
}

// Stop halts announcing and listening. It blocks until both loops have
// exited, so no sighting is delivered after Stop returns. Safe to call
// multiple times.
func (s *LANScanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.listener.Close()
	s.mu.Unlock()

	s.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Debug("LAN discovery stopped")
}

func (s *LANScanner) listenLoop(listener *net.UDPConn, onFound PeerFoundFunc) {
	defer s.wg.Done()

	buf := make([]byte, 2048)
	for {
		n, src, err := listener.ReadFromUDP(buf)
		if err != nil {
			// Closed by Stop, or a fatal socket error either way the
			// scan session is over.
			return
		}

		var ann Announcement
		if err := json.Unmarshal(buf[:n], &ann); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "listenLoop",
				"source":   src.String(),
			}).Debug("Ignoring malformed announcement")
			continue
		}

		if ann.ID == "" || ann.ID == s.self.ID {
			continue
		}

		onFound(DiscoveredPeer{
			ID:             ann.ID,
			Name:           ann.Name,
			PublicKey:      ann.PublicKey,
			SignPublicKey:  ann.SignPublicKey,
			Addr:           net.JoinHostPort(src.IP.String(), strconv.Itoa(ann.Port)),
			SignalStrength: SignalUnknown,
		})
	}
}

func (s *LANScanner) announceLoop(ctx context.Context) {
	defer s.wg.Done()

	payload, err := json.Marshal(s.self)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "announceLoop",
			"error":    err.Error(),
		}).Error("Failed to encode announcement")
		return
	}

	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{
		IP:   net.IPv4bcast,
		Port: s.port,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "announceLoop",
			"error":    err.Error(),
		}).Warn("Broadcast socket unavailable, running in listen-only mode")
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := conn.Write(payload); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "announceLoop",
				"error":    err.Error(),
			}).Debug("Announcement send failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
