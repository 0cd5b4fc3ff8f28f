package discovery

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrNoAddress indicates the peer record carries no reachable
// transport address.
var ErrNoAddress = errors.New("peer has no transport address")

// Transport pushes an encrypted payload directly to a peer. A non-nil
// error means the attempt failed transiently (out of range, transport
// busy); the caller leaves the message queued and retries later.
// Errors here are never message loss.
type Transport interface {
	SendToPeer(ctx context.Context, peer DiscoveredPeer, payload []byte) error
}

// TCPTransport delivers payloads over short-lived TCP connections to
// the peer's advertised address, framed with a 4-byte big-endian
// length prefix.
type TCPTransport struct {
	// DialTimeout bounds connection establishment. Zero means 5s.
	DialTimeout time.Duration
}

// NewTCPTransport returns a transport with the default dial timeout.
func NewTCPTransport() *TCPTransport {
	return &TCPTransport{DialTimeout: 5 * time.Second}
}

// SendToPeer dials the peer and writes one framed payload.
func (t *TCPTransport) SendToPeer(ctx context.Context, peer DiscoveredPeer, payload []byte) error {
	if peer.Addr == "" {
		return ErrNoAddress
	}

	timeout := t.DialTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", peer.Addr)
	if err != nil {
		return fmt.Errorf("dialing peer %s: %w", peer.ID, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	} else if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("sending to peer %s: %w", peer.ID, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":     "SendToPeer",
		"peer_id":      peer.ID,
		"payload_size": len(payload),
	}).Debug("Payload delivered")

	return nil
}
