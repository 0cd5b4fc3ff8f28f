package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/winkyx/crypto"
)

var (
	// ErrAuthRejected indicates the relay refused the challenge
	// signature and closed the connection.
	ErrAuthRejected = errors.New("relay rejected authentication")
	// ErrClientClosed indicates an operation on a closed client.
	ErrClientClosed = errors.New("relay client closed")
)

// SignFunc produces a detached signature over the relay's challenge
// bytes with the device's private signing key.
type SignFunc func(challenge []byte) (crypto.Signature, error)

// Client is the device side of the relay protocol. After Dial returns,
// the connection is authenticated and signaling payloads flow through
// the registered callbacks.
type Client struct {
	conn   net.Conn
	peerID string
	reader *bufio.Reader

	writeMu sync.Mutex

	mu           sync.Mutex
	onPeerJoined func(peerID string)
	onPeerLeft   func(peerID string)
	onSignal     func(raw json.RawMessage)
	closed       bool

	wg sync.WaitGroup
}

// Dial connects to the relay at addr, answers its challenge as peerID
// (the Base64 signing public key), and waits for confirmation. The
// sign callback is invoked once with the challenge bytes.
func Dial(ctx context.Context, addr, peerID string, sign SignFunc) (*Client, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing relay: %w", err)
	}

	c := &Client{conn: conn, peerID: peerID}
	if err := c.handshake(ctx, sign); err != nil {
		conn.Close()
		return nil, err
	}

	c.wg.Add(1)
	go c.readLoop()

	logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"addr":     addr,
		"peer_id":  peerID,
	}).Info("Relay session established")

	return c, nil
}

func (c *Client) handshake(ctx context.Context, sign SignFunc) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetDeadline(deadline); err != nil {
			return err
		}
		defer c.conn.SetDeadline(time.Time{})
	}

	reader := bufio.NewReaderSize(c.conn, maxLineSize)

	msg, err := readMessage(reader)
	if err != nil {
		return fmt.Errorf("reading challenge: %w", err)
	}
	if msg.Type != TypeChallenge {
		return fmt.Errorf("unexpected message %q before challenge", msg.Type)
	}

	var challenge string
	if err := json.Unmarshal(msg.Payload, &challenge); err != nil {
		return fmt.Errorf("parsing challenge: %w", err)
	}

	signature, err := sign([]byte(challenge))
	if err != nil {
		return fmt.Errorf("signing challenge: %w", err)
	}

	authPayload, err := json.Marshal(AuthPayload{
		PeerID:    c.peerID,
		Signature: crypto.ToBase64(signature[:]),
	})
	if err != nil {
		return err
	}
	if err := c.write(Message{Type: TypeAuth, Payload: authPayload}); err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}

	msg, err = readMessage(reader)
	if err != nil {
		// The relay terminates the connection on a bad signature
		// rather than answering.
		return ErrAuthRejected
	}
	if msg.Type != TypeAuthSuccess {
		return fmt.Errorf("unexpected message %q after auth", msg.Type)
	}

	c.reader = reader
	return nil
}

// OnPeerJoined registers the callback for peer-joined announcements.
func (c *Client) OnPeerJoined(fn func(peerID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPeerJoined = fn
}

// OnPeerLeft registers the callback for peer-left announcements.
func (c *Client) OnPeerLeft(fn func(peerID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPeerLeft = fn
}

// OnSignal registers the callback for relayed signaling payloads from
// other authenticated peers.
func (c *Client) OnSignal(fn func(raw json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSignal = fn
}

// Send relays an arbitrary signaling payload to the other
// authenticated peers. The relay never inspects it.
func (c *Client) Send(payload any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClientClosed
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding signal: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(data); err != nil {
		return err
	}
	_, err = c.conn.Write([]byte{'\n'})
	return err
}

func (c *Client) write(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(data); err != nil {
		return err
	}
	_, err = c.conn.Write([]byte{'\n'})
	return err
}

// Close terminates the relay session and waits for the read loop to
// exit.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.conn.Close()
	c.wg.Wait()
	return err
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			return
		}

		// Peek at the type; relayed signaling payloads are delivered
		// as the raw line so no foreign fields are lost.
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case TypePeerJoined, TypePeerLeft:
			var peer PeerPayload
			if err := json.Unmarshal(msg.Payload, &peer); err != nil {
				continue
			}
			c.mu.Lock()
			fn := c.onPeerJoined
			if msg.Type == TypePeerLeft {
				fn = c.onPeerLeft
			}
			c.mu.Unlock()
			if fn != nil {
				fn(peer.PeerID)
			}
		default:
			c.mu.Lock()
			fn := c.onSignal
			c.mu.Unlock()
			if fn != nil {
				fn(json.RawMessage(append([]byte(nil), line...)))
			}
		}
	}
}

func readMessage(reader *bufio.Reader) (Message, error) {
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}
