package relay

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/winkyx/crypto"
)

// challengeSize is the entropy of the per-connection challenge in
// bytes.
const challengeSize = 32

// maxLineSize bounds one wire message; peers are untrusted.
const maxLineSize = 256 * 1024

// writeTimeout bounds a single broadcast write so one stalled client
// cannot wedge the others.
const writeTimeout = 5 * time.Second

// session is one relay connection. peerID is set exactly once, on
// successful authentication; only authenticated sessions enter the
// server registry.
type session struct {
	conn    net.Conn
	peerID  string
	writeMu sync.Mutex
}

// send marshals and writes one message followed by a newline.
func (s *session) send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.sendRaw(data)
}

func (s *session) sendRaw(line []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if _, err := s.conn.Write(line); err != nil {
		return err
	}
	_, err := s.conn.Write([]byte{'\n'})
	return err
}

// Server is the relay. It accepts connections, runs the
// challenge–response handshake, and relays signaling traffic between
// authenticated sessions.
type Server struct {
	listener net.Listener
	log      *logrus.Logger

	mu       sync.RWMutex
	sessions map[*session]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer starts a relay listening on addr. Pass ":0" to bind an
// ephemeral port.
func NewServer(addr string, log *logrus.Logger) (*Server, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("starting relay listener: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		listener: listener,
		log:      log,
		sessions: make(map[*session]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	srv.wg.Add(1)
	go srv.acceptLoop()

	log.WithFields(logrus.Fields{
		"function": "NewServer",
		"addr":     listener.Addr().String(),
	}).Info("Relay listening")

	return srv, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Close shuts the relay down and waits for all connection loops to
// exit.
func (s *Server) Close() error {
	s.cancel()
	err := s.listener.Close()

	s.mu.Lock()
	for sess := range s.sessions {
		sess.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.log.WithFields(logrus.Fields{
					"function": "acceptLoop",
					"error":    err.Error(),
				}).Debug("Accept failed")
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection runs one connection's lifecycle: challenge,
// authentication, then the relay loop. The challenge is bound to this
// connection only and is discarded once the connection authenticates
// or closes; a failed authentication terminates the connection with no
// retry, so a fresh challenge is required for every attempt.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	sess := &session{conn: conn}

	challengeBytes := make([]byte, challengeSize)
	if _, err := rand.Read(challengeBytes); err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "handleConnection",
			"error":    err.Error(),
		}).Error("RNG unavailable, dropping connection")
		return
	}
	challenge := hex.EncodeToString(challengeBytes)

	payload, _ := json.Marshal(challenge)
	if err := sess.send(Message{Type: TypeChallenge, Payload: payload}); err != nil {
		return
	}

	s.log.WithFields(logrus.Fields{
		"function": "handleConnection",
		"remote":   remote,
	}).Debug("Client connected, challenge issued")

	authenticated := false
	defer func() {
		if authenticated {
			s.unregister(sess)
			s.broadcast(peerMessage(TypePeerLeft, sess.peerID), sess)
			s.log.WithFields(logrus.Fields{
				"function": "handleConnection",
				"peer_id":  sess.peerID,
			}).Info("Peer disconnected")
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			// Probers get silence, not protocol details.
			continue
		}

		if !authenticated {
			if msg.Type != TypeAuth {
				// Non-auth traffic from an unauthenticated connection
				// is silently ignored.
				continue
			}
			if !s.authenticate(sess, msg.Payload, challenge) {
				return
			}
			challenge = "" // single use
			authenticated = true
			continue
		}

		// Relay verbatim to every other authenticated session.
		s.broadcastRaw(append([]byte(nil), line...), sess)
	}
}

// authenticate verifies the claimed peer id's signature over the
// challenge. On success the client gets a confirmation, then the
// session joins the registry and the other sessions learn about it.
func (s *Server) authenticate(sess *session, payload json.RawMessage, challenge string) bool {
	var auth AuthPayload
	if err := json.Unmarshal(payload, &auth); err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "authenticate",
			"remote":   sess.conn.RemoteAddr().String(),
		}).Warn("Malformed auth payload, terminating connection")
		return false
	}

	publicKey, err := crypto.DecodeKey(auth.PeerID)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "authenticate",
			"error":    err.Error(),
		}).Warn("Invalid peer id in auth, terminating connection")
		return false
	}

	signature, err := crypto.DecodeSignature(auth.Signature)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "authenticate",
			"error":    err.Error(),
		}).Warn("Invalid signature encoding in auth, terminating connection")
		return false
	}

	ok, err := crypto.Verify([]byte(challenge), signature, publicKey)
	if err != nil || !ok {
		s.log.WithFields(logrus.Fields{
			"function": "authenticate",
			"peer_id":  auth.PeerID,
		}).Warn("Challenge signature verification failed, terminating connection")
		return false
	}

	sess.peerID = auth.PeerID

	// Confirm before joining the registry: if the confirmation write
	// fails the connection is already dead, and a session that the
	// caller will never clean up must not become visible to the other
	// peers.
	if err := sess.send(Message{Type: TypeAuthSuccess}); err != nil {
		return false
	}

	s.register(sess)
	s.broadcast(peerMessage(TypePeerJoined, sess.peerID), sess)

	s.log.WithFields(logrus.Fields{
		"function": "authenticate",
		"peer_id":  sess.peerID,
	}).Info("Peer authenticated")

	return true
}

func (s *Server) register(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess] = struct{}{}
}

func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess)
}

// broadcast sends a control message to all authenticated sessions
// except sender.
func (s *Server) broadcast(msg Message, sender *session) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.broadcastRaw(data, sender)
}

// broadcastRaw relays one wire line to every authenticated session
// except sender. The registry is iterated via a snapshot so a
// concurrent join or leave cannot invalidate the iteration; a
// connection mid-handshake is never in the registry and therefore
// never receives broadcasts.
func (s *Server) broadcastRaw(line []byte, sender *session) {
	s.mu.RLock()
	targets := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		if sess != sender {
			targets = append(targets, sess)
		}
	}
	s.mu.RUnlock()

	for _, sess := range targets {
		if err := sess.sendRaw(line); err != nil {
			s.log.WithFields(logrus.Fields{
				"function": "broadcastRaw",
				"peer_id":  sess.peerID,
				"error":    err.Error(),
			}).Debug("Broadcast write failed")
		}
	}
}

func peerMessage(msgType, peerID string) Message {
	payload, _ := json.Marshal(PeerPayload{PeerID: peerID})
	return Message{Type: msgType, Payload: payload}
}
