package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/winkyx/crypto"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	srv, err := NewServer("127.0.0.1:0", log)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

func newTestIdentity(t *testing.T) (*crypto.KeyPair, string) {
	t.Helper()
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return keys, crypto.ToBase64(keys.SignPublic[:])
}

func signerFor(keys *crypto.KeyPair) SignFunc {
	return func(challenge []byte) (crypto.Signature, error) {
		return crypto.Sign(challenge, keys.SignPrivate)
	}
}

func dialClient(t *testing.T, srv *Server) (*Client, string) {
	t.Helper()
	keys, peerID := newTestIdentity(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, srv.Addr().String(), peerID, signerFor(keys))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, peerID
}

// dialRaw opens a bare protocol connection and returns it with the
// received challenge.
func dialRaw(t *testing.T, srv *Server) (net.Conn, *bufio.Reader, string) {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	reader := bufio.NewReader(conn)
	msg := readWireMessage(t, conn, reader)
	require.Equal(t, TypeChallenge, msg.Type)

	var challenge string
	require.NoError(t, json.Unmarshal(msg.Payload, &challenge))
	require.NotEmpty(t, challenge)
	return conn, reader, challenge
}

func readWireMessage(t *testing.T, conn net.Conn, reader *bufio.Reader) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(line, &msg))
	return msg
}

func writeWireMessage(t *testing.T, conn net.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	_, err = conn.Write(append(data, '\n'))
	require.NoError(t, err)
}

func TestChallengeUniquePerConnection(t *testing.T) {
	srv := newTestServer(t)

	_, _, first := dialRaw(t, srv)
	_, _, second := dialRaw(t, srv)

	require.NotEqual(t, first, second, "two connections must never share a challenge")
}

func TestAuthenticationSuccess(t *testing.T) {
	srv := newTestServer(t)
	keys, peerID := newTestIdentity(t)

	conn, reader, challenge := dialRaw(t, srv)

	sig, err := crypto.Sign([]byte(challenge), keys.SignPrivate)
	require.NoError(t, err)
	payload, _ := json.Marshal(AuthPayload{PeerID: peerID, Signature: crypto.ToBase64(sig[:])})
	writeWireMessage(t, conn, Message{Type: TypeAuth, Payload: payload})

	msg := readWireMessage(t, conn, reader)
	require.Equal(t, TypeAuthSuccess, msg.Type)
}

func TestInvalidSignatureTerminatesConnection(t *testing.T) {
	srv := newTestServer(t)
	_, peerID := newTestIdentity(t)
	wrongKeys, _ := newTestIdentity(t)

	conn, reader, challenge := dialRaw(t, srv)

	// Signature by a different identity than the claimed peer id.
	sig, err := crypto.Sign([]byte(challenge), wrongKeys.SignPrivate)
	require.NoError(t, err)
	payload, _ := json.Marshal(AuthPayload{PeerID: peerID, Signature: crypto.ToBase64(sig[:])})
	writeWireMessage(t, conn, Message{Type: TypeAuth, Payload: payload})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = reader.ReadBytes('\n')
	require.Error(t, err, "relay must close the connection, not answer")
}

func TestReplayedChallengeSignatureRejected(t *testing.T) {
	srv := newTestServer(t)
	keys, peerID := newTestIdentity(t)

	// Observe a challenge on one connection and sign it.
	_, _, oldChallenge := dialRaw(t, srv)
	oldSig, err := crypto.Sign([]byte(oldChallenge), keys.SignPrivate)
	require.NoError(t, err)

	// Replaying that signature against a new connection's different
	// challenge must fail.
	conn, reader, _ := dialRaw(t, srv)
	payload, _ := json.Marshal(AuthPayload{PeerID: peerID, Signature: crypto.ToBase64(oldSig[:])})
	writeWireMessage(t, conn, Message{Type: TypeAuth, Payload: payload})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = reader.ReadBytes('\n')
	require.Error(t, err)
}

func TestBroadcastExcludesSender(t *testing.T) {
	srv := newTestServer(t)

	clientA, _ := dialClient(t, srv)
	clientB, _ := dialClient(t, srv)
	clientC, _ := dialClient(t, srv)

	gotA := make(chan json.RawMessage, 1)
	gotB := make(chan json.RawMessage, 1)
	gotC := make(chan json.RawMessage, 1)
	clientA.OnSignal(func(raw json.RawMessage) { gotA <- raw })
	clientB.OnSignal(func(raw json.RawMessage) { gotB <- raw })
	clientC.OnSignal(func(raw json.RawMessage) { gotC <- raw })

	require.NoError(t, clientA.Send(Message{Type: "offer", Payload: json.RawMessage(`"sdp-blob"`)}))

	for _, ch := range []chan json.RawMessage{gotB, gotC} {
		select {
		case raw := <-ch:
			var msg Message
			require.NoError(t, json.Unmarshal(raw, &msg))
			require.Equal(t, "offer", msg.Type)
		case <-time.After(5 * time.Second):
			t.Fatal("broadcast not delivered")
		}
	}

	select {
	case <-gotA:
		t.Fatal("sender received its own broadcast")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestUnauthenticatedConnectionsIsolated(t *testing.T) {
	srv := newTestServer(t)

	// An unauthenticated prober sends non-auth traffic: silently
	// ignored, connection stays open.
	probe, probeReader, _ := dialRaw(t, srv)
	writeWireMessage(t, probe, Message{Type: "offer", Payload: json.RawMessage(`"x"`)})
	writeWireMessage(t, probe, map[string]any{"garbage": true})

	// An authenticated pair exchanging traffic must not leak to the
	// prober, and the prober's traffic must not reach them.
	clientA, _ := dialClient(t, srv)
	clientB, _ := dialClient(t, srv)

	gotB := make(chan json.RawMessage, 4)
	clientB.OnSignal(func(raw json.RawMessage) { gotB <- raw })

	require.NoError(t, clientA.Send(Message{Type: "signal", Payload: json.RawMessage(`"hi"`)}))

	select {
	case <-gotB:
	case <-time.After(5 * time.Second):
		t.Fatal("authenticated broadcast not delivered")
	}

	// The prober has received nothing: no peer-joined for A or B, no
	// relayed signal.
	require.NoError(t, probe.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, err := probeReader.ReadBytes('\n')
	require.Error(t, err, "unauthenticated connection must receive no broadcasts")
}

func TestFailedConfirmationWriteLeavesNoSession(t *testing.T) {
	srv := newTestServer(t)
	keys, peerID := newTestIdentity(t)

	challenge := "deadbeef"
	sig, err := crypto.Sign([]byte(challenge), keys.SignPrivate)
	require.NoError(t, err)
	payload, err := json.Marshal(AuthPayload{PeerID: peerID, Signature: crypto.ToBase64(sig[:])})
	require.NoError(t, err)

	// The client vanished between sending its auth message and the
	// confirmation write. A valid signature must still not leave a
	// registered session behind, or every future broadcast would stall
	// against a dead connection and the other peers would see a
	// phantom member.
	clientEnd, serverEnd := net.Pipe()
	require.NoError(t, clientEnd.Close())
	require.NoError(t, serverEnd.Close())

	sess := &session{conn: serverEnd}
	require.False(t, srv.authenticate(sess, payload, challenge))

	srv.mu.RLock()
	_, registered := srv.sessions[sess]
	srv.mu.RUnlock()
	require.False(t, registered, "session must not remain registered after a failed handshake")
}

func TestPeerJoinedAndLeftAnnouncements(t *testing.T) {
	srv := newTestServer(t)

	clientA, _ := dialClient(t, srv)

	joined := make(chan string, 1)
	left := make(chan string, 1)
	clientA.OnPeerJoined(func(peerID string) { joined <- peerID })
	clientA.OnPeerLeft(func(peerID string) { left <- peerID })

	clientB, peerB := dialClient(t, srv)

	select {
	case peerID := <-joined:
		require.Equal(t, peerB, peerID)
	case <-time.After(5 * time.Second):
		t.Fatal("peer-joined not announced")
	}

	require.NoError(t, clientB.Close())

	select {
	case peerID := <-left:
		require.Equal(t, peerB, peerID)
	case <-time.After(5 * time.Second):
		t.Fatal("peer-left not announced")
	}
}

func TestClientSendAfterClose(t *testing.T) {
	srv := newTestServer(t)
	client, _ := dialClient(t, srv)

	require.NoError(t, client.Close())
	require.ErrorIs(t, client.Send(Message{Type: "x"}), ErrClientClosed)
}
