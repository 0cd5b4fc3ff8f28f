package discovery

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// freeUDPPort reserves an ephemeral port and releases it for the
// scanner to claim.
func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}

func sendAnnouncement(t *testing.T, port int, ann Announcement) {
	t.Helper()
	payload, err := json.Marshal(ann)
	require.NoError(t, err)
	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(payload)
	require.NoError(t, err)
}

func TestLANScannerReportsForeignAnnouncements(t *testing.T) {
	port := freeUDPPort(t)
	scanner := NewLANScanner(Announcement{ID: "self-id", Name: "Me"}, port)

	found := make(chan DiscoveredPeer, 4)
	require.NoError(t, scanner.Start(func(p DiscoveredPeer) { found <- p }))
	defer scanner.Stop()

	sendAnnouncement(t, port, Announcement{
		ID:            "peer-id",
		Name:          "Alice",
		PublicKey:     "enc-key",
		SignPublicKey: "sign-key",
		Port:          9999,
	})

	select {
	case p := <-found:
		require.Equal(t, "peer-id", p.ID)
		require.Equal(t, "Alice", p.Name)
		require.Equal(t, "enc-key", p.PublicKey)
		require.Equal(t, SignalUnknown, p.SignalStrength)
		host, portStr, err := net.SplitHostPort(p.Addr)
		require.NoError(t, err)
		require.Equal(t, "127.0.0.1", host)
		require.Equal(t, "9999", portStr)
	case <-time.After(2 * time.Second):
		t.Fatal("no sighting delivered")
	}
}

func TestLANScannerIgnoresSelfAndGarbage(t *testing.T) {
	port := freeUDPPort(t)
	scanner := NewLANScanner(Announcement{ID: "self-id"}, port)

	found := make(chan DiscoveredPeer, 4)
	require.NoError(t, scanner.Start(func(p DiscoveredPeer) { found <- p }))
	defer scanner.Stop()

	// Own echo and malformed datagrams must both be dropped.
	sendAnnouncement(t, port, Announcement{ID: "self-id", Name: "Me"})
	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
	_, err = conn.Write([]byte("{not json"))
	require.NoError(t, err)
	conn.Close()

	sendAnnouncement(t, port, Announcement{ID: "real-peer"})

	select {
	case p := <-found:
		require.Equal(t, "real-peer", p.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no sighting delivered")
	}
	require.Empty(t, found)
}

func TestLANScannerStopQuiesces(t *testing.T) {
	port := freeUDPPort(t)
	scanner := NewLANScanner(Announcement{ID: "self-id"}, port)

	require.NoError(t, scanner.Start(func(DiscoveredPeer) {}))
	scanner.Stop()
	scanner.Stop() // idempotent

	// Restartable after stop.
	require.NoError(t, scanner.Start(func(DiscoveredPeer) {}))
	scanner.Stop()
}

func TestTCPTransportSendToPeer(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		header := make([]byte, 4)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		length := binary.BigEndian.Uint32(header)
		payload := make([]byte, length)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}
		received <- payload
	}()

	tr := NewTCPTransport()
	peer := DiscoveredPeer{ID: "p1", Addr: listener.Addr().String()}
	require.NoError(t, tr.SendToPeer(context.Background(), peer, []byte("ciphertext")))

	select {
	case payload := <-received:
		require.Equal(t, []byte("ciphertext"), payload)
	case <-time.After(2 * time.Second):
		t.Fatal("payload not received")
	}
}

func TestTCPTransportFailures(t *testing.T) {
	tr := &TCPTransport{DialTimeout: 200 * time.Millisecond}

	// No address at all.
	err := tr.SendToPeer(context.Background(), DiscoveredPeer{ID: "p"}, []byte("x"))
	require.ErrorIs(t, err, ErrNoAddress)

	// Nothing listening: transient transport failure, not a panic.
	port := freeUDPPort(t)
	peer := DiscoveredPeer{ID: "p", Addr: net.JoinHostPort("127.0.0.1", strconv.Itoa(port))}
	require.Error(t, tr.SendToPeer(context.Background(), peer, []byte("x")))
}
