package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testMessage(id string, timestamp int64) *StoredMessage {
	return &StoredMessage{
		ID:               id,
		PeerPublicKey:    "peer-key",
		FromPublicKey:    "my-key",
		ToPublicKey:      "peer-key",
		EncryptedContent: "b2JzY3VyZWQ=",
		Timestamp:        timestamp,
		Status:           StatusQueued,
		IsSentByMe:       true,
	}
}

func TestSaveMessageValidation(t *testing.T) {
	s := newTestStore(t)

	cases := []struct {
		name string
		msg  *StoredMessage
	}{
		{"Nil message", nil},
		{"Missing id", &StoredMessage{PeerPublicKey: "p", FromPublicKey: "f", ToPublicKey: "t"}},
		{"Missing peer key", &StoredMessage{ID: "1", FromPublicKey: "f", ToPublicKey: "t"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.ErrorIs(t, s.SaveMessage(tc.msg), ErrInvalidMessage)
		})
	}
}

func TestSaveMessageUpsert(t *testing.T) {
	s := newTestStore(t)

	msg := testMessage("msg-1", 1000)
	require.NoError(t, s.SaveMessage(msg))
	require.NoError(t, s.SaveMessage(msg), "save must be idempotent")

	history, err := s.GetMessagesForPeer("peer-key")
	require.NoError(t, err)
	require.Len(t, history, 1, "upsert must not duplicate rows")

	// Update in place: status moves forward, row count unchanged.
	msg.Status = StatusSent
	require.NoError(t, s.SaveMessage(msg))

	history, err = s.GetMessagesForPeer("peer-key")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, StatusSent, history[0].Status)
}

func TestSaveMessagePinsConversationKey(t *testing.T) {
	s := newTestStore(t)

	msg := testMessage("msg-1", 1000)
	require.NoError(t, s.SaveMessage(msg))

	// Re-saving under a different peer key must not move the row to
	// another conversation; that would strand the old index entry.
	moved := *msg
	moved.PeerPublicKey = "other-peer"
	require.NoError(t, s.SaveMessage(&moved))

	stored, err := s.GetMessage("msg-1")
	require.NoError(t, err)
	require.Equal(t, "peer-key", stored.PeerPublicKey)

	history, err := s.GetMessagesForPeer("peer-key")
	require.NoError(t, err)
	require.Len(t, history, 1)

	history, err = s.GetMessagesForPeer("other-peer")
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestSaveMessageRejectsBackwardTransition(t *testing.T) {
	s := newTestStore(t)

	msg := testMessage("msg-1", 1000)
	msg.Status = StatusRead
	require.NoError(t, s.SaveMessage(msg))

	msg.Status = StatusSent
	require.ErrorIs(t, s.SaveMessage(msg), ErrInvalidTransition)
}

func TestGetMessagesForPeerOrdering(t *testing.T) {
	s := newTestStore(t)

	// Insert out of timestamp order.
	require.NoError(t, s.SaveMessage(testMessage("c", 3000)))
	require.NoError(t, s.SaveMessage(testMessage("a", 1000)))
	require.NoError(t, s.SaveMessage(testMessage("b", 2000)))

	// A different conversation must not leak in.
	other := testMessage("x", 1500)
	other.PeerPublicKey = "other-peer"
	require.NoError(t, s.SaveMessage(other))

	history, err := s.GetMessagesForPeer("peer-key")
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, []string{"a", "b", "c"}, []string{history[0].ID, history[1].ID, history[2].ID})
}

func TestGetMessagesForPeerEmpty(t *testing.T) {
	s := newTestStore(t)

	history, err := s.GetMessagesForPeer("nobody")
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestEnqueueIdempotent(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveMessage(testMessage("msg-1", 1000)))
	require.NoError(t, s.Enqueue("msg-1"))
	require.NoError(t, s.Enqueue("msg-1"), "double enqueue is a no-op")

	queue, err := s.GetQueue()
	require.NoError(t, err)
	require.Len(t, queue, 1, "set semantics: exactly one entry")
}

func TestEnqueueReferentialIntegrity(t *testing.T) {
	s := newTestStore(t)

	require.ErrorIs(t, s.Enqueue("ghost"), ErrMessageNotFound)
}

func TestDequeue(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveMessage(testMessage("msg-1", 1000)))
	require.NoError(t, s.Enqueue("msg-1"))

	queued, err := s.IsQueued("msg-1")
	require.NoError(t, err)
	require.True(t, queued)

	require.NoError(t, s.Dequeue("msg-1"))

	queued, err = s.IsQueued("msg-1")
	require.NoError(t, err)
	require.False(t, queued)

	// Dequeue of a non-enqueued id is a no-op.
	require.NoError(t, s.Dequeue("msg-1"))
	require.NoError(t, s.Dequeue("never-existed"))
}

func TestGetQueueFIFO(t *testing.T) {
	s := newTestStore(t)

	// Store insertion order deliberately differs from timestamp order.
	timestamps := map[string]int64{"m3": 3000, "m1": 1000, "m2": 2000}
	for id, ts := range timestamps {
		require.NoError(t, s.SaveMessage(testMessage(id, ts)))
		require.NoError(t, s.Enqueue(id))
	}

	queue, err := s.GetQueue()
	require.NoError(t, err)
	require.Len(t, queue, 3)
	require.Equal(t, "m1", queue[0].ID)
	require.Equal(t, "m2", queue[1].ID)
	require.Equal(t, "m3", queue[2].ID)
}

func TestUpdateStatusBulk(t *testing.T) {
	s := newTestStore(t)

	var ids []string
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("msg-%d", i)
		msg := testMessage(id, int64(1000+i))
		msg.Status = StatusSent
		require.NoError(t, s.SaveMessage(msg))
		ids = append(ids, id)
	}

	require.NoError(t, s.UpdateStatus(ids, StatusDelivered))

	for _, id := range ids {
		msg, err := s.GetMessage(id)
		require.NoError(t, err)
		require.Equal(t, StatusDelivered, msg.Status)
	}
}

func TestUpdateStatusSkipsBackwardMoves(t *testing.T) {
	s := newTestStore(t)

	read := testMessage("read-msg", 1000)
	read.Status = StatusRead
	require.NoError(t, s.SaveMessage(read))

	sent := testMessage("sent-msg", 2000)
	sent.Status = StatusSent
	require.NoError(t, s.SaveMessage(sent))

	// A late "delivered" confirmation: the read row keeps its terminal
	// status, the sent row advances.
	require.NoError(t, s.UpdateStatus([]string{"read-msg", "sent-msg"}, StatusDelivered))

	msg, err := s.GetMessage("read-msg")
	require.NoError(t, err)
	require.Equal(t, StatusRead, msg.Status)

	msg, err = s.GetMessage("sent-msg")
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, msg.Status)
}

func TestUpdateStatusMissingRow(t *testing.T) {
	s := newTestStore(t)
	require.ErrorIs(t, s.UpdateStatus([]string{"ghost"}, StatusDelivered), ErrMessageNotFound)
}

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusSent, true},
		{StatusQueued, StatusFailed, true},
		{StatusQueued, StatusRead, false},
		{StatusSent, StatusDelivered, true},
		{StatusSent, StatusRead, true},
		{StatusSent, StatusFailed, true},
		{StatusSent, StatusQueued, false},
		{StatusDelivered, StatusRead, true},
		{StatusDelivered, StatusSent, false},
		{StatusRead, StatusDelivered, false},
		{StatusFailed, StatusQueued, true},
		{StatusFailed, StatusSent, false},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s to %s", tc.from, tc.to), func(t *testing.T) {
			require.Equal(t, tc.want, ValidTransition(tc.from, tc.to))
		})
	}
}

func TestDurableReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.SaveMessage(testMessage("persisted", 1000)))
	require.NoError(t, s.Enqueue("persisted"))
	require.NoError(t, s.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	msg, err := reopened.GetMessage("persisted")
	require.NoError(t, err)
	require.Equal(t, StatusQueued, msg.Status)

	queue, err := reopened.GetQueue()
	require.NoError(t, err)
	require.Len(t, queue, 1)
}
