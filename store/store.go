package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

var (
	// ErrMessageNotFound indicates no message row exists for an id.
	ErrMessageNotFound = errors.New("message not found")
	// ErrInvalidMessage indicates a message is missing required fields.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrInvalidTransition indicates a status change that would move
	// the state machine backward.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is the durable message store and outbound queue.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the message database in dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening message store: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"dir":      dir,
	}).Debug("Message store opened")

	return &Store{db: db}, nil
}

// OpenInMemory opens a non-durable store, used by tests and ephemeral
// deployments.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening in-memory message store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func messageKey(id string) []byte {
	return []byte("m:" + id)
}

func queueKey(id string) []byte {
	return []byte("q:" + id)
}

func conversationKey(peer string, timestamp int64, id string) []byte {
	return []byte(fmt.Sprintf("c:%s:%020d:%s", peer, timestamp, id))
}

func conversationPrefix(peer string) []byte {
	return []byte("c:" + peer + ":")
}

// SaveMessage is an idempotent upsert keyed by message id. When the
// row already exists, a status change must be a valid forward
// transition; all other fields update in place. The timestamp and peer
// key of an existing row never change, which keeps the conversation
// index stable.
func (s *Store) SaveMessage(msg *StoredMessage) error {
	if msg == nil || msg.ID == "" || msg.PeerPublicKey == "" ||
		msg.FromPublicKey == "" || msg.ToPublicKey == "" {
		return ErrInvalidMessage
	}

	return s.db.Update(func(txn *badger.Txn) error {
		existing, err := getMessage(txn, msg.ID)
		if err != nil && !errors.Is(err, ErrMessageNotFound) {
			return err
		}

		record := *msg
		if existing != nil {
			record.Timestamp = existing.Timestamp
			record.PeerPublicKey = existing.PeerPublicKey
			if existing.Status != record.Status && !ValidTransition(existing.Status, record.Status) {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, existing.Status, record.Status)
			}
		}

		data, err := json.Marshal(&record)
		if err != nil {
			return fmt.Errorf("encoding message %s: %w", record.ID, err)
		}
		if err := txn.Set(messageKey(record.ID), data); err != nil {
			return err
		}
		return txn.Set(conversationKey(record.PeerPublicKey, record.Timestamp, record.ID), []byte(record.ID))
	})
}

// GetMessage returns a single message row by id.
func (s *Store) GetMessage(id string) (*StoredMessage, error) {
	var msg *StoredMessage
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		msg, err = getMessage(txn, id)
		return err
	})
	return msg, err
}

func getMessage(txn *badger.Txn, id string) (*StoredMessage, error) {
	item, err := txn.Get(messageKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}

	var msg StoredMessage
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &msg)
	})
	if err != nil {
		return nil, fmt.Errorf("decoding message %s: %w", id, err)
	}
	return &msg, nil
}

// GetMessagesForPeer returns every message in a conversation, ordered
// by timestamp ascending. The result is a snapshot, not a live view.
func (s *Store) GetMessagesForPeer(peerPublicKey string) ([]StoredMessage, error) {
	var messages []StoredMessage

	err := s.db.View(func(txn *badger.Txn) error {
		prefix := conversationPrefix(peerPublicKey)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			var id string
			err := it.Item().Value(func(val []byte) error {
				id = string(val)
				return nil
			})
			if err != nil {
				return err
			}

			msg, err := getMessage(txn, id)
			if err != nil {
				return fmt.Errorf("conversation index references %s: %w", id, err)
			}
			messages = append(messages, *msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// Enqueue adds a message to the outbound queue. Set semantics:
// enqueuing an already-queued id is a no-op. The referenced message
// row must exist (referential integrity).
func (s *Store) Enqueue(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := getMessage(txn, id); err != nil {
			return err
		}
		return txn.Set(queueKey(id), nil)
	})
}

// Dequeue removes a message from the outbound queue. Removing an id
// that is not queued is a no-op. Callers invoke this only after a
// transport attempt concludes, successfully or terminally.
func (s *Store) Dequeue(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(queueKey(id))
	})
}

// IsQueued reports whether a message id is in the outbound queue.
func (s *Store) IsQueued(id string) (bool, error) {
	queued := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(queueKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		queued = true
		return nil
	})
	return queued, err
}

// GetQueue returns all queued messages joined with their stored
// content, oldest first. This ordering defines the retry order: FIFO,
// no priority.
func (s *Store) GetQueue() ([]StoredMessage, error) {
	var messages []StoredMessage

	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("q:")
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			id := string(it.Item().Key()[len(prefix):])
			msg, err := getMessage(txn, id)
			if err != nil {
				return fmt.Errorf("queue references %s: %w", id, err)
			}
			messages = append(messages, *msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].Timestamp != messages[j].Timestamp {
			return messages[i].Timestamp < messages[j].Timestamp
		}
		return messages[i].ID < messages[j].ID
	})

	return messages, nil
}

// UpdateStatus applies a bulk status transition, used after a batch of
// delivery confirmations. A row whose current status cannot legally
// reach the new status is skipped with a warning; confirmations can
// arrive late and out of order, and a backward move must never win.
func (s *Store) UpdateStatus(ids []string, status Status) error {
	if len(ids) == 0 {
		return nil
	}

	return s.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			msg, err := getMessage(txn, id)
			if err != nil {
				return err
			}
			if msg.Status == status {
				continue
			}
			if !ValidTransition(msg.Status, status) {
				logrus.WithFields(logrus.Fields{
					"function":   "UpdateStatus",
					"message_id": id,
					"from":       msg.Status,
					"to":         status,
				}).Warn("Skipping invalid status transition")
				continue
			}

			msg.Status = status
			data, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("encoding message %s: %w", id, err)
			}
			if err := txn.Set(messageKey(id), data); err != nil {
				return err
			}
		}
		return nil
	})
}
