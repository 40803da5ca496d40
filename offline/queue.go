// Package offline keeps outbound messages that could not be handed to any
// link. Messages are flushed in the order they were queued once a connection
// appears. The queue does no routing of its own.
package offline

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"meshlink/models"
)

// DefaultFileName is the bbolt filename under the data dir.
const DefaultFileName = "offline.db"

var (
	// ErrEmptyMessageID is returned when a message without an ID is queued.
	ErrEmptyMessageID = errors.New("offline: message id is required")

	bucketMessages = []byte("messages")
	bucketIndex    = []byte("index")
)

// Queue is a durable FIFO of pending outbound messages.
type Queue struct {
	db     *bolt.DB
	logger *log.Entry
}

// Open opens (or creates) offline.db under dataDir. A nil logger discards.
func Open(dataDir string, logger *log.Entry) (*Queue, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create offline queue directory: %w", err)
	}
	return OpenPath(filepath.Join(dataDir, DefaultFileName), logger)
}

// OpenPath opens the queue at an explicit file path.
func OpenPath(path string, logger *log.Entry) (*Queue, error) {
	if logger == nil {
		discard := log.New()
		discard.SetOutput(io.Discard)
		logger = log.NewEntry(discard)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open offline queue: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMessages); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketIndex)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create offline queue buckets: %w", err)
	}
	return &Queue{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue appends msg. Queuing an ID that is already pending is a no-op.
func (q *Queue) Enqueue(msg models.Message) error {
	if msg.ID == "" {
		return ErrEmptyMessageID
	}
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketIndex)
		if index.Get([]byte(msg.ID)) != nil {
			return nil
		}
		messages := tx.Bucket(bucketMessages)
		seq, err := messages.NextSequence()
		if err != nil {
			return fmt.Errorf("next offline sequence: %w", err)
		}
		key := sequenceKey(seq)
		if err := messages.Put(key, payload); err != nil {
			return fmt.Errorf("store offline message %q: %w", msg.ID, err)
		}
		return index.Put([]byte(msg.ID), key)
	})
}

// Remove deletes the message with the given ID. Removing an unknown ID is not an error.
func (q *Queue) Remove(messageID string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketIndex)
		key := index.Get([]byte(messageID))
		if key == nil {
			return nil
		}
		if err := tx.Bucket(bucketMessages).Delete(key); err != nil {
			return fmt.Errorf("delete offline message %q: %w", messageID, err)
		}
		return index.Delete([]byte(messageID))
	})
}

// PendingMessages returns every queued message, oldest first. Entries that no
// longer decode are deleted.
func (q *Queue) PendingMessages() ([]models.Message, error) {
	var out []models.Message
	err := q.db.Update(func(tx *bolt.Tx) error {
		messages := tx.Bucket(bucketMessages)
		var broken [][]byte
		err := messages.ForEach(func(k, v []byte) error {
			msg, err := models.DecodeMessage(v)
			if err != nil {
				q.logger.WithError(err).WithField("sequence", binary.BigEndian.Uint64(k)).Warn("dropping undecodable offline message")
				broken = append(broken, append([]byte(nil), k...))
				return nil
			}
			out = append(out, msg)
			return nil
		})
		if err != nil || len(broken) == 0 {
			return err
		}
		return deleteEntries(tx, broken)
	})
	if err != nil {
		return nil, fmt.Errorf("read offline queue: %w", err)
	}
	return out, nil
}

// deleteEntries removes the messages stored under keys and their index rows.
func deleteEntries(tx *bolt.Tx, keys [][]byte) error {
	messages := tx.Bucket(bucketMessages)
	for _, key := range keys {
		if err := messages.Delete(key); err != nil {
			return err
		}
	}
	index := tx.Bucket(bucketIndex)
	var ids [][]byte
	err := index.ForEach(func(id, key []byte) error {
		for _, k := range keys {
			if bytes.Equal(key, k) {
				ids = append(ids, append([]byte(nil), id...))
				break
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := index.Delete(id); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	var n int
	_ = q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketMessages).Stats().KeyN
		return nil
	})
	return n
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
