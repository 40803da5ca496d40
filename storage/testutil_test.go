package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustSaveMessage(t *testing.T, store *Store, id, from, to string, sent int64) {
	t.Helper()

	if _, err := store.SaveMessage(Message{
		MessageID:     id,
		SenderID:      from,
		ReceiverID:    to,
		MessageType:   "TEXT",
		Content:       "hello " + id,
		TimestampSent: sent,
	}); err != nil {
		t.Fatalf("save message %q: %v", id, err)
	}
}
