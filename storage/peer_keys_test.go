package storage

import (
	"errors"
	"testing"
)

func TestRecordPeerKeyFirstKeyWins(t *testing.T) {
	store := newTestStore(t)

	result, err := store.RecordPeerKey(PeerKey{DeviceID: "a", PublicKey: "k1", KeyFingerprint: "f1", LastSeen: 10})
	if err != nil || result != KeyRecorded {
		t.Fatalf("first record: result=%v err=%v", result, err)
	}
	result, err = store.RecordPeerKey(PeerKey{DeviceID: "a", PublicKey: "k1", KeyFingerprint: "f1", LastSeen: 20})
	if err != nil || result != KeyUnchanged {
		t.Fatalf("same key: result=%v err=%v", result, err)
	}
	result, err = store.RecordPeerKey(PeerKey{DeviceID: "a", PublicKey: "k2", KeyFingerprint: "f2", LastSeen: 30})
	if err != nil || result != KeyConflict {
		t.Fatalf("different key: result=%v err=%v", result, err)
	}

	key, err := store.GetPeerKey("a")
	if err != nil {
		t.Fatalf("GetPeerKey failed: %v", err)
	}
	if key.PublicKey != "k1" || key.FirstSeen != 10 || key.LastSeen != 20 {
		t.Fatalf("unexpected stored key: %+v", key)
	}

	if _, err := store.GetPeerKey("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	keys, err := store.ListPeerKeys()
	if err != nil {
		t.Fatalf("ListPeerKeys failed: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected 1 key, got %d", len(keys))
	}
}
