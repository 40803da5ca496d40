package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// KeyRecordResult describes what RecordPeerKey did with a presented key.
type KeyRecordResult int

const (
	// KeyRecorded means the device had no key and the presented one was stored.
	KeyRecorded KeyRecordResult = iota
	// KeyUnchanged means the presented key matches the stored one.
	KeyUnchanged
	// KeyConflict means a different key is already stored; it was kept.
	KeyConflict
)

// RecordPeerKey stores the first key seen for a device. Later presentations of
// the same key refresh last_seen; a different key is ignored and reported as
// KeyConflict.
func (s *Store) RecordPeerKey(key PeerKey) (KeyRecordResult, error) {
	if key.DeviceID == "" {
		return KeyConflict, errors.New("device_id is required")
	}
	if key.PublicKey == "" {
		return KeyConflict, errors.New("public_key is required")
	}
	if key.KeyFingerprint == "" {
		return KeyConflict, errors.New("key_fingerprint is required")
	}
	now := key.LastSeen
	if now == 0 {
		now = nowUnixMilli()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return KeyConflict, fmt.Errorf("begin peer key transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	existing, err := scanPeerKey(tx.QueryRow(
		`SELECT device_id, public_key, key_fingerprint, first_seen, last_seen
		FROM peer_keys WHERE device_id = ?`,
		key.DeviceID,
	))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.Exec(
			`INSERT INTO peer_keys (device_id, public_key, key_fingerprint, first_seen, last_seen)
			VALUES (?, ?, ?, ?, ?)`,
			key.DeviceID, key.PublicKey, key.KeyFingerprint, now, now,
		); err != nil {
			return KeyConflict, fmt.Errorf("insert peer key %q: %w", key.DeviceID, err)
		}
		if err := tx.Commit(); err != nil {
			return KeyConflict, fmt.Errorf("commit peer key %q: %w", key.DeviceID, err)
		}
		return KeyRecorded, nil
	case err != nil:
		return KeyConflict, fmt.Errorf("load peer key %q: %w", key.DeviceID, err)
	}

	if existing.PublicKey != key.PublicKey {
		return KeyConflict, nil
	}
	if _, err := tx.Exec(
		`UPDATE peer_keys SET last_seen = ? WHERE device_id = ?`,
		now, key.DeviceID,
	); err != nil {
		return KeyConflict, fmt.Errorf("touch peer key %q: %w", key.DeviceID, err)
	}
	if err := tx.Commit(); err != nil {
		return KeyConflict, fmt.Errorf("commit peer key %q: %w", key.DeviceID, err)
	}
	return KeyUnchanged, nil
}

// GetPeerKey returns the stored key for a device.
func (s *Store) GetPeerKey(deviceID string) (*PeerKey, error) {
	key, err := scanPeerKey(s.db.QueryRow(
		`SELECT device_id, public_key, key_fingerprint, first_seen, last_seen
		FROM peer_keys WHERE device_id = ?`,
		deviceID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer key %q: %w", deviceID, err)
	}
	return key, nil
}

// ListPeerKeys returns every stored key ordered by device ID.
func (s *Store) ListPeerKeys() ([]PeerKey, error) {
	rows, err := s.db.Query(
		`SELECT device_id, public_key, key_fingerprint, first_seen, last_seen
		FROM peer_keys ORDER BY device_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peer keys: %w", err)
	}
	defer rows.Close()

	keys := make([]PeerKey, 0)
	for rows.Next() {
		key, err := scanPeerKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer key row: %w", err)
		}
		keys = append(keys, *key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer key rows: %w", err)
	}
	return keys, nil
}

func scanPeerKey(row scanner) (*PeerKey, error) {
	var key PeerKey
	if err := row.Scan(
		&key.DeviceID,
		&key.PublicKey,
		&key.KeyFingerprint,
		&key.FirstSeen,
		&key.LastSeen,
	); err != nil {
		return nil, err
	}
	return &key, nil
}
