package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// UpsertLocation records the latest reported position for a device. Older
// reports never overwrite newer ones.
func (s *Store) UpsertLocation(location Location) error {
	if location.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if location.UpdatedAt == 0 {
		location.UpdatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO locations (device_id, latitude, longitude, accuracy, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			accuracy = excluded.accuracy,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at >= locations.updated_at`,
		location.DeviceID,
		location.Latitude,
		location.Longitude,
		location.Accuracy,
		location.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert location for %q: %w", location.DeviceID, err)
	}
	return nil
}

// GetLocation returns the last known position of a device.
func (s *Store) GetLocation(deviceID string) (*Location, error) {
	var location Location
	err := s.db.QueryRow(
		`SELECT device_id, latitude, longitude, accuracy, updated_at
		FROM locations WHERE device_id = ?`,
		deviceID,
	).Scan(
		&location.DeviceID,
		&location.Latitude,
		&location.Longitude,
		&location.Accuracy,
		&location.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get location for %q: %w", deviceID, err)
	}
	return &location, nil
}
