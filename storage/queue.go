package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

const queuedColumns = `
			message_id,
			destination_id,
			next_hop_id,
			payload,
			queued_time,
			expiry_time,
			retry_count,
			forwarding_strategy,
			hop_count,
			max_hops,
			delivered`

// EnqueueForward stores a store-and-forward row. Re-queuing an ID that is
// already present leaves the existing row untouched and reports false.
func (s *Store) EnqueueForward(item QueuedMessage) (bool, error) {
	if item.MessageID == "" {
		return false, errors.New("message_id is required")
	}
	if item.DestinationID == "" {
		return false, errors.New("destination_id is required")
	}
	if len(item.Payload) == 0 {
		return false, errors.New("payload is required")
	}
	if item.ExpiryTime == 0 {
		return false, errors.New("expiry_time is required")
	}
	if item.ForwardingStrategy == "" {
		item.ForwardingStrategy = StrategyRelay
	}
	if err := validateStrategy(item.ForwardingStrategy); err != nil {
		return false, err
	}
	if item.QueuedTime == 0 {
		item.QueuedTime = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`INSERT INTO queued_messages (`+queuedColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING`,
		item.MessageID,
		item.DestinationID,
		nullString(item.NextHopID),
		item.Payload,
		item.QueuedTime,
		item.ExpiryTime,
		item.RetryCount,
		item.ForwardingStrategy,
		item.HopCount,
		item.MaxHops,
		boolToInt(item.Delivered),
	)
	if err != nil {
		return false, fmt.Errorf("insert queued message %q: %w", item.MessageID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for queue insert %q: %w", item.MessageID, err)
	}
	return rowsAffected > 0, nil
}

// GetQueuedMessage returns one store-and-forward row.
func (s *Store) GetQueuedMessage(messageID string) (*QueuedMessage, error) {
	row := s.db.QueryRow(
		`SELECT`+queuedColumns+`
		FROM queued_messages
		WHERE message_id = ?`,
		messageID,
	)
	item, err := scanQueuedMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get queued message %q: %w", messageID, err)
	}
	return item, nil
}

// PendingForwards returns undelivered rows that have not expired at nowMillis,
// oldest first.
func (s *Store) PendingForwards(nowMillis int64) ([]QueuedMessage, error) {
	rows, err := s.db.Query(
		`SELECT`+queuedColumns+`
		FROM queued_messages
		WHERE delivered = 0 AND expiry_time > ?
		ORDER BY queued_time ASC, message_id ASC`,
		nowMillis,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending forwards: %w", err)
	}
	defer rows.Close()

	items := make([]QueuedMessage, 0)
	for rows.Next() {
		item, err := scanQueuedMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queued message row: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queued message rows: %w", err)
	}
	return items, nil
}

// CountPendingForwards returns the number of undelivered rows.
func (s *Store) CountPendingForwards() (int, error) {
	var count int
	if err := s.db.QueryRow(
		`SELECT COUNT(1) FROM queued_messages WHERE delivered = 0`,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count pending forwards: %w", err)
	}
	return count, nil
}

// MarkForwardDelivered records that a row was handed to the next hop.
func (s *Store) MarkForwardDelivered(messageID string, hopCount int) error {
	return s.execQueueUpdate(
		messageID,
		"mark forward delivered",
		`UPDATE queued_messages SET delivered = 1, hop_count = ? WHERE message_id = ?`,
		hopCount, messageID,
	)
}

// IncrementForwardRetry bumps retry_count and returns the new value.
func (s *Store) IncrementForwardRetry(messageID string) (int, error) {
	if err := s.execQueueUpdate(
		messageID,
		"increment forward retry",
		`UPDATE queued_messages SET retry_count = retry_count + 1 WHERE message_id = ?`,
		messageID,
	); err != nil {
		return 0, err
	}

	var retries int
	if err := s.db.QueryRow(
		`SELECT retry_count FROM queued_messages WHERE message_id = ?`,
		messageID,
	).Scan(&retries); err != nil {
		return 0, fmt.Errorf("read retry count for %q: %w", messageID, err)
	}
	return retries, nil
}

// DeleteForward removes one row.
func (s *Store) DeleteForward(messageID string) error {
	return s.execQueueUpdate(
		messageID,
		"delete forward",
		`DELETE FROM queued_messages WHERE message_id = ?`,
		messageID,
	)
}

// PurgeForwards deletes delivered rows and rows expired at nowMillis.
func (s *Store) PurgeForwards(nowMillis int64) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM queued_messages WHERE delivered = 1 OR expiry_time <= ?`,
		nowMillis,
	)
	if err != nil {
		return 0, fmt.Errorf("purge forwards: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for purge: %w", err)
	}
	return deleted, nil
}

func (s *Store) execQueueUpdate(messageID, op, query string, args ...any) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("%s %q: %w", op, messageID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for %s %q: %w", op, messageID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanQueuedMessage(row scanner) (*QueuedMessage, error) {
	var (
		item      QueuedMessage
		nextHop   sql.NullString
		delivered int
	)
	if err := row.Scan(
		&item.MessageID,
		&item.DestinationID,
		&nextHop,
		&item.Payload,
		&item.QueuedTime,
		&item.ExpiryTime,
		&item.RetryCount,
		&item.ForwardingStrategy,
		&item.HopCount,
		&item.MaxHops,
		&delivered,
	); err != nil {
		return nil, err
	}
	item.NextHopID = stringPtr(nextHop)
	item.Delivered = delivered != 0
	return &item, nil
}
