package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

const messageColumns = `
			message_id,
			sender_id,
			sender_name,
			receiver_id,
			message_type,
			content,
			timestamp_sent,
			timestamp_received,
			hop_count,
			delivery_status`

// SaveMessage inserts a message row. Saving an ID that already exists is a
// no-op and reports inserted=false, so redelivered copies never duplicate.
func (s *Store) SaveMessage(message Message) (bool, error) {
	if message.MessageID == "" {
		return false, errors.New("message_id is required")
	}
	if message.SenderID == "" {
		return false, errors.New("sender_id is required")
	}
	if message.ReceiverID == "" {
		return false, errors.New("receiver_id is required")
	}
	if message.MessageType == "" {
		return false, errors.New("message_type is required")
	}
	if message.DeliveryStatus == "" {
		message.DeliveryStatus = StatusSent
	}
	if err := validateDeliveryStatus(message.DeliveryStatus); err != nil {
		return false, err
	}
	if message.TimestampSent == 0 {
		message.TimestampSent = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`INSERT INTO messages (`+messageColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING`,
		message.MessageID,
		message.SenderID,
		message.SenderName,
		message.ReceiverID,
		message.MessageType,
		message.Content,
		message.TimestampSent,
		nullInt64(message.TimestampReceived),
		message.HopCount,
		message.DeliveryStatus,
	)
	if err != nil {
		return false, fmt.Errorf("insert message %q: %w", message.MessageID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for insert %q: %w", message.MessageID, err)
	}
	return rowsAffected > 0, nil
}

// GetMessageByID returns one message row by ID.
func (s *Store) GetMessageByID(messageID string) (*Message, error) {
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}

	row := s.db.QueryRow(
		`SELECT`+messageColumns+`
		FROM messages
		WHERE message_id = ?`,
		messageID,
	)
	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

// GetConversation returns messages exchanged with one peer ordered by sent timestamp.
func (s *Store) GetConversation(peerID string, limit, offset int) ([]Message, error) {
	if peerID == "" {
		return nil, errors.New("peer_id is required")
	}
	return s.queryMessages(
		`WHERE sender_id = ? OR receiver_id = ?`,
		limit, offset, peerID, peerID,
	)
}

// GetBroadcastMessages returns messages addressed to every device.
func (s *Store) GetBroadcastMessages(broadcastID string, limit, offset int) ([]Message, error) {
	return s.queryMessages(`WHERE receiver_id = ?`, limit, offset, broadcastID)
}

// CountMessages returns the number of persisted messages.
func (s *Store) CountMessages() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM messages`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

// UpdateDeliveryStatus sets the delivery status for a message ID. A read
// message never moves back to delivered.
func (s *Store) UpdateDeliveryStatus(messageID, status string) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}
	if err := validateDeliveryStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE messages
		SET delivery_status = CASE
			WHEN delivery_status = ? AND ? = ? THEN delivery_status
			ELSE ?
		END
		WHERE message_id = ?`,
		StatusRead, status, StatusDelivered,
		status,
		messageID,
	)
	if err != nil {
		return fmt.Errorf("update delivery status for message %q: %w", messageID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for status update %q: %w", messageID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) queryMessages(where string, limit, offset int, args ...any) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	rows, err := s.db.Query(
		`SELECT`+messageColumns+`
		FROM messages
		`+where+`
		ORDER BY timestamp_sent ASC, message_id ASC
		LIMIT ? OFFSET ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

func scanMessage(row scanner) (*Message, error) {
	var (
		message  Message
		received sql.NullInt64
	)

	if err := row.Scan(
		&message.MessageID,
		&message.SenderID,
		&message.SenderName,
		&message.ReceiverID,
		&message.MessageType,
		&message.Content,
		&message.TimestampSent,
		&received,
		&message.HopCount,
		&message.DeliveryStatus,
	); err != nil {
		return nil, err
	}

	message.TimestampReceived = int64Ptr(received)
	return &message, nil
}
