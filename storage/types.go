package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// StatusQueued marks an outbound message waiting for connectivity.
	StatusQueued = "queued"
	// StatusSent marks an outbound message handed to at least one link.
	StatusSent = "sent"
	// StatusReceived marks an inbound message delivered to this device.
	StatusReceived = "received"
	// StatusDelivered marks an outbound message acknowledged by a DELIVERY_RECEIPT.
	StatusDelivered = "delivered"
	// StatusRead marks an outbound message acknowledged by a READ_RECEIPT.
	StatusRead = "read"
	// StatusFailed marks an outbound message that could not be sent.
	StatusFailed = "failed"
)

const (
	// StrategyRelay stores a message until any path toward the destination appears.
	StrategyRelay = "RELAY"
	// StrategyDirect stores a message with a known next hop.
	StrategyDirect = "DIRECT"
)

// Message is the SQLite representation of a delivered or sent message.
type Message struct {
	MessageID         string
	SenderID          string
	SenderName        string
	ReceiverID        string
	MessageType       string
	Content           string
	TimestampSent     int64
	TimestampReceived *int64
	HopCount          int
	DeliveryStatus    string
}

// QueuedMessage is one store-and-forward row.
type QueuedMessage struct {
	MessageID          string
	DestinationID      string
	NextHopID          *string
	Payload            []byte
	QueuedTime         int64
	ExpiryTime         int64
	RetryCount         int
	ForwardingStrategy string
	HopCount           int
	MaxHops            int
	Delivered          bool
}

// PeerKey is a public key learned from a KEY_EXCHANGE message.
type PeerKey struct {
	DeviceID       string
	PublicKey      string
	KeyFingerprint string
	FirstSeen      int64
	LastSeen       int64
}

// Location is the last known position reported by a device.
type Location struct {
	DeviceID  string
	Latitude  float64
	Longitude float64
	Accuracy  float64
	UpdatedAt int64
}

type scanner interface {
	Scan(dest ...any) error
}

func validateDeliveryStatus(status string) error {
	switch status {
	case StatusQueued, StatusSent, StatusReceived, StatusDelivered, StatusRead, StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid delivery status %q", status)
	}
}

func validateStrategy(strategy string) error {
	switch strategy {
	case StrategyRelay, StrategyDirect:
		return nil
	default:
		return fmt.Errorf("invalid forwarding strategy %q", strategy)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
