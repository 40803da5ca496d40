package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Broadcast is the receiver ID that addresses every device in the mesh.
const Broadcast = "ALL"

// MessageType identifies the purpose of a mesh message.
type MessageType string

const (
	TypeText            MessageType = "TEXT"
	TypeSOS             MessageType = "SOS"
	TypeLocationUpdate  MessageType = "LOCATION_UPDATE"
	TypeDeliveryReceipt MessageType = "DELIVERY_RECEIPT"
	TypeReadReceipt     MessageType = "READ_RECEIPT"
	TypeKeyExchange     MessageType = "KEY_EXCHANGE"
	TypeHeartbeat       MessageType = "HEARTBEAT"
	TypeRouteRequest    MessageType = "ROUTE_REQUEST"
	TypeRouteReply      MessageType = "ROUTE_REPLY"
	TypeRouteError      MessageType = "ROUTE_ERROR"
)

var (
	// ErrMissingID indicates a decoded message has no identity.
	ErrMissingID = errors.New("models: message id is required")
	// ErrUnknownType indicates the message type is missing or unknown.
	ErrUnknownType = errors.New("models: unknown message type")
)

var knownTypes = map[MessageType]struct{}{
	TypeText:            {},
	TypeSOS:             {},
	TypeLocationUpdate:  {},
	TypeDeliveryReceipt: {},
	TypeReadReceipt:     {},
	TypeKeyExchange:     {},
	TypeHeartbeat:       {},
	TypeRouteRequest:    {},
	TypeRouteReply:      {},
	TypeRouteError:      {},
}

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Message is the unit exchanged between devices. The ID is assigned once by
// the originator and survives every hop unchanged.
type Message struct {
	ID          string      `json:"id"`
	SenderID    string      `json:"senderId"`
	SenderName  string      `json:"senderName,omitempty"`
	ReceiverID  string      `json:"receiverId"`
	Type        MessageType `json:"type"`
	Content     string      `json:"content"`
	TTL         int         `json:"ttl"`
	Timestamp   int64       `json:"timestamp"`
	TokenExpiry int64       `json:"tokenExpiry,omitempty"`

	OriginatorID  string   `json:"originatorId,omitempty"`
	RouteSequence uint64   `json:"routeSequence,omitempty"`
	RoutePath     []string `json:"routePath,omitempty"`
	HopCount      int      `json:"hopCount"`
	MaxHops       int      `json:"maxHops,omitempty"`
	NextHop       string   `json:"nextHop,omitempty"`
}

// Encode marshals the message into its wire representation.
func (m Message) Encode() ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message %q: %w", m.ID, err)
	}
	return payload, nil
}

// DecodeMessage parses and validates one wire payload.
func DecodeMessage(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.ID == "" {
		return Message{}, ErrMissingID
	}
	if !msg.Type.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	return msg, nil
}

// IsBroadcast reports whether the message addresses every device.
func (m Message) IsBroadcast() bool {
	return m.ReceiverID == Broadcast
}

// IsRouteControl reports whether the message belongs to route discovery.
func (m Message) IsRouteControl() bool {
	switch m.Type {
	case TypeRouteRequest, TypeRouteReply, TypeRouteError:
		return true
	default:
		return false
	}
}

// IsExpired reports whether the token deadline passed more than grace ago.
// Messages without a token expiry never expire.
func (m Message) IsExpired(now time.Time, grace time.Duration) bool {
	if m.TokenExpiry <= 0 {
		return false
	}
	return now.UnixMilli() > m.TokenExpiry+grace.Milliseconds()
}

// ForwardCopy returns the copy sent on the next hop: one less TTL, one more
// hop, same identity.
func (m Message) ForwardCopy() Message {
	out := m
	out.TTL = m.TTL - 1
	out.HopCount = m.HopCount + 1
	if len(m.RoutePath) > 0 {
		out.RoutePath = append([]string(nil), m.RoutePath...)
	}
	return out
}
