// Package transport moves encoded messages between directly linked devices.
// Each adapter owns its accept and dial paths, announces the peer's device
// ID from the hello frame and reports link changes on its event channel.
package transport

import (
	"context"
	"errors"
)

// Kind names a link technology.
type Kind string

const (
	KindTCP       Kind = "tcp"
	KindQUIC      Kind = "quic"
	KindWebSocket Kind = "websocket"
	KindMemory    Kind = "memory"
)

var (
	// ErrUnknownConnection is returned when sending on an identifier the adapter does not hold.
	ErrUnknownConnection = errors.New("transport: unknown connection")
	// ErrClosed is returned by adapters after Close.
	ErrClosed = errors.New("transport: adapter closed")
	// ErrNotStarted is returned when an adapter is used before Start.
	ErrNotStarted = errors.New("transport: adapter not started")
)

// EventType distinguishes adapter events.
type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventData
	// EventKeepAlive reports a ping or pong on a live link. It carries no payload.
	EventKeepAlive
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventData:
		return "data"
	case EventKeepAlive:
		return "keepalive"
	default:
		return "unknown"
	}
}

// Event reports a link change or an inbound payload. DeviceID and
// DeviceName come from the peer's hello frame.
type Event struct {
	Type       EventType
	Kind       Kind
	Identifier string
	DeviceID   string
	DeviceName string
	Payload    []byte
}

// Identity is what this device announces in its hello frame.
type Identity struct {
	DeviceID   string
	DeviceName string
}

// Adapter is one link technology. Identifiers are unique per live link and
// are only meaningful to the adapter that issued them.
type Adapter interface {
	Kind() Kind
	// Start begins accepting links. It returns once the listener is ready.
	Start(ctx context.Context) error
	// Connect dials address and completes the hello exchange.
	Connect(ctx context.Context, address string) error
	Send(identifier string, payload []byte) error
	// Broadcast sends payload on every live link.
	Broadcast(payload []byte) error
	// Events is never closed; consumers stop on their own context.
	Events() <-chan Event
	Close() error
}
