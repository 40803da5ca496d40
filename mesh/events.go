// Package mesh routes messages across a multi-hop mesh of directly linked
// devices. A single dispatcher worker owns deduplication, persistence and
// delivery; the pool, routing table and route discovery feed its decisions.
package mesh

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"meshlink/models"
)

const eventBufferSize = 256

// EventKind names a domain event emitted by the mesh.
type EventKind string

const (
	EventMessageReceived  EventKind = "message_received"
	EventRouteEstablished EventKind = "route_established"
	EventNeighborDead     EventKind = "neighbor_dead"
	EventPeerConnected    EventKind = "peer_connected"
	EventPeerDisconnected EventKind = "peer_disconnected"
	EventKeyConflict      EventKind = "key_conflict"
)

// Event is published on the dispatcher's event channel.
type Event struct {
	Kind     EventKind
	DeviceID string
	Message  models.Message
	Time     time.Time
}

// Listener receives delivered messages.
type Listener interface {
	OnMessageReceived(msg models.Message)
}

// Notify forwards message events to l until ctx is done.
func Notify(ctx context.Context, events <-chan Event, l Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if ev.Kind == EventMessageReceived {
				l.OnMessageReceived(ev.Message)
			}
		}
	}
}

type eventBus struct {
	ch     chan Event
	logger *log.Entry
}

func newEventBus(logger *log.Entry) *eventBus {
	return &eventBus{ch: make(chan Event, eventBufferSize), logger: logger}
}

// emit never blocks; events are dropped when nobody keeps up.
func (b *eventBus) emit(ev Event) {
	select {
	case b.ch <- ev:
	default:
		b.logger.WithField("event", ev.Kind).Warn("event channel full, dropping event")
	}
}
