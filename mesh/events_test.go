package mesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"meshlink/models"
)

type recordingListener struct {
	mu       sync.Mutex
	messages []models.Message
}

func (l *recordingListener) OnMessageReceived(msg models.Message) {
	l.mu.Lock()
	l.messages = append(l.messages, msg)
	l.mu.Unlock()
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}

func TestNotifyDeliversMessageEventsOnly(t *testing.T) {
	events := make(chan Event, 4)
	events <- Event{Kind: EventPeerConnected, DeviceID: "B"}
	events <- Event{Kind: EventMessageReceived, Message: models.Message{ID: "m1"}}
	events <- Event{Kind: EventRouteEstablished, DeviceID: "C"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	listener := &recordingListener{}
	go func() {
		defer close(done)
		Notify(ctx, events, listener)
	}()

	waitForCondition(t, time.Second, func() bool { return listener.count() == 1 })
	cancel()
	<-done
}

func TestEventBusNeverBlocks(t *testing.T) {
	bus := newEventBus(componentLogger(nil, "test"))
	for i := 0; i < eventBufferSize+10; i++ {
		bus.emit(Event{Kind: EventPeerConnected})
	}
	if len(bus.ch) != eventBufferSize {
		t.Fatalf("expected full buffer of %d, got %d", eventBufferSize, len(bus.ch))
	}
}
