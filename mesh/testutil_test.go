package mesh

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"meshlink/crypto"
	"meshlink/models"
	"meshlink/offline"
	"meshlink/storage"
	"meshlink/transport"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sentFrame struct {
	conn ConnectionInfo
	msg  models.Message
}

// recordingSender captures every link send instead of using a transport.
type recordingSender struct {
	mu   sync.Mutex
	sent []sentFrame
	fail map[string]bool
}

func (s *recordingSender) SendTo(conn ConnectionInfo, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[conn.Identifier] {
		return errors.New("link down")
	}
	msg, err := models.DecodeMessage(payload)
	if err != nil {
		return err
	}
	s.sent = append(s.sent, sentFrame{conn: conn, msg: msg})
	return nil
}

func (s *recordingSender) failLink(identifier string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail == nil {
		s.fail = make(map[string]bool)
	}
	s.fail[identifier] = true
}

func (s *recordingSender) frames() []sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentFrame(nil), s.sent...)
}

func (s *recordingSender) framesOfType(t models.MessageType) []sentFrame {
	var out []sentFrame
	for _, f := range s.frames() {
		if f.msg.Type == t {
			out = append(out, f)
		}
	}
	return out
}

type testDispatcher struct {
	*Dispatcher
	sender  *recordingSender
	store   *storage.Store
	offline *offline.Queue
}

func newTestDispatcher(t *testing.T, deviceID string, clock *fakeClock) *testDispatcher {
	t.Helper()

	dir := t.TempDir()
	store, err := storage.OpenPath(filepath.Join(dir, storage.DefaultDBFileName))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	queue, err := offline.OpenPath(filepath.Join(dir, offline.DefaultFileName), nil)
	if err != nil {
		t.Fatalf("open offline queue: %v", err)
	}

	now := time.Now
	if clock != nil {
		now = clock.Now
	}
	sender := &recordingSender{}
	d, err := NewDispatcher(DispatcherOptions{
		DeviceID:          deviceID,
		DeviceName:        "Device " + deviceID,
		OfflineFlushDelay: 5 * time.Millisecond,
		Store:             store,
		Offline:           queue,
		Sender:            sender,
		Now:               now,
	})
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	t.Cleanup(func() {
		cancel()
		d.Stop()
		_ = queue.Close()
		_ = store.Close()
	})

	return &testDispatcher{Dispatcher: d, sender: sender, store: store, offline: queue}
}

func (td *testDispatcher) linkUp(t *testing.T, deviceID string) string {
	t.Helper()
	identifier := "memory:" + deviceID
	td.HandleLinkUp(identifier, deviceID, "Device "+deviceID, transport.KindMemory)
	barrier(t, td.Dispatcher)
	return identifier
}

func (td *testDispatcher) receive(t *testing.T, fromDevice string, msg models.Message) {
	t.Helper()
	payload, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode message: %v", err)
	}
	td.HandleInbound("memory:"+fromDevice, fromDevice, transport.KindMemory, payload)
	barrier(t, td.Dispatcher)
}

// barrier waits until the worker has drained everything queued before it.
func barrier(t *testing.T, d *Dispatcher) {
	t.Helper()
	if err := d.call(func() {}); err != nil {
		t.Fatalf("dispatcher barrier: %v", err)
	}
}

// meshNode is one device on an in-memory network.
type meshNode struct {
	id         string
	dispatcher *Dispatcher
	adapter    *transport.MemoryAdapter
	store      *storage.Store
}

func newMeshNode(t *testing.T, network *transport.MemoryNetwork, deviceID string) *meshNode {
	t.Helper()

	dir := t.TempDir()
	store, err := storage.OpenPath(filepath.Join(dir, storage.DefaultDBFileName))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	queue, err := offline.OpenPath(filepath.Join(dir, offline.DefaultFileName), nil)
	if err != nil {
		t.Fatalf("open offline queue: %v", err)
	}
	key, err := crypto.GenerateDeviceKey()
	if err != nil {
		t.Fatalf("generate device key: %v", err)
	}

	adapter := network.NewMemory(deviceID, transport.Identity{DeviceID: deviceID, DeviceName: "Device " + deviceID}, nil)
	d, err := NewDispatcher(DispatcherOptions{
		DeviceID:          deviceID,
		DeviceName:        "Device " + deviceID,
		PublicKey:         key.PublicKeyBase64(),
		OfflineFlushDelay: 5 * time.Millisecond,
		Store:             store,
		Offline:           queue,
		Sender:            Adapters{transport.KindMemory: adapter},
	})
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := adapter.Start(ctx); err != nil {
		t.Fatalf("start adapter: %v", err)
	}
	d.Start(ctx)

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-adapter.Events():
				d.HandleTransportEvent(ev)
			}
		}
	}()

	t.Cleanup(func() {
		cancel()
		_ = adapter.Close()
		<-pumpDone
		d.Stop()
		_ = queue.Close()
		_ = store.Close()
	})

	return &meshNode{id: deviceID, dispatcher: d, adapter: adapter, store: store}
}

func connectNodes(t *testing.T, from, to *meshNode) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := from.adapter.Connect(ctx, to.id); err != nil {
		t.Fatalf("connect %s -> %s: %v", from.id, to.id, err)
	}
	waitForCondition(t, 2*time.Second, func() bool {
		return from.dispatcher.Routes().IsNeighbor(to.id) && to.dispatcher.Routes().IsNeighbor(from.id)
	})
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func waitForMeshEvent(t *testing.T, events <-chan Event, kind EventKind, deviceID string, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind && (deviceID == "" || ev.DeviceID == deviceID) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event from %q", kind, deviceID)
			return Event{}
		}
	}
}

// drainEvents returns the events already buffered, without waiting.
func drainEvents(events <-chan Event, kind EventKind) []Event {
	var out []Event
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				out = append(out, ev)
			}
		default:
			return out
		}
	}
}
