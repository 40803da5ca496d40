package node

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"meshlink/config"
	"meshlink/crypto"
	"meshlink/logging"
	"meshlink/mesh"
	"meshlink/models"
	"meshlink/storage"
	"meshlink/transport"
)

func testConfig(t *testing.T) (*config.DeviceConfig, string) {
	t.Helper()
	dataDir := t.TempDir()
	cfg, _, err := config.LoadOrCreateAt(dataDir)
	if err != nil {
		t.Fatalf("LoadOrCreateAt failed: %v", err)
	}
	cfg.Discovery.MDNS = false
	cfg.Mesh.OfflineFlushDelayMillis = 1
	return cfg, dataDir
}

func newMemoryNode(t *testing.T, network *transport.MemoryNetwork, address string) *Node {
	t.Helper()
	cfg, dataDir := testConfig(t)
	cfg.DeviceName = address
	adapter := network.NewMemory(address, transport.Identity{DeviceID: cfg.DeviceID, DeviceName: address}, nil)
	n, err := New(Options{
		Config:   cfg,
		DataDir:  dataDir,
		Logger:   logging.Discard(),
		Adapters: []transport.Adapter{adapter},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return n
}

func startNode(t *testing.T, n *Node) {
	t.Helper()
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(n.Stop)
}

func linkNodes(t *testing.T, a, b *Node, bAddress string) {
	t.Helper()
	if err := a.Dial(context.Background(), transport.KindMemory, bAddress); err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	waitForCondition(t, 2*time.Second, func() bool {
		return len(a.Dispatcher().Pool().ConnectionsForDevice(b.DeviceID())) > 0 &&
			len(b.Dispatcher().Pool().ConnectionsForDevice(a.DeviceID())) > 0
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

func messageStatus(n *Node, id string) string {
	msg, err := n.Message(id)
	if err != nil {
		return ""
	}
	return msg.DeliveryStatus
}

type chanListener chan models.Message

func (c chanListener) OnMessageReceived(msg models.Message) { c <- msg }

func TestNewRequiresConfigAndDataDir(t *testing.T) {
	if _, err := New(Options{DataDir: t.TempDir()}); err == nil {
		t.Fatalf("expected error without config")
	}
	cfg, _ := testConfig(t)
	if _, err := New(Options{Config: cfg}); err == nil {
		t.Fatalf("expected error without data directory")
	}
}

func TestNewFailsWithoutTransports(t *testing.T) {
	cfg, dataDir := testConfig(t)
	cfg.Transports.TCP.Enabled = false
	cfg.Transports.QUIC.Enabled = false
	cfg.Transports.WebSocket.Enabled = false
	_, err := New(Options{Config: cfg, DataDir: dataDir, Logger: logging.Discard()})
	if !errors.Is(err, ErrNoTransports) {
		t.Fatalf("expected ErrNoTransports, got %v", err)
	}
}

func TestNodesExchangeTextAndReceipts(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newMemoryNode(t, network, "A")
	b := newMemoryNode(t, network, "B")
	startNode(t, a)
	startNode(t, b)

	received := make(chanListener, 8)
	b.Subscribe(received)

	linkNodes(t, a, b, "B")

	sent, err := a.SendText(b.DeviceID(), "hello")
	if err != nil {
		t.Fatalf("SendText failed: %v", err)
	}

	select {
	case msg := <-received:
		if msg.ID != sent.ID || msg.Content != "hello" || msg.SenderID != a.DeviceID() {
			t.Fatalf("unexpected delivered message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("message was not delivered")
	}

	waitForCondition(t, 2*time.Second, func() bool {
		return messageStatus(a, sent.ID) == storage.StatusDelivered
	})

	if err := b.MarkRead(sent.ID); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if got := messageStatus(b, sent.ID); got != storage.StatusRead {
		t.Fatalf("expected local status read, got %q", got)
	}
	waitForCondition(t, 2*time.Second, func() bool {
		return messageStatus(a, sent.ID) == storage.StatusRead
	})

	if err := a.MarkRead(sent.ID); !errors.Is(err, ErrNotInbound) {
		t.Fatalf("expected ErrNotInbound for own message, got %v", err)
	}

	history, err := a.Conversation(b.DeviceID(), 10)
	if err != nil {
		t.Fatalf("Conversation failed: %v", err)
	}
	if len(history) != 1 || history[0].MessageID != sent.ID {
		t.Fatalf("unexpected conversation: %+v", history)
	}
}

func TestNodeQueuesOfflineUntilLinked(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newMemoryNode(t, network, "A")
	b := newMemoryNode(t, network, "B")
	startNode(t, a)
	startNode(t, b)

	sent, err := a.SendText(b.DeviceID(), "later")
	if err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if got := messageStatus(a, sent.ID); got != storage.StatusQueued {
		t.Fatalf("expected queued status, got %q", got)
	}
	status, err := a.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.OfflineQueued != 1 {
		t.Fatalf("expected one offline message, got %d", status.OfflineQueued)
	}

	linkNodes(t, a, b, "B")

	waitForCondition(t, 2*time.Second, func() bool {
		return messageStatus(b, sent.ID) == storage.StatusReceived
	})
	waitForCondition(t, 2*time.Second, func() bool {
		status, err := a.Status()
		return err == nil && status.OfflineQueued == 0
	})
}

func TestNodeExchangesKeysOnLink(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newMemoryNode(t, network, "A")
	b := newMemoryNode(t, network, "B")
	startNode(t, a)
	startNode(t, b)
	linkNodes(t, a, b, "B")

	waitForCondition(t, 2*time.Second, func() bool {
		keys, err := b.PeerKeys()
		return err == nil && len(keys) == 1
	})
	keys, err := b.PeerKeys()
	if err != nil {
		t.Fatalf("PeerKeys failed: %v", err)
	}
	if keys[0].DeviceID != a.DeviceID() {
		t.Fatalf("unexpected key owner %q", keys[0].DeviceID)
	}
	if crypto.FormatFingerprint(keys[0].KeyFingerprint) != a.Fingerprint() {
		t.Fatalf("stored fingerprint %q does not match %q", keys[0].KeyFingerprint, a.Fingerprint())
	}
}

func TestNodeSendLocationAndSOS(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newMemoryNode(t, network, "A")
	b := newMemoryNode(t, network, "B")
	startNode(t, a)
	startNode(t, b)
	linkNodes(t, a, b, "B")

	position := models.LocationPayload{Latitude: 52.52, Longitude: 13.405, Accuracy: 8}
	if _, err := a.SendLocation(position); err != nil {
		t.Fatalf("SendLocation failed: %v", err)
	}
	own, err := a.Location(a.DeviceID())
	if err != nil {
		t.Fatalf("own location not recorded: %v", err)
	}
	if own.Latitude != position.Latitude {
		t.Fatalf("unexpected own location: %+v", own)
	}
	waitForCondition(t, 2*time.Second, func() bool {
		loc, err := b.Location(a.DeviceID())
		return err == nil && loc.Longitude == position.Longitude
	})

	sos, err := a.SendSOS(position)
	if err != nil {
		t.Fatalf("SendSOS failed: %v", err)
	}
	if sos.TTL != a.cfg.Mesh.MaxHops || !sos.IsBroadcast() {
		t.Fatalf("unexpected SOS message: %+v", sos)
	}
	waitForCondition(t, 2*time.Second, func() bool {
		return messageStatus(b, sos.ID) == storage.StatusReceived
	})
	broadcasts, err := b.Broadcasts(10)
	if err != nil {
		t.Fatalf("Broadcasts failed: %v", err)
	}
	if len(broadcasts) != 2 {
		t.Fatalf("expected location and SOS broadcasts, got %d", len(broadcasts))
	}
}

func TestNodeRelaysAcrossThreeNodes(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newMemoryNode(t, network, "A")
	b := newMemoryNode(t, network, "B")
	c := newMemoryNode(t, network, "C")
	startNode(t, a)
	startNode(t, b)
	startNode(t, c)
	linkNodes(t, a, b, "B")
	linkNodes(t, b, c, "C")

	sent, err := a.SendText(c.DeviceID(), "over the hill")
	if err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	waitForCondition(t, 2*time.Second, func() bool {
		return messageStatus(c, sent.ID) == storage.StatusReceived
	})
	msg, err := c.Message(sent.ID)
	if err != nil {
		t.Fatalf("Message failed: %v", err)
	}
	if msg.HopCount != 1 {
		t.Fatalf("expected one relay hop, got %d", msg.HopCount)
	}
	waitForCondition(t, 2*time.Second, func() bool {
		return messageStatus(a, sent.ID) == storage.StatusDelivered
	})
}

func TestNodeStatusReport(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newMemoryNode(t, network, "A")
	b := newMemoryNode(t, network, "B")
	startNode(t, a)
	startNode(t, b)
	linkNodes(t, a, b, "B")

	status, err := a.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if len(status.Transports) != 1 || status.Transports[0].Kind != transport.KindMemory || status.Transports[0].Address != "A" {
		t.Fatalf("unexpected transports: %+v", status.Transports)
	}
	if len(status.Neighbors) != 1 || status.Neighbors[0].DeviceID != b.DeviceID() {
		t.Fatalf("unexpected neighbors: %+v", status.Neighbors)
	}

	report, err := a.Report()
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	for _, want := range []string{a.DeviceID(), "Connections: 1", "Offline queue: 0", b.DeviceID()} {
		if !strings.Contains(report, want) {
			t.Fatalf("report missing %q:\n%s", want, report)
		}
	}
}

func TestNodeConnectValidatesAddress(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newMemoryNode(t, network, "A")
	startNode(t, a)

	if err := a.Connect(context.Background(), "quic://127.0.0.1:7421"); !errors.Is(err, ErrTransportDisabled) {
		t.Fatalf("expected ErrTransportDisabled, got %v", err)
	}
	if err := a.Connect(context.Background(), "carrier-pigeon://roof"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}

func TestNodeDialsBootstrapPeerOverTCP(t *testing.T) {
	cfgB, dirB := testConfig(t)
	cfgB.Transports.TCP = config.ListenerConfig{Enabled: true, ListenAddress: "127.0.0.1:0"}
	b, err := New(Options{Config: cfgB, DataDir: dirB, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("New B failed: %v", err)
	}
	startNode(t, b)

	status, err := b.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if len(status.Transports) != 1 || status.Transports[0].Address == "" {
		t.Fatalf("expected B to report its tcp address, got %+v", status.Transports)
	}

	cfgA, dirA := testConfig(t)
	cfgA.Transports.TCP = config.ListenerConfig{Enabled: true, ListenAddress: "127.0.0.1:0"}
	cfgA.BootstrapPeers = []string{"tcp://" + status.Transports[0].Address}
	a, err := New(Options{
		Config:           cfgA,
		DataDir:          dirA,
		Logger:           logging.Discard(),
		ReconnectBackoff: []time.Duration{0, 50 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("New A failed: %v", err)
	}
	startNode(t, a)

	waitForCondition(t, 5*time.Second, func() bool {
		return len(a.Dispatcher().Pool().ConnectionsForDevice(b.DeviceID())) > 0
	})

	sent, err := a.SendText(b.DeviceID(), "over tcp")
	if err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	waitForCondition(t, 5*time.Second, func() bool {
		return messageStatus(b, sent.ID) == storage.StatusReceived
	})
}

func TestShouldDialBreaksSymmetry(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newMemoryNode(t, network, "A")
	t.Cleanup(a.Stop)

	self := a.DeviceID()
	if a.shouldDial(self) {
		t.Fatalf("node should never dial itself")
	}
	if a.shouldDial("") {
		t.Fatalf("node should not dial an empty device id")
	}
	if !a.shouldDial(self + "z") {
		t.Fatalf("lower device id should dial the higher one")
	}
	if a.shouldDial("0") {
		t.Fatalf("higher device id should wait to be dialed")
	}

	a.Dispatcher().Pool().AddConnection("memory:X", self+"z", "X", transport.KindMemory)
	if a.shouldDial(self + "z") {
		t.Fatalf("node should not dial a device it is already linked to")
	}
}

func TestBackoffForAttemptClampsToLastStep(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newMemoryNode(t, network, "A")
	t.Cleanup(a.Stop)

	want := []time.Duration{0, 5 * time.Second, 15 * time.Second, 60 * time.Second, 60 * time.Second}
	for attempt, expected := range want {
		if got := a.backoffForAttempt(attempt); got != expected {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, expected, got)
		}
	}
}

func TestSchemeAndEndpointKinds(t *testing.T) {
	if kindForScheme(config.SchemeWebSocket) != transport.KindWebSocket {
		t.Fatalf("ws scheme should map to the websocket transport")
	}
	if kindForEndpoint("quic") != transport.KindQUIC {
		t.Fatalf("quic endpoint should map to the quic transport")
	}
	if _, ok := endpointForKind(transport.KindMemory); ok {
		t.Fatalf("memory transport should not be advertised over mdns")
	}
}

func TestSubscribeStopsWithNode(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newMemoryNode(t, network, "A")
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	a.Subscribe(make(chanListener))

	done := make(chan struct{})
	go func() {
		a.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop did not return")
	}
	if _, err := a.SendText("anyone", "hi"); !errors.Is(err, mesh.ErrStopped) {
		t.Fatalf("expected ErrStopped after Stop, got %v", err)
	}
}
