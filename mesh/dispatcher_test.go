package mesh

import (
	"errors"
	"testing"
	"time"

	"meshlink/crypto"
	"meshlink/models"
	"meshlink/storage"
	"meshlink/transport"
)

func textMessage(id, from, to string, ttl int) models.Message {
	return models.Message{
		ID:         id,
		SenderID:   from,
		ReceiverID: to,
		Type:       models.TypeText,
		Content:    "hello " + id,
		TTL:        ttl,
		Timestamp:  time.Now().UnixMilli(),
	}
}

func TestDuplicateBroadcastIsDeliveredAndForwardedOnce(t *testing.T) {
	b := newTestDispatcher(t, "B", nil)
	b.linkUp(t, "A")
	b.linkUp(t, "C")

	original := textMessage("m1", "A", models.Broadcast, 3)
	b.receive(t, "A", original)

	frames := b.sender.framesOfType(models.TypeText)
	if len(frames) != 1 {
		t.Fatalf("expected one forwarded copy, got %d", len(frames))
	}
	fwd := frames[0]
	if fwd.conn.DeviceID != "C" {
		t.Fatalf("forward should skip the arrival link, went to %q", fwd.conn.DeviceID)
	}
	if fwd.msg.ID != "m1" || fwd.msg.TTL != 2 || fwd.msg.HopCount != 1 {
		t.Fatalf("unexpected forwarded copy: %+v", fwd.msg)
	}

	// The same message arriving over another path.
	b.receive(t, "C", fwd.msg)
	b.receive(t, "A", original)

	if got := len(b.sender.framesOfType(models.TypeText)); got != 1 {
		t.Fatalf("duplicate must not be forwarded again, %d text frames sent", got)
	}
	count, err := b.store.CountMessages()
	if err != nil {
		t.Fatalf("CountMessages failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one persisted record, got %d", count)
	}
	if got := len(drainEvents(b.Events(), EventMessageReceived)); got != 1 {
		t.Fatalf("expected exactly one delivery event, got %d", got)
	}
}

func TestTTLExhaustedMessageIsDeliveredButNotForwarded(t *testing.T) {
	b := newTestDispatcher(t, "B", nil)
	b.linkUp(t, "A")
	b.linkUp(t, "C")

	b.receive(t, "A", textMessage("last-hop", "A", models.Broadcast, 1))

	if got := len(b.sender.framesOfType(models.TypeText)); got != 0 {
		t.Fatalf("ttl 1 message must not be forwarded, sent %d", got)
	}
	if _, err := b.store.GetMessageByID("last-hop"); err != nil {
		t.Fatalf("message should still be delivered locally: %v", err)
	}
}

func TestPrivateMessageForSelfIsNotForwardedAndAcknowledged(t *testing.T) {
	b := newTestDispatcher(t, "B", nil)
	b.linkUp(t, "A")
	b.linkUp(t, "C")

	b.receive(t, "A", textMessage("private-1", "A", "B", 5))

	stored, err := b.store.GetMessageByID("private-1")
	if err != nil {
		t.Fatalf("GetMessageByID failed: %v", err)
	}
	if stored.DeliveryStatus != storage.StatusReceived || stored.TimestampReceived == nil {
		t.Fatalf("unexpected stored message: %+v", stored)
	}
	if got := len(b.sender.framesOfType(models.TypeText)); got != 0 {
		t.Fatalf("private message for self must not be forwarded, sent %d", got)
	}

	receipts := b.sender.framesOfType(models.TypeDeliveryReceipt)
	if len(receipts) == 0 {
		t.Fatalf("expected a delivery receipt")
	}
	receipt, err := models.DecodeReceipt(receipts[0].msg.Content)
	if err != nil {
		t.Fatalf("DecodeReceipt failed: %v", err)
	}
	if receipt.MessageID != "private-1" || receipts[0].msg.ReceiverID != "A" {
		t.Fatalf("unexpected receipt %+v to %q", receipt, receipts[0].msg.ReceiverID)
	}
}

func TestReceiptsUpdateOutboundStatus(t *testing.T) {
	a := newTestDispatcher(t, "A", nil)
	a.linkUp(t, "B")

	sent, err := a.SendMessage(models.Message{ReceiverID: "B", Type: models.TypeText, Content: "ping"})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if sent.ID == "" || sent.TTL != DefaultTTL || sent.SenderID != "A" {
		t.Fatalf("defaults not applied: %+v", sent)
	}

	content, _ := models.EncodeContent(models.ReceiptPayload{MessageID: sent.ID})
	a.receive(t, "B", models.Message{ID: "r1", SenderID: "B", ReceiverID: "A", Type: models.TypeDeliveryReceipt, Content: content, TTL: 3})
	if msg, _ := a.store.GetMessageByID(sent.ID); msg == nil || msg.DeliveryStatus != storage.StatusDelivered {
		t.Fatalf("expected delivered status, got %+v", msg)
	}

	a.receive(t, "B", models.Message{ID: "r2", SenderID: "B", ReceiverID: "A", Type: models.TypeReadReceipt, Content: content, TTL: 3})
	if msg, _ := a.store.GetMessageByID(sent.ID); msg == nil || msg.DeliveryStatus != storage.StatusRead {
		t.Fatalf("expected read status, got %+v", msg)
	}
}

func TestExpiredTokenIsDropped(t *testing.T) {
	b := newTestDispatcher(t, "B", nil)
	b.linkUp(t, "A")
	b.linkUp(t, "C")

	msg := textMessage("expired", "A", models.Broadcast, 5)
	msg.TokenExpiry = time.Now().Add(-2 * time.Minute).UnixMilli()
	b.receive(t, "A", msg)

	if _, err := b.store.GetMessageByID("expired"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expired message must not be persisted, err=%v", err)
	}
	if got := len(b.sender.framesOfType(models.TypeText)); got != 0 {
		t.Fatalf("expired message must not be forwarded")
	}
	if b.Health().Stats().MessagesDropped != 1 {
		t.Fatalf("expected drop to be counted")
	}
}

func TestMalformedPayloadIsDropped(t *testing.T) {
	b := newTestDispatcher(t, "B", nil)
	b.linkUp(t, "A")

	b.HandleInbound("memory:A", "A", "memory", []byte("{not json"))
	barrier(t, b.Dispatcher)

	if b.Health().Stats().MessagesDropped != 1 {
		t.Fatalf("expected malformed payload to be counted as dropped")
	}
}

func TestKeyExchangeFirstKeyWins(t *testing.T) {
	b := newTestDispatcher(t, "B", nil)
	b.linkUp(t, "A")
	b.linkUp(t, "C")

	first, err := crypto.GenerateDeviceKey()
	if err != nil {
		t.Fatalf("GenerateDeviceKey failed: %v", err)
	}
	second, err := crypto.GenerateDeviceKey()
	if err != nil {
		t.Fatalf("GenerateDeviceKey failed: %v", err)
	}

	b.receive(t, "A", models.Message{ID: "k1", SenderID: "A", ReceiverID: models.Broadcast, Type: models.TypeKeyExchange, Content: first.PublicKeyBase64(), TTL: 3})
	stored, err := b.store.GetPeerKey("A")
	if err != nil {
		t.Fatalf("GetPeerKey failed: %v", err)
	}
	if stored.KeyFingerprint != first.Fingerprint() {
		t.Fatalf("unexpected fingerprint %q", stored.KeyFingerprint)
	}
	relayed := b.sender.framesOfType(models.TypeKeyExchange)
	if len(relayed) != 1 || relayed[0].msg.TTL != 2 || relayed[0].conn.DeviceID != "C" {
		t.Fatalf("key exchange should be relayed once with ttl 2, got %+v", relayed)
	}

	b.receive(t, "A", models.Message{ID: "k2", SenderID: "A", ReceiverID: models.Broadcast, Type: models.TypeKeyExchange, Content: second.PublicKeyBase64(), TTL: 1})
	stored, err = b.store.GetPeerKey("A")
	if err != nil {
		t.Fatalf("GetPeerKey failed: %v", err)
	}
	if stored.KeyFingerprint != first.Fingerprint() {
		t.Fatalf("a later key must not replace the first one")
	}
	if got := len(drainEvents(b.Events(), EventKeyConflict)); got != 1 {
		t.Fatalf("expected a key conflict event, got %d", got)
	}
}

func TestLocationUpdateStoresLastKnownPosition(t *testing.T) {
	b := newTestDispatcher(t, "B", nil)
	b.linkUp(t, "A")

	content, _ := models.EncodeContent(models.LocationPayload{Latitude: 52.52, Longitude: 13.405, Accuracy: 8})
	b.receive(t, "A", models.Message{
		ID:         "loc-1",
		SenderID:   "A",
		ReceiverID: models.Broadcast,
		Type:       models.TypeLocationUpdate,
		Content:    content,
		TTL:        3,
		Timestamp:  time.Now().UnixMilli(),
	})

	loc, err := b.store.GetLocation("A")
	if err != nil {
		t.Fatalf("GetLocation failed: %v", err)
	}
	if loc.Latitude != 52.52 || loc.Longitude != 13.405 || loc.Accuracy != 8 {
		t.Fatalf("unexpected location %+v", loc)
	}
}

func TestRelayQueuesPrivateMessageWithNowhereToGo(t *testing.T) {
	b := newTestDispatcher(t, "B", nil)
	b.linkUp(t, "A")

	b.receive(t, "A", textMessage("for-z", "A", "Z", 4))

	row, err := b.store.GetQueuedMessage("for-z")
	if err != nil {
		t.Fatalf("expected relay to queue the message: %v", err)
	}
	if row.DestinationID != "Z" || row.ForwardingStrategy != storage.StrategyRelay || row.NextHopID != nil {
		t.Fatalf("unexpected queued row: %+v", row)
	}
	if row.HopCount != 1 {
		t.Fatalf("queued copy should carry the forwarded hop count, got %d", row.HopCount)
	}
}

func TestOfflineMessagesFlushInOrderOnConnect(t *testing.T) {
	a := newTestDispatcher(t, "A", nil)

	var ids []string
	for i := 0; i < 3; i++ {
		msg, err := a.SendMessage(models.Message{ReceiverID: models.Broadcast, Type: models.TypeText, Content: "queued"})
		if err != nil {
			t.Fatalf("SendMessage failed: %v", err)
		}
		ids = append(ids, msg.ID)
	}
	if a.offline.Len() != 3 {
		t.Fatalf("expected 3 offline messages, got %d", a.offline.Len())
	}
	if msg, _ := a.store.GetMessageByID(ids[0]); msg == nil || msg.DeliveryStatus != storage.StatusQueued {
		t.Fatalf("expected queued status, got %+v", msg)
	}

	a.linkUp(t, "B")
	waitForCondition(t, 2*time.Second, func() bool {
		return len(a.sender.framesOfType(models.TypeText)) == 3 && a.offline.Len() == 0
	})

	frames := a.sender.framesOfType(models.TypeText)
	for i, frame := range frames {
		if frame.msg.ID != ids[i] {
			t.Fatalf("flush out of order at %d: got %q want %q", i, frame.msg.ID, ids[i])
		}
	}
	waitForCondition(t, time.Second, func() bool {
		msg, err := a.store.GetMessageByID(ids[2])
		return err == nil && msg.DeliveryStatus == storage.StatusSent
	})
}

func TestUnicastWithoutRouteFloodsQueuesAndDiscovers(t *testing.T) {
	a := newTestDispatcher(t, "A", nil)
	a.linkUp(t, "B")

	msg, err := a.SendMessage(models.Message{ReceiverID: "Z", Type: models.TypeText, Content: "far away"})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	if got := len(a.sender.framesOfType(models.TypeText)); got != 1 {
		t.Fatalf("expected the message flooded to B, got %d frames", got)
	}
	if _, err := a.store.GetQueuedMessage(msg.ID); err != nil {
		t.Fatalf("expected store-and-forward row: %v", err)
	}
	requests := a.sender.framesOfType(models.TypeRouteRequest)
	if len(requests) != 1 || requests[0].msg.Content != "Z" || requests[0].msg.OriginatorID != "A" {
		t.Fatalf("expected one route request for Z, got %+v", requests)
	}
	if state := a.Discovery().State("Z"); state != StateRequestPending {
		t.Fatalf("expected pending discovery, got %s", state)
	}
}

func TestSendMessageRequiresReceiver(t *testing.T) {
	a := newTestDispatcher(t, "A", nil)
	if _, err := a.SendMessage(models.Message{Type: models.TypeText}); !errors.Is(err, ErrMissingReceiver) {
		t.Fatalf("expected ErrMissingReceiver, got %v", err)
	}
}

func TestSendFailureRecordedAgainstConnection(t *testing.T) {
	a := newTestDispatcher(t, "A", nil)
	identifier := a.linkUp(t, "B")
	a.sender.failLink(identifier)

	if _, err := a.SendMessage(models.Message{ReceiverID: models.Broadcast, Type: models.TypeText, Content: "x"}); err != nil {
		t.Fatalf("send failures must not surface to the caller: %v", err)
	}
	conn, ok := a.Pool().Get(identifier)
	if !ok || conn.FailedAttempts != 1 {
		t.Fatalf("expected one failed attempt, got %+v", conn)
	}
	if a.Health().Stats().MessagesFailed != 1 {
		t.Fatalf("expected failure counted in stats")
	}
}

func TestLinkDownRemovesNeighborAndRoutes(t *testing.T) {
	a := newTestDispatcher(t, "A", nil)
	identifier := a.linkUp(t, "B")
	a.Routes().AddRoute("C", "B", 2, 0, 1)

	a.HandleLinkDown(identifier, "B")
	barrier(t, a.Dispatcher)

	if a.Routes().IsNeighbor("B") || a.Routes().HasRoute("C") {
		t.Fatalf("neighbor and its routes should be removed")
	}
	if a.Pool().HasConnections() {
		t.Fatalf("pool should be empty")
	}
	if got := len(drainEvents(a.Events(), EventPeerDisconnected)); got != 1 {
		t.Fatalf("expected one disconnect event, got %d", got)
	}
}

func TestStaleSweepRemovesNeighborAndLaterLinkDownIsQuiet(t *testing.T) {
	clock := newFakeClock()
	a := newTestDispatcher(t, "A", clock)
	identifier := a.linkUp(t, "B")
	a.Routes().AddRoute("D", "B", 2, 0, 1)
	drainEvents(a.Events(), EventPeerConnected)

	clock.Advance(StaleAfter + time.Second)
	if err := a.Maintain(); err != nil {
		t.Fatalf("Maintain failed: %v", err)
	}
	if a.Pool().HasConnections() {
		t.Fatalf("silent link should be swept")
	}
	if a.Routes().IsNeighbor("B") || a.Routes().HasRoute("D") {
		t.Fatalf("sweeping the last link must remove the neighbor and its routes")
	}
	if got := len(drainEvents(a.Events(), EventPeerDisconnected)); got != 1 {
		t.Fatalf("expected one disconnect event from the sweep, got %d", got)
	}

	a.HandleLinkDown(identifier, "B")
	barrier(t, a.Dispatcher)
	if got := len(drainEvents(a.Events(), EventPeerDisconnected)); got != 0 {
		t.Fatalf("link down after the sweep must not report the peer twice, got %d", got)
	}
}

func TestLinkDownFallsBackToEventDevice(t *testing.T) {
	a := newTestDispatcher(t, "A", nil)
	identifier := a.linkUp(t, "B")
	a.Routes().AddRoute("D", "B", 2, 0, 1)
	if _, ok := a.Pool().RemoveConnection(identifier); !ok {
		t.Fatalf("link should be pooled")
	}

	a.HandleLinkDown(identifier, "B")
	barrier(t, a.Dispatcher)

	if a.Routes().IsNeighbor("B") || a.Routes().HasRoute("D") {
		t.Fatalf("neighbor and its routes should be removed without a pool entry")
	}
	if got := len(drainEvents(a.Events(), EventPeerDisconnected)); got != 1 {
		t.Fatalf("expected one disconnect event, got %d", got)
	}
}

func TestLinkDownKeepsNeighborWithAnotherLink(t *testing.T) {
	a := newTestDispatcher(t, "A", nil)
	identifier := a.linkUp(t, "B")
	a.HandleLinkUp("tcp:b", "B", "Device B", transport.KindTCP)
	barrier(t, a.Dispatcher)

	a.HandleLinkDown(identifier, "B")
	barrier(t, a.Dispatcher)

	if !a.Routes().IsNeighbor("B") {
		t.Fatalf("neighbor with a remaining link must stay")
	}
	if _, ok := a.Pool().BestConnectionForDevice("B"); !ok {
		t.Fatalf("remaining link should still be usable")
	}
}

func TestKeepAliveHoldsLinkAndReadmitsSweptLink(t *testing.T) {
	clock := newFakeClock()
	a := newTestDispatcher(t, "A", clock)
	identifier := a.linkUp(t, "B")

	clock.Advance(20 * time.Second)
	a.HandleKeepAlive(identifier, "B", "Device B", transport.KindMemory)
	clock.Advance(20 * time.Second)
	if err := a.Maintain(); err != nil {
		t.Fatalf("Maintain failed: %v", err)
	}
	if !a.Pool().HasConnections() || !a.Routes().IsNeighbor("B") {
		t.Fatalf("link refreshed by keepalive must survive the sweep")
	}

	clock.Advance(StaleAfter + time.Second)
	if err := a.Maintain(); err != nil {
		t.Fatalf("Maintain failed: %v", err)
	}
	if _, err := a.SendMessage(models.Message{ReceiverID: models.Broadcast, Type: models.TypeText, Content: "while swept"}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if a.offline.Len() != 1 {
		t.Fatalf("expected the message queued offline, got %d", a.offline.Len())
	}

	a.HandleKeepAlive(identifier, "B", "Device B", transport.KindMemory)
	waitForCondition(t, 2*time.Second, func() bool {
		return a.offline.Len() == 0 && len(a.sender.framesOfType(models.TypeText)) == 1
	})
	if !a.Routes().IsNeighbor("B") {
		t.Fatalf("keepalive on a swept link should restore the neighbor")
	}
}

func TestInboundOnSweptLinkRestoresNeighbor(t *testing.T) {
	clock := newFakeClock()
	a := newTestDispatcher(t, "A", clock)
	a.linkUp(t, "B")

	clock.Advance(StaleAfter + time.Second)
	if err := a.Maintain(); err != nil {
		t.Fatalf("Maintain failed: %v", err)
	}
	if a.Routes().IsNeighbor("B") {
		t.Fatalf("neighbor should be gone after the sweep")
	}

	a.receive(t, "B", textMessage("late", "B", "A", 3))
	if !a.Pool().HasConnections() || !a.Routes().IsNeighbor("B") {
		t.Fatalf("traffic on a swept link should register it again")
	}
}

func TestStoppedDispatcherRejectsWork(t *testing.T) {
	a := newTestDispatcher(t, "A", nil)
	a.Stop()
	if _, err := a.SendMessage(models.Message{ReceiverID: models.Broadcast, Type: models.TypeText}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}
