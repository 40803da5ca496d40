package node

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"meshlink/crypto"
	"meshlink/mesh"
	"meshlink/models"
	"meshlink/storage"
	"meshlink/transport"
)

// ErrNotInbound is returned by MarkRead for messages this device sent.
var ErrNotInbound = errors.New("node: message was not received by this device")

// DeviceID returns the local device ID.
func (n *Node) DeviceID() string { return n.cfg.DeviceID }

// Fingerprint returns the formatted fingerprint of the device key.
func (n *Node) Fingerprint() string { return crypto.FormatFingerprint(n.key.Fingerprint()) }

// DatabasePath returns the SQLite file backing this node.
func (n *Node) DatabasePath() string { return n.dbPath }

// Dispatcher exposes the mesh core.
func (n *Node) Dispatcher() *mesh.Dispatcher { return n.dispatcher }

// Events returns the domain event stream. Use either Events or Subscribe,
// not both: they drain the same channel.
func (n *Node) Events() <-chan mesh.Event { return n.dispatcher.Events() }

// Subscribe delivers received messages to l until the node stops.
func (n *Node) Subscribe(l mesh.Listener) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		mesh.Notify(n.ctx, n.dispatcher.Events(), l)
	}()
}

// SendText sends a chat message to one device, or to every device when
// receiverID is models.Broadcast.
func (n *Node) SendText(receiverID, text string) (models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return models.Message{}, errors.New("node: text is required")
	}
	return n.dispatcher.SendMessage(models.Message{
		ReceiverID: receiverID,
		Type:       models.TypeText,
		Content:    text,
	})
}

// SendSOS broadcasts an emergency message carrying the device's position.
// SOS travels as far as the hop limit allows.
func (n *Node) SendSOS(location models.LocationPayload) (models.Message, error) {
	content, err := models.EncodeContent(location)
	if err != nil {
		return models.Message{}, err
	}
	return n.dispatcher.SendMessage(models.Message{
		ReceiverID: models.Broadcast,
		Type:       models.TypeSOS,
		Content:    content,
		TTL:        n.cfg.Mesh.MaxHops,
	})
}

// SendLocation records the local position and broadcasts it.
func (n *Node) SendLocation(location models.LocationPayload) (models.Message, error) {
	content, err := models.EncodeContent(location)
	if err != nil {
		return models.Message{}, err
	}
	msg, err := n.dispatcher.SendMessage(models.Message{
		ReceiverID: models.Broadcast,
		Type:       models.TypeLocationUpdate,
		Content:    content,
	})
	if err != nil {
		return msg, err
	}
	if err := n.store.UpsertLocation(storage.Location{
		DeviceID:  n.cfg.DeviceID,
		Latitude:  location.Latitude,
		Longitude: location.Longitude,
		Accuracy:  location.Accuracy,
		UpdatedAt: msg.Timestamp,
	}); err != nil {
		n.logger.WithError(err).Warn("record own location failed")
	}
	return msg, nil
}

// MarkRead marks a received message read and sends a READ_RECEIPT to its
// sender. Broadcasts are marked locally only.
func (n *Node) MarkRead(messageID string) error {
	record, err := n.store.GetMessageByID(messageID)
	if err != nil {
		return err
	}
	if record.SenderID == n.cfg.DeviceID {
		return ErrNotInbound
	}
	if err := n.store.UpdateDeliveryStatus(messageID, storage.StatusRead); err != nil {
		return err
	}
	if record.ReceiverID == models.Broadcast {
		return nil
	}
	return n.dispatcher.SendReceipt(models.TypeReadReceipt, models.Message{
		ID:       record.MessageID,
		SenderID: record.SenderID,
	})
}

// Conversation returns the stored messages exchanged with peerID.
func (n *Node) Conversation(peerID string, limit int) ([]storage.Message, error) {
	return n.store.GetConversation(peerID, limit, 0)
}

// Broadcasts returns stored messages addressed to every device.
func (n *Node) Broadcasts(limit int) ([]storage.Message, error) {
	return n.store.GetBroadcastMessages(models.Broadcast, limit, 0)
}

// Message returns one stored message.
func (n *Node) Message(messageID string) (*storage.Message, error) {
	return n.store.GetMessageByID(messageID)
}

// PeerKeys lists the keys learned from KEY_EXCHANGE announcements.
func (n *Node) PeerKeys() ([]storage.PeerKey, error) {
	return n.store.ListPeerKeys()
}

// Location returns the last known position of deviceID.
func (n *Node) Location(deviceID string) (*storage.Location, error) {
	return n.store.GetLocation(deviceID)
}

// TransportStatus describes one running adapter.
type TransportStatus struct {
	Kind    transport.Kind
	Address string
}

// Status is a point-in-time view of the node.
type Status struct {
	DeviceID      string
	DeviceName    string
	Fingerprint   string
	Transports    []TransportStatus
	Connections   []mesh.ConnectionInfo
	Neighbors     []mesh.NeighborInfo
	Routes        []mesh.RouteInfo
	OfflineQueued int
	ForwardQueued int
	StoredCount   int
	Stats         mesh.Stats
}

// Status collects pool, routing and queue state.
func (n *Node) Status() (Status, error) {
	status := Status{
		DeviceID:      n.cfg.DeviceID,
		DeviceName:    n.cfg.DeviceName,
		Fingerprint:   n.Fingerprint(),
		Connections:   n.dispatcher.Pool().Snapshot(),
		Neighbors:     n.dispatcher.Routes().Neighbors(),
		Routes:        n.dispatcher.Routes().Routes(),
		OfflineQueued: n.offline.Len(),
		ForwardQueued: n.dispatcher.Forward().Len(),
		Stats:         n.dispatcher.Health().Stats(),
	}
	for _, adapter := range n.adapters {
		ts := TransportStatus{Kind: adapter.Kind()}
		if addr := listenAddr(adapter); addr != nil {
			ts.Address = addr.String()
		} else if mem, ok := adapter.(*transport.MemoryAdapter); ok {
			ts.Address = mem.Address()
		}
		status.Transports = append(status.Transports, ts)
	}
	count, err := n.store.CountMessages()
	if err != nil {
		return status, err
	}
	status.StoredCount = count
	return status, nil
}

// Report renders Status and the health counters as text.
func (n *Node) Report() (string, error) {
	status, err := n.Status()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Device:      %s (%s)\n", status.DeviceID, status.DeviceName)
	fmt.Fprintf(&b, "Fingerprint: %s\n", status.Fingerprint)
	for _, t := range status.Transports {
		fmt.Fprintf(&b, "Transport:   %s %s\n", t.Kind, t.Address)
	}
	now := time.Now()
	fmt.Fprintf(&b, "Connections: %d\n", len(status.Connections))
	for _, c := range status.Connections {
		fmt.Fprintf(&b, "  %s via %s quality=%.2f sent=%d recv=%d failed=%d\n",
			c.DeviceID, c.Identifier, c.QualityScore(now), c.MessagesSent, c.MessagesReceived, c.FailedAttempts)
	}
	fmt.Fprintf(&b, "Routes:      %d\n", len(status.Routes))
	for _, r := range status.Routes {
		fmt.Fprintf(&b, "  %s -> %s hops=%d\n", r.DestinationID, r.NextHop, r.HopCount)
	}
	fmt.Fprintf(&b, "Offline queue: %d\n", status.OfflineQueued)
	fmt.Fprintf(&b, "Forward queue: %d\n", status.ForwardQueued)
	fmt.Fprintf(&b, "Stored messages: %d\n", status.StoredCount)
	b.WriteString(n.dispatcher.Health().Report())
	return b.String(), nil
}
