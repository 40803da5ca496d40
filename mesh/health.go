package mesh

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"meshlink/models"
)

const (
	DefaultHeartbeatInterval     = 30 * time.Second
	DefaultDeadNodeCheckInterval = 60 * time.Second
	// HeartbeatTTL limits heartbeats to two hops.
	HeartbeatTTL = 2
)

// Stats is a snapshot of the health counters.
type Stats struct {
	MessagesSent      uint64
	MessagesDelivered uint64
	MessagesFailed    uint64
	MessagesForwarded uint64
	MessagesDropped   uint64
	TotalLatency      time.Duration
	LatencySamples    uint64
	MaxHopCount       int
}

// AverageLatency returns TotalLatency divided by the number of samples.
func (s Stats) AverageLatency() time.Duration {
	if s.LatencySamples == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(s.LatencySamples)
}

// HealthOptions configures the health monitor.
type HealthOptions struct {
	DeviceID              string
	Table                 *RoutingTable
	BatteryLevel          func() int
	HeartbeatInterval     time.Duration
	DeadNodeCheckInterval time.Duration
	OnNeighborDead        func(NeighborInfo)
	Now                   func() time.Time
	Logger                *log.Entry
}

// HealthMonitor sends heartbeats, expires silent neighbors and keeps the
// traffic counters.
type HealthMonitor struct {
	self      string
	table     *RoutingTable
	battery   func() int
	heartbeat time.Duration
	deadCheck time.Duration
	onDead    func(NeighborInfo)
	now       func() time.Time
	logger    *log.Entry

	mu    sync.Mutex
	stats Stats
}

// NewHealthMonitor creates a monitor. Zero intervals use the defaults.
func NewHealthMonitor(opts HealthOptions) *HealthMonitor {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.DeadNodeCheckInterval <= 0 {
		opts.DeadNodeCheckInterval = DefaultDeadNodeCheckInterval
	}
	if opts.BatteryLevel == nil {
		opts.BatteryLevel = func() int { return 100 }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &HealthMonitor{
		self:      opts.DeviceID,
		table:     opts.Table,
		battery:   opts.BatteryLevel,
		heartbeat: opts.HeartbeatInterval,
		deadCheck: opts.DeadNodeCheckInterval,
		onDead:    opts.OnNeighborDead,
		now:       opts.Now,
		logger:    componentLogger(opts.Logger, "health"),
	}
}

// BuildHeartbeat returns the next HEARTBEAT broadcast.
func (h *HealthMonitor) BuildHeartbeat() (models.Message, error) {
	content, err := models.EncodeContent(models.HeartbeatPayload{
		BatteryLevel:  h.battery(),
		NeighborCount: len(h.table.Neighbors()),
	})
	if err != nil {
		return models.Message{}, err
	}
	return models.Message{
		ID:         uuid.NewString(),
		SenderID:   h.self,
		ReceiverID: models.Broadcast,
		Type:       models.TypeHeartbeat,
		Content:    content,
		TTL:        HeartbeatTTL,
		Timestamp:  h.now().UnixMilli(),
	}, nil
}

// HandleHeartbeat refreshes the sender in the routing table. A heartbeat
// that arrives straight from its sender re-admits it as a neighbor.
func (h *HealthMonitor) HandleHeartbeat(msg models.Message, fromNeighbor string) bool {
	payload, err := models.DecodeHeartbeat(msg.Content)
	if err != nil {
		h.logger.WithError(err).WithField("sender", msg.SenderID).Debug("ignoring malformed heartbeat")
		return false
	}
	if msg.SenderID == fromNeighbor && !h.table.IsNeighbor(msg.SenderID) {
		h.table.AddNeighbor(msg.SenderID, msg.SenderName, 0)
	}
	return h.table.UpdateNeighborHeartbeat(msg.SenderID, payload.BatteryLevel)
}

// CheckDeadNodes removes neighbors that stopped heartbeating, with their
// routes, and reports each one.
func (h *HealthMonitor) CheckDeadNodes() []NeighborInfo {
	dead := h.table.ExpireNeighbors()
	for _, n := range dead {
		h.logger.WithFields(log.Fields{
			"device_id": n.DeviceID,
			"last_seen": n.LastSeen.Format(time.RFC3339),
		}).Warn("neighbor declared dead")
		if h.onDead != nil {
			h.onDead(n)
		}
	}
	return dead
}

// RecordSent counts an originated message.
func (h *HealthMonitor) RecordSent() {
	h.mu.Lock()
	h.stats.MessagesSent++
	h.mu.Unlock()
}

// RecordLatency adds one link send latency sample.
func (h *HealthMonitor) RecordLatency(latency time.Duration) {
	h.mu.Lock()
	h.stats.TotalLatency += latency
	h.stats.LatencySamples++
	h.mu.Unlock()
}

// RecordDelivered counts a message delivered to this device.
func (h *HealthMonitor) RecordDelivered(hopCount int) {
	h.mu.Lock()
	h.stats.MessagesDelivered++
	if hopCount > h.stats.MaxHopCount {
		h.stats.MaxHopCount = hopCount
	}
	h.mu.Unlock()
}

// RecordFailed counts a failed link send.
func (h *HealthMonitor) RecordFailed() {
	h.mu.Lock()
	h.stats.MessagesFailed++
	h.mu.Unlock()
}

// RecordForwarded counts a relayed message.
func (h *HealthMonitor) RecordForwarded() {
	h.mu.Lock()
	h.stats.MessagesForwarded++
	h.mu.Unlock()
}

// RecordDropped counts a discarded inbound message.
func (h *HealthMonitor) RecordDropped() {
	h.mu.Lock()
	h.stats.MessagesDropped++
	h.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (h *HealthMonitor) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// Report renders the counters and the routing table for humans.
func (h *HealthMonitor) Report() string {
	stats := h.Stats()
	neighbors := h.table.Neighbors()
	routes := h.table.Routes()

	var b strings.Builder
	fmt.Fprintf(&b, "Mesh health for %s\n", h.self)
	fmt.Fprintf(&b, "  sent:      %d\n", stats.MessagesSent)
	fmt.Fprintf(&b, "  delivered: %d\n", stats.MessagesDelivered)
	fmt.Fprintf(&b, "  failed:    %d\n", stats.MessagesFailed)
	fmt.Fprintf(&b, "  forwarded: %d\n", stats.MessagesForwarded)
	fmt.Fprintf(&b, "  dropped:   %d\n", stats.MessagesDropped)
	fmt.Fprintf(&b, "  avg latency: %s (%d samples)\n", stats.AverageLatency(), stats.LatencySamples)
	fmt.Fprintf(&b, "  max hops:  %d\n", stats.MaxHopCount)
	fmt.Fprintf(&b, "Neighbors (%d)\n", len(neighbors))
	for _, n := range neighbors {
		fmt.Fprintf(&b, "  %s %q battery=%d last_seen=%s\n", n.DeviceID, n.DeviceName, n.BatteryLevel, n.LastSeen.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "Routes (%d)\n", len(routes))
	for _, r := range routes {
		fmt.Fprintf(&b, "  %s via %s hops=%d\n", r.DestinationID, r.NextHop, r.HopCount)
	}
	return b.String()
}
