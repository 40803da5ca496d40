package mesh

import (
	"sort"
	"sync"
	"time"

	"meshlink/transport"
)

// StaleAfter is how long a connection may stay silent before it is
// excluded from best-connection selection and swept from the pool.
const StaleAfter = 30 * time.Second

// ConnectionInfo describes one live link to a neighbor.
type ConnectionInfo struct {
	Identifier string
	// DeviceID is the logical device the peer announced in its hello frame.
	DeviceID         string
	DeviceName       string
	Kind             transport.Kind
	LastSeen         time.Time
	ConnectedAt      time.Time
	MessagesSent     int
	MessagesReceived int
	FailedAttempts   int
	TotalLatency     time.Duration
	LatencySamples   int
	// RSSI in dBm; 0 means unknown. The IP transports report no signal
	// strength, so their links score the neutral midpoint until a radio
	// adapter calls UpdateSignal.
	RSSI int
}

// AverageLatency returns the mean send latency, or 0 without samples.
func (c ConnectionInfo) AverageLatency() time.Duration {
	if c.LatencySamples == 0 {
		return 0
	}
	return c.TotalLatency / time.Duration(c.LatencySamples)
}

// QualityScore rates the link from 0 to 100 as a weighted sum of latency
// (0.4), reliability (0.3), signal (0.2) and recency (0.1).
func (c ConnectionInfo) QualityScore(now time.Time) float64 {
	latency := 50.0
	if c.LatencySamples > 0 {
		avgMillis := float64(c.TotalLatency.Microseconds()) / 1000 / float64(c.LatencySamples)
		latency = clampScore(100 - avgMillis/10)
	}

	reliability := 50.0
	if attempts := c.MessagesSent + c.FailedAttempts; attempts > 0 {
		reliability = float64(c.MessagesSent) / float64(attempts) * 100
	}

	signal := 50.0
	if c.RSSI != 0 {
		signal = clampScore(float64(100 + c.RSSI))
	}

	recency := 0.0
	if idle := now.Sub(c.LastSeen); idle < StaleAfter {
		if idle < 0 {
			idle = 0
		}
		recency = 100 * (1 - float64(idle)/float64(StaleAfter))
	}

	return 0.4*latency + 0.3*reliability + 0.2*signal + 0.1*recency
}

// IsStale reports whether the link has been silent for StaleAfter or longer.
func (c ConnectionInfo) IsStale(now time.Time) bool {
	return now.Sub(c.LastSeen) >= StaleAfter
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Pool tracks every live link across all adapters. It is safe for
// concurrent use by the transport event loops.
type Pool struct {
	now func() time.Time

	mu    sync.RWMutex
	conns map[string]*ConnectionInfo
}

// NewPool creates an empty pool. A nil clock uses time.Now.
func NewPool(now func() time.Time) *Pool {
	if now == nil {
		now = time.Now
	}
	return &Pool{now: now, conns: make(map[string]*ConnectionInfo)}
}

// AddConnection registers a link, replacing any entry with the same identifier.
func (p *Pool) AddConnection(identifier, deviceID, deviceName string, kind transport.Kind) {
	now := p.now()
	p.mu.Lock()
	p.conns[identifier] = &ConnectionInfo{
		Identifier:  identifier,
		DeviceID:    deviceID,
		DeviceName:  deviceName,
		Kind:        kind,
		LastSeen:    now,
		ConnectedAt: now,
	}
	p.mu.Unlock()
}

// EnsureConnection re-registers a link that was swept as stale but is still
// carrying traffic. Existing entries only get their last-seen refreshed. It
// reports whether the link had to be registered again.
func (p *Pool) EnsureConnection(identifier, deviceID, deviceName string, kind transport.Kind) bool {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[identifier]; ok {
		conn.LastSeen = now
		return false
	}
	p.conns[identifier] = &ConnectionInfo{
		Identifier:  identifier,
		DeviceID:    deviceID,
		DeviceName:  deviceName,
		Kind:        kind,
		LastSeen:    now,
		ConnectedAt: now,
	}
	return true
}

// RemoveConnection drops a link and returns what was known about it.
func (p *Pool) RemoveConnection(identifier string) (ConnectionInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.conns[identifier]
	if !ok {
		return ConnectionInfo{}, false
	}
	delete(p.conns, identifier)
	return *conn, true
}

func (p *Pool) update(identifier string, fn func(*ConnectionInfo)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.conns[identifier]
	if !ok {
		return false
	}
	fn(conn)
	return true
}

// UpdateLastSeen marks activity on a link.
func (p *Pool) UpdateLastSeen(identifier string) bool {
	now := p.now()
	return p.update(identifier, func(c *ConnectionInfo) { c.LastSeen = now })
}

// RecordMessageSent counts a successful send and its latency.
func (p *Pool) RecordMessageSent(identifier string, latency time.Duration) bool {
	now := p.now()
	return p.update(identifier, func(c *ConnectionInfo) {
		c.MessagesSent++
		c.TotalLatency += latency
		c.LatencySamples++
		c.LastSeen = now
	})
}

// RecordMessageReceived counts an inbound payload.
func (p *Pool) RecordMessageReceived(identifier string) bool {
	now := p.now()
	return p.update(identifier, func(c *ConnectionInfo) {
		c.MessagesReceived++
		c.LastSeen = now
	})
}

// RecordFailure counts a failed send.
func (p *Pool) RecordFailure(identifier string) bool {
	return p.update(identifier, func(c *ConnectionInfo) { c.FailedAttempts++ })
}

// UpdateSignal sets the link's RSSI in dBm.
func (p *Pool) UpdateSignal(identifier string, rssi int) bool {
	return p.update(identifier, func(c *ConnectionInfo) { c.RSSI = rssi })
}

// Get returns a copy of one link.
func (p *Pool) Get(identifier string) (ConnectionInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	conn, ok := p.conns[identifier]
	if !ok {
		return ConnectionInfo{}, false
	}
	return *conn, true
}

// Snapshot returns copies of every link ordered by identifier.
func (p *Pool) Snapshot() []ConnectionInfo {
	p.mu.RLock()
	out := make([]ConnectionInfo, 0, len(p.conns))
	for _, conn := range p.conns {
		out = append(out, *conn)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// HasConnections reports whether any link is registered.
func (p *Pool) HasConnections() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns) > 0
}

// ConnectionsForDevice returns every link to deviceID.
func (p *Pool) ConnectionsForDevice(deviceID string) []ConnectionInfo {
	var out []ConnectionInfo
	for _, conn := range p.Snapshot() {
		if conn.DeviceID == deviceID {
			out = append(out, conn)
		}
	}
	return out
}

// DeviceIDs returns the distinct devices with at least one link.
func (p *Pool) DeviceIDs() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, conn := range p.Snapshot() {
		if _, ok := seen[conn.DeviceID]; ok {
			continue
		}
		seen[conn.DeviceID] = struct{}{}
		out = append(out, conn.DeviceID)
	}
	return out
}

// BestConnectionForDevice returns the highest scoring link to deviceID that
// is not stale.
func (p *Pool) BestConnectionForDevice(deviceID string) (ConnectionInfo, bool) {
	now := p.now()
	var (
		best      ConnectionInfo
		bestScore float64
		found     bool
	)
	for _, conn := range p.ConnectionsForDevice(deviceID) {
		if conn.IsStale(now) {
			continue
		}
		score := conn.QualityScore(now)
		if !found || score > bestScore {
			best, bestScore, found = conn, score, true
		}
	}
	return best, found
}

// linkForDevice prefers the best live link and falls back to the most
// recently active one.
func (p *Pool) linkForDevice(deviceID string) (ConnectionInfo, bool) {
	if conn, ok := p.BestConnectionForDevice(deviceID); ok {
		return conn, true
	}
	var (
		latest ConnectionInfo
		found  bool
	)
	for _, conn := range p.ConnectionsForDevice(deviceID) {
		if !found || conn.LastSeen.After(latest.LastSeen) {
			latest, found = conn, true
		}
	}
	return latest, found
}

// CleanupStale removes links silent for StaleAfter and returns them.
func (p *Pool) CleanupStale() []ConnectionInfo {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	var removed []ConnectionInfo
	for id, conn := range p.conns {
		if conn.IsStale(now) {
			removed = append(removed, *conn)
			delete(p.conns, id)
		}
	}
	return removed
}
