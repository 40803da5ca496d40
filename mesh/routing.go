package mesh

import (
	"sort"
	"sync"
	"time"
)

const (
	// RouteLifetime is how long a learned route stays usable without refresh.
	RouteLifetime = 5 * time.Minute
	// NeighborTimeout is how long a neighbor may go without a heartbeat.
	NeighborTimeout = 2 * time.Minute
)

// RouteInfo is a multi-hop path to a destination.
type RouteInfo struct {
	DestinationID  string
	NextHop        string
	HopCount       int
	SignalStrength int
	SequenceNumber uint64
	LastUpdated    time.Time
}

// Expired reports whether the route outlived RouteLifetime.
func (r RouteInfo) Expired(now time.Time) bool {
	return now.Sub(r.LastUpdated) > RouteLifetime
}

// NeighborInfo is a directly linked device.
type NeighborInfo struct {
	DeviceID       string
	DeviceName     string
	BatteryLevel   int
	SignalStrength int
	LastSeen       time.Time
	IsRelay        bool
}

// Dead reports whether the neighbor missed heartbeats for NeighborTimeout.
func (n NeighborInfo) Dead(now time.Time) bool {
	return now.Sub(n.LastSeen) > NeighborTimeout
}

// RoutingTable holds neighbors and learned routes.
type RoutingTable struct {
	now func() time.Time

	mu        sync.RWMutex
	routes    map[string]*RouteInfo
	neighbors map[string]*NeighborInfo
}

// NewRoutingTable creates an empty table. A nil clock uses time.Now.
func NewRoutingTable(now func() time.Time) *RoutingTable {
	if now == nil {
		now = time.Now
	}
	return &RoutingTable{
		now:       now,
		routes:    make(map[string]*RouteInfo),
		neighbors: make(map[string]*NeighborInfo),
	}
}

// AddNeighbor inserts or refreshes a neighbor.
func (t *RoutingTable) AddNeighbor(deviceID, deviceName string, signal int) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.neighbors[deviceID]; ok {
		if deviceName != "" {
			n.DeviceName = deviceName
		}
		if signal != 0 {
			n.SignalStrength = signal
		}
		n.LastSeen = now
		return
	}
	t.neighbors[deviceID] = &NeighborInfo{
		DeviceID:       deviceID,
		DeviceName:     deviceName,
		SignalStrength: signal,
		LastSeen:       now,
		IsRelay:        true,
	}
}

// RemoveNeighbor drops a neighbor and every route through it. It returns
// the destinations whose routes were invalidated.
func (t *RoutingTable) RemoveNeighbor(deviceID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.neighbors, deviceID)
	return t.invalidateThroughLocked(deviceID)
}

// InvalidateRoutesThrough removes every route whose next hop is nextHop.
func (t *RoutingTable) InvalidateRoutesThrough(nextHop string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.invalidateThroughLocked(nextHop)
}

func (t *RoutingTable) invalidateThroughLocked(nextHop string) []string {
	var removed []string
	for dest, route := range t.routes {
		if route.NextHop == nextHop {
			delete(t.routes, dest)
			removed = append(removed, dest)
		}
	}
	sort.Strings(removed)
	return removed
}

// UpdateNeighborHeartbeat refreshes a neighbor's last-seen time and battery.
// It reports false when deviceID is not a neighbor.
func (t *RoutingTable) UpdateNeighborHeartbeat(deviceID string, battery int) bool {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.neighbors[deviceID]
	if !ok {
		return false
	}
	n.LastSeen = now
	n.BatteryLevel = battery
	return true
}

// AddRoute records a route if it beats the current one: fewer hops, or the
// same hops with a stronger signal. Expired routes are always replaced.
// Re-learning the current route refreshes it. It reports whether the route
// was stored.
func (t *RoutingTable) AddRoute(dest, nextHop string, hopCount, signal int, seq uint64) bool {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.routes[dest]; ok && !existing.Expired(now) {
		better := hopCount < existing.HopCount ||
			(hopCount == existing.HopCount && signal > existing.SignalStrength)
		if !better {
			if existing.NextHop == nextHop && existing.HopCount == hopCount {
				existing.LastUpdated = now
			}
			return false
		}
	}

	t.routes[dest] = &RouteInfo{
		DestinationID:  dest,
		NextHop:        nextHop,
		HopCount:       hopCount,
		SignalStrength: signal,
		SequenceNumber: seq,
		LastUpdated:    now,
	}
	return true
}

// RemoveRoute drops the route to dest.
func (t *RoutingTable) RemoveRoute(dest string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.routes[dest]; !ok {
		return false
	}
	delete(t.routes, dest)
	return true
}

// NextHop returns dest itself when it is a neighbor, otherwise the next hop
// of an unexpired route.
func (t *RoutingTable) NextHop(dest string) (string, bool) {
	now := t.now()
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.neighbors[dest]; ok {
		return dest, true
	}
	if route, ok := t.routes[dest]; ok && !route.Expired(now) {
		return route.NextHop, true
	}
	return "", false
}

// HasRoute reports whether dest is reachable as a neighbor or by route.
func (t *RoutingTable) HasRoute(dest string) bool {
	_, ok := t.NextHop(dest)
	return ok
}

// HopCount returns the distance to dest: 1 for neighbors.
func (t *RoutingTable) HopCount(dest string) (int, bool) {
	now := t.now()
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.neighbors[dest]; ok {
		return 1, true
	}
	if route, ok := t.routes[dest]; ok && !route.Expired(now) {
		return route.HopCount, true
	}
	return 0, false
}

// Route returns the learned route to dest, ignoring neighbors.
func (t *RoutingTable) Route(dest string) (RouteInfo, bool) {
	now := t.now()
	t.mu.RLock()
	defer t.mu.RUnlock()
	route, ok := t.routes[dest]
	if !ok || route.Expired(now) {
		return RouteInfo{}, false
	}
	return *route, true
}

// IsNeighbor reports whether deviceID is directly linked.
func (t *RoutingTable) IsNeighbor(deviceID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.neighbors[deviceID]
	return ok
}

// ExpireNeighbors removes dead neighbors along with their routes.
func (t *RoutingTable) ExpireNeighbors() []NeighborInfo {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	var dead []NeighborInfo
	for id, n := range t.neighbors {
		if n.Dead(now) {
			dead = append(dead, *n)
			delete(t.neighbors, id)
			t.invalidateThroughLocked(id)
		}
	}
	sort.Slice(dead, func(i, j int) bool { return dead[i].DeviceID < dead[j].DeviceID })
	return dead
}

// Cleanup drops expired routes and dead neighbors.
func (t *RoutingTable) Cleanup() (expiredRoutes int, dead []NeighborInfo) {
	dead = t.ExpireNeighbors()

	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for dest, route := range t.routes {
		if route.Expired(now) {
			delete(t.routes, dest)
			expiredRoutes++
		}
	}
	return expiredRoutes, dead
}

// Neighbors returns copies of every neighbor ordered by device ID.
func (t *RoutingTable) Neighbors() []NeighborInfo {
	t.mu.RLock()
	out := make([]NeighborInfo, 0, len(t.neighbors))
	for _, n := range t.neighbors {
		out = append(out, *n)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Routes returns copies of every route ordered by destination.
func (t *RoutingTable) Routes() []RouteInfo {
	t.mu.RLock()
	out := make([]RouteInfo, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, *r)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DestinationID < out[j].DestinationID })
	return out
}
