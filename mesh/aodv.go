package mesh

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"meshlink/models"
)

const (
	// PendingRequestTimeout is how long a route request waits for a reply.
	PendingRequestTimeout = 10 * time.Second
	// DefaultMaxHops bounds route requests and queued forwards.
	DefaultMaxHops = 10

	seenRequestLimit = 1000
	routeErrorTTL    = 3
)

// DiscoveryState is the per-destination route discovery state.
type DiscoveryState int

const (
	StateNoRoute DiscoveryState = iota
	StateRequestPending
	StateRouteEstablished
)

func (s DiscoveryState) String() string {
	switch s {
	case StateRequestPending:
		return "request_pending"
	case StateRouteEstablished:
		return "route_established"
	default:
		return "no_route"
	}
}

// DiscoveryOptions configures route discovery.
type DiscoveryOptions struct {
	DeviceID string
	Table    *RoutingTable
	MaxHops  int
	Now      func() time.Time
	Logger   *log.Entry
}

// RouteDiscovery finds multi-hop routes on demand with request, reply and
// error control messages.
type RouteDiscovery struct {
	self    string
	table   *RoutingTable
	maxHops int
	now     func() time.Time
	logger  *log.Entry

	// Bound by the dispatcher.
	out           outbox
	signalOf      func(deviceID string) int
	onEstablished func(dest string)

	mu           sync.Mutex
	sequence     uint64
	pending      map[string]time.Time
	states       map[string]DiscoveryState
	seenRequests map[string]struct{}
}

// NewRouteDiscovery creates discovery state for one device.
func NewRouteDiscovery(opts DiscoveryOptions) *RouteDiscovery {
	if opts.MaxHops <= 0 {
		opts.MaxHops = DefaultMaxHops
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &RouteDiscovery{
		self:         opts.DeviceID,
		table:        opts.Table,
		maxHops:      opts.MaxHops,
		now:          opts.Now,
		logger:       componentLogger(opts.Logger, "aodv"),
		pending:      make(map[string]time.Time),
		states:       make(map[string]DiscoveryState),
		seenRequests: make(map[string]struct{}),
	}
}

// State returns the discovery state for dest.
func (d *RouteDiscovery) State(dest string) DiscoveryState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if started, ok := d.pending[dest]; ok && d.now().Sub(started) <= PendingRequestTimeout {
		return StateRequestPending
	}
	if d.states[dest] == StateRouteEstablished && d.table.HasRoute(dest) {
		return StateRouteEstablished
	}
	return StateNoRoute
}

// DiscoverRoute broadcasts a route request for dest unless a route exists or
// a request is already pending. It reports whether a request was sent.
func (d *RouteDiscovery) DiscoverRoute(dest string) bool {
	if dest == "" || dest == d.self {
		return false
	}
	if d.table.HasRoute(dest) {
		d.mu.Lock()
		d.states[dest] = StateRouteEstablished
		d.mu.Unlock()
		return false
	}

	now := d.now()
	d.mu.Lock()
	if started, ok := d.pending[dest]; ok && now.Sub(started) <= PendingRequestTimeout {
		d.mu.Unlock()
		return false
	}
	d.sequence++
	seq := d.sequence
	d.pending[dest] = now
	d.states[dest] = StateRequestPending
	d.seenRequests[requestKey(d.self, seq)] = struct{}{}
	d.mu.Unlock()

	msg := models.Message{
		ID:            uuid.NewString(),
		SenderID:      d.self,
		ReceiverID:    models.Broadcast,
		Type:          models.TypeRouteRequest,
		Content:       dest,
		TTL:           d.maxHops,
		Timestamp:     now.UnixMilli(),
		OriginatorID:  d.self,
		RouteSequence: seq,
		RoutePath:     []string{d.self},
		HopCount:      0,
		MaxHops:       d.maxHops,
	}
	sent := d.out.flood(msg, "")
	d.logger.WithFields(log.Fields{"destination": dest, "sequence": seq, "links": sent}).Debug("route request sent")
	return true
}

// HandleRouteRequest processes a request received from a neighbor.
func (d *RouteDiscovery) HandleRouteRequest(msg models.Message, fromNeighbor string) {
	if msg.OriginatorID == "" || msg.OriginatorID == d.self {
		return
	}
	maxHops := msg.MaxHops
	if maxHops <= 0 {
		maxHops = d.maxHops
	}

	d.mu.Lock()
	key := requestKey(msg.OriginatorID, msg.RouteSequence)
	if _, seen := d.seenRequests[key]; seen {
		d.mu.Unlock()
		return
	}
	d.seenRequests[key] = struct{}{}
	d.mu.Unlock()

	if msg.HopCount >= maxHops {
		d.logger.WithField("originator", msg.OriginatorID).Debug("route request exceeded max hops")
		return
	}

	d.table.AddRoute(msg.OriginatorID, fromNeighbor, msg.HopCount+1, d.signal(fromNeighbor), msg.RouteSequence)

	dest := msg.Content
	if dest == d.self {
		d.sendRouteReply(msg.OriginatorID, dest, 0, msg.RouteSequence)
		return
	}
	if route, ok := d.table.Route(dest); ok {
		d.sendRouteReply(msg.OriginatorID, dest, route.HopCount, msg.RouteSequence)
		return
	}
	if d.table.IsNeighbor(dest) && dest != fromNeighbor {
		// Answer for a direct neighbor and hand it the reverse path, so it
		// learns the originator without the request being flooded to it.
		if back, ok := d.table.HopCount(msg.OriginatorID); ok {
			d.sendRouteReply(dest, msg.OriginatorID, back, msg.RouteSequence)
		}
		d.sendRouteReply(msg.OriginatorID, dest, 1, msg.RouteSequence)
		return
	}

	if msg.TTL-1 <= 0 {
		return
	}
	fwd := msg.ForwardCopy()
	fwd.RoutePath = append(fwd.RoutePath, d.self)
	d.out.flood(fwd, fromNeighbor)
}

func (d *RouteDiscovery) sendRouteReply(originator, dest string, hopCount int, seq uint64) {
	nextHop, ok := d.table.NextHop(originator)
	if !ok {
		d.logger.WithField("originator", originator).Warn("no reverse path for route reply")
		return
	}
	reply := models.Message{
		ID:            uuid.NewString(),
		SenderID:      d.self,
		ReceiverID:    originator,
		Type:          models.TypeRouteReply,
		Content:       dest,
		TTL:           d.maxHops,
		Timestamp:     d.now().UnixMilli(),
		OriginatorID:  originator,
		RouteSequence: seq,
		RoutePath:     []string{d.self},
		HopCount:      hopCount,
		MaxHops:       d.maxHops,
		NextHop:       nextHop,
	}
	if err := d.out.sendToNeighbor(nextHop, reply); err != nil {
		d.logger.WithError(err).WithField("next_hop", nextHop).Warn("send route reply failed")
	}
}

// HandleRouteReply learns the advertised route and either completes the
// pending request or passes the reply one hop further toward its originator.
func (d *RouteDiscovery) HandleRouteReply(msg models.Message, fromNeighbor string) {
	dest := msg.Content
	signal := d.signal(fromNeighbor)
	if dest != "" && dest != d.self {
		d.table.AddRoute(dest, fromNeighbor, msg.HopCount+1, signal, msg.RouteSequence)
	}
	if fromNeighbor != dest {
		d.table.AddRoute(fromNeighbor, fromNeighbor, 1, signal, msg.RouteSequence)
	}

	if msg.OriginatorID == d.self {
		d.mu.Lock()
		_, wasPending := d.pending[dest]
		delete(d.pending, dest)
		d.states[dest] = StateRouteEstablished
		d.mu.Unlock()
		d.logger.WithFields(log.Fields{"destination": dest, "hops": msg.HopCount + 1, "pending": wasPending}).Info("route established")
		if d.onEstablished != nil {
			d.onEstablished(dest)
		}
		return
	}

	nextHop, ok := d.table.NextHop(msg.OriginatorID)
	if !ok {
		d.logger.WithField("originator", msg.OriginatorID).Warn("no reverse path to forward route reply")
		return
	}
	if msg.TTL-1 <= 0 {
		return
	}
	fwd := msg.ForwardCopy()
	fwd.NextHop = nextHop
	fwd.RoutePath = append(fwd.RoutePath, d.self)
	if err := d.out.sendToNeighbor(nextHop, fwd); err != nil {
		d.logger.WithError(err).WithField("next_hop", nextHop).Warn("forward route reply failed")
	}
}

// HandleRouteError invalidates routes through the failed node named in the
// message and floods the error further while its TTL allows.
func (d *RouteDiscovery) HandleRouteError(msg models.Message, fromNeighbor string) {
	failed := msg.Content
	if failed == "" || failed == d.self {
		return
	}
	d.invalidate(failed)
	if msg.TTL-1 <= 0 {
		return
	}
	d.out.flood(msg.ForwardCopy(), fromNeighbor)
}

// ReportLinkBreak invalidates routes through failedNode and broadcasts a
// route error.
func (d *RouteDiscovery) ReportLinkBreak(failedNode string) {
	d.invalidate(failedNode)
	msg := models.Message{
		ID:           uuid.NewString(),
		SenderID:     d.self,
		ReceiverID:   models.Broadcast,
		Type:         models.TypeRouteError,
		Content:      failedNode,
		TTL:          routeErrorTTL,
		Timestamp:    d.now().UnixMilli(),
		OriginatorID: d.self,
		RoutePath:    []string{d.self},
	}
	d.out.flood(msg, "")
}

func (d *RouteDiscovery) invalidate(failed string) {
	lost := d.table.InvalidateRoutesThrough(failed)
	d.table.RemoveRoute(failed)

	d.mu.Lock()
	delete(d.states, failed)
	delete(d.pending, failed)
	for _, dest := range lost {
		delete(d.states, dest)
	}
	d.mu.Unlock()

	if len(lost) > 0 {
		d.logger.WithFields(log.Fields{"failed": failed, "routes": len(lost)}).Info("routes invalidated")
	}
}

// Cleanup drops expired pending requests and bounds the request cache.
func (d *RouteDiscovery) Cleanup() int {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	expired := 0
	for dest, started := range d.pending {
		if now.Sub(started) > PendingRequestTimeout {
			delete(d.pending, dest)
			delete(d.states, dest)
			expired++
		}
	}
	if len(d.seenRequests) > seenRequestLimit {
		d.seenRequests = make(map[string]struct{})
	}
	return expired
}

// PendingRequests returns the number of unanswered requests.
func (d *RouteDiscovery) PendingRequests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *RouteDiscovery) signal(deviceID string) int {
	if d.signalOf == nil {
		return 0
	}
	return d.signalOf(deviceID)
}

func requestKey(originator string, seq uint64) string {
	return fmt.Sprintf("%s:%d", originator, seq)
}
