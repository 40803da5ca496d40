package mesh

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"meshlink/crypto"
	"meshlink/models"
	"meshlink/storage"
	"meshlink/transport"
)

const (
	// DefaultTTL is applied to originated messages without a TTL.
	DefaultTTL = 5
	// TokenGrace is how long past tokenExpiry a message is still accepted.
	TokenGrace = 60 * time.Second
	// DefaultOfflineFlushDelay spaces out messages drained from the offline queue.
	DefaultOfflineFlushDelay = 200 * time.Millisecond

	keyExchangeTTL = 3
	taskBufferSize = 256
)

var (
	// ErrStopped is returned once the dispatcher worker has exited.
	ErrStopped = errors.New("mesh: dispatcher stopped")
	// ErrNotStarted is returned when work is submitted before Start.
	ErrNotStarted = errors.New("mesh: dispatcher not started")
	// ErrMissingReceiver is returned for outbound messages without a receiver.
	ErrMissingReceiver = errors.New("mesh: message receiver is required")
)

// MessageStore persists message history, keys and locations alongside the
// store-and-forward rows.
type MessageStore interface {
	ForwardStore
	SaveMessage(message storage.Message) (bool, error)
	UpdateDeliveryStatus(messageID, status string) error
	UpsertLocation(location storage.Location) error
	RecordPeerKey(key storage.PeerKey) (storage.KeyRecordResult, error)
}

// OfflineQueue holds outbound messages while no link exists.
type OfflineQueue interface {
	Enqueue(msg models.Message) error
	Remove(messageID string) error
	PendingMessages() ([]models.Message, error)
	Len() int
}

// DispatcherOptions wires the dispatcher to its collaborators. Nil pool,
// routing table, discovery, store-and-forward and health components are
// created with defaults.
type DispatcherOptions struct {
	DeviceID   string
	DeviceName string
	// PublicKey is the base64 X25519 key announced on every new link.
	PublicKey string

	DefaultTTL        int
	OfflineFlushDelay time.Duration

	Pool      *Pool
	Routes    *RoutingTable
	Discovery *RouteDiscovery
	Forward   *StoreForward
	Health    *HealthMonitor

	Store   MessageStore
	Offline OfflineQueue
	Sender  Sender

	Now    func() time.Time
	Logger *log.Entry
}

// Dispatcher is the single entry and exit point for mesh traffic. Inbound
// payloads and outbound sends are serialized through one worker goroutine.
type Dispatcher struct {
	self       string
	name       string
	publicKey  string
	defaultTTL int
	flushDelay time.Duration
	now        func() time.Time
	logger     *log.Entry

	pool      *Pool
	routes    *RoutingTable
	discovery *RouteDiscovery
	saf       *StoreForward
	health    *HealthMonitor
	store     MessageStore
	offline   OfflineQueue
	sender    Sender

	// Worker-owned.
	seen *seenSet

	events *eventBus
	tasks  chan func()

	started   atomic.Bool
	flushing  atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stopped   chan struct{}
	wg        sync.WaitGroup
}

// NewDispatcher validates options and binds the routing components to the
// dispatcher's worker.
func NewDispatcher(options DispatcherOptions) (*Dispatcher, error) {
	if options.DeviceID == "" {
		return nil, errors.New("device_id is required")
	}
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	if options.Offline == nil {
		return nil, errors.New("offline queue is required")
	}
	if options.Sender == nil {
		return nil, errors.New("sender is required")
	}
	if options.DefaultTTL <= 0 {
		options.DefaultTTL = DefaultTTL
	}
	if options.OfflineFlushDelay <= 0 {
		options.OfflineFlushDelay = DefaultOfflineFlushDelay
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	if options.Pool == nil {
		options.Pool = NewPool(options.Now)
	}
	if options.Routes == nil {
		options.Routes = NewRoutingTable(options.Now)
	}
	if options.Discovery == nil {
		options.Discovery = NewRouteDiscovery(DiscoveryOptions{
			DeviceID: options.DeviceID,
			Table:    options.Routes,
			Now:      options.Now,
			Logger:   options.Logger,
		})
	}
	if options.Forward == nil {
		options.Forward = NewStoreForward(ForwardOptions{
			Store:  options.Store,
			Table:  options.Routes,
			Now:    options.Now,
			Logger: options.Logger,
		})
	}
	if options.Health == nil {
		options.Health = NewHealthMonitor(HealthOptions{
			DeviceID: options.DeviceID,
			Table:    options.Routes,
			Now:      options.Now,
			Logger:   options.Logger,
		})
	}

	logger := componentLogger(options.Logger, "dispatcher")
	d := &Dispatcher{
		self:       options.DeviceID,
		name:       options.DeviceName,
		publicKey:  options.PublicKey,
		defaultTTL: options.DefaultTTL,
		flushDelay: options.OfflineFlushDelay,
		now:        options.Now,
		logger:     logger,
		pool:       options.Pool,
		routes:     options.Routes,
		discovery:  options.Discovery,
		saf:        options.Forward,
		health:     options.Health,
		store:      options.Store,
		offline:    options.Offline,
		sender:     options.Sender,
		seen:       newSeenSet(DefaultSeenLimit),
		events:     newEventBus(logger),
		tasks:      make(chan func(), taskBufferSize),
		stopped:    make(chan struct{}),
	}

	d.discovery.out = d
	d.discovery.signalOf = d.signalOf
	d.discovery.onEstablished = d.routeEstablished
	d.saf.out = d

	return d, nil
}

// Events returns the domain event channel. It is never closed.
func (d *Dispatcher) Events() <-chan Event {
	return d.events.ch
}

// Pool returns the connection pool.
func (d *Dispatcher) Pool() *Pool { return d.pool }

// Routes returns the routing table.
func (d *Dispatcher) Routes() *RoutingTable { return d.routes }

// Discovery returns route discovery.
func (d *Dispatcher) Discovery() *RouteDiscovery { return d.discovery }

// Forward returns the store-and-forward queue.
func (d *Dispatcher) Forward() *StoreForward { return d.saf }

// Health returns the health monitor.
func (d *Dispatcher) Health() *HealthMonitor { return d.health }

// Start runs the worker and the heartbeat and dead-node timers until ctx is
// done or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		d.started.Store(true)
		d.wg.Add(2)
		go d.run(ctx)
		go d.healthLoop(ctx)
	})
}

// Stop ends the worker and timers. In-flight link sends are not awaited
// beyond the worker finishing its current task.
func (d *Dispatcher) Stop() {
	d.shutdown()
	d.wg.Wait()
}

func (d *Dispatcher) shutdown() {
	d.stopOnce.Do(func() { close(d.stopped) })
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return
		case <-d.stopped:
			return
		case fn := <-d.tasks:
			fn()
		}
	}
}

func (d *Dispatcher) healthLoop(ctx context.Context) {
	defer d.wg.Done()
	heartbeat := time.NewTicker(d.health.heartbeat)
	defer heartbeat.Stop()
	deadCheck := time.NewTicker(d.health.deadCheck)
	defer deadCheck.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopped:
			return
		case <-heartbeat.C:
			if err := d.SendHeartbeat(); err != nil && !errors.Is(err, ErrStopped) {
				d.logger.WithError(err).Warn("heartbeat failed")
			}
		case <-deadCheck.C:
			_, _ = d.CheckDeadNodes()
		}
	}
}

func (d *Dispatcher) submit(fn func()) error {
	if !d.started.Load() {
		return ErrNotStarted
	}
	select {
	case <-d.stopped:
		return ErrStopped
	default:
	}
	select {
	case d.tasks <- fn:
		return nil
	case <-d.stopped:
		return ErrStopped
	}
}

// call runs fn on the worker and waits for it.
func (d *Dispatcher) call(fn func()) error {
	done := make(chan struct{})
	if err := d.submit(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-d.stopped:
		return ErrStopped
	}
}

// HandleTransportEvent feeds one adapter event into the mesh.
func (d *Dispatcher) HandleTransportEvent(ev transport.Event) {
	switch ev.Type {
	case transport.EventConnected:
		d.HandleLinkUp(ev.Identifier, ev.DeviceID, ev.DeviceName, ev.Kind)
	case transport.EventDisconnected:
		d.HandleLinkDown(ev.Identifier, ev.DeviceID)
	case transport.EventKeepAlive:
		d.HandleKeepAlive(ev.Identifier, ev.DeviceID, ev.DeviceName, ev.Kind)
	case transport.EventData:
		d.HandleInbound(ev.Identifier, ev.DeviceID, ev.Kind, ev.Payload)
	}
}

// HandleLinkUp registers a new link, announces this device's key on it and
// retries both queues.
func (d *Dispatcher) HandleLinkUp(identifier, deviceID, deviceName string, kind transport.Kind) {
	if deviceID == "" || deviceID == d.self {
		return
	}
	d.pool.AddConnection(identifier, deviceID, deviceName, kind)
	err := d.submit(func() {
		d.routes.AddNeighbor(deviceID, deviceName, 0)
		d.logger.WithFields(log.Fields{
			"device_id":  deviceID,
			"identifier": identifier,
		}).Info("peer connected")
		d.events.emit(Event{Kind: EventPeerConnected, DeviceID: deviceID, Time: d.now()})
		d.announceKey()
		d.saf.ProcessQueue(deviceID)
	})
	if err != nil {
		return
	}
	d.RetryOfflineMessages()
}

// HandleLinkDown unregisters a link. The neighbor is removed, with its
// routes, once no link to deviceID remains. deviceID is only consulted when
// the pool no longer knows the link, as after a stale sweep.
func (d *Dispatcher) HandleLinkDown(identifier, deviceID string) {
	if conn, ok := d.pool.RemoveConnection(identifier); ok {
		deviceID = conn.DeviceID
	}
	if deviceID == "" || deviceID == d.self {
		return
	}
	if len(d.pool.ConnectionsForDevice(deviceID)) > 0 {
		return
	}
	_ = d.submit(func() { d.dropNeighbor(deviceID, "peer disconnected") })
}

// HandleKeepAlive refreshes a link that answered a ping. A link the stale
// sweep already dropped is registered again.
func (d *Dispatcher) HandleKeepAlive(identifier, deviceID, deviceName string, kind transport.Kind) {
	if d.pool.UpdateLastSeen(identifier) {
		return
	}
	d.logger.WithField("identifier", identifier).Debug("swept link is alive again")
	d.HandleLinkUp(identifier, deviceID, deviceName, kind)
}

// dropNeighbor runs on the worker once the last link to deviceID is gone.
func (d *Dispatcher) dropNeighbor(deviceID, reason string) {
	if len(d.pool.ConnectionsForDevice(deviceID)) > 0 {
		return
	}
	known := d.routes.IsNeighbor(deviceID)
	d.discovery.invalidate(deviceID)
	d.routes.RemoveNeighbor(deviceID)
	if !known {
		return
	}
	d.logger.WithField("device_id", deviceID).Info(reason)
	d.events.emit(Event{Kind: EventPeerDisconnected, DeviceID: deviceID, Time: d.now()})
}

// HandleInbound queues one received payload for the worker.
func (d *Dispatcher) HandleInbound(identifier, deviceID string, kind transport.Kind, payload []byte) {
	readmitted := d.pool.EnsureConnection(identifier, deviceID, "", kind)
	d.pool.RecordMessageReceived(identifier)
	_ = d.submit(func() {
		if readmitted && deviceID != "" && deviceID != d.self {
			d.routes.AddNeighbor(deviceID, "", 0)
		}
		d.processInbound(deviceID, payload)
	})
}

func (d *Dispatcher) processInbound(fromDevice string, payload []byte) {
	msg, err := models.DecodeMessage(payload)
	if err != nil {
		d.logger.WithError(err).WithField("from", fromDevice).Debug("dropping malformed payload")
		d.health.RecordDropped()
		return
	}
	if !d.seen.add(msg.ID) {
		return
	}

	if msg.Type == models.TypeKeyExchange {
		d.recordPeerKey(msg)
		d.relay(msg, fromDevice)
		return
	}

	if msg.IsExpired(d.now(), TokenGrace) {
		d.logger.WithField("message_id", msg.ID).Debug("dropping expired message")
		d.health.RecordDropped()
		return
	}

	switch msg.Type {
	case models.TypeRouteRequest:
		d.discovery.HandleRouteRequest(msg, fromDevice)
		return
	case models.TypeRouteReply:
		d.discovery.HandleRouteReply(msg, fromDevice)
		return
	case models.TypeRouteError:
		d.discovery.HandleRouteError(msg, fromDevice)
		return
	case models.TypeHeartbeat:
		d.health.HandleHeartbeat(msg, fromDevice)
		d.relay(msg, fromDevice)
		return
	}

	if msg.IsBroadcast() || msg.ReceiverID == d.self {
		d.deliver(msg)
	}
	if msg.ReceiverID == d.self {
		return
	}
	d.relay(msg, fromDevice)
}

func (d *Dispatcher) deliver(msg models.Message) {
	switch msg.Type {
	case models.TypeText, models.TypeSOS, models.TypeLocationUpdate:
		inserted, err := d.persist(msg, storage.StatusReceived, true)
		if err != nil {
			d.logger.WithError(err).WithField("message_id", msg.ID).Warn("persist inbound message failed")
		} else if !inserted {
			return
		}
		if msg.Type == models.TypeLocationUpdate {
			d.recordLocation(msg)
		}
	case models.TypeDeliveryReceipt:
		d.applyReceipt(msg, storage.StatusDelivered)
	case models.TypeReadReceipt:
		d.applyReceipt(msg, storage.StatusRead)
	}

	d.health.RecordDelivered(msg.HopCount)
	d.events.emit(Event{Kind: EventMessageReceived, DeviceID: msg.SenderID, Message: msg, Time: d.now()})

	if msg.Type == models.TypeText && msg.ReceiverID == d.self && msg.SenderID != d.self {
		d.sendReceipt(models.TypeDeliveryReceipt, msg)
	}
}

// relay floods a copy with one less TTL to every other linked device. A
// private message with nowhere to go is kept for store-and-forward.
func (d *Dispatcher) relay(msg models.Message, fromDevice string) {
	if msg.TTL-1 <= 0 {
		return
	}
	fwd := msg.ForwardCopy()
	if sent := d.flood(fwd, fromDevice); sent > 0 {
		d.health.RecordForwarded()
		return
	}
	if fwd.IsBroadcast() || fwd.ReceiverID == d.self {
		return
	}
	if _, err := d.saf.QueueMessage(fwd); err != nil {
		d.logger.WithError(err).WithField("message_id", fwd.ID).Warn("queue relayed message failed")
	}
}

// SendMessage originates msg: fills defaults, persists it and floods it,
// or parks it in the offline queue while no link exists. It returns the
// message as sent.
func (d *Dispatcher) SendMessage(msg models.Message) (models.Message, error) {
	var (
		out     models.Message
		sendErr error
	)
	if err := d.call(func() { out, sendErr = d.originate(msg) }); err != nil {
		return models.Message{}, err
	}
	return out, sendErr
}

func (d *Dispatcher) originate(msg models.Message) (models.Message, error) {
	if msg.ReceiverID == "" {
		return models.Message{}, ErrMissingReceiver
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SenderID == "" {
		msg.SenderID = d.self
	}
	if msg.SenderName == "" {
		msg.SenderName = d.name
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = d.now().UnixMilli()
	}
	if msg.TTL <= 0 {
		msg.TTL = d.defaultTTL
	}
	d.seen.add(msg.ID)

	if !d.pool.HasConnections() {
		if err := d.offline.Enqueue(msg); err != nil {
			return models.Message{}, fmt.Errorf("queue offline message: %w", err)
		}
		if _, err := d.persist(msg, storage.StatusQueued, false); err != nil {
			d.logger.WithError(err).WithField("message_id", msg.ID).Warn("persist queued message failed")
		}
		d.logger.WithField("message_id", msg.ID).Debug("no links, message queued offline")
		return msg, nil
	}

	if _, err := d.persist(msg, storage.StatusSent, false); err != nil {
		d.logger.WithError(err).WithField("message_id", msg.ID).Warn("persist outbound message failed")
	}
	d.health.RecordSent()
	d.flood(msg, "")
	d.seekRoute(msg)
	return msg, nil
}

// seekRoute keeps a private message for store-and-forward and starts route
// discovery when its destination is unreachable.
func (d *Dispatcher) seekRoute(msg models.Message) {
	if msg.IsBroadcast() || msg.ReceiverID == d.self || d.routes.HasRoute(msg.ReceiverID) {
		return
	}
	if _, err := d.saf.QueueMessage(msg); err != nil {
		d.logger.WithError(err).WithField("message_id", msg.ID).Warn("queue message for forwarding failed")
	}
	d.discovery.DiscoverRoute(msg.ReceiverID)
}

// RetryOfflineMessages drains the offline queue in FIFO order, pausing
// between messages. Only one drain runs at a time.
func (d *Dispatcher) RetryOfflineMessages() {
	select {
	case <-d.stopped:
		return
	default:
	}
	if d.offline.Len() == 0 || !d.flushing.CompareAndSwap(false, true) {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.flushing.Store(false)
		d.flushOffline()
	}()
}

func (d *Dispatcher) flushOffline() {
	pending, err := d.offline.PendingMessages()
	if err != nil {
		d.logger.WithError(err).Warn("load offline queue failed")
		return
	}
	for i, msg := range pending {
		if i > 0 {
			select {
			case <-time.After(d.flushDelay):
			case <-d.stopped:
				return
			}
		}

		sent := 0
		if err := d.call(func() { sent = d.resend(msg) }); err != nil {
			return
		}
		if sent == 0 {
			d.logger.WithField("remaining", len(pending)-i).Debug("links gone, offline flush paused")
			return
		}
		if err := d.offline.Remove(msg.ID); err != nil {
			d.logger.WithError(err).WithField("message_id", msg.ID).Warn("remove offline message failed")
		}
	}
}

func (d *Dispatcher) resend(msg models.Message) int {
	if !d.pool.HasConnections() {
		return 0
	}
	sent := d.flood(msg, "")
	if sent == 0 {
		return 0
	}
	d.health.RecordSent()
	if isStoredType(msg.Type) {
		if err := d.store.UpdateDeliveryStatus(msg.ID, storage.StatusSent); err != nil && !errors.Is(err, storage.ErrNotFound) {
			d.logger.WithError(err).WithField("message_id", msg.ID).Warn("update delivery status failed")
		}
	}
	d.seekRoute(msg)
	return sent
}

// DiscoverRoute starts route discovery for dest.
func (d *Dispatcher) DiscoverRoute(dest string) (bool, error) {
	var started bool
	err := d.call(func() { started = d.discovery.DiscoverRoute(dest) })
	return started, err
}

// ProcessQueue retries store-and-forward rows, optionally for a newly
// linked peer.
func (d *Dispatcher) ProcessQueue(newPeerID string) (int, error) {
	var handed int
	err := d.call(func() { handed = d.saf.ProcessQueue(newPeerID) })
	return handed, err
}

// SendHeartbeat broadcasts a heartbeat when any link exists.
func (d *Dispatcher) SendHeartbeat() error {
	var buildErr error
	err := d.call(func() {
		if !d.pool.HasConnections() {
			return
		}
		msg, err := d.health.BuildHeartbeat()
		if err != nil {
			buildErr = err
			return
		}
		msg.SenderName = d.name
		d.flood(msg, "")
	})
	if err != nil {
		return err
	}
	return buildErr
}

// CheckDeadNodes expires silent neighbors and reports each link break.
func (d *Dispatcher) CheckDeadNodes() ([]NeighborInfo, error) {
	var dead []NeighborInfo
	err := d.call(func() {
		dead = d.health.CheckDeadNodes()
		d.neighborsDead(dead)
	})
	return dead, err
}

// Maintain sweeps stale links, expired routes and requests, purges the
// store-and-forward queue and retries both queues.
func (d *Dispatcher) Maintain() error {
	err := d.call(func() {
		if stale := d.pool.CleanupStale(); len(stale) > 0 {
			d.logger.WithField("connections", len(stale)).Debug("swept stale connections")
			for _, conn := range stale {
				d.dropNeighbor(conn.DeviceID, "peer link went silent")
			}
		}
		expired, dead := d.routes.Cleanup()
		if expired > 0 {
			d.logger.WithField("routes", expired).Debug("expired routes removed")
		}
		d.neighborsDead(dead)
		d.discovery.Cleanup()
		d.saf.Cleanup()
		d.saf.ProcessQueue("")
	})
	if err != nil {
		return err
	}
	if d.pool.HasConnections() {
		d.RetryOfflineMessages()
	}
	return nil
}

func (d *Dispatcher) neighborsDead(dead []NeighborInfo) {
	for _, n := range dead {
		d.discovery.ReportLinkBreak(n.DeviceID)
		d.events.emit(Event{Kind: EventNeighborDead, DeviceID: n.DeviceID, Time: d.now()})
	}
}

func (d *Dispatcher) routeEstablished(dest string) {
	d.events.emit(Event{Kind: EventRouteEstablished, DeviceID: dest, Time: d.now()})
	d.saf.ProcessQueue("")
}

// flood marks msg seen and sends it on the best link of every linked device
// except exceptDeviceID. It returns the number of devices reached.
func (d *Dispatcher) flood(msg models.Message, exceptDeviceID string) int {
	d.seen.add(msg.ID)
	payload, err := msg.Encode()
	if err != nil {
		d.logger.WithError(err).Warn("encode message failed")
		return 0
	}
	sent := 0
	for _, deviceID := range d.pool.DeviceIDs() {
		if deviceID == exceptDeviceID || deviceID == d.self {
			continue
		}
		conn, ok := d.pool.linkForDevice(deviceID)
		if !ok {
			continue
		}
		if d.sendOn(conn, payload) == nil {
			sent++
		}
	}
	return sent
}

func (d *Dispatcher) sendToNeighbor(deviceID string, msg models.Message) error {
	d.seen.add(msg.ID)
	conn, ok := d.pool.linkForDevice(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoLink, deviceID)
	}
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	return d.sendOn(conn, payload)
}

func (d *Dispatcher) sendOn(conn ConnectionInfo, payload []byte) error {
	start := time.Now()
	if err := d.sender.SendTo(conn, payload); err != nil {
		d.pool.RecordFailure(conn.Identifier)
		d.health.RecordFailed()
		d.logger.WithError(err).WithField("identifier", conn.Identifier).Debug("link send failed")
		return err
	}
	latency := time.Since(start)
	d.pool.RecordMessageSent(conn.Identifier, latency)
	d.health.RecordLatency(latency)
	return nil
}

func (d *Dispatcher) announceKey() {
	if d.publicKey == "" {
		return
	}
	d.flood(models.Message{
		ID:         uuid.NewString(),
		SenderID:   d.self,
		SenderName: d.name,
		ReceiverID: models.Broadcast,
		Type:       models.TypeKeyExchange,
		Content:    d.publicKey,
		TTL:        keyExchangeTTL,
		Timestamp:  d.now().UnixMilli(),
	}, "")
}

func (d *Dispatcher) recordPeerKey(msg models.Message) {
	if msg.SenderID == "" || msg.SenderID == d.self {
		return
	}
	raw, err := crypto.DecodePublicKey(msg.Content)
	if err != nil {
		d.logger.WithError(err).WithField("sender", msg.SenderID).Debug("ignoring invalid announced key")
		return
	}
	now := d.now().UnixMilli()
	result, err := d.store.RecordPeerKey(storage.PeerKey{
		DeviceID:       msg.SenderID,
		PublicKey:      base64.StdEncoding.EncodeToString(raw),
		KeyFingerprint: crypto.KeyFingerprint(raw),
		FirstSeen:      now,
		LastSeen:       now,
	})
	if err != nil {
		d.logger.WithError(err).WithField("sender", msg.SenderID).Warn("record peer key failed")
		return
	}
	switch result {
	case storage.KeyRecorded:
		d.logger.WithFields(log.Fields{
			"device_id":   msg.SenderID,
			"fingerprint": crypto.FormatFingerprint(crypto.KeyFingerprint(raw)),
		}).Info("learned peer key")
	case storage.KeyConflict:
		d.logger.WithField("device_id", msg.SenderID).Warn("peer presented a different key, keeping the first one")
		d.events.emit(Event{Kind: EventKeyConflict, DeviceID: msg.SenderID, Message: msg, Time: d.now()})
	}
}

func (d *Dispatcher) recordLocation(msg models.Message) {
	loc, err := models.DecodeLocation(msg.Content)
	if err != nil {
		d.logger.WithError(err).WithField("sender", msg.SenderID).Debug("ignoring malformed location")
		return
	}
	updatedAt := msg.Timestamp
	if updatedAt == 0 {
		updatedAt = d.now().UnixMilli()
	}
	if err := d.store.UpsertLocation(storage.Location{
		DeviceID:  msg.SenderID,
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
		Accuracy:  loc.Accuracy,
		UpdatedAt: updatedAt,
	}); err != nil {
		d.logger.WithError(err).WithField("sender", msg.SenderID).Warn("store location failed")
	}
}

func (d *Dispatcher) applyReceipt(msg models.Message, status string) {
	receipt, err := models.DecodeReceipt(msg.Content)
	if err != nil {
		d.logger.WithError(err).WithField("sender", msg.SenderID).Debug("ignoring malformed receipt")
		return
	}
	if err := d.store.UpdateDeliveryStatus(receipt.MessageID, status); err != nil && !errors.Is(err, storage.ErrNotFound) {
		d.logger.WithError(err).WithField("message_id", receipt.MessageID).Warn("update delivery status failed")
	}
}

func (d *Dispatcher) sendReceipt(kind models.MessageType, original models.Message) {
	content, err := models.EncodeContent(models.ReceiptPayload{MessageID: original.ID})
	if err != nil {
		d.logger.WithError(err).Warn("encode receipt failed")
		return
	}
	if _, err := d.originate(models.Message{
		ReceiverID: original.SenderID,
		Type:       kind,
		Content:    content,
	}); err != nil {
		d.logger.WithError(err).WithField("message_id", original.ID).Warn("send receipt failed")
	}
}

// SendReceipt originates a receipt for a message received earlier.
func (d *Dispatcher) SendReceipt(kind models.MessageType, original models.Message) error {
	return d.call(func() { d.sendReceipt(kind, original) })
}

func (d *Dispatcher) persist(msg models.Message, status string, inbound bool) (bool, error) {
	if !isStoredType(msg.Type) {
		return false, nil
	}
	record := storage.Message{
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		ReceiverID:     msg.ReceiverID,
		MessageType:    string(msg.Type),
		Content:        msg.Content,
		TimestampSent:  msg.Timestamp,
		HopCount:       msg.HopCount,
		DeliveryStatus: status,
	}
	if inbound {
		received := d.now().UnixMilli()
		record.TimestampReceived = &received
	}
	return d.store.SaveMessage(record)
}

func (d *Dispatcher) signalOf(deviceID string) int {
	if conn, ok := d.pool.BestConnectionForDevice(deviceID); ok {
		return conn.RSSI
	}
	return 0
}

func isStoredType(t models.MessageType) bool {
	switch t {
	case models.TypeText, models.TypeSOS, models.TypeLocationUpdate:
		return true
	default:
		return false
	}
}

func componentLogger(logger *log.Entry, name string) *log.Entry {
	if logger == nil {
		discard := log.New()
		discard.SetOutput(io.Discard)
		logger = log.NewEntry(discard)
	}
	return logger.WithField("component", name)
}
