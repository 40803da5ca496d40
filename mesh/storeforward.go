package mesh

import (
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"meshlink/models"
	"meshlink/storage"
)

const (
	// MaxForwardRetries is the retry ceiling for queued forwards.
	MaxForwardRetries = 5
	// ForwardExpiry is how long a queued forward is kept.
	ForwardExpiry = 24 * time.Hour
	// ForwardCleanupInterval throttles queue purges.
	ForwardCleanupInterval = 5 * time.Minute
)

// ForwardStore persists store-and-forward rows.
type ForwardStore interface {
	EnqueueForward(item storage.QueuedMessage) (bool, error)
	PendingForwards(nowMillis int64) ([]storage.QueuedMessage, error)
	CountPendingForwards() (int, error)
	MarkForwardDelivered(messageID string, hopCount int) error
	IncrementForwardRetry(messageID string) (int, error)
	DeleteForward(messageID string) error
	PurgeForwards(nowMillis int64) (int64, error)
}

// ForwardOptions configures the store-and-forward queue.
type ForwardOptions struct {
	Store   ForwardStore
	Table   *RoutingTable
	MaxHops int
	Expiry  time.Duration
	Now     func() time.Time
	Logger  *log.Entry
}

// StoreForward holds private messages until a path to their destination
// appears.
type StoreForward struct {
	store   ForwardStore
	table   *RoutingTable
	maxHops int
	expiry  time.Duration
	now     func() time.Time
	logger  *log.Entry

	// Bound by the dispatcher.
	out outbox

	mu          sync.Mutex
	lastCleanup time.Time
}

// NewStoreForward creates the queue.
func NewStoreForward(opts ForwardOptions) *StoreForward {
	if opts.MaxHops <= 0 {
		opts.MaxHops = DefaultMaxHops
	}
	if opts.Expiry <= 0 {
		opts.Expiry = ForwardExpiry
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &StoreForward{
		store:   opts.Store,
		table:   opts.Table,
		maxHops: opts.MaxHops,
		expiry:  opts.Expiry,
		now:     opts.Now,
		logger:  componentLogger(opts.Logger, "store-forward"),
	}
}

// QueueMessage persists msg for later delivery. Messages with a known route
// are queued DIRECT with their next hop, others RELAY.
func (s *StoreForward) QueueMessage(msg models.Message) (bool, error) {
	payload, err := msg.Encode()
	if err != nil {
		return false, err
	}
	now := s.now()
	maxHops := msg.MaxHops
	if maxHops <= 0 {
		maxHops = s.maxHops
	}
	item := storage.QueuedMessage{
		MessageID:          msg.ID,
		DestinationID:      msg.ReceiverID,
		Payload:            payload,
		QueuedTime:         now.UnixMilli(),
		ExpiryTime:         now.Add(s.expiry).UnixMilli(),
		ForwardingStrategy: storage.StrategyRelay,
		HopCount:           msg.HopCount,
		MaxHops:            maxHops,
	}
	if nextHop, ok := s.table.NextHop(msg.ReceiverID); ok {
		item.NextHopID = &nextHop
		item.ForwardingStrategy = storage.StrategyDirect
	}

	inserted, err := s.store.EnqueueForward(item)
	if err != nil {
		return false, err
	}
	if inserted {
		s.logger.WithFields(log.Fields{
			"message_id":  msg.ID,
			"destination": msg.ReceiverID,
			"strategy":    item.ForwardingStrategy,
		}).Debug("message queued for forwarding")
	}
	return inserted, nil
}

// ProcessQueue tries every pending row. A row whose destination is the newly
// linked peer is sent to it directly; a row with a route goes to the next
// hop. It returns how many rows were handed off.
func (s *StoreForward) ProcessQueue(newPeerID string) int {
	rows, err := s.store.PendingForwards(s.now().UnixMilli())
	if err != nil {
		s.logger.WithError(err).Warn("load queued forwards failed")
		return 0
	}

	handed := 0
	for _, row := range rows {
		entry := s.logger.WithFields(log.Fields{"message_id": row.MessageID, "destination": row.DestinationID})
		if row.RetryCount >= MaxForwardRetries || row.HopCount >= row.MaxHops {
			entry.WithFields(log.Fields{"retries": row.RetryCount, "hops": row.HopCount}).Warn("dropping queued forward")
			s.drop(row.MessageID)
			continue
		}

		msg, err := models.DecodeMessage(row.Payload)
		if err != nil {
			entry.WithError(err).Warn("dropping undecodable queued forward")
			s.drop(row.MessageID)
			continue
		}

		var (
			target   string
			hopCount = row.HopCount
		)
		switch {
		case newPeerID != "" && row.DestinationID == newPeerID:
			target = newPeerID
		default:
			nextHop, ok := s.table.NextHop(row.DestinationID)
			if !ok {
				continue
			}
			target = nextHop
			hopCount++
			msg.HopCount = hopCount
		}

		if err := s.out.sendToNeighbor(target, msg); err != nil {
			if errors.Is(err, ErrNoLink) {
				// Not an attempt: the row waits for the next link or route.
				entry.WithField("via", target).Debug("no link for queued forward")
				continue
			}
			retries, incErr := s.store.IncrementForwardRetry(row.MessageID)
			if incErr != nil {
				entry.WithError(incErr).Warn("record forward retry failed")
				continue
			}
			if retries >= MaxForwardRetries {
				entry.WithField("retries", retries).Warn("queued forward reached retry ceiling, dropping")
				s.drop(row.MessageID)
			}
			continue
		}
		if err := s.store.MarkForwardDelivered(row.MessageID, hopCount); err != nil && !errors.Is(err, storage.ErrNotFound) {
			entry.WithError(err).Warn("mark forward delivered failed")
		}
		entry.WithField("via", target).Debug("queued forward sent")
		handed++
	}
	return handed
}

// Cleanup purges delivered and expired rows, at most once per
// ForwardCleanupInterval. It reports whether a purge ran.
func (s *StoreForward) Cleanup() (int64, bool) {
	now := s.now()
	s.mu.Lock()
	if !s.lastCleanup.IsZero() && now.Sub(s.lastCleanup) < ForwardCleanupInterval {
		s.mu.Unlock()
		return 0, false
	}
	s.lastCleanup = now
	s.mu.Unlock()

	purged, err := s.store.PurgeForwards(now.UnixMilli())
	if err != nil {
		s.logger.WithError(err).Warn("purge queued forwards failed")
		return 0, true
	}
	if purged > 0 {
		s.logger.WithField("rows", purged).Debug("purged queued forwards")
	}
	return purged, true
}

// Len returns the number of undelivered rows.
func (s *StoreForward) Len() int {
	n, err := s.store.CountPendingForwards()
	if err != nil {
		return 0
	}
	return n
}

func (s *StoreForward) drop(messageID string) {
	if err := s.store.DeleteForward(messageID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.WithError(err).WithField("message_id", messageID).Warn("delete queued forward failed")
	}
}
