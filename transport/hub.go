package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"
)

const eventBufferSize = 256

// hub tracks the live sessions of one adapter and fans their traffic into
// a single event channel.
type hub struct {
	kind   Kind
	local  Identity
	logger *log.Entry

	events chan Event

	mu       sync.RWMutex
	sessions map[string]*session

	closeOnce sync.Once
	closed    chan struct{}
}

func newHub(kind Kind, local Identity, logger *log.Entry) *hub {
	if logger == nil {
		discard := log.New()
		discard.SetOutput(io.Discard)
		logger = log.NewEntry(discard)
	}
	return &hub{
		kind:     kind,
		local:    local,
		logger:   logger.WithField("transport", string(kind)),
		events:   make(chan Event, eventBufferSize),
		sessions: make(map[string]*session),
		closed:   make(chan struct{}),
	}
}

func (h *hub) Kind() Kind { return h.kind }

func (h *hub) Events() <-chan Event { return h.events }

// attach registers a handshaked link and starts its loops. Connected is
// emitted before any Data from the link.
func (h *hub) attach(conn frameConn, identifier string, peer Hello, opts sessionOptions) error {
	s := newSession(conn, h.kind, identifier, peer, opts)
	s.onData = h.handleData
	s.onKeepAlive = h.handleKeepAlive
	s.onClose = h.handleClose

	h.mu.Lock()
	select {
	case <-h.closed:
		h.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	default:
	}
	if _, exists := h.sessions[identifier]; exists {
		h.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("attach %q: identifier already in use", identifier)
	}
	h.sessions[identifier] = s
	h.mu.Unlock()

	h.logger.WithFields(log.Fields{
		"identifier": identifier,
		"device_id":  peer.DeviceID,
	}).Info("link established")

	h.emit(Event{
		Type:       EventConnected,
		Kind:       h.kind,
		Identifier: identifier,
		DeviceID:   peer.DeviceID,
		DeviceName: peer.DeviceName,
	})
	s.start()
	return nil
}

// Send writes payload on one link.
func (h *hub) Send(identifier string, payload []byte) error {
	h.mu.RLock()
	s, ok := h.sessions[identifier]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, identifier)
	}
	return s.send(payload)
}

// Broadcast writes payload on every link and joins the failures.
func (h *hub) Broadcast(payload []byte) error {
	var errs []error
	for _, s := range h.snapshot() {
		if err := s.send(payload); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.identifier, err))
		}
	}
	return errors.Join(errs...)
}

// Disconnect closes one link after a bye frame.
func (h *hub) Disconnect(identifier string) error {
	h.mu.RLock()
	s, ok := h.sessions[identifier]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, identifier)
	}
	s.disconnect()
	return nil
}

// Identifiers lists the live links.
func (h *hub) Identifiers() []string {
	sessions := h.snapshot()
	out := make([]string, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.identifier)
	}
	return out
}

func (h *hub) snapshot() []*session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

func (h *hub) handleData(s *session, payload []byte) {
	h.emit(Event{
		Type:       EventData,
		Kind:       h.kind,
		Identifier: s.identifier,
		DeviceID:   s.peer.DeviceID,
		DeviceName: s.peer.DeviceName,
		Payload:    payload,
	})
}

func (h *hub) handleKeepAlive(s *session) {
	h.emit(Event{
		Type:       EventKeepAlive,
		Kind:       h.kind,
		Identifier: s.identifier,
		DeviceID:   s.peer.DeviceID,
		DeviceName: s.peer.DeviceName,
	})
}

func (h *hub) handleClose(s *session, err error) {
	h.mu.Lock()
	if current, ok := h.sessions[s.identifier]; ok && current == s {
		delete(h.sessions, s.identifier)
	}
	h.mu.Unlock()

	entry := h.logger.WithFields(log.Fields{
		"identifier": s.identifier,
		"device_id":  s.peer.DeviceID,
	})
	if err != nil {
		entry.WithError(err).Warn("link closed")
	} else {
		entry.Info("link closed")
	}

	h.emit(Event{
		Type:       EventDisconnected,
		Kind:       h.kind,
		Identifier: s.identifier,
		DeviceID:   s.peer.DeviceID,
		DeviceName: s.peer.DeviceName,
	})
}

// emit blocks until the consumer takes the event or the hub closes.
func (h *hub) emit(ev Event) {
	select {
	case h.events <- ev:
	case <-h.closed:
	}
}

func (h *hub) isClosed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

// shutdown closes every link. It reports whether this call did the work.
func (h *hub) shutdown() bool {
	first := false
	h.closeOnce.Do(func() {
		first = true
		close(h.closed)
		for _, s := range h.snapshot() {
			s.disconnect()
		}
	})
	return first
}
