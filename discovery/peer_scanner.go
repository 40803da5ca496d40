package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventPeerUpserted is emitted when a peer appears or its endpoints change.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a peer has been missing for PeerStaleAfter.
	EventPeerRemoved EventType = "peer_removed"
)

// EventType identifies peer discovery updates.
type EventType string

// Event carries discovery updates for the node's dialer.
type Event struct {
	Type EventType
	Peer DiscoveredPeer
}

// DiscoveredPeer is a meshlink device seen on the LAN.
type DiscoveredPeer struct {
	DeviceID   string
	DeviceName string
	// Port is the SRV port, used when no endpoint TXT records are present.
	Port      int
	Addresses []string
	Endpoints map[string]int
	LastSeen  time.Time
}

// DialTarget is one way to reach a discovered peer.
type DialTarget struct {
	// Endpoint is EndpointTCP, EndpointQUIC or EndpointWebSocket.
	Endpoint string
	Address  string
}

// DialTargets lists host:port targets for every advertised endpoint,
// preferring an IPv4 address. Peers without endpoint TXT records fall back
// to TCP on the SRV port.
func (p DiscoveredPeer) DialTargets() []DialTarget {
	if len(p.Addresses) == 0 {
		return nil
	}
	host := p.Addresses[0]
	for _, addr := range p.Addresses {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			host = addr
			break
		}
	}
	var out []DialTarget
	for _, key := range endpointKeys {
		if port := p.Endpoints[key]; port > 0 {
			out = append(out, DialTarget{Endpoint: key, Address: net.JoinHostPort(host, strconv.Itoa(port))})
		}
	}
	if len(out) == 0 && p.Port > 0 {
		out = append(out, DialTarget{Endpoint: EndpointTCP, Address: net.JoinHostPort(host, strconv.Itoa(p.Port))})
	}
	return out
}

// PeerScanner browses mDNS every RefreshInterval and reports peers that
// appear, change or go missing.
type PeerScanner struct {
	cfg    Config
	browse browseFunc

	mu    sync.Mutex
	peers map[string]DiscoveredPeer

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewPeerScanner creates a scanner with config defaults applied.
func NewPeerScanner(config Config) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &PeerScanner{
		cfg:    cfg,
		browse: browse,
		peers:  make(map[string]DiscoveredPeer),
		events: make(chan Event, 128),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start begins background scanning. The first scan runs immediately.
func (s *PeerScanner) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop ends scanning and closes the event channel.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		close(s.events)
	})
}

// Events delivers discovery updates. Updates are dropped while the channel is full.
func (s *PeerScanner) Events() <-chan Event {
	return s.events
}

func (s *PeerScanner) loop() {
	defer s.wg.Done()

	s.scan()
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.scan()
		case <-s.ctx.Done():
			return
		}
	}
}

// scan browses for one ScanTimeout window. A browse that fails outright
// leaves the known peers untouched.
func (s *PeerScanner) scan() {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	browseDone := make(chan error, 1)
	go func() {
		browseDone <- s.browse(ctx, s.cfg.Service, s.cfg.Domain, entries)
	}()

	scanned := make(map[string]DiscoveredPeer)
	for {
		select {
		case entry := <-entries:
			if entry == nil {
				continue
			}
			if peer, ok := parseEntry(entry, s.cfg.SelfDeviceID); ok {
				peer.LastSeen = s.cfg.Now()
				scanned[peer.DeviceID] = peer
			}
		case err := <-browseDone:
			// The real resolver returns at once and keeps delivering entries.
			if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				return
			}
			browseDone = nil
		case <-ctx.Done():
			if s.ctx.Err() != nil {
				return
			}
			s.applySnapshot(scanned)
			return
		}
	}
}

// applySnapshot merges one scan into the known peers. A peer missing from
// the scan is kept until PeerStaleAfter has passed since it was last seen.
func (s *PeerScanner) applySnapshot(scanned map[string]DiscoveredPeer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Now()
	next := make(map[string]DiscoveredPeer, len(scanned))
	for id, peer := range scanned {
		next[id] = peer
		if old, exists := s.peers[id]; !exists || !peersEqual(old, peer) {
			s.emit(Event{Type: EventPeerUpserted, Peer: peer})
		}
	}
	for id, peer := range s.peers {
		if _, exists := scanned[id]; exists {
			continue
		}
		if now.Sub(peer.LastSeen) < s.cfg.PeerStaleAfter {
			next[id] = peer
			continue
		}
		s.emit(Event{Type: EventPeerRemoved, Peer: peer})
	}
	s.peers = next
}

func (s *PeerScanner) emit(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (DiscoveredPeer, bool) {
	txt := txtToMap(entry.Text)
	deviceID := txt["device_id"]
	if deviceID == "" || deviceID == selfDeviceID {
		return DiscoveredPeer{}, false
	}

	seen := make(map[string]struct{})
	var addresses []string
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, dup := seen[raw]; dup {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = deviceID
	}

	endpoints := make(map[string]int)
	for _, key := range endpointKeys {
		if port, err := strconv.Atoi(txt[key]); err == nil && port > 0 {
			endpoints[key] = port
		}
	}

	return DiscoveredPeer{
		DeviceID:   deviceID,
		DeviceName: name,
		Port:       entry.Port,
		Addresses:  addresses,
		Endpoints:  endpoints,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if key = strings.TrimSpace(key); !ok || key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

// peersEqual compares what a dialer cares about: name and reachability.
func peersEqual(a, b DiscoveredPeer) bool {
	if a.DeviceName != b.DeviceName || a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) || len(a.Endpoints) != len(b.Endpoints) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	for key, port := range a.Endpoints {
		if b.Endpoints[key] != port {
			return false
		}
	}
	return true
}
