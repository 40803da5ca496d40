package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"meshlink/config"
	"meshlink/discovery"
	"meshlink/transport"
)

// dialWorker retries one address until a link comes up or it is cancelled.
type dialWorker struct {
	cancel context.CancelFunc
}

// Connect dials a peer given as tcp://, quic:// or ws:// address.
func (n *Node) Connect(ctx context.Context, rawAddress string) error {
	scheme, address, err := config.ParsePeerAddress(rawAddress)
	if err != nil {
		return err
	}
	return n.Dial(ctx, kindForScheme(scheme), address)
}

// Dial connects the adapter of the given kind to address.
func (n *Node) Dial(ctx context.Context, kind transport.Kind, address string) error {
	adapter, ok := n.byKind[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransportDisabled, kind)
	}
	dialCtx, cancel := context.WithTimeout(ctx, n.options.DialTimeout)
	defer cancel()
	if err := adapter.Connect(dialCtx, address); err != nil {
		return fmt.Errorf("connect %s %s: %w", kind, address, err)
	}
	return nil
}

func (n *Node) dialBootstrapPeers() {
	for _, raw := range n.cfg.BootstrapPeers {
		scheme, address, err := config.ParsePeerAddress(raw)
		if err != nil {
			n.logger.WithError(err).Warn("skipping bootstrap peer")
			continue
		}
		n.startDial(kindForScheme(scheme), address, "")
	}
}

// startDial keeps dialing address with backoff. When deviceID is set the
// worker gives up as soon as that device has any link.
func (n *Node) startDial(kind transport.Kind, address, deviceID string) {
	if _, ok := n.byKind[kind]; !ok {
		n.logger.WithFields(log.Fields{"transport": kind, "address": address}).Debug("no adapter for dial target")
		return
	}
	key := string(kind) + "://" + address

	n.dialMu.Lock()
	if _, exists := n.dialers[key]; exists {
		n.dialMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(n.ctx)
	worker := &dialWorker{cancel: cancel}
	n.dialers[key] = worker
	n.dialMu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			n.dialMu.Lock()
			if n.dialers[key] == worker {
				delete(n.dialers, key)
			}
			n.dialMu.Unlock()
			cancel()
		}()

		entry := n.logger.WithFields(log.Fields{"transport": kind, "address": address})
		for attempt := 0; ; attempt++ {
			timer := time.NewTimer(n.backoffForAttempt(attempt))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}

			if deviceID != "" && len(n.dispatcher.Pool().ConnectionsForDevice(deviceID)) > 0 {
				return
			}
			if err := n.Dial(ctx, kind, address); err != nil {
				entry.WithError(err).WithField("attempt", attempt+1).Debug("dial failed")
				continue
			}
			entry.Info("dialed peer")
			return
		}
	}()
}

func (n *Node) stopDial(kind transport.Kind, address string) {
	key := string(kind) + "://" + address
	n.dialMu.Lock()
	worker, exists := n.dialers[key]
	if exists {
		delete(n.dialers, key)
	}
	n.dialMu.Unlock()
	if exists {
		worker.cancel()
	}
}

func (n *Node) stopAllDials() {
	n.dialMu.Lock()
	for _, worker := range n.dialers {
		worker.cancel()
	}
	n.dialers = make(map[string]*dialWorker)
	n.dialMu.Unlock()
}

func (n *Node) backoffForAttempt(attempt int) time.Duration {
	backoff := n.options.ReconnectBackoff
	if attempt < len(backoff) {
		return backoff[attempt]
	}
	return backoff[len(backoff)-1]
}

func (n *Node) startDiscovery() error {
	endpoints := make(map[string]int)
	for _, adapter := range n.adapters {
		key, ok := endpointForKind(adapter.Kind())
		if !ok {
			continue
		}
		if port := addrPort(listenAddr(adapter)); port > 0 {
			endpoints[key] = port
		}
	}
	if len(endpoints) == 0 {
		return errors.New("no transport exposes a port for mdns")
	}

	service, err := discovery.Start(discovery.Config{
		SelfDeviceID:   n.cfg.DeviceID,
		DeviceName:     n.cfg.DeviceName,
		KeyFingerprint: n.key.Fingerprint(),
		Endpoints:      endpoints,
	})
	if err != nil {
		return err
	}
	n.mdns = service

	n.wg.Add(1)
	go n.watchDiscovery(service.Scanner.Events())
	return nil
}

func (n *Node) watchDiscovery(events <-chan discovery.Event) {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.handleDiscoveryEvent(ev)
		}
	}
}

func (n *Node) handleDiscoveryEvent(ev discovery.Event) {
	peer := ev.Peer
	entry := n.logger.WithFields(log.Fields{"peer": peer.DeviceID, "peer_name": peer.DeviceName})
	switch ev.Type {
	case discovery.EventPeerRemoved:
		entry.Debug("mdns peer gone")
		for _, target := range peer.DialTargets() {
			n.stopDial(kindForEndpoint(target.Endpoint), target.Address)
		}
	case discovery.EventPeerUpserted:
		if !n.shouldDial(peer.DeviceID) {
			return
		}
		for _, target := range peer.DialTargets() {
			kind := kindForEndpoint(target.Endpoint)
			if _, ok := n.byKind[kind]; !ok {
				continue
			}
			entry.WithField("address", target.Address).Info("mdns peer found")
			n.startDial(kind, target.Address, peer.DeviceID)
			return
		}
	}
}

// shouldDial breaks the symmetry of two devices discovering each other:
// only the lower device ID dials, and only while no link exists.
func (n *Node) shouldDial(deviceID string) bool {
	if deviceID == "" || deviceID == n.cfg.DeviceID {
		return false
	}
	if len(n.dispatcher.Pool().ConnectionsForDevice(deviceID)) > 0 {
		return false
	}
	return n.cfg.DeviceID < deviceID
}

func kindForScheme(scheme string) transport.Kind {
	switch scheme {
	case config.SchemeTCP:
		return transport.KindTCP
	case config.SchemeQUIC:
		return transport.KindQUIC
	case config.SchemeWebSocket:
		return transport.KindWebSocket
	default:
		return transport.Kind(scheme)
	}
}

func kindForEndpoint(endpoint string) transport.Kind {
	switch endpoint {
	case discovery.EndpointTCP:
		return transport.KindTCP
	case discovery.EndpointQUIC:
		return transport.KindQUIC
	case discovery.EndpointWebSocket:
		return transport.KindWebSocket
	default:
		return transport.Kind(endpoint)
	}
}

func endpointForKind(kind transport.Kind) (string, bool) {
	switch kind {
	case transport.KindTCP:
		return discovery.EndpointTCP, true
	case transport.KindQUIC:
		return discovery.EndpointQUIC, true
	case transport.KindWebSocket:
		return discovery.EndpointWebSocket, true
	default:
		return "", false
	}
}
