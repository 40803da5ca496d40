// Package node is the composition root. It builds every mesh service once
// from the device config, runs the transport event loops and exposes the
// application-facing send and status calls.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"meshlink/config"
	"meshlink/crypto"
	"meshlink/discovery"
	"meshlink/logging"
	"meshlink/mesh"
	"meshlink/offline"
	"meshlink/storage"
	"meshlink/transport"
)

const (
	defaultDialTimeout         = 10 * time.Second
	defaultMaintenanceInterval = 15 * time.Second
)

var defaultReconnectBackoff = []time.Duration{
	0,
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
}

var (
	// ErrTransportDisabled is returned when dialing a scheme whose adapter is not running.
	ErrTransportDisabled = errors.New("node: transport not enabled")
	// ErrNoTransports is returned when the config enables no adapter.
	ErrNoTransports = errors.New("node: no transport enabled")
)

// Options configures New.
type Options struct {
	Config  *config.DeviceConfig
	DataDir string
	// Logger is used as is and not closed by the node. When nil the node
	// builds one from Config.Log.
	Logger *logging.Logger
	// Adapters replaces the transports built from Config.
	Adapters []transport.Adapter
	// DisableDiscovery turns mDNS off regardless of Config.
	DisableDiscovery bool
	ReconnectBackoff []time.Duration
	DialTimeout      time.Duration
}

// Node owns one device's stores, transports and mesh services.
type Node struct {
	cfg     *config.DeviceConfig
	dataDir string
	options Options

	logs       *logging.Logger
	ownsLogger bool
	logger     *log.Entry

	key     *crypto.DeviceKey
	store   *storage.Store
	dbPath  string
	offline *offline.Queue

	adapters   []transport.Adapter
	byKind     mesh.Adapters
	dispatcher *mesh.Dispatcher
	mdns       *discovery.Service

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	dialMu  sync.Mutex
	dialers map[string]*dialWorker

	startOnce sync.Once
	stopOnce  sync.Once
}

// New opens the data directory and wires every component. Nothing runs
// until Start.
func New(opts Options) (*Node, error) {
	if opts.Config == nil {
		return nil, errors.New("node: config is required")
	}
	if opts.DataDir == "" {
		return nil, errors.New("node: data directory is required")
	}
	if len(opts.ReconnectBackoff) == 0 {
		opts.ReconnectBackoff = append([]time.Duration(nil), defaultReconnectBackoff...)
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	cfg := opts.Config

	n := &Node{
		cfg:     cfg,
		dataDir: opts.DataDir,
		options: opts,
		logs:    opts.Logger,
		dialers: make(map[string]*dialWorker),
	}
	if n.logs == nil {
		logs, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
		if err != nil {
			return nil, err
		}
		n.logs = logs
		n.ownsLogger = true
	}
	n.logger = n.logs.Component("node").WithField("device_id", cfg.DeviceID)

	if err := n.open(); err != nil {
		n.closeResources()
		return nil, err
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())
	return n, nil
}

func (n *Node) open() error {
	if err := config.EnsureDataDirectories(n.dataDir); err != nil {
		return err
	}

	keyPath := n.cfg.X25519PrivateKeyPath
	if keyPath == "" {
		keyPath = filepath.Join(n.dataDir, "keys", "x25519_private.pem")
	}
	key, err := crypto.EnsureDeviceKey(keyPath)
	if err != nil {
		return fmt.Errorf("prepare device key: %w", err)
	}
	n.key = key

	store, dbPath, err := storage.Open(n.dataDir)
	if err != nil {
		return err
	}
	n.store = store
	n.dbPath = dbPath

	queue, err := offline.Open(n.dataDir, n.logs.Component("offline"))
	if err != nil {
		return err
	}
	n.offline = queue

	if err := n.buildTransports(); err != nil {
		return err
	}
	return n.buildMesh()
}

func (n *Node) buildTransports() error {
	identity := transport.Identity{DeviceID: n.cfg.DeviceID, DeviceName: n.cfg.DeviceName}
	adapters := n.options.Adapters
	if len(adapters) == 0 {
		t := n.cfg.Transports
		if t.TCP.Enabled {
			adapters = append(adapters, transport.NewTCP(transport.Options{
				Identity:      identity,
				ListenAddress: t.TCP.ListenAddress,
				Logger:        n.logs.Component("tcp"),
			}))
		}
		if t.QUIC.Enabled {
			quic, err := transport.NewQUIC(transport.Options{
				Identity:      identity,
				ListenAddress: t.QUIC.ListenAddress,
				Logger:        n.logs.Component("quic"),
			})
			if err != nil {
				return fmt.Errorf("create quic transport: %w", err)
			}
			adapters = append(adapters, quic)
		}
		if t.WebSocket.Enabled {
			adapters = append(adapters, transport.NewWebSocket(transport.Options{
				Identity:      identity,
				ListenAddress: t.WebSocket.ListenAddress,
				Logger:        n.logs.Component("websocket"),
			}))
		}
	}
	if len(adapters) == 0 {
		return ErrNoTransports
	}

	n.adapters = adapters
	n.byKind = make(mesh.Adapters, len(adapters))
	for _, adapter := range adapters {
		if _, dup := n.byKind[adapter.Kind()]; dup {
			return fmt.Errorf("node: duplicate %s transport", adapter.Kind())
		}
		n.byKind[adapter.Kind()] = adapter
	}
	return nil
}

func (n *Node) buildMesh() error {
	m := n.cfg.Mesh
	entry := n.logs.Component("mesh").WithField("device_id", n.cfg.DeviceID)

	pool := mesh.NewPool(nil)
	routes := mesh.NewRoutingTable(nil)
	discoveryState := mesh.NewRouteDiscovery(mesh.DiscoveryOptions{
		DeviceID: n.cfg.DeviceID,
		Table:    routes,
		MaxHops:  m.MaxHops,
		Logger:   entry,
	})
	forward := mesh.NewStoreForward(mesh.ForwardOptions{
		Store:   n.store,
		Table:   routes,
		MaxHops: m.MaxHops,
		Logger:  entry,
	})
	battery := m.BatteryLevel
	health := mesh.NewHealthMonitor(mesh.HealthOptions{
		DeviceID:              n.cfg.DeviceID,
		Table:                 routes,
		BatteryLevel:          func() int { return battery },
		HeartbeatInterval:     seconds(m.HeartbeatIntervalSeconds),
		DeadNodeCheckInterval: seconds(m.DeadNodeCheckSeconds),
		Logger:                entry,
	})

	dispatcher, err := mesh.NewDispatcher(mesh.DispatcherOptions{
		DeviceID:          n.cfg.DeviceID,
		DeviceName:        n.cfg.DeviceName,
		PublicKey:         n.key.PublicKeyBase64(),
		DefaultTTL:        m.DefaultTTL,
		OfflineFlushDelay: time.Duration(m.OfflineFlushDelayMillis) * time.Millisecond,
		Pool:              pool,
		Routes:            routes,
		Discovery:         discoveryState,
		Forward:           forward,
		Health:            health,
		Store:             n.store,
		Offline:           n.offline,
		Sender:            n.byKind,
		Logger:            entry,
	})
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}
	n.dispatcher = dispatcher
	return nil
}

// Start runs the dispatcher, every transport, the maintenance loop,
// bootstrap dialing and mDNS discovery. Cancelling ctx stops the loops;
// Stop must still be called to release the stores.
func (n *Node) Start(ctx context.Context) error {
	var startErr error
	n.startOnce.Do(func() {
		context.AfterFunc(ctx, n.cancel)
		n.dispatcher.Start(n.ctx)

		for _, adapter := range n.adapters {
			if err := adapter.Start(n.ctx); err != nil {
				startErr = fmt.Errorf("start %s transport: %w", adapter.Kind(), err)
				return
			}
			n.wg.Add(1)
			go n.pump(adapter)
			if addr := listenAddr(adapter); addr != nil {
				n.logger.WithFields(log.Fields{"transport": adapter.Kind(), "address": addr.String()}).Info("transport listening")
			}
		}

		n.wg.Add(1)
		go n.maintenanceLoop()

		n.dialBootstrapPeers()

		if n.cfg.Discovery.MDNS && !n.options.DisableDiscovery {
			if err := n.startDiscovery(); err != nil {
				n.logger.WithError(err).Warn("mdns discovery unavailable")
			}
		}
		n.logger.Info("node started")
	})
	if startErr != nil {
		n.Stop()
	}
	return startErr
}

// Stop cancels every loop, closes the transports and releases the stores.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.cancel()
		n.stopAllDials()
		if n.mdns != nil {
			n.mdns.Stop()
		}
		for _, adapter := range n.adapters {
			if err := adapter.Close(); err != nil {
				n.logger.WithError(err).WithField("transport", adapter.Kind()).Warn("close transport failed")
			}
		}
		if n.dispatcher != nil {
			n.dispatcher.Stop()
		}
		n.wg.Wait()
		n.closeResources()
	})
}

func (n *Node) closeResources() {
	if n.offline != nil {
		if err := n.offline.Close(); err != nil {
			n.logger.WithError(err).Warn("offline queue close failed")
		}
		n.offline = nil
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			n.logger.WithError(err).Warn("database close failed")
		}
		n.store = nil
	}
	if n.ownsLogger {
		_ = n.logs.Close()
	}
}

func (n *Node) pump(adapter transport.Adapter) {
	defer n.wg.Done()
	events := adapter.Events()
	for {
		select {
		case <-n.ctx.Done():
			return
		case ev := <-events:
			switch ev.Type {
			case transport.EventConnected:
				n.logger.WithFields(log.Fields{
					"transport": ev.Kind,
					"peer":      ev.DeviceID,
					"link":      ev.Identifier,
				}).Info("link up")
			case transport.EventDisconnected:
				n.logger.WithFields(log.Fields{"transport": ev.Kind, "link": ev.Identifier}).Info("link down")
			}
			n.dispatcher.HandleTransportEvent(ev)
		}
	}
}

func (n *Node) maintenanceLoop() {
	defer n.wg.Done()
	interval := seconds(n.cfg.Mesh.MaintenanceIntervalSeconds)
	if interval <= 0 {
		interval = defaultMaintenanceInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if err := n.dispatcher.Maintain(); err != nil {
				if errors.Is(err, mesh.ErrStopped) {
					return
				}
				n.logger.WithError(err).Warn("maintenance failed")
			}
			if !n.dispatcher.Pool().HasConnections() {
				n.dialBootstrapPeers()
			}
		}
	}
}

func listenAddr(adapter transport.Adapter) net.Addr {
	listener, ok := adapter.(interface{ Addr() net.Addr })
	if !ok {
		return nil
	}
	return listener.Addr()
}

func seconds(v int) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v) * time.Second
}

func addrPort(addr net.Addr) int {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.Port
	case *net.UDPAddr:
		return a.Port
	default:
		return 0
	}
}
