package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const memoryBufferSize = 1024

// MemoryNetwork wires MemoryAdapters in the same process, mostly for tests.
// Addresses are arbitrary names chosen when adapters are created.
type MemoryNetwork struct {
	mu       sync.Mutex
	adapters map[string]*MemoryAdapter
}

// NewMemoryNetwork returns an empty in-process network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{adapters: make(map[string]*MemoryAdapter)}
}

func (n *MemoryNetwork) register(a *MemoryAdapter) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.adapters[a.address]; exists {
		return fmt.Errorf("memory address %q already in use", a.address)
	}
	n.adapters[a.address] = a
	return nil
}

func (n *MemoryNetwork) unregister(a *MemoryAdapter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.adapters[a.address] == a {
		delete(n.adapters, a.address)
	}
}

func (n *MemoryNetwork) lookup(address string) (*MemoryAdapter, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	a, ok := n.adapters[address]
	return a, ok
}

// MemoryAdapter is an in-process adapter. Links run the same hello exchange
// and session loops as the network adapters.
type MemoryAdapter struct {
	*hub
	network *MemoryNetwork
	address string
	opts    Options
}

// NewMemory creates an adapter reachable at address once started.
func (n *MemoryNetwork) NewMemory(address string, identity Identity, logger *log.Entry) *MemoryAdapter {
	opts := Options{Identity: identity, Logger: logger}.withDefaults()
	return &MemoryAdapter{
		hub:     newHub(KindMemory, identity, logger),
		network: n,
		address: address,
		opts:    opts,
	}
}

// Address returns the name other adapters connect to.
func (a *MemoryAdapter) Address() string { return a.address }

// Start makes the adapter reachable.
func (a *MemoryAdapter) Start(ctx context.Context) error {
	if a.isClosed() {
		return ErrClosed
	}
	if err := a.network.register(a); err != nil {
		return err
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = a.Close()
		case <-a.closed:
		}
	}()
	return nil
}

// Connect links this adapter with the one registered at address.
func (a *MemoryAdapter) Connect(ctx context.Context, address string) error {
	if a.isClosed() {
		return ErrClosed
	}
	remote, ok := a.network.lookup(address)
	if !ok {
		return fmt.Errorf("memory transport: no adapter at %q", address)
	}

	local, far := newMemoryPipe()
	remoteErr := make(chan error, 1)
	go func() {
		remoteErr <- remote.establish(far, fmt.Sprintf("%s:%s", KindMemory, a.address))
	}()

	if err := a.establish(local, fmt.Sprintf("%s:%s", KindMemory, address)); err != nil {
		return err
	}
	select {
	case err := <-remoteErr:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close unregisters the adapter and closes every link.
func (a *MemoryAdapter) Close() error {
	if !a.shutdown() {
		return nil
	}
	a.network.unregister(a)
	return nil
}

func (a *MemoryAdapter) establish(conn *memoryConn, identifier string) error {
	peer, err := exchangeHello(conn, a.local, a.opts.HandshakeTimeout)
	if err != nil {
		_ = conn.Close()
		return err
	}
	return a.attach(conn, identifier, peer, sessionOptions{
		FrameReadTimeout: a.opts.FrameReadTimeout,
	})
}

// memoryConn is one end of a buffered in-process frame pipe.
type memoryConn struct {
	in  chan []byte
	out chan []byte

	deadlineMu sync.Mutex
	deadline   time.Time

	closeOnce *sync.Once
	done      chan struct{}
}

func newMemoryPipe() (*memoryConn, *memoryConn) {
	ab := make(chan []byte, memoryBufferSize)
	ba := make(chan []byte, memoryBufferSize)
	done := make(chan struct{})
	once := &sync.Once{}
	return &memoryConn{in: ba, out: ab, done: done, closeOnce: once},
		&memoryConn{in: ab, out: ba, done: done, closeOnce: once}
}

func (c *memoryConn) ReadFrame() ([]byte, error) {
	var timeout <-chan time.Time
	c.deadlineMu.Lock()
	deadline := c.deadline
	c.deadlineMu.Unlock()
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case payload := <-c.in:
		return payload, nil
	case <-c.done:
		// Drain what the peer wrote before closing.
		select {
		case payload := <-c.in:
			return payload, nil
		default:
		}
		return nil, io.EOF
	case <-timeout:
		return nil, os.ErrDeadlineExceeded
	}
}

func (c *memoryConn) WriteFrame(payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := append([]byte(nil), payload...)
	select {
	case <-c.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case c.out <- buf:
		return nil
	case <-c.done:
		return io.ErrClosedPipe
	}
}

func (c *memoryConn) SetReadDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	c.deadline = t
	return nil
}

func (c *memoryConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}
