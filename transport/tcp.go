package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Options configures a network adapter.
type Options struct {
	Identity      Identity
	ListenAddress string
	Logger        *log.Entry

	HandshakeTimeout  time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if o.KeepAliveTimeout <= 0 {
		o.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if o.FrameReadTimeout <= 0 {
		o.FrameReadTimeout = DefaultFrameReadTimeout
	}
	if o.ListenAddress == "" {
		o.ListenAddress = ":0"
	}
	return o
}

// TCPAdapter carries length-prefixed frames over TCP with ping/pong keepalive.
type TCPAdapter struct {
	*hub
	opts Options

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewTCP creates a TCP adapter. Start must be called to accept links.
func NewTCP(opts Options) *TCPAdapter {
	opts = opts.withDefaults()
	return &TCPAdapter{
		hub:  newHub(KindTCP, opts.Identity, opts.Logger),
		opts: opts,
	}
}

// Start listens on the configured address and accepts links until ctx ends or Close.
func (a *TCPAdapter) Start(ctx context.Context) error {
	if a.isClosed() {
		return ErrClosed
	}
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", a.opts.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", a.opts.ListenAddress, err)
	}

	a.mu.Lock()
	a.listener = listener
	a.mu.Unlock()

	a.wg.Add(1)
	go a.acceptLoop(listener)
	go func() {
		select {
		case <-ctx.Done():
			_ = a.Close()
		case <-a.closed:
		}
	}()

	a.logger.WithField("address", listener.Addr().String()).Info("tcp listener started")
	return nil
}

// Addr returns the listening address, or nil before Start.
func (a *TCPAdapter) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Connect dials address and attaches the link after the hello exchange.
func (a *TCPAdapter) Connect(ctx context.Context, address string) error {
	if a.isClosed() {
		return ErrClosed
	}
	dialer := net.Dialer{Timeout: a.opts.HandshakeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("dial %q: %w", address, err)
	}
	return a.establish(conn)
}

// Close stops accepting and closes every link.
func (a *TCPAdapter) Close() error {
	if !a.shutdown() {
		return nil
	}
	a.mu.Lock()
	listener := a.listener
	a.mu.Unlock()

	var closeErr error
	if listener != nil {
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			closeErr = err
		}
	}
	a.wg.Wait()
	return closeErr
}

func (a *TCPAdapter) acceptLoop(listener net.Listener) {
	defer a.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if a.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			a.logger.WithError(err).Warn("accept connection failed")
			continue
		}

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.establish(conn); err != nil {
				a.logger.WithError(err).WithField("remote", conn.RemoteAddr().String()).Debug("inbound link rejected")
			}
		}()
	}
}

func (a *TCPAdapter) establish(conn net.Conn) error {
	fc := newStreamConn(conn)
	peer, err := exchangeHello(fc, a.local, a.opts.HandshakeTimeout)
	if err != nil {
		_ = conn.Close()
		return err
	}
	identifier := fmt.Sprintf("%s:%s", KindTCP, conn.RemoteAddr().String())
	return a.attach(fc, identifier, peer, sessionOptions{
		KeepAliveInterval: a.opts.KeepAliveInterval,
		KeepAliveTimeout:  a.opts.KeepAliveTimeout,
		FrameReadTimeout:  a.opts.FrameReadTimeout,
	})
}
