package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const quicALPN = "meshlink-1"

// QUICAdapter carries length-prefixed frames on one bidirectional QUIC
// stream per link. QUIC's own keepalive holds the connection open; frame
// pings on the stream report liveness to the mesh like the other adapters.
type QUICAdapter struct {
	*hub
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener *quic.Listener
	tlsConf  *tls.Config
	wg       sync.WaitGroup
}

// NewQUIC creates a QUIC adapter with a fresh self-signed certificate.
func NewQUIC(opts Options) (*QUICAdapter, error) {
	opts = opts.withDefaults()
	tlsConf, err := selfSignedTLSConfig(opts.Identity.DeviceID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &QUICAdapter{
		hub:     newHub(KindQUIC, opts.Identity, opts.Logger),
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		tlsConf: tlsConf,
	}, nil
}

// Start listens on the configured UDP address.
func (a *QUICAdapter) Start(ctx context.Context) error {
	if a.isClosed() {
		return ErrClosed
	}
	listener, err := quic.ListenAddr(a.opts.ListenAddress, a.tlsConf, a.quicConfig())
	if err != nil {
		return fmt.Errorf("start QUIC listener on %q: %w", a.opts.ListenAddress, err)
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

	a.logger.WithField("address", listener.Addr().String()).Info("quic listener started")
	return nil
}

// Addr returns the listening address, or nil before Start.
func (a *QUICAdapter) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Connect dials address, opens the link stream and exchanges hellos.
func (a *QUICAdapter) Connect(ctx context.Context, address string) error {
	if a.isClosed() {
		return ErrClosed
	}
	dialCtx, cancel := context.WithTimeout(ctx, a.opts.HandshakeTimeout)
	defer cancel()

	clientConf := &tls.Config{
		Certificates:       a.tlsConf.Certificates,
		InsecureSkipVerify: true,
		NextProtos:         []string{quicALPN},
		MinVersion:         tls.VersionTLS13,
	}
	conn, err := quic.DialAddr(dialCtx, address, clientConf, a.quicConfig())
	if err != nil {
		return fmt.Errorf("dial %q: %w", address, err)
	}
	stream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		_ = conn.CloseWithError(1, "failed to open link stream")
		return fmt.Errorf("open stream to %q: %w", address, err)
	}
	return a.establish(conn, stream)
}

// Close stops the listener and closes every link.
func (a *QUICAdapter) Close() error {
	if !a.shutdown() {
		return nil
	}
	a.cancel()

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

func (a *QUICAdapter) acceptLoop(listener *quic.Listener) {
	defer a.wg.Done()

	for {
		conn, err := listener.Accept(a.ctx)
		if err != nil {
			if a.ctx.Err() != nil || a.isClosed() {
				return
			}
			a.logger.WithError(err).Warn("accept QUIC connection failed")
			continue
		}

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			streamCtx, cancel := context.WithTimeout(a.ctx, a.opts.HandshakeTimeout)
			defer cancel()
			stream, err := conn.AcceptStream(streamCtx)
			if err != nil {
				_ = conn.CloseWithError(1, "no link stream")
				return
			}
			if err := a.establish(conn, stream); err != nil {
				a.logger.WithError(err).WithField("remote", conn.RemoteAddr().String()).Debug("inbound link rejected")
			}
		}()
	}
}

func (a *QUICAdapter) establish(conn *quic.Conn, stream *quic.Stream) error {
	fc := newStreamConn(stream)
	fc.onClose = func() error {
		return conn.CloseWithError(0, "link closed")
	}
	peer, err := exchangeHello(fc, a.local, a.opts.HandshakeTimeout)
	if err != nil {
		_ = fc.Close()
		return err
	}
	identifier := fmt.Sprintf("%s:%s", KindQUIC, conn.RemoteAddr().String())
	return a.attach(fc, identifier, peer, sessionOptions{
		KeepAliveInterval: a.opts.KeepAliveInterval,
		KeepAliveTimeout:  a.opts.KeepAliveTimeout,
		FrameReadTimeout:  a.opts.FrameReadTimeout,
	})
}

func (a *QUICAdapter) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  a.opts.KeepAliveInterval + a.opts.KeepAliveTimeout,
		KeepAlivePeriod: a.opts.KeepAliveInterval / 2,
	}
}

func selfSignedTLSConfig(commonName string) (*tls.Config, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate TLS key: %w", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			Organization: []string{"meshlink"},
			CommonName:   commonName,
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, publicKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("create TLS certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certDER},
			PrivateKey:  privateKey,
		}},
		NextProtos: []string{quicALPN},
		MinVersion: tls.VersionTLS13,
	}, nil
}
