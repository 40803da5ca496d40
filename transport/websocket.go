package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketPath is the HTTP path links are upgraded on.
const WebSocketPath = "/mesh"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsConn carries one frame per binary WebSocket message.
type wsConn struct {
	conn *websocket.Conn
}

func newWSConn(conn *websocket.Conn) *wsConn {
	conn.SetReadLimit(MaxFrameSize)
	return &wsConn{conn: conn}
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			if errors.Is(err, websocket.ErrReadLimit) {
				return nil, ErrFrameTooLarge
			}
			return nil, err
		}
		if messageType == websocket.BinaryMessage || messageType == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteFrame(payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *wsConn) Close() error {
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return c.conn.Close()
}

// WebSocketAdapter serves links on an HTTP listener and dials ws:// peers.
type WebSocketAdapter struct {
	*hub
	opts Options

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup
}

// NewWebSocket creates a WebSocket adapter.
func NewWebSocket(opts Options) *WebSocketAdapter {
	opts = opts.withDefaults()
	return &WebSocketAdapter{
		hub:  newHub(KindWebSocket, opts.Identity, opts.Logger),
		opts: opts,
	}
}

// Start serves WebSocketPath on the configured address.
func (a *WebSocketAdapter) Start(ctx context.Context) error {
	if a.isClosed() {
		return ErrClosed
	}
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", a.opts.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", a.opts.ListenAddress, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, a.handleUpgrade)
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: a.opts.HandshakeTimeout,
	}

	a.mu.Lock()
	a.listener = listener
	a.server = server
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithError(err).Warn("websocket server stopped")
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = a.Close()
		case <-a.closed:
		}
	}()

	a.logger.WithField("address", listener.Addr().String()).Info("websocket listener started")
	return nil
}

// Addr returns the listening address, or nil before Start.
func (a *WebSocketAdapter) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Connect dials ws://address/mesh and exchanges hellos.
func (a *WebSocketAdapter) Connect(ctx context.Context, address string) error {
	if a.isClosed() {
		return ErrClosed
	}
	dialer := websocket.Dialer{HandshakeTimeout: a.opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, "ws://"+address+WebSocketPath, nil)
	if err != nil {
		return fmt.Errorf("dial %q: %w", address, err)
	}
	return a.establish(conn)
}

// Close shuts the HTTP server down and closes every link.
func (a *WebSocketAdapter) Close() error {
	if !a.shutdown() {
		return nil
	}
	a.mu.Lock()
	server := a.server
	a.mu.Unlock()

	var closeErr error
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			closeErr = err
		}
	}
	a.wg.Wait()
	return closeErr
}

func (a *WebSocketAdapter) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if a.isClosed() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.WithError(err).Debug("websocket upgrade failed")
		return
	}
	if err := a.establish(conn); err != nil {
		a.logger.WithError(err).WithField("remote", conn.RemoteAddr().String()).Debug("inbound link rejected")
	}
}

func (a *WebSocketAdapter) establish(conn *websocket.Conn) error {
	fc := newWSConn(conn)
	peer, err := exchangeHello(fc, a.local, a.opts.HandshakeTimeout)
	if err != nil {
		_ = conn.Close()
		return err
	}
	identifier := fmt.Sprintf("%s:%s", KindWebSocket, conn.RemoteAddr().String())
	return a.attach(fc, identifier, peer, sessionOptions{
		KeepAliveInterval: a.opts.KeepAliveInterval,
		KeepAliveTimeout:  a.opts.KeepAliveTimeout,
	})
}
