package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPongTimeout indicates keep-alive timed out waiting for pong.
var ErrPongTimeout = errors.New("transport: pong timeout")

// frameConn is a bidirectional link that carries whole frames.
type frameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(payload []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

type deadlineStream interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// streamConn frames a byte stream with length prefixes.
type streamConn struct {
	stream  deadlineStream
	onClose func() error
}

func newStreamConn(stream deadlineStream) *streamConn {
	return &streamConn{stream: stream}
}

func (c *streamConn) ReadFrame() ([]byte, error) { return ReadFrame(c.stream) }
func (c *streamConn) WriteFrame(payload []byte) error { return WriteFrame(c.stream, payload) }
func (c *streamConn) SetReadDeadline(t time.Time) error { return c.stream.SetReadDeadline(t) }

func (c *streamConn) Close() error {
	err := c.stream.Close()
	if c.onClose != nil {
		if closeErr := c.onClose(); err == nil {
			err = closeErr
		}
	}
	return err
}

type sessionOptions struct {
	// KeepAliveInterval of zero disables ping frames.
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	// FrameReadTimeout of zero reads without a deadline.
	FrameReadTimeout time.Duration
}

// session is one live link after the hello exchange.
type session struct {
	conn       frameConn
	kind       Kind
	identifier string
	peer       Hello
	opts       sessionOptions

	sendMu sync.Mutex

	lastActivity atomic.Int64

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	onData      func(*session, []byte)
	onKeepAlive func(*session)
	onClose     func(*session, error)

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(conn frameConn, kind Kind, identifier string, peer Hello, opts sessionOptions) *session {
	if opts.KeepAliveInterval > 0 && opts.KeepAliveTimeout <= 0 {
		opts.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	s := &session{
		conn:       conn,
		kind:       kind,
		identifier: identifier,
		peer:       peer,
		opts:       opts,
		closed:     make(chan struct{}),
	}
	s.touchActivity()
	return s
}

func (s *session) start() {
	go s.readLoop()
	if s.opts.KeepAliveInterval > 0 {
		go s.keepAliveLoop()
	}
}

func (s *session) send(payload []byte) error {
	select {
	case <-s.closed:
		return io.EOF
	default:
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.conn.WriteFrame(payload); err != nil {
		if !errors.Is(err, ErrFrameTooLarge) {
			s.closeWithError(fmt.Errorf("write frame: %w", err))
		}
		return err
	}
	s.touchActivity()
	return nil
}

func (s *session) sendControl(frameType string) error {
	payload, err := EncodeJSON(controlFrame{Type: frameType, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	return s.send(payload)
}

func (s *session) readLoop() {
	for {
		select {
		case <-s.closed:
			return
		default:
		}

		if s.opts.FrameReadTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.FrameReadTimeout))
		}
		payload, err := s.conn.ReadFrame()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				s.closeWithError(nil)
				return
			}
			s.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		s.touchActivity()
		if len(payload) == 0 {
			continue
		}

		switch controlType(payload) {
		case TypePing:
			_ = s.sendControl(TypePong)
			s.keepAlive()
		case TypePong:
			s.ackPong()
			s.keepAlive()
		case TypeBye:
			s.closeWithError(nil)
			return
		case TypeHello:
			// A repeated hello carries nothing new.
		default:
			if s.onData != nil {
				s.onData(s, payload)
			}
		}
	}
}

func (s *session) keepAliveLoop() {
	checkEvery := s.opts.KeepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = s.opts.KeepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.waitingPongExpired() {
				s.closeWithError(ErrPongTimeout)
				return
			}

			idleFor := time.Since(time.Unix(0, s.lastActivity.Load()))
			if idleFor < s.opts.KeepAliveInterval || s.isWaitingPong() {
				continue
			}

			if err := s.sendControl(TypePing); err != nil {
				return
			}
			s.setWaitingPong(time.Now().Add(s.opts.KeepAliveTimeout))
		case <-s.closed:
			return
		}
	}
}

// disconnect tells the peer the link is going away, then closes it.
func (s *session) disconnect() {
	_ = s.sendControl(TypeBye)
	s.closeWithError(nil)
}

func (s *session) keepAlive() {
	if s.onKeepAlive != nil {
		s.onKeepAlive(s)
	}
}

func (s *session) touchActivity() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *session) setWaitingPong(deadline time.Time) {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	s.waitingPong = true
	s.pongDeadline = deadline
}

func (s *session) ackPong() {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	s.waitingPong = false
	s.pongDeadline = time.Time{}
}

func (s *session) isWaitingPong() bool {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	return s.waitingPong
}

func (s *session) waitingPongExpired() bool {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	return s.waitingPong && time.Now().After(s.pongDeadline)
}

func (s *session) closeWithError(err error) {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
		close(s.closed)
		if s.onClose != nil {
			s.onClose(s, err)
		}
	})
}
