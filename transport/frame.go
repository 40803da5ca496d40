package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	// MaxFrameSize bounds a single frame payload.
	MaxFrameSize = 1 << 20
	// ProtocolVersion is announced in hello frames; peers with another version are rejected.
	ProtocolVersion = 1

	TypeHello = "hello"
	TypePing  = "ping"
	TypePong  = "pong"
	TypeBye   = "bye"

	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultKeepAliveInterval = 15 * time.Second
	DefaultKeepAliveTimeout  = 10 * time.Second
	DefaultFrameReadTimeout  = 5 * time.Second
)

var (
	// ErrFrameTooLarge indicates a frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("transport: frame exceeds maximum size")
	// ErrVersionMismatch indicates the peer speaks another protocol version.
	ErrVersionMismatch = errors.New("transport: protocol version mismatch")
	// ErrSelfConnection indicates the peer announced our own device ID.
	ErrSelfConnection = errors.New("transport: connected to self")
	// ErrBadHello indicates the first frame was not a usable hello.
	ErrBadHello = errors.New("transport: invalid hello frame")
)

// Hello is the first frame on every link.
type Hello struct {
	Type            string `json:"type"`
	DeviceID        string `json:"device_id"`
	DeviceName      string `json:"device_name"`
	ProtocolVersion int    `json:"protocol_version"`
}

type controlFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// EncodeJSON marshals a frame payload.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return payload, nil
}

// WriteFrame writes one length-prefixed frame: a 4-byte big-endian length
// followed by the payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// controlType returns the lower-case control frame type, or "" for data
// frames. Message types are upper-case, so the two never collide.
func controlType(payload []byte) string {
	var frame controlFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return ""
	}
	switch frame.Type {
	case TypeHello, TypePing, TypePong, TypeBye:
		return frame.Type
	default:
		return ""
	}
}

func newHello(local Identity) Hello {
	return Hello{
		Type:            TypeHello,
		DeviceID:        local.DeviceID,
		DeviceName:      local.DeviceName,
		ProtocolVersion: ProtocolVersion,
	}
}

// exchangeHello sends our hello and waits for the peer's. Both sides write
// first, so the write runs alongside the read.
func exchangeHello(conn frameConn, local Identity, timeout time.Duration) (Hello, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	payload, err := EncodeJSON(newHello(local))
	if err != nil {
		return Hello{}, err
	}

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Hello{}, fmt.Errorf("set hello deadline: %w", err)
	}
	defer func() {
		_ = conn.SetReadDeadline(time.Time{})
	}()

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- conn.WriteFrame(payload)
	}()

	raw, err := conn.ReadFrame()
	if err != nil {
		return Hello{}, fmt.Errorf("read hello: %w", err)
	}
	if err := <-writeErr; err != nil {
		return Hello{}, fmt.Errorf("write hello: %w", err)
	}

	var hello Hello
	if err := json.Unmarshal(raw, &hello); err != nil {
		return Hello{}, fmt.Errorf("%w: %v", ErrBadHello, err)
	}
	if hello.Type != TypeHello || hello.DeviceID == "" {
		return Hello{}, ErrBadHello
	}
	if hello.ProtocolVersion != ProtocolVersion {
		return Hello{}, fmt.Errorf("%w: got %d want %d", ErrVersionMismatch, hello.ProtocolVersion, ProtocolVersion)
	}
	if hello.DeviceID == local.DeviceID {
		return Hello{}, ErrSelfConnection
	}
	return hello, nil
}
