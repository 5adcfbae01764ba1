package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

// EventType names a signaling message.
type EventType string

const (
	EventTypeOffer     EventType = "offer"
	EventTypeAnswer    EventType = "answer"
	EventTypeCandidate EventType = "candidate"
)

// ErrInvalidMessage marks a frame that could not be decoded as a Message.
// The connection itself is still usable.
var ErrInvalidMessage = errors.New("invalid signaling message")

const closeWriteTimeout = time.Second

// Message is the signaling envelope exchanged with the relay.
type Message struct {
	Event EventType                  `json:"event"`
	SDP   *webrtc.SessionDescription `json:"sdp,omitempty"`
	ICE   *webrtc.ICECandidateInit   `json:"ice,omitempty"`
}

// SignalConn carries JSON messages over a websocket. Writes are serialized;
// reads must come from a single goroutine.
type SignalConn struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed atomic.Bool
}

// NewSignalConn wraps an established websocket.
func NewSignalConn(c *websocket.Conn) *SignalConn {
	return &SignalConn{conn: c}
}

// ReadMessage blocks for the next text frame and decodes it into v.
func (c *SignalConn) ReadMessage(v interface{}) error {
	typ, raw, err := c.conn.ReadMessage()
	if err != nil {
		return err
	}

	if typ != websocket.TextMessage {
		return fmt.Errorf("%w: frame type %d", ErrInvalidMessage, typ)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

// WriteMessage encodes v as JSON and sends it as one text frame.
func (c *SignalConn) WriteMessage(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame with code and closes the socket.
func (c *SignalConn) Close(code int) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""),
		time.Now().Add(closeWriteTimeout),
	)
	c.mu.Unlock()
	return c.conn.Close()
}

// Closed reports whether Close was called on this side.
func (c *SignalConn) Closed() bool {
	return c.closed.Load()
}
