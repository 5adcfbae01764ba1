package client

import (
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// readLoop handles relay messages until the socket goes away. A socket lost
// without Close resets the session so that Connect starts from scratch.
func (c *Client) readLoop(conn *SignalConn) {
	defer func() {
		c.mu.Lock()
		if c.conn != conn || c.shutdown {
			c.mu.Unlock()
			return
		}
		changed, err := c.reset()
		c.mu.Unlock()

		if changed {
			c.notifyStatus(StatusIdle)
		}
		c.log.Info("session reset after signaling loss")
		if err != nil {
			c.reportError(err)
		}
	}()

	for {
		var msg *Message
		if err := conn.ReadMessage(&msg); err != nil {
			if errors.Is(err, ErrInvalidMessage) {
				c.reportError(err)
				continue
			}
			if conn.Closed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info("signaling connection closed")
			} else {
				c.reportError(fmt.Errorf("signaling connection lost: %w", err))
			}
			_ = conn.Close(websocket.CloseNormalClosure)
			return
		}
		if msg == nil {
			continue
		}

		if err := c.handleMessage(*msg); err != nil {
			c.reportError(err)
		}
	}
}

func (c *Client) handleMessage(msg Message) error {
	switch msg.Event {
	case EventTypeOffer:
		if msg.SDP == nil {
			return nil
		}
		return c.answer(*msg.SDP)
	case EventTypeCandidate:
		if msg.ICE == nil {
			return nil
		}
		return c.addCandidate(*msg.ICE)
	default:
		c.log.Debug("ignoring signaling event", zap.String("event", string(msg.Event)))
		return nil
	}
}

// addCandidate applies a remote candidate, or queues it until the first
// offer has been applied.
func (c *Client) addCandidate(candidate webrtc.ICECandidateInit) error {
	pc := c.currentPeer()
	if pc.RemoteDescription() == nil {
		c.mu.Lock()
		if c.peer == pc {
			c.pending = append(c.pending, candidate)
		}
		c.mu.Unlock()
		return nil
	}
	if err := pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add ice candidate: %w", err)
	}
	return nil
}

// answer accepts a remote offer and sends back the answer.
func (c *Client) answer(offer webrtc.SessionDescription) error {
	pc := c.currentPeer()
	if err := pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, candidate := range pending {
		if err := pc.AddICECandidate(candidate); err != nil {
			c.log.Warn("failed to add queued ice candidate", zap.Error(err))
		}
	}

	c.negotiateMu.Lock()
	defer c.negotiateMu.Unlock()

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	c.mu.Lock()
	current := c.peer == pc
	if current {
		c.localSDP = answer.SDP
	}
	c.mu.Unlock()
	if !current {
		return nil
	}

	c.cbMu.RLock()
	f := c.onLocalDescription
	c.cbMu.RUnlock()
	if f != nil {
		f(answer.SDP)
	}

	if err := c.send(Message{Event: EventTypeAnswer, SDP: &answer}); err != nil {
		return fmt.Errorf("failed to send answer: %w", err)
	}
	c.log.Info("sent answer")
	return nil
}
