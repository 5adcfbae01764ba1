package relay

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"example.com/meet_client/client"
)

// Peer is one connected client as seen from the relay.
type Peer struct {
	ID   string
	conn *client.SignalConn
	pc   *webrtc.PeerConnection

	// negotiateMu keeps candidates behind the offer they belong to.
	negotiateMu sync.Mutex

	mu       sync.Mutex
	pending  []webrtc.ICECandidateInit
	received map[string]uint64
	answers  int
	state    webrtc.PeerConnectionState
	messages []client.Message
}

// Send writes one signaling message to the peer.
func (p *Peer) Send(msg client.Message) error {
	return p.conn.WriteMessage(msg)
}

// Renegotiate creates a new offer and sends it.
func (p *Peer) Renegotiate() error {
	p.negotiateMu.Lock()
	defer p.negotiateMu.Unlock()

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer for %s: %w", p.ID, err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description for %s: %w", p.ID, err)
	}
	return p.Send(client.Message{Event: client.EventTypeOffer, SDP: &offer})
}

func (p *Peer) sendCandidate(init webrtc.ICECandidateInit) error {
	p.negotiateMu.Lock()
	defer p.negotiateMu.Unlock()
	return p.Send(client.Message{Event: client.EventTypeCandidate, ICE: &init})
}

// Received returns RTP packet counts per remote track kind ("audio", "video").
func (p *Peer) Received() map[string]uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]uint64, len(p.received))
	for k, v := range p.received {
		out[k] = v
	}
	return out
}

// Answers counts answers applied so far.
func (p *Peer) Answers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.answers
}

// State returns the relay side connection state.
func (p *Peer) State() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Messages returns every message read from the peer.
func (p *Peer) Messages() []client.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]client.Message, len(p.messages))
	copy(out, p.messages)
	return out
}

func (p *Peer) record(msg client.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
}

func (p *Peer) handleMessage(msg client.Message) error {
	p.record(msg)

	switch msg.Event {
	case client.EventTypeAnswer:
		if msg.SDP == nil {
			return nil
		}
		if err := p.pc.SetRemoteDescription(*msg.SDP); err != nil {
			return fmt.Errorf("failed to set remote description for %s: %w", p.ID, err)
		}
		p.mu.Lock()
		p.answers++
		pending := p.pending
		p.pending = nil
		p.mu.Unlock()
		for _, c := range pending {
			if err := p.pc.AddICECandidate(c); err != nil {
				zap.L().Debug("relay failed to add queued candidate", zap.Error(err))
			}
		}
	case client.EventTypeCandidate:
		if msg.ICE == nil {
			return nil
		}
		if p.pc.RemoteDescription() == nil {
			p.mu.Lock()
			p.pending = append(p.pending, *msg.ICE)
			p.mu.Unlock()
			return nil
		}
		if err := p.pc.AddICECandidate(*msg.ICE); err != nil {
			return fmt.Errorf("failed to add ice candidate for %s: %w", p.ID, err)
		}
	default:
		zap.L().Debug("relay ignoring event", zap.String("peer", p.ID), zap.String("event", string(msg.Event)))
	}
	return nil
}

func (p *Peer) count(kind string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.received[kind]++
}

func (p *Peer) setState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

// Close tears down the peer connection and the socket.
func (p *Peer) Close() {
	_ = p.pc.Close()
	_ = p.conn.Close(websocket.CloseNormalClosure)
}
