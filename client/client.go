// Package client implements the meeting client: one peer connection to the
// remote party, negotiated over a websocket signaling relay.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/xid"
	"go.uber.org/zap"

	"example.com/meet_client/pkg/logging"
	"example.com/meet_client/pkg/media"
	"example.com/meet_client/pkg/render"
)

var (
	ErrAlreadyConnected = errors.New("already connected")
	ErrNotConnected     = errors.New("not connected")
	ErrShutdown         = errors.New("client is shut down")
)

const defaultHandshakeTimeout = 30 * time.Second

// Config holds everything needed to build a Client.
type Config struct {
	SignalingURL     string
	HandshakeTimeout time.Duration
	ICEServers       []string
	// IncludeLoopback gathers 127.0.0.1 host candidates.
	IncludeLoopback bool
	// PLIInterval makes the receiver ask for a keyframe periodically. Zero
	// disables it; a PLI is still sent once per new video track.
	PLIInterval time.Duration
	Devices     media.Devices
	Render      render.Options
}

// StatusCallback is called when the badge changes.
type StatusCallback func(Status)

// DescriptionCallback is called with the local answer SDP.
type DescriptionCallback func(sdp string)

// ErrorCallback is called for every failure that has no caller to return to.
type ErrorCallback func(error)

// TrackCallback is called when a remote track gets a view, and again with
// removed set once the track ends.
type TrackCallback func(view *render.View, removed bool)

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the logger. Without it the global zap logger is used.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.log = l
	}
}

// WithHeader adds headers to the websocket handshake.
func WithHeader(h http.Header) Option {
	return func(c *Client) {
		c.header = h
	}
}

// Client is a single-peer meeting client.
type Client struct {
	ID string

	cfg    Config
	api    *webrtc.API
	log    *zap.Logger
	header http.Header

	mu       sync.Mutex
	peer     *webrtc.PeerConnection
	conn     *SignalConn
	stream   *media.Stream
	mode     media.Mode
	status   Status
	localSDP string
	shutdown bool
	// pending holds candidates that arrived before the offer.
	pending []webrtc.ICECandidateInit

	// negotiateMu keeps our candidates behind the answer they belong to.
	negotiateMu sync.Mutex

	videos *render.Gallery
	audios *render.Gallery

	cbMu               sync.RWMutex
	onStatus           StatusCallback
	onLocalDescription DescriptionCallback
	onError            ErrorCallback
	onRemoteTrack      TrackCallback
}

// New builds the client, opens a peer connection and attaches the camera.
func New(cfg Config, opts ...Option) (*Client, error) {
	c := &Client{
		ID:     xid.New().String(),
		cfg:    cfg,
		mode:   media.ModeCamera,
		videos: render.NewGallery(),
		audios: render.NewGallery(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = zap.L()
	}
	c.log = c.log.With(zap.String("client", c.ID))
	if c.cfg.HandshakeTimeout == 0 {
		c.cfg.HandshakeTimeout = defaultHandshakeTimeout
	}

	api, err := c.newAPI()
	if err != nil {
		return nil, fmt.Errorf("failed to build webrtc api: %w", err)
	}
	c.api = api

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.newPeerConnection(); err != nil {
		return nil, err
	}
	if err := c.setupLocalMedia(); err != nil {
		_ = c.peer.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) newAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}
	if c.cfg.PLIInterval > 0 {
		pli, err := intervalpli.NewReceiverInterceptor(
			intervalpli.GeneratorInterval(c.cfg.PLIInterval),
		)
		if err != nil {
			return nil, err
		}
		i.Add(pli)
	}

	s := webrtc.SettingEngine{
		LoggerFactory: logging.NewPionFactory(c.log.Named("pion")),
	}
	s.SetIncludeLoopbackCandidate(c.cfg.IncludeLoopback)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(s),
	), nil
}

// OnStatusChange sets the badge callback.
func (c *Client) OnStatusChange(f StatusCallback) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onStatus = f
}

// OnLocalDescription sets the callback receiving each answer SDP.
func (c *Client) OnLocalDescription(f DescriptionCallback) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onLocalDescription = f
}

// OnError sets the error callback. Errors are logged either way.
func (c *Client) OnError(f ErrorCallback) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onError = f
}

// OnRemoteTrack sets the remote video callback.
func (c *Client) OnRemoteTrack(f TrackCallback) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onRemoteTrack = f
}

// Connect dials the signaling relay and starts handling its messages.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown {
		return ErrShutdown
	}
	if c.conn != nil {
		return ErrAlreadyConnected
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, c.cfg.SignalingURL, c.header)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	conn := NewSignalConn(ws)
	c.conn = conn
	go c.readLoop(conn)

	c.log.Info("connected to signaling relay", zap.String("url", c.cfg.SignalingURL))
	return nil
}

// Connected reports whether a signaling socket is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close hangs up and returns the client to its initial state: a new peer
// connection with the camera attached, no remote views and an idle badge.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return ErrShutdown
	}

	changed, err := c.reset()
	c.mu.Unlock()

	if changed {
		c.notifyStatus(StatusIdle)
	}
	c.log.Info("closed")

	if err != nil {
		c.reportError(err)
	}
	return err
}

// reset tears the session down and prepares a fresh peer connection with
// the camera attached. It reports whether the badge changed. Caller holds c.mu.
func (c *Client) reset() (bool, error) {
	var errs []error
	if err := c.teardown(); err != nil {
		errs = append(errs, err)
	}

	c.mode = media.ModeCamera
	if err := c.newPeerConnection(); err != nil {
		errs = append(errs, err)
	} else if err := c.setupLocalMedia(); err != nil {
		errs = append(errs, err)
	}
	return c.setStatus(StatusIdle), errors.Join(errs...)
}

// Shutdown releases everything for good. The client cannot be reused.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown {
		return nil
	}
	c.shutdown = true

	err := c.teardown()
	if c.stream != nil {
		c.stream.Stop()
		c.stream = nil
	}
	c.status = StatusIdle
	return err
}

// teardown closes the peer and the socket and drops remote views.
// Caller holds c.mu.
func (c *Client) teardown() error {
	var errs []error
	if c.peer != nil {
		if err := c.peer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close peer connection: %w", err))
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(websocket.CloseNormalClosure); err != nil {
			errs = append(errs, fmt.Errorf("close websocket: %w", err))
		}
		c.conn = nil
	}
	c.videos.Clear()
	c.audios.Clear()
	c.localSDP = ""
	return errors.Join(errs...)
}

// SwitchVideoSource toggles between camera and screen capture. On failure the
// previous mode and stream stay in place.
func (c *Client) SwitchVideoSource() error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return ErrShutdown
	}

	prev := c.mode
	c.mode = prev.Toggle()
	err := c.setupLocalMedia()
	if err != nil {
		c.mode = prev
	}
	mode := c.mode
	c.mu.Unlock()

	if err != nil {
		c.reportError(err)
		return err
	}
	c.log.Info("switched video source", zap.Stringer("mode", mode))
	return nil
}

// Mode returns the current capture mode.
func (c *Client) Mode() media.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Status returns the current badge.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LocalDescription returns the last answer SDP, or "" before the first offer.
func (c *Client) LocalDescription() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localSDP
}

// Stream returns the attached local stream.
func (c *Client) Stream() *media.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// Remotes returns the remote video views.
func (c *Client) Remotes() []*render.View {
	return c.videos.Views()
}

// RemoteAudio returns the remote audio views. They are not shown, only
// drained, recorded and metered.
func (c *Client) RemoteAudio() []*render.View {
	return c.audios.Views()
}

func (c *Client) currentPeer() *webrtc.PeerConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

func (c *Client) isCurrent(pc *webrtc.PeerConnection) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer == pc
}

// setStatus stores s and reports whether it changed. Caller holds c.mu.
func (c *Client) setStatus(s Status) bool {
	if c.status == s {
		return false
	}
	c.status = s
	return true
}

func (c *Client) notifyStatus(s Status) {
	c.cbMu.RLock()
	f := c.onStatus
	c.cbMu.RUnlock()

	c.log.Debug("status changed", zap.Stringer("status", s))
	if f != nil {
		f(s)
	}
}

func (c *Client) reportError(err error) {
	c.cbMu.RLock()
	f := c.onError
	c.cbMu.RUnlock()

	c.log.Warn("client error", zap.Error(err))
	if f != nil {
		f(err)
	}
}

func (c *Client) send(msg Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteMessage(msg)
}

// newPeerConnection replaces c.peer and wires its callbacks. Callbacks from
// an older peer are ignored. Caller holds c.mu.
func (c *Client) newPeerConnection() error {
	var servers []webrtc.ICEServer
	if len(c.cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: c.cfg.ICEServers}}
	}

	pc, err := c.api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil || !c.isCurrent(pc) {
			return
		}
		init := candidate.ToJSON()
		c.negotiateMu.Lock()
		err := c.send(Message{Event: EventTypeCandidate, ICE: &init})
		c.negotiateMu.Unlock()
		switch {
		case errors.Is(err, ErrNotConnected):
			c.log.Debug("dropping ice candidate, no signaling connection")
		case err != nil:
			c.log.Warn("failed to send ice candidate", zap.Error(err))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if !c.isCurrent(pc) {
			return
		}
		c.handleTrack(pc, track)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.mu.Lock()
		if c.peer != pc {
			c.mu.Unlock()
			return
		}
		next := Next(c.status, state)
		changed := c.setStatus(next)
		c.mu.Unlock()

		c.log.Info("connection state changed", zap.Stringer("state", state))
		if changed {
			c.notifyStatus(next)
		}
	})

	pc.OnNegotiationNeeded(func() {
		// The relay always makes the offer; local changes ride on its next one.
		c.log.Debug("negotiation needed")
	})

	c.peer = pc
	c.pending = nil
	return nil
}

func (c *Client) handleTrack(pc *webrtc.PeerConnection, track *webrtc.TrackRemote) {
	log := c.log.With(
		zap.String("track", track.ID()),
		zap.String("stream", track.StreamID()),
		zap.String("mime", track.Codec().MimeType),
	)
	log.Info("remote track added")

	view, err := render.NewView(track.ID(), track.StreamID(), track.Codec(), c.cfg.Render)
	if err != nil {
		c.reportError(fmt.Errorf("failed to render remote track: %w", err))
		return
	}

	gallery := c.audios
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		gallery = c.videos
		if err := pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		}); err != nil {
			log.Debug("failed to send pli", zap.Error(err))
		}
	}
	gallery.Add(view)

	c.cbMu.RLock()
	f := c.onRemoteTrack
	c.cbMu.RUnlock()
	isVideo := gallery == c.videos
	if f != nil && isVideo {
		f(view, false)
	}

	if err := view.Consume(track); err != nil {
		log.Debug("remote track read ended", zap.Error(err))
	}
	if gallery.Remove(view) && f != nil && isVideo {
		f(view, true)
	}
	log.Info("remote track removed", zap.Uint64("packets", view.Stats().Packets))
}
