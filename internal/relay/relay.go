// Package relay is a loopback signaling relay for exercising the client. It
// upgrades each request to a websocket, offers a peer connection that
// receives audio and video, and optionally publishes a capture source.
package relay

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/xid"
	"go.uber.org/zap"

	"example.com/meet_client/client"
	"example.com/meet_client/pkg/media"
)

// Options configure the relay.
type Options struct {
	// Publish is sent to every peer as a sendonly stream when set.
	Publish *media.Source
	// ICEServers for the relay side. Loopback candidates are always gathered.
	ICEServers []string
}

// Server hosts the relay peers.
type Server struct {
	api      *webrtc.API
	opts     Options
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	peers   map[string]*Peer
	streams []*media.Stream
}

// New builds a relay with default codecs and interceptors.
func New(opts Options) (*Server, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}
	s := webrtc.SettingEngine{}
	s.SetIncludeLoopbackCandidate(true)

	return &Server{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(i),
			webrtc.WithSettingEngine(s),
		),
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		peers: make(map[string]*Peer),
	}, nil
}

// Peers returns the connected peers.
func (s *Server) Peers() []*Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	return peers
}

// Close drops every peer and stops published streams.
func (s *Server) Close() {
	s.mu.Lock()
	peers := s.peers
	streams := s.streams
	s.peers = make(map[string]*Peer)
	s.streams = nil
	s.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
	for _, st := range streams {
		st.Stop()
	}
}

// ServeHTTP handles one signaling websocket.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.L().Warn("relay upgrade failed", zap.Error(err))
		return
	}
	conn := client.NewSignalConn(ws)
	defer conn.Close(websocket.CloseNormalClosure)

	peer, err := s.join(conn)
	if err != nil {
		zap.L().Warn("relay join failed", zap.Error(err))
		return
	}
	defer s.leave(peer)

	for {
		var msg client.Message
		if err := conn.ReadMessage(&msg); err != nil {
			zap.L().Debug("relay read ended", zap.String("peer", peer.ID), zap.Error(err))
			return
		}
		if err := peer.handleMessage(msg); err != nil {
			zap.L().Warn("relay message failed", zap.Error(err))
		}
	}
}

func (s *Server) join(conn *client.SignalConn) (*Peer, error) {
	pc, err := s.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: iceServers(s.opts.ICEServers),
	})
	if err != nil {
		return nil, err
	}
	peer := &Peer{
		ID:       xid.New().String(),
		conn:     conn,
		pc:       pc,
		received: make(map[string]uint64),
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	if s.opts.Publish != nil {
		if err := s.publish(pc); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		if err := peer.sendCandidate(candidate.ToJSON()); err != nil {
			zap.L().Debug("relay failed to send candidate", zap.Error(err))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := track.Kind().String()
		for {
			if _, err := readPacket(track); err != nil {
				return
			}
			peer.count(kind)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		peer.setState(state)
	})

	s.mu.Lock()
	s.peers[peer.ID] = peer
	s.mu.Unlock()

	if err := peer.Renegotiate(); err != nil {
		s.leave(peer)
		return nil, err
	}
	zap.L().Info("relay peer joined", zap.String("peer", peer.ID))
	return peer, nil
}

func (s *Server) publish(pc *webrtc.PeerConnection) error {
	st, err := s.opts.Publish.Open(media.ModeCamera)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.streams = append(s.streams, st)
	s.mu.Unlock()

	tracks := make([]*webrtc.TrackLocalStaticSample, 0, len(st.AudioTracks())+len(st.VideoTracks()))
	tracks = append(tracks, st.AudioTracks()...)
	tracks = append(tracks, st.VideoTracks()...)
	for _, tr := range tracks {
		if _, err := pc.AddTransceiverFromTrack(tr, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendonly,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) leave(peer *Peer) {
	s.mu.Lock()
	delete(s.peers, peer.ID)
	s.mu.Unlock()

	_ = peer.pc.Close()
	zap.L().Info("relay peer left", zap.String("peer", peer.ID))
}

func readPacket(track *webrtc.TrackRemote) (*rtp.Packet, error) {
	pkt, _, err := track.ReadRTP()
	return pkt, err
}

func iceServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}
