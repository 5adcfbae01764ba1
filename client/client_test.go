package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/meet_client/client"
	"example.com/meet_client/internal/relay"
	"example.com/meet_client/internal/testutil"
	"example.com/meet_client/pkg/media"
	"example.com/meet_client/pkg/render"
)

const waitFor = 10 * time.Second

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startRelay(t *testing.T, opts relay.Options) (*relay.Server, string) {
	t.Helper()
	r, err := relay.New(opts)
	require.NoError(t, err)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		r.Close()
		srv.Close()
	})
	return r, wsURL(srv)
}

func newClient(t *testing.T, url string, devices media.Devices) *client.Client {
	t.Helper()
	c, err := client.New(client.Config{
		SignalingURL:    url,
		IncludeLoopback: true,
		Devices:         devices,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown() })
	return c
}

type errorLog struct {
	mu   sync.Mutex
	errs []error
}

func (l *errorLog) add(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *errorLog) all() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errs...)
}

func onlyPeer(t *testing.T, r *relay.Server) *relay.Peer {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.Peers()) == 1 }, waitFor, 10*time.Millisecond)
	return r.Peers()[0]
}

func TestNewRequiresCapture(t *testing.T) {
	_, err := client.New(client.Config{SignalingURL: "ws://127.0.0.1:1"})
	assert.ErrorIs(t, err, media.ErrNoTracks)
}

func TestNewAttachesCamera(t *testing.T) {
	c := newClient(t, "ws://127.0.0.1:1", media.Devices{Camera: media.Source{ToneHz: 440}})

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, media.ModeCamera, c.Mode())
	assert.Equal(t, client.StatusIdle, c.Status())
	assert.False(t, c.Connected())
	assert.Empty(t, c.LocalDescription())
	require.NotNil(t, c.Stream())
	assert.Len(t, c.Stream().AudioTracks(), 1)
}

func TestConnectAnswersAndConnects(t *testing.T) {
	r, url := startRelay(t, relay.Options{})
	c := newClient(t, url, media.Devices{Camera: media.Source{ToneHz: 440}})

	var (
		mu       sync.Mutex
		statuses []client.Status
		answers  []string
	)
	c.OnStatusChange(func(s client.Status) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, s)
	})
	c.OnLocalDescription(func(sdp string) {
		mu.Lock()
		defer mu.Unlock()
		answers = append(answers, sdp)
	})
	errs := &errorLog{}
	c.OnError(errs.add)

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Connected())
	assert.ErrorIs(t, c.Connect(context.Background()), client.ErrAlreadyConnected)

	peer := onlyPeer(t, r)
	require.Eventually(t, func() bool { return c.Status() == client.StatusActive }, waitFor, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return peer.Received()["audio"] > 0 }, waitFor, 10*time.Millisecond)

	assert.Equal(t, 1, peer.Answers())
	assert.Contains(t, c.LocalDescription(), "m=audio")

	var candidates int
	for _, msg := range peer.Messages() {
		if msg.Event == client.EventTypeCandidate {
			require.NotNil(t, msg.ICE)
			candidates++
		}
	}
	assert.Positive(t, candidates)

	mu.Lock()
	assert.Equal(t, []string{c.LocalDescription()}, answers)
	assert.Contains(t, statuses, client.StatusChecking)
	assert.Equal(t, client.StatusActive, statuses[len(statuses)-1])
	mu.Unlock()

	assert.Empty(t, errs.all())
}

func TestConnectDialError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	c := newClient(t, url, media.Devices{Camera: media.Source{ToneHz: 440}})
	assert.Error(t, c.Connect(context.Background()))
	assert.False(t, c.Connected())
}

func TestRemoteVideoAndCloseResets(t *testing.T) {
	r, url := startRelay(t, relay.Options{
		Publish: &media.Source{VideoPath: testutil.WriteIVF(t, "VP80", 10), Loop: true},
	})
	c := newClient(t, url, media.Devices{
		Camera: media.Source{ToneHz: 440},
		Screen: media.Source{ToneHz: 660, VideoPath: testutil.WriteIVF(t, "VP80", 10), Loop: true},
	})

	added := make(chan *render.View, 4)
	c.OnRemoteTrack(func(v *render.View, removed bool) {
		if !removed {
			added <- v
		}
	})

	require.NoError(t, c.Connect(context.Background()))
	onlyPeer(t, r)

	var view *render.View
	select {
	case view = <-added:
	case <-time.After(waitFor):
		t.Fatal("no remote video track")
	}
	assert.Equal(t, "video/VP8", view.MimeType())
	assert.Eventually(t, func() bool { return view.Stats().Packets > 0 }, waitFor, 10*time.Millisecond)
	require.Len(t, c.Remotes(), 1)
	assert.Empty(t, c.RemoteAudio())

	require.NoError(t, c.SwitchVideoSource())
	assert.Equal(t, media.ModeScreen, c.Mode())

	require.NoError(t, c.Close())
	assert.False(t, c.Connected())
	assert.Equal(t, client.StatusIdle, c.Status())
	assert.Equal(t, media.ModeCamera, c.Mode())
	assert.Empty(t, c.Remotes())
	assert.Empty(t, c.LocalDescription())
	assert.Equal(t, media.ModeCamera, c.Stream().Mode())
	assert.Eventually(t, func() bool { return len(r.Peers()) == 0 }, waitFor, 10*time.Millisecond)

	// A closed client connects again from scratch.
	require.NoError(t, c.Connect(context.Background()))
	onlyPeer(t, r)
	assert.Eventually(t, func() bool { return c.Status() == client.StatusActive }, waitFor, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(c.Remotes()) == 1 }, waitFor, 10*time.Millisecond)
}

func TestSwitchVideoSourceRenegotiates(t *testing.T) {
	r, url := startRelay(t, relay.Options{})
	c := newClient(t, url, media.Devices{
		Camera: media.Source{ToneHz: 440},
		Screen: media.Source{ToneHz: 660, VideoPath: testutil.WriteIVF(t, "VP80", 10), Loop: true},
	})

	require.NoError(t, c.Connect(context.Background()))
	peer := onlyPeer(t, r)
	require.Eventually(t, func() bool { return c.Status() == client.StatusActive }, waitFor, 10*time.Millisecond)

	camera := c.Stream()
	require.NoError(t, c.SwitchVideoSource())
	assert.Equal(t, media.ModeScreen, c.Mode())
	screen := c.Stream()
	require.Len(t, screen.VideoTracks(), 1)

	// The camera stream is stopped once replaced.
	n := camera.SamplesWritten()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, n, camera.SamplesWritten())

	require.NoError(t, peer.Renegotiate())
	assert.Eventually(t, func() bool { return peer.Answers() == 2 }, waitFor, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return peer.Received()["video"] > 0 }, waitFor, 10*time.Millisecond)

	require.NoError(t, c.SwitchVideoSource())
	assert.Equal(t, media.ModeCamera, c.Mode())
	assert.Empty(t, c.Stream().VideoTracks())
}

func TestSwitchVideoSourceFailureKeepsMode(t *testing.T) {
	c := newClient(t, "ws://127.0.0.1:1", media.Devices{
		Camera: media.Source{ToneHz: 440},
		Screen: media.Source{VideoPath: "/does/not/exist.ivf"},
	})
	errs := &errorLog{}
	c.OnError(errs.add)

	before := c.Stream()
	assert.Error(t, c.SwitchVideoSource())
	assert.Equal(t, media.ModeCamera, c.Mode())
	assert.Same(t, before, c.Stream())
	assert.Len(t, errs.all(), 1)
}

// scriptedRelay writes frames to the client as soon as it connects and then
// closes with code.
func scriptedRelay(t *testing.T, code int, frames ...func(*websocket.Conn) error) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for _, f := range frames {
			if err := f(ws); err != nil {
				return
			}
		}
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
		// Wait for the client to answer the close.
		_, _, _ = ws.ReadMessage()
	}))
	t.Cleanup(srv.Close)
	return wsURL(srv)
}

func text(s string) func(*websocket.Conn) error {
	return func(ws *websocket.Conn) error {
		return ws.WriteMessage(websocket.TextMessage, []byte(s))
	}
}

func TestReadLoopReportsBadMessages(t *testing.T) {
	url := scriptedRelay(t, websocket.CloseNormalClosure,
		func(ws *websocket.Conn) error { return ws.WriteMessage(websocket.BinaryMessage, []byte{1}) },
		text(`{"event":`),
		text(`null`),
		text(`{"event":"answer","sdp":{"type":"answer","sdp":"v=0"}}`),
		text(`{"event":"offer"}`),
		text(`{"event":"candidate"}`),
		text(`{"event":"candidate","ice":{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host","sdpMid":"0","sdpMLineIndex":0}}`),
		text(`{"event":"offer","sdp":{"type":"offer","sdp":"garbage"}}`),
	)
	c := newClient(t, url, media.Devices{Camera: media.Source{ToneHz: 440}})
	errs := &errorLog{}
	c.OnError(errs.add)

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return !c.Connected() }, waitFor, 10*time.Millisecond)

	got := errs.all()
	require.Len(t, got, 3)
	assert.ErrorIs(t, got[0], client.ErrInvalidMessage)
	assert.ErrorIs(t, got[1], client.ErrInvalidMessage)
	assert.Contains(t, got[2].Error(), "remote description")
	assert.Empty(t, c.LocalDescription())
}

func TestReadLoopReportsUnexpectedClose(t *testing.T) {
	url := scriptedRelay(t, websocket.CloseInternalServerErr)
	c := newClient(t, url, media.Devices{Camera: media.Source{ToneHz: 440}})
	errs := &errorLog{}
	c.OnError(errs.add)

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(errs.all()) == 1 }, waitFor, 10*time.Millisecond)

	var closeErr *websocket.CloseError
	require.True(t, errors.As(errs.all()[0], &closeErr))
	assert.Equal(t, websocket.CloseInternalServerErr, closeErr.Code)
	assert.Eventually(t, func() bool { return !c.Connected() }, waitFor, 10*time.Millisecond)

	// The dropped socket leaves the client free to connect again.
	require.NoError(t, c.Connect(context.Background()))
}

func TestShutdown(t *testing.T) {
	c := newClient(t, "ws://127.0.0.1:1", media.Devices{Camera: media.Source{ToneHz: 440}})
	stream := c.Stream()

	require.NoError(t, c.Shutdown())
	require.NoError(t, c.Shutdown())
	assert.ErrorIs(t, c.Connect(context.Background()), client.ErrShutdown)
	assert.ErrorIs(t, c.Close(), client.ErrShutdown)
	assert.ErrorIs(t, c.SwitchVideoSource(), client.ErrShutdown)

	n := stream.SamplesWritten()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, n, stream.SamplesWritten())
}

func TestRelayDropResetsSession(t *testing.T) {
	r, url := startRelay(t, relay.Options{})
	c := newClient(t, url, media.Devices{
		Camera: media.Source{ToneHz: 440},
		Screen: media.Source{ToneHz: 660},
	})
	errs := &errorLog{}
	c.OnError(errs.add)

	require.NoError(t, c.Connect(context.Background()))
	onlyPeer(t, r)
	require.Eventually(t, func() bool { return c.Status() == client.StatusActive }, waitFor, 10*time.Millisecond)
	require.NoError(t, c.SwitchVideoSource())
	first := c.Stream()

	r.Close()
	require.Eventually(t, func() bool { return !c.Connected() }, waitFor, 10*time.Millisecond)
	assert.Equal(t, client.StatusIdle, c.Status())
	assert.Equal(t, media.ModeCamera, c.Mode())
	assert.Empty(t, c.LocalDescription())
	assert.NotSame(t, first, c.Stream())

	require.NoError(t, c.Connect(context.Background()))
	peer := onlyPeer(t, r)
	assert.Eventually(t, func() bool { return c.Status() == client.StatusActive }, waitFor, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return peer.Answers() == 1 }, waitFor, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return peer.Received()["audio"] > 0 }, waitFor, 10*time.Millisecond)
	assert.NotEmpty(t, c.LocalDescription())
	assert.Empty(t, errs.all())
}

func TestWithHeader(t *testing.T) {
	got := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("Authorization")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_, _, _ = ws.ReadMessage()
	}))
	t.Cleanup(srv.Close)

	c, err := client.New(client.Config{
		SignalingURL: wsURL(srv),
		Devices:      media.Devices{Camera: media.Source{ToneHz: 440}},
	}, client.WithHeader(http.Header{"Authorization": []string{"Bearer meet"}}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown() })

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, "Bearer meet", <-got)
}
