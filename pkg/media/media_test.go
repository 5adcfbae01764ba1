package media

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/meet_client/internal/testutil"
	"example.com/meet_client/pkg/audio"
)

// writeOgg encodes n frames of tone into an Ogg/Opus file.
func writeOgg(t *testing.T, n int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "audio.ogg")
	w, err := oggwriter.New(path, audio.SampleRate, audio.Channels)
	require.NoError(t, err)

	enc, err := audio.NewOpusEncoder(audio.SampleRate, audio.Channels, audio.FrameSize)
	require.NoError(t, err)
	gen := audio.NewToneGenerator(440, 0.3, audio.SampleRate, audio.FrameSize)
	for i := 0; i < n; i++ {
		payload, err := enc.Encode(audio.MonoToStereo(gen.Next()))
		require.NoError(t, err)
		require.NoError(t, w.WriteRTP(&rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    111,
				SequenceNumber: uint16(i),
				Timestamp:      uint32(i * audio.FrameSize),
			},
			Payload: payload,
		}))
	}
	require.NoError(t, w.Close())
	return path
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeCamera, m)

	m, err = ParseMode("screen")
	require.NoError(t, err)
	assert.Equal(t, ModeScreen, m)

	_, err = ParseMode("window")
	assert.Error(t, err)
}

func TestModeToggle(t *testing.T) {
	assert.Equal(t, ModeScreen, ModeCamera.Toggle())
	assert.Equal(t, ModeCamera, ModeScreen.Toggle())
	assert.Equal(t, "camera", ModeCamera.String())
}

func TestOpenWithoutTracks(t *testing.T) {
	_, err := Source{}.Open(ModeCamera)
	assert.ErrorIs(t, err, ErrNoTracks)
}

func TestOpenMissingVideo(t *testing.T) {
	_, err := Source{VideoPath: filepath.Join(t.TempDir(), "nope.ivf")}.Open(ModeCamera)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestOpenUnsupportedVideo(t *testing.T) {
	_, err := Source{VideoPath: testutil.WriteIVF(t, "AV01", 1)}.Open(ModeCamera)
	assert.ErrorIs(t, err, ErrUnsupportedVideo)
}

func TestToneStream(t *testing.T) {
	st, err := Source{ToneHz: 440}.Open(ModeCamera)
	require.NoError(t, err)
	defer st.Stop()

	assert.NotEmpty(t, st.ID())
	assert.Equal(t, ModeCamera, st.Mode())
	require.Len(t, st.AudioTracks(), 1)
	assert.Empty(t, st.VideoTracks())

	tr := st.AudioTracks()[0]
	assert.Equal(t, webrtc.MimeTypeOpus, tr.Codec().MimeType)
	assert.Equal(t, st.ID(), tr.StreamID())
	assert.Equal(t, webrtc.RTPCodecTypeAudio, tr.Kind())

	assert.Eventually(t, func() bool { return st.SamplesWritten() >= 3 }, 2*time.Second, 10*time.Millisecond)

	st.Stop()
	st.Stop()
	n := st.SamplesWritten()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, n, st.SamplesWritten())
}

func TestIVFStream(t *testing.T) {
	st, err := Source{VideoPath: testutil.WriteIVF(t, "VP80", 3)}.Open(ModeScreen)
	require.NoError(t, err)
	defer st.Stop()

	require.Len(t, st.VideoTracks(), 1)
	assert.Empty(t, st.AudioTracks())
	assert.Equal(t, webrtc.MimeTypeVP8, st.VideoTracks()[0].Codec().MimeType)
	assert.Contains(t, st.VideoTracks()[0].ID(), "screen-video-")

	assert.Eventually(t, func() bool { return st.SamplesWritten() == 3 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 3, st.SamplesWritten())
}

func TestIVFStreamLoops(t *testing.T) {
	st, err := Source{VideoPath: testutil.WriteIVF(t, "VP90", 2), Loop: true}.Open(ModeCamera)
	require.NoError(t, err)
	defer st.Stop()

	assert.Equal(t, webrtc.MimeTypeVP9, st.VideoTracks()[0].Codec().MimeType)
	assert.Eventually(t, func() bool { return st.SamplesWritten() > 4 }, 2*time.Second, 10*time.Millisecond)
}

func TestOggStream(t *testing.T) {
	st, err := Source{AudioPath: writeOgg(t, 5)}.Open(ModeCamera)
	require.NoError(t, err)
	defer st.Stop()

	require.Len(t, st.AudioTracks(), 1)
	assert.Eventually(t, func() bool { return st.SamplesWritten() == 5 }, 2*time.Second, 10*time.Millisecond)

	// Only the five opus pages are samples; the OpusTags page is not.
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 5, st.SamplesWritten())
}

func TestDevicesCapture(t *testing.T) {
	d := Devices{
		Camera: Source{ToneHz: 440},
		Screen: Source{ToneHz: 880, VideoPath: testutil.WriteIVF(t, "VP80", 1)},
	}

	cam, err := d.Capture(ModeCamera)
	require.NoError(t, err)
	defer cam.Stop()
	assert.Empty(t, cam.VideoTracks())

	screen, err := d.Capture(ModeScreen)
	require.NoError(t, err)
	defer screen.Stop()
	assert.Len(t, screen.VideoTracks(), 1)
	assert.Len(t, screen.AudioTracks(), 1)
	assert.NotEqual(t, cam.ID(), screen.ID())
}
