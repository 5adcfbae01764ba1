// Package media provides the capture side of the client: camera and screen
// sources that produce local tracks, in the spirit of getUserMedia and
// getDisplayMedia.
package media

import (
	"errors"
	"fmt"
	"os"

	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

var (
	// ErrNoTracks is returned when a source is configured with neither audio
	// nor video.
	ErrNoTracks = errors.New("source has no audio or video")
	// ErrUnsupportedVideo is returned for IVF files that are not VP8 or VP9.
	ErrUnsupportedVideo = errors.New("unsupported ivf codec")
)

// Source describes one capture device.
type Source struct {
	// VideoPath is an IVF file (VP8 or VP9) replayed as the video track.
	VideoPath string `yaml:"video_path,omitempty"`
	// AudioPath is an Ogg/Opus file replayed as the audio track.
	AudioPath string `yaml:"audio_path,omitempty"`
	// ToneHz synthesizes a sine tone when AudioPath is empty. Zero disables it.
	ToneHz float64 `yaml:"tone_hz,omitempty"`
	// Loop restarts files at EOF.
	Loop bool `yaml:"loop,omitempty"`
}

func (s Source) hasAudio() bool {
	return s.AudioPath != "" || s.ToneHz > 0
}

func (s Source) hasVideo() bool {
	return s.VideoPath != ""
}

// probeVideo reads the IVF header so that a bad file fails at capture time.
func (s Source) probeVideo() (*ivfreader.IVFFileHeader, error) {
	f, err := os.Open(s.VideoPath)
	if err != nil {
		return nil, fmt.Errorf("open video: %w", err)
	}
	defer f.Close()

	_, header, err := ivfreader.NewWith(f)
	if err != nil {
		return nil, fmt.Errorf("read ivf header %s: %w", s.VideoPath, err)
	}
	switch header.FourCC {
	case fourCCVP8, fourCCVP9:
		return header, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVideo, header.FourCC)
	}
}

func (s Source) probeAudio() error {
	if s.AudioPath == "" {
		return nil
	}
	f, err := os.Open(s.AudioPath)
	if err != nil {
		return fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	if _, _, err := oggreader.NewWith(f); err != nil {
		return fmt.Errorf("read ogg header %s: %w", s.AudioPath, err)
	}
	return nil
}

// Devices holds the two capture sources the client switches between.
type Devices struct {
	Camera Source `yaml:"camera,omitempty"`
	Screen Source `yaml:"screen,omitempty"`
}

// Source returns the device backing mode.
func (d Devices) Source(mode Mode) Source {
	if mode == ModeScreen {
		return d.Screen
	}
	return d.Camera
}

// Capture opens the device for mode and starts a stream. The caller owns the
// stream and must Stop it.
func (d Devices) Capture(mode Mode) (*Stream, error) {
	return d.Source(mode).Open(mode)
}
