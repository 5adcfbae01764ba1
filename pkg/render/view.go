// Package render holds the remote side of the client: one View per remote
// track, collected in a Gallery.
package render

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"go.uber.org/zap"

	"example.com/meet_client/pkg/audio"
)

// PacketReader is satisfied by *webrtc.TrackRemote.
type PacketReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type sink interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// Options tune how a View handles packets.
type Options struct {
	// RecordDir receives VP8 and AV1 as IVF and Opus as Ogg. Other codecs,
	// VP9 included, are discarded. Empty discards everything.
	RecordDir string
	// Meter decodes opus to track the audio level.
	Meter bool
}

// Stats counts what a View has consumed.
type Stats struct {
	Packets uint64
	Bytes   uint64
}

// View renders one remote track.
type View struct {
	trackID  string
	streamID string
	kind     webrtc.RTPCodecType
	mimeType string
	path     string

	mu      sync.Mutex
	sink    sink
	decoder *audio.OpusDecoder
	closed  bool

	packets atomic.Uint64
	bytes   atomic.Uint64
	level   atomic.Uint64
}

// NewView prepares a view for a track with the given codec.
func NewView(trackID, streamID string, codec webrtc.RTPCodecParameters, opts Options) (*View, error) {
	v := &View{
		trackID:  trackID,
		streamID: streamID,
		mimeType: codec.MimeType,
		kind:     kindOf(codec.MimeType),
	}

	if opts.RecordDir != "" {
		if err := v.openSink(opts.RecordDir, codec); err != nil {
			return nil, err
		}
	}

	if opts.Meter && strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus) {
		channels := int(codec.Channels)
		if channels == 0 {
			channels = audio.Channels
		}
		dec, err := audio.NewOpusDecoder(audio.SampleRate, channels)
		if err != nil {
			v.Close()
			return nil, err
		}
		v.decoder = dec
	}
	return v, nil
}

func kindOf(mimeType string) webrtc.RTPCodecType {
	if strings.HasPrefix(strings.ToLower(mimeType), "audio/") {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

var fileNameReplacer = strings.NewReplacer("/", "_", "\\", "_", "{", "", "}", "")

func (v *View) openSink(dir string, codec webrtc.RTPCodecParameters) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create record dir: %w", err)
	}
	base := filepath.Join(dir, fileNameReplacer.Replace(v.streamID+"-"+v.trackID))

	var err error
	switch {
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeVP8):
		v.path = base + ".ivf"
		v.sink, err = ivfwriter.New(v.path)
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeAV1):
		v.path = base + ".ivf"
		v.sink, err = ivfwriter.New(v.path, ivfwriter.WithCodec(webrtc.MimeTypeAV1))
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus):
		channels := codec.Channels
		if channels == 0 {
			channels = audio.Channels
		}
		v.path = base + ".ogg"
		v.sink, err = oggwriter.New(v.path, codec.ClockRate, channels)
	default:
		zap.L().Debug("no recorder for codec, discarding",
			zap.String("track", v.trackID),
			zap.String("mime", codec.MimeType),
		)
	}
	if err != nil {
		return fmt.Errorf("failed to open recorder: %w", err)
	}
	return nil
}

// TrackID returns the remote track id.
func (v *View) TrackID() string { return v.trackID }

// StreamID returns the remote stream id.
func (v *View) StreamID() string { return v.streamID }

// Kind returns audio or video.
func (v *View) Kind() webrtc.RTPCodecType { return v.kind }

// MimeType returns the negotiated codec.
func (v *View) MimeType() string { return v.mimeType }

// Path returns the recording file, or "" when not recording.
func (v *View) Path() string { return v.path }

// Stats returns packet and byte counters.
func (v *View) Stats() Stats {
	return Stats{Packets: v.packets.Load(), Bytes: v.bytes.Load()}
}

// Level returns the last metered audio level in [0, 1].
func (v *View) Level() float64 {
	return math.Float64frombits(v.level.Load())
}

// WriteRTP hands one packet to the view.
func (v *View) WriteRTP(pkt *rtp.Packet) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return io.ErrClosedPipe
	}
	v.packets.Add(1)
	v.bytes.Add(uint64(len(pkt.Payload)))

	if v.decoder != nil && len(pkt.Payload) > 0 {
		if pcm, err := v.decoder.Decode(pkt.Payload); err == nil {
			v.level.Store(math.Float64bits(audio.Level(pcm)))
		}
	}
	if v.sink != nil {
		return v.sink.WriteRTP(pkt)
	}
	return nil
}

// Consume reads r until it ends. A clean end of track returns nil.
func (v *View) Consume(r PacketReader) error {
	for {
		pkt, _, err := r.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := v.WriteRTP(pkt); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
	}
}

// Close flushes the recorder. Later writes fail with io.ErrClosedPipe.
func (v *View) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil
	}
	v.closed = true
	if v.sink != nil {
		return v.sink.Close()
	}
	return nil
}
