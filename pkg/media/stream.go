package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"go.uber.org/zap"

	"example.com/meet_client/pkg/audio"
)

const (
	fourCCVP8 = "VP80"
	fourCCVP9 = "VP90"

	opusFrameDuration    = 20 * time.Millisecond
	defaultFrameDuration = 33 * time.Millisecond
	toneAmplitude        = 0.3
)

// opusTagsSignature starts the comment header page that follows OpusHead.
var opusTagsSignature = []byte("OpusTags")

// Stream is a running capture. Its tracks are fed by background pumps until
// Stop is called.
type Stream struct {
	id    string
	mode  Mode
	audio []*webrtc.TrackLocalStaticSample
	video []*webrtc.TrackLocalStaticSample

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	samples  atomic.Uint64
}

// Open starts capturing from s. The mode is recorded on the stream and used
// for track labels.
func (s Source) Open(mode Mode) (*Stream, error) {
	if !s.hasAudio() && !s.hasVideo() {
		return nil, ErrNoTracks
	}

	var header *ivfreader.IVFFileHeader
	if s.hasVideo() {
		var err error
		if header, err = s.probeVideo(); err != nil {
			return nil, err
		}
	}
	if err := s.probeAudio(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	st := &Stream{
		id:     uuid.NewString(),
		mode:   mode,
		cancel: cancel,
	}

	if s.hasAudio() {
		tr, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeOpus,
				ClockRate:   audio.SampleRate,
				Channels:    audio.Channels,
				SDPFmtpLine: "minptime=10;useinbandfec=1",
			},
			fmt.Sprintf("%s-audio-%s", mode, uuid.NewString()),
			st.id,
		)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create audio track: %w", err)
		}
		st.audio = append(st.audio, tr)

		var pump func(context.Context, *webrtc.TrackLocalStaticSample) error
		if s.AudioPath != "" {
			pump = func(ctx context.Context, tr *webrtc.TrackLocalStaticSample) error {
				return s.pumpOgg(ctx, tr, st)
			}
		} else {
			enc, err := audio.NewOpusEncoder(audio.SampleRate, audio.Channels, audio.FrameSize)
			if err != nil {
				cancel()
				return nil, err
			}
			gen := audio.NewToneGenerator(s.ToneHz, toneAmplitude, enc.SampleRate(), enc.FrameSize())
			pump = func(ctx context.Context, tr *webrtc.TrackLocalStaticSample) error {
				return st.pumpTone(ctx, tr, gen, enc)
			}
		}
		st.run(ctx, tr, pump)
	}

	if s.hasVideo() {
		mime := webrtc.MimeTypeVP8
		if header.FourCC == fourCCVP9 {
			mime = webrtc.MimeTypeVP9
		}
		tr, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: mime},
			fmt.Sprintf("%s-video-%s", mode, uuid.NewString()),
			st.id,
		)
		if err != nil {
			st.Stop()
			return nil, fmt.Errorf("failed to create video track: %w", err)
		}
		st.video = append(st.video, tr)
		st.run(ctx, tr, func(ctx context.Context, tr *webrtc.TrackLocalStaticSample) error {
			return s.pumpIVF(ctx, tr, st)
		})
	}

	zap.L().Debug("capture started",
		zap.String("stream", st.id),
		zap.Stringer("mode", mode),
		zap.Int("audio", len(st.audio)),
		zap.Int("video", len(st.video)),
	)
	return st, nil
}

func (st *Stream) run(
	ctx context.Context,
	tr *webrtc.TrackLocalStaticSample,
	pump func(context.Context, *webrtc.TrackLocalStaticSample) error,
) {
	st.wg.Add(1)
	go func() {
		defer st.wg.Done()
		if err := pump(ctx, tr); err != nil && !errors.Is(err, context.Canceled) {
			zap.L().Warn("capture pump stopped",
				zap.String("stream", st.id),
				zap.String("track", tr.ID()),
				zap.Error(err),
			)
		}
	}()
}

// ID returns the stream id shared by all its tracks.
func (st *Stream) ID() string {
	return st.id
}

// Mode returns the capture mode the stream was opened with.
func (st *Stream) Mode() Mode {
	return st.mode
}

// AudioTracks returns the stream's audio tracks.
func (st *Stream) AudioTracks() []*webrtc.TrackLocalStaticSample {
	return st.audio
}

// VideoTracks returns the stream's video tracks.
func (st *Stream) VideoTracks() []*webrtc.TrackLocalStaticSample {
	return st.video
}

// SamplesWritten counts samples handed to the tracks so far.
func (st *Stream) SamplesWritten() uint64 {
	return st.samples.Load()
}

// Stop ends all pumps and waits for them. It is safe to call more than once.
func (st *Stream) Stop() {
	st.stopOnce.Do(func() {
		st.cancel()
		st.wg.Wait()
		zap.L().Debug("capture stopped", zap.String("stream", st.id))
	})
}

func (st *Stream) write(tr *webrtc.TrackLocalStaticSample, s media.Sample) error {
	if err := tr.WriteSample(s); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return err
	}
	st.samples.Add(1)
	return nil
}

func (st *Stream) pumpTone(
	ctx context.Context,
	tr *webrtc.TrackLocalStaticSample,
	gen *audio.ToneGenerator,
	enc *audio.OpusEncoder,
) error {
	d := time.Duration(enc.FrameSize()) * time.Second / time.Duration(enc.SampleRate())
	ticker := time.NewTicker(d)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pcm := gen.Next()
			if enc.Channels() == 2 {
				pcm = audio.MonoToStereo(pcm)
			}
			pkt, err := enc.Encode(pcm)
			if err != nil {
				return err
			}
			if err := st.write(tr, media.Sample{Data: pkt, Duration: d}); err != nil {
				return err
			}
		}
	}
}

func frameDuration(h *ivfreader.IVFFileHeader) time.Duration {
	if h.TimebaseDenominator == 0 || h.TimebaseNumerator == 0 {
		return defaultFrameDuration
	}
	return time.Duration(float64(time.Second) * float64(h.TimebaseNumerator) / float64(h.TimebaseDenominator))
}

// pumpIVF replays the video file frame by frame at the file's timebase.
func (s Source) pumpIVF(ctx context.Context, tr *webrtc.TrackLocalStaticSample, st *Stream) error {
	for {
		if err := s.replayIVF(ctx, tr, st); err != nil {
			return err
		}
		if !s.Loop {
			return nil
		}
	}
}

func (s Source) replayIVF(ctx context.Context, tr *webrtc.TrackLocalStaticSample, st *Stream) error {
	f, err := os.Open(s.VideoPath)
	if err != nil {
		return err
	}
	defer f.Close()

	r, header, err := ivfreader.NewWith(f)
	if err != nil {
		return err
	}
	d := frameDuration(header)

	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		frame, _, err := r.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := st.write(tr, media.Sample{Data: frame, Duration: d}); err != nil {
			return err
		}
	}
}

// pumpOgg replays opus pages, pacing each page by its granule delta. Header
// pages are not media and are skipped.
func (s Source) pumpOgg(ctx context.Context, tr *webrtc.TrackLocalStaticSample, st *Stream) error {
	for {
		if err := s.replayOgg(ctx, tr, st); err != nil {
			return err
		}
		if !s.Loop {
			return nil
		}
	}
}

func (s Source) replayOgg(ctx context.Context, tr *webrtc.TrackLocalStaticSample, st *Stream) error {
	f, err := os.Open(s.AudioPath)
	if err != nil {
		return err
	}
	defer f.Close()

	r, _, err := oggreader.NewWith(f)
	if err != nil {
		return err
	}

	var lastGranule uint64
	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		page, header, err := r.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if bytes.HasPrefix(page, opusTagsSignature) {
			continue
		}

		d := opusFrameDuration
		if header.GranulePosition > lastGranule {
			d = time.Duration(header.GranulePosition-lastGranule) * time.Second / audio.SampleRate
		}
		lastGranule = header.GranulePosition
		ticker.Reset(d)

		if err := st.write(tr, media.Sample{Data: page, Duration: d}); err != nil {
			return err
		}
	}
}
