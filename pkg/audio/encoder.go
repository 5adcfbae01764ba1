package audio

import (
	"fmt"
	"math"

	"gopkg.in/hraban/opus.v2"
)

const (
	// SampleRate is the opus clock rate used on the wire.
	SampleRate = 48000
	// Channels is the channel count negotiated for opus.
	Channels = 2
	// FrameSize is 20ms at 48kHz, in samples per channel.
	FrameSize = 960
)

// OpusEncoder encodes PCM audio to Opus
type OpusEncoder struct {
	encoder    *opus.Encoder
	sampleRate int
	channels   int
	frameSize  int // samples per channel per frame
}

// NewOpusEncoder creates a new Opus encoder
func NewOpusEncoder(sampleRate, channels, frameSize int) (*OpusEncoder, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}

	if err := enc.SetBitrate(64000); err != nil {
		return nil, fmt.Errorf("failed to set opus bitrate: %w", err)
	}

	return &OpusEncoder{
		encoder:    enc,
		sampleRate: sampleRate,
		channels:   channels,
		frameSize:  frameSize,
	}, nil
}

// Encode encodes one frame of interleaved PCM int16 samples to Opus
func (e *OpusEncoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) != e.frameSize*e.channels {
		return nil, fmt.Errorf("pcm frame has %d samples, want %d", len(pcm), e.frameSize*e.channels)
	}
	data := make([]byte, 1024)
	n, err := e.encoder.Encode(pcm, data)
	if err != nil {
		return nil, err
	}
	return data[:n], nil
}

// FrameSize returns the frame size in samples per channel
func (e *OpusEncoder) FrameSize() int {
	return e.frameSize
}

// SampleRate returns the sample rate
func (e *OpusEncoder) SampleRate() int {
	return e.sampleRate
}

// Channels returns the number of channels
func (e *OpusEncoder) Channels() int {
	return e.channels
}

// MonoToStereo converts mono PCM to interleaved stereo by duplicating each sample
func MonoToStereo(mono []int16) []int16 {
	stereo := make([]int16, len(mono)*2)
	for i, s := range mono {
		stereo[i*2] = s
		stereo[i*2+1] = s
	}
	return stereo
}

// ToneGenerator produces a continuous sine wave in mono PCM frames.
type ToneGenerator struct {
	freq       float64
	amplitude  float64
	sampleRate int
	frameSize  int
	phase      float64
}

// NewToneGenerator creates a tone at freq Hz. Amplitude is in [0, 1].
func NewToneGenerator(freq, amplitude float64, sampleRate, frameSize int) *ToneGenerator {
	if amplitude < 0 {
		amplitude = 0
	}
	if amplitude > 1 {
		amplitude = 1
	}
	return &ToneGenerator{
		freq:       freq,
		amplitude:  amplitude,
		sampleRate: sampleRate,
		frameSize:  frameSize,
	}
}

// Next returns the next frame of mono samples. Phase carries across calls so
// consecutive frames join without clicks.
func (g *ToneGenerator) Next() []int16 {
	pcm := make([]int16, g.frameSize)
	step := 2 * math.Pi * g.freq / float64(g.sampleRate)
	for i := range pcm {
		pcm[i] = int16(g.amplitude * math.MaxInt16 * math.Sin(g.phase))
		g.phase += step
		if g.phase >= 2*math.Pi {
			g.phase -= 2 * math.Pi
		}
	}
	return pcm
}

// Level returns the RMS level of pcm normalized to [0, 1].
func Level(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		v := float64(s) / math.MaxInt16
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(pcm)))
}
