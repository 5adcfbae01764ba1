package audio

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// OpusDecoder decodes Opus audio to PCM
type OpusDecoder struct {
	decoder  *opus.Decoder
	channels int
}

// NewOpusDecoder creates a new Opus decoder
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}

	return &OpusDecoder{
		decoder:  dec,
		channels: channels,
	}, nil
}

// Decode decodes Opus data to interleaved PCM int16 samples
func (d *OpusDecoder) Decode(opusData []byte) ([]int16, error) {
	// Opus frames run up to 120ms; 5760 samples per channel at 48kHz.
	pcm := make([]int16, 5760*d.channels)

	n, err := d.decoder.Decode(opusData, pcm)
	if err != nil {
		return nil, err
	}

	return pcm[:n*d.channels], nil
}
