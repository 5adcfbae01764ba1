package client

import (
	"fmt"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// setupLocalMedia captures the current mode and puts its tracks on the peer.
// A sender that already carries a track of the same kind has its track
// replaced; otherwise the track is added. Caller holds c.mu.
func (c *Client) setupLocalMedia() error {
	stream, err := c.cfg.Devices.Capture(c.mode)
	if err != nil {
		return fmt.Errorf("failed to capture %s: %w", c.mode, err)
	}

	tracks := make([]webrtc.TrackLocal, 0, len(stream.AudioTracks())+len(stream.VideoTracks()))
	for _, tr := range stream.AudioTracks() {
		tracks = append(tracks, tr)
	}
	for _, tr := range stream.VideoTracks() {
		tracks = append(tracks, tr)
	}

	used := map[*webrtc.RTPSender]bool{}
	for _, tr := range tracks {
		if sender := c.senderOfKind(tr.Kind(), used); sender != nil {
			if err := sender.ReplaceTrack(tr); err != nil {
				stream.Stop()
				return fmt.Errorf("failed to replace %s track: %w", tr.Kind(), err)
			}
			used[sender] = true
			continue
		}

		sender, err := c.peer.AddTrack(tr)
		if err != nil {
			stream.Stop()
			return fmt.Errorf("failed to add %s track: %w", tr.Kind(), err)
		}
		used[sender] = true
		go drainRTCP(sender)
	}

	// Senders the new stream has no track for would keep a stopped track.
	for _, t := range c.peer.GetTransceivers() {
		sender := t.Sender()
		if sender == nil || used[sender] || sender.Track() == nil {
			continue
		}
		if err := sender.ReplaceTrack(nil); err != nil {
			c.log.Debug("failed to detach idle sender", zap.Error(err))
		}
	}

	if c.stream != nil {
		c.stream.Stop()
	}
	c.stream = stream

	c.log.Debug("local media attached",
		zap.Stringer("mode", c.mode),
		zap.String("stream", stream.ID()),
		zap.Int("tracks", len(tracks)),
	)
	return nil
}

// senderOfKind finds a sending transceiver of kind not yet used in this pass.
func (c *Client) senderOfKind(kind webrtc.RTPCodecType, used map[*webrtc.RTPSender]bool) *webrtc.RTPSender {
	for _, t := range c.peer.GetTransceivers() {
		sender := t.Sender()
		if sender == nil || used[sender] || t.Kind() != kind {
			continue
		}
		return sender
	}
	return nil
}

// drainRTCP reads RTCP so the sender's interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
