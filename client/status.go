package client

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// Status is the connection badge. Each bit maps to one badge class.
type Status uint8

const (
	StatusChecking Status = 1 << iota
	StatusActive
)

// StatusIdle shows no badge class.
const StatusIdle Status = 0

// Next applies a peer connection state change to the badge.
func Next(s Status, state webrtc.PeerConnectionState) Status {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return s | StatusChecking
	case webrtc.PeerConnectionStateConnected:
		return s&^StatusChecking | StatusActive
	default:
		return StatusIdle
	}
}

// Classes returns the badge classes that are set.
func (s Status) Classes() []string {
	classes := make([]string, 0, 2)
	if s&StatusChecking != 0 {
		classes = append(classes, "-checking")
	}
	if s&StatusActive != 0 {
		classes = append(classes, "-active")
	}
	return classes
}

func (s Status) String() string {
	if s == StatusIdle {
		return "idle"
	}
	return strings.Join(s.Classes(), " ")
}
