package media

import "fmt"

// Mode selects which capture device feeds the local stream.
type Mode string

const (
	// ModeCamera is the user-media capture (webcam and microphone).
	ModeCamera Mode = "camera"
	// ModeScreen is the display-media capture.
	ModeScreen Mode = "screen"
)

// Toggle returns the other mode.
func (m Mode) Toggle() Mode {
	if m == ModeCamera {
		return ModeScreen
	}
	return ModeCamera
}

func (m Mode) String() string {
	return string(m)
}

// ParseMode accepts "camera" or "screen". The empty string means camera.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeCamera:
		return ModeCamera, nil
	case ModeScreen:
		return ModeScreen, nil
	default:
		return "", fmt.Errorf("unknown capture mode %q", s)
	}
}
