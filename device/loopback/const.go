package loopback

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Endpoint addresses.
const (
	StatusEP   = 0x81 // interrupt IN, state change reports
	FrameOutEP = 0x02 // bulk OUT, frames from the host
	FrameInEP  = 0x82 // bulk IN, transformed frames
)

// Vendor requests on EP0.
const (
	ReqGetInfo = 0x01 // IN, InfoSize bytes
	ReqSetMode = 0x02 // OUT, wValue = Mode
)

const (
	Version       = 1
	InfoSize      = 8
	MaxFrameSize  = 512
	MaxPacketSize = 64
)

// Mode selects the transform applied to every frame.
type Mode uint8

const (
	ModeEcho Mode = iota
	ModeInvert
	ModeReverse
)

func (m Mode) String() string {
	switch m {
	case ModeEcho:
		return "echo"
	case ModeInvert:
		return "invert"
	case ModeReverse:
		return "reverse"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool { return m <= ModeReverse }

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "echo":
		return ModeEcho, nil
	case "invert":
		return ModeInvert, nil
	case "reverse":
		return ModeReverse, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

func (m Mode) MarshalYAML() (any, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("invalid mode %d", uint8(m))
	}
	return m.String(), nil
}

func (m *Mode) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Apply returns the transformed copy of frame.
func (m Mode) Apply(frame []byte) []byte {
	out := make([]byte, len(frame))
	switch m {
	case ModeInvert:
		for i, b := range frame {
			out[i] = ^b
		}
	case ModeReverse:
		for i, b := range frame {
			out[len(frame)-1-i] = b
		}
	default:
		copy(out, frame)
	}
	return out
}
