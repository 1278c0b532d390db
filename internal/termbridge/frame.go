// Package termbridge attaches a local terminal emulator to a remote task's
// pseudo-terminal over a websocket: the session transport, the lifecycle
// controller that owns connect, resize and teardown, and emulator adapters.
package termbridge

import "fmt"

// Size is a terminal geometry in character cells.
type Size struct {
	Cols int
	Rows int
}

func (s Size) Valid() bool {
	return s.Cols > 0 && s.Rows > 0
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Cols, s.Rows)
}

type FrameKind int

const (
	// FrameOutput carries bytes produced by the remote process.
	FrameOutput FrameKind = iota
	// FrameBanner is feedback synthesized locally; it never crosses the wire.
	FrameBanner
	// FrameControl is a resize notification.
	FrameControl
)

func (k FrameKind) String() string {
	switch k {
	case FrameOutput:
		return "output"
	case FrameBanner:
		return "banner"
	case FrameControl:
		return "control"
	default:
		return "unknown"
	}
}

// Frame is one unit handed to an Emulator. Exactly one of Data, Text or Size is
// meaningful, selected by Kind.
type Frame struct {
	Kind FrameKind
	// Data is raw output. Binary reports whether it arrived as a binary
	// message; text messages are not guaranteed to end on a rune boundary.
	Data   []byte
	Binary bool
	Text   string
	Size   Size
}

func Output(data []byte, binary bool) Frame {
	return Frame{Kind: FrameOutput, Data: data, Binary: binary}
}

func Banner(text string) Frame {
	return Frame{Kind: FrameBanner, Text: text}
}

func Control(size Size) Frame {
	return Frame{Kind: FrameControl, Size: size}
}

const (
	BannerConnected    = "connected"
	BannerDisconnected = "disconnected"
	BannerClosed       = "closed"
	BannerFailed       = "connection failed"
)
