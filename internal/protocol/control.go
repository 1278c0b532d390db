package protocol

import (
	"encoding/json"
	"fmt"
)

const ControlResize = "resize"

// ControlMessage is an upstream text frame that is not keystroke input.
type ControlMessage struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// EncodeResize renders a resize control frame.
func EncodeResize(cols, rows int) []byte {
	return []byte(fmt.Sprintf(`{"type":%q,"cols":%d,"rows":%d}`, ControlResize, cols, rows))
}

// ParseControl recognizes resize control frames. Anything else, including
// keystrokes that happen to be JSON, is treated as input.
func ParseControl(data []byte) (ControlMessage, bool) {
	if len(data) < 2 || data[0] != '{' || data[len(data)-1] != '}' {
		return ControlMessage{}, false
	}
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, false
	}
	if msg.Type != ControlResize || msg.Cols <= 0 || msg.Rows <= 0 {
		return ControlMessage{}, false
	}
	return msg, true
}
