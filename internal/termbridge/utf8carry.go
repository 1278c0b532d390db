package termbridge

import "unicode/utf8"

// UTF8Carry joins multi-byte sequences split across frames. Push returns
// the bytes that end on a rune boundary and keeps an incomplete tail for
// the next call. Invalid bytes are passed through untouched.
type UTF8Carry struct {
	pending []byte
}

func (c *UTF8Carry) Push(p []byte) []byte {
	var buf []byte
	if len(c.pending) > 0 {
		buf = append(c.pending, p...)
		c.pending = nil
	} else {
		buf = p
	}
	cut := len(buf) - incompleteTail(buf)
	if cut < len(buf) {
		c.pending = append([]byte(nil), buf[cut:]...)
	}
	return buf[:cut]
}

// Flush returns whatever is still held back, e.g. when the stream ends.
func (c *UTF8Carry) Flush() []byte {
	out := c.pending
	c.pending = nil
	return out
}

func incompleteTail(b []byte) int {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(b); i++ {
		c := b[len(b)-i]
		if c < utf8.RuneSelf {
			return 0
		}
		if !utf8.RuneStart(c) {
			continue
		}
		if sequenceLen(c) > i {
			return i
		}
		return 0
	}
	return 0
}

func sequenceLen(lead byte) int {
	switch {
	case lead >= 0xF0:
		return 4
	case lead >= 0xE0:
		return 3
	case lead >= 0xC0:
		return 2
	default:
		return 1
	}
}
