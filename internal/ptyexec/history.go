package ptyexec

import "sync"

// DefaultHistoryBytes bounds the scrollback replayed to a newly attached viewer.
const DefaultHistoryBytes = 256 * 1024

// history is a fixed-size circular buffer of raw pty output. Escape
// sequences are kept verbatim so a replay renders like the original stream.
type history struct {
	mu       sync.Mutex
	data     []byte
	pos      int
	full     bool
	capacity int
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = DefaultHistoryBytes
	}
	return &history{data: make([]byte, capacity), capacity: capacity}
}

func (h *history) Write(p []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(p) >= h.capacity {
		copy(h.data, p[len(p)-h.capacity:])
		h.pos = 0
		h.full = true
		return
	}
	for len(p) > 0 {
		n := copy(h.data[h.pos:], p)
		p = p[n:]
		h.pos += n
		if h.pos == h.capacity {
			h.pos = 0
			h.full = true
		}
	}
}

// Bytes returns the retained output, oldest first.
func (h *history) Bytes() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.full {
		out := make([]byte, h.pos)
		copy(out, h.data[:h.pos])
		return out
	}
	out := make([]byte, 0, h.capacity)
	out = append(out, h.data[h.pos:]...)
	out = append(out, h.data[:h.pos]...)
	return out
}
