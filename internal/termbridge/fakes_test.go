package termbridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type readResult struct {
	data   []byte
	binary bool
	err    error
}

type sentMessage struct {
	data   []byte
	binary bool
}

type fakeSocket struct {
	in        chan readResult
	wrote     chan struct{}
	release   chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	writes []sentMessage
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan readResult, 16),
		wrote:  make(chan struct{}, 64),
		closed: make(chan struct{}),
	}
}

// blockWrites makes every Write wait for a value on release.
func (s *fakeSocket) blockWrites() {
	s.release = make(chan struct{}, 64)
}

func (s *fakeSocket) Read(ctx context.Context) ([]byte, bool, error) {
	select {
	case r := <-s.in:
		return r.data, r.binary, r.err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-s.closed:
		return nil, false, errors.New("socket closed")
	}
}

func (s *fakeSocket) Write(ctx context.Context, data []byte, binary bool) error {
	s.wrote <- struct{}{}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.writes = append(s.writes, sentMessage{data: append([]byte(nil), data...), binary: binary})
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeSocket) sent() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.writes...)
}

type fakeDialer struct {
	mu      sync.Mutex
	sockets []*fakeSocket
	sizes   []Size
	err     error
	// gate, when set, holds every Dial until it is closed.
	gate chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, taskID string, size Size) (Socket, error) {
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sizes = append(d.sizes, size)
	if d.err != nil {
		return nil, d.err
	}
	sock := newFakeSocket()
	d.sockets = append(d.sockets, sock)
	return sock, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sizes)
}

func (d *fakeDialer) socket(i int) *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sockets[i]
}

type recordingEmulator struct {
	mu     sync.Mutex
	frames []Frame
	seen   chan struct{}
}

func newRecordingEmulator() *recordingEmulator {
	return &recordingEmulator{seen: make(chan struct{}, 64)}
}

func (e *recordingEmulator) Display(f Frame) {
	e.mu.Lock()
	e.frames = append(e.frames, f)
	e.mu.Unlock()
	select {
	case e.seen <- struct{}{}:
	default:
	}
}

func (e *recordingEmulator) snapshot() []Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Frame(nil), e.frames...)
}

func (e *recordingEmulator) banners() []string {
	var out []string
	for _, f := range e.snapshot() {
		if f.Kind == FrameBanner {
			out = append(out, f.Text)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitChan(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for signal")
	}
}
