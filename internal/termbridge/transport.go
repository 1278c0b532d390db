package termbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"taskdeck/internal/protocol"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	defaultQueueSize        = 256
	defaultWriteTimeout     = 10 * time.Second
)

type TransportOptions struct {
	HandshakeTimeout time.Duration
	// QueueSize bounds input waiting to be written. Input beyond it is
	// dropped, never buffered.
	QueueSize    int
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

func (o TransportOptions) withDefaults() TransportOptions {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// Transport is one attachment to a task's pty. Output is delivered to the
// OnData handler from a single goroutine in arrival order. Input is queued
// and written by a second goroutine, so Send never blocks.
type Transport struct {
	taskID string
	sock   Socket
	opts   TransportOptions
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	queue      chan []byte
	resizeKick chan struct{}
	resize     atomic.Pointer[Size]
	dropped    atomic.Uint64
	open       atomic.Bool

	// deliverMu is held while the handler runs; Close takes it to make sure
	// no handler call is in flight or can start afterwards.
	deliverMu   sync.Mutex
	handler     func(Frame)
	closed      atomic.Bool
	closedLocal atomic.Bool
	startOnce   sync.Once
	closeOnce   sync.Once

	wg       sync.WaitGroup
	done     chan struct{}
	doneOnce sync.Once
	errMu    sync.Mutex
	err      error
}

// Open dials the pty endpoint of taskID. The handshake is bounded by
// opts.HandshakeTimeout. Errors wrap protocol.ErrUnreachable,
// ErrUnauthorized or ErrNotFound.
func Open(ctx context.Context, dialer Dialer, taskID string, size Size, opts TransportOptions) (*Transport, error) {
	opts = opts.withDefaults()
	dctx, cancel := context.WithTimeout(ctx, opts.HandshakeTimeout)
	defer cancel()
	sock, err := dialer.Dial(dctx, taskID, size)
	if err != nil {
		if errors.Is(dctx.Err(), context.DeadlineExceeded) && !errors.Is(err, protocol.ErrUnreachable) {
			err = fmt.Errorf("handshake timed out after %s: %w", opts.HandshakeTimeout, protocol.ErrUnreachable)
		}
		return nil, err
	}

	tctx, tcancel := context.WithCancel(context.Background())
	t := &Transport{
		taskID:     taskID,
		sock:       sock,
		opts:       opts,
		logger:     opts.Logger.With("task_id", taskID),
		ctx:        tctx,
		cancel:     tcancel,
		queue:      make(chan []byte, opts.QueueSize),
		resizeKick: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	t.open.Store(true)
	t.wg.Add(1)
	go t.writeLoop()
	return t, nil
}

// OnData installs the output handler and starts reading. Only the first
// call has an effect. The handler must not call Close; use CloseAsync.
func (t *Transport) OnData(fn func(Frame)) {
	if fn == nil {
		return
	}
	t.startOnce.Do(func() {
		t.deliverMu.Lock()
		t.handler = fn
		t.deliverMu.Unlock()
		if t.closed.Load() {
			return
		}
		t.wg.Add(1)
		go t.readLoop()
	})
}

// Send queues input for the remote process. It is a no-op once the
// transport is no longer open and drops the input when the queue is full.
func (t *Transport) Send(data []byte) {
	if len(data) == 0 || !t.open.Load() {
		return
	}
	buf := append([]byte(nil), data...)
	select {
	case t.queue <- buf:
	default:
		n := t.dropped.Add(1)
		t.logger.Debug("input dropped, send queue full", "dropped_total", n)
	}
}

// SendResize notifies the remote pty of a new geometry. Only the latest
// pending size is written.
func (t *Transport) SendResize(size Size) {
	if !size.Valid() || !t.open.Load() {
		return
	}
	s := size
	t.resize.Store(&s)
	select {
	case t.resizeKick <- struct{}{}:
	default:
	}
}

func (t *Transport) Open() bool {
	return t.open.Load()
}

// Dropped reports how many Send calls were discarded on a full queue.
func (t *Transport) Dropped() uint64 {
	return t.dropped.Load()
}

// Done is closed once the stream has ended and no handler call remains.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Err reports why the stream ended: nil after Close, io.EOF when the remote
// side closed normally, or the underlying failure.
func (t *Transport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

// Close releases the connection and returns once no handler is running
// and none will run again.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closedLocal.Store(true)
		t.deliverMu.Lock()
		t.closed.Store(true)
		t.deliverMu.Unlock()
		t.finish(nil)
		_ = t.sock.Close()
	})
	t.wg.Wait()
	t.markDone()
	return nil
}

// CloseAsync stops delivery and closes in the background. Safe to call
// from inside the OnData handler.
func (t *Transport) CloseAsync() {
	t.closed.Store(true)
	go func() { _ = t.Close() }()
}

func (t *Transport) readLoop() {
	defer t.wg.Done()
	defer t.markDone()
	for {
		data, binary, err := t.sock.Read(t.ctx)
		if err != nil {
			t.finish(err)
			return
		}
		t.deliverMu.Lock()
		if t.closed.Load() {
			t.deliverMu.Unlock()
			return
		}
		t.handler(Output(data, binary))
		t.deliverMu.Unlock()
	}
}

func (t *Transport) writeLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case data := <-t.queue:
			if !t.write(data, true) {
				return
			}
		case <-t.resizeKick:
			size := t.resize.Swap(nil)
			if size == nil {
				continue
			}
			if !t.write(protocol.EncodeResize(size.Cols, size.Rows), false) {
				return
			}
		}
	}
}

func (t *Transport) write(data []byte, binary bool) bool {
	ctx, cancel := context.WithTimeout(t.ctx, t.opts.WriteTimeout)
	defer cancel()
	if err := t.sock.Write(ctx, data, binary); err != nil {
		t.finish(fmt.Errorf("write: %w", err))
		return false
	}
	return true
}

// finish records the first end cause and stops both loops.
func (t *Transport) finish(err error) {
	t.open.Store(false)
	t.errMu.Lock()
	if t.err == nil && !t.closedLocal.Load() && err != nil {
		if !errors.Is(err, io.EOF) {
			t.logger.Debug("pty stream ended", "err", err)
		}
		t.err = err
	}
	t.errMu.Unlock()
	t.cancel()
}

func (t *Transport) markDone() {
	t.doneOnce.Do(func() { close(t.done) })
}
