package termbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrTornDown      = errors.New("terminal session torn down")
	ErrSessionActive = errors.New("terminal session already active")
)

type State int

const (
	StateConnecting State = iota
	StateOpen
	StateReconnecting
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is one connection attempt for a task. A Closed session is never
// reused; Reconnect starts a new one with the next Attempt number.
type Session struct {
	TaskID  string
	Attempt int
	State   State
	Size    Size

	transport *Transport
}

type ControllerOptions struct {
	Dialer   Dialer
	Emulator Emulator
	// Resize reports viewport changes. Optional.
	Resize           ResizeSource
	InitialSize      Size
	HandshakeTimeout time.Duration
	Transport        TransportOptions
	Logger           *slog.Logger
}

// Controller keeps at most one live session per task for one viewer. It
// holds only the task id; the task record itself belongs to the caller.
type Controller struct {
	taskID string
	dialer Dialer
	topts  TransportOptions
	logger *slog.Logger

	mu        sync.Mutex
	session   *Session
	attempts  int
	latest    Size
	sent      Size
	tornDown  bool
	unsub     func()
	listeners []func(State)

	emuMu sync.Mutex
	emu   Emulator

	notifyMu     sync.Mutex
	teardownOnce sync.Once
}

func NewController(taskID string, opts ControllerOptions) (*Controller, error) {
	if taskID == "" {
		return nil, errors.New("task id is required")
	}
	if opts.Dialer == nil {
		return nil, errors.New("dialer is required")
	}
	if opts.Emulator == nil {
		return nil, errors.New("emulator is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	topts := opts.Transport
	if opts.HandshakeTimeout > 0 {
		topts.HandshakeTimeout = opts.HandshakeTimeout
	}
	if topts.Logger == nil {
		topts.Logger = logger
	}
	c := &Controller{
		taskID: taskID,
		dialer: opts.Dialer,
		topts:  topts,
		logger: logger.With("task_id", taskID),
		emu:    opts.Emulator,
		latest: opts.InitialSize,
	}
	if opts.Resize != nil {
		if !c.latest.Valid() {
			c.latest = opts.Resize.Current()
		}
		c.unsub = opts.Resize.Subscribe(c.Resize)
	}
	return c, nil
}

func (c *Controller) TaskID() string {
	return c.taskID
}

// State reports the current session's state. Before the first Open the
// controller reports StateClosed.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return StateClosed
	}
	return c.session.State
}

// Session returns a copy of the current session, if any.
func (c *Controller) Session() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Session{}, false
	}
	s := *c.session
	s.transport = nil
	return s, true
}

// OnStateChange registers fn for every transition. Listeners run outside
// the controller lock, one at a time.
func (c *Controller) OnStateChange(fn func(State)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Open makes one connection attempt. A failure leaves the session Closed
// with a banner describing it and is also returned.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return ErrTornDown
	}
	if c.session != nil && (c.session.State == StateConnecting || c.session.State == StateOpen) {
		c.mu.Unlock()
		return ErrSessionActive
	}
	sess := c.newSessionLocked()
	c.mu.Unlock()

	c.notify(StateConnecting)
	return c.connect(ctx, sess)
}

// Reconnect abandons the current session and starts a new attempt for the
// same task. It is valid from Open or Closed.
func (c *Controller) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return ErrTornDown
	}
	old := c.session
	if old != nil && old.State != StateOpen && old.State != StateClosed {
		c.mu.Unlock()
		return fmt.Errorf("reconnect from %s: %w", old.State, ErrSessionActive)
	}
	var oldTransport *Transport
	if old != nil {
		old.State = StateReconnecting
		oldTransport = old.transport
	}
	sess := c.newSessionLocked()
	c.mu.Unlock()

	c.notify(StateReconnecting)
	if oldTransport != nil {
		_ = oldTransport.Close()
	}
	c.notify(StateConnecting)
	return c.connect(ctx, sess)
}

func (c *Controller) newSessionLocked() *Session {
	c.attempts++
	sess := &Session{
		TaskID:  c.taskID,
		Attempt: c.attempts,
		State:   StateConnecting,
		Size:    c.latest,
	}
	c.session = sess
	return sess
}

func (c *Controller) connect(ctx context.Context, sess *Session) error {
	tr, err := Open(ctx, c.dialer, c.taskID, sess.Size, c.topts)

	c.mu.Lock()
	if c.session != sess || c.tornDown {
		c.mu.Unlock()
		if tr != nil {
			_ = tr.Close()
		}
		if err != nil {
			return err
		}
		return ErrTornDown
	}
	if err != nil {
		sess.State = StateClosed
		c.mu.Unlock()
		c.logger.Warn("terminal connect failed", "attempt", sess.Attempt, "err", err)
		c.display(Banner(fmt.Sprintf("%s: %v", BannerFailed, err)))
		c.notify(StateClosed)
		return err
	}
	sess.transport = tr
	sess.State = StateOpen
	c.sent = sess.Size
	pending := c.latest
	c.mu.Unlock()

	c.logger.Debug("terminal connected", "attempt", sess.Attempt, "size", sess.Size.String())
	c.display(Banner(BannerConnected))
	c.notify(StateOpen)
	tr.OnData(c.display)
	go c.watch(sess, tr)

	// The attach carried the size recorded when the attempt began; a
	// change that arrived while connecting is sent now that input flows.
	if pending.Valid() && pending != sess.Size {
		c.forwardResize(pending)
	}
	return nil
}

// watch turns an unexpected end of the stream into Closed plus a banner.
func (c *Controller) watch(sess *Session, tr *Transport) {
	<-tr.Done()
	c.mu.Lock()
	if c.session != sess || sess.State != StateOpen {
		c.mu.Unlock()
		return
	}
	sess.State = StateClosed
	c.mu.Unlock()

	_ = tr.Close()
	banner := BannerDisconnected
	if errors.Is(tr.Err(), io.EOF) {
		banner = BannerClosed
	} else {
		c.logger.Info("terminal stream dropped", "attempt", sess.Attempt, "err", tr.Err())
	}
	c.display(Banner(banner))
	c.notify(StateClosed)
}

// Resize records the latest viewport. It is forwarded at most once per
// distinct geometry and only while Open.
func (c *Controller) Resize(size Size) {
	if !size.Valid() {
		return
	}
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return
	}
	changed := size != c.latest
	c.latest = size
	c.mu.Unlock()

	if changed {
		c.display(Control(size))
	}
	c.forwardResize(size)
}

func (c *Controller) forwardResize(size Size) {
	c.mu.Lock()
	sess := c.session
	if sess == nil || sess.State != StateOpen || size == c.sent {
		c.mu.Unlock()
		return
	}
	c.sent = size
	sess.Size = size
	tr := sess.transport
	c.mu.Unlock()
	tr.SendResize(size)
}

// Input forwards keystrokes. It is dropped unless the session is Open.
func (c *Controller) Input(data []byte) {
	c.mu.Lock()
	sess := c.session
	if sess == nil || sess.State != StateOpen {
		c.mu.Unlock()
		return
	}
	tr := sess.transport
	c.mu.Unlock()
	tr.Send(data)
}

// Teardown closes the transport, detaches the emulator and removes the
// resize observer. After it returns no handler touches the emulator.
// Calling it again is a no-op.
func (c *Controller) Teardown() {
	c.teardownOnce.Do(func() {
		c.mu.Lock()
		c.tornDown = true
		sess := c.session
		var tr *Transport
		active := sess != nil && sess.State != StateClosed
		if active {
			sess.State = StateClosing
			tr = sess.transport
		}
		unsub := c.unsub
		c.unsub = nil
		c.mu.Unlock()

		if active {
			c.notify(StateClosing)
		}
		c.emuMu.Lock()
		c.emu = nil
		c.emuMu.Unlock()
		if tr != nil {
			_ = tr.Close()
		}
		if unsub != nil {
			unsub()
		}
		if active {
			c.mu.Lock()
			sess.State = StateClosed
			c.mu.Unlock()
			c.notify(StateClosed)
		}
	})
}

func (c *Controller) display(f Frame) {
	c.emuMu.Lock()
	defer c.emuMu.Unlock()
	if c.emu != nil {
		c.emu.Display(f)
	}
}

func (c *Controller) notify(state State) {
	c.mu.Lock()
	listeners := append([]func(State){}, c.listeners...)
	c.mu.Unlock()
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	for _, fn := range listeners {
		fn(state)
	}
}
