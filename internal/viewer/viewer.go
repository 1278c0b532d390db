// Package viewer composes what a user sees for one task: the live terminal
// session and the task's polled status. The two sources are independent;
// neither blocks the other.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"taskdeck/internal/protocol"
	"taskdeck/internal/statuspoll"
	"taskdeck/internal/termbridge"
)

type Options struct {
	Dialer   termbridge.Dialer
	Fetcher  statuspoll.Fetcher
	Emulator termbridge.Emulator
	Resize   termbridge.ResizeSource
	Size     termbridge.Size

	PollInterval     time.Duration
	HandshakeTimeout time.Duration
	// OnStatus runs on the poller goroutine whenever the status changes.
	OnStatus func(protocol.Task)
	Logger   *slog.Logger
}

type View struct {
	taskID string
	ctrl   *termbridge.Controller
	poller *statuspoll.Poller
	poll   time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	onStatus func(protocol.Task)
	closed   bool
}

func New(taskID string, opts Options) (*View, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("status fetcher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctrl, err := termbridge.NewController(taskID, termbridge.ControllerOptions{
		Dialer:           opts.Dialer,
		Emulator:         opts.Emulator,
		Resize:           opts.Resize,
		InitialSize:      opts.Size,
		HandshakeTimeout: opts.HandshakeTimeout,
		Logger:           logger.With("component", "termbridge"),
	})
	if err != nil {
		return nil, err
	}
	v := &View{
		taskID:   taskID,
		ctrl:     ctrl,
		poll:     opts.PollInterval,
		logger:   logger,
		onStatus: opts.OnStatus,
	}
	v.poller = statuspoll.New(statuspoll.Options{
		Fetcher:  opts.Fetcher,
		OnChange: v.statusChanged,
		Logger:   logger,
	})
	return v, nil
}

// Open starts status polling and makes one connection attempt. A failed
// connection is shown on the terminal and reported by State; it is not an
// error of the view.
func (v *View) Open(ctx context.Context) error {
	if err := v.poller.Start(ctx, v.taskID, v.poll); err != nil {
		return fmt.Errorf("start status poll: %w", err)
	}
	if err := v.ctrl.Open(ctx); err != nil {
		if errors.Is(err, termbridge.ErrTornDown) {
			return err
		}
		v.logger.Info("terminal unavailable", "task_id", v.taskID, "err", err)
	}
	return nil
}

func (v *View) Reconnect(ctx context.Context) error {
	return v.ctrl.Reconnect(ctx)
}

func (v *View) Input(data []byte) {
	v.ctrl.Input(data)
}

func (v *View) Resize(size termbridge.Size) {
	v.ctrl.Resize(size)
}

func (v *View) State() termbridge.State {
	return v.ctrl.State()
}

func (v *View) OnStateChange(fn func(termbridge.State)) {
	v.ctrl.OnStateChange(fn)
}

func (v *View) Task() (protocol.Task, bool) {
	return v.poller.Snapshot()
}

// Close tears the terminal down and stops polling. Safe to call twice.
func (v *View) Close() {
	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()
	v.ctrl.Teardown()
	v.poller.Stop()
}

func (v *View) statusChanged(task protocol.Task) {
	v.mu.Lock()
	fn, closed := v.onStatus, v.closed
	v.mu.Unlock()
	if fn != nil && !closed {
		fn(task)
	}
}

// Header renders the one-line summary shown above the terminal.
func (v *View) Header() string {
	task, ok := v.Task()
	name := v.taskID
	status := protocol.TaskStatus("")
	if ok {
		status = task.Status
		if task.Name != "" {
			name = task.Name
		}
	}
	parts := []string{name, Badge(status), v.State().String()}
	if ok && task.ExitCode != nil && status.Terminal() {
		parts = append(parts, fmt.Sprintf("exit %d", *task.ExitCode))
	}
	return strings.Join(parts, "  ")
}

var badgeBase = lipgloss.NewStyle().Bold(true).Padding(0, 1)

var badgeColors = map[protocol.TaskStatus]lipgloss.Color{
	protocol.StatusCreated:   lipgloss.Color("244"),
	protocol.StatusRunning:   lipgloss.Color("33"),
	protocol.StatusCompleted: lipgloss.Color("34"),
	protocol.StatusFailed:    lipgloss.Color("160"),
}

// Badge renders a task status. An unknown status renders as "Unknown".
func Badge(status protocol.TaskStatus) string {
	color, ok := badgeColors[status]
	label := string(status)
	if !ok {
		color = lipgloss.Color("240")
		label = "Unknown"
	}
	return badgeBase.Foreground(color).Render(label)
}
