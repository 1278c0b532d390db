// Package ptyexec owns the processes behind tasks: launched tasks run under a
// pseudo-terminal whose output is fanned out to any number of viewers, and
// attached tasks are watched by pid until they disappear.
package ptyexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/creack/pty"

	"taskdeck/internal/execenv"
	"taskdeck/internal/protocol"
)

const (
	defaultCols            = 80
	defaultRows            = 24
	defaultMonitorInterval = 2 * time.Second
	outputDrainTimeout     = 2 * time.Second
)

// Exit describes how a tracked task ended. ExitCode is -1 when unknown,
// which is always the case for attached processes.
type Exit struct {
	TaskID   string
	ExitCode int
	Attached bool
}

type Options struct {
	LogDir          string
	HistoryBytes    int
	MonitorInterval time.Duration
	Prober          ProcessProber
	Logger          *slog.Logger
	OnExit          func(Exit)
}

type Manager struct {
	opts   Options
	logger *slog.Logger

	mu       sync.RWMutex
	procs    map[string]*Process
	monitors map[string]context.CancelFunc
	wg       sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Prober == nil {
		opts.Prober = SystemProber{}
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = defaultMonitorInterval
	}
	return &Manager{
		opts:     opts,
		logger:   opts.Logger,
		procs:    map[string]*Process{},
		monitors: map[string]context.CancelFunc{},
	}
}

// Spawn starts a task under a new pty and returns its pid.
func (m *Manager) Spawn(task protocol.Task) (int, error) {
	spec, err := execenv.Build(task)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	if _, exists := m.procs[task.ID]; exists {
		m.mu.Unlock()
		return 0, fmt.Errorf("task %s already has a process: %w", task.ID, protocol.ErrInvalidState)
	}
	m.mu.Unlock()

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color", "TASKDECK_TASK_ID="+task.ID)
	cmd.Env = append(cmd.Env, spec.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: defaultCols, Rows: defaultRows})
	if err != nil {
		return 0, fmt.Errorf("spawn %s: %v: %w", spec.Path, err, protocol.ErrLaunchFailed)
	}

	proc := &Process{
		taskID:     task.ID,
		cmd:        cmd,
		ptmx:       ptmx,
		logger:     m.logger,
		subs:       map[*Subscription]struct{}{},
		history:    newHistory(m.opts.HistoryBytes),
		readerDone: make(chan struct{}),
		done:       make(chan struct{}),
		exitCode:   -1,
	}
	if logFile, err := m.openLog(task.ID); err != nil {
		m.logger.Warn("open task log failed", "task_id", task.ID, "err", err)
	} else {
		proc.log = logFile
	}

	m.mu.Lock()
	m.procs[task.ID] = proc
	m.mu.Unlock()

	go proc.readLoop()
	m.wg.Add(1)
	go m.waitProcess(proc)

	m.logger.Info("task spawned", "task_id", task.ID, "pid", proc.PID(), "env_type", task.EnvType)
	return proc.PID(), nil
}

func (m *Manager) openLog(taskID string) (io.WriteCloser, error) {
	if m.opts.LogDir == "" {
		return nil, errors.New("log dir not configured")
	}
	if err := os.MkdirAll(m.opts.LogDir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(m.opts.LogDir, taskID+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

func (m *Manager) waitProcess(proc *Process) {
	defer m.wg.Done()
	err := proc.cmd.Wait()
	code := -1
	if proc.cmd.ProcessState != nil {
		code = proc.cmd.ProcessState.ExitCode()
	}
	if err != nil && code == 0 {
		code = 1
	}

	// A background grandchild can keep the slave side open; stop waiting for
	// it after a grace period so the exit is still reported.
	select {
	case <-proc.readerDone:
	case <-time.After(outputDrainTimeout):
		m.logger.Warn("pty output did not drain after exit", "task_id", proc.taskID)
	}
	_ = proc.ptmx.Close()
	<-proc.readerDone
	if proc.log != nil {
		_ = proc.log.Close()
	}
	proc.exitCode = code
	close(proc.done)

	m.logger.Info("task exited", "task_id", proc.taskID, "exit_code", code)
	if m.opts.OnExit != nil {
		m.opts.OnExit(Exit{TaskID: proc.taskID, ExitCode: code})
	}
}

// Attach starts watching a pid this server did not spawn.
func (m *Manager) Attach(ctx context.Context, taskID string, pid int) error {
	exists, err := m.opts.Prober.Exists(ctx, pid)
	if err != nil {
		return fmt.Errorf("probe pid %d: %w", pid, err)
	}
	if !exists {
		return fmt.Errorf("pid %d: %w", pid, protocol.ErrProcessNotFound)
	}
	m.Watch(taskID, pid)
	return nil
}

// PIDExists reports whether pid is alive without watching it.
func (m *Manager) PIDExists(ctx context.Context, pid int) (bool, error) {
	return m.opts.Prober.Exists(ctx, pid)
}

// Watch polls pid until it disappears, then reports the exit.
func (m *Manager) Watch(taskID string, pid int) {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if prev, ok := m.monitors[taskID]; ok {
		prev()
	}
	m.monitors[taskID] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.MonitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				alive, err := m.opts.Prober.Exists(ctx, pid)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					m.logger.Warn("probe attached pid failed", "task_id", taskID, "pid", pid, "err", err)
					continue
				}
				if alive {
					continue
				}
				m.mu.Lock()
				delete(m.monitors, taskID)
				m.mu.Unlock()
				m.logger.Info("attached process gone", "task_id", taskID, "pid", pid)
				if m.opts.OnExit != nil {
					m.opts.OnExit(Exit{TaskID: taskID, ExitCode: -1, Attached: true})
				}
				return
			}
		}
	}()
}

// Process returns the pty-backed process of a launched task. Attached
// tasks and tasks never started have none.
func (m *Manager) Process(taskID string) (*Process, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	proc, ok := m.procs[taskID]
	if !ok {
		return nil, fmt.Errorf("no terminal for task %s: %w", taskID, protocol.ErrNotFound)
	}
	return proc, nil
}

// Terminate stops a launched or attached task.
func (m *Manager) Terminate(ctx context.Context, taskID string, pid int) error {
	if proc, err := m.Process(taskID); err == nil {
		return proc.Terminate()
	}
	m.mu.RLock()
	_, watched := m.monitors[taskID]
	m.mu.RUnlock()
	if !watched {
		return fmt.Errorf("task %s is not tracked: %w", taskID, protocol.ErrNotFound)
	}
	return m.opts.Prober.Terminate(ctx, pid)
}

// Close stops monitors and terminates launched processes.
func (m *Manager) Close() error {
	m.mu.Lock()
	for id, cancel := range m.monitors {
		cancel()
		delete(m.monitors, id)
	}
	procs := make([]*Process, 0, len(m.procs))
	for _, proc := range m.procs {
		procs = append(procs, proc)
	}
	m.mu.Unlock()

	for _, proc := range procs {
		_ = proc.Terminate()
	}
	waited := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-time.After(5 * time.Second):
		return errors.New("timed out waiting for task processes to exit")
	}
}
