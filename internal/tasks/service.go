// Package tasks implements the task actions behind the REST API: launch,
// start, attach, stop, and the bookkeeping that follows a process exit.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"taskdeck/internal/execenv"
	"taskdeck/internal/protocol"
	"taskdeck/internal/ptyexec"
)

// Store persists task records.
type Store interface {
	Create(task protocol.Task) (protocol.Task, error)
	Get(id string) (protocol.Task, error)
	List() ([]protocol.Task, error)
	Delete(id string) error
	FindRunningByPID(pid int) (protocol.Task, bool, error)
	ListRunning() ([]protocol.Task, error)
	MarkRunning(id string, pid int) (protocol.Task, error)
	MarkFinished(id string, status protocol.TaskStatus, exitCode int) (protocol.Task, error)
}

// Runner owns the OS processes.
type Runner interface {
	Spawn(task protocol.Task) (int, error)
	PIDExists(ctx context.Context, pid int) (bool, error)
	Watch(taskID string, pid int)
	Terminate(ctx context.Context, taskID string, pid int) error
	Process(taskID string) (*ptyexec.Process, error)
}

// EventSink receives task status transitions.
type EventSink func(topic, taskID string, payload map[string]any)

type Deps struct {
	Store    Store
	Runner   Runner
	Events   EventSink
	Notifier *Notifier
	Logger   *slog.Logger
	Tracer   trace.Tracer
}

type Service struct {
	store    Store
	runner   Runner
	events   EventSink
	notifier *Notifier
	logger   *slog.Logger
	tracer   trace.Tracer
	newID    func() string
	now      func() time.Time

	// transitions serializes Created->Running against exit handling so an
	// instantly exiting process cannot be reported before it is Running.
	transitions sync.Mutex
	// attachMu makes the tracked-pid check and the record insert one step.
	attachMu sync.Mutex
}

func NewService(deps Deps) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("task store is required")
	}
	if deps.Runner == nil {
		return nil, errors.New("process runner is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("taskdeck/tasks")
	}
	return &Service{
		store:    deps.Store,
		runner:   deps.Runner,
		events:   deps.Events,
		notifier: deps.Notifier,
		logger:   logger,
		tracer:   tracer,
		newID:    func() string { return uuid.NewString() },
		now:      time.Now,
	}, nil
}

func (s *Service) List(context.Context) ([]protocol.Task, error) {
	return s.store.List()
}

func (s *Service) Get(_ context.Context, id string) (protocol.Task, error) {
	return s.store.Get(id)
}

// Launch records a new task in Created. With req.Start it also spawns it; a
// failed spawn removes the record again so a retry starts clean.
func (s *Service) Launch(ctx context.Context, req protocol.LaunchRequest) (task protocol.Task, err error) {
	ctx, span := s.tracer.Start(ctx, "tasks.launch")
	defer func() { endSpan(span, err) }()

	req = req.Normalize()
	if err := execenv.Validate(req); err != nil {
		return protocol.Task{}, err
	}
	task, err = s.store.Create(protocol.Task{
		ID:      s.newID(),
		Name:    req.Name,
		Command: req.Command,
		Args:    req.Args,
		EnvType: req.EnvType,
		EnvName: req.EnvName,
		Cwd:     req.Cwd,
		Status:  protocol.StatusCreated,
		Source:  protocol.SourceLaunch,
	})
	if err != nil {
		return protocol.Task{}, err
	}
	span.SetAttributes(attribute.String("task.id", task.ID), attribute.String("task.env_type", task.EnvType))
	s.publish("task.created", task)
	s.logger.Info("task created", "task_id", task.ID, "name", task.Name)

	if !req.Start {
		return task, nil
	}
	started, err := s.Start(ctx, task.ID)
	if err != nil {
		if delErr := s.store.Delete(task.ID); delErr != nil {
			s.logger.Warn("rollback launch failed", "task_id", task.ID, "err", delErr)
		}
		return protocol.Task{}, err
	}
	return started, nil
}

// Start spawns a Created task and moves it to Running.
func (s *Service) Start(ctx context.Context, id string) (task protocol.Task, err error) {
	_, span := s.tracer.Start(ctx, "tasks.start", trace.WithAttributes(attribute.String("task.id", id)))
	defer func() { endSpan(span, err) }()

	s.transitions.Lock()
	defer s.transitions.Unlock()

	task, err = s.store.Get(id)
	if err != nil {
		return protocol.Task{}, err
	}
	if task.Status != protocol.StatusCreated {
		return protocol.Task{}, fmt.Errorf("task %s is %s: %w", id, task.Status, protocol.ErrInvalidState)
	}
	pid, err := s.runner.Spawn(task)
	if err != nil {
		s.logger.Warn("task spawn failed", "task_id", id, "err", err)
		if !errors.Is(err, protocol.ErrLaunchFailed) && !errors.Is(err, protocol.ErrInvalidState) {
			err = fmt.Errorf("%v: %w", err, protocol.ErrLaunchFailed)
		}
		return protocol.Task{}, err
	}
	task, err = s.store.MarkRunning(id, pid)
	if err != nil {
		return protocol.Task{}, err
	}
	span.SetAttributes(attribute.Int("task.pid", pid))
	s.publish("task.status", task)
	return task, nil
}

// Attach begins tracking an existing process. Nothing is recorded unless the
// pid is alive and untracked.
func (s *Service) Attach(ctx context.Context, req protocol.AttachRequest) (task protocol.Task, err error) {
	ctx, span := s.tracer.Start(ctx, "tasks.attach", trace.WithAttributes(attribute.Int("task.pid", req.PID)))
	defer func() { endSpan(span, err) }()

	if req.PID <= 0 || req.PID > math.MaxInt32 {
		return protocol.Task{}, fmt.Errorf("pid %d out of range: %w", req.PID, protocol.ErrInvalidSpec)
	}

	s.attachMu.Lock()
	defer s.attachMu.Unlock()

	if existing, ok, err := s.store.FindRunningByPID(req.PID); err != nil {
		return protocol.Task{}, err
	} else if ok {
		return protocol.Task{}, fmt.Errorf("pid %d tracked by task %s: %w", req.PID, existing.ID, protocol.ErrAlreadyAttached)
	}
	alive, err := s.runner.PIDExists(ctx, req.PID)
	if err != nil {
		return protocol.Task{}, fmt.Errorf("probe pid %d: %w", req.PID, err)
	}
	if !alive {
		return protocol.Task{}, fmt.Errorf("pid %d: %w", req.PID, protocol.ErrProcessNotFound)
	}

	name := req.Name
	if name == "" {
		name = "pid " + strconv.Itoa(req.PID)
	}
	pid := req.PID
	startedAt := s.now().UTC()
	task, err = s.store.Create(protocol.Task{
		ID:        s.newID(),
		Name:      name,
		Command:   fmt.Sprintf("attached pid %d", pid),
		EnvType:   protocol.EnvShell,
		Cwd:       ".",
		Status:    protocol.StatusRunning,
		Source:    protocol.SourceAttach,
		PID:       &pid,
		StartedAt: &startedAt,
	})
	if err != nil {
		return protocol.Task{}, err
	}
	s.runner.Watch(task.ID, pid)
	s.publish("task.created", task)
	s.logger.Info("task attached", "task_id", task.ID, "pid", pid)
	return task, nil
}

// Stop asks a Running task's process to terminate. The status changes when
// the exit is observed, not here.
func (s *Service) Stop(ctx context.Context, id string) (err error) {
	ctx, span := s.tracer.Start(ctx, "tasks.stop", trace.WithAttributes(attribute.String("task.id", id)))
	defer func() { endSpan(span, err) }()

	task, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if task.Status != protocol.StatusRunning {
		return fmt.Errorf("task %s is %s: %w", id, task.Status, protocol.ErrInvalidState)
	}
	pid := 0
	if task.PID != nil {
		pid = *task.PID
	}
	return s.runner.Terminate(ctx, id, pid)
}

// HandleExit records a process exit reported by the runner.
func (s *Service) HandleExit(exit ptyexec.Exit) {
	s.transitions.Lock()
	defer s.transitions.Unlock()

	status := protocol.StatusCompleted
	if !exit.Attached && exit.ExitCode != 0 {
		status = protocol.StatusFailed
	}
	task, err := s.store.MarkFinished(exit.TaskID, status, exit.ExitCode)
	if err != nil {
		s.logger.Error("record task exit failed", "task_id", exit.TaskID, "err", err)
		return
	}
	s.publish("task.status", task)
	if s.notifier != nil {
		s.notifier.TaskFinished(task)
	}
}

// ResumeMonitors reconciles Running tasks at server boot. Attached pids are
// watched again. Launched tasks owned a pty in the previous server process,
// so they are marked Failed with an unknown exit code.
func (s *Service) ResumeMonitors(ctx context.Context) error {
	running, err := s.store.ListRunning()
	if err != nil {
		return err
	}
	for _, task := range running {
		if task.Source == protocol.SourceLaunch {
			s.logger.Warn("launched task lost its process", "task_id", task.ID)
			s.HandleExit(ptyexec.Exit{TaskID: task.ID, ExitCode: -1})
			continue
		}
		if task.PID == nil {
			continue
		}
		alive, err := s.runner.PIDExists(ctx, *task.PID)
		if err != nil {
			s.logger.Warn("probe attached pid failed", "task_id", task.ID, "err", err)
			continue
		}
		if !alive {
			s.HandleExit(ptyexec.Exit{TaskID: task.ID, ExitCode: -1, Attached: true})
			continue
		}
		s.runner.Watch(task.ID, *task.PID)
	}
	return nil
}

func (s *Service) publish(topic string, task protocol.Task) {
	if s.events == nil {
		return
	}
	payload := map[string]any{"status": string(task.Status), "name": task.Name}
	if task.PID != nil {
		payload["pid"] = *task.PID
	}
	if task.ExitCode != nil {
		payload["exit_code"] = *task.ExitCode
	}
	s.events(topic, task.ID, payload)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
