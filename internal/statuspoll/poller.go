// Package statuspoll keeps a task's status snapshot fresh by polling the
// REST API. It runs independently of the terminal stream: neither waits
// for the other.
package statuspoll

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"taskdeck/internal/protocol"
)

const (
	DefaultInterval = 5 * time.Second
	defaultTimeout  = 10 * time.Second
)

var ErrRunning = errors.New("poller already running")

type Fetcher interface {
	GetTask(ctx context.Context, id string) (protocol.Task, error)
}

type Options struct {
	Fetcher Fetcher
	// OnChange runs on the polling goroutine whenever a fetched task
	// differs from the previous snapshot.
	OnChange func(protocol.Task)
	// Timeout bounds a single fetch.
	Timeout time.Duration
	Logger  *slog.Logger
}

type Poller struct {
	fetcher  Fetcher
	onChange func(protocol.Task)
	timeout  time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	snapshot protocol.Task
	has      bool
	failures int
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(opts Options) *Poller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Poller{
		fetcher:  opts.Fetcher,
		onChange: opts.OnChange,
		timeout:  timeout,
		logger:   logger.With("component", "statuspoll"),
	}
}

// Start fetches immediately and then every interval until ctx ends or
// Stop is called.
func (p *Poller) Start(ctx context.Context, taskID string, interval time.Duration) error {
	if p.fetcher == nil {
		return errors.New("fetcher is required")
	}
	if taskID == "" {
		return errors.New("task id is required")
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		return ErrRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	go p.loop(loopCtx, done, taskID, interval)
	return nil
}

// Stop ends polling. When it returns no fetch is in flight and none will be
// issued.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Snapshot returns the last successfully fetched task.
func (p *Poller) Snapshot() (protocol.Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot, p.has
}

// Failures counts fetches that failed since the poller was created.
func (p *Poller) Failures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

func (p *Poller) loop(ctx context.Context, done chan struct{}, taskID string, interval time.Duration) {
	defer func() {
		// A caller context that ends on its own frees the poller for Start.
		p.mu.Lock()
		if p.done == done {
			p.cancel()
			p.cancel, p.done = nil, nil
		}
		p.mu.Unlock()
		close(done)
	}()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p.pollOnce(ctx, taskID)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context, taskID string) {
	if ctx.Err() != nil {
		return
	}
	fctx, cancel := context.WithTimeout(ctx, p.timeout)
	task, err := p.fetcher.GetTask(fctx, taskID)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.mu.Lock()
		p.failures++
		p.mu.Unlock()
		p.logger.Warn("task status poll failed", "task_id", taskID, "err", err)
		return
	}

	p.mu.Lock()
	changed := !p.has || !reflect.DeepEqual(p.snapshot, task)
	p.snapshot = task
	p.has = true
	p.mu.Unlock()
	if changed && p.onChange != nil && ctx.Err() == nil {
		p.onChange(task)
	}
}
