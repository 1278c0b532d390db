package ptyexec

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"taskdeck/internal/protocol"
)

// subscriberBuffer is how many output chunks a viewer may lag behind before
// it is evicted. Eviction keeps a slow viewer from stalling the pty reader.
const subscriberBuffer = 256

var errSlowSubscriber = errors.New("subscriber fell behind")

// Subscription is one viewer's lease on a process's output.
type Subscription struct {
	// History is the scrollback captured before the subscription started.
	History []byte
	C       <-chan []byte

	ch      chan []byte
	proc    *Process
	once    sync.Once
	evicted error
}

// Err reports why C was closed early; nil when the process ended normally.
func (s *Subscription) Err() error {
	if s == nil || s.proc == nil {
		return nil
	}
	s.proc.subMu.Lock()
	defer s.proc.subMu.Unlock()
	return s.evicted
}

// Close detaches the viewer. The process keeps running.
func (s *Subscription) Close() {
	if s == nil || s.proc == nil {
		return
	}
	s.proc.unsubscribe(s)
}

// Process is a task spawned under a pseudo-terminal.
type Process struct {
	taskID string
	cmd    *exec.Cmd
	ptmx   *os.File
	log    io.WriteCloser
	logger *slog.Logger

	writeMu sync.Mutex

	subMu   sync.Mutex
	subs    map[*Subscription]struct{}
	history *history
	ended   bool

	readerDone chan struct{}
	done       chan struct{}
	exitCode   int
}

func (p *Process) PID() int {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Done is closed after the process exited and its output drained.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

func (p *Process) ExitCode() int {
	<-p.done
	return p.exitCode
}

func (p *Process) Write(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	select {
	case <-p.readerDone:
		return errors.New("process output closed")
	default:
	}
	_, err := p.ptmx.Write(data)
	return err
}

func (p *Process) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 || cols > math.MaxUint16 || rows > math.MaxUint16 {
		return fmt.Errorf("terminal size %dx%d: %w", cols, rows, protocol.ErrInvalidSpec)
	}
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Terminate asks the process group to exit.
func (p *Process) Terminate() error {
	if p.cmd == nil || p.cmd.Process == nil {
		return errors.New("process not started")
	}
	select {
	case <-p.done:
		return nil
	default:
	}
	// pty.Start makes the child a session leader, so -pid addresses its group.
	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGTERM); err != nil {
		return p.cmd.Process.Signal(syscall.SIGTERM)
	}
	return nil
}

// Subscribe registers a viewer. The history snapshot and the channel are
// taken under one lock so no chunk is missed or repeated.
func (p *Process) Subscribe() *Subscription {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	ch := make(chan []byte, subscriberBuffer)
	sub := &Subscription{History: p.history.Bytes(), C: ch, ch: ch, proc: p}
	if p.ended {
		close(ch)
		return sub
	}
	p.subs[sub] = struct{}{}
	return sub
}

func (p *Process) unsubscribe(sub *Subscription) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	if _, ok := p.subs[sub]; !ok {
		return
	}
	delete(p.subs, sub)
	sub.once.Do(func() { close(sub.ch) })
}

func (p *Process) publish(chunk []byte) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	p.history.Write(chunk)
	for sub := range p.subs {
		select {
		case sub.ch <- chunk:
		default:
			sub.evicted = errSlowSubscriber
			delete(p.subs, sub)
			sub.once.Do(func() { close(sub.ch) })
			p.logger.Warn("evicted slow pty subscriber", "task_id", p.taskID)
		}
	}
}

func (p *Process) endOutput() {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	p.ended = true
	for sub := range p.subs {
		delete(p.subs, sub)
		sub.once.Do(func() { close(sub.ch) })
	}
}

func (p *Process) readLoop() {
	defer close(p.readerDone)
	buf := make([]byte, 32*1024)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if p.log != nil {
				if _, werr := p.log.Write(chunk); werr != nil {
					p.logger.Warn("write task log failed", "task_id", p.taskID, "err", werr)
				}
			}
			p.publish(chunk)
		}
		if err != nil {
			// Linux reports EIO on the master once the child side closes.
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) && !errors.Is(err, os.ErrClosed) {
				p.logger.Warn("pty read failed", "task_id", p.taskID, "err", err)
			}
			p.endOutput()
			return
		}
	}
}
