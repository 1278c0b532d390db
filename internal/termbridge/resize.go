package termbridge

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/term"
)

// ResizeSource observes a viewport. Subscribe returns a function that
// removes the observer; after it returns fn is not called again.
type ResizeSource interface {
	Current() Size
	Subscribe(fn func(Size)) (unsubscribe func())
}

// TTYResize follows the controlling terminal through SIGWINCH.
type TTYResize struct {
	Fd int
}

func (r TTYResize) Current() Size {
	cols, rows, err := term.GetSize(r.Fd)
	if err != nil {
		return Size{}
	}
	return Size{Cols: cols, Rows: rows}
}

func (r TTYResize) Subscribe(fn func(Size)) func() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGWINCH)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case <-sig:
				if size := r.Current(); size.Valid() {
					fn(size)
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sig)
			close(stop)
			<-done
		})
	}
}

// ManualResize is a ResizeSource driven by Set. Headless viewers and tests
// use it.
type ManualResize struct {
	mu   sync.Mutex
	size Size
	next int
	subs map[int]func(Size)
}

func NewManualResize(size Size) *ManualResize {
	return &ManualResize{size: size, subs: map[int]func(Size){}}
}

func (m *ManualResize) Current() Size {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

func (m *ManualResize) Subscribe(fn func(Size)) func() {
	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Subscribers reports how many observers are registered.
func (m *ManualResize) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *ManualResize) Set(size Size) {
	m.mu.Lock()
	m.size = size
	subs := make([]func(Size), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()
	for _, fn := range subs {
		fn(size)
	}
}
