package termbridge

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"taskdeck/internal/protocol"
)

func openFake(t *testing.T, opts TransportOptions) (*Transport, *fakeSocket) {
	t.Helper()
	d := &fakeDialer{}
	tr, err := Open(context.Background(), d, "t1", Size{Cols: 80, Rows: 24}, opts)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr, d.socket(0)
}

func TestTransport_DeliversOutputInOrder(t *testing.T) {
	tr, sock := openFake(t, TransportOptions{})
	got := make(chan Frame, 4)
	tr.OnData(func(f Frame) { got <- f })

	sock.in <- readResult{data: []byte("a"), binary: true}
	sock.in <- readResult{data: []byte("b"), binary: false}

	first, second := <-got, <-got
	if string(first.Data) != "a" || !first.Binary {
		t.Fatalf("unexpected first frame %+v", first)
	}
	if string(second.Data) != "b" || second.Binary {
		t.Fatalf("unexpected second frame %+v", second)
	}
}

func TestTransport_SendDropsWhenQueueFull(t *testing.T) {
	tr, sock := openFake(t, TransportOptions{QueueSize: 2})
	sock.blockWrites()

	tr.Send([]byte("1"))
	waitChan(t, sock.wrote)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			tr.Send([]byte("x"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a full queue")
	}
	if got := tr.Dropped(); got != 3 {
		t.Fatalf("expected 3 dropped sends, got %d", got)
	}
}

func TestTransport_LatestResizeWinsWithoutBlockingInput(t *testing.T) {
	tr, sock := openFake(t, TransportOptions{})
	sock.blockWrites()

	tr.Send([]byte("a"))
	waitChan(t, sock.wrote)

	tr.SendResize(Size{Cols: 90, Rows: 20})
	tr.SendResize(Size{Cols: 100, Rows: 30})
	tr.Send([]byte("b"))
	for i := 0; i < 8; i++ {
		sock.release <- struct{}{}
	}

	waitFor(t, "writes", func() bool { return len(sock.sent()) == 3 })
	var resizes, inputs []string
	for _, m := range sock.sent() {
		if m.binary {
			inputs = append(inputs, string(m.data))
			continue
		}
		ctrl, ok := protocol.ParseControl(m.data)
		if !ok {
			t.Fatalf("text frame is not a control message: %q", m.data)
		}
		resizes = append(resizes, Size{Cols: ctrl.Cols, Rows: ctrl.Rows}.String())
	}
	if len(resizes) != 1 || resizes[0] != "100x30" {
		t.Fatalf("expected only the latest resize, got %v", resizes)
	}
	if len(inputs) != 2 || inputs[0] != "a" || inputs[1] != "b" {
		t.Fatalf("unexpected input frames %v", inputs)
	}
}

func TestTransport_CloseStopsDeliveryAndSend(t *testing.T) {
	tr, sock := openFake(t, TransportOptions{})
	got := make(chan Frame, 4)
	tr.OnData(func(f Frame) { got <- f })

	sock.in <- readResult{data: []byte("before"), binary: true}
	<-got
	if err := tr.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if !sock.isClosed() {
		t.Fatal("expected socket to be closed")
	}
	select {
	case <-tr.Done():
	default:
		t.Fatal("expected Done to be closed after Close")
	}
	if tr.Err() != nil {
		t.Fatalf("expected nil Err after local close, got %v", tr.Err())
	}
	if tr.Open() {
		t.Fatal("transport still reports open")
	}

	tr.Send([]byte("late"))
	select {
	case f := <-got:
		t.Fatalf("handler ran after Close: %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
	if len(sock.sent()) != 0 {
		t.Fatalf("send after close reached the socket: %v", sock.sent())
	}
}

func TestTransport_CloseAsyncFromHandler(t *testing.T) {
	tr, sock := openFake(t, TransportOptions{})
	tr.OnData(func(Frame) { tr.CloseAsync() })
	sock.in <- readResult{data: []byte("x"), binary: true}
	select {
	case <-tr.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("CloseAsync did not finish")
	}
}

func TestTransport_RemoteCloseReasons(t *testing.T) {
	tr, sock := openFake(t, TransportOptions{})
	tr.OnData(func(Frame) {})
	sock.in <- readResult{err: io.EOF}
	<-tr.Done()
	if !errors.Is(tr.Err(), io.EOF) {
		t.Fatalf("expected EOF for a normal remote close, got %v", tr.Err())
	}

	tr2, sock2 := openFake(t, TransportOptions{})
	tr2.OnData(func(Frame) {})
	drop := errors.New("connection reset")
	sock2.in <- readResult{err: drop}
	<-tr2.Done()
	if !errors.Is(tr2.Err(), drop) {
		t.Fatalf("expected drop error, got %v", tr2.Err())
	}
}

func TestOpen_HandshakeTimeoutIsUnreachable(t *testing.T) {
	d := &fakeDialer{gate: make(chan struct{})}
	defer close(d.gate)
	start := time.Now()
	_, err := Open(context.Background(), d, "t1", Size{}, TransportOptions{HandshakeTimeout: 50 * time.Millisecond})
	if !errors.Is(err, protocol.ErrUnreachable) {
		t.Fatalf("expected unreachable, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("handshake timeout not applied")
	}
}

func TestOpen_PassesDialErrorsThrough(t *testing.T) {
	d := &fakeDialer{err: protocol.ErrUnauthorized}
	_, err := Open(context.Background(), d, "t1", Size{}, TransportOptions{})
	if !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}
