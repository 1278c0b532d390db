package localapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"taskdeck/internal/protocol"
)

func ptyURL(ts *httptest.Server, taskID, query string) string {
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/tasks/" + taskID + "/pty"
	if query != "" {
		u += "?" + query
	}
	return u
}

func waitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for terminal call")
	}
}

func TestPTY_StreamsHistoryOutputAndInput(t *testing.T) {
	svc := newFakeTaskService(protocol.Task{ID: "t1", Status: protocol.StatusRunning})
	term := newFakeTerminal("hi\r\n")
	srv := NewServer(Deps{Tasks: svc, Terminals: fakeTerminals{"t1": term}})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, ptyURL(ts, "t1", "cols=120&rows=40"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() { _ = conn.CloseNow() }()

	waitSignal(t, term.writes)
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read history failed: %v", err)
	}
	if typ != websocket.MessageBinary || string(data) != "hi\r\n" {
		t.Fatalf("unexpected history frame: %v %q", typ, data)
	}

	term.out <- []byte("more")
	_, data, err = conn.Read(ctx)
	if err != nil || string(data) != "more" {
		t.Fatalf("unexpected live frame: %q %v", data, err)
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte("ls\r")); err != nil {
		t.Fatalf("write input failed: %v", err)
	}
	waitSignal(t, term.writes)
	if err := conn.Write(ctx, websocket.MessageText, protocol.EncodeResize(100, 30)); err != nil {
		t.Fatalf("write resize failed: %v", err)
	}
	waitSignal(t, term.writes)
	if err := conn.Write(ctx, websocket.MessageBinary, []byte{0x03}); err != nil {
		t.Fatalf("write binary input failed: %v", err)
	}
	waitSignal(t, term.writes)

	input, resizes := term.snapshot()
	if input != "ls\r\x03" {
		t.Fatalf("unexpected input %q", input)
	}
	if len(resizes) != 2 || resizes[0] != [2]int{120, 40} || resizes[1] != [2]int{100, 30} {
		t.Fatalf("unexpected resizes %v", resizes)
	}
}

func TestPTY_ClosesNormallyWhenProcessEnds(t *testing.T) {
	svc := newFakeTaskService(protocol.Task{ID: "t1", Status: protocol.StatusCompleted})
	term := newFakeTerminal("done\r\n")
	close(term.out)
	ts := httptest.NewServer(NewServer(Deps{Tasks: svc, Terminals: fakeTerminals{"t1": term}}).Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, ptyURL(ts, "t1", ""), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() { _ = conn.CloseNow() }()

	if _, data, err := conn.Read(ctx); err != nil || string(data) != "done\r\n" {
		t.Fatalf("expected history before close, got %q %v", data, err)
	}
	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("expected normal closure, got %v", err)
	}
}

func TestPTY_ReplaysLargeHistoryInBoundedFrames(t *testing.T) {
	svc := newFakeTaskService(protocol.Task{ID: "t1", Status: protocol.StatusCompleted})
	history := strings.Repeat("0123456789abcdef", 5<<20/16)
	term := newFakeTerminal(history)
	close(term.out)
	ts := httptest.NewServer(NewServer(Deps{Tasks: svc, Terminals: fakeTerminals{"t1": term}}).Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, ptyURL(ts, "t1", ""), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(replayChunk)

	var got strings.Builder
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				t.Fatalf("expected normal closure after replay, got %v", err)
			}
			break
		}
		got.Write(data)
	}
	if got.Len() != len(history) || got.String() != history {
		t.Fatalf("replayed %d bytes, want %d", got.Len(), len(history))
	}
}

func TestPTY_RejectsBeforeUpgrade(t *testing.T) {
	svc := newFakeTaskService(protocol.Task{ID: "attached", Status: protocol.StatusRunning, Source: protocol.SourceAttach})
	ts := httptest.NewServer(NewServer(Deps{Tasks: svc, Terminals: fakeTerminals{}, APIToken: "secret"}).Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, ptyURL(ts, "attached", ""), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake failure, got %v %v", resp, err)
	}

	auth := &websocket.DialOptions{HTTPHeader: http.Header{"Authorization": []string{"Bearer secret"}}}
	_, resp, err = websocket.Dial(ctx, ptyURL(ts, "missing", ""), auth)
	if err == nil || resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown task, got %v %v", resp, err)
	}
	_, resp, err = websocket.Dial(ctx, ptyURL(ts, "attached", ""), auth)
	if err == nil || resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for task without terminal, got %v %v", resp, err)
	}
}
