package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"taskdeck/internal/application"
	"taskdeck/internal/config"
	"taskdeck/internal/protocol"
	"taskdeck/internal/termbridge"
	"taskdeck/internal/viewer"
)

func pickFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen random port failed: %v", err)
	}
	defer func() { _ = ln.Close() }()
	return ln.Addr().(*net.TCPAddr).Port
}

func startServer(t *testing.T) config.Config {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	port := pickFreePort(t)
	app, err := application.StartApplication(ctx, application.StartOptions{
		ConfigDir: t.TempDir(),
		LocalHost: "127.0.0.1",
		LocalPort: port,
	})
	if err != nil {
		cancel()
		t.Fatalf("start application failed: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = app.Shutdown(context.Background())
		<-done
	})

	cfg := config.Config{ServerURL: app.LocalAPIBaseURL(), LogLevel: "error"}
	client := newClient(cfg)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := client.ListTasks(context.Background()); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("server not ready")
		}
		time.Sleep(50 * time.Millisecond)
	}
	return cfg
}

func TestRunTail_RendersFinishedTask(t *testing.T) {
	cfg := startServer(t)
	cfg.PollInterval = 50 * time.Millisecond
	ctx := context.Background()

	task, err := newClient(cfg).LaunchTask(ctx, protocol.LaunchRequest{
		Name:    "t1",
		Command: "echo hi",
		EnvType: protocol.EnvShell,
		Start:   true,
	})
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}

	var out bytes.Buffer
	tctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := runTail(tctx, cfg, task.ID, termbridge.Size{Cols: 80, Rows: 24}, &out); err != nil {
		t.Fatalf("tail failed: %v", err)
	}
	text := out.String()
	for _, want := range []string{"[connected]", "hi", "Completed"} {
		if !strings.Contains(text, want) {
			t.Fatalf("tail output missing %q:\n%s", want, text)
		}
	}
}

func TestViewerTiming_FallsBackToServerSettings(t *testing.T) {
	cfg := startServer(t)
	cfg.HandshakeTimeout = 3 * time.Second
	poll, handshake := viewerTiming(context.Background(), newClient(cfg), cfg, newLogger(cfg, &bytes.Buffer{}))
	if poll != 5*time.Second {
		t.Fatalf("expected server default poll interval, got %s", poll)
	}
	if handshake != 3*time.Second {
		t.Fatalf("local handshake timeout not kept, got %s", handshake)
	}
}

type missingFetcher struct{}

func (missingFetcher) GetTask(context.Context, string) (protocol.Task, error) {
	return protocol.Task{}, protocol.ErrNotFound
}

type nopDialer struct{}

func (nopDialer) Dial(context.Context, string, termbridge.Size) (termbridge.Socket, error) {
	return nil, protocol.ErrUnreachable
}

func TestPumpInput_StopsAtDetachKey(t *testing.T) {
	v, err := viewer.New("t1", viewer.Options{
		Dialer:   nopDialer{},
		Fetcher:  missingFetcher{},
		Emulator: termbridge.NewVTScreen(termbridge.Size{}),
	})
	if err != nil {
		t.Fatalf("new view: %v", err)
	}
	defer v.Close()

	detached := make(chan struct{})
	go pumpInput(strings.NewReader("ls\x1dnever sent"), v, detached)
	select {
	case <-detached:
	case <-time.After(2 * time.Second):
		t.Fatal("detach key not honored")
	}
}
