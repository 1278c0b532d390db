package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"

	"taskdeck/internal/apiclient"
	"taskdeck/internal/application"
	"taskdeck/internal/command"
	"taskdeck/internal/config"
	"taskdeck/internal/db"
	"taskdeck/internal/global"
	"taskdeck/internal/logging"
	"taskdeck/internal/termbridge"
	"taskdeck/internal/viewer"
)

var version = "dev"

// detachKey (Ctrl-]) ends an interactive attach without touching the task.
const detachKey = 0x1d

var startApplication = application.StartApplication

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := command.BuildApp(command.Deps{
		LoadConfig:   config.LoadConfig,
		RunServe:     runServe,
		RunMigrateUp: runMigrateUp,
		NewClient: func(cfg config.Config) command.TaskClient {
			return newClient(cfg)
		},
		RunAttach: func(ctx context.Context, cfg config.Config, taskID string) error {
			return runAttach(ctx, cfg, taskID, os.Stdin, os.Stdout)
		},
		RunTail: func(ctx context.Context, cfg config.Config, taskID string, size [2]int) error {
			return runTail(ctx, cfg, taskID, termbridge.Size{Cols: size[0], Rows: size[1]}, os.Stdout)
		},
	})

	if err := app.RunContext(rootCtx, os.Args); err != nil {
		logging.NewLogger(logging.Options{Level: "error", Writer: os.Stderr, Component: "taskdeck"}).Error("taskdeck failed", "err", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	return logging.NewLogger(logging.Options{Level: cfg.LogLevel, Writer: w, Component: "taskdeck"})
}

func newClient(cfg config.Config) *apiclient.Client {
	return apiclient.New(cfg.ServerURL, cfg.APIToken)
}

func dataDir(cfg config.Config) (string, string, error) {
	configDir, err := global.DefaultConfigDir()
	if err != nil {
		return "", "", err
	}
	dir := strings.TrimSpace(cfg.DataDir)
	if dir == "" {
		dir = configDir
	}
	return configDir, dir, nil
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger := newLogger(cfg, os.Stderr)
	configDir, data, err := dataDir(cfg)
	if err != nil {
		return err
	}
	app, err := startApplication(ctx, application.StartOptions{
		ConfigDir:    configDir,
		DataDir:      data,
		LocalHost:    cfg.LocalHost,
		LocalPort:    cfg.LocalPort,
		APIToken:     cfg.APIToken,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Version:      version,
		WebUI: application.WebUIOptions{
			Mode:        cfg.WebUIMode,
			DevProxyURL: cfg.WebUIDevProxyURL,
			DistDir:     cfg.WebUIDistDir,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	logger.Info("taskdeck starting", "version", version, "api", app.LocalAPIBaseURL(), "data_dir", app.DataDir())
	return app.Run(ctx)
}

func runMigrateUp(_ context.Context, cfg config.Config) error {
	_, data, err := dataDir(cfg)
	if err != nil {
		return err
	}
	path := filepath.Join(data, "taskdeck.db")
	gdb, err := db.OpenSQLite(path)
	if err != nil {
		return err
	}
	newLogger(cfg, os.Stderr).Info("migrations applied", "db", path)
	return db.Close(gdb)
}

// viewerTiming prefers local settings and falls back to what the server
// advertises.
func viewerTiming(ctx context.Context, client *apiclient.Client, cfg config.Config, logger *slog.Logger) (poll, handshake time.Duration) {
	poll, handshake = cfg.PollInterval, cfg.HandshakeTimeout
	if poll > 0 && handshake > 0 {
		return poll, handshake
	}
	settings, err := client.Settings(ctx)
	if err != nil {
		logger.Debug("server settings unavailable", "err", err)
		return poll, handshake
	}
	if poll <= 0 {
		poll = time.Duration(settings.Viewer.PollIntervalSeconds) * time.Second
	}
	if handshake <= 0 {
		handshake = time.Duration(settings.Viewer.HandshakeTimeoutSeconds) * time.Second
	}
	return poll, handshake
}

func runAttach(ctx context.Context, cfg config.Config, taskID string, in *os.File, out *os.File) error {
	inFd, outFd := int(in.Fd()), int(out.Fd())
	if !term.IsTerminal(inFd) || !term.IsTerminal(outFd) {
		return errors.New("attach needs an interactive terminal; use tail instead")
	}
	logger := newLogger(cfg, io.Discard)
	client := newClient(cfg)
	poll, handshake := viewerTiming(ctx, client, cfg, logger)
	resize := termbridge.TTYResize{Fd: outFd}

	v, err := viewer.New(taskID, viewer.Options{
		Dialer:           termbridge.WebsocketDialer{Endpoint: client},
		Fetcher:          client,
		Emulator:         termbridge.NewWriterEmulator(out),
		Resize:           resize,
		Size:             resize.Current(),
		PollInterval:     poll,
		HandshakeTimeout: handshake,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	closed := closedSignal(v)

	oldState, err := term.MakeRaw(inFd)
	if err != nil {
		return fmt.Errorf("set terminal raw mode: %w", err)
	}
	defer func() { _ = term.Restore(inFd, oldState) }()

	if err := v.Open(ctx); err != nil {
		v.Close()
		return err
	}

	detached := make(chan struct{})
	go pumpInput(in, v, detached)

	select {
	case <-ctx.Done():
	case <-detached:
	case <-closed:
	}
	v.Close()
	_ = term.Restore(inFd, oldState)
	fmt.Fprintf(out, "\r\n%s\n", v.Header())
	return nil
}

// pumpInput forwards keystrokes until the detach key or EOF.
func pumpInput(in io.Reader, v *viewer.View, detached chan<- struct{}) {
	defer close(detached)
	buf := make([]byte, 1024)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if i := bytes.IndexByte(chunk, detachKey); i >= 0 {
				if i > 0 {
					v.Input(chunk[:i])
				}
				return
			}
			v.Input(chunk)
		}
		if err != nil {
			return
		}
	}
}

func closedSignal(v *viewer.View) <-chan struct{} {
	ch := make(chan struct{})
	var once sync.Once
	v.OnStateChange(func(s termbridge.State) {
		if s == termbridge.StateClosed {
			once.Do(func() { close(ch) })
		}
	})
	return ch
}

func runTail(ctx context.Context, cfg config.Config, taskID string, size termbridge.Size, out io.Writer) error {
	logger := newLogger(cfg, io.Discard)
	client := newClient(cfg)
	poll, handshake := viewerTiming(ctx, client, cfg, logger)
	screen := termbridge.NewVTScreen(size)

	v, err := viewer.New(taskID, viewer.Options{
		Dialer:           termbridge.WebsocketDialer{Endpoint: client},
		Fetcher:          client,
		Emulator:         screen,
		Resize:           termbridge.NewManualResize(size),
		Size:             size,
		PollInterval:     poll,
		HandshakeTimeout: handshake,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	closed := closedSignal(v)
	if err := v.Open(ctx); err != nil {
		v.Close()
		return err
	}
	select {
	case <-ctx.Done():
	case <-closed:
		waitFinished(ctx, v, 2*poll+time.Second)
	}
	v.Close()

	fmt.Fprintf(out, "%s\n\n%s\n", screen.Text(), v.Header())
	return nil
}

// waitFinished gives the status poll a chance to observe the exit that
// ended the stream.
func waitFinished(ctx context.Context, v *viewer.View, limit time.Duration) {
	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if task, ok := v.Task(); ok && task.Status.Terminal() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-tick.C:
		}
	}
}
