package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"taskdeck/internal/appserver"
	"taskdeck/internal/db"
	"taskdeck/internal/global"
	"taskdeck/internal/lifecycle"
	"taskdeck/internal/localapi"
	"taskdeck/internal/ptyexec"
	"taskdeck/internal/tasks"
	"taskdeck/internal/taskstore"
	"taskdeck/internal/telemetry"
)

const defaultLocalPort = 4621

type Application struct {
	localAPIBaseURL string
	dbDSN           string
	dataDir         string
	tasks           *tasks.Service
	runFn           func(context.Context) error
	shutdownFn      func(context.Context) error
}

// StartApplication wires the task server: settings, database, process
// manager, task service and HTTP surface. Nothing listens until Run.
func StartApplication(ctx context.Context, opts StartOptions) (*Application, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	configDir := strings.TrimSpace(opts.ConfigDir)
	if configDir == "" {
		return nil, fmt.Errorf("config dir is required")
	}
	cfgStore := global.NewConfigStore(configDir)
	settings, err := cfgStore.LoadOrInit()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	dataDir := strings.TrimSpace(opts.DataDir)
	if dataDir == "" {
		dataDir = configDir
	}
	dsn := strings.TrimSpace(opts.DBDSN)
	if dsn == "" {
		dsn = filepath.Join(dataDir, "taskdeck.db")
	}
	gdb, err := db.OpenSQLite(dsn)
	if err != nil {
		return nil, fmt.Errorf("open task db: %w", err)
	}
	store, err := taskstore.NewStore(gdb)
	if err != nil {
		_ = db.Close(gdb)
		return nil, err
	}

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "taskdeck",
		ServiceVersion: opts.Version,
		OTLPEndpoint:   strings.TrimSpace(opts.OTLPEndpoint),
	})
	if err != nil {
		_ = db.Close(gdb)
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	var svc *tasks.Service
	procs := ptyexec.NewManager(ptyexec.Options{
		LogDir:       filepath.Join(dataDir, "logs"),
		HistoryBytes: settings.Terminal.HistoryBytes,
		Logger:       logger.With("component", "ptyexec"),
		OnExit: func(exit ptyexec.Exit) {
			svc.HandleExit(exit)
		},
	})

	var localServer *localapi.Server
	svc, err = tasks.NewService(tasks.Deps{
		Store:  store,
		Runner: procs,
		Events: func(topic, taskID string, payload map[string]any) {
			localServer.PublishEvent(topic, taskID, payload)
		},
		Notifier: tasks.NewNotifier(cfgStore, logger.With("component", "notify")),
		Logger:   logger.With("component", "tasks"),
		Tracer:   otel.Tracer("taskdeck/tasks"),
	})
	if err != nil {
		_ = shutdownTracing(ctx)
		_ = db.Close(gdb)
		return nil, err
	}
	localServer = localapi.NewServer(localapi.Deps{
		ConfigStore: cfgStore,
		Tasks:       svc,
		Terminals:   localapi.Processes(procs),
		APIToken:    strings.TrimSpace(opts.APIToken),
		Logger:      logger.With("component", "localapi"),
	})
	server, err := appserver.NewServer(appserver.Deps{
		LocalAPIHandle: localServer.Handler(),
		WebUI: appserver.WebUIConfig{
			Mode:        strings.TrimSpace(opts.WebUI.Mode),
			DevProxyURL: strings.TrimSpace(opts.WebUI.DevProxyURL),
			DistDir:     strings.TrimSpace(opts.WebUI.DistDir),
		},
	})
	if err != nil {
		_ = shutdownTracing(ctx)
		_ = db.Close(gdb)
		return nil, err
	}

	if err := svc.ResumeMonitors(ctx); err != nil {
		logger.Warn("resume attached task monitors failed", "err", err)
	}

	host := strings.TrimSpace(opts.LocalHost)
	if host == "" {
		host = "127.0.0.1"
	}
	port := opts.LocalPort
	if port <= 0 {
		port = settings.LocalPort
	}
	if port <= 0 {
		port = defaultLocalPort
	}
	addr := fmt.Sprintf("%s:%d", host, port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	shutdownHTTP := func(context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	var releaseOnce sync.Once
	var releaseErr error
	release := func(ctx context.Context) error {
		releaseOnce.Do(func() {
			releaseErr = errors.Join(procs.Close(), db.Close(gdb), shutdownTracing(ctx))
		})
		return releaseErr
	}

	mgr := lifecycle.NewManager(logger.With("component", "lifecycle"))
	mgr.AddRun("http-server", func(runCtx context.Context) error {
		go func() {
			<-runCtx.Done()
			_ = shutdownHTTP(context.Background())
		}()
		logger.Info("taskdeck server listening", "addr", addr)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	mgr.AddShutdown("release-resources", release)
	mgr.AddShutdown("http-server-shutdown", shutdownHTTP)

	return &Application{
		localAPIBaseURL: fmt.Sprintf("http://%s", addr),
		dbDSN:           dsn,
		dataDir:         dataDir,
		tasks:           svc,
		runFn: func(ctx context.Context) error {
			return mgr.StartAndWait(ctx)
		},
		shutdownFn: func(ctx context.Context) error {
			return errors.Join(shutdownHTTP(ctx), release(ctx))
		},
	}, nil
}

func (a *Application) LocalAPIBaseURL() string {
	if a == nil {
		return ""
	}
	return strings.TrimSpace(a.localAPIBaseURL)
}

func (a *Application) DBDSN() string {
	if a == nil {
		return ""
	}
	return strings.TrimSpace(a.dbDSN)
}

func (a *Application) DataDir() string {
	if a == nil {
		return ""
	}
	return a.dataDir
}

func (a *Application) Tasks() *tasks.Service {
	if a == nil {
		return nil
	}
	return a.tasks
}

func (a *Application) Run(ctx context.Context) error {
	if a == nil || a.runFn == nil {
		return nil
	}
	return a.runFn(ctx)
}

func (a *Application) Shutdown(ctx context.Context) error {
	if a == nil || a.shutdownFn == nil {
		return nil
	}
	return a.shutdownFn(ctx)
}
