package localapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"taskdeck/internal/global"
	"taskdeck/internal/protocol"
	"taskdeck/internal/ptyexec"
)

type ConfigStore interface {
	LoadOrInit() (global.GlobalConfig, error)
	Save(cfg global.GlobalConfig) error
}

type TaskService interface {
	List(ctx context.Context) ([]protocol.Task, error)
	Get(ctx context.Context, id string) (protocol.Task, error)
	Launch(ctx context.Context, req protocol.LaunchRequest) (protocol.Task, error)
	Attach(ctx context.Context, req protocol.AttachRequest) (protocol.Task, error)
	Start(ctx context.Context, id string) (protocol.Task, error)
	Stop(ctx context.Context, id string) error
}

// Terminal is the pty side of a launched task as seen by a viewer.
type Terminal interface {
	Subscribe() *ptyexec.Subscription
	Write(data []byte) error
	Resize(cols, rows int) error
}

type TerminalSource interface {
	Terminal(taskID string) (Terminal, error)
}

type Deps struct {
	ConfigStore ConfigStore
	Tasks       TaskService
	Terminals   TerminalSource
	// APIToken, when set, must be presented as a bearer token on /api routes.
	APIToken string
	Logger   *slog.Logger
}

type Server struct {
	deps   Deps
	mux    *http.ServeMux
	hub    *WSHub
	logger *slog.Logger
}

func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{deps: deps, mux: http.NewServeMux(), hub: NewWSHub(), logger: logger}
	s.registerConfigRoutes()
	s.registerTaskRoutes()
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/api/ws", s.hub.HandleWS)
	return s
}

func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") && !s.authorized(r) {
			respondError(w, http.StatusUnauthorized, protocol.CodeUnauthorized, "missing or invalid api token")
			return
		}
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		s.mux.ServeHTTP(w, r.WithContext(ctx))
	})
}

// PublishEvent pushes an event to every /api/ws subscriber.
func (s *Server) PublishEvent(topic, taskID string, payload map[string]any) {
	if s == nil || s.hub == nil {
		return
	}
	s.hub.Publish(topic, taskID, payload)
}

func (s *Server) authorized(r *http.Request) bool {
	want := strings.TrimSpace(s.deps.APIToken)
	if want == "" {
		return true
	}
	got := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		got = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	} else {
		// Browsers cannot set headers on a websocket upgrade.
		got = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondOK(w, map[string]any{"status": "ok"})
}

func respondOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": data})
}

func respondError(w http.ResponseWriter, code int, errCode string, msg string) {
	writeJSON(w, code, map[string]any{"ok": false, "error": map[string]any{"code": errCode, "message": msg}})
}

// respondErr maps a service error to its wire code.
func respondErr(w http.ResponseWriter, err error) {
	code, status := protocol.CodeOf(err)
	respondError(w, status, code, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func methodNotAllowed(w http.ResponseWriter) {
	respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
}
