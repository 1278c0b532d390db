package appserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"taskdeck/internal/localapi"
)

type WebUIConfig struct {
	Mode        string
	DevProxyURL string
	DistDir     string
}

type Deps struct {
	LocalAPI       localapi.Deps
	LocalAPIHandle http.Handler
	WebUI          WebUIConfig
}

type Server struct {
	local http.Handler
	webui http.Handler
}

func NewServer(deps Deps) (*Server, error) {
	webui, err := newWebUIHandler(deps.WebUI)
	if err != nil {
		return nil, err
	}
	local := deps.LocalAPIHandle
	if local == nil {
		if deps.LocalAPI.Tasks == nil {
			return nil, errors.New("local api requires a task service")
		}
		local = localapi.NewServer(deps.LocalAPI).Handler()
	}
	return &Server{local: local, webui: webui}, nil
}

func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveHTTP)
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Path
	switch {
	case p == "/healthz" || p == "/api" || strings.HasPrefix(p, "/api/"):
		s.local.ServeHTTP(w, r)
	default:
		s.webui.ServeHTTP(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func routeError(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
