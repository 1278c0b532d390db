package localapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"taskdeck/internal/protocol"
)

func (s *Server) registerTaskRoutes() {
	s.mux.HandleFunc("/api/tasks", s.handleTasks)
	s.mux.HandleFunc("/api/tasks/", s.handleTaskActions)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tasks, err := s.deps.Tasks.List(r.Context())
		if err != nil {
			respondErr(w, err)
			return
		}
		if tasks == nil {
			tasks = []protocol.Task{}
		}
		respondOK(w, tasks)
	case http.MethodPost:
		var req protocol.LaunchRequest
		if err := decodeBody(r, &req); err != nil {
			respondErr(w, err)
			return
		}
		task, err := s.deps.Tasks.Launch(r.Context(), req)
		if err != nil {
			s.logger.Info("launch rejected", "name", req.Name, "err", err)
			respondErr(w, err)
			return
		}
		respondOK(w, task)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleTaskActions(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/tasks/"), "/"), "/")
	if len(parts) == 1 && parts[0] == "attach" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleAttach(w, r)
		return
	}
	if len(parts) == 0 || parts[0] == "" || len(parts) > 2 {
		respondError(w, http.StatusNotFound, protocol.CodeNotFound, "route not found")
		return
	}
	taskID := parts[0]
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		task, err := s.deps.Tasks.Get(r.Context(), taskID)
		if err != nil {
			respondErr(w, err)
			return
		}
		respondOK(w, task)
		return
	}

	switch parts[1] {
	case "start":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		task, err := s.deps.Tasks.Start(r.Context(), taskID)
		if err != nil {
			respondErr(w, err)
			return
		}
		respondOK(w, task)
	case "stop":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		if err := s.deps.Tasks.Stop(r.Context(), taskID); err != nil {
			respondErr(w, err)
			return
		}
		respondOK(w, map[string]any{"task_id": taskID, "stopping": true})
	case "pty":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handlePTY(w, r, taskID)
	default:
		respondError(w, http.StatusNotFound, protocol.CodeNotFound, "route not found")
	}
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	var req protocol.AttachRequest
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	task, err := s.deps.Tasks.Attach(r.Context(), req)
	if err != nil {
		s.logger.Info("attach rejected", "pid", req.PID, "err", err)
		respondErr(w, err)
		return
	}
	respondOK(w, task)
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decode request body: %v: %w", err, protocol.ErrInvalidSpec)
	}
	return nil
}
