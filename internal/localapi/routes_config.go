package localapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"taskdeck/internal/global"
)

type configResponse struct {
	LocalPort      int                         `json:"local_port"`
	Viewer         global.ViewerConfig         `json:"viewer"`
	Terminal       global.TerminalConfig       `json:"terminal"`
	TaskCompletion global.TaskCompletionConfig `json:"task_completion"`
}

func buildConfigResponse(cfg global.GlobalConfig) configResponse {
	return configResponse{
		LocalPort:      cfg.LocalPort,
		Viewer:         cfg.Viewer,
		Terminal:       cfg.Terminal,
		TaskCompletion: cfg.TaskCompletion,
	}
}

func (s *Server) registerConfigRoutes() {
	s.mux.HandleFunc("/api/config", s.handleConfig)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if s.deps.ConfigStore == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "config store is unavailable")
		return
	}
	switch r.Method {
	case http.MethodGet:
		cfg, err := s.deps.ConfigStore.LoadOrInit()
		if err != nil {
			respondError(w, http.StatusInternalServerError, "CONFIG_LOAD_FAILED", err.Error())
			return
		}
		respondOK(w, buildConfigResponse(cfg))
	case http.MethodPatch:
		var req struct {
			LocalPort *int `json:"local_port"`
			Viewer    *struct {
				PollIntervalSeconds     *int `json:"poll_interval_seconds"`
				HandshakeTimeoutSeconds *int `json:"handshake_timeout_seconds"`
			} `json:"viewer"`
			Terminal *struct {
				HistoryBytes *int `json:"history_bytes"`
			} `json:"terminal"`
			TaskCompletion *struct {
				NotifyEnabled *bool   `json:"notify_enabled"`
				NotifyCommand *string `json:"notify_command"`
			} `json:"task_completion"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
			return
		}
		cfg, err := s.deps.ConfigStore.LoadOrInit()
		if err != nil {
			respondError(w, http.StatusInternalServerError, "CONFIG_LOAD_FAILED", err.Error())
			return
		}
		if req.LocalPort != nil {
			cfg.LocalPort = *req.LocalPort
		}
		if req.Viewer != nil {
			if req.Viewer.PollIntervalSeconds != nil {
				cfg.Viewer.PollIntervalSeconds = *req.Viewer.PollIntervalSeconds
			}
			if req.Viewer.HandshakeTimeoutSeconds != nil {
				cfg.Viewer.HandshakeTimeoutSeconds = *req.Viewer.HandshakeTimeoutSeconds
			}
		}
		if req.Terminal != nil && req.Terminal.HistoryBytes != nil {
			cfg.Terminal.HistoryBytes = *req.Terminal.HistoryBytes
		}
		if req.TaskCompletion != nil {
			if req.TaskCompletion.NotifyEnabled != nil {
				cfg.TaskCompletion.NotifyEnabled = *req.TaskCompletion.NotifyEnabled
			}
			if req.TaskCompletion.NotifyCommand != nil {
				cfg.TaskCompletion.NotifyCommand = strings.TrimSpace(*req.TaskCompletion.NotifyCommand)
			}
		}
		if err := s.deps.ConfigStore.Save(cfg); err != nil {
			respondError(w, http.StatusInternalServerError, "CONFIG_SAVE_FAILED", err.Error())
			return
		}
		saved, err := s.deps.ConfigStore.LoadOrInit()
		if err != nil {
			respondError(w, http.StatusInternalServerError, "CONFIG_LOAD_FAILED", err.Error())
			return
		}
		respondOK(w, buildConfigResponse(saved))
	default:
		methodNotAllowed(w)
	}
}
