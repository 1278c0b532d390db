package global

import (
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	configTOMLFileName = "config.toml"

	DefaultLocalPort           = 4621
	DefaultPollIntervalSeconds = 5
	DefaultHandshakeSeconds    = 10
	DefaultHistoryBytes        = 256 * 1024
)

// ViewerConfig tunes the terminal bridge on the viewing side.
type ViewerConfig struct {
	PollIntervalSeconds     int `json:"poll_interval_seconds" toml:"poll_interval_seconds"`
	HandshakeTimeoutSeconds int `json:"handshake_timeout_seconds" toml:"handshake_timeout_seconds"`
}

// TerminalConfig tunes the pty processes run by the server.
type TerminalConfig struct {
	HistoryBytes int `json:"history_bytes" toml:"history_bytes"`
}

type TaskCompletionConfig struct {
	NotifyEnabled bool   `json:"notify_enabled" toml:"notify_enabled"`
	NotifyCommand string `json:"notify_command" toml:"notify_command"`
}

type GlobalConfig struct {
	LocalPort      int                  `json:"local_port" toml:"local_port"`
	Viewer         ViewerConfig         `json:"viewer" toml:"viewer"`
	Terminal       TerminalConfig       `json:"terminal" toml:"terminal"`
	TaskCompletion TaskCompletionConfig `json:"task_completion" toml:"task_completion"`
}

// NotifyCommand returns the completion command when notification is on.
func (c GlobalConfig) NotifyCommand() string {
	if !c.TaskCompletion.NotifyEnabled {
		return ""
	}
	return c.TaskCompletion.NotifyCommand
}

type ConfigStore struct {
	dir string
}

func NewConfigStore(dir string) *ConfigStore {
	return &ConfigStore{dir: dir}
}

func (s *ConfigStore) Dir() string {
	return s.dir
}

func (s *ConfigStore) LoadOrInit() (GlobalConfig, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return GlobalConfig{}, err
	}

	path := filepath.Join(s.dir, configTOMLFileName)
	if b, err := os.ReadFile(path); err == nil {
		var cfg GlobalConfig
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return GlobalConfig{}, err
		}
		return normalizeConfig(cfg), nil
	} else if !os.IsNotExist(err) {
		return GlobalConfig{}, err
	}

	cfg := normalizeConfig(GlobalConfig{})
	if err := writeTOMLAtomically(path, cfg); err != nil {
		return GlobalConfig{}, err
	}
	return cfg, nil
}

func (s *ConfigStore) Save(cfg GlobalConfig) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	return writeTOMLAtomically(filepath.Join(s.dir, configTOMLFileName), normalizeConfig(cfg))
}

func normalizeConfig(cfg GlobalConfig) GlobalConfig {
	if cfg.LocalPort <= 0 {
		cfg.LocalPort = DefaultLocalPort
	}
	if cfg.Viewer.PollIntervalSeconds <= 0 {
		cfg.Viewer.PollIntervalSeconds = DefaultPollIntervalSeconds
	}
	if cfg.Viewer.HandshakeTimeoutSeconds <= 0 {
		cfg.Viewer.HandshakeTimeoutSeconds = DefaultHandshakeSeconds
	}
	if cfg.Terminal.HistoryBytes <= 0 {
		cfg.Terminal.HistoryBytes = DefaultHistoryBytes
	}
	cfg.TaskCompletion.NotifyCommand = strings.TrimSpace(cfg.TaskCompletion.NotifyCommand)
	if cfg.TaskCompletion.NotifyCommand == "" {
		cfg.TaskCompletion.NotifyEnabled = false
	}
	return cfg
}

func writeTOMLAtomically(path string, v any) error {
	b, err := toml.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
