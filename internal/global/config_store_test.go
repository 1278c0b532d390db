package global

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigStore_LoadOrInit_CreatesDefaultFile(t *testing.T) {
	dir := t.TempDir()
	store := NewConfigStore(dir)

	cfg, err := store.LoadOrInit()
	if err != nil {
		t.Fatalf("LoadOrInit failed: %v", err)
	}
	if cfg.LocalPort != 4621 {
		t.Fatalf("expected default local port 4621, got %d", cfg.LocalPort)
	}
	if cfg.Viewer.PollIntervalSeconds != 5 || cfg.Viewer.HandshakeTimeoutSeconds != 10 {
		t.Fatalf("unexpected viewer defaults: %+v", cfg.Viewer)
	}
	if cfg.Terminal.HistoryBytes != 256*1024 {
		t.Fatalf("unexpected history default: %d", cfg.Terminal.HistoryBytes)
	}

	b, err := os.ReadFile(filepath.Join(dir, "config.toml"))
	if err != nil {
		t.Fatalf("read config.toml failed: %v", err)
	}
	text := string(b)
	for _, want := range []string{"local_port = 4621", "[viewer]", "[terminal]", "[task_completion]", "notify_enabled = false"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in toml, got: %s", want, text)
		}
	}
}

func TestConfigStore_SaveRoundTripsNotify(t *testing.T) {
	store := NewConfigStore(t.TempDir())
	cfg, err := store.LoadOrInit()
	if err != nil {
		t.Fatalf("LoadOrInit failed: %v", err)
	}
	cfg.TaskCompletion = TaskCompletionConfig{NotifyEnabled: true, NotifyCommand: "  say done  "}
	if err := store.Save(cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := store.LoadOrInit()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if got.NotifyCommand() != "say done" {
		t.Fatalf("expected trimmed notify command, got %q", got.NotifyCommand())
	}
}

func TestConfigStore_EmptyCommandDisablesNotify(t *testing.T) {
	store := NewConfigStore(t.TempDir())
	if err := store.Save(GlobalConfig{TaskCompletion: TaskCompletionConfig{NotifyEnabled: true}}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := store.LoadOrInit()
	if err != nil {
		t.Fatalf("LoadOrInit failed: %v", err)
	}
	if got.TaskCompletion.NotifyEnabled {
		t.Fatalf("notify should be disabled without a command")
	}
}

func TestConfigStore_InvalidTOML(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte("local_port = ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewConfigStore(dir).LoadOrInit(); err == nil {
		t.Fatalf("expected parse error")
	}
}
