package tasks

import (
	"context"
	"strings"
	"testing"
	"time"

	"taskdeck/internal/global"
	"taskdeck/internal/protocol"
)

type staticSettings struct {
	cfg global.GlobalConfig
}

func (s staticSettings) LoadOrInit() (global.GlobalConfig, error) { return s.cfg, nil }

func notifyConfig(enabled bool, command string) staticSettings {
	return staticSettings{cfg: global.GlobalConfig{TaskCompletion: global.TaskCompletionConfig{NotifyEnabled: enabled, NotifyCommand: command}}}
}

func TestNotifier_SkipsWhenDisabled(t *testing.T) {
	for _, settings := range []staticSettings{notifyConfig(false, "say done"), notifyConfig(true, "  ")} {
		n := NewNotifier(settings, nil)
		called := make(chan struct{}, 1)
		n.run = func(context.Context, string, []string) error {
			called <- struct{}{}
			return nil
		}
		n.TaskFinished(protocol.Task{ID: "t1", Status: protocol.StatusCompleted})
		select {
		case <-called:
			t.Fatalf("command should not run for %+v", settings.cfg.TaskCompletion)
		case <-time.After(100 * time.Millisecond):
		}
	}

	var nilNotifier *Notifier
	nilNotifier.TaskFinished(protocol.Task{ID: "t1"})
}

func TestNotifier_PassesTaskEnv(t *testing.T) {
	n := NewNotifier(notifyConfig(true, "notify-send done"), nil)
	got := make(chan []string, 1)
	n.run = func(_ context.Context, command string, env []string) error {
		if command != "notify-send done" {
			t.Errorf("unexpected command %q", command)
		}
		got <- env
		return nil
	}
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ended := started.Add(90 * time.Second)
	code := 2
	n.TaskFinished(protocol.Task{
		ID: "t1", Name: "train", Command: "python train.py",
		Status: protocol.StatusFailed, ExitCode: &code,
		StartedAt: &started, EndedAt: &ended,
	})

	select {
	case env := <-got:
		joined := strings.Join(env, "\n")
		for _, want := range []string{
			"TASKDECK_TASK_ID=t1",
			"TASKDECK_TASK_STATUS=Failed",
			"TASKDECK_TASK_EXIT_CODE=2",
			"TASKDECK_TASK_DURATION_SECONDS=90",
		} {
			if !strings.Contains(joined, want) {
				t.Fatalf("missing %q in env:\n%s", want, joined)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notify command was not run")
	}
}
