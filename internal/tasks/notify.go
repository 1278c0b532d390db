package tasks

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"taskdeck/internal/global"
	"taskdeck/internal/protocol"
)

// SettingsSource is read on every dispatch so edits to config.toml apply
// without a restart.
type SettingsSource interface {
	LoadOrInit() (global.GlobalConfig, error)
}

// Notifier runs the configured completion command when a task finishes.
type Notifier struct {
	settings SettingsSource
	timeout  time.Duration
	logger   *slog.Logger
	run      func(ctx context.Context, command string, env []string) error
}

func NewNotifier(settings SettingsSource, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Notifier{
		settings: settings,
		timeout:  45 * time.Second,
		logger:   logger,
		run:      runShellCommand,
	}
}

func (n *Notifier) command() string {
	if n == nil || n.settings == nil {
		return ""
	}
	cfg, err := n.settings.LoadOrInit()
	if err != nil {
		n.logger.Warn("load notify settings failed", "err", err)
		return ""
	}
	return strings.TrimSpace(cfg.NotifyCommand())
}

// TaskFinished fires the command in the background.
func (n *Notifier) TaskFinished(task protocol.Task) {
	command := n.command()
	if command == "" {
		return
	}
	env := notifyEnv(task)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		if err := n.run(ctx, command, env); err != nil {
			n.logger.Warn("task completion notify failed", "task_id", task.ID, "err", err)
			return
		}
		n.logger.Info("task completion notified", "task_id", task.ID, "status", task.Status)
	}()
}

func notifyEnv(task protocol.Task) []string {
	exitCode := ""
	if task.ExitCode != nil {
		exitCode = strconv.Itoa(*task.ExitCode)
	}
	endedAt := ""
	if task.EndedAt != nil {
		endedAt = task.EndedAt.Format(time.RFC3339)
	}
	duration := ""
	if task.StartedAt != nil && task.EndedAt != nil {
		duration = strconv.Itoa(int(task.EndedAt.Sub(*task.StartedAt).Seconds()))
	}
	return []string{
		"TASKDECK_TASK_ID=" + task.ID,
		"TASKDECK_TASK_NAME=" + task.Name,
		"TASKDECK_TASK_STATUS=" + string(task.Status),
		"TASKDECK_TASK_COMMAND=" + task.Command,
		"TASKDECK_TASK_EXIT_CODE=" + exitCode,
		"TASKDECK_TASK_ENDED_AT=" + endedAt,
		"TASKDECK_TASK_DURATION_SECONDS=" + duration,
	}
}

func runShellCommand(ctx context.Context, command string, env []string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = append(os.Environ(), env...)
	_, err := cmd.CombinedOutput()
	return err
}
