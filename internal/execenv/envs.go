// Package execenv turns a task's declared environment into the concrete
// program, arguments and environment overrides used to spawn it.
package execenv

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"taskdeck/internal/protocol"
)

// Command is a resolved spawn request.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

type kernelSpec struct {
	Argv        []string `json:"argv"`
	DisplayName string   `json:"display_name"`
	Language    string   `json:"language"`
}

// Validate checks the fields a launch request needs for its env type.
func Validate(req protocol.LaunchRequest) error {
	if req.Name == "" {
		return fmt.Errorf("name is required: %w", protocol.ErrInvalidSpec)
	}
	if req.Command == "" {
		return fmt.Errorf("command is required: %w", protocol.ErrInvalidSpec)
	}
	switch req.EnvType {
	case protocol.EnvShell, protocol.EnvUV:
	case protocol.EnvConda, protocol.EnvMamba, protocol.EnvMicromamba, protocol.EnvJupyter:
		if req.EnvName == "" {
			return fmt.Errorf("env_name is required for %s: %w", req.EnvType, protocol.ErrInvalidSpec)
		}
	case "":
		return fmt.Errorf("env_type is required: %w", protocol.ErrInvalidSpec)
	default:
		return fmt.Errorf("unknown env_type %q: %w", req.EnvType, protocol.ErrInvalidSpec)
	}
	return nil
}

// Build resolves the command line for a task. Every env type wraps the user
// command in `sh -c` so pipes and redirects keep working; extra args are
// appended as positional parameters ($1...).
func Build(task protocol.Task) (Command, error) {
	script := []string{"-c", task.Command}
	if len(task.Args) > 0 {
		script = append(script, "sh")
		script = append(script, task.Args...)
	}
	cmd := Command{Dir: task.Cwd}
	switch task.EnvType {
	case protocol.EnvShell, "":
		cmd.Path = "sh"
		cmd.Args = script
	case protocol.EnvConda, protocol.EnvMamba, protocol.EnvMicromamba:
		if task.EnvName == "" {
			return Command{}, fmt.Errorf("environment name required for %s: %w", task.EnvType, protocol.ErrLaunchFailed)
		}
		cmd.Path = task.EnvType
		cmd.Args = append([]string{"run", "-n", task.EnvName, "--no-capture-output", "sh"}, script...)
	case protocol.EnvUV:
		cmd.Path = "uv"
		cmd.Args = append([]string{"run", "sh"}, script...)
	case protocol.EnvJupyter:
		binDir, err := kernelBinDir(task.EnvName)
		if err != nil {
			return Command{}, err
		}
		cmd.Path = "sh"
		cmd.Args = script
		cmd.Env = []string{"PATH=" + binDir + string(os.PathListSeparator) + os.Getenv("PATH")}
	default:
		return Command{}, fmt.Errorf("unknown environment type %q: %w", task.EnvType, protocol.ErrLaunchFailed)
	}
	return cmd, nil
}

// kernelBinDir reads a Jupyter kernel.json and returns the directory of its
// interpreter so it can lead PATH.
func kernelBinDir(specPath string) (string, error) {
	specPath = strings.TrimSpace(specPath)
	if specPath == "" {
		return "", fmt.Errorf("kernel spec path required: %w", protocol.ErrLaunchFailed)
	}
	raw, err := os.ReadFile(specPath)
	if err != nil {
		return "", fmt.Errorf("read kernel spec: %v: %w", err, protocol.ErrLaunchFailed)
	}
	var spec kernelSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return "", fmt.Errorf("parse kernel spec: %v: %w", err, protocol.ErrLaunchFailed)
	}
	if len(spec.Argv) == 0 || strings.TrimSpace(spec.Argv[0]) == "" {
		return "", fmt.Errorf("empty argv in kernel spec: %w", protocol.ErrLaunchFailed)
	}
	dir := filepath.Dir(spec.Argv[0])
	if dir == "." || dir == "" {
		return "", errors.Join(protocol.ErrLaunchFailed, fmt.Errorf("kernel interpreter %q has no directory", spec.Argv[0]))
	}
	return dir, nil
}
