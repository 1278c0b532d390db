package protocol

import (
	"strings"
	"time"
)

type TaskStatus string

const (
	StatusCreated   TaskStatus = "Created"
	StatusRunning   TaskStatus = "Running"
	StatusCompleted TaskStatus = "Completed"
	StatusFailed    TaskStatus = "Failed"
)

// Terminal reports whether no further status transition can happen.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

const (
	EnvShell      = "shell"
	EnvConda      = "conda"
	EnvMamba      = "mamba"
	EnvMicromamba = "micromamba"
	EnvUV         = "uv"
	EnvJupyter    = "jupyter"
)

const (
	SourceLaunch = "launch"
	SourceAttach = "attach"
)

// Task is the wire form of a tracked unit of remote execution.
type Task struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Command   string     `json:"command"`
	Args      []string   `json:"args"`
	EnvType   string     `json:"env_type"`
	EnvName   string     `json:"env_name,omitempty"`
	Cwd       string     `json:"cwd"`
	Status    TaskStatus `json:"status"`
	Source    string     `json:"source"`
	PID       *int       `json:"pid,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// LaunchRequest is the body of POST /tasks.
type LaunchRequest struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	EnvType string   `json:"env_type"`
	EnvName string   `json:"env_name,omitempty"`
	Cwd     string   `json:"cwd,omitempty"`
	Args    []string `json:"args"`
	Start   bool     `json:"start,omitempty"`
}

// Normalize trims every field and fills defaults that do not affect validity.
func (r LaunchRequest) Normalize() LaunchRequest {
	r.Name = strings.TrimSpace(r.Name)
	r.Command = strings.TrimSpace(r.Command)
	r.EnvType = strings.ToLower(strings.TrimSpace(r.EnvType))
	r.EnvName = strings.TrimSpace(r.EnvName)
	r.Cwd = strings.TrimSpace(r.Cwd)
	if r.Cwd == "" {
		r.Cwd = "."
	}
	if r.Args == nil {
		r.Args = []string{}
	}
	return r
}

// AttachRequest is the body of POST /tasks/attach.
type AttachRequest struct {
	PID  int    `json:"pid"`
	Name string `json:"name"`
}
