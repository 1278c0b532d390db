package execenv

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"taskdeck/internal/protocol"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		req  protocol.LaunchRequest
		ok   bool
	}{
		{"shell ok", protocol.LaunchRequest{Name: "a", Command: "echo hi", EnvType: "shell"}, true},
		{"uv without env ok", protocol.LaunchRequest{Name: "a", Command: "pytest", EnvType: "uv"}, true},
		{"missing name", protocol.LaunchRequest{Command: "echo", EnvType: "shell"}, false},
		{"missing command", protocol.LaunchRequest{Name: "a", EnvType: "shell"}, false},
		{"missing env type", protocol.LaunchRequest{Name: "a", Command: "echo"}, false},
		{"conda needs env", protocol.LaunchRequest{Name: "a", Command: "python x.py", EnvType: "conda"}, false},
		{"unknown env", protocol.LaunchRequest{Name: "a", Command: "echo", EnvType: "docker"}, false},
	}
	for _, tc := range cases {
		err := Validate(tc.req)
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, protocol.ErrInvalidSpec) {
			t.Fatalf("%s: expected ErrInvalidSpec, got %v", tc.name, err)
		}
	}
}

func TestBuild_ShellWithArgs(t *testing.T) {
	cmd, err := Build(protocol.Task{EnvType: "shell", Command: `echo "$1"`, Args: []string{"hi"}, Cwd: "/tmp"})
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Path != "sh" || cmd.Dir != "/tmp" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
	want := []string{"-c", `echo "$1"`, "sh", "hi"}
	if !reflect.DeepEqual(cmd.Args, want) {
		t.Fatalf("unexpected args: %v", cmd.Args)
	}
}

func TestBuild_Conda(t *testing.T) {
	cmd, err := Build(protocol.Task{EnvType: "mamba", EnvName: "ml", Command: "python train.py"})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"run", "-n", "ml", "--no-capture-output", "sh", "-c", "python train.py"}
	if cmd.Path != "mamba" || !reflect.DeepEqual(cmd.Args, want) {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestBuild_JupyterPrependsInterpreterDir(t *testing.T) {
	dir := t.TempDir()
	spec := filepath.Join(dir, "kernel.json")
	if err := os.WriteFile(spec, []byte(`{"argv":["/opt/envs/ml/bin/python","-m","ipykernel_launcher"],"display_name":"ml","language":"python"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cmd, err := Build(protocol.Task{EnvType: "jupyter", EnvName: spec, Command: "python train.py"})
	if err != nil {
		t.Fatal(err)
	}
	if len(cmd.Env) != 1 || !strings.HasPrefix(cmd.Env[0], "PATH=/opt/envs/ml/bin") {
		t.Fatalf("unexpected env: %v", cmd.Env)
	}
}

func TestBuild_JupyterBadSpecIsLaunchFailure(t *testing.T) {
	_, err := Build(protocol.Task{EnvType: "jupyter", EnvName: filepath.Join(t.TempDir(), "missing.json"), Command: "x"})
	if !errors.Is(err, protocol.ErrLaunchFailed) {
		t.Fatalf("expected ErrLaunchFailed, got %v", err)
	}
}
