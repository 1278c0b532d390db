package appserver

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"taskdeck/internal/global"
	"taskdeck/internal/localapi"
	"taskdeck/internal/protocol"
)

type emptyTasks struct{}

func (emptyTasks) List(context.Context) ([]protocol.Task, error) { return nil, nil }
func (emptyTasks) Get(_ context.Context, id string) (protocol.Task, error) {
	return protocol.Task{}, protocol.ErrNotFound
}
func (emptyTasks) Launch(context.Context, protocol.LaunchRequest) (protocol.Task, error) {
	return protocol.Task{}, protocol.ErrInvalidSpec
}
func (emptyTasks) Attach(context.Context, protocol.AttachRequest) (protocol.Task, error) {
	return protocol.Task{}, protocol.ErrProcessNotFound
}
func (emptyTasks) Start(context.Context, string) (protocol.Task, error) {
	return protocol.Task{}, protocol.ErrNotFound
}
func (emptyTasks) Stop(context.Context, string) error { return protocol.ErrNotFound }

func makeDeps(t *testing.T) Deps {
	return Deps{
		LocalAPI: localapi.Deps{
			ConfigStore: global.NewConfigStore(t.TempDir()),
			Tasks:       emptyTasks{},
		},
		WebUI: WebUIConfig{Mode: "dev", DevProxyURL: "http://127.0.0.1:15173"},
	}
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode, string(body)
}

func TestServer_DevProxy_ForRootPath(t *testing.T) {
	vite := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("vite-dev-ok"))
	}))
	defer vite.Close()

	deps := makeDeps(t)
	deps.WebUI.DevProxyURL = vite.URL
	srv, err := NewServer(deps)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	if _, body := get(t, ts.URL+"/"); !strings.Contains(body, "vite-dev-ok") {
		t.Fatalf("expected dev proxy body, got %s", body)
	}
}

func TestServer_LocalAPIRoutes(t *testing.T) {
	srv, err := NewServer(makeDeps(t))
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	if code, _ := get(t, ts.URL+"/api/config"); code != http.StatusOK {
		t.Fatalf("expected 200 from config route, got %d", code)
	}
	if code, body := get(t, ts.URL+"/api/tasks"); code != http.StatusOK || !strings.Contains(body, `"data":[]`) {
		t.Fatalf("expected empty task list, got %d %s", code, body)
	}
	if code, body := get(t, ts.URL+"/api/tasks/nope"); code != http.StatusNotFound || !strings.Contains(body, protocol.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %d %s", code, body)
	}
	if code, _ := get(t, ts.URL+"/healthz"); code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", code)
	}
}

func TestServer_WebUIOffByDefault(t *testing.T) {
	deps := makeDeps(t)
	deps.WebUI = WebUIConfig{}
	srv, err := NewServer(deps)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	if code, _ := get(t, ts.URL+"/"); code != http.StatusNotFound {
		t.Fatalf("expected 404 with web ui off, got %d", code)
	}
}

func TestServer_RejectsUnknownWebUIMode(t *testing.T) {
	deps := makeDeps(t)
	deps.WebUI.Mode = "cdn"
	if _, err := NewServer(deps); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestServer_RequiresTaskService(t *testing.T) {
	if _, err := NewServer(Deps{}); err == nil {
		t.Fatal("expected error without task service")
	}
}

func TestServer_ProdStaticFallbackToIndex(t *testing.T) {
	dist := t.TempDir()
	if err := os.WriteFile(filepath.Join(dist, "index.html"), []byte("<html>index</html>"), 0o644); err != nil {
		t.Fatalf("write index failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dist, "main.js"), []byte("console.log('ok')"), 0o644); err != nil {
		t.Fatalf("write main.js failed: %v", err)
	}

	deps := makeDeps(t)
	deps.WebUI.Mode = "prod"
	deps.WebUI.DistDir = dist
	srv, err := NewServer(deps)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	if _, body := get(t, ts.URL+"/unknown/path"); !strings.Contains(body, "index") {
		t.Fatalf("expected index fallback, got %s", body)
	}
	if _, body := get(t, ts.URL+"/main.js"); !strings.Contains(body, "console.log") {
		t.Fatalf("expected asset, got %s", body)
	}
}
