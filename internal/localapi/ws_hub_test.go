package localapi

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"taskdeck/internal/protocol"
)

func TestWSHub(t *testing.T) {
	srv := NewServer(Deps{Tasks: newFakeTaskService()})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	deadline := time.Now().Add(3 * time.Second)
	for srv.hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("hub never registered the client")
		}
		time.Sleep(10 * time.Millisecond)
	}

	srv.PublishEvent("task.status", "t1", map[string]any{"status": "Completed"})
	_, msg, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read ws failed: %v", err)
	}
	var evt protocol.Message
	if err := json.Unmarshal(msg, &evt); err != nil {
		t.Fatalf("decode ws event failed: %v", err)
	}
	if evt.Type != "event" || evt.Op != "task.status" {
		t.Fatalf("unexpected event %+v", evt)
	}
	var payload map[string]any
	_ = json.Unmarshal(evt.Payload, &payload)
	if payload["task_id"] != "t1" || payload["status"] != "Completed" {
		t.Fatalf("unexpected payload %v", payload)
	}
}
