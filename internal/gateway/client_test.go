package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeGateway runs the server side of the protocol: challenge, connect
// handshake, then canned responses per method.
func fakeGateway(t *testing.T, events chan map[string]any) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var writeMu sync.Mutex
		write := func(v any) error {
			writeMu.Lock()
			defer writeMu.Unlock()
			return conn.WriteJSON(v)
		}

		_ = write(map[string]any{"type": "event", "event": "connect.challenge"})

		var connect map[string]any
		if err := conn.ReadJSON(&connect); err != nil {
			return
		}
		if connect["method"] != "connect" {
			t.Errorf("first request method = %v", connect["method"])
			return
		}
		_ = write(map[string]any{
			"type": "res", "id": connect["id"], "ok": true,
			"payload": map[string]any{"server": map[string]any{"version": "test"}},
		})

		go func() {
			for ev := range events {
				if write(ev) != nil {
					return
				}
			}
		}()

		for {
			var req map[string]any
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			res := map[string]any{"type": "res", "id": req["id"], "ok": true}
			switch req["method"] {
			case "sessions.list":
				res["payload"] = map[string]any{"sessions": []map[string]any{
					{"key": "agent:main:main", "kind": "agent", "displayName": "Main"},
				}}
			case "chat.send":
				res["payload"] = map[string]any{}
			case "chat.abort":
				res["ok"] = false
				res["error"] = map[string]any{"code": "no_run", "message": "nothing running"}
			case "chat.history":
				res["payload"] = map[string]any{"messages": []map[string]any{
					{"role": "user", "content": "do the thing"},
					{"role": "assistant", "content": "on it"},
				}}
			default:
				res["payload"] = map[string]any{}
			}
			_ = write(res)
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitConnected(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !c.Connected() {
		if time.Now().After(deadline) {
			t.Fatalf("client never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClient_HandshakeAndRequests(t *testing.T) {
	events := make(chan map[string]any)
	defer close(events)
	srv := fakeGateway(t, events)
	defer srv.Close()

	c := NewClient(Config{URL: wsURL(srv), Token: "secret", RequestTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	waitConnected(t, c)

	sessions, err := c.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Key != "agent:main:main" {
		t.Fatalf("sessions = %+v", sessions)
	}

	if err := c.SendMessage(ctx, "agent:main:main", "do the thing"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	history, err := c.GetHistory(ctx, "agent:main:main", 10)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history) != 2 || history[1]["content"] != "on it" {
		t.Fatalf("history = %+v", history)
	}

	if err := c.AbortRun(ctx, "agent:main:main"); err == nil {
		t.Fatalf("expected abort error")
	} else if !strings.Contains(err.Error(), "nothing running") {
		t.Fatalf("abort error = %v", err)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
}

func TestClient_DispatchesAgentEvents(t *testing.T) {
	events := make(chan map[string]any)
	defer close(events)
	srv := fakeGateway(t, events)
	defer srv.Close()

	c := NewClient(Config{URL: wsURL(srv)})
	got := make(chan Event, 1)
	c.OnEvent = func(ev Event) { got <- ev }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()
	waitConnected(t, c)

	raw, _ := json.Marshal(map[string]any{
		"stream": "lifecycle", "runId": "r9", "sessionKey": "agent:main:main",
		"data": map[string]any{"phase": "run_start"},
	})
	events <- map[string]any{"type": "event", "event": "agent", "payload": json.RawMessage(raw)}

	select {
	case ev := <-got:
		if ev.Type != "agent" || ev.Stream != "lifecycle" || ev.RunID != "r9" {
			t.Fatalf("event = %+v", ev)
		}
		if ev.Data["phase"] != "run_start" {
			t.Fatalf("data = %+v", ev.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no event received")
	}
}

func TestClient_RequestWhileDisconnected(t *testing.T) {
	c := NewClient(Config{URL: "ws://127.0.0.1:1"})
	if _, err := c.ListSessions(context.Background()); err == nil {
		t.Fatalf("expected error while disconnected")
	}
}

func TestClient_Backoff(t *testing.T) {
	c := NewClient(Config{URL: "ws://x", ReconnectBase: time.Second, ReconnectMax: 30 * time.Second})
	if d := c.backoff(1); d != 2*time.Second {
		t.Fatalf("backoff(1) = %s", d)
	}
	if d := c.backoff(10); d != 30*time.Second {
		t.Fatalf("backoff(10) = %s", d)
	}
}
