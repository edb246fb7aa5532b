package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/mflRevan/conv-proxy/internal/gateway"
)

type fakeCtrl struct {
	task     string
	ready    bool
	restored []string
}

func (f *fakeCtrl) CheckDispatch() (string, bool) {
	if !f.ready {
		return "", false
	}
	f.ready = false
	return f.task, true
}

func (f *fakeCtrl) RestoreQueuedTask(task string) { f.restored = append(f.restored, task) }

type fakeSender struct {
	connected bool
	sessions  []gateway.SessionInfo
	listErr   error
	sendErr   error
	sentKey   string
	sentMsg   string
}

func (f *fakeSender) Connected() bool { return f.connected }

func (f *fakeSender) ListSessions(ctx context.Context) ([]gateway.SessionInfo, error) {
	return f.sessions, f.listErr
}

func (f *fakeSender) SendMessage(ctx context.Context, key, msg string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sentKey, f.sentMsg = key, msg
	return nil
}

func collect(events *[]map[string]any) func(map[string]any) {
	return func(p map[string]any) { *events = append(*events, p) }
}

func TestScheduler_DispatchesToMainSession(t *testing.T) {
	ctrl := &fakeCtrl{task: "deploy the service", ready: true}
	sender := &fakeSender{connected: true, sessions: []gateway.SessionInfo{
		{Key: "agent:side:1", Kind: "agent"},
		{Key: "agent:main:main", Kind: "main"},
	}}
	var events []map[string]any
	s := NewScheduler(ctrl, sender, collect(&events))

	s.Tick(context.Background())

	if sender.sentKey != "agent:main:main" || sender.sentMsg != "deploy the service" {
		t.Fatalf("sent %q to %q", sender.sentMsg, sender.sentKey)
	}
	if len(ctrl.restored) != 0 {
		t.Fatalf("task restored unexpectedly: %v", ctrl.restored)
	}
	if len(events) != 1 || events[0]["type"] != "proxy_dispatched" || events[0]["task"] != "deploy the service" {
		t.Fatalf("events = %+v", events)
	}
}

func TestScheduler_FallsBackToFirstSession(t *testing.T) {
	ctrl := &fakeCtrl{task: "t", ready: true}
	sender := &fakeSender{connected: true, sessions: []gateway.SessionInfo{
		{Key: "agent:other:1", Kind: "agent"},
		{Key: "agent:other:2", Kind: "agent"},
	}}
	s := NewScheduler(ctrl, sender, nil)

	s.Tick(context.Background())

	if sender.sentKey != "agent:other:1" {
		t.Fatalf("sent to %q", sender.sentKey)
	}
}

func TestScheduler_NotConnectedRestoresTask(t *testing.T) {
	ctrl := &fakeCtrl{task: "t", ready: true}
	sender := &fakeSender{connected: false}
	var events []map[string]any
	s := NewScheduler(ctrl, sender, collect(&events))

	s.Tick(context.Background())

	if len(ctrl.restored) != 1 || ctrl.restored[0] != "t" {
		t.Fatalf("restored = %v", ctrl.restored)
	}
	if len(events) != 1 || events[0]["type"] != "proxy_dispatch_error" {
		t.Fatalf("events = %+v", events)
	}
}

func TestScheduler_NoSessionsRestoresTask(t *testing.T) {
	ctrl := &fakeCtrl{task: "t", ready: true}
	sender := &fakeSender{connected: true}
	var events []map[string]any
	s := NewScheduler(ctrl, sender, collect(&events))

	s.Tick(context.Background())

	if len(ctrl.restored) != 1 {
		t.Fatalf("restored = %v", ctrl.restored)
	}
	if events[0]["error"] != "no active session" {
		t.Fatalf("events = %+v", events)
	}
}

func TestScheduler_SendFailureRestoresTask(t *testing.T) {
	ctrl := &fakeCtrl{task: "t", ready: true}
	sender := &fakeSender{connected: true,
		sessions: []gateway.SessionInfo{{Key: "agent:main:main", Kind: "main"}},
		sendErr:  errors.New("write: broken pipe")}
	var events []map[string]any
	s := NewScheduler(ctrl, sender, collect(&events))

	s.Tick(context.Background())

	if len(ctrl.restored) != 1 {
		t.Fatalf("restored = %v", ctrl.restored)
	}
	if events[0]["type"] != "proxy_dispatch_error" {
		t.Fatalf("events = %+v", events)
	}
}

func TestScheduler_ListFailureRestoresTask(t *testing.T) {
	ctrl := &fakeCtrl{task: "t", ready: true}
	sender := &fakeSender{connected: true, listErr: errors.New("request timed out")}
	s := NewScheduler(ctrl, sender, nil)

	s.Tick(context.Background())

	if len(ctrl.restored) != 1 {
		t.Fatalf("restored = %v", ctrl.restored)
	}
}

func TestScheduler_NothingEligibleIsQuiet(t *testing.T) {
	ctrl := &fakeCtrl{}
	sender := &fakeSender{connected: true}
	var events []map[string]any
	s := NewScheduler(ctrl, sender, collect(&events))

	s.Tick(context.Background())

	if len(events) != 0 || sender.sentKey != "" {
		t.Fatalf("unexpected activity: %+v %q", events, sender.sentKey)
	}
}
