package dispatch

import (
	"context"
	"log"
	"time"

	"github.com/mflRevan/conv-proxy/internal/gateway"
)

// Controller is the dispatch-facing slice of the proxy controller.
type Controller interface {
	CheckDispatch() (string, bool)
	RestoreQueuedTask(task string)
}

// Sender is the gateway slice needed to deliver a task.
type Sender interface {
	Connected() bool
	ListSessions(ctx context.Context) ([]gateway.SessionInfo, error)
	SendMessage(ctx context.Context, sessionKey, message string) error
}

// Scheduler polls the dispatch gate on a single timeline: one tick at a
// time, so two ticks can never both observe an eligible task. A failed
// send restores the task and reports the error once; the next eligible
// tick retries.
type Scheduler struct {
	ctrl      Controller
	sender    Sender
	broadcast func(payload map[string]any)
	interval  time.Duration
}

func NewScheduler(ctrl Controller, sender Sender, broadcast func(map[string]any)) *Scheduler {
	if broadcast == nil {
		broadcast = func(map[string]any) {}
	}
	return &Scheduler{ctrl: ctrl, sender: sender, broadcast: broadcast, interval: time.Second}
}

// Run ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates the gate once and delivers an eligible task.
func (s *Scheduler) Tick(ctx context.Context) {
	task, ok := s.ctrl.CheckDispatch()
	if !ok {
		return
	}

	if s.sender == nil || !s.sender.Connected() {
		s.fail(task, "gateway not connected")
		return
	}

	target, err := s.pickSession(ctx)
	if err != nil {
		s.fail(task, err.Error())
		return
	}
	if target == "" {
		s.fail(task, "no active session")
		return
	}

	if err := s.sender.SendMessage(ctx, target, task); err != nil {
		s.fail(task, err.Error())
		return
	}
	log.Printf("dispatch: sent task to %s: %q", target, task)
	s.broadcast(map[string]any{"type": "proxy_dispatched", "task": task, "sessionKey": target})
}

// pickSession prefers a main or channel session, falling back to the
// first listed.
func (s *Scheduler) pickSession(ctx context.Context) (string, error) {
	sessions, err := s.sender.ListSessions(ctx)
	if err != nil {
		return "", err
	}
	for _, sess := range sessions {
		if sess.Kind == "main" || sess.Kind == "channel" {
			return sess.Key, nil
		}
	}
	if len(sessions) > 0 {
		return sessions[0].Key, nil
	}
	return "", nil
}

func (s *Scheduler) fail(task, reason string) {
	log.Printf("dispatch: failed, restoring task: %s", reason)
	s.ctrl.RestoreQueuedTask(task)
	s.broadcast(map[string]any{"type": "proxy_dispatch_error", "error": reason})
}
