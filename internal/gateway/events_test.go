package gateway

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func lifecycle(sessionKey, runID, phase string) Event {
	return Event{Type: "agent", Stream: "lifecycle", RunID: runID, SessionKey: sessionKey,
		Data: map[string]any{"phase": phase}}
}

func assistant(sessionKey, runID, delta string, thinking bool) Event {
	return Event{Type: "agent", Stream: "assistant", RunID: runID, SessionKey: sessionKey,
		Data: map[string]any{"delta": delta, "thinking": thinking}}
}

func TestManager_RunLifecycle(t *testing.T) {
	m := NewManager()
	var broadcasts []map[string]any
	var snaps []ContextSnapshot
	m.OnBroadcast = func(p map[string]any) { broadcasts = append(broadcasts, p) }
	m.OnContext = func(sk string, s ContextSnapshot) { snaps = append(snaps, s) }

	m.HandleEvent(lifecycle("agent:main:main", "run1", "run_start"))
	m.HandleEvent(assistant("agent:main:main", "run1", "Deployed ", false))
	m.HandleEvent(assistant("agent:main:main", "run1", "the service.", false))
	m.HandleEvent(lifecycle("agent:main:main", "run1", "run_end"))

	if len(snaps) != 4 {
		t.Fatalf("snapshots = %d", len(snaps))
	}
	if snaps[0].Status != "busy" {
		t.Fatalf("status after start = %q", snaps[0].Status)
	}
	last := snaps[3]
	if last.Status != "idle" || !last.JustFinished {
		t.Fatalf("final snapshot = %+v", last)
	}
	if last.CompletionBrief != "Deployed the service." {
		t.Fatalf("brief = %q", last.CompletionBrief)
	}
	if len(last.Turns) == 0 || last.Turns[0].Content != "Deployed the service." {
		t.Fatalf("turns = %+v", last.Turns)
	}

	if broadcasts[0]["type"] != "agent_status" || broadcasts[0]["status"] != "busy" {
		t.Fatalf("first broadcast = %+v", broadcasts[0])
	}
	if broadcasts[0]["sessionKey"] != "agent:main:main" {
		t.Fatalf("sessionKey missing: %+v", broadcasts[0])
	}
}

func TestManager_CurrentTaskFromRunningTool(t *testing.T) {
	m := NewManager()
	var lastSnap ContextSnapshot
	m.OnContext = func(sk string, s ContextSnapshot) { lastSnap = s }

	m.HandleEvent(lifecycle("s", "r1", "run_start"))
	m.HandleEvent(Event{Type: "agent", Stream: "tool", RunID: "r1", SessionKey: "s",
		Data: map[string]any{"event": "tool_call", "toolCallId": "t1", "name": "read_file", "arguments": "{}"}})
	if lastSnap.CurrentTask != "read_file" {
		t.Fatalf("current task = %q", lastSnap.CurrentTask)
	}

	m.HandleEvent(Event{Type: "agent", Stream: "tool", RunID: "r1", SessionKey: "s",
		Data: map[string]any{"event": "tool_result", "toolCallId": "t1", "content": "file body"}})
	if lastSnap.CurrentTask != "" {
		t.Fatalf("task still set after result: %q", lastSnap.CurrentTask)
	}

	calls := m.ToolCalls("s")
	if len(calls) != 1 || calls[0].Status != "completed" || calls[0].Result != "file body" {
		t.Fatalf("tool calls = %+v", calls)
	}
}

func TestManager_ThinkingGoesToCot(t *testing.T) {
	m := NewManager()
	var broadcasts []map[string]any
	m.OnBroadcast = func(p map[string]any) { broadcasts = append(broadcasts, p) }

	m.HandleEvent(lifecycle("s", "r1", "run_start"))
	m.HandleEvent(assistant("s", "r1", "internal reasoning", true))
	m.HandleEvent(lifecycle("s", "r1", "run_end"))

	for _, b := range broadcasts {
		if b["type"] == "assistant_delta" {
			t.Fatalf("thinking leaked as assistant delta: %+v", b)
		}
	}
	var sawCot bool
	for _, b := range broadcasts {
		if b["type"] == "cot_delta" {
			sawCot = true
		}
	}
	if !sawCot {
		t.Fatalf("no cot delta broadcast")
	}
}

func TestManager_BriefClippedTo500(t *testing.T) {
	m := NewManager()
	var lastSnap ContextSnapshot
	m.OnContext = func(sk string, s ContextSnapshot) { lastSnap = s }

	m.HandleEvent(lifecycle("s", "r1", "run_start"))
	m.HandleEvent(assistant("s", "r1", strings.Repeat("a", 900), false))
	m.HandleEvent(lifecycle("s", "r1", "run_complete"))

	if len(lastSnap.CompletionBrief) != 500 {
		t.Fatalf("brief length = %d", len(lastSnap.CompletionBrief))
	}
	if !lastSnap.JustFinished {
		t.Fatalf("just_finished not set")
	}
}

func TestClipAndTailKeepRunesWhole(t *testing.T) {
	s := strings.Repeat("é", 400)
	for _, got := range []string{clip(s, 501), tail(s, 501)} {
		if !utf8.ValidString(got) {
			t.Fatalf("rune split: %q", got[:8])
		}
	}
	if got := clip(s, 300); utf8.RuneCountInString(got) != 300 {
		t.Fatalf("clip rune count = %d", utf8.RuneCountInString(got))
	}
	if got := tail(s, 300); utf8.RuneCountInString(got) != 300 {
		t.Fatalf("tail rune count = %d", utf8.RuneCountInString(got))
	}
}

func TestManager_ToolEventsWithoutRunIgnored(t *testing.T) {
	m := NewManager()
	var broadcasts []map[string]any
	m.OnBroadcast = func(p map[string]any) { broadcasts = append(broadcasts, p) }

	m.HandleEvent(Event{Type: "agent", Stream: "tool", SessionKey: "s",
		Data: map[string]any{"event": "tool_call", "name": "stray"}})
	if len(broadcasts) != 0 {
		t.Fatalf("broadcasts = %+v", broadcasts)
	}
}

func TestFlattenContent(t *testing.T) {
	got := flattenContent([]any{
		map[string]any{"text": "part one"},
		"part two",
	})
	if got != "part one\npart two" {
		t.Fatalf("got %q", got)
	}
	if flattenContent(nil) != "" {
		t.Fatalf("nil content")
	}
	if flattenContent("plain") != "plain" {
		t.Fatalf("string content")
	}
}
