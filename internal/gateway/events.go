package gateway

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// ToolCallState tracks one tool invocation inside an agent run.
type ToolCallState struct {
	ToolID     string  `json:"toolId"`
	Name       string  `json:"name"`
	Arguments  string  `json:"arguments"`
	Result     string  `json:"result"`
	Status     string  `json:"status"` // running | completed
	StartedAt  float64 `json:"startedAt"`
	FinishedAt float64 `json:"finishedAt"`
}

// RunState tracks a single agent run.
type RunState struct {
	RunID           string
	SessionKey      string
	Status          string // running | completed | error
	ToolCalls       []*ToolCallState
	AssistantChunks []string
	CotChunks       []string
	FinalText       string
	Err             string
}

// SessionState is the live view of one watched session.
type SessionState struct {
	SessionKey  string
	AgentStatus string // idle | busy | error
	CurrentRun  *RunState
	LastRun     *RunState
}

// ContextSnapshot is the normalized live context handed to the proxy
// controller after each event.
type ContextSnapshot struct {
	Status          string
	CurrentTask     string
	Turns           []Turn
	JustFinished    bool
	CompletionBrief string
}

type Turn struct {
	Role    string
	Content string
}

// Manager folds the raw gateway event stream into per-session run state
// and emits normalized events for the frontend plus context snapshots
// for the controller.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*SessionState

	// OnBroadcast pushes a normalized event to connected frontends.
	OnBroadcast func(payload map[string]any)
	// OnContext delivers the fresh context after each processed event.
	OnContext func(sessionKey string, snap ContextSnapshot)
}

func NewManager() *Manager {
	return &Manager{sessions: map[string]*SessionState{}}
}

func (m *Manager) session(key string) *SessionState {
	if s, ok := m.sessions[key]; ok {
		return s
	}
	s := &SessionState{SessionKey: key, AgentStatus: "idle"}
	m.sessions[key] = s
	return s
}

// HandleEvent processes one gateway event.
func (m *Manager) HandleEvent(ev Event) {
	if ev.SessionKey == "" {
		return
	}

	m.mu.Lock()
	st := m.session(ev.SessionKey)

	var out []map[string]any
	justFinished := false
	switch ev.Type {
	case "agent":
		out, justFinished = m.handleAgentEvent(st, ev)
	case "chat":
		out = m.handleChatEvent(st, ev)
	}
	snap := m.snapshotLocked(st, justFinished)
	m.mu.Unlock()

	for _, payload := range out {
		m.emit(ev.SessionKey, payload)
	}
	if m.OnContext != nil {
		m.OnContext(ev.SessionKey, snap)
	}
}

func (m *Manager) handleAgentEvent(st *SessionState, ev Event) ([]map[string]any, bool) {
	var out []map[string]any
	data := ev.Data

	switch ev.Stream {
	case "lifecycle":
		phase, _ := data["phase"].(string)
		switch phase {
		case "run_start":
			st.AgentStatus = "busy"
			st.CurrentRun = &RunState{RunID: ev.RunID, SessionKey: st.SessionKey, Status: "running"}
			out = append(out, map[string]any{"type": "agent_status", "status": "busy", "runId": ev.RunID})

		case "run_end", "run_complete":
			st.AgentStatus = "idle"
			if st.CurrentRun != nil {
				st.CurrentRun.Status = "completed"
				if len(st.CurrentRun.AssistantChunks) > 0 {
					st.CurrentRun.FinalText = join(st.CurrentRun.AssistantChunks)
				}
				st.LastRun = st.CurrentRun
				st.CurrentRun = nil
			}
			out = append(out, map[string]any{"type": "agent_status", "status": "idle", "runId": ev.RunID})
			return out, true

		case "run_error":
			st.AgentStatus = "error"
			if st.CurrentRun != nil {
				st.CurrentRun.Status = "error"
				st.CurrentRun.Err = str(data["error"])
				st.LastRun = st.CurrentRun
				st.CurrentRun = nil
			}
			out = append(out, map[string]any{"type": "agent_status", "status": "error", "error": str(data["error"]), "runId": ev.RunID})
		}

	case "tool":
		if st.CurrentRun == nil {
			return out, false
		}
		kind := str(firstOf(data, "event", "kind"))
		switch kind {
		case "tool_call", "call":
			tc := &ToolCallState{
				ToolID:    str(firstOf(data, "toolCallId", "id")),
				Name:      str(firstOf(data, "name", "toolName")),
				Arguments: str(firstOf(data, "arguments", "input")),
				Status:    "running",
				StartedAt: nowUnix(),
			}
			if tc.ToolID == "" {
				tc.ToolID = fmt.Sprintf("%d", ev.Seq)
			}
			st.CurrentRun.ToolCalls = append(st.CurrentRun.ToolCalls, tc)
			out = append(out, map[string]any{
				"type": "tool_call", "toolId": tc.ToolID, "name": tc.Name,
				"arguments": clip(tc.Arguments, 2000), "runId": ev.RunID,
			})

		case "tool_result", "result":
			toolID := str(firstOf(data, "toolCallId", "id"))
			content := flattenContent(firstOf(data, "content", "output"))
			for i := len(st.CurrentRun.ToolCalls) - 1; i >= 0; i-- {
				tc := st.CurrentRun.ToolCalls[i]
				if tc.ToolID == toolID || tc.Status == "running" {
					tc.Result = clip(content, 8000)
					tc.Status = "completed"
					tc.FinishedAt = nowUnix()
					break
				}
			}
			out = append(out, map[string]any{
				"type": "tool_result", "toolId": toolID,
				"name": str(firstOf(data, "name", "toolName")),
				"content": clip(content, 4000), "runId": ev.RunID,
			})
		}

	case "assistant":
		if st.CurrentRun == nil {
			return out, false
		}
		delta := str(firstOf(data, "delta", "text", "content"))
		thinking, _ := data["thinking"].(bool)
		if thinking {
			st.CurrentRun.CotChunks = append(st.CurrentRun.CotChunks, delta)
			out = append(out, map[string]any{"type": "cot_delta", "delta": delta, "runId": ev.RunID})
		} else if delta != "" {
			st.CurrentRun.AssistantChunks = append(st.CurrentRun.AssistantChunks, delta)
			out = append(out, map[string]any{"type": "assistant_delta", "delta": delta, "runId": ev.RunID})
		}

	case "error":
		out = append(out, map[string]any{"type": "agent_error", "error": str(firstOf(data, "message", "error")), "runId": ev.RunID})
	}
	return out, false
}

func (m *Manager) handleChatEvent(st *SessionState, ev Event) []map[string]any {
	msgType := str(ev.Data["type"])
	if msgType != "message" && msgType != "assistant" {
		return nil
	}
	role := str(ev.Data["role"])
	if role == "" {
		role = "assistant"
	}
	return []map[string]any{{
		"type":    "chat_message",
		"role":    role,
		"content": str(firstOf(ev.Data, "content", "text")),
	}}
}

// snapshotLocked derives the controller-facing context: current task is
// the latest still-running tool, turns carry the in-flight and last
// final assistant text, and the brief is the head of the last run's
// final text.
func (m *Manager) snapshotLocked(st *SessionState, justFinished bool) ContextSnapshot {
	snap := ContextSnapshot{Status: st.AgentStatus, JustFinished: justFinished}

	if st.CurrentRun != nil {
		for i := len(st.CurrentRun.ToolCalls) - 1; i >= 0; i-- {
			if st.CurrentRun.ToolCalls[i].Status == "running" {
				snap.CurrentTask = st.CurrentRun.ToolCalls[i].Name
				break
			}
		}
		if len(st.CurrentRun.AssistantChunks) > 0 {
			snap.Turns = append(snap.Turns, Turn{Role: "assistant", Content: tail(join(st.CurrentRun.AssistantChunks), 1200)})
		}
	}
	if st.LastRun != nil && st.LastRun.FinalText != "" {
		snap.Turns = append(snap.Turns, Turn{Role: "assistant", Content: tail(st.LastRun.FinalText, 1200)})
		snap.CompletionBrief = clip(st.LastRun.FinalText, 500)
	}
	return snap
}

// Sessions returns the watched session keys with their status.
func (m *Manager) Sessions() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.sessions))
	for k, s := range m.sessions {
		out[k] = s.AgentStatus
	}
	return out
}

// ToolCalls reports the current or last run's tool calls for a session.
func (m *Manager) ToolCalls(sessionKey string) []ToolCallState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[sessionKey]
	if !ok {
		return nil
	}
	run := st.CurrentRun
	if run == nil {
		run = st.LastRun
	}
	if run == nil {
		return nil
	}
	out := make([]ToolCallState, len(run.ToolCalls))
	for i, tc := range run.ToolCalls {
		out[i] = *tc
	}
	return out
}

func (m *Manager) emit(sessionKey string, payload map[string]any) {
	if m.OnBroadcast == nil {
		return
	}
	payload["sessionKey"] = sessionKey
	payload["ts"] = nowUnix()
	m.OnBroadcast(payload)
}

func nowUnix() float64 { return float64(time.Now().UnixNano()) / float64(time.Second) }

func str(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func firstOf(data map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := data[k]; ok && v != nil {
			if s, isStr := v.(string); isStr && s == "" {
				continue
			}
			return v
		}
	}
	return nil
}

// flattenContent joins structured tool-result content into plain text.
func flattenContent(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case []any:
		var parts []string
		for _, item := range c {
			switch it := item.(type) {
			case string:
				parts = append(parts, it)
			case map[string]any:
				parts = append(parts, str(firstOf(it, "text", "content")))
			}
		}
		return strings.Join(parts, "\n")
	default:
		return str(v)
	}
}

func join(parts []string) string { return strings.Join(parts, "") }

// clip and tail cut on rune boundaries so multibyte text is never left
// with a split character at the edge.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}
