package proxy

import (
	"encoding/json"
	"strings"

	"github.com/mflRevan/conv-proxy/internal/llm"
)

const (
	toolInterrupt = "interrupt_agent"
	toolSet       = "set_task_buffer"
	toolClear     = "clear_task_buffer"
	toolAppend    = "append_task_buffer"
	toolPatch     = "patch_task_buffer"
	toolQueue     = "queue_buffered_task"
)

func toolSchema() []llm.Tool {
	obj := func(props string) json.RawMessage {
		if props == "" {
			return json.RawMessage(`{"type":"object","properties":{},"required":[]}`)
		}
		return json.RawMessage(props)
	}
	return []llm.Tool{
		{Type: "function", Function: llm.ToolDefinition{
			Name:        toolInterrupt,
			Description: "Stop/cancel/abort the main agent and drop any queued task. ONLY call when the user explicitly asks to stop, cancel or abort, including soft phrases like 'never mind' or 'forget it'.",
			Parameters:  obj(""),
		}},
		{Type: "function", Function: llm.ToolDefinition{
			Name:        toolSet,
			Description: "Overwrite the task scratchpad with a complete, standalone task instruction. Call whenever the user describes work they want done.",
			Parameters: obj(`{"type":"object","properties":{"task":{"type":"string","description":"Complete, standalone task instruction for the main agent."}},"required":["task"]}`),
		}},
		{Type: "function", Function: llm.ToolDefinition{
			Name:        toolClear,
			Description: "Empty the task scratchpad. Call when the user discards the draft without stopping the main agent.",
			Parameters:  obj(""),
		}},
		{Type: "function", Function: llm.ToolDefinition{
			Name:        toolAppend,
			Description: "Append additional detail to the task scratchpad on a new line, keeping what is already there.",
			Parameters: obj(`{"type":"object","properties":{"text":{"type":"string","description":"Text to append to the scratchpad."}},"required":["text"]}`),
		}},
		{Type: "function", Function: llm.ToolDefinition{
			Name:        toolPatch,
			Description: "Replace a substring of the task scratchpad. count bounds the number of replacements; 0 replaces every occurrence.",
			Parameters: obj(`{"type":"object","properties":{"find":{"type":"string"},"replace":{"type":"string"},"count":{"type":"integer"}},"required":["find","replace"]}`),
		}},
		{Type: "function", Function: llm.ToolDefinition{
			Name:        toolQueue,
			Description: "Commit the current scratchpad for dispatch to the main agent. Call only when the user deliberately asks to send, queue or run the task.",
			Parameters:  obj(""),
		}},
	}
}

// Invocation is a parsed tool call. Exactly one pointer field is set for
// tools that take arguments.
type Invocation struct {
	Name   string
	Set    *SetArgs
	Append *AppendArgs
	Patch  *PatchArgs
}

type SetArgs struct {
	Task string `json:"task"`
}

type AppendArgs struct {
	Text string `json:"text"`
}

type PatchArgs struct {
	Find    string `json:"find"`
	Replace string `json:"replace"`
	Count   int    `json:"count"`
}

// parseInvocation recovers a usable invocation from whatever argument
// string the model produced. Parse failures on the text-carrying tools
// degrade to treating the raw string as the literal text.
func parseInvocation(name, rawArgs string) Invocation {
	inv := Invocation{Name: name}
	args := sanitizeJSONArgs(rawArgs)

	switch name {
	case toolSet:
		var a SetArgs
		if args != "" && json.Unmarshal([]byte(args), &a) == nil && a.Task != "" {
			a.Task = normalizeTaskText(a.Task)
			inv.Set = &a
			return inv
		}
		if t := normalizeTaskText(rawArgs); t != "" {
			inv.Set = &SetArgs{Task: t}
		}
	case toolAppend:
		var a AppendArgs
		if args != "" && json.Unmarshal([]byte(args), &a) == nil && a.Text != "" {
			a.Text = normalizeTaskText(a.Text)
			inv.Append = &a
			return inv
		}
		if t := normalizeTaskText(rawArgs); t != "" {
			inv.Append = &AppendArgs{Text: t}
		}
	case toolPatch:
		var a PatchArgs
		if args != "" && json.Unmarshal([]byte(args), &a) == nil {
			inv.Patch = &a
		}
	}
	return inv
}

// sanitizeJSONArgs strips decoration the model sometimes wraps around the
// argument object (code fences, labels, trailing garbage) and returns the
// bare JSON object, or "" when none is present.
func sanitizeJSONArgs(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if i := strings.Index(s, "{"); i < 0 {
		return ""
	} else {
		s = s[i:]
	}
	if i := strings.LastIndex(s, "}"); i < 0 {
		return ""
	} else {
		s = s[:i+1]
	}
	return s
}

// normalizeTaskText unwraps task strings that arrive JSON-shaped, either
// as a quoted string or as a {"task": ...} object serialized into the
// text field itself.
func normalizeTaskText(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if strings.HasPrefix(s, "{") {
		var obj struct {
			Task string `json:"task"`
			Text string `json:"text"`
		}
		if json.Unmarshal([]byte(sanitizeJSONArgs(s)), &obj) == nil {
			if obj.Task != "" {
				return strings.TrimSpace(obj.Task)
			}
			if obj.Text != "" {
				return strings.TrimSpace(obj.Text)
			}
		}
	}
	if strings.HasPrefix(s, `"`) {
		var quoted string
		if json.Unmarshal([]byte(s), &quoted) == nil {
			return strings.TrimSpace(quoted)
		}
	}
	return s
}

type toolResult struct {
	Status     string `json:"status"`
	Scratchpad string `json:"scratchpad"`
	Queued     bool   `json:"queued"`
}

func (r toolResult) encode() string {
	b, _ := json.Marshal(r)
	return string(b)
}

// applyInvocation mutates the buffer state and returns the action tag,
// the tool-result status and an optional deferred sink notification.
func applyInvocation(st *State, inv Invocation) (action, status string, notify func(EventSink)) {
	status = "ok"
	switch inv.Name {
	case toolInterrupt:
		st.QueuedTask = ""
		action = "stop"
		notify = func(s EventSink) { s.StopRequested() }

	case toolSet:
		if inv.Set == nil || inv.Set.Task == "" {
			return "", "error: no task text provided", nil
		}
		st.ScratchpadTask = inv.Set.Task
		action = "buffer"
		task := st.ScratchpadTask
		notify = func(s EventSink) { s.TaskUpdated(task) }

	case toolClear:
		st.ScratchpadTask = ""
		action = "buffer_cleared"
		notify = func(s EventSink) { s.TaskUpdated("") }

	case toolAppend:
		if inv.Append == nil || inv.Append.Text == "" {
			return "", "error: no text provided", nil
		}
		if st.ScratchpadTask == "" {
			st.ScratchpadTask = inv.Append.Text
		} else {
			st.ScratchpadTask += "\n" + inv.Append.Text
		}
		action = "buffer"
		task := st.ScratchpadTask
		notify = func(s EventSink) { s.TaskUpdated(task) }

	case toolPatch:
		if inv.Patch == nil || inv.Patch.Find == "" || st.ScratchpadTask == "" {
			return "buffer", "ok", nil
		}
		n := inv.Patch.Count
		if n <= 0 {
			n = -1
		}
		st.ScratchpadTask = strings.Replace(st.ScratchpadTask, inv.Patch.Find, inv.Patch.Replace, n)
		action = "buffer"
		task := st.ScratchpadTask
		notify = func(s EventSink) { s.TaskUpdated(task) }

	case toolQueue:
		if st.ScratchpadTask == "" {
			return "", "error: task buffer is empty, nothing to queue", nil
		}
		st.QueuedTask = st.ScratchpadTask
		st.ScratchpadTask = ""
		action = "queued"
		task := st.QueuedTask
		notify = func(s EventSink) { s.TaskQueued(task) }

	default:
		return "", "error: unknown tool " + inv.Name, nil
	}
	return action, status, notify
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func resultFor(st *State, status string) toolResult {
	return toolResult{
		Status:     status,
		Scratchpad: truncate(st.ScratchpadTask, 100),
		Queued:     st.QueuedTask != "",
	}
}
