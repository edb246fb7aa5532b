package llm

import (
	"context"
	"encoding/json"
	"time"
)

// Message is one chat-completion message. Tool-call records and tool
// results reuse the same shape, mirroring the OpenAI wire format.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool describes a callable function exposed to the model.
type Tool struct {
	Type     string         `json:"type"`
	Function ToolDefinition `json:"function"`
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// DeltaType tags a streaming chunk.
type DeltaType string

const (
	DeltaContent   DeltaType = "content"
	DeltaReasoning DeltaType = "reasoning"
	DeltaToolCall  DeltaType = "tool_call"
	DeltaDone      DeltaType = "done"
	DeltaCancelled DeltaType = "cancelled"
	DeltaError     DeltaType = "error"
)

// Delta is one streamed chunk. Text carries content/reasoning fragments,
// ToolCall carries a fully assembled call (emitted only at finish).
type Delta struct {
	Type         DeltaType
	Text         string
	ToolCall     *ToolCall
	FinishReason string
	Err          error
}

// Result is a complete non-streaming response.
type Result struct {
	Content   string
	Reasoning string
	ToolCalls []ToolCall
	Latency   time.Duration
}

// Engine is the chat-completion backend used by the proxy controller.
type Engine interface {
	Chat(ctx context.Context, messages []Message, tools []Tool) (Result, error)
	// ChatStream returns a channel of deltas. The channel is closed after a
	// terminal delta (done, cancelled or error). Cancellation is cooperative
	// through ctx.
	ChatStream(ctx context.Context, messages []Message, tools []Tool) <-chan Delta
}
