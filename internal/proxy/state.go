package proxy

import "time"

// AgentTurn is one mirrored message from the main agent's run.
type AgentTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// State holds the task buffer and the mirrored live context of the main
// agent. All access goes through the controller mutex.
type State struct {
	ScratchpadTask   string
	QueuedTask       string
	AgentStatus      string // idle | busy
	AgentCurrentTask string
	AgentTurns       []AgentTurn
	CompressedContext string

	DispatchDelay time.Duration
	lastInput     time.Time

	PendingCompletionBrief  string
	MustBriefBeforeDispatch bool
}

// Snapshot is a copy of the state safe to hand to transport layers.
type Snapshot struct {
	ScratchpadTask          string      `json:"scratchpad_task"`
	QueuedTask              string      `json:"queued_task"`
	AgentStatus             string      `json:"agent_status"`
	AgentCurrentTask        string      `json:"agent_current_task"`
	AgentTurns              []AgentTurn `json:"agent_turns"`
	DispatchDelaySeconds    float64     `json:"dispatch_delay_s"`
	MustBriefBeforeDispatch bool        `json:"must_brief_before_dispatch"`
}

// ContextUpdate carries fresh live context from the gateway event stream.
type ContextUpdate struct {
	Status            string
	CurrentTask       string
	Turns             []AgentTurn
	CompressedContext string
	JustFinished      bool
	CompletionBrief   string
}

// EventSink receives controller side effects. The controller never talks
// to a transport directly.
type EventSink interface {
	StopRequested()
	TaskUpdated(task string)
	TaskQueued(task string)
	TaskDispatched(task string)
}

// NopSink ignores every event.
type NopSink struct{}

func (NopSink) StopRequested()         {}
func (NopSink) TaskUpdated(string)     {}
func (NopSink) TaskQueued(string)      {}
func (NopSink) TaskDispatched(string)  {}
