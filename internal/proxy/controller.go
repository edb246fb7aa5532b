package proxy

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mflRevan/conv-proxy/internal/llm"
)

// Controller runs one conversation with the user: it injects live agent
// context into every prompt, applies tool calls to the task buffer and
// gates dispatch of the queued task. One instance per logical
// conversation; all state is guarded by mu.
type Controller struct {
	engine llm.Engine
	sink   EventSink

	mu              sync.Mutex
	state           State
	conversation    []llm.Message
	maxHistoryPairs int

	now func() time.Time
}

func NewController(engine llm.Engine, sink EventSink) *Controller {
	if sink == nil {
		sink = NopSink{}
	}
	return &Controller{
		engine: engine,
		sink:   sink,
		state: State{
			AgentStatus:   "idle",
			DispatchDelay: 10 * time.Second,
		},
		maxHistoryPairs: 15,
		now:             time.Now,
	}
}

func (c *Controller) SetDispatchDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.state.DispatchDelay = d
	}
}

func (c *Controller) SetMaxHistoryPairs(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > 0 {
		c.maxHistoryPairs = n
	}
}

// ToolCallRecord mirrors one applied tool call in a turn result.
type ToolCallRecord struct {
	Name string `json:"name"`
	Args string `json:"args"`
}

type Timings struct {
	Total time.Duration `json:"total"`
	API   time.Duration `json:"api"`
}

// TurnResult is the outcome of one non-streaming user turn.
type TurnResult struct {
	Action     string           `json:"action"`
	Reply      string           `json:"reply"`
	TaskDraft  string           `json:"task_draft"`
	QueuedTask string           `json:"queued_task"`
	ToolCalls  []ToolCallRecord `json:"tool_calls"`
	Timings    Timings          `json:"timings"`
}

// dequeueLocked implements the round-trip invariant: a new user message
// while a task is queued moves it back into the scratchpad.
func (c *Controller) dequeueLocked() {
	if c.state.QueuedTask != "" {
		c.state.ScratchpadTask = c.state.QueuedTask
		c.state.QueuedTask = ""
	}
}

func (c *Controller) trimLocked() {
	max := c.maxHistoryPairs * 2
	if len(c.conversation) > max {
		c.conversation = c.conversation[len(c.conversation)-max:]
	}
	// Trimming may strand tool results whose assistant turn was dropped.
	for len(c.conversation) > 0 && c.conversation[0].Role == "tool" {
		c.conversation = c.conversation[1:]
	}
}

func (c *Controller) messagesLocked() []llm.Message {
	msgs := make([]llm.Message, 0, len(c.conversation)+1)
	msgs = append(msgs, llm.Message{Role: "system", Content: buildSystemPrompt(&c.state)})
	msgs = append(msgs, c.conversation...)
	return msgs
}

func (c *Controller) beginTurnLocked(userMsg string) []llm.Message {
	c.state.lastInput = c.now()
	c.dequeueLocked()
	c.conversation = append(c.conversation, llm.Message{Role: "user", Content: userMsg})
	c.trimLocked()
	return c.messagesLocked()
}

// ProcessMessage runs one non-streaming turn. Tool calls are applied in
// the order the model returned them; every call is answered with a
// synthetic tool result before the next user turn.
func (c *Controller) ProcessMessage(ctx context.Context, userMsg string) (TurnResult, error) {
	c.mu.Lock()
	msgs := c.beginTurnLocked(userMsg)
	c.mu.Unlock()

	t0 := c.now()
	res, err := c.engine.Chat(ctx, msgs, toolSchema())
	if err != nil {
		return TurnResult{}, err
	}
	total := c.now().Sub(t0)

	c.mu.Lock()
	action := "chat"
	var (
		records  []ToolCallRecord
		results  []llm.Message
		notifies []func(EventSink)
	)
	for _, tc := range res.ToolCalls {
		inv := parseInvocation(tc.Function.Name, tc.Function.Arguments)
		a, status, notify := applyInvocation(&c.state, inv)
		if a != "" {
			action = a
		}
		if notify != nil {
			notifies = append(notifies, notify)
		}
		records = append(records, ToolCallRecord{Name: tc.Function.Name, Args: tc.Function.Arguments})
		results = append(results, llm.Message{
			Role:       "tool",
			ToolCallID: tc.ID,
			Content:    resultFor(&c.state, status).encode(),
		})
	}
	c.conversation = append(c.conversation, llm.Message{Role: "assistant", Content: res.Content, ToolCalls: res.ToolCalls})
	c.conversation = append(c.conversation, results...)
	c.trimLocked()
	out := TurnResult{
		Action:     action,
		Reply:      res.Content,
		TaskDraft:  c.state.ScratchpadTask,
		QueuedTask: c.state.QueuedTask,
		ToolCalls:  records,
		Timings:    Timings{Total: total, API: res.Latency},
	}
	c.mu.Unlock()

	for _, n := range notifies {
		n(c.sink)
	}
	return out, nil
}

// StreamEventType tags events yielded by ProcessMessageStream.
type StreamEventType string

const (
	StreamContent   StreamEventType = "content"
	StreamReasoning StreamEventType = "reasoning"
	StreamAction    StreamEventType = "action"
	StreamDone      StreamEventType = "done"
	StreamCancelled StreamEventType = "cancelled"
	StreamError     StreamEventType = "error"
)

type StreamEvent struct {
	Type   StreamEventType
	Text   string
	Action string
	Task   string
	Err    error
}

// ProcessMessageStream runs one streaming turn. State transitions match
// ProcessMessage; tool calls additionally surface as action events.
// Cancellation through ctx is cooperative: the engine polls it between
// deltas, and a cancelled turn persists no partial assistant message.
func (c *Controller) ProcessMessageStream(ctx context.Context, userMsg string) <-chan StreamEvent {
	c.mu.Lock()
	msgs := c.beginTurnLocked(userMsg)
	c.mu.Unlock()

	out := make(chan StreamEvent, 16)
	go func() {
		defer close(out)

		emit := func(ev StreamEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var reply strings.Builder
		var calls []llm.ToolCall
		var results []llm.Message

		for delta := range c.engine.ChatStream(ctx, msgs, toolSchema()) {
			if ctx.Err() != nil {
				emit(StreamEvent{Type: StreamCancelled})
				return
			}
			switch delta.Type {
			case llm.DeltaContent:
				reply.WriteString(delta.Text)
				if !emit(StreamEvent{Type: StreamContent, Text: delta.Text}) {
					return
				}

			case llm.DeltaReasoning:
				if !emit(StreamEvent{Type: StreamReasoning, Text: delta.Text}) {
					return
				}

			case llm.DeltaToolCall:
				tc := *delta.ToolCall
				c.mu.Lock()
				inv := parseInvocation(tc.Function.Name, tc.Function.Arguments)
				action, status, notify := applyInvocation(&c.state, inv)
				result := resultFor(&c.state, status)
				task := c.state.ScratchpadTask
				if action == "queued" {
					task = c.state.QueuedTask
				}
				c.mu.Unlock()

				if notify != nil {
					notify(c.sink)
				}
				calls = append(calls, tc)
				results = append(results, llm.Message{Role: "tool", ToolCallID: tc.ID, Content: result.encode()})
				if action != "" {
					if !emit(StreamEvent{Type: StreamAction, Action: action, Task: task}) {
						return
					}
				}

			case llm.DeltaDone:
				c.mu.Lock()
				if reply.Len() > 0 || len(calls) > 0 {
					c.conversation = append(c.conversation, llm.Message{Role: "assistant", Content: reply.String(), ToolCalls: calls})
					c.conversation = append(c.conversation, results...)
					c.trimLocked()
				}
				c.mu.Unlock()
				emit(StreamEvent{Type: StreamDone})
				return

			case llm.DeltaCancelled:
				emit(StreamEvent{Type: StreamCancelled})
				return

			case llm.DeltaError:
				emit(StreamEvent{Type: StreamError, Err: delta.Err})
				return
			}
		}
	}()
	return out
}

// CheckDispatch returns the queued task when every dispatch condition
// holds: a task is queued, the agent is idle, no completion brief is
// owed, and the user has been quiet for the dispatch delay. On success
// the queue is cleared and the dispatch event fires.
func (c *Controller) CheckDispatch() (string, bool) {
	c.mu.Lock()
	st := &c.state
	if st.QueuedTask == "" ||
		st.AgentStatus != "idle" ||
		st.MustBriefBeforeDispatch ||
		c.now().Sub(st.lastInput) < st.DispatchDelay {
		c.mu.Unlock()
		return "", false
	}
	task := st.QueuedTask
	st.QueuedTask = ""
	c.mu.Unlock()

	c.sink.TaskDispatched(task)
	return task, true
}

// RestoreQueuedTask puts a task back after a failed dispatch send. The
// send happens outside the controller lock, so a user turn may have
// queued something newer in the meantime; that task keeps the queue
// slot and the restored one lands in the scratchpad instead of
// overwriting it.
func (c *Controller) RestoreQueuedTask(task string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case task == "":
	case c.state.QueuedTask == "" || c.state.QueuedTask == task:
		c.state.QueuedTask = task
	case c.state.ScratchpadTask == "":
		c.state.ScratchpadTask = task
	default:
		c.state.ScratchpadTask += "\n" + task
	}
}

// UpdateAgentContext mirrors fresh live context from the gateway. A
// busy-to-idle transition (explicit or inferred) arms the brief gate so
// the user hears about the finished run before anything new is
// dispatched.
func (c *Controller) UpdateAgentContext(u ContextUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wasBusy := c.state.AgentStatus == "busy"
	if u.Status != "" {
		c.state.AgentStatus = u.Status
	}
	c.state.AgentCurrentTask = u.CurrentTask
	if u.Turns != nil {
		c.state.AgentTurns = u.Turns
	}
	if u.CompressedContext != "" {
		c.state.CompressedContext = u.CompressedContext
	}
	if u.JustFinished || (wasBusy && c.state.AgentStatus == "idle") {
		c.state.PendingCompletionBrief = u.CompletionBrief
		c.state.MustBriefBeforeDispatch = true
	}
}

// PopPendingCompletionBrief clears the brief gate and returns the brief.
// Calling it with nothing pending returns "" with no side effect.
func (c *Controller) PopPendingCompletionBrief() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	brief := c.state.PendingCompletionBrief
	c.state.PendingCompletionBrief = ""
	c.state.MustBriefBeforeDispatch = false
	return brief
}

// SetScratchpad overwrites the draft directly, bypassing the model.
func (c *Controller) SetScratchpad(task string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.ScratchpadTask = task
}

// QueueScratchpad commits the draft directly, bypassing the model.
func (c *Controller) QueueScratchpad() (string, bool) {
	c.mu.Lock()
	if c.state.ScratchpadTask == "" {
		c.mu.Unlock()
		return "", false
	}
	c.state.QueuedTask = c.state.ScratchpadTask
	c.state.ScratchpadTask = ""
	task := c.state.QueuedTask
	c.mu.Unlock()

	c.sink.TaskQueued(task)
	return task, true
}

// ClearTaskBuffer drops both the draft and the queued task. Used after
// a manual dispatch committed the buffer out of band.
func (c *Controller) ClearTaskBuffer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.ScratchpadTask = ""
	c.state.QueuedTask = ""
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	turns := make([]AgentTurn, len(c.state.AgentTurns))
	copy(turns, c.state.AgentTurns)
	return Snapshot{
		ScratchpadTask:          c.state.ScratchpadTask,
		QueuedTask:              c.state.QueuedTask,
		AgentStatus:             c.state.AgentStatus,
		AgentCurrentTask:        c.state.AgentCurrentTask,
		AgentTurns:              turns,
		DispatchDelaySeconds:    c.state.DispatchDelay.Seconds(),
		MustBriefBeforeDispatch: c.state.MustBriefBeforeDispatch,
	}
}

// Reset clears the conversation and the task buffer.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversation = nil
	c.state.ScratchpadTask = ""
	c.state.QueuedTask = ""
	c.state.AgentStatus = "idle"
	c.state.AgentCurrentTask = ""
	c.state.AgentTurns = nil
	c.state.PendingCompletionBrief = ""
	c.state.MustBriefBeforeDispatch = false
}
