package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// OpenRouterClient talks to the OpenRouter chat-completions API with
// streaming and tool support.
type OpenRouterClient struct {
	HTTPClient  *http.Client
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Reasoning   bool

	// retryDelay is the wait before the single rate-limit retry.
	retryDelay time.Duration
}

const openRouterEndpoint = "https://openrouter.ai/api/v1/chat/completions"

func NewOpenRouterClient(apiKey, model string) *OpenRouterClient {
	return &OpenRouterClient{
		HTTPClient:  &http.Client{Timeout: 60 * time.Second},
		APIKey:      apiKey,
		Model:       model,
		Temperature: 0.3,
		MaxTokens:   400,
		Reasoning:   true,
		retryDelay:  2 * time.Second,
	}
}

type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []Message        `json:"messages"`
	Temperature float64          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens"`
	Stream      bool             `json:"stream"`
	Reasoning   *reasoningOption `json:"reasoning,omitempty"`
	Tools       []Tool           `json:"tools,omitempty"`
	ToolChoice  string           `json:"tool_choice,omitempty"`
}

type reasoningOption struct {
	Enabled bool `json:"enabled"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type chatChoice struct {
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason"`
	Message      wireMsg `json:"message"`
	Delta        wireMsg `json:"delta"`
}

type wireMsg struct {
	Role             string         `json:"role"`
	Content          string         `json:"content"`
	Reasoning        string         `json:"reasoning"`
	ReasoningContent string         `json:"reasoning_content"`
	ToolCalls        []wireToolCall `json:"tool_calls"`
}

type wireToolCall struct {
	Index    int          `json:"index"`
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Error   *apiError    `json:"error"`
}

func (c *OpenRouterClient) buildRequest(messages []Message, tools []Tool, stream bool) chatRequest {
	req := chatRequest{
		Model:       c.Model,
		Messages:    messages,
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
		Stream:      stream,
	}
	if c.Reasoning {
		req.Reasoning = &reasoningOption{Enabled: true}
	}
	if len(tools) > 0 {
		req.Tools = tools
		req.ToolChoice = "auto"
	}
	return req
}

func (c *OpenRouterClient) post(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, openRouterEndpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("HTTP-Referer", "https://conv-proxy.local")
	return c.HTTPClient.Do(req)
}

// Chat performs a non-streaming completion. A single rate-limit response
// is retried once after a short wait.
func (c *OpenRouterClient) Chat(ctx context.Context, messages []Message, tools []Tool) (Result, error) {
	if c.APIKey == "" {
		return Result{}, fmt.Errorf("openrouter api key missing")
	}
	return c.chat(ctx, messages, tools, false)
}

func (c *OpenRouterClient) chat(ctx context.Context, messages []Message, tools []Tool, retried bool) (Result, error) {
	t0 := time.Now()
	resp, err := c.post(ctx, c.buildRequest(messages, tools, false))
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return Result{}, fmt.Errorf("openrouter: decode response: %w", err)
	}
	if cr.Error != nil {
		if cr.Error.Code == http.StatusTooManyRequests && !retried {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(c.retryDelay):
			}
			return c.chat(ctx, messages, tools, true)
		}
		return Result{}, fmt.Errorf("openrouter error: code=%d %s", cr.Error.Code, cr.Error.Message)
	}
	if len(cr.Choices) == 0 {
		return Result{}, fmt.Errorf("openrouter: empty choices")
	}

	msg := cr.Choices[0].Message
	res := Result{
		Content:   msg.Content,
		Reasoning: msg.Reasoning,
		Latency:   time.Since(t0),
	}
	if res.Reasoning == "" {
		res.Reasoning = msg.ReasoningContent
	}
	for _, tc := range msg.ToolCalls {
		res.ToolCalls = append(res.ToolCalls, ToolCall{ID: tc.ID, Type: tc.Type, Function: tc.Function})
	}
	return res, nil
}

// ChatStream performs a streaming completion over SSE. Tool-call fragments
// are assembled per index and emitted as complete calls when the stream
// finishes with tool_calls.
func (c *OpenRouterClient) ChatStream(ctx context.Context, messages []Message, tools []Tool) <-chan Delta {
	out := make(chan Delta, 16)
	go func() {
		defer close(out)
		c.stream(ctx, messages, tools, out)
	}()
	return out
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

func (c *OpenRouterClient) stream(ctx context.Context, messages []Message, tools []Tool, out chan<- Delta) {
	if c.APIKey == "" {
		out <- Delta{Type: DeltaError, Err: fmt.Errorf("openrouter api key missing")}
		return
	}
	resp, err := c.post(ctx, c.buildRequest(messages, tools, true))
	if err != nil {
		if ctx.Err() != nil {
			out <- Delta{Type: DeltaCancelled}
			return
		}
		out <- Delta{Type: DeltaError, Err: err}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		var cr chatResponse
		msg := strings.TrimSpace(string(b))
		if json.Unmarshal(b, &cr) == nil && cr.Error != nil {
			msg = cr.Error.Message
		}
		out <- Delta{Type: DeltaError, Err: fmt.Errorf("openrouter error: status=%d %s", resp.StatusCode, msg)}
		return
	}

	calls := map[int]*partialCall{}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			out <- Delta{Type: DeltaCancelled}
			return
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := line[len("data: "):]
		if data == "[DONE]" {
			out <- Delta{Type: DeltaDone, FinishReason: "stop"}
			return
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			out <- Delta{Type: DeltaError, Err: fmt.Errorf("openrouter error: %s", chunk.Error.Message)}
			return
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			out <- Delta{Type: DeltaContent, Text: delta.Content}
		}
		if r := firstNonEmpty(delta.ReasoningContent, delta.Reasoning); r != "" {
			out <- Delta{Type: DeltaReasoning, Text: r}
		}
		for _, tc := range delta.ToolCalls {
			pc, ok := calls[tc.Index]
			if !ok {
				pc = &partialCall{}
				calls[tc.Index] = pc
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args.WriteString(tc.Function.Arguments)
		}

		if choice.FinishReason != "" {
			if choice.FinishReason == "tool_calls" {
				emitAssembledCalls(calls, out)
			}
			out <- Delta{Type: DeltaDone, FinishReason: choice.FinishReason}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			out <- Delta{Type: DeltaCancelled}
			return
		}
		out <- Delta{Type: DeltaError, Err: fmt.Errorf("openrouter: read stream: %w", err)}
		return
	}
	out <- Delta{Type: DeltaDone, FinishReason: "stop"}
}

func emitAssembledCalls(calls map[int]*partialCall, out chan<- Delta) {
	idxs := make([]int, 0, len(calls))
	for i := range calls {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	for _, i := range idxs {
		pc := calls[i]
		args := strings.TrimSpace(pc.args.String())
		// Some providers drop the opening brace on streamed arguments.
		if args != "" && !strings.HasPrefix(args, "{") {
			args = "{" + args
		}
		out <- Delta{Type: DeltaToolCall, ToolCall: &ToolCall{
			ID:       pc.id,
			Type:     "function",
			Function: FunctionCall{Name: pc.name, Arguments: args},
		}}
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
