package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnectionState of the gateway link.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

type Config struct {
	URL           string
	Token         string
	Origin        string
	ClientID      string
	ClientVersion string

	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	RequestTimeout time.Duration
}

func (c *Config) defaults() {
	if c.ClientID == "" {
		c.ClientID = "conv-proxy"
	}
	if c.ClientVersion == "" {
		c.ClientVersion = "0.1.0"
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
}

// Event is a normalized agent or chat event from the gateway stream.
type Event struct {
	Type       string // agent | chat
	Stream     string // lifecycle | tool | assistant | error, or chat type
	RunID      string
	Seq        int
	SessionKey string
	Data       map[string]any
}

// SessionInfo describes one gateway session.
type SessionInfo struct {
	Key         string `json:"key"`
	Kind        string `json:"kind"`
	DisplayName string `json:"displayName"`
	SessionID   string `json:"sessionId"`
	Model       string `json:"model"`
}

type frame struct {
	Type    string          `json:"type,omitempty"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *frameError     `json:"error,omitempty"`
}

type frameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client speaks the gateway WebSocket protocol: challenge handshake,
// request/response correlation and an event stream, with automatic
// reconnect.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer

	mu         sync.Mutex
	conn       *websocket.Conn
	state      ConnectionState
	pending    map[string]chan frame
	reqCounter int
	attempts   int

	writeMu sync.Mutex

	// OnEvent and OnStateChange run on the receive loop and must not
	// block.
	OnEvent       func(Event)
	OnStateChange func(ConnectionState)
}

func NewClient(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		state:   StateDisconnected,
		pending: map[string]chan frame{},
	}
}

func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected && c.conn != nil
}

func (c *Client) setState(s ConnectionState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	cb := c.OnStateChange
	c.mu.Unlock()
	if changed && cb != nil {
		cb(s)
	}
}

// Run connects and serves the link until ctx is done, reconnecting with
// capped exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			c.setState(StateDisconnected)
			return err
		}

		conn, err := c.connect(ctx)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.attempts = 0
			c.mu.Unlock()
			c.setState(StateConnected)

			c.recvLoop(ctx, conn)
		} else {
			log.Printf("gateway: connect failed: %v", err)
		}

		c.teardown()
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}

		c.setState(StateReconnecting)
		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()
		delay := c.backoff(attempt)
		log.Printf("gateway: reconnecting in %s (attempt %d)", delay, attempt)
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	if attempt > 5 {
		attempt = 5
	}
	d := c.cfg.ReconnectBase * (1 << attempt)
	if d > c.cfg.ReconnectMax {
		d = c.cfg.ReconnectMax
	}
	return d
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	c.setState(StateConnecting)

	header := http.Header{}
	if c.cfg.Origin != "" {
		header.Set("Origin", c.cfg.Origin)
	}
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	fail := func(err error) (*websocket.Conn, error) {
		conn.Close()
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var challenge frame
	if err := conn.ReadJSON(&challenge); err != nil {
		return fail(fmt.Errorf("read challenge: %w", err))
	}
	if challenge.Event != "connect.challenge" {
		return fail(fmt.Errorf("expected connect.challenge, got %q", challenge.Event))
	}

	connectReq := frame{
		Type:   "req",
		ID:     c.nextID(),
		Method: "connect",
		Params: map[string]any{
			"minProtocol": 3,
			"maxProtocol": 3,
			"client": map[string]any{
				"id":       c.cfg.ClientID,
				"version":  c.cfg.ClientVersion,
				"platform": "linux",
				"mode":     "ui",
			},
			"role":        "operator",
			"scopes":      []string{"operator.read", "operator.write", "operator.admin"},
			"caps":        []string{"tool-events"},
			"commands":    []string{},
			"permissions": map[string]any{},
			"auth":        map[string]any{"token": c.cfg.Token},
			"locale":      "en-US",
			"userAgent":   "conv-proxy/" + c.cfg.ClientVersion,
		},
	}
	if err := conn.WriteJSON(connectReq); err != nil {
		return fail(fmt.Errorf("send connect: %w", err))
	}

	var hello frame
	if err := conn.ReadJSON(&hello); err != nil {
		return fail(fmt.Errorf("read hello: %w", err))
	}
	if !hello.OK {
		msg := "unknown"
		if hello.Error != nil {
			msg = hello.Error.Message
		}
		return fail(fmt.Errorf("gateway handshake rejected: %s", msg))
	}
	_ = conn.SetReadDeadline(time.Time{})

	log.Printf("gateway: connected to %s", c.cfg.URL)
	return conn, nil
}

func (c *Client) recvLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var msg frame
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				log.Printf("gateway: connection closed: %v", err)
			}
			return
		}

		switch msg.Type {
		case "res":
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
		case "event":
			c.handleEvent(msg)
		}
	}
}

func (c *Client) handleEvent(msg frame) {
	cb := c.OnEvent
	if cb == nil {
		return
	}
	var payload map[string]any
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return
		}
	}

	switch msg.Event {
	case "agent":
		ev := Event{Type: "agent"}
		ev.Stream, _ = payload["stream"].(string)
		ev.RunID, _ = payload["runId"].(string)
		if seq, ok := payload["seq"].(float64); ok {
			ev.Seq = int(seq)
		}
		ev.SessionKey, _ = payload["sessionKey"].(string)
		ev.Data, _ = payload["data"].(map[string]any)
		cb(ev)
	case "agent.event":
		// Some gateway builds namespace the event.
		ev := Event{Type: "agent"}
		ev.Stream, _ = payload["stream"].(string)
		ev.RunID, _ = payload["runId"].(string)
		ev.SessionKey, _ = payload["sessionKey"].(string)
		ev.Data, _ = payload["data"].(map[string]any)
		cb(ev)
	case "chat":
		ev := Event{Type: "chat", Data: payload}
		ev.Stream, _ = payload["type"].(string)
		ev.SessionKey, _ = payload["sessionKey"].(string)
		cb(ev)
	case "health", "presence", "tick", "heartbeat":
		// ignore
	}
}

func (c *Client) teardown() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	pending := c.pending
	c.pending = map[string]chan frame{}
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- frame{Error: &frameError{Code: "disconnected", Message: "gateway disconnected"}}
	}
}

func (c *Client) nextID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqCounter++
	return fmt.Sprintf("r%d", c.reqCounter)
}

func (c *Client) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("gateway not connected")
	}
	c.reqCounter++
	id := fmt.Sprintf("r%d", c.reqCounter)
	ch := make(chan frame, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := frame{Type: "req", ID: id, Method: method, Params: params}
	c.writeMu.Lock()
	err := conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.Error != nil && !res.OK {
			return nil, fmt.Errorf("%s failed: %s", method, res.Error.Message)
		}
		if !res.OK {
			return nil, fmt.Errorf("%s failed", method)
		}
		return res.Payload, nil
	case <-timer.C:
		c.dropPending(id)
		return nil, fmt.Errorf("%s timed out after %s", method, c.cfg.RequestTimeout)
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// ListSessions returns the gateway's active sessions.
func (c *Client) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	payload, err := c.request(ctx, "sessions.list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var out struct {
		Sessions []SessionInfo `json:"sessions"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("sessions.list: decode payload: %w", err)
	}
	return out.Sessions, nil
}

// SendMessage delivers a user message to a session, triggering an agent
// run.
func (c *Client) SendMessage(ctx context.Context, sessionKey, message string) error {
	_, err := c.request(ctx, "chat.send", map[string]any{
		"sessionKey": sessionKey,
		"message":    message,
	})
	return err
}

// AbortRun stops the current agent run for a session.
func (c *Client) AbortRun(ctx context.Context, sessionKey string) error {
	_, err := c.request(ctx, "chat.abort", map[string]any{"sessionKey": sessionKey})
	return err
}

// GetHistory fetches recent chat messages for a session.
func (c *Client) GetHistory(ctx context.Context, sessionKey string, limit int) ([]map[string]any, error) {
	payload, err := c.request(ctx, "chat.history", map[string]any{
		"sessionKey": sessionKey,
		"limit":      limit,
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Messages []map[string]any `json:"messages"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("chat.history: decode payload: %w", err)
	}
	return out.Messages, nil
}
