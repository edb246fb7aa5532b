package httpserver

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mflRevan/conv-proxy/internal/gateway"
	"github.com/mflRevan/conv-proxy/internal/proxy"
)

// Planner is the controller surface the REST API needs.
type Planner interface {
	Snapshot() proxy.Snapshot
	SetScratchpad(task string)
	QueueScratchpad() (string, bool)
	ClearTaskBuffer()
	SetDispatchDelay(d time.Duration)
}

// Gateway is the upstream surface the REST API needs.
type Gateway interface {
	Connected() bool
	State() gateway.ConnectionState
	ListSessions(ctx context.Context) ([]gateway.SessionInfo, error)
	SendMessage(ctx context.Context, sessionKey, message string) error
	AbortRun(ctx context.Context, sessionKey string) error
	GetHistory(ctx context.Context, sessionKey string, limit int) ([]map[string]any, error)
}

// ClientCounter reports how many frontends are connected.
type ClientCounter interface {
	Count() int
}

// AgentStates reports the last-known agent status per gateway session.
type AgentStates interface {
	Sessions() map[string]string
}

// TurnRunner drives planner turns and speech output.
type TurnRunner interface {
	RunTurn(text string)
	TTSEnabled() bool
	SetTTSEnabled(on bool)
}

// Server wires the REST API and the live WebSocket onto one router.
type Server struct {
	Echo *echo.Echo

	planner Planner
	gw      Gateway
	turns   TurnRunner
	clients ClientCounter
	agents  AgentStates
}

// New constructs the HTTP server with routes. ws handles the frontend
// WebSocket upgrade.
func New(planner Planner, gw Gateway, turns TurnRunner, ws echo.HandlerFunc, clients ClientCounter, agents AgentStates) *Server {
	s := &Server{Echo: NewRouter(), planner: planner, gw: gw, turns: turns, clients: clients, agents: agents}

	e := s.Echo
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/api/status", s.handleStatus)
	e.GET("/api/sessions", s.handleSessions)
	e.GET("/api/history", s.handleHistory)
	e.POST("/api/abort", s.handleAbort)
	e.POST("/api/plan/message", s.handlePlanMessage)
	e.GET("/api/plan/scratchpad", s.handleGetScratchpad)
	e.POST("/api/plan/scratchpad", s.handleSetScratchpad)
	e.POST("/api/plan/dispatch", s.handleDispatch)
	e.POST("/api/settings", s.handleSettings)
	if ws != nil {
		e.GET("/ws", ws)
	}
	return s
}

func (s *Server) handleStatus(c echo.Context) error {
	connected, state := false, "disabled"
	if s.gw != nil {
		connected = s.gw.Connected()
		state = string(s.gw.State())
	}
	clients := 0
	if s.clients != nil {
		clients = s.clients.Count()
	}
	agents := map[string]string{}
	if s.agents != nil {
		agents = s.agents.Sessions()
	}
	return c.JSON(http.StatusOK, map[string]any{
		"ok":      true,
		"gateway": map[string]any{"connected": connected, "state": state},
		"voice":   map[string]any{"tts": s.turns != nil && s.turns.TTSEnabled()},
		"plan":    s.planner.Snapshot(),
		"clients": clients,
		"agents":  agents,
	})
}

func (s *Server) handleSessions(c echo.Context) error {
	if s.gw == nil || !s.gw.Connected() {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "gateway not connected"})
	}
	sessions, err := s.gw.ListSessions(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]any{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleHistory(c echo.Context) error {
	sessionKey := c.QueryParam("sessionKey")
	if sessionKey == "" {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "sessionKey required"})
	}
	if s.gw == nil || !s.gw.Connected() {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "gateway not connected"})
	}
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	messages, err := s.gw.GetHistory(c.Request().Context(), sessionKey, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]any{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"sessionKey": sessionKey, "messages": messages})
}

func (s *Server) handleAbort(c echo.Context) error {
	var body struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := c.Bind(&body); err != nil || body.SessionKey == "" {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "sessionKey required"})
	}
	if s.gw == nil || !s.gw.Connected() {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "gateway not connected"})
	}
	if err := s.gw.AbortRun(c.Request().Context(), body.SessionKey); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]any{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handlePlanMessage(c echo.Context) error {
	var body struct {
		Message string `json:"message"`
	}
	if err := c.Bind(&body); err != nil || strings.TrimSpace(body.Message) == "" {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "message required"})
	}
	if s.turns == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "planner not available"})
	}
	go s.turns.RunTurn(strings.TrimSpace(body.Message))
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleGetScratchpad(c echo.Context) error {
	snap := s.planner.Snapshot()
	return c.JSON(http.StatusOK, map[string]any{
		"scratchpad": snap.ScratchpadTask,
		"queued":     snap.QueuedTask,
	})
}

func (s *Server) handleSetScratchpad(c echo.Context) error {
	var body struct {
		Task  string `json:"task"`
		Queue bool   `json:"queue"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid body"})
	}
	if body.Task != "" {
		s.planner.SetScratchpad(body.Task)
	}
	if body.Queue {
		if _, ok := s.planner.QueueScratchpad(); !ok {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "task buffer is empty"})
		}
	}
	snap := s.planner.Snapshot()
	return c.JSON(http.StatusOK, map[string]any{
		"ok":         true,
		"scratchpad": snap.ScratchpadTask,
		"queued":     snap.QueuedTask,
	})
}

// handleDispatch sends the buffered task to a session immediately,
// bypassing the scheduler gate.
func (s *Server) handleDispatch(c echo.Context) error {
	var body struct {
		SessionKey string `json:"sessionKey"`
		Task       string `json:"task"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid body"})
	}
	if s.gw == nil || !s.gw.Connected() {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "gateway not connected"})
	}

	snap := s.planner.Snapshot()
	task := snap.QueuedTask
	if task == "" {
		task = snap.ScratchpadTask
	}
	if task == "" {
		task = body.Task
	}
	if body.SessionKey == "" || task == "" {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "sessionKey and task required"})
	}

	if err := s.gw.SendMessage(c.Request().Context(), body.SessionKey, task); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]any{"error": err.Error()})
	}
	s.planner.ClearTaskBuffer()
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "dispatched": clip(task, 200)})
}

func (s *Server) handleSettings(c echo.Context) error {
	var body struct {
		DispatchDelayMs *int  `json:"dispatchDelayMs"`
		TTSEnabled      *bool `json:"ttsEnabled"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid body"})
	}
	if body.DispatchDelayMs != nil && *body.DispatchDelayMs > 0 {
		s.planner.SetDispatchDelay(time.Duration(*body.DispatchDelayMs) * time.Millisecond)
	}
	if body.TTSEnabled != nil && s.turns != nil {
		s.turns.SetTTSEnabled(*body.TTSEnabled)
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

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
