package live

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"log"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/mflRevan/conv-proxy/internal/gateway"
	"github.com/mflRevan/conv-proxy/internal/proxy"
	"github.com/mflRevan/conv-proxy/internal/stt"
	"github.com/mflRevan/conv-proxy/internal/voice"
)

// Planner is the controller surface the live handler drives.
type Planner interface {
	ProcessMessageStream(ctx context.Context, userMsg string) <-chan proxy.StreamEvent
	Snapshot() proxy.Snapshot
}

// GatewayStatus reports the upstream connection for the init message.
type GatewayStatus interface {
	Connected() bool
	State() gateway.ConnectionState
}

const transcribeTimeout = 15 * time.Second

// Handler owns the frontend WebSocket: audio frames in, VAD events,
// transcriptions, planner deltas and synthesized audio out.
type Handler struct {
	Hub      *Hub
	Planner  Planner
	Pipeline *voice.Pipeline
	STT      stt.Transcriber
	Gateway  GatewayStatus

	upgrader websocket.Upgrader

	// turnMu serializes planner turns: one streamed response at a time.
	turnMu sync.Mutex

	mu         sync.Mutex
	ttsEnabled bool
}

func NewHandler(hub *Hub, planner Planner, pipeline *voice.Pipeline, transcriber stt.Transcriber, gw GatewayStatus, ttsEnabled bool) *Handler {
	return &Handler{
		Hub:        hub,
		Planner:    planner,
		Pipeline:   pipeline,
		STT:        transcriber,
		Gateway:    gw,
		ttsEnabled: ttsEnabled,
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

func (h *Handler) TTSEnabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ttsEnabled
}

func (h *Handler) SetTTSEnabled(on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ttsEnabled = on
}

type vadTuning struct {
	EnergyThreshold *float64 `json:"energy_threshold"`
	SilenceMs       *int     `json:"silence_duration_ms"`
	MinSpeechMs     *int     `json:"min_speech_ms"`
}

type wakewordTuning struct {
	Enabled   *bool    `json:"enabled"`
	Threshold *float64 `json:"threshold"`
	WindowMs  *int     `json:"active_window_ms"`
}

type inboundMsg struct {
	Type     string          `json:"type"`
	Data     string          `json:"data"`
	Message  string          `json:"message"`
	VAD      *vadTuning      `json:"vad"`
	Wakeword *wakewordTuning `json:"wakeword"`
	TTS      *bool           `json:"tts"`
}

// HandleWS upgrades the connection and runs its read loop until the
// frontend goes away.
func (h *Handler) HandleWS(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	cl := &client{id: uuid.NewString()[:8], conn: conn}
	h.Hub.add(cl)
	defer func() {
		h.Hub.remove(cl.id)
		conn.Close()
		log.Printf("[%s] frontend disconnected", cl.id)
	}()
	log.Printf("[%s] frontend connected", cl.id)

	h.sendInit(cl)

	for {
		var msg inboundMsg
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[%s] read error: %v", cl.id, err)
			}
			return nil
		}

		switch msg.Type {
		case "audio_chunk":
			h.handleAudioChunk(cl, msg.Data)

		case "proxy_message":
			if text := strings.TrimSpace(msg.Message); text != "" {
				go h.RunTurn(text)
			}

		case "config":
			h.applyTuning(msg)

		case "cancel":
			h.Pipeline.CancelOutput()
			_ = cl.send(map[string]any{"type": "state", "state": "idle"})
		}
	}
}

func (h *Handler) sendInit(cl *client) {
	connected, state := false, "disabled"
	if h.Gateway != nil {
		connected = h.Gateway.Connected()
		state = string(h.Gateway.State())
	}
	snap := h.Planner.Snapshot()
	if err := cl.send(map[string]any{
		"type":       "init",
		"gateway":    map[string]any{"connected": connected, "state": state},
		"scratchpad": snap.ScratchpadTask,
		"queued":     snap.QueuedTask,
	}); err != nil {
		log.Printf("[%s] init write failed: %v", cl.id, err)
	}
}

func (h *Handler) handleAudioChunk(cl *client, data string) {
	if data == "" {
		return
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		log.Printf("[%s] bad audio payload: %v", cl.id, err)
		return
	}
	frame := pcm16ToFloat32(raw)
	if len(frame) == 0 {
		return
	}

	ev := h.Pipeline.ProcessChunk(frame)
	if ev == "" {
		return
	}
	_ = cl.send(map[string]any{"type": "vad", "event": ev})

	if ev == voice.EventSpeechEnd {
		audio := h.Pipeline.TakeAudio()
		go h.transcribeAndRun(cl, audio)
	}
}

// transcribeAndRun runs off the read loop so frames keep flowing while
// the STT request is in flight.
func (h *Handler) transcribeAndRun(cl *client, audio []float32) {
	var text string
	if h.STT != nil {
		ctx, cancel := context.WithTimeout(context.Background(), transcribeTimeout)
		defer cancel()
		t, err := h.STT.Transcribe(ctx, audio, h.Pipeline.InputSampleRate())
		if err != nil {
			log.Printf("[%s] transcription failed: %v", cl.id, err)
		} else {
			text = strings.TrimSpace(t)
		}
	}
	if text == "" {
		h.Pipeline.FinishResponse()
		return
	}
	_ = cl.send(map[string]any{"type": "transcription", "text": text, "final": true})
	h.RunTurn(text)
}

// RunTurn streams one planner turn to every frontend, then speaks the
// reply when synthesis is enabled. A new turn supersedes whatever is
// still streaming or speaking: the in-flight response is cancelled
// before this one takes the turn lock.
func (h *Handler) RunTurn(text string) {
	h.Pipeline.CancelOutput()
	h.turnMu.Lock()
	defer h.turnMu.Unlock()

	ctx := h.Pipeline.StartResponse(context.Background())
	h.Hub.Broadcast(map[string]any{"type": "state", "state": "processing"})

	var full strings.Builder
	for ev := range h.Planner.ProcessMessageStream(ctx, text) {
		switch ev.Type {
		case proxy.StreamContent:
			full.WriteString(ev.Text)
			h.Hub.Broadcast(map[string]any{"type": "proxy_delta", "delta": ev.Text})

		case proxy.StreamReasoning:
			h.Hub.Broadcast(map[string]any{"type": "proxy_reasoning", "delta": ev.Text})

		case proxy.StreamAction:
			snap := h.Planner.Snapshot()
			h.Hub.Broadcast(map[string]any{
				"type": "proxy_action", "action": ev.Action, "task": ev.Task,
				"scratchpad": snap.ScratchpadTask, "queued": snap.QueuedTask,
				"dispatchDelay": snap.DispatchDelaySeconds,
			})

		case proxy.StreamDone:
			snap := h.Planner.Snapshot()
			h.Hub.Broadcast(map[string]any{
				"type": "proxy_done", "message": full.String(),
				"scratchpad": snap.ScratchpadTask, "queued": snap.QueuedTask,
				"dispatchDelay": snap.DispatchDelaySeconds,
			})

		case proxy.StreamCancelled:
			// Barge-in already moved the pipeline to listening.
			h.Hub.Broadcast(map[string]any{"type": "proxy_cancelled"})
			return

		case proxy.StreamError:
			errMsg := ""
			if ev.Err != nil {
				errMsg = ev.Err.Error()
			}
			h.Hub.Broadcast(map[string]any{"type": "proxy_error", "message": errMsg})
			h.Pipeline.FinishResponse()
			h.Hub.Broadcast(map[string]any{"type": "state", "state": "idle"})
			return
		}
	}

	h.speak(full.String())
}

// AnnounceBrief pushes a finished run's summary to the frontends and
// speaks it, clearing the path for the next dispatch.
func (h *Handler) AnnounceBrief(brief string) {
	if brief == "" {
		return
	}
	h.turnMu.Lock()
	defer h.turnMu.Unlock()

	h.Pipeline.StartResponse(context.Background())
	h.Hub.Broadcast(map[string]any{"type": "completion_brief", "brief": brief})
	h.speak(brief)
}

func (h *Handler) speak(reply string) {
	if h.TTSEnabled() && reply != "" && h.Pipeline.SampleRate() > 0 {
		h.Hub.Broadcast(map[string]any{"type": "state", "state": "speaking"})
		h.Pipeline.BeginSpeaking()

		audioCh, _ := h.Pipeline.SynthesizeStreaming(voice.StripMarkdown(reply))
		first := true
		for chunk := range audioCh {
			h.Hub.Broadcast(map[string]any{
				"type":        "audio",
				"content":     base64.StdEncoding.EncodeToString(chunk),
				"sample_rate": h.Pipeline.SampleRate(),
				"first":       first,
			})
			first = false
		}
	}
	h.Pipeline.FinishResponse()
	h.Hub.Broadcast(map[string]any{"type": "state", "state": "idle"})
}

func (h *Handler) applyTuning(msg inboundMsg) {
	if msg.VAD != nil {
		var energy float64
		var silence, minSpeech time.Duration
		if msg.VAD.EnergyThreshold != nil {
			energy = *msg.VAD.EnergyThreshold
		}
		if msg.VAD.SilenceMs != nil {
			silence = time.Duration(*msg.VAD.SilenceMs) * time.Millisecond
		}
		if msg.VAD.MinSpeechMs != nil {
			minSpeech = time.Duration(*msg.VAD.MinSpeechMs) * time.Millisecond
		}
		h.Pipeline.SetVAD(energy, silence, minSpeech)
	}
	if msg.Wakeword != nil {
		if ww := h.Pipeline.Wakeword(); ww != nil {
			ww.SetConfig(msg.Wakeword.Enabled, msg.Wakeword.Threshold)
		}
		if msg.Wakeword.WindowMs != nil {
			h.Pipeline.SetWakewordWindow(time.Duration(*msg.Wakeword.WindowMs) * time.Millisecond)
		}
	}
	if msg.TTS != nil {
		h.SetTTSEnabled(*msg.TTS)
	}
}

// pcm16ToFloat32 converts little-endian 16-bit samples to [-1, 1).
func pcm16ToFloat32(raw []byte) []float32 {
	n := len(raw) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(raw[i*2:]))
		out[i] = float32(s) / float32(math.MaxInt16+1)
	}
	return out
}
