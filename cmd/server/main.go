package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mflRevan/conv-proxy/internal/config"
	"github.com/mflRevan/conv-proxy/internal/dispatch"
	"github.com/mflRevan/conv-proxy/internal/gateway"
	"github.com/mflRevan/conv-proxy/internal/httpserver"
	"github.com/mflRevan/conv-proxy/internal/live"
	"github.com/mflRevan/conv-proxy/internal/llm"
	"github.com/mflRevan/conv-proxy/internal/proxy"
	"github.com/mflRevan/conv-proxy/internal/stt"
	"github.com/mflRevan/conv-proxy/internal/tts"
	"github.com/mflRevan/conv-proxy/internal/voice"
)

// broadcastSink mirrors planner side effects to the frontends and aborts
// the active run on an explicit stop.
type broadcastSink struct {
	hub *live.Hub
	gw  *gateway.Client
}

func (s *broadcastSink) StopRequested() {
	s.hub.Broadcast(map[string]any{"type": "proxy_interrupt"})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sessions, err := s.gw.ListSessions(ctx)
		if err != nil {
			log.Printf("interrupt: list sessions: %v", err)
			return
		}
		key := ""
		for _, sess := range sessions {
			if sess.Kind == "main" || sess.Kind == "channel" {
				key = sess.Key
				break
			}
		}
		if key == "" && len(sessions) > 0 {
			key = sessions[0].Key
		}
		if key == "" {
			return
		}
		if err := s.gw.AbortRun(ctx, key); err != nil {
			log.Printf("interrupt: abort %s: %v", key, err)
		}
	}()
}

func (s *broadcastSink) TaskUpdated(task string) {
	s.hub.Broadcast(map[string]any{"type": "task_updated", "task": task})
}

func (s *broadcastSink) TaskQueued(task string) {
	s.hub.Broadcast(map[string]any{"type": "task_queued", "task": task})
}

func (s *broadcastSink) TaskDispatched(task string) {
	s.hub.Broadcast(map[string]any{"type": "task_dispatched", "task": task})
}

func buildSynth(cfg config.Config) voice.Synthesizer {
	switch cfg.TTSBackend {
	case "elevenlabs":
		if cfg.ElevenLabsKey == "" || cfg.ElevenLabsVoiceID == "" {
			log.Println("tts: elevenlabs backend selected but key or voice id missing, speech disabled")
			return nil
		}
		return tts.NewElevenLabsClient(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID)
	default:
		if cfg.DeepgramKey == "" {
			log.Println("tts: deepgram key missing, speech disabled")
			return nil
		}
		return tts.NewDeepgramClient(cfg.DeepgramKey, cfg.TTSModel)
	}
}

func main() {
	// Include sub-second precision in all log timestamps
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg := config.Load()

	hub := live.NewHub()
	gw := gateway.NewClient(gateway.Config{
		URL:    cfg.GatewayURL,
		Token:  cfg.GatewayToken,
		Origin: cfg.GatewayOrigin,
	})

	engine := llm.NewOpenRouterClient(cfg.OpenRouterKey, cfg.ProxyModel)
	planner := proxy.NewController(engine, &broadcastSink{hub: hub, gw: gw})
	planner.SetDispatchDelay(cfg.DispatchDelay)
	planner.SetMaxHistoryPairs(cfg.MaxHistoryPairs)

	var scorer voice.Scorer
	if cfg.WakewordEndpoint != "" {
		scorer = voice.NewHTTPScorer(cfg.WakewordEndpoint, cfg.WakewordToken)
	}
	detector := voice.NewDetector(cfg.WakewordEnabled, cfg.WakewordThreshold, scorer)

	vadCfg := voice.DefaultConfig()
	vadCfg.EnergyThreshold = cfg.EnergyThreshold
	vadCfg.SilenceDuration = cfg.SilenceDuration
	vadCfg.MinSpeech = cfg.MinSpeech
	vadCfg.WakewordWindow = cfg.WakewordWindow

	synth := buildSynth(cfg)
	pipe := voice.NewPipeline(vadCfg, synth, detector)

	var transcriber stt.Transcriber
	if cfg.DeepgramKey != "" {
		transcriber = stt.NewDeepgramClient(cfg.DeepgramKey, cfg.STTModel)
	}

	handler := live.NewHandler(hub, planner, pipe, transcriber, gw, cfg.TTSEnabled && synth != nil)

	events := gateway.NewManager()
	events.OnBroadcast = hub.Broadcast
	events.OnContext = func(sessionKey string, snap gateway.ContextSnapshot) {
		turns := make([]proxy.AgentTurn, 0, len(snap.Turns))
		for _, t := range snap.Turns {
			turns = append(turns, proxy.AgentTurn{Role: t.Role, Content: t.Content})
		}
		planner.UpdateAgentContext(proxy.ContextUpdate{
			Status:          snap.Status,
			CurrentTask:     snap.CurrentTask,
			Turns:           turns,
			JustFinished:    snap.JustFinished,
			CompletionBrief: snap.CompletionBrief,
		})
		if snap.JustFinished {
			if brief := planner.PopPendingCompletionBrief(); brief != "" {
				go handler.AnnounceBrief(brief)
			}
		}
	}
	gw.OnEvent = events.HandleEvent
	gw.OnStateChange = func(st gateway.ConnectionState) {
		hub.Broadcast(map[string]any{"type": "gateway_status", "state": string(st)})
	}

	sched := dispatch.NewScheduler(planner, gw, hub.Broadcast)
	srv := httpserver.New(planner, gw, handler, handler.HandleWS, hub, events)

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Echo,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Run(ctx) })
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error {
		log.Printf("server listening on %s", cfg.HTTPAddress)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("graceful shutdown failed: %v", err)
			_ = httpSrv.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("server error: %v", err)
	}
	log.Println("shutdown complete")
}
