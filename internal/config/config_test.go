package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("HTTP_ADDRESS", "")
	t.Setenv("GATEWAY_URL", "")
	t.Setenv("PROXY_MODEL", "")
	t.Setenv("DISPATCH_DELAY_MS", "")

	cfg := Load()
	if cfg.HTTPAddress != ":37374" {
		t.Fatalf("HTTPAddress = %q", cfg.HTTPAddress)
	}
	if cfg.GatewayURL != "ws://127.0.0.1:18789" {
		t.Fatalf("GatewayURL = %q", cfg.GatewayURL)
	}
	if cfg.ProxyModel != "openai/gpt-oss-120b" {
		t.Fatalf("ProxyModel = %q", cfg.ProxyModel)
	}
	if cfg.DispatchDelay != 10*time.Second {
		t.Fatalf("DispatchDelay = %s", cfg.DispatchDelay)
	}
	if cfg.SilenceDuration != 800*time.Millisecond || cfg.MinSpeech != 250*time.Millisecond {
		t.Fatalf("vad defaults = %s %s", cfg.SilenceDuration, cfg.MinSpeech)
	}
	if !cfg.TTSEnabled || cfg.TTSBackend != "deepgram" {
		t.Fatalf("tts defaults = %v %q", cfg.TTSEnabled, cfg.TTSBackend)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("HTTP_ADDRESS", ":9000")
	t.Setenv("DISPATCH_DELAY_MS", "2500")
	t.Setenv("VAD_ENERGY_THRESHOLD", "0.05")
	t.Setenv("TTS_ENABLED", "false")
	t.Setenv("WAKEWORD_ENABLED", "true")

	cfg := Load()
	if cfg.HTTPAddress != ":9000" {
		t.Fatalf("HTTPAddress = %q", cfg.HTTPAddress)
	}
	if cfg.DispatchDelay != 2500*time.Millisecond {
		t.Fatalf("DispatchDelay = %s", cfg.DispatchDelay)
	}
	if cfg.EnergyThreshold != 0.05 {
		t.Fatalf("EnergyThreshold = %g", cfg.EnergyThreshold)
	}
	if cfg.TTSEnabled {
		t.Fatalf("TTSEnabled should be false")
	}
	if !cfg.WakewordEnabled {
		t.Fatalf("WakewordEnabled should be true")
	}
}

func TestLoad_BadNumbersFallBack(t *testing.T) {
	t.Setenv("DISPATCH_DELAY_MS", "soon")
	t.Setenv("MAX_HISTORY_PAIRS", "lots")
	t.Setenv("TTS_ENABLED", "maybe")

	cfg := Load()
	if cfg.DispatchDelay != 10*time.Second {
		t.Fatalf("DispatchDelay = %s", cfg.DispatchDelay)
	}
	if cfg.MaxHistoryPairs != 15 {
		t.Fatalf("MaxHistoryPairs = %d", cfg.MaxHistoryPairs)
	}
	if !cfg.TTSEnabled {
		t.Fatalf("TTSEnabled should fall back to true")
	}
}
