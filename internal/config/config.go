package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string

	GatewayURL    string
	GatewayToken  string
	GatewayOrigin string

	OpenRouterKey string
	ProxyModel    string

	DeepgramKey string
	STTModel    string

	TTSEnabled        bool
	TTSBackend        string // deepgram | elevenlabs
	TTSModel          string
	ElevenLabsKey     string
	ElevenLabsVoiceID string

	EnergyThreshold float64
	SilenceDuration time.Duration
	MinSpeech       time.Duration

	WakewordEnabled   bool
	WakewordThreshold float64
	WakewordWindow    time.Duration
	WakewordEndpoint  string
	WakewordToken     string

	DispatchDelay   time.Duration
	MaxHistoryPairs int
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	addr := os.Getenv("HTTP_ADDRESS")
	if addr == "" {
		addr = ":37374"
	}

	openRouterKey := os.Getenv("OPENROUTER_API_KEY")
	if openRouterKey == "" {
		log.Println("Warning: OPENROUTER_API_KEY not set - planner will not work")
	}

	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	if deepgramKey == "" {
		log.Println("Warning: DEEPGRAM_API_KEY not set - transcription will not work")
	}

	ttsBackend := getEnv("TTS_BACKEND", "deepgram")
	elevenKey := os.Getenv("ELEVENLABS_API_KEY")
	if ttsBackend == "elevenlabs" && elevenKey == "" {
		log.Println("Warning: ELEVENLABS_API_KEY not set - TTS will not work")
	}

	gatewayToken := os.Getenv("GATEWAY_TOKEN")
	if gatewayToken == "" {
		log.Println("Warning: GATEWAY_TOKEN not set - gateway auth may fail")
	}

	cfg := Config{
		HTTPAddress: addr,

		GatewayURL:    getEnv("GATEWAY_URL", "ws://127.0.0.1:18789"),
		GatewayToken:  gatewayToken,
		GatewayOrigin: getEnv("GATEWAY_ORIGIN", "http://127.0.0.1:18789"),

		OpenRouterKey: openRouterKey,
		ProxyModel:    getEnv("PROXY_MODEL", "openai/gpt-oss-120b"),

		DeepgramKey: deepgramKey,
		STTModel:    getEnv("STT_MODEL", "nova-2"),

		TTSEnabled:        getBool("TTS_ENABLED", true),
		TTSBackend:        ttsBackend,
		TTSModel:          getEnv("TTS_MODEL", "aura-2-thalia-en"),
		ElevenLabsKey:     elevenKey,
		ElevenLabsVoiceID: os.Getenv("ELEVENLABS_VOICE_ID"),

		EnergyThreshold: getFloat("VAD_ENERGY_THRESHOLD", 0.015),
		SilenceDuration: getMillis("VAD_SILENCE_MS", 800*time.Millisecond),
		MinSpeech:       getMillis("VAD_MIN_SPEECH_MS", 250*time.Millisecond),

		WakewordEnabled:   getBool("WAKEWORD_ENABLED", false),
		WakewordThreshold: getFloat("WAKEWORD_THRESHOLD", 0.55),
		WakewordWindow:    getMillis("WAKEWORD_ACTIVE_WINDOW_MS", 10*time.Second),
		WakewordEndpoint:  os.Getenv("WAKEWORD_ENDPOINT"),
		WakewordToken:     os.Getenv("WAKEWORD_TOKEN"),

		DispatchDelay:   getMillis("DISPATCH_DELAY_MS", 10*time.Second),
		MaxHistoryPairs: getInt("MAX_HISTORY_PAIRS", 15),
	}

	log.Printf("config: HTTP_ADDRESS=%s GATEWAY_URL=%s PROXY_MODEL=%s TTS=%s(%v)",
		cfg.HTTPAddress, cfg.GatewayURL, cfg.ProxyModel, cfg.TTSBackend, cfg.TTSEnabled)
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("Warning: %s=%q is not a bool, using %v", key, v, defaultValue)
		return defaultValue
	}
	return b
}

func getInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("Warning: %s=%q is not an int, using %d", key, v, defaultValue)
		return defaultValue
	}
	return n
}

func getFloat(key string, defaultValue float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("Warning: %s=%q is not a number, using %g", key, v, defaultValue)
		return defaultValue
	}
	return f
}

func getMillis(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		log.Printf("Warning: %s=%q is not a millisecond count, using %s", key, v, defaultValue)
		return defaultValue
	}
	return time.Duration(n) * time.Millisecond
}
