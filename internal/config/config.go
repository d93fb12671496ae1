// Package config loads process configuration from the environment (with
// a best-effort .env via godotenv), using plain env-var-with-fallback
// loading rather than a config file format.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/voxrelay/orchestrator/pkg/usage"
)

// Config holds every knob this process reads at startup.
type Config struct {
	ListenAddr string
	LogFormat  string // "tint" (default, colorized dev console) or "json"

	MongoURI string // empty selects the in-memory usage store

	DispatcherQueueDepth int
	SampleRate           int
	Channels             int

	STTProvider string // "deepgram", "groq", "openai", "assemblyai"
	LLMProvider string // "openai", "anthropic", "google", "groq"
	TTSProvider string // "lokutor"

	STTModel string
	LLMModel string

	STTAPIKey string
	LLMAPIKey string
	TTSAPIKey string

	Usage usage.Config
}

// Load reads .env (if present, ignored otherwise) then the process
// environment, applying the defaults named in §6.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),
		LogFormat:  getEnv("LOG_FORMAT", "tint"),

		MongoURI: getEnv("MONGO_URI", ""),

		DispatcherQueueDepth: getEnvInt("DISPATCHER_QUEUE_DEPTH", 64),
		SampleRate:           getEnvInt("AUDIO_SAMPLE_RATE", 16000),
		Channels:             getEnvInt("AUDIO_CHANNELS", 1),

		STTProvider: getEnv("STT_PROVIDER", "deepgram"),
		LLMProvider: getEnv("LLM_PROVIDER", "openai"),
		TTSProvider: getEnv("TTS_PROVIDER", "lokutor"),

		STTModel: getEnv("STT_MODEL", "whisper-1"),
		LLMModel: getEnv("LLM_MODEL", "gpt-4o"),

		STTAPIKey: getEnv("STT_API_KEY", ""),
		LLMAPIKey: getEnv("LLM_API_KEY", ""),
		TTSAPIKey: getEnv("TTS_API_KEY", ""),

		Usage: usage.Config{
			SessionLimitMinutes:        getEnvInt("USAGE_SESSION_LIMIT_MINUTES", 30),
			DailyLimitMinutes:          getEnvInt("USAGE_DAILY_LIMIT_MINUTES", 120),
			MonthlyLimitMinutes:        getEnvInt("USAGE_MONTHLY_LIMIT_MINUTES", 1800),
			BytesPerMs:                 getEnvInt("USAGE_BYTES_PER_MS", 32),
			WarningRatio:               getEnvFloat("USAGE_WARNING_RATIO", 0.8),
			Enabled:                    getEnvBool("USAGE_ENABLED", true),
			AbuseReconnectWindow:       getEnvDuration("USAGE_ABUSE_RECONNECT_WINDOW", 300*time.Second),
			AbuseReconnectThreshold:    getEnvInt("USAGE_ABUSE_RECONNECT_THRESHOLD", 10),
			AbuseContinuousThresholdMs: int64(getEnvInt("USAGE_ABUSE_CONTINUOUS_THRESHOLD_MINUTES", 30)) * 60 * 1000,
			AbuseContinuousGap:         getEnvDuration("USAGE_ABUSE_CONTINUOUS_GAP", 5*time.Second),
			AbuseLongSessionWallClock:  getEnvDuration("USAGE_ABUSE_LONG_SESSION_WALL_CLOCK", 2*time.Hour),
			AbuseLongSessionActiveRatio: getEnvFloat("USAGE_ABUSE_LONG_SESSION_ACTIVE_RATIO", 0.5),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields a misconfigured deployment would otherwise
// fail on only once a session is already in flight.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR cannot be empty")
	}
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return fmt.Errorf("AUDIO_SAMPLE_RATE and AUDIO_CHANNELS must be positive")
	}
	if c.DispatcherQueueDepth <= 0 {
		return fmt.Errorf("DISPATCHER_QUEUE_DEPTH must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return d
}
