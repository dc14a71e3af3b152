package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the finance assistant client.
type Config struct {
	APIBaseURL    string
	HTTPTimeout   time.Duration
	APIMaxRetries int

	LiveWSURL             string
	LiveChunkInterval     time.Duration
	LiveInactivityTimeout time.Duration

	CaptureCommand    string
	CaptureSampleRate int

	TokenPath            string
	ConversationStoreURL string

	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	LogLevel  string
	LogFormat string
}

// Load reads an optional .env file plus environment variables and applies defaults.
func Load() (Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() (Config, error) {
	cfg := Config{
		APIBaseURL:        envOrDefault("API_BASE_URL", "https://ai-finance-accountant-agent-5iu7.onrender.com"),
		LiveWSURL:         envOrDefault("LIVE_WS_URL", "ws://localhost:8000/voice/live"),
		CaptureCommand:    envOrDefault("CAPTURE_COMMAND", "arecord -q -f S16_LE -r 16000 -c 1 -t raw"),
		CaptureSampleRate: 16000,
		TokenPath:         stringsTrimSpace("TOKEN_PATH"),
		// Empty keeps the conversation in memory only.
		ConversationStoreURL: stringsTrimSpace("CONVERSATION_STORE_URL"),
		BindAddr:             envOrDefault("APP_BIND_ADDR", "127.0.0.1:8090"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "accountant"),
		LogLevel:             envOrDefault("LOG_LEVEL", "info"),
		LogFormat:            envOrDefault("LOG_FORMAT", "console"),
		HTTPTimeout:          60 * time.Second,
		APIMaxRetries:        2,
		LiveChunkInterval:    100 * time.Millisecond,
		ShutdownTimeout:      10 * time.Second,
	}

	var err error
	cfg.HTTPTimeout, err = durationFromEnv("HTTP_TIMEOUT", cfg.HTTPTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.LiveChunkInterval, err = durationFromEnv("LIVE_CHUNK_INTERVAL", cfg.LiveChunkInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.LiveInactivityTimeout, err = durationFromEnv("LIVE_INACTIVITY_TIMEOUT", cfg.LiveInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CaptureSampleRate, err = intFromEnv("CAPTURE_SAMPLE_RATE", cfg.CaptureSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.APIMaxRetries, err = intFromEnv("API_MAX_RETRIES", cfg.APIMaxRetries)
	if err != nil {
		return Config{}, err
	}

	if cfg.TokenPath == "" {
		cfg.TokenPath = defaultTokenPath()
	}
	cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges that the environment parsers cannot enforce.
func (c Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("API_BASE_URL cannot be empty")
	}
	if strings.TrimSpace(c.LiveWSURL) == "" {
		return fmt.Errorf("LIVE_WS_URL cannot be empty")
	}
	if c.LiveChunkInterval < 10*time.Millisecond || c.LiveChunkInterval > 2*time.Second {
		return fmt.Errorf("LIVE_CHUNK_INTERVAL must be in [10ms,2s]")
	}
	if c.LiveInactivityTimeout < 0 {
		return fmt.Errorf("LIVE_INACTIVITY_TIMEOUT must be >= 0")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive")
	}
	if c.APIMaxRetries < 0 || c.APIMaxRetries > 5 {
		return fmt.Errorf("API_MAX_RETRIES must be in [0,5]")
	}
	if c.CaptureSampleRate <= 0 {
		return fmt.Errorf("CAPTURE_SAMPLE_RATE must be positive")
	}
	return nil
}

func defaultTokenPath() string {
	dir, err := os.UserConfigDir()
	if err != nil || strings.TrimSpace(dir) == "" {
		return ".accountant-token.json"
	}
	return filepath.Join(dir, "accountant", "token.json")
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}
