package config

import (
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("TOKEN_PATH", "/tmp/token.json")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error = %v", err)
	}
	if cfg.LiveChunkInterval != 100*time.Millisecond {
		t.Fatalf("LiveChunkInterval = %s, want 100ms", cfg.LiveChunkInterval)
	}
	if cfg.LiveWSURL != "ws://localhost:8000/voice/live" {
		t.Fatalf("LiveWSURL = %q, want default", cfg.LiveWSURL)
	}
	if cfg.ConversationStoreURL != "" {
		t.Fatalf("ConversationStoreURL = %q, want empty default", cfg.ConversationStoreURL)
	}
	if cfg.APIMaxRetries != 2 {
		t.Fatalf("APIMaxRetries = %d, want 2", cfg.APIMaxRetries)
	}
	if cfg.TokenPath != "/tmp/token.json" {
		t.Fatalf("TokenPath = %q, want explicit value", cfg.TokenPath)
	}
}

func TestFromEnvTrimsBaseURL(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("API_BASE_URL", " http://localhost:8000/ ")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error = %v", err)
	}
	if cfg.APIBaseURL != "http://localhost:8000" {
		t.Fatalf("APIBaseURL = %q, want %q", cfg.APIBaseURL, "http://localhost:8000")
	}
}

func TestFromEnvRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "bad duration", key: "HTTP_TIMEOUT", val: "soon"},
		{name: "chunk too small", key: "LIVE_CHUNK_INTERVAL", val: "1ms"},
		{name: "negative inactivity", key: "LIVE_INACTIVITY_TIMEOUT", val: "-1s"},
		{name: "bad sample rate", key: "CAPTURE_SAMPLE_RATE", val: "0"},
		{name: "non numeric sample rate", key: "CAPTURE_SAMPLE_RATE", val: "fast"},
		{name: "too many retries", key: "API_MAX_RETRIES", val: "9"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.val)
			if _, err := FromEnv(); err == nil {
				t.Fatalf("FromEnv() expected error for %s=%q", tc.key, tc.val)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"API_BASE_URL",
		"HTTP_TIMEOUT",
		"API_MAX_RETRIES",
		"LIVE_WS_URL",
		"LIVE_CHUNK_INTERVAL",
		"LIVE_INACTIVITY_TIMEOUT",
		"CAPTURE_COMMAND",
		"CAPTURE_SAMPLE_RATE",
		"TOKEN_PATH",
		"CONVERSATION_STORE_URL",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"LOG_LEVEL",
		"LOG_FORMAT",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
