package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Engine.MaxBufferedPerKey != 1000 {
		t.Errorf("Expected MaxBufferedPerKey 1000, got %d", cfg.Engine.MaxBufferedPerKey)
	}
	if cfg.Engine.OverflowPolicy != "block" {
		t.Errorf("Expected overflow policy block, got %s", cfg.Engine.OverflowPolicy)
	}
	if cfg.Engine.PausePolicy != "backoff" {
		t.Errorf("Expected pause policy backoff, got %s", cfg.Engine.PausePolicy)
	}
	if cfg.Engine.Dedup != "memory" {
		t.Errorf("Expected dedup memory, got %s", cfg.Engine.Dedup)
	}
	if cfg.Engine.HandlerTimeout != 0 {
		t.Errorf("Expected no handler timeout, got %v", cfg.Engine.HandlerTimeout)
	}
	if cfg.NATS.Stream != "ORDERED" {
		t.Errorf("Expected stream ORDERED, got %s", cfg.NATS.Stream)
	}
	if cfg.Admin.Port != 8080 {
		t.Errorf("Expected admin port 8080, got %d", cfg.Admin.Port)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ENGINE_MAX_BUFFERED_PER_KEY", "50")
	t.Setenv("ENGINE_OVERFLOW_POLICY", "reject")
	t.Setenv("ENGINE_PAUSE_POLICY", "manual")
	t.Setenv("ENGINE_PAUSE_MULTIPLIER", "1.5")
	t.Setenv("ENGINE_HANDLER_TIMEOUT", "3s")
	t.Setenv("ENGINE_DEDUP", "postgres")
	t.Setenv("ADMIN_CORS_ORIGINS", "https://a.example.com, https://b.example.com,")
	t.Setenv("TRACING_ENABLED", "true")

	cfg := Load()

	if cfg.Engine.MaxBufferedPerKey != 50 {
		t.Errorf("Expected 50, got %d", cfg.Engine.MaxBufferedPerKey)
	}
	if cfg.Engine.OverflowPolicy != "reject" || cfg.Engine.PausePolicy != "manual" {
		t.Errorf("Unexpected policies %s/%s", cfg.Engine.OverflowPolicy, cfg.Engine.PausePolicy)
	}
	if cfg.Engine.PauseMultiplier != 1.5 {
		t.Errorf("Expected multiplier 1.5, got %v", cfg.Engine.PauseMultiplier)
	}
	if cfg.Engine.HandlerTimeout != 3*time.Second {
		t.Errorf("Expected 3s, got %v", cfg.Engine.HandlerTimeout)
	}
	if len(cfg.Admin.CORSOrigins) != 2 || cfg.Admin.CORSOrigins[1] != "https://b.example.com" {
		t.Errorf("Unexpected CORS origins %v", cfg.Admin.CORSOrigins)
	}
	if !cfg.Tracing.Enabled {
		t.Error("Expected tracing enabled")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}
}

func TestInvalidValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("ENGINE_MAX_BUFFERED_PER_KEY", "lots")
	t.Setenv("ENGINE_KEY_IDLE_TIMEOUT", "soon")

	cfg := Load()
	if cfg.Engine.MaxBufferedPerKey != 1000 {
		t.Errorf("Expected default 1000, got %d", cfg.Engine.MaxBufferedPerKey)
	}
	if cfg.Engine.KeyIdleTimeout != 5*time.Minute {
		t.Errorf("Expected default 5m, got %v", cfg.Engine.KeyIdleTimeout)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown overflow", func(c *Config) { c.Engine.OverflowPolicy = "drop" }, "ENGINE_OVERFLOW_POLICY"},
		{"unknown pause", func(c *Config) { c.Engine.PausePolicy = "never" }, "ENGINE_PAUSE_POLICY"},
		{"unknown dedup", func(c *Config) { c.Engine.Dedup = "redis" }, "ENGINE_DEDUP"},
		{"zero capacity", func(c *Config) { c.Engine.MaxBufferedPerKey = 0 }, "ENGINE_MAX_BUFFERED_PER_KEY"},
		{"zero ack budget", func(c *Config) { c.Engine.AckRetryBudget = 0 }, "ENGINE_ACK_RETRY_BUDGET"},
		{"inverted reconnect", func(c *Config) { c.Engine.ReconnectMax = time.Millisecond }, "ENGINE_RECONNECT_INITIAL"},
		{"inverted pause", func(c *Config) { c.Engine.PauseMaxDelay = time.Millisecond }, "ENGINE_PAUSE_DELAY"},
		{"negative attempts", func(c *Config) { c.Engine.ReconnectMaxAttempts = -1 }, "ENGINE_RECONNECT_MAX_ATTEMPTS"},
		{"zero sweep", func(c *Config) { c.Engine.SweepInterval = 0 }, "ENGINE_SWEEP_INTERVAL"},
		{"half tls", func(c *Config) { c.Admin.TLSCertFile = "cert.pem" }, "ADMIN_TLS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error mentioning %s, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateManualIgnoresBackoffFields(t *testing.T) {
	cfg := Load()
	cfg.Engine.PausePolicy = "manual"
	cfg.Engine.PauseDelay = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected manual policy to ignore delays, got %v", err)
	}
}
