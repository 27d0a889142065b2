package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration
type Config struct {
	Engine   EngineConfig
	Database DatabaseConfig
	NATS     NATSConfig
	Admin    AdminConfig
	Tracing  TracingConfig
}

// EngineConfig holds dispatch engine settings
type EngineConfig struct {
	MaxBufferedPerKey    int
	OverflowPolicy       string
	KeyIdleTimeout       time.Duration
	PausePolicy          string
	PauseDelay           time.Duration
	PauseMaxDelay        time.Duration
	PauseMultiplier      float64
	AckRetryBudget       int
	ReconnectInitial     time.Duration
	ReconnectMax         time.Duration
	ReconnectMultiplier  float64
	ReconnectMaxAttempts int
	HandlerTimeout       time.Duration
	ShutdownGrace        time.Duration
	Workers              int
	SweepInterval        time.Duration
	Dedup                string
	DedupCapacity        int
	DedupRetention       time.Duration
	EventWebhookURL      string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NATSConfig holds NATS connection settings
type NATSConfig struct {
	URL           string
	Stream        string
	Subject       string
	Consumer      string
	AckWait       time.Duration
	MaxAckPending int
	MaxDeliver    int
	NakDelay      time.Duration
	EnableDLQ     bool
}

// AdminConfig holds operator API settings
type AdminConfig struct {
	Port        int
	JWTSecret   string
	TokenTTL    time.Duration
	CORSOrigins []string
	MetricsPath string
	TLSCertFile string
	TLSKeyFile  string
}

// TracingConfig holds tracing settings
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Endpoint    string
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxBufferedPerKey:    getEnvInt("ENGINE_MAX_BUFFERED_PER_KEY", 1000),
			OverflowPolicy:       getEnv("ENGINE_OVERFLOW_POLICY", "block"),
			KeyIdleTimeout:       getEnvDuration("ENGINE_KEY_IDLE_TIMEOUT", 5*time.Minute),
			PausePolicy:          getEnv("ENGINE_PAUSE_POLICY", "backoff"),
			PauseDelay:           getEnvDuration("ENGINE_PAUSE_DELAY", time.Second),
			PauseMaxDelay:        getEnvDuration("ENGINE_PAUSE_MAX_DELAY", time.Minute),
			PauseMultiplier:      getEnvFloat("ENGINE_PAUSE_MULTIPLIER", 2),
			AckRetryBudget:       getEnvInt("ENGINE_ACK_RETRY_BUDGET", 5),
			ReconnectInitial:     getEnvDuration("ENGINE_RECONNECT_INITIAL", 500*time.Millisecond),
			ReconnectMax:         getEnvDuration("ENGINE_RECONNECT_MAX", 30*time.Second),
			ReconnectMultiplier:  getEnvFloat("ENGINE_RECONNECT_MULTIPLIER", 2),
			ReconnectMaxAttempts: getEnvInt("ENGINE_RECONNECT_MAX_ATTEMPTS", 10),
			HandlerTimeout:       getEnvDuration("ENGINE_HANDLER_TIMEOUT", 0),
			ShutdownGrace:        getEnvDuration("ENGINE_SHUTDOWN_GRACE", 10*time.Second),
			Workers:              getEnvInt("ENGINE_WORKERS", 0),
			SweepInterval:        getEnvDuration("ENGINE_SWEEP_INTERVAL", time.Second),
			Dedup:                getEnv("ENGINE_DEDUP", "memory"),
			DedupCapacity:        getEnvInt("ENGINE_DEDUP_CAPACITY", 100_000),
			DedupRetention:       getEnvDuration("ENGINE_DEDUP_RETENTION", 7*24*time.Hour),
			EventWebhookURL:      getEnv("ENGINE_EVENT_WEBHOOK_URL", ""),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "orderedsub"),
			Password: getEnv("DB_PASSWORD", "orderedsub"),
			Database: getEnv("DB_NAME", "orderedsub"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		NATS: NATSConfig{
			URL:           getEnv("NATS_URL", "nats://localhost:4222"),
			Stream:        getEnv("NATS_STREAM", "ORDERED"),
			Subject:       getEnv("NATS_SUBJECT", "ordered.messages"),
			Consumer:      getEnv("NATS_CONSUMER", "orderedsub"),
			AckWait:       getEnvDuration("NATS_ACK_WAIT", 30*time.Second),
			MaxAckPending: getEnvInt("NATS_MAX_ACK_PENDING", 1000),
			MaxDeliver:    getEnvInt("NATS_MAX_DELIVER", -1),
			NakDelay:      getEnvDuration("NATS_NAK_DELAY", 0),
			EnableDLQ:     getEnvBool("NATS_ENABLE_DLQ", true),
		},
		Admin: AdminConfig{
			Port:        getEnvInt("ADMIN_PORT", 8080),
			JWTSecret:   getEnv("ADMIN_JWT_SECRET", ""),
			TokenTTL:    getEnvDuration("ADMIN_TOKEN_TTL", 12*time.Hour),
			CORSOrigins: getEnvList("ADMIN_CORS_ORIGINS", nil),
			MetricsPath: getEnv("METRICS_PATH", "/metrics"),
			TLSCertFile: getEnv("ADMIN_TLS_CERT_FILE", ""),
			TLSKeyFile:  getEnv("ADMIN_TLS_KEY_FILE", ""),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvBool("TRACING_ENABLED", false),
			ServiceName: getEnv("SERVICE_NAME", "orderedsub"),
			Endpoint:    getEnv("OTLP_ENDPOINT", "localhost:4318"),
		},
	}
}

// Validate rejects unknown policies and non-positive budgets
func (c *Config) Validate() error {
	var errs []error
	e := c.Engine

	switch e.OverflowPolicy {
	case "block", "reject":
	default:
		errs = append(errs, fmt.Errorf("ENGINE_OVERFLOW_POLICY: unknown policy %q", e.OverflowPolicy))
	}
	switch e.PausePolicy {
	case "backoff":
		if e.PauseDelay <= 0 || e.PauseMaxDelay < e.PauseDelay {
			errs = append(errs, fmt.Errorf("ENGINE_PAUSE_DELAY: invalid range %v..%v", e.PauseDelay, e.PauseMaxDelay))
		}
		if e.PauseMultiplier < 1 {
			errs = append(errs, fmt.Errorf("ENGINE_PAUSE_MULTIPLIER: must be >= 1, got %v", e.PauseMultiplier))
		}
	case "manual":
	default:
		errs = append(errs, fmt.Errorf("ENGINE_PAUSE_POLICY: unknown policy %q", e.PausePolicy))
	}
	switch e.Dedup {
	case "memory", "postgres", "none":
	default:
		errs = append(errs, fmt.Errorf("ENGINE_DEDUP: unknown ledger %q", e.Dedup))
	}

	if e.MaxBufferedPerKey <= 0 {
		errs = append(errs, fmt.Errorf("ENGINE_MAX_BUFFERED_PER_KEY: must be positive, got %d", e.MaxBufferedPerKey))
	}
	if e.AckRetryBudget <= 0 {
		errs = append(errs, fmt.Errorf("ENGINE_ACK_RETRY_BUDGET: must be positive, got %d", e.AckRetryBudget))
	}
	if e.ReconnectInitial <= 0 || e.ReconnectMax < e.ReconnectInitial {
		errs = append(errs, fmt.Errorf("ENGINE_RECONNECT_INITIAL: invalid range %v..%v", e.ReconnectInitial, e.ReconnectMax))
	}
	if e.ReconnectMultiplier < 1 {
		errs = append(errs, fmt.Errorf("ENGINE_RECONNECT_MULTIPLIER: must be >= 1, got %v", e.ReconnectMultiplier))
	}
	if e.ReconnectMaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("ENGINE_RECONNECT_MAX_ATTEMPTS: must not be negative, got %d", e.ReconnectMaxAttempts))
	}
	if e.ShutdownGrace <= 0 {
		errs = append(errs, fmt.Errorf("ENGINE_SHUTDOWN_GRACE: must be positive, got %v", e.ShutdownGrace))
	}
	if e.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("ENGINE_SWEEP_INTERVAL: must be positive, got %v", e.SweepInterval))
	}
	if e.Dedup == "memory" && e.DedupCapacity <= 0 {
		errs = append(errs, fmt.Errorf("ENGINE_DEDUP_CAPACITY: must be positive, got %d", e.DedupCapacity))
	}
	if c.NATS.MaxAckPending <= 0 {
		errs = append(errs, fmt.Errorf("NATS_MAX_ACK_PENDING: must be positive, got %d", c.NATS.MaxAckPending))
	}
	if (c.Admin.TLSCertFile == "") != (c.Admin.TLSKeyFile == "") {
		errs = append(errs, errors.New("ADMIN_TLS_CERT_FILE and ADMIN_TLS_KEY_FILE must be set together"))
	}

	return errors.Join(errs...)
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
