// Package config loads and validates the runtime tunables for the event
// handler runtime from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAdminAddr is the default TCP address the admin HTTP server binds to.
	DefaultAdminAddr = ":8080"
	// DefaultGRPCAddr is the default TCP address the admin gRPC server binds to.
	DefaultGRPCAddr = ":8090"
	// DefaultMetricsAddr is the default TCP address the Prometheus endpoint binds to.
	DefaultMetricsAddr = ":9090"

	// DefaultConsistency is used when neither the handler nor the environment
	// declares a consistency mode.
	DefaultConsistency = "eventual"

	// DefaultSubscribeBaseBackoff is the initial resubscribe delay.
	DefaultSubscribeBaseBackoff = time.Second
	// DefaultSubscribeMaxBackoff caps the resubscribe delay.
	DefaultSubscribeMaxBackoff = 60 * time.Second

	// DefaultRegistryWaitTimeout bounds how long wait_for blocks by default.
	DefaultRegistryWaitTimeout = 30 * time.Second

	// DefaultStoreRetention bounds how many events the reference store keeps
	// once every subscriber has acknowledged them.
	DefaultStoreRetention = 4096

	// DefaultLogLevel controls verbosity for runtime logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "eventhandler.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the event handler runtime process.
type Config struct {
	Application string

	AdminAddr   string
	GRPCAddr    string
	MetricsAddr string
	AdminToken  string

	// DefaultConsistency is the ambient consistency mode applied to handlers
	// that do not declare one explicitly (spec §9: an injected configuration
	// value, never a hidden process global).
	DefaultConsistency string

	SubscribeBaseBackoff time.Duration
	SubscribeMaxBackoff  time.Duration

	RegistryWaitTimeout time.Duration

	StorePath      string
	StoreRetention int

	Logging LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the runtime configuration from environment variables, applying
// sane defaults and returning a descriptive error for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Application:          getString("EVENT_HANDLER_APPLICATION", "app"),
		AdminAddr:            getString("EVENT_HANDLER_ADMIN_ADDR", DefaultAdminAddr),
		GRPCAddr:             getString("EVENT_HANDLER_GRPC_ADDR", DefaultGRPCAddr),
		MetricsAddr:          getString("EVENT_HANDLER_METRICS_ADDR", DefaultMetricsAddr),
		AdminToken:           strings.TrimSpace(os.Getenv("EVENT_HANDLER_ADMIN_TOKEN")),
		DefaultConsistency:   strings.ToLower(getString("EVENT_HANDLER_DEFAULT_CONSISTENCY", DefaultConsistency)),
		SubscribeBaseBackoff: DefaultSubscribeBaseBackoff,
		SubscribeMaxBackoff:  DefaultSubscribeMaxBackoff,
		RegistryWaitTimeout:  DefaultRegistryWaitTimeout,
		StorePath:            strings.TrimSpace(os.Getenv("EVENT_HANDLER_STORE_PATH")),
		StoreRetention:       DefaultStoreRetention,
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("EVENT_HANDLER_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("EVENT_HANDLER_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("EVENT_HANDLER_SUBSCRIBE_BASE_BACKOFF")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("EVENT_HANDLER_SUBSCRIBE_BASE_BACKOFF must be a positive duration, got %q", raw))
		} else {
			cfg.SubscribeBaseBackoff = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("EVENT_HANDLER_SUBSCRIBE_MAX_BACKOFF")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("EVENT_HANDLER_SUBSCRIBE_MAX_BACKOFF must be a positive duration, got %q", raw))
		} else {
			cfg.SubscribeMaxBackoff = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("EVENT_HANDLER_REGISTRY_WAIT_TIMEOUT")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("EVENT_HANDLER_REGISTRY_WAIT_TIMEOUT must be a positive duration, got %q", raw))
		} else {
			cfg.RegistryWaitTimeout = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("EVENT_HANDLER_STORE_RETENTION")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("EVENT_HANDLER_STORE_RETENTION must be a positive integer, got %q", raw))
		} else {
			cfg.StoreRetention = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("EVENT_HANDLER_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("EVENT_HANDLER_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("EVENT_HANDLER_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("EVENT_HANDLER_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("EVENT_HANDLER_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("EVENT_HANDLER_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("EVENT_HANDLER_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("EVENT_HANDLER_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	switch cfg.DefaultConsistency {
	case "eventual", "strong":
	default:
		problems = append(problems, fmt.Sprintf("EVENT_HANDLER_DEFAULT_CONSISTENCY must be %q or %q, got %q", "eventual", "strong", cfg.DefaultConsistency))
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
