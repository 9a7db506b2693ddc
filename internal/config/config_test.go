package config

import (
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"EVENT_HANDLER_APPLICATION",
		"EVENT_HANDLER_ADMIN_ADDR",
		"EVENT_HANDLER_GRPC_ADDR",
		"EVENT_HANDLER_METRICS_ADDR",
		"EVENT_HANDLER_ADMIN_TOKEN",
		"EVENT_HANDLER_DEFAULT_CONSISTENCY",
		"EVENT_HANDLER_SUBSCRIBE_BASE_BACKOFF",
		"EVENT_HANDLER_SUBSCRIBE_MAX_BACKOFF",
		"EVENT_HANDLER_REGISTRY_WAIT_TIMEOUT",
		"EVENT_HANDLER_STORE_PATH",
		"EVENT_HANDLER_STORE_RETENTION",
		"EVENT_HANDLER_LOG_LEVEL",
		"EVENT_HANDLER_LOG_PATH",
		"EVENT_HANDLER_LOG_MAX_SIZE_MB",
		"EVENT_HANDLER_LOG_MAX_BACKUPS",
		"EVENT_HANDLER_LOG_MAX_AGE_DAYS",
		"EVENT_HANDLER_LOG_COMPRESS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Application != "app" {
		t.Fatalf("expected default application, got %q", cfg.Application)
	}
	if cfg.AdminAddr != DefaultAdminAddr {
		t.Fatalf("expected default admin addr %q, got %q", DefaultAdminAddr, cfg.AdminAddr)
	}
	if cfg.GRPCAddr != DefaultGRPCAddr {
		t.Fatalf("expected default grpc addr %q, got %q", DefaultGRPCAddr, cfg.GRPCAddr)
	}
	if cfg.MetricsAddr != DefaultMetricsAddr {
		t.Fatalf("expected default metrics addr %q, got %q", DefaultMetricsAddr, cfg.MetricsAddr)
	}
	if cfg.DefaultConsistency != DefaultConsistency {
		t.Fatalf("expected default consistency %q, got %q", DefaultConsistency, cfg.DefaultConsistency)
	}
	if cfg.SubscribeBaseBackoff != DefaultSubscribeBaseBackoff {
		t.Fatalf("expected default base backoff %v, got %v", DefaultSubscribeBaseBackoff, cfg.SubscribeBaseBackoff)
	}
	if cfg.SubscribeMaxBackoff != DefaultSubscribeMaxBackoff {
		t.Fatalf("expected default max backoff %v, got %v", DefaultSubscribeMaxBackoff, cfg.SubscribeMaxBackoff)
	}
	if cfg.RegistryWaitTimeout != DefaultRegistryWaitTimeout {
		t.Fatalf("expected default wait timeout %v, got %v", DefaultRegistryWaitTimeout, cfg.RegistryWaitTimeout)
	}
	if cfg.StoreRetention != DefaultStoreRetention {
		t.Fatalf("expected default retention %d, got %d", DefaultStoreRetention, cfg.StoreRetention)
	}
	if cfg.Logging.Level != DefaultLogLevel {
		t.Fatalf("expected default log level %q, got %q", DefaultLogLevel, cfg.Logging.Level)
	}
	if cfg.Logging.Compress != DefaultLogCompress {
		t.Fatalf("expected default log compress %t, got %t", DefaultLogCompress, cfg.Logging.Compress)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("EVENT_HANDLER_APPLICATION", "ledger")
	t.Setenv("EVENT_HANDLER_ADMIN_ADDR", "127.0.0.1:9000")
	t.Setenv("EVENT_HANDLER_GRPC_ADDR", "127.0.0.1:9001")
	t.Setenv("EVENT_HANDLER_DEFAULT_CONSISTENCY", "STRONG")
	t.Setenv("EVENT_HANDLER_SUBSCRIBE_BASE_BACKOFF", "250ms")
	t.Setenv("EVENT_HANDLER_SUBSCRIBE_MAX_BACKOFF", "10s")
	t.Setenv("EVENT_HANDLER_REGISTRY_WAIT_TIMEOUT", "5s")
	t.Setenv("EVENT_HANDLER_STORE_RETENTION", "128")
	t.Setenv("EVENT_HANDLER_LOG_LEVEL", "debug")
	t.Setenv("EVENT_HANDLER_LOG_COMPRESS", "false")
	t.Setenv("EVENT_HANDLER_ADMIN_TOKEN", "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Application != "ledger" {
		t.Fatalf("unexpected application: %q", cfg.Application)
	}
	if cfg.AdminAddr != "127.0.0.1:9000" {
		t.Fatalf("unexpected admin addr: %q", cfg.AdminAddr)
	}
	if cfg.DefaultConsistency != "strong" {
		t.Fatalf("expected normalized consistency strong, got %q", cfg.DefaultConsistency)
	}
	if cfg.SubscribeBaseBackoff != 250*time.Millisecond {
		t.Fatalf("unexpected base backoff: %v", cfg.SubscribeBaseBackoff)
	}
	if cfg.SubscribeMaxBackoff != 10*time.Second {
		t.Fatalf("unexpected max backoff: %v", cfg.SubscribeMaxBackoff)
	}
	if cfg.RegistryWaitTimeout != 5*time.Second {
		t.Fatalf("unexpected wait timeout: %v", cfg.RegistryWaitTimeout)
	}
	if cfg.StoreRetention != 128 {
		t.Fatalf("unexpected retention: %d", cfg.StoreRetention)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("unexpected log level: %q", cfg.Logging.Level)
	}
	if cfg.Logging.Compress {
		t.Fatalf("expected log compression disabled")
	}
	if cfg.AdminToken != "s3cret" {
		t.Fatalf("unexpected admin token: %q", cfg.AdminToken)
	}
}

func TestLoadReturnsValidationErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("EVENT_HANDLER_DEFAULT_CONSISTENCY", "sometimes")
	t.Setenv("EVENT_HANDLER_SUBSCRIBE_BASE_BACKOFF", "abc")
	t.Setenv("EVENT_HANDLER_STORE_RETENTION", "-1")
	t.Setenv("EVENT_HANDLER_LOG_COMPRESS", "notabool")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error from invalid configuration, got nil")
	}

	for _, want := range []string{
		"EVENT_HANDLER_DEFAULT_CONSISTENCY",
		"EVENT_HANDLER_SUBSCRIBE_BASE_BACKOFF",
		"EVENT_HANDLER_STORE_RETENTION",
		"EVENT_HANDLER_LOG_COMPRESS",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %s, got %q", want, err.Error())
		}
	}
}
