package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("API_ADDR", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("CARDFLOW_OTEL_ENABLED", "")
	t.Setenv("CARDFLOW_MIGRATIONS_DIR", "")

	cfg := Load()
	if cfg.Addr != ":8787" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.RedisURL != "" {
		t.Fatalf("feed should be disabled by default, got %q", cfg.RedisURL)
	}
	if cfg.OTelEnabled {
		t.Fatal("telemetry should be off by default")
	}
	if cfg.ReconcileMaxWait != time.Minute {
		t.Fatalf("ReconcileMaxWait = %v", cfg.ReconcileMaxWait)
	}
	if cfg.MigrationsDir != "" {
		t.Fatalf("migrations should default to the embedded set, got %q", cfg.MigrationsDir)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("API_ADDR", ":9000")
	t.Setenv("CARDFLOW_ACCESS_TTL_SECONDS", "120")
	t.Setenv("CARDFLOW_RECONCILE_MAX_ELAPSED_SECONDS", "not-a-number")
	t.Setenv("CARDFLOW_OTEL_ENABLED", "true")
	t.Setenv("CARDFLOW_FEED_NAMESPACE", "staging")

	cfg := Load()
	if cfg.Addr != ":9000" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.AccessTTL != 2*time.Minute {
		t.Fatalf("AccessTTL = %v", cfg.AccessTTL)
	}
	if cfg.ReconcileMaxWait != time.Minute {
		t.Fatalf("invalid values should fall back, got %v", cfg.ReconcileMaxWait)
	}
	if !cfg.OTelEnabled {
		t.Fatal("expected telemetry enabled")
	}
	if cfg.FeedNamespace != "staging" {
		t.Fatalf("FeedNamespace = %q", cfg.FeedNamespace)
	}
}

func TestLoadRejectsNonPositiveDurations(t *testing.T) {
	t.Setenv("CARDFLOW_RECONCILE_INTERVAL_SECONDS", "0")
	t.Setenv("CARDFLOW_RECONCILE_MAX_ELAPSED_SECONDS", "-5")
	t.Setenv("CARDFLOW_ACCESS_TTL_SECONDS", "0")

	cfg := Load()
	if cfg.ReconcileInterval != 30*time.Second {
		t.Fatalf("ReconcileInterval = %v", cfg.ReconcileInterval)
	}
	if cfg.ReconcileMaxWait != time.Minute {
		t.Fatalf("ReconcileMaxWait = %v", cfg.ReconcileMaxWait)
	}
	if cfg.AccessTTL != time.Hour {
		t.Fatalf("AccessTTL = %v", cfg.AccessTTL)
	}
}
