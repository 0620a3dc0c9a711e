package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.ServiceName != "margin-engine" {
		t.Fatalf("service name=%s", cfg.ServiceName)
	}
	if cfg.HTTPPort != 8090 {
		t.Fatalf("http port=%d", cfg.HTTPPort)
	}
	if cfg.MaintenanceMarginBps != 50 {
		t.Fatalf("mmr bps=%d", cfg.MaintenanceMarginBps)
	}
	if len(cfg.Markets) != 3 {
		t.Fatalf("markets=%v", cfg.Markets)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("MARKETS", "BTCUSDT, DOGEUSDT ,")
	t.Setenv("FEED_SPREAD_BPS", "100")
	t.Setenv("DB_CONN_MAX_LIFETIME", "10m")

	cfg := Load()
	if cfg.HTTPPort != 9000 {
		t.Fatalf("http port=%d", cfg.HTTPPort)
	}
	if len(cfg.Markets) != 2 || cfg.Markets[1] != "DOGEUSDT" {
		t.Fatalf("markets=%v", cfg.Markets)
	}
	if cfg.FeedSpreadBps != 100 {
		t.Fatalf("spread=%d", cfg.FeedSpreadBps)
	}
	if cfg.DBConnMaxLifetime != 10*time.Minute {
		t.Fatalf("lifetime=%v", cfg.DBConnMaxLifetime)
	}
}

func TestLoadBadValuesFallBack(t *testing.T) {
	t.Setenv("HTTP_PORT", "not-a-number")
	t.Setenv("TRACING_ENABLED", "maybe")

	cfg := Load()
	if cfg.HTTPPort != 8090 {
		t.Fatalf("http port=%d, want default", cfg.HTTPPort)
	}
	if cfg.TracingEnabled {
		t.Fatal("tracing enabled, want default false")
	}
}

func TestDSN(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "5432")

	got := Load().DSN()
	want := "host=db.internal port=5432 user=exchange password=exchange123 dbname=exchange sslmode=disable"
	if got != want {
		t.Fatalf("dsn=%q, want %q", got, want)
	}
}
