package dbpool

import (
	"testing"
	"time"
)

func TestConfigAppliesEnvSizing(t *testing.T) {
	t.Setenv("DB_MIN_CONNS", "9")
	t.Setenv("DB_MAX_CONNS", "4")
	t.Setenv("DB_MAX_CONN_IDLE_TIME", "1m")

	cfg, err := Config("postgres://app:pw@localhost:5432/app?sslmode=disable", "share-api")
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if cfg.MaxConns != 4 || cfg.MinConns != 4 {
		t.Fatalf("min must be clamped to max: min=%d max=%d", cfg.MinConns, cfg.MaxConns)
	}
	if cfg.MaxConnIdleTime != time.Minute {
		t.Fatalf("idle time not applied: %s", cfg.MaxConnIdleTime)
	}
	if got := cfg.ConnConfig.RuntimeParams["application_name"]; got != "share-api" {
		t.Fatalf("application_name = %q", got)
	}
}

func TestConfigRejectsBadURL(t *testing.T) {
	if _, err := Config("://bad", ""); err == nil {
		t.Fatalf("expected parse error")
	}
}
