package config_test

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"WingLedger/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wing.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// ============================================================================
// Loading
// ============================================================================

func TestLoad_WithoutConfigFile_UsesDefaults(t *testing.T) {
	t.Setenv("WING_CONFIG", "")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(cfg, config.Default()) {
		t.Errorf("config does not match defaults.\nActual: %+v\nExpected: %+v", cfg, config.Default())
	}
}

func TestLoad_YAMLOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
postgresDsn: "postgres://file/db"
withdrawalFeeBps: 25
sweepInterval: 30s
airlinePools: ["ek", " sq "]
feed:
  apiKey: "k-123"
  routes: ["DXB-JFK"]
  pollInterval: 5m
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PostgresDSN != "postgres://file/db" {
		t.Errorf("dsn: got %q", cfg.PostgresDSN)
	}
	if cfg.WithdrawalFeeBps != 25 {
		t.Errorf("fee: got %d, want 25", cfg.WithdrawalFeeBps)
	}
	if cfg.SweepInterval != 30*time.Second {
		t.Errorf("sweep: got %s, want 30s", cfg.SweepInterval)
	}
	if !reflect.DeepEqual(cfg.AirlinePools, []string{"EK", "SQ"}) {
		t.Errorf("airline pools: got %v", cfg.AirlinePools)
	}
	if cfg.Feed.APIKey != "k-123" || cfg.Feed.PollInterval != 5*time.Minute {
		t.Errorf("feed: %+v", cfg.Feed)
	}
	// untouched keys keep their defaults
	if cfg.Feed.CacheTTL != 24*time.Hour || cfg.GRPCAddr != ":9090" {
		t.Errorf("defaults lost: ttl %s grpc %s", cfg.Feed.CacheTTL, cfg.GRPCAddr)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, `
postgresDsn: "postgres://file/db"
httpAddr: ":8000"
`)
	t.Setenv("WING_POSTGRES_DSN", "postgres://env/db")
	t.Setenv("WING_ORACLE_REPORTERS", "FlightFeed,ops-desk")
	t.Setenv("WING_FEED_API_KEY", "env-key")
	t.Setenv("WING_FEED_POLL_INTERVAL", "1m")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PostgresDSN != "postgres://env/db" {
		t.Errorf("dsn: got %q, want env value", cfg.PostgresDSN)
	}
	if cfg.HTTPAddr != ":8000" {
		t.Errorf("http addr: got %q, want yaml value", cfg.HTTPAddr)
	}
	if !reflect.DeepEqual(cfg.OracleReporters, []string{"flightfeed", "ops-desk"}) {
		t.Errorf("reporters: got %v", cfg.OracleReporters)
	}
	if cfg.Feed.APIKey != "env-key" || cfg.Feed.PollInterval != time.Minute {
		t.Errorf("feed: %+v", cfg.Feed)
	}
}

func TestLoad_ConfigPathFromEnv(t *testing.T) {
	path := writeConfig(t, `metricsAddr: ":7000"`)
	t.Setenv("WING_CONFIG", path)

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MetricsAddr != ":7000" {
		t.Errorf("metrics addr: got %q", cfg.MetricsAddr)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}
	if _, err := config.Load(writeConfig(t, "postgresDsn: [")); err == nil {
		t.Error("malformed yaml should fail")
	}
	t.Setenv("WING_WITHDRAWAL_FEE_BPS", "not-a-number")
	if _, err := config.Load(""); err == nil {
		t.Error("malformed env should fail")
	}
}

// ============================================================================
// Validation
// ============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"fee above 100%", func(c *config.Config) { c.WithdrawalFeeBps = 10_001 }},
		{"negative fee", func(c *config.Config) { c.WithdrawalFeeBps = -1 }},
		{"no dsn", func(c *config.Config) { c.PostgresDSN = "" }},
		{"zero sweep", func(c *config.Config) { c.SweepInterval = 0 }},
		{"zero batch", func(c *config.Config) { c.PersistBatchSize = 0 }},
		{"feed reporter not authorized", func(c *config.Config) { c.OracleReporters = []string{"ops"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	cfg := config.Default()
	cfg.Feed.Enabled = false
	cfg.OracleReporters = nil
	if err := cfg.Validate(); err != nil {
		t.Errorf("disabled feed needs no reporter: %v", err)
	}
}

func TestContext(t *testing.T) {
	if config.FromContext(context.Background()) != nil {
		t.Error("empty context should have no config")
	}
	cfg := config.Default()
	ctx := config.WithContext(context.Background(), cfg)
	if config.FromContext(ctx) != cfg {
		t.Error("config not carried on context")
	}
}
