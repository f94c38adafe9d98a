package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	c, err := cfg.Clock()
	if err != nil {
		t.Fatalf("clock: %v", err)
	}
	if c == nil {
		t.Fatal("nil clock")
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
port: "9090"
log_level: debug
database:
  driver: sqlite
  path: /var/lib/ledger/ledger.db
redis:
  url: redis://cache:6379/0
  ttl: 10s
venue:
  timezone: America/New_York
  roll_hour: 18
multipliers:
  default: "500"
  prefixes:
    ES: "50"
    NQ: "20"
retry:
  max_tries: 7
  initial_interval: 25ms
`)
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("RATE_LIMIT_RPS", "0")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9090" || cfg.Database.Path != "/var/lib/ledger/ledger.db" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("env should override file, log_level = %q", cfg.LogLevel)
	}
	if cfg.Redis.TTL != 10*time.Second || cfg.Retry.InitialInterval != 25*time.Millisecond || cfg.Retry.MaxTries != 7 {
		t.Errorf("durations/retry = %+v %+v", cfg.Redis, cfg.Retry)
	}
	if cfg.Venue.RollHour != 18 || cfg.Venue.CutoffHour != 8 {
		t.Errorf("venue = %+v", cfg.Venue)
	}
	if cfg.RateLimit.RPS != 0 {
		t.Errorf("rate limit rps = %v", cfg.RateLimit.RPS)
	}

	reg, err := cfg.Registry(nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if got := reg.Multiplier("ESU5"); !got.Equal(decimal.NewFromInt(50)) {
		t.Errorf("ESU5 multiplier = %s", got)
	}
}

func TestLoad_MissingDefaultFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LEDGER_CONFIG", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Port != "8080" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestLoad_MissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestLoad_DatabaseURLSelectsPostgres(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LEDGER_CONFIG", "")
	t.Setenv("DATABASE_URL", "postgres://ledger@db/ledger")
	t.Setenv("MULTIPLIERS", "ES=50, CL=1000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.DSN != "postgres://ledger@db/ledger" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Multipliers.Prefixes["CL"] != "1000" || cfg.Multipliers.Prefixes["ES"] != "50" {
		t.Errorf("prefixes = %v", cfg.Multipliers.Prefixes)
	}
}

func TestApplyEnv_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad int", map[string]string{"VENUE_ROLL_HOUR": "five"}},
		{"bad duration", map[string]string{"REDIS_TTL": "soon"}},
		{"bad retry", map[string]string{"RETRY_MAX_TRIES": "-1"}},
		{"bad pairs", map[string]string{"MULTIPLIERS": "ES"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			err := cfg.applyEnv(func(k string) string { return tt.env[k] })
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }},
		{"hour out of range", func(c *Config) { c.Venue.CloseHour = 24 }},
		{"zero retries", func(c *Config) { c.Retry.MaxTries = 0 }},
		{"negative rps", func(c *Config) { c.RateLimit.RPS = -1 }},
		{"no workers", func(c *Config) { c.FinalizeWorkers = 0 }},
		{"bad default multiplier", func(c *Config) { c.Multipliers.Default = "x" }},
		{"bad prefix multiplier", func(c *Config) { c.Multipliers.Prefixes = map[string]string{"ES": "fifty"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
