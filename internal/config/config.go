// Package config loads ledger configuration. Values come from code
// defaults, then an optional YAML file, then a .env file, then the process
// environment; later sources win.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/settlement-ledger/internal/clock"
	"github.com/atmx/settlement-ledger/internal/contract"
)

// DefaultPath is read when LEDGER_CONFIG is unset.
const DefaultPath = "config/ledger.yaml"

// ErrInvalid is returned for configuration that fails validation.
var ErrInvalid = errors.New("config: invalid")

// Config is the complete service configuration.
type Config struct {
	Port            string           `yaml:"port"`
	LogLevel        string           `yaml:"log_level"`
	Database        DatabaseConfig   `yaml:"database"`
	Redis           RedisConfig      `yaml:"redis"`
	Venue           VenueConfig      `yaml:"venue"`
	Multipliers     MultiplierConfig `yaml:"multipliers"`
	Retry           RetryConfig      `yaml:"retry"`
	RateLimit       RateLimitConfig  `yaml:"rate_limit"`
	FinalizeWorkers int              `yaml:"finalize_workers"`
}

// DatabaseConfig selects the store backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// RedisConfig enables the read-through query cache when URL is set.
type RedisConfig struct {
	URL string        `yaml:"url"`
	TTL time.Duration `yaml:"ttl"`
}

// VenueConfig describes the exchange calendar.
type VenueConfig struct {
	Timezone   string `yaml:"timezone"`
	RollHour   int    `yaml:"roll_hour"`
	CutoffHour int    `yaml:"cutoff_hour"`
	CloseHour  int    `yaml:"close_hour"`
}

// MultiplierConfig maps symbol prefixes to contract multipliers.
type MultiplierConfig struct {
	Default  string            `yaml:"default"`
	Prefixes map[string]string `yaml:"prefixes"`
}

// RetryConfig bounds batch-level retries of transient store failures.
type RetryConfig struct {
	MaxTries        uint          `yaml:"max_tries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// RateLimitConfig bounds API requests per second; zero RPS disables it.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:     "8080",
		LogLevel: "info",
		Database: DatabaseConfig{Driver: "sqlite", Path: "./ledger.db"},
		Redis:    RedisConfig{TTL: 30 * time.Second},
		Venue: VenueConfig{
			Timezone:   "America/Chicago",
			RollHour:   17,
			CutoffHour: 8,
			CloseHour:  16,
		},
		Multipliers:     MultiplierConfig{Default: contract.DefaultMultiplier.String()},
		Retry:           RetryConfig{MaxTries: 5, InitialInterval: 50 * time.Millisecond, MaxInterval: 2 * time.Second},
		RateLimit:       RateLimitConfig{RPS: 50, Burst: 100},
		FinalizeWorkers: 4,
	}
}

// Load builds the configuration. An empty path selects LEDGER_CONFIG or
// DefaultPath; a missing file is only an error when named explicitly.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		if env := os.Getenv("LEDGER_CONFIG"); env != "" {
			path, explicit = env, true
		} else {
			path = DefaultPath
		}
	}
	if err := cfg.loadFile(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			slog.Debug("no config file, using defaults", "path", path)
		} else {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("error loading .env file, relying on environment", "err", err)
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	var errs []error
	integer := func(key string, dst *int) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s=%q", ErrInvalid, key, v))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			dur, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s=%q", ErrInvalid, key, v))
				return
			}
			*dst = dur
		}
	}

	str("PORT", &c.Port)
	str("LOG_LEVEL", &c.LogLevel)
	str("DATABASE_DRIVER", &c.Database.Driver)
	str("DATABASE_PATH", &c.Database.Path)
	if v := strings.TrimSpace(getenv("DATABASE_URL")); v != "" {
		c.Database.DSN = v
		if getenv("DATABASE_DRIVER") == "" {
			c.Database.Driver = "postgres"
		}
	}
	str("REDIS_URL", &c.Redis.URL)
	duration("REDIS_TTL", &c.Redis.TTL)
	str("VENUE_TIMEZONE", &c.Venue.Timezone)
	integer("VENUE_ROLL_HOUR", &c.Venue.RollHour)
	integer("VENUE_CUTOFF_HOUR", &c.Venue.CutoffHour)
	integer("VENUE_CLOSE_HOUR", &c.Venue.CloseHour)
	str("MULTIPLIER_DEFAULT", &c.Multipliers.Default)
	if v := strings.TrimSpace(getenv("MULTIPLIERS")); v != "" {
		prefixes, err := parsePairs(v)
		if err != nil {
			errs = append(errs, err)
		} else {
			c.Multipliers.Prefixes = prefixes
		}
	}
	if v := strings.TrimSpace(getenv("RETRY_MAX_TRIES")); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: RETRY_MAX_TRIES=%q", ErrInvalid, v))
		} else {
			c.Retry.MaxTries = uint(n)
		}
	}
	duration("RETRY_INITIAL_INTERVAL", &c.Retry.InitialInterval)
	if v := strings.TrimSpace(getenv("RATE_LIMIT_RPS")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: RATE_LIMIT_RPS=%q", ErrInvalid, v))
		} else {
			c.RateLimit.RPS = f
		}
	}
	integer("RATE_LIMIT_BURST", &c.RateLimit.Burst)
	integer("FINALIZE_WORKERS", &c.FinalizeWorkers)
	return errors.Join(errs...)
}

// parsePairs reads "ES=50,NQ=20".
func parsePairs(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("%w: MULTIPLIERS entry %q", ErrInvalid, part)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}

// Validate checks value ranges and cross-field consistency.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, fmt.Errorf("%w: database.path is required for sqlite", ErrInvalid))
		}
	case "postgres":
		if c.Database.DSN == "" {
			errs = append(errs, fmt.Errorf("%w: database.dsn is required for postgres", ErrInvalid))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("%w: unknown database.driver %q", ErrInvalid, c.Database.Driver))
	}
	for name, h := range map[string]int{"roll_hour": c.Venue.RollHour, "cutoff_hour": c.Venue.CutoffHour, "close_hour": c.Venue.CloseHour} {
		if h < 0 || h > 23 {
			errs = append(errs, fmt.Errorf("%w: venue.%s %d out of range", ErrInvalid, name, h))
		}
	}
	if c.Retry.MaxTries == 0 {
		errs = append(errs, fmt.Errorf("%w: retry.max_tries must be positive", ErrInvalid))
	}
	if c.RateLimit.RPS < 0 {
		errs = append(errs, fmt.Errorf("%w: rate_limit.rps must not be negative", ErrInvalid))
	}
	if c.FinalizeWorkers < 1 {
		errs = append(errs, fmt.Errorf("%w: finalize_workers must be at least 1", ErrInvalid))
	}
	if _, err := c.multipliers(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Clock builds the venue clock.
func (c *Config) Clock() (*clock.Clock, error) {
	return clock.New(c.Venue.Timezone, c.Venue.RollHour, c.Venue.CutoffHour, c.Venue.CloseHour)
}

// Registry builds the contract multiplier registry.
func (c *Config) Registry(logger *slog.Logger) (*contract.Registry, error) {
	m, err := c.multipliers()
	if err != nil {
		return nil, err
	}
	def, err := decimal.NewFromString(c.Multipliers.Default)
	if err != nil {
		return nil, fmt.Errorf("%w: multipliers.default %q", ErrInvalid, c.Multipliers.Default)
	}
	return contract.NewRegistry(m, def, logger)
}

func (c *Config) multipliers() (map[string]decimal.Decimal, error) {
	if _, err := decimal.NewFromString(strings.TrimSpace(c.Multipliers.Default)); err != nil {
		return nil, fmt.Errorf("%w: multipliers.default %q", ErrInvalid, c.Multipliers.Default)
	}
	return contract.ParseMultipliers(c.Multipliers.Prefixes)
}
