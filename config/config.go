/*
Package config loads server configuration from a TOML file.

PURPOSE:
  One file drives the whole process: HTTP listener, storage backend,
  sweep cadence, and the default accrual rates a guild gets before an
  operator overrides them. Missing file means defaults, so a bare
  `session-engine serve` works out of the box with an embedded database.

PRECEDENCE:
  DefaultConfig() < TOML file < environment (SESSION_ENGINE_* variables,
  applied in cmd/server). Durations are written as strings ("90s", "5m")
  and validated on load.

SEE ALSO:
  - cmd/server/main.go: Loading and environment overrides
  - tracking/rates.go: Where the guild defaults end up
*/
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"github.com/studyhall/session-engine/engine"
	"github.com/studyhall/session-engine/tracking"
)

// Config is the full server configuration.
type Config struct {
	Server ServerConfig `toml:"server"`
	Store  StoreConfig  `toml:"store"`
	Sweep  SweepConfig  `toml:"sweep"`
	Guild  GuildConfig  `toml:"guild"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig selects and configures the storage backend.
type StoreConfig struct {
	// Driver is "sqlite", "postgres" or "memory".
	Driver string `toml:"driver"`

	// DSN is the sqlite file path or postgres connection string.
	DSN string `toml:"dsn"`
}

// SweepConfig configures the background sweeper.
type SweepConfig struct {
	// Interval between sweeps, e.g. "60s".
	Interval string `toml:"interval"`

	// WriteLimit bounds storage writes per second during a sweep.
	// Zero means unlimited.
	WriteLimit float64 `toml:"write_limit"`
}

// IntervalDuration parses the sweep interval.
func (s SweepConfig) IntervalDuration() (time.Duration, error) {
	return time.ParseDuration(s.Interval)
}

// GuildConfig holds the accrual settings applied to every guild.
type GuildConfig struct {
	// HourlyRate is coins accrued per tracked hour.
	HourlyRate int64 `toml:"hourly_rate"`

	// HourlyBonusRate is extra coins per hour spent live (video or stream).
	HourlyBonusRate int64 `toml:"hourly_bonus_rate"`

	// DailyCap limits tracked time per UTC day, e.g. "16h".
	// Empty means uncapped.
	DailyCap string `toml:"daily_cap"`

	// Multiplier scales the whole accrual, e.g. "1.5" during an event.
	Multiplier string `toml:"multiplier"`
}

// Rates converts the guild settings into an engine rate configuration.
func (g GuildConfig) Rates() (engine.RateConfig, error) {
	rates := engine.NewRateConfig(float64(g.HourlyRate), float64(g.HourlyBonusRate))
	if g.Multiplier != "" {
		mult, err := decimal.NewFromString(g.Multiplier)
		if err != nil {
			return engine.RateConfig{}, fmt.Errorf("invalid multiplier %q: %w", g.Multiplier, err)
		}
		rates = rates.WithMultiplier(mult)
	}
	return rates, nil
}

// CapDuration parses the daily cap. Empty means uncapped.
func (g GuildConfig) CapDuration() (time.Duration, error) {
	if g.DailyCap == "" {
		return 0, nil
	}
	return time.ParseDuration(g.DailyCap)
}

// RateProvider builds the static rate provider used by the sweeper and
// the session endpoints.
func (g GuildConfig) RateProvider() (tracking.StaticRates, error) {
	rates, err := g.Rates()
	if err != nil {
		return tracking.StaticRates{}, err
	}
	limit, err := g.CapDuration()
	if err != nil {
		return tracking.StaticRates{}, fmt.Errorf("invalid daily_cap %q: %w", g.DailyCap, err)
	}
	return tracking.StaticRates{Rates: rates, Cap: limit}, nil
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8080,
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "sessions.db",
		},
		Sweep: SweepConfig{
			Interval:   "60s",
			WriteLimit: 0,
		},
		Guild: GuildConfig{
			HourlyRate:      100,
			HourlyBonusRate: 360,
			DailyCap:        "16h",
		},
	}
}

// Load reads the TOML file at path over the defaults. A missing file is
// not an error; an unreadable or invalid one is.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields that are parsed lazily elsewhere.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if _, err := c.Sweep.IntervalDuration(); err != nil {
		return fmt.Errorf("invalid sweep interval %q: %w", c.Sweep.Interval, err)
	}
	if c.Sweep.WriteLimit < 0 {
		return fmt.Errorf("negative write limit %f", c.Sweep.WriteLimit)
	}
	if _, err := c.Guild.Rates(); err != nil {
		return err
	}
	if _, err := c.Guild.CapDuration(); err != nil {
		return fmt.Errorf("invalid daily_cap %q: %w", c.Guild.DailyCap, err)
	}
	return nil
}
