// Package config loads service settings from a YAML file, an optional .env
// file and environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/portfolio-ledger/internal/ledger"
	"github.com/atmx/portfolio-ledger/internal/oracle"
	"github.com/atmx/portfolio-ledger/internal/throttle"
	"github.com/atmx/portfolio-ledger/internal/valuation"
)

// Server configures the HTTP listener.
type Server struct {
	Port              string `yaml:"port"`
	ReadTimeoutMs     int    `yaml:"read_timeout_ms"`
	WriteTimeoutMs    int    `yaml:"write_timeout_ms"`
	ShutdownTimeoutMs int    `yaml:"shutdown_timeout_ms"`
}

// Database selects the primary store.
type Database struct {
	URL string `yaml:"url"` // empty: in-memory store
}

// Redis enables the shared read and leaderboard caches.
type Redis struct {
	URL             string `yaml:"url"` // empty: no shared cache
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

// Oracle configures price lookups, remote or static.
type Oracle struct {
	BaseURL       string            `yaml:"base_url"` // empty: static prices
	TimeoutMs     int               `yaml:"timeout_ms"`
	RatePerSecond float64           `yaml:"rate_per_second"`
	Burst         int               `yaml:"burst"`
	CacheTTLMs    int               `yaml:"cache_ttl_ms"`
	StaticPrices  map[string]string `yaml:"static_prices"`
}

// Ledger holds executor settings. Amounts are decimal strings.
type Ledger struct {
	DefaultStartingCash string `yaml:"default_starting_cash"`
	FeeRate             string `yaml:"fee_rate"`
}

// Throttle holds pre-trade guard limits. Zero values use the guard defaults.
type Throttle struct {
	Enabled                *bool  `yaml:"enabled"` // nil: enabled
	CooldownMs             int    `yaml:"cooldown_ms"`
	FrequencyWindowSeconds int    `yaml:"frequency_window_seconds"`
	MaxTradesPerWindow     int    `yaml:"max_trades_per_window"`
	MaxPositionPct         string `yaml:"max_position_pct"` // fraction, "0.25"
	DailyLossLimit         string `yaml:"daily_loss_limit"`
	HistorySize            int    `yaml:"history_size"`
}

// Leaderboard tunes valuation fan-out and leaderboard caching.
type Leaderboard struct {
	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`
	Concurrency     int `yaml:"concurrency"`
	LookupTimeoutMs int `yaml:"lookup_timeout_ms"`
}

// Root is the whole config file. Environment variables override it in Load.
type Root struct {
	LogLevel    string      `yaml:"log_level"` // debug | info | warn | error
	Server      Server      `yaml:"server"`
	Database    Database    `yaml:"database"`
	Redis       Redis       `yaml:"redis"`
	Oracle      Oracle      `yaml:"oracle"`
	Ledger      Ledger      `yaml:"ledger"`
	Throttle    Throttle    `yaml:"throttle"`
	Leaderboard Leaderboard `yaml:"leaderboard"`
}

// LoadEnvFile loads KEY=VALUE pairs from path into the environment. A
// missing file is not an error; variables already set are kept.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// Load reads path (optional), applies environment overrides and fills in
// defaults.
func Load(path string) (Root, error) {
	var c Root
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	c.applyEnv()
	c.applyDefaults()
	return c, c.validate()
}

func (c *Root) applyEnv() {
	override := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	override(&c.Server.Port, "PORT")
	override(&c.Database.URL, "DATABASE_URL")
	override(&c.Redis.URL, "REDIS_URL")
	override(&c.Oracle.BaseURL, "PRICE_ORACLE_URL")
	override(&c.LogLevel, "LOG_LEVEL")
}

func (c *Root) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutMs == 0 {
		c.Server.ReadTimeoutMs = 10000
	}
	if c.Server.WriteTimeoutMs == 0 {
		c.Server.WriteTimeoutMs = 10000
	}
	if c.Server.ShutdownTimeoutMs == 0 {
		c.Server.ShutdownTimeoutMs = 5000
	}

	if c.Redis.CacheTTLSeconds == 0 {
		c.Redis.CacheTTLSeconds = 30
	}

	if c.Oracle.TimeoutMs == 0 {
		c.Oracle.TimeoutMs = 2000
	}
	if c.Oracle.RatePerSecond == 0 {
		c.Oracle.RatePerSecond = 20
	}
	if c.Oracle.Burst == 0 {
		c.Oracle.Burst = 5
	}
	if c.Oracle.CacheTTLMs == 0 {
		c.Oracle.CacheTTLMs = 1000
	}

	if c.Ledger.DefaultStartingCash == "" {
		c.Ledger.DefaultStartingCash = "10000"
	}
	if c.Ledger.FeeRate == "" {
		c.Ledger.FeeRate = "0"
	}

	if c.Throttle.CooldownMs == 0 {
		c.Throttle.CooldownMs = 2000
	}
	if c.Throttle.FrequencyWindowSeconds == 0 {
		c.Throttle.FrequencyWindowSeconds = 60
	}
	if c.Throttle.MaxTradesPerWindow == 0 {
		c.Throttle.MaxTradesPerWindow = 10
	}
	if c.Throttle.MaxPositionPct == "" {
		c.Throttle.MaxPositionPct = "0.25"
	}
	if c.Throttle.DailyLossLimit == "" {
		c.Throttle.DailyLossLimit = "5000"
	}
	if c.Throttle.HistorySize == 0 {
		c.Throttle.HistorySize = 128
	}

	if c.Leaderboard.CacheTTLSeconds == 0 {
		c.Leaderboard.CacheTTLSeconds = 30
	}
	if c.Leaderboard.Concurrency == 0 {
		c.Leaderboard.Concurrency = 8
	}
	if c.Leaderboard.LookupTimeoutMs == 0 {
		c.Leaderboard.LookupTimeoutMs = 2000
	}
}

func (c *Root) validate() error {
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if _, err := c.LedgerConfig(); err != nil {
		return err
	}
	if _, err := c.ThrottleConfig(); err != nil {
		return err
	}
	if _, err := c.StaticPrices(); err != nil {
		return err
	}
	return nil
}

// SlogLevel maps LogLevel onto slog.
func (c Root) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return lvl, fmt.Errorf("config: log_level: %w", err)
	}
	return lvl, nil
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("config: %s: %w", field, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("config: %s must not be negative", field)
	}
	return d, nil
}

// LedgerConfig converts the ledger section.
func (c Root) LedgerConfig() (ledger.Config, error) {
	cash, err := parseDecimal("ledger.default_starting_cash", c.Ledger.DefaultStartingCash)
	if err != nil {
		return ledger.Config{}, err
	}
	fee, err := parseDecimal("ledger.fee_rate", c.Ledger.FeeRate)
	if err != nil {
		return ledger.Config{}, err
	}
	if fee.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return ledger.Config{}, fmt.Errorf("config: ledger.fee_rate must be below 1")
	}
	return ledger.Config{
		DefaultStartingCash: cash,
		FeeRate:             fee,
		OracleTimeout:       ms(c.Oracle.TimeoutMs),
	}, nil
}

// ThrottleConfig converts the throttle section.
func (c Root) ThrottleConfig() (throttle.Config, error) {
	pct, err := parseDecimal("throttle.max_position_pct", c.Throttle.MaxPositionPct)
	if err != nil {
		return throttle.Config{}, err
	}
	if pct.GreaterThan(decimal.NewFromInt(1)) {
		return throttle.Config{}, fmt.Errorf("config: throttle.max_position_pct is a fraction, got %s", pct)
	}
	loss, err := parseDecimal("throttle.daily_loss_limit", c.Throttle.DailyLossLimit)
	if err != nil {
		return throttle.Config{}, err
	}
	enabled := true
	if c.Throttle.Enabled != nil {
		enabled = *c.Throttle.Enabled
	}
	return throttle.Config{
		Enabled:            enabled,
		Cooldown:           ms(c.Throttle.CooldownMs),
		FrequencyWindow:    time.Duration(c.Throttle.FrequencyWindowSeconds) * time.Second,
		MaxTradesPerWindow: c.Throttle.MaxTradesPerWindow,
		MaxPositionPct:     pct,
		DailyLossLimit:     loss,
		HistorySize:        c.Throttle.HistorySize,
	}, nil
}

// HTTPOracleConfig converts the oracle section.
func (c Root) HTTPOracleConfig() oracle.HTTPConfig {
	return oracle.HTTPConfig{
		BaseURL:       c.Oracle.BaseURL,
		Timeout:       ms(c.Oracle.TimeoutMs),
		RatePerSecond: c.Oracle.RatePerSecond,
		Burst:         c.Oracle.Burst,
	}
}

// OracleCacheTTL is the quote cache lifetime.
func (c Root) OracleCacheTTL() time.Duration { return ms(c.Oracle.CacheTTLMs) }

// StaticPrices parses the development price table.
func (c Root) StaticPrices() (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(c.Oracle.StaticPrices))
	for sym, p := range c.Oracle.StaticPrices {
		d, err := parseDecimal("oracle.static_prices."+sym, p)
		if err != nil {
			return nil, err
		}
		out[strings.ToUpper(sym)] = d
	}
	return out, nil
}

// ValuationConfig converts the leaderboard section.
func (c Root) ValuationConfig() valuation.Config {
	return valuation.Config{
		LookupTimeout: ms(c.Leaderboard.LookupTimeoutMs),
		Concurrency:   c.Leaderboard.Concurrency,
		CacheTTL:      time.Duration(c.Leaderboard.CacheTTLSeconds) * time.Second,
	}
}

// ReadCacheTTL is the lifetime of cached account reads in Redis.
func (c Root) ReadCacheTTL() time.Duration {
	return time.Duration(c.Redis.CacheTTLSeconds) * time.Second
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
