package limiter

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Valid backend types
var validBackends = map[string]bool{
	BackendMemory: true,
	BackendRedis:  true,
	BackendSQLite: true,
}

// Config holds the full rate limiting configuration. The per-interval
// ceilings are independent: every non-zero one becomes a Rate, and all of
// them are enforced together.
type Config struct {
	PerSecond int64 `yaml:"per_second"` // max requests per second
	PerMinute int64 `yaml:"per_minute"` // max requests per minute
	PerHour   int64 `yaml:"per_hour"`   // max requests per hour
	PerDay    int64 `yaml:"per_day"`    // max requests per day
	PerMonth  int64 `yaml:"per_month"`  // max requests per month (4 weeks)

	// Burst widens the per-second window: a burst of N allows N*per_second
	// consecutive requests before per-second throttling kicks in.
	Burst int64 `yaml:"burst"`

	Backend    string `yaml:"backend"`     // "memory", "redis" or "sqlite"
	RedisAddr  string `yaml:"redis_addr"`  // required when backend is "redis"
	SQLitePath string `yaml:"sqlite_path"` // required when backend is "sqlite"

	MaxDelayMS    int   `yaml:"max_delay_ms"`    // 0 disables blocking waits
	RaiseWhenFail *bool `yaml:"raise_when_fail"` // default true
	PerHost       *bool `yaml:"per_host"`        // default true
	LimitStatuses []int `yaml:"limit_statuses"`  // default [429]
}

// ValidateAndPrepare processes the raw config, validates it, and fills in
// defaults. Invalid configuration fails here, never at request time.
func (c *Config) ValidateAndPrepare() error {
	if c.Backend == "" {
		c.Backend = BackendMemory
	}
	if !validBackends[c.Backend] {
		return fmt.Errorf("invalid backend: %q, must be %q, %q or %q",
			c.Backend, BackendMemory, BackendRedis, BackendSQLite)
	}
	if c.Backend == BackendRedis && c.RedisAddr == "" {
		return fmt.Errorf("redis_addr is required when backend is %q", BackendRedis)
	}
	if c.Backend == BackendSQLite && c.SQLitePath == "" {
		return fmt.Errorf("sqlite_path is required when backend is %q", BackendSQLite)
	}

	for _, ceiling := range []struct {
		name  string
		value int64
	}{
		{"per_second", c.PerSecond},
		{"per_minute", c.PerMinute},
		{"per_hour", c.PerHour},
		{"per_day", c.PerDay},
		{"per_month", c.PerMonth},
	} {
		if ceiling.value < 0 {
			return fmt.Errorf("%s must not be negative, got %d", ceiling.name, ceiling.value)
		}
	}
	if len(c.Rates()) == 0 {
		return ErrNoRates
	}

	if c.Burst < 0 {
		return fmt.Errorf("burst must not be negative, got %d", c.Burst)
	}
	if c.Burst == 0 {
		c.Burst = 1
	}
	if c.MaxDelayMS < 0 {
		return fmt.Errorf("max_delay_ms must not be negative, got %d", c.MaxDelayMS)
	}

	if len(c.LimitStatuses) == 0 {
		c.LimitStatuses = []int{DefaultLimitStatus}
	}
	for _, status := range c.LimitStatuses {
		if status < 100 || status > 599 {
			return fmt.Errorf("invalid limit status code: %d", status)
		}
	}

	if c.Backend == BackendMemory && c.PerMonth > 0 {
		log.Warn().Msg("month-wide windows with the memory backend reset on process restart")
	}
	return nil
}

// Rates translates the configured ceilings into the ordered rate list. The
// per-second ceiling is widened by the burst multiplier; zero ceilings are
// skipped.
func (c *Config) Rates() []Rate {
	burst := c.Burst
	if burst < 1 {
		burst = 1
	}
	candidates := []Rate{
		{Limit: c.PerSecond * burst, Interval: time.Duration(burst) * time.Second},
		{Limit: c.PerMinute, Interval: time.Minute},
		{Limit: c.PerHour, Interval: time.Hour},
		{Limit: c.PerDay, Interval: 24 * time.Hour},
		{Limit: c.PerMonth, Interval: 4 * 7 * 24 * time.Hour},
	}
	rates := make([]Rate, 0, len(candidates))
	for _, r := range candidates {
		if r.Limit > 0 {
			rates = append(rates, r)
		}
	}
	return rates
}

// MaxDelay returns the configured maximum wait. Zero means blocking waits
// are disabled.
func (c *Config) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMS) * time.Millisecond
}

// RaiseWhenFailEnabled reports the raise_when_fail setting, true when unset.
func (c *Config) RaiseWhenFailEnabled() bool {
	return c.RaiseWhenFail == nil || *c.RaiseWhenFail
}

// PerHostEnabled reports the per_host setting, true when unset.
func (c *Config) PerHostEnabled() bool {
	return c.PerHost == nil || *c.PerHost
}

// LoadConfig reads and validates a yaml config file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := cfg.ValidateAndPrepare(); err != nil {
		return nil, fmt.Errorf("validate config %q: %w", path, err)
	}
	return &cfg, nil
}
