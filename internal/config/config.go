// Package config loads flatSQL settings from YAML and turns them into
// engine options.
//
//	poll_interval: 10ms
//	deadlock_timeout: 5s
//	cache_rows: 100
//	disable_functions: [UUID, RAND]
//	auto_vacuum: "@every 1h"
//	log_level: info
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SimonWaldherr/flatSQL/internal/engine"
)

// Config mirrors the engine options a deployment may want to tune.
// Durations use Go syntax ("250ms", "5s").
type Config struct {
	PollInterval      Duration `yaml:"poll_interval"`
	DeadlockTimeout   Duration `yaml:"deadlock_timeout"`
	CacheRows         *int     `yaml:"cache_rows"`
	TokenCacheEntries *int     `yaml:"token_cache_entries"`
	TokenCacheBytes   int      `yaml:"token_cache_bytes"`
	ExprCacheSize     int      `yaml:"expr_cache_size"`
	DisableFunctions  []string `yaml:"disable_functions"`
	AutoVacuum        string   `yaml:"auto_vacuum"`
	VacuumTimeout     Duration `yaml:"vacuum_timeout"`
	AutoCreate        *bool    `yaml:"auto_create"`
	MaxErrors         int      `yaml:"max_errors"`
	LogLevel          string   `yaml:"log_level"`
}

// Duration is a time.Duration that unmarshals from a YAML string.
type Duration time.Duration

// UnmarshalYAML accepts "1.5s" style strings and bare integers as
// milliseconds.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*d = 0
		return nil
	}
	var ms int64
	if _, err := fmt.Sscanf(s, "%d", &ms); err == nil && fmt.Sprint(ms) == s {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	if v < 0 {
		return fmt.Errorf("line %d: negative duration %s", n.Line, s)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the Go duration syntax.
func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// Load reads a YAML file. A missing file yields the zero Config, which
// means engine defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses YAML from r. Unknown keys are rejected.
func Decode(r io.Reader) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.CacheRows != nil && *c.CacheRows < 0 {
		return errors.New("config: cache_rows must be >= 0")
	}
	if c.TokenCacheEntries != nil && *c.TokenCacheEntries < 0 {
		return errors.New("config: token_cache_entries must be >= 0")
	}
	if c.TokenCacheBytes < 0 || c.ExprCacheSize < 0 || c.MaxErrors < 0 {
		return errors.New("config: sizes must be >= 0")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps debug, info, warn and error to slog levels. Empty means
// info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("config: unknown log_level %q", s)
}

// Options converts the settings into engine options. Unset fields keep
// the engine defaults.
func (c *Config) Options() []engine.Option {
	var opts []engine.Option
	if c.PollInterval > 0 {
		opts = append(opts, engine.WithPollInterval(time.Duration(c.PollInterval)))
	}
	if c.DeadlockTimeout > 0 {
		opts = append(opts, engine.WithDeadlockTimeout(time.Duration(c.DeadlockTimeout)))
	}
	if c.CacheRows != nil {
		opts = append(opts, engine.WithCacheRows(*c.CacheRows))
	}
	if c.TokenCacheEntries != nil {
		bytes := c.TokenCacheBytes
		if bytes == 0 {
			bytes = 1 << 20
		}
		opts = append(opts, engine.WithTokenCache(*c.TokenCacheEntries, bytes))
	}
	if c.ExprCacheSize > 0 {
		opts = append(opts, engine.WithExprCache(c.ExprCacheSize))
	}
	if len(c.DisableFunctions) > 0 {
		opts = append(opts, engine.WithDisabledFunctions(c.DisableFunctions...))
	}
	if c.AutoVacuum != "" {
		opts = append(opts, engine.WithAutoVacuum(c.AutoVacuum, time.Duration(c.VacuumTimeout)))
	}
	if c.AutoCreate != nil && !*c.AutoCreate {
		opts = append(opts, engine.WithoutAutoCreate())
	}
	if c.MaxErrors > 0 {
		opts = append(opts, engine.WithMaxErrors(c.MaxErrors))
	}
	return opts
}
