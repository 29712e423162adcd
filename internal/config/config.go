// Package config builds a Config from environment variables and
// functional-option overrides.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pivox-go/pivox/internal/pivoxerr"
	"github.com/pivox-go/pivox/internal/source"
)

const (
	defaultCacheDir          = "./.pivox-cache"
	defaultTimeout           = 10 * time.Second
	defaultValidationTimeout = 10 * time.Second
	defaultRefreshInterval   = 10 * time.Minute
)

// Config is pivox's process-wide configuration, assembled by Load.
type Config struct {
	Sources           []string
	CacheDir          string
	DefaultTimeout    time.Duration
	ValidationTimeout time.Duration
	RefreshInterval   time.Duration
	TestURL           string
}

// Option overrides a value Load would otherwise take from the
// environment or its defaults.
type Option func(*Config)

// WithSources overrides the set of enabled source names.
func WithSources(names ...string) Option {
	return func(c *Config) { c.Sources = names }
}

// WithCacheDir overrides the on-disk cache directory.
func WithCacheDir(dir string) Option {
	return func(c *Config) { c.CacheDir = dir }
}

// WithDefaultTimeout overrides the default per-request timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Config) { c.DefaultTimeout = d }
}

// WithTestURL overrides the validator's default test URL.
func WithTestURL(url string) Option {
	return func(c *Config) { c.TestURL = url }
}

// Load builds a Config from PIVOX_SOURCES, PIVOX_CACHE_DIR, and
// PIVOX_DEFAULT_TIMEOUT_MS, then applies opts on top. It returns a
// pivoxerr.ConfigError for a non-positive timeout, an unknown source
// name, or an unwritable cache directory.
func Load(opts ...Option) (Config, error) {
	cfg := Config{
		Sources:           defaultSourceNames(),
		CacheDir:          defaultCacheDir,
		DefaultTimeout:    defaultTimeout,
		ValidationTimeout: defaultValidationTimeout,
		RefreshInterval:   defaultRefreshInterval,
		TestURL:           "http://httpbin.org/ip",
	}

	if raw := os.Getenv("PIVOX_SOURCES"); raw != "" {
		cfg.Sources = splitAndTrim(raw)
	}
	if dir := os.Getenv("PIVOX_CACHE_DIR"); dir != "" {
		cfg.CacheDir = dir
	}
	if raw := os.Getenv("PIVOX_DEFAULT_TIMEOUT_MS"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, &pivoxerr.ConfigError{Field: "PIVOX_DEFAULT_TIMEOUT_MS", Reason: "not an integer"}
		}
		cfg.DefaultTimeout = time.Duration(ms) * time.Millisecond
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.DefaultTimeout <= 0 {
		return &pivoxerr.ConfigError{Field: "DefaultTimeout", Reason: "must be positive"}
	}
	if len(cfg.Sources) == 0 {
		return &pivoxerr.ConfigError{Field: "Sources", Reason: "at least one source is required"}
	}

	known := knownSourceNames()
	for _, name := range cfg.Sources {
		if !known[name] {
			return &pivoxerr.ConfigError{Field: "Sources", Reason: "unknown source name: " + name}
		}
	}

	if cfg.CacheDir != "" {
		if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
			return &pivoxerr.ConfigError{Field: "CacheDir", Reason: "unwritable: " + err.Error()}
		}
	}
	return nil
}

// Adapters resolves cfg.Sources into concrete source.Adapter instances
// drawn from the built-in registry.
func (c Config) Adapters(log *slog.Logger) []source.Adapter {
	byName := make(map[string]source.Adapter)
	for _, a := range source.BuiltinSources(log) {
		byName[a.Name()] = a
	}

	out := make([]source.Adapter, 0, len(c.Sources))
	for _, name := range c.Sources {
		if a, ok := byName[name]; ok {
			out = append(out, a)
		}
	}
	return out
}

func defaultSourceNames() []string {
	names := make([]string, 0, 5)
	for _, a := range source.BuiltinSources(nil) {
		names = append(names, a.Name())
	}
	return names
}

func knownSourceNames() map[string]bool {
	known := make(map[string]bool)
	for _, name := range defaultSourceNames() {
		known[name] = true
	}
	return known
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
