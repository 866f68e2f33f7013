// Package config loads pilot's YAML configuration.
//
// Values are resolved in order of precedence: command-line flags (applied
// by the caller after Load), environment variables, the configuration
// file, and finally the defaults from Default.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/entrhq/pilot/pkg/store"
)

// Config is the full pilot configuration.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Cache     CacheConfig     `yaml:"cache" json:"cache"`
	Browser   BrowserConfig   `yaml:"browser" json:"browser"`
	Planner   PlannerConfig   `yaml:"planner" json:"planner"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// SchedulerConfig bounds concurrent outbound work.
type SchedulerConfig struct {
	// MaxConcurrent is handed to the scheduler as is; values outside 1-100
	// are ignored there with a warning.
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`
}

// CacheConfig selects the persistent cache backend and its policy.
type CacheConfig struct {
	Backend       string   `yaml:"backend" json:"backend"`
	Dir           string   `yaml:"dir" json:"dir"`
	RedisAddr     string   `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string   `yaml:"redis_password" json:"-"`
	RedisDB       int      `yaml:"redis_db" json:"redis_db"`
	RedisPrefix   string   `yaml:"redis_prefix" json:"redis_prefix"`
	Bypass        []string `yaml:"bypass" json:"bypass"`

	// DefaultTTL applies to producers without their own TTL; negative
	// means entries never expire.
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`

	// FingerprintTTL is how long a page fingerprint is trusted per URL.
	FingerprintTTL time.Duration `yaml:"fingerprint_ttl" json:"fingerprint_ttl"`
}

// BrowserConfig configures playwright sessions.
type BrowserConfig struct {
	Enabled     bool           `yaml:"enabled" json:"enabled"`
	Headless    bool           `yaml:"headless" json:"headless"`
	Install     bool           `yaml:"install" json:"install"`
	Timeout     time.Duration  `yaml:"timeout" json:"timeout"`
	Viewport    ViewportConfig `yaml:"viewport" json:"viewport"`
	MaxSessions int            `yaml:"max_sessions" json:"max_sessions"`
	IdleTimeout time.Duration  `yaml:"idle_timeout" json:"idle_timeout"`
}

// ViewportConfig is the browser window size.
type ViewportConfig struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// PlannerConfig configures the OpenAI-compatible planner endpoint.
type PlannerConfig struct {
	Model             string        `yaml:"model" json:"model"`
	BaseURL           string        `yaml:"base_url" json:"base_url"`
	APIKey            string        `yaml:"api_key" json:"-"`
	MaxPromptTokens   int           `yaml:"max_prompt_tokens" json:"max_prompt_tokens"`
	CacheTTL          time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	RequestsPerSecond float64       `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int           `yaml:"burst" json:"burst"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	// Verbosity controls logging level: quiet, normal, verbose, debug
	Verbosity string `yaml:"verbosity" json:"verbosity"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			MaxConcurrent: 20,
		},
		Cache: CacheConfig{
			Backend:        string(store.BackendFile),
			RedisPrefix:    store.DefaultRedisPrefix,
			DefaultTTL:     10 * time.Minute,
			FingerprintTTL: 24 * time.Hour,
		},
		Browser: BrowserConfig{
			Enabled:     true,
			Headless:    true,
			Install:     true,
			Timeout:     30 * time.Second,
			Viewport:    ViewportConfig{Width: 1280, Height: 720},
			MaxSessions: 5,
			IdleTimeout: 5 * time.Minute,
		},
		Planner: PlannerConfig{
			Model:             "gpt-4o",
			MaxPromptTokens:   6000,
			CacheTTL:          5 * time.Minute,
			RequestsPerSecond: 2,
			Burst:             1,
		},
		Logging: LoggingConfig{
			Verbosity: "normal",
		},
	}
}

// DefaultPath returns ~/.pilot/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".pilot", "config.yaml"), nil
}

// Load reads the YAML file at path over the defaults and applies the
// environment. A missing file is not an error. An empty path loads the
// defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overrides planner credentials from OPENAI_API_KEY and
// OPENAI_BASE_URL when they are set.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Planner.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		c.Planner.BaseURL = v
	}
}

var validVerbosity = map[string]bool{
	"quiet":   true,
	"normal":  true,
	"verbose": true,
	"debug":   true,
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch store.Backend(c.Cache.Backend) {
	case store.BackendFile, store.BackendMemory:
	case store.BackendRedis:
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("cache.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("invalid cache backend: %s (must be 'file', 'memory' or 'redis')", c.Cache.Backend)
	}
	for _, pattern := range c.Cache.Bypass {
		if _, err := glob.Compile(pattern); err != nil {
			return fmt.Errorf("invalid cache.bypass pattern '%s': %w", pattern, err)
		}
	}

	if c.Browser.Timeout < 0 {
		return fmt.Errorf("browser.timeout cannot be negative")
	}
	if c.Browser.IdleTimeout < 0 {
		return fmt.Errorf("browser.idle_timeout cannot be negative")
	}
	if c.Browser.Viewport.Width <= 0 || c.Browser.Viewport.Height <= 0 {
		return fmt.Errorf("browser.viewport must be positive, got %dx%d", c.Browser.Viewport.Width, c.Browser.Viewport.Height)
	}
	if c.Browser.MaxSessions < 0 {
		return fmt.Errorf("browser.max_sessions cannot be negative")
	}

	if c.Planner.MaxPromptTokens < 0 {
		return fmt.Errorf("planner.max_prompt_tokens cannot be negative")
	}
	if c.Planner.RequestsPerSecond < 0 {
		return fmt.Errorf("planner.requests_per_second cannot be negative")
	}

	if c.Logging.Verbosity == "" {
		c.Logging.Verbosity = "normal"
	}
	if !validVerbosity[c.Logging.Verbosity] {
		return fmt.Errorf("invalid logging verbosity: %s (must be 'quiet', 'normal', 'verbose', or 'debug')", c.Logging.Verbosity)
	}

	return nil
}

// StoreOptions converts the cache section into store options.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Backend: store.Backend(c.Cache.Backend),
		Dir:     c.Cache.Dir,
		Redis: store.RedisOptions{
			Addr:     c.Cache.RedisAddr,
			Password: c.Cache.RedisPassword,
			DB:       c.Cache.RedisDB,
			Prefix:   c.Cache.RedisPrefix,
		},
	}
}

// Save writes the configuration as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
