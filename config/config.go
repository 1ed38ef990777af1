// Package config loads the server configuration from PRERENDER_*
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "prerender"

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Browser   BrowserConfig
	Renderer  RendererConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig `split_words:"true"`
	Cache     CacheConfig
	Log       LogConfig
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string `default:"0.0.0.0"`
	Port int    `default:"8080"`

	// Mode is the gin mode: "debug", "release" or "test".
	Mode string `default:"release"`

	ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
}

// BrowserConfig controls the Chrome process.
type BrowserConfig struct {
	Headless  bool   `default:"true"`
	NoSandbox bool   `split_words:"true"`
	Bin       string // overrides the Chromium binary path
	Proxy     string

	// MaxTabs bounds concurrently open tabs.
	MaxTabs int `split_words:"true" default:"10"`

	// RotateAfter is the maximum age of a browser process.
	RotateAfter time.Duration `split_words:"true" default:"1h"`

	Stealth bool `default:"true"`

	// ChromeTLS makes out-of-band fetches present a Chrome TLS fingerprint.
	ChromeTLS bool `split_words:"true"`
}

// RendererConfig holds the process-wide render defaults.
type RendererConfig struct {
	Timeout    time.Duration `default:"30s"`
	MaxTimeout time.Duration `split_words:"true" default:"120s"`

	FollowRedirect bool   `split_words:"true"`
	UserAgent      string `split_words:"true"`

	DocumentMargin     time.Duration `split_words:"true" default:"1s"`
	SubresourceTimeout time.Duration `split_words:"true" default:"5s"`

	// Resources overrides the sub-resource policy, e.g.
	// "Image:abort,Stylesheet:stub,XHR:fetch".
	Resources map[string]string
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool     `default:"true"`
	APIKeys []string `split_words:"true"`
}

// RateLimitConfig controls per-key rate limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `split_words:"true" default:"5"`
	Burst             int     `default:"10"`
}

// CacheConfig controls the render result cache.
type CacheConfig struct {
	// Backend is "memory", "redis" or "none".
	Backend    string        `default:"memory"`
	MaxEntries int           `split_words:"true" default:"1000"`
	TTL        time.Duration `default:"1h"`
	RedisURL   string        `split_words:"true"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `default:"info"`
	Format string `default:"json"` // "json" or "text"
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case "memory", "none":
	case "redis":
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("config: cache backend redis requires PRERENDER_CACHE_REDIS_URL")
		}
	default:
		return fmt.Errorf("config: unknown cache backend %q", c.Cache.Backend)
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}

	if c.Renderer.Timeout <= 0 {
		return fmt.Errorf("config: renderer timeout must be positive")
	}
	if c.Renderer.MaxTimeout < c.Renderer.Timeout {
		return fmt.Errorf("config: renderer max timeout %s is below the default timeout %s",
			c.Renderer.MaxTimeout, c.Renderer.Timeout)
	}
	if c.Browser.MaxTabs <= 0 {
		return fmt.Errorf("config: browser max tabs must be positive")
	}
	return nil
}

// Addr is the listen address of the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
