// Package config defines the top-level configuration for the auction monitor
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then overridden by the documented environment variables.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Signing  SigningConfig  `toml:"signing"`
	Store    StoreConfig    `toml:"store"`
	Stream   StreamConfig   `toml:"stream"`
	Polling  PollingConfig  `toml:"polling"`
	Breaker  BreakerConfig  `toml:"breaker"`
	Notify   NotifyConfig   `toml:"notify"`
	LogLevel string         `toml:"log_level"`
}

// ServerConfig holds the client-facing HTTP/WebSocket server parameters.
type ServerConfig struct {
	Port      int    `toml:"port"`
	AuthToken string `toml:"auth_token"`
	// APIRateLimitMax is the per-connection inbound command cap per minute.
	APIRateLimitMax int      `toml:"api_rate_limit_max"`
	MaxConnsPerIP   int      `toml:"max_conns_per_ip"`
	CORSOrigins     []string `toml:"cors_origins"`
}

// UpstreamConfig holds the auction-site endpoints and client parameters.
type UpstreamConfig struct {
	// BaseURL serves product pages, e.g. "https://www.example-auctions.com".
	BaseURL string `toml:"base_url"`
	// APIURL serves the bid endpoint.
	APIURL string `toml:"api_url"`
	// SSEURL serves the live-products event stream.
	SSEURL string `toml:"sse_url"`
	// DataParam is the opaque route parameter forcing JSON product output.
	DataParam string `toml:"data_param"`

	RequestTimeout  duration `toml:"request_timeout"`
	RateLimitPerMin int      `toml:"rate_limit_per_min"`
}

// SigningConfig holds the request-signing parameters shared by outbound
// upstream calls and inbound verification.
type SigningConfig struct {
	Secret string `toml:"secret"`
	// Required rejects inbound HTTP requests without a valid signature.
	Required bool `toml:"required"`
	// EncryptionSecret derives the key that encrypts auth:cookies at rest.
	EncryptionSecret string `toml:"encryption_secret"`
}

// StoreConfig holds the persistence parameters.
type StoreConfig struct {
	// URL is the backing-store connection string (redis://...). Empty means
	// memory-only from the start.
	URL string `toml:"url"`
	// MemoryFallback keeps the process up on backing-store failure. When
	// disabled, an unreachable store is a startup error.
	MemoryFallback bool `toml:"memory_fallback"`
}

// StreamConfig holds the event-stream pipeline parameters.
type StreamConfig struct {
	Enabled bool `toml:"enabled"`
	// FailureThreshold is the consecutive connect/maintain failures before
	// the stream reports unhealthy for an auction.
	FailureThreshold int      `toml:"failure_threshold"`
	IdleTimeout      duration `toml:"idle_timeout"`
}

// PollingConfig holds the polling-queue pipeline parameters.
type PollingConfig struct {
	Enabled    bool     `toml:"enabled"`
	Interval   duration `toml:"interval"`
	EndGame    duration `toml:"end_game_interval"`
	MinSpacing duration `toml:"min_spacing"`
}

// BreakerConfig holds the circuit-breaker parameters.
type BreakerConfig struct {
	Enabled          bool     `toml:"enabled"`
	FailureThreshold int      `toml:"failure_threshold"`
	Cooldown         duration `toml:"cooldown"`
}

// NotifyConfig holds operator notification parameters.
type NotifyConfig struct {
	WebhookURL string   `toml:"webhook_url"`
	Events     []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "30s", "150ms").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the documented default values.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            3000,
			APIRateLimitMax: 100,
			MaxConnsPerIP:   5,
		},
		Upstream: UpstreamConfig{
			RequestTimeout:  duration{10 * time.Second},
			RateLimitPerMin: 100,
		},
		Store: StoreConfig{
			URL:            "redis://localhost:6379",
			MemoryFallback: true,
		},
		Stream: StreamConfig{
			Enabled:          true,
			FailureThreshold: 3,
			IdleTimeout:      duration{45 * time.Second},
		},
		Polling: PollingConfig{
			Enabled:    true,
			Interval:   duration{6 * time.Second},
			EndGame:    duration{2 * time.Second},
			MinSpacing: duration{150 * time.Millisecond},
		},
		Breaker: BreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			Cooldown:         duration{30 * time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"ended", "maxBidReached", "bidError"},
		},
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for invalid or missing values and returns a combined
// error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.AuthToken == "" {
		errs = append(errs, "server: auth_token is required (AUTH_TOKEN)")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.APIRateLimitMax < 1 {
		errs = append(errs, "server: api_rate_limit_max must be >= 1")
	}
	if c.Server.MaxConnsPerIP < 1 {
		errs = append(errs, "server: max_conns_per_ip must be >= 1")
	}

	if c.Upstream.BaseURL == "" {
		errs = append(errs, "upstream: base_url must not be empty")
	}
	if c.Upstream.APIURL == "" {
		errs = append(errs, "upstream: api_url must not be empty")
	}
	if c.Stream.Enabled && c.Upstream.SSEURL == "" {
		errs = append(errs, "upstream: sse_url must not be empty when the event stream is enabled")
	}
	if c.Upstream.RequestTimeout.Duration <= 0 {
		errs = append(errs, "upstream: request_timeout must be > 0")
	}
	if c.Upstream.RateLimitPerMin < 1 {
		errs = append(errs, "upstream: rate_limit_per_min must be >= 1")
	}

	if c.Signing.Required && c.Signing.Secret == "" {
		errs = append(errs, "signing: secret is required when signature verification is required")
	}

	if c.Store.URL == "" && !c.Store.MemoryFallback {
		errs = append(errs, "store: url is empty and memory_fallback is disabled")
	}

	if !c.Stream.Enabled && !c.Polling.Enabled {
		errs = append(errs, "pipelines: at least one of stream and polling must be enabled")
	}
	if c.Stream.FailureThreshold < 1 {
		errs = append(errs, "stream: failure_threshold must be >= 1")
	}
	if c.Polling.Interval.Duration <= 0 {
		errs = append(errs, "polling: interval must be > 0")
	}
	if c.Polling.EndGame.Duration <= 0 || c.Polling.EndGame.Duration > c.Polling.Interval.Duration {
		errs = append(errs, "polling: end_game_interval must be > 0 and <= interval")
	}
	if c.Polling.MinSpacing.Duration <= 0 {
		errs = append(errs, "polling: min_spacing must be > 0")
	}

	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, "breaker: failure_threshold must be >= 1")
	}
	if c.Breaker.Cooldown.Duration <= 0 {
		errs = append(errs, "breaker: cooldown must be > 0")
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
