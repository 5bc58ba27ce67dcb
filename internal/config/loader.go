package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path (if it exists), merges it on
// top of the built-in defaults, applies environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		// A missing config file is fine; everything can come from the
		// environment.
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads the documented environment variables and overwrites
// the corresponding Config fields when a variable is set. This lets operators
// inject secrets at deploy time without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Server.AuthToken, "AUTH_TOKEN")
	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.APIRateLimitMax, "API_RATE_LIMIT_MAX")

	setStr(&cfg.Store.URL, "STORE_URL")

	setBool(&cfg.Stream.Enabled, "USE_STREAM")
	setBool(&cfg.Polling.Enabled, "USE_POLLING_QUEUE")

	setBool(&cfg.Breaker.Enabled, "USE_CIRCUIT_BREAKER")
	setInt(&cfg.Breaker.FailureThreshold, "CIRCUIT_BREAKER_FAILURE_THRESHOLD")
	setMillis(&cfg.Breaker.Cooldown, "CIRCUIT_BREAKER_TIMEOUT")

	setStr(&cfg.Signing.Secret, "SIGNING_SECRET")
	setBool(&cfg.Signing.Required, "SIGNATURE_REQUIRED")
	setStr(&cfg.Signing.EncryptionSecret, "ENCRYPTION_SECRET")

	setStr(&cfg.Upstream.BaseURL, "UPSTREAM_BASE_URL")
	setStr(&cfg.Upstream.APIURL, "UPSTREAM_API_URL")
	setStr(&cfg.Upstream.SSEURL, "UPSTREAM_SSE_URL")
	setStr(&cfg.Upstream.DataParam, "UPSTREAM_DATA_PARAM")

	setStr(&cfg.Notify.WebhookURL, "NOTIFY_WEBHOOK_URL")

	setStr(&cfg.LogLevel, "LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// setMillis parses an integer millisecond value into a duration field
// (CIRCUIT_BREAKER_TIMEOUT is documented in milliseconds).
func setMillis(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			dst.Duration = time.Duration(n) * time.Millisecond
		}
	}
}
