// Package config loads flagz-watch configuration from environment variables,
// optionally seeded from a .env file in the working directory.
//
// Required variables (unless FLAGZ_OFFLINE is true):
//   - FLAGZ_API_URL: base URL of the evaluation service (http or https).
//   - FLAGZ_API_TOKEN: client API token.
//
// Always required:
//   - FLAGZ_APP_NAME, FLAGZ_ENVIRONMENT.
//
// Optional variables:
//   - FLAGZ_REFRESH_INTERVAL (default "30s"), FLAGZ_METRICS_INTERVAL
//     (default "60s"), FLAGZ_METRICS_INITIAL_DELAY (default "2s"),
//     FLAGZ_INITIAL_BACKOFF (default "1s"), FLAGZ_MAX_BACKOFF (default "60s").
//     All must be > 0.
//   - FLAGZ_NON_RETRYABLE_STATUS: comma separated status codes that stop
//     polling (default "401,403").
//   - FLAGZ_STORAGE: memory, file, redis, postgres or sqlite (default
//     "memory"); every backend but memory needs FLAGZ_STORAGE_DSN.
//   - FLAGZ_STORAGE_PREFIX: key prefix for persisted state (default "flagz").
//   - FLAGZ_BOOTSTRAP_FILE: JSON file with an initial flag list.
//   - FLAGZ_HEADERS: extra request headers as "Name:value,Name:value".
//   - FLAGZ_DEBUG_ADDR: listen address of the debug server (default ":9464").
//   - LOG_LEVEL (default "info"), LOG_FORMAT ("json" or "text").
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	defaultRefreshInterval     = 30 * time.Second
	defaultMetricsInterval     = time.Minute
	defaultMetricsInitialDelay = 2 * time.Second
	defaultInitialBackoff      = time.Second
	defaultMaxBackoff          = time.Minute
)

// Storage backends accepted by FLAGZ_STORAGE.
const (
	StorageMemory   = "memory"
	StorageFile     = "file"
	StorageRedis    = "redis"
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"
)

var storageBackends = []string{StorageMemory, StorageFile, StorageRedis, StoragePostgres, StorageSQLite}

// Config holds the runtime configuration for flagz-watch.
type Config struct {
	APIURL      string            `env:"FLAGZ_API_URL"`
	APIToken    string            `env:"FLAGZ_API_TOKEN"`
	AppName     string            `env:"FLAGZ_APP_NAME"`
	Environment string            `env:"FLAGZ_ENVIRONMENT"`
	Headers     map[string]string `env:"FLAGZ_HEADERS"`

	RefreshInterval     time.Duration `env:"FLAGZ_REFRESH_INTERVAL" envDefault:"30s"`
	MetricsInterval     time.Duration `env:"FLAGZ_METRICS_INTERVAL" envDefault:"60s"`
	MetricsInitialDelay time.Duration `env:"FLAGZ_METRICS_INITIAL_DELAY" envDefault:"2s"`
	InitialBackoff      time.Duration `env:"FLAGZ_INITIAL_BACKOFF" envDefault:"1s"`
	MaxBackoff          time.Duration `env:"FLAGZ_MAX_BACKOFF" envDefault:"60s"`
	NonRetryableStatus  []int         `env:"FLAGZ_NON_RETRYABLE_STATUS" envSeparator:"," envDefault:"401,403"`

	Offline        bool `env:"FLAGZ_OFFLINE"`
	ExplicitSync   bool `env:"FLAGZ_EXPLICIT_SYNC"`
	DisableMetrics bool `env:"FLAGZ_DISABLE_METRICS"`

	Storage       string `env:"FLAGZ_STORAGE" envDefault:"memory"`
	StorageDSN    string `env:"FLAGZ_STORAGE_DSN"`
	StoragePrefix string `env:"FLAGZ_STORAGE_PREFIX" envDefault:"flagz"`
	BootstrapFile string `env:"FLAGZ_BOOTSTRAP_FILE"`

	DebugAddr string `env:"FLAGZ_DEBUG_ADDR" envDefault:":9464"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from the environment, applying defaults where
// appropriate. Values are trimmed and blank values count as unset. It returns
// an error if required variables are missing or if values fail validation.
func Load() (Config, error) {
	// A missing .env file is fine.
	_ = godotenv.Load()

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ()}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.AppName == "" {
		return errors.New("FLAGZ_APP_NAME is required")
	}
	if c.Environment == "" {
		return errors.New("FLAGZ_ENVIRONMENT is required")
	}
	if !c.Offline {
		if c.APIURL == "" {
			return errors.New("FLAGZ_API_URL is required")
		}
		if c.APIToken == "" {
			return errors.New("FLAGZ_API_TOKEN is required")
		}
	}
	if c.APIURL != "" {
		u, err := url.Parse(c.APIURL)
		if err != nil {
			return fmt.Errorf("parse FLAGZ_API_URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
			return errors.New("FLAGZ_API_URL must be an absolute http(s) URL")
		}
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"FLAGZ_REFRESH_INTERVAL", c.RefreshInterval},
		{"FLAGZ_METRICS_INTERVAL", c.MetricsInterval},
		{"FLAGZ_METRICS_INITIAL_DELAY", c.MetricsInitialDelay},
		{"FLAGZ_INITIAL_BACKOFF", c.InitialBackoff},
		{"FLAGZ_MAX_BACKOFF", c.MaxBackoff},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be > 0", d.name)
		}
	}
	if c.MaxBackoff < c.InitialBackoff {
		return errors.New("FLAGZ_MAX_BACKOFF must be >= FLAGZ_INITIAL_BACKOFF")
	}

	for _, code := range c.NonRetryableStatus {
		if code < 400 || code > 599 {
			return fmt.Errorf("FLAGZ_NON_RETRYABLE_STATUS: %d is not an HTTP error status", code)
		}
	}

	c.Storage = strings.ToLower(c.Storage)
	if !slices.Contains(storageBackends, c.Storage) {
		return fmt.Errorf("FLAGZ_STORAGE must be one of %s", strings.Join(storageBackends, ", "))
	}
	if c.Storage != StorageMemory && c.StorageDSN == "" {
		return fmt.Errorf("FLAGZ_STORAGE_DSN is required for %s storage", c.Storage)
	}
	return nil
}

// environ returns the process environment with values trimmed and blank
// entries removed so defaults apply to them.
func environ() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if value = strings.TrimSpace(value); value != "" {
			out[key] = value
		}
	}
	return out
}
