package flagz

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/matt-riley/flagz-go/internal/fetcher"
	"github.com/matt-riley/flagz-go/internal/usage"
	"github.com/matt-riley/flagz-go/storage"
)

var (
	ErrMissingAPIURL      = errors.New("flagz: API URL is required")
	ErrMissingAPIToken    = errors.New("flagz: API token is required")
	ErrMissingAppName     = errors.New("flagz: app name is required")
	ErrMissingEnvironment = errors.New("flagz: environment is required")
	ErrInvalidConfig      = errors.New("flagz: invalid configuration")
)

// Config configures a Client. Zero durations take their defaults.
type Config struct {
	// APIURL is the base URL of the evaluation service. Requests go to
	// {APIURL}/{Environment}/eval and {APIURL}/{Environment}/metrics.
	APIURL      string
	APIToken    string
	AppName     string
	Environment string
	// Headers are added to every request. They cannot override the
	// authorization or SDK identification headers.
	Headers map[string]string

	// Context is the initial evaluation context. AppName and Environment
	// are always taken from the fields above.
	Context EvaluationContext

	RefreshInterval     time.Duration
	MetricsInterval     time.Duration
	MetricsInitialDelay time.Duration
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
	// NonRetryableStatus lists the statuses that stop polling until a
	// manual fetch succeeds. Defaults to 401 and 403.
	NonRetryableStatus []int

	// Offline disables all network traffic. Flags come from Bootstrap or
	// Storage only.
	Offline bool
	// ExplicitSync makes accessors read the synchronized snapshot, which
	// only advances on SyncFlags.
	ExplicitSync bool
	// DisableMetrics turns off usage counting and reporting.
	DisableMetrics bool
	// ImpressionDataAll emits impressions for every flag, not only flags
	// with impressionFlag set.
	ImpressionDataAll bool

	// Bootstrap flags are applied by Init. They replace cached flags unless
	// PreferCache is set.
	Bootstrap   []EvaluatedFlag
	PreferCache bool

	// Storage persists flags, ETag and session id. Defaults to memory.
	Storage       storage.Store
	StoragePrefix string

	HTTPClient *http.Client
	// Logger defaults to discarding output.
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.RefreshInterval == 0 {
		c.RefreshInterval = fetcher.DefaultRefreshInterval
	}
	if c.MetricsInterval == 0 {
		c.MetricsInterval = usage.DefaultInterval
	}
	if c.MetricsInitialDelay == 0 {
		c.MetricsInitialDelay = usage.DefaultInitialDelay
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = fetcher.DefaultInitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = fetcher.DefaultMaxBackoff
	}
	if c.NonRetryableStatus == nil {
		c.NonRetryableStatus = fetcher.DefaultNonRetryableStatus
	}
	if c.Storage == nil {
		c.Storage = storage.NewMemory()
	}
	if c.StoragePrefix == "" {
		c.StoragePrefix = storage.DefaultPrefix
	}
	c.APIURL = strings.TrimRight(strings.TrimSpace(c.APIURL), "/")
	return c
}

func (c Config) validate() error {
	if strings.TrimSpace(c.AppName) == "" {
		return ErrMissingAppName
	}
	if strings.TrimSpace(c.Environment) == "" {
		return ErrMissingEnvironment
	}
	if !c.Offline {
		if c.APIURL == "" {
			return ErrMissingAPIURL
		}
		if strings.TrimSpace(c.APIToken) == "" {
			return ErrMissingAPIToken
		}
		u, err := url.Parse(c.APIURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: API URL must be an absolute http(s) URL", ErrInvalidConfig)
		}
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"refresh interval", c.RefreshInterval},
		{"metrics interval", c.MetricsInterval},
		{"metrics initial delay", c.MetricsInitialDelay},
		{"initial backoff", c.InitialBackoff},
		{"max backoff", c.MaxBackoff},
	}
	for _, d := range durations {
		if d.value < 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, d.name)
		}
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("%w: max backoff must not be less than initial backoff", ErrInvalidConfig)
	}
	for _, status := range c.NonRetryableStatus {
		if status < 400 || status > 599 {
			return fmt.Errorf("%w: non-retryable status %d is not an HTTP error status", ErrInvalidConfig, status)
		}
	}
	return nil
}

// ParseBootstrap decodes a bootstrap document: either a JSON array of flags
// or an evaluation response of the form {"data":{"flags":[...]}}.
func ParseBootstrap(data []byte) ([]EvaluatedFlag, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var flags []EvaluatedFlag
		if err := json.Unmarshal(data, &flags); err != nil {
			return nil, fmt.Errorf("decode bootstrap: %w", err)
		}
		return flags, nil
	}
	var envelope struct {
		Data struct {
			Flags []EvaluatedFlag `json:"flags"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode bootstrap: %w", err)
	}
	return envelope.Data.Flags, nil
}
