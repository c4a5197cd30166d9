package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("FLAGZ_API_URL", "https://flags.example.com/api")
	t.Setenv("FLAGZ_API_TOKEN", "tok-123")
	t.Setenv("FLAGZ_APP_NAME", "checkout")
	t.Setenv("FLAGZ_ENVIRONMENT", "production")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, defaultRefreshInterval, cfg.RefreshInterval)
	assert.Equal(t, defaultMetricsInterval, cfg.MetricsInterval)
	assert.Equal(t, defaultMetricsInitialDelay, cfg.MetricsInitialDelay)
	assert.Equal(t, defaultInitialBackoff, cfg.InitialBackoff)
	assert.Equal(t, defaultMaxBackoff, cfg.MaxBackoff)
	assert.Equal(t, []int{401, 403}, cfg.NonRetryableStatus)
	assert.Equal(t, StorageMemory, cfg.Storage)
	assert.Equal(t, "flagz", cfg.StoragePrefix)
	assert.Equal(t, ":9464", cfg.DebugAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.Offline)
}

func TestLoad_TrimsValues(t *testing.T) {
	setRequired(t)
	t.Setenv("FLAGZ_APP_NAME", "  checkout  ")
	t.Setenv("FLAGZ_REFRESH_INTERVAL", " 5s ")
	t.Setenv("FLAGZ_METRICS_INTERVAL", "   ")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "checkout", cfg.AppName)
	assert.Equal(t, 5*time.Second, cfg.RefreshInterval)
	assert.Equal(t, defaultMetricsInterval, cfg.MetricsInterval)
}

func TestLoad_Required(t *testing.T) {
	for _, name := range []string{"FLAGZ_API_URL", "FLAGZ_API_TOKEN", "FLAGZ_APP_NAME", "FLAGZ_ENVIRONMENT"} {
		t.Run(name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(name, "")

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), name)
		})
	}
}

func TestLoad_OfflineSkipsConnectionFields(t *testing.T) {
	t.Setenv("FLAGZ_API_URL", "")
	t.Setenv("FLAGZ_API_TOKEN", "")
	t.Setenv("FLAGZ_APP_NAME", "checkout")
	t.Setenv("FLAGZ_ENVIRONMENT", "dev")
	t.Setenv("FLAGZ_OFFLINE", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Offline)
}

func TestLoad_InvalidURL(t *testing.T) {
	setRequired(t)
	t.Setenv("FLAGZ_API_URL", "flags.example.com")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_Durations(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"invalid", "FLAGZ_REFRESH_INTERVAL", "not-a-duration"},
		{"zero", "FLAGZ_METRICS_INTERVAL", "0s"},
		{"negative", "FLAGZ_INITIAL_BACKOFF", "-1s"},
		{"max below initial", "FLAGZ_MAX_BACKOFF", "500ms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestLoad_NonRetryableStatus(t *testing.T) {
	setRequired(t)
	t.Setenv("FLAGZ_NON_RETRYABLE_STATUS", "401,403,410")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []int{401, 403, 410}, cfg.NonRetryableStatus)

	t.Setenv("FLAGZ_NON_RETRYABLE_STATUS", "200")
	_, err = Load()
	require.Error(t, err)
}

func TestLoad_Storage(t *testing.T) {
	setRequired(t)
	t.Setenv("FLAGZ_STORAGE", "Redis")

	_, err := Load()
	require.Error(t, err, "redis without DSN")

	t.Setenv("FLAGZ_STORAGE_DSN", "redis://localhost:6379/0")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StorageRedis, cfg.Storage)

	t.Setenv("FLAGZ_STORAGE", "etcd")
	_, err = Load()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "FLAGZ_STORAGE"))
}

func TestLoad_Headers(t *testing.T) {
	setRequired(t)
	t.Setenv("FLAGZ_HEADERS", "X-Team:payments,X-Region:eu")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"X-Team": "payments", "X-Region": "eu"}, cfg.Headers)
}

func FuzzLoadRefreshInterval(f *testing.F) {
	f.Add("")
	f.Add("1s")
	f.Add(" 2m ")
	f.Add("0s")
	f.Add("-1s")
	f.Add("not-a-duration")

	f.Fuzz(func(t *testing.T, value string) {
		if strings.ContainsRune(value, '\x00') || strings.ContainsRune(value, '=') {
			t.Skip()
		}
		setRequired(t)
		t.Setenv("FLAGZ_REFRESH_INTERVAL", value)

		cfg, err := Load()
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			require.NoError(t, err)
			assert.Equal(t, defaultRefreshInterval, cfg.RefreshInterval)
			return
		}

		parsed, parseErr := time.ParseDuration(trimmed)
		if parseErr != nil || parsed <= 0 {
			require.Error(t, err)
			return
		}
		require.NoError(t, err)
		assert.Equal(t, parsed, cfg.RefreshInterval)
	})
}
