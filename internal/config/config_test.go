package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBytes(t *testing.T) {
	t.Run("defaults on empty data", func(t *testing.T) {
		cfg, err := LoadBytes(nil, FormatYAML)
		require.NoError(t, err)
		assert.Equal(t, ":8004", cfg.Server.Addr)
		assert.Equal(t, 10000, cfg.Quota.MaxCalls)
		assert.True(t, cfg.Quota.FailOpen)
		assert.Equal(t, uint32(5), cfg.Breaker.FailureThreshold)
		assert.Equal(t, 30*time.Second, cfg.Breaker.RecoveryTimeout)
		assert.Equal(t, uint32(3), cfg.Breaker.HalfOpenMaxCalls)
		assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
		assert.Equal(t, StoreMongo, cfg.Store.Backend)
	})

	t.Run("yaml overrides", func(t *testing.T) {
		data := []byte(`
server:
  addr: ":9000"
store:
  backend: redis
  redis:
    addr: "localhost:6379"
quota:
  max_calls: 500
  fail_open: false
cache:
  ttl: 30s
`)
		cfg, err := LoadBytes(data, FormatYAML)
		require.NoError(t, err)
		assert.Equal(t, ":9000", cfg.Server.Addr)
		assert.Equal(t, StoreRedis, cfg.Store.Backend)
		assert.Equal(t, 500, cfg.Quota.MaxCalls)
		assert.False(t, cfg.Quota.FailOpen)
		assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
		// 未覆盖的字段保持默认
		assert.Equal(t, "http://api.aviationstack.com/v1", cfg.Upstream.BaseURL)
	})

	t.Run("json format", func(t *testing.T) {
		data := []byte(`{"quota": {"max_calls": 100}}`)
		cfg, err := LoadBytes(data, FormatJSON)
		require.NoError(t, err)
		assert.Equal(t, 100, cfg.Quota.MaxCalls)
	})

	t.Run("parse failure", func(t *testing.T) {
		_, err := LoadBytes([]byte("{not yaml: ["), FormatJSON)
		require.ErrorIs(t, err, ErrParseFailed)
	})

	t.Run("validation failure", func(t *testing.T) {
		_, err := LoadBytes([]byte(`{"store": {"backend": "dynamo"}}`), FormatJSON)
		require.ErrorIs(t, err, ErrUnknownBackend)
	})

	t.Run("client rate limit requires redis", func(t *testing.T) {
		data := []byte(`
server:
  client_rate_limit:
    enabled: true
`)
		_, err := LoadBytes(data, FormatYAML)
		require.ErrorIs(t, err, ErrClientLimitNeedsRedis)
	})

	t.Run("api key from env", func(t *testing.T) {
		t.Setenv(EnvAPIKey, "sekret")
		cfg, err := LoadBytes(nil, FormatYAML)
		require.NoError(t, err)
		assert.Equal(t, "sekret", cfg.Upstream.APIKey)
	})
}

func TestLoad(t *testing.T) {
	t.Run("yaml file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "gateway.yaml")
		require.NoError(t, os.WriteFile(path, []byte("quota:\n  max_calls: 42\n"), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 42, cfg.Quota.MaxCalls)
	})

	t.Run("unknown extension", func(t *testing.T) {
		_, err := Load("gateway.toml")
		require.ErrorIs(t, err, ErrUnsupportedFormat)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.ErrorIs(t, err, ErrLoadFailed)
	})

	t.Run("empty path", func(t *testing.T) {
		_, err := Load("")
		require.ErrorIs(t, err, ErrEmptyPath)
	})
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o600))

	reloaded := make(chan *Config, 1)
	w, err := Watch(path, func(cfg *Config, err error) {
		if err == nil {
			select {
			case reloaded <- cfg:
			default:
			}
		}
	})
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()
	w.Start()

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "debug", cfg.Log.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("config reload not observed")
	}
}
