package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"ENVIRONMENT",
		"LOG_LEVEL",
		"LISTEN_ADDR",
		"PROXY_BASE_URL",
		"PROXY_API_KEY",
		"ENVIRONMENTS_FILE",
		"DEFAULT_ENVIRONMENT",
		"DEFAULT_PROXY_CLIENT",
		"DEFAULT_HEADERS",
		"CACHE_BACKEND",
		"STATE_PATH",
		"REDIS_URL",
		"TOKEN_CACHE_PASSPHRASE",
		"TOKEN_CACHE_READ_BUFFER",
		"HTTP_TIMEOUT",
		"BATCH_CONCURRENCY",
		"MCP_LISTEN_ADDR",
		"CACHE_EVENTS",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// --- Load: defaults ---

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("STATE_PATH", filepath.Join(t.TempDir(), "state.db"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "127.0.0.1:8080", cfg.ListenAddr)
	assert.True(t, cfg.CacheEvents)
	assert.Equal(t, "http://localhost:8080", cfg.ProxyBaseURL)
	assert.Equal(t, "environments.yaml", cfg.EnvironmentsFile)
	assert.Equal(t, CacheBackendBolt, cfg.CacheBackend)
	assert.Equal(t, 2*time.Minute, cfg.TokenCacheReadBuffer)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 4, cfg.BatchConcurrency)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_StatePathResolvedToAbsolute(t *testing.T) {
	clearConfigEnv(t)
	t.Chdir(t.TempDir())
	t.Setenv("STATE_PATH", "relative/state.db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.StatePath), "state path should be absolute: %s", cfg.StatePath)
}

func TestLoad_DefaultStatePathUnderHome(t *testing.T) {
	clearConfigEnv(t)
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".gqlconsole", "state.db"), cfg.StatePath)
}

func TestLoad_TrimsTrailingSlashFromProxyBase(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("CACHE_BACKEND", "memory")
	t.Setenv("PROXY_BASE_URL", "https://console.example.com/")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://console.example.com", cfg.ProxyBaseURL)
}

func TestLoad_Production(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("CACHE_BACKEND", "memory")
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}

// --- Load: validation ---

func TestLoad_InvalidCacheBackend(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("CACHE_BACKEND", "sqlite")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CACHE_BACKEND")
}

func TestLoad_RedisRequiresURL(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("CACHE_BACKEND", "redis")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_URL")
}

func TestLoad_RedisWithURL(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("CACHE_BACKEND", "redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, CacheBackendRedis, cfg.CacheBackend)
	assert.Empty(t, cfg.StatePath)
}

func TestLoad_InvalidProxyBaseURL(t *testing.T) {
	for _, raw := range []string{"localhost:8080", "ftp://example.com", "http://"} {
		clearConfigEnv(t)
		t.Setenv("CACHE_BACKEND", "memory")
		t.Setenv("PROXY_BASE_URL", raw)

		_, err := Load()
		require.Error(t, err, "expected error for %q", raw)
		assert.Contains(t, err.Error(), "PROXY_BASE_URL")
	}
}

func TestLoad_ShortPassphrase(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("CACHE_BACKEND", "memory")
	t.Setenv("TOKEN_CACHE_PASSPHRASE", "short")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too short")
}

func TestLoad_ShortProxyAPIKey(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("CACHE_BACKEND", CacheBackendMemory)
	t.Setenv("PROXY_API_KEY", "short")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PROXY_API_KEY")
}

func TestLoad_ProxyAPIKey(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("CACHE_BACKEND", CacheBackendMemory)
	t.Setenv("PROXY_API_KEY", "0123456789abcdef0123")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef0123", cfg.ProxyAPIKey)
}

func TestLoad_ZeroConcurrency(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("CACHE_BACKEND", "memory")
	t.Setenv("BATCH_CONCURRENCY", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BATCH_CONCURRENCY")
}

func TestLoad_InvalidDuration(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("CACHE_BACKEND", "memory")
	t.Setenv("HTTP_TIMEOUT", "soon")

	_, err := Load()
	require.Error(t, err)
}

// --- ParseDefaultHeaders ---

func TestParseDefaultHeaders_Empty(t *testing.T) {
	cfg := &Config{}
	headers, err := cfg.ParseDefaultHeaders()
	require.NoError(t, err)
	assert.Empty(t, headers)
}

func TestParseDefaultHeaders_Valid(t *testing.T) {
	cfg := &Config{DefaultHeaders: "X-Team: data-eng , x-trace:on"}
	headers, err := cfg.ParseDefaultHeaders()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"x-team": "data-eng", "x-trace": "on"}, headers)
}

func TestParseDefaultHeaders_ValueWithColon(t *testing.T) {
	cfg := &Config{DefaultHeaders: "x-origin:https://example.com"}
	headers, err := cfg.ParseDefaultHeaders()
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", headers["x-origin"])
}

func TestParseDefaultHeaders_Errors(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"novalue", "missing ':'"},
		{":value", "empty header name"},
		{"x-a:1,x-a:2", "duplicate"},
		{"bad header:1", "invalid header name"},
	}
	for _, tt := range tests {
		cfg := &Config{DefaultHeaders: tt.raw}
		_, err := cfg.ParseDefaultHeaders()
		require.Error(t, err, "raw=%q", tt.raw)
		assert.Contains(t, err.Error(), tt.want, "raw=%q", tt.raw)
	}
}

// --- Load: listen addresses ---

func TestLoad_PublicListenRequiresAPIKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"all interfaces", "LISTEN_ADDR", ":8080"},
		{"wildcard ip", "LISTEN_ADDR", "0.0.0.0:8080"},
		{"lan ip", "LISTEN_ADDR", "192.168.1.20:8080"},
		{"mcp all interfaces", "MCP_LISTEN_ADDR", ":8090"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			t.Setenv("CACHE_BACKEND", "memory")
			t.Setenv(tt.key, tt.val)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "requires PROXY_API_KEY")
		})
	}
}

func TestLoad_PublicListenWithAPIKey(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("CACHE_BACKEND", "memory")
	t.Setenv("LISTEN_ADDR", ":8080")
	t.Setenv("PROXY_API_KEY", "0123456789abcdef")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
}

func TestCheckListenAddr(t *testing.T) {
	cfg := &Config{}

	for _, addr := range []string{"127.0.0.1:8080", "localhost:8080", "[::1]:8080"} {
		assert.NoError(t, cfg.CheckListenAddr(addr), addr)
	}

	assert.Error(t, cfg.CheckListenAddr("no-port"))
	assert.Error(t, cfg.CheckListenAddr("[::]:8080"))
}

func TestLoad_CacheEventsDisabled(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("CACHE_BACKEND", "memory")
	t.Setenv("CACHE_EVENTS", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.CacheEvents)
}
