package config

import (
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Cache backends accepted by CACHE_BACKEND.
const (
	CacheBackendBolt   = "bolt"
	CacheBackendRedis  = "redis"
	CacheBackendMemory = "memory"
)

// Config holds all environment-based configuration for gqlconsole.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Address the proxy routes listen on (gqlconsole serve). Binding a
	// non-loopback address requires PROXY_API_KEY.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:"127.0.0.1:8080"`

	// Base URL clients use to reach /api/oauth/token and
	// /api/graphql/proxy. Points at a running "gqlconsole serve".
	ProxyBaseURL string `env:"PROXY_BASE_URL" envDefault:"http://localhost:8080"`

	// Shared key guarding the proxy routes. Empty disables the check;
	// clients present the same value as a Bearer token.
	ProxyAPIKey string `env:"PROXY_API_KEY"`

	// YAML file describing the backend environments.
	EnvironmentsFile string `env:"ENVIRONMENTS_FILE" envDefault:"environments.yaml"`

	// Environment used when a command does not name one and no
	// selection has been persisted.
	DefaultEnvironment string `env:"DEFAULT_ENVIRONMENT"`

	// Proxy-client identity used when neither an override nor a saved
	// preference exists.
	DefaultProxyClient string `env:"DEFAULT_PROXY_CLIENT"`

	// Extra headers sent with every GraphQL request.
	// Format: "name1:value1,name2:value2"
	DefaultHeaders string `env:"DEFAULT_HEADERS"`

	// Token cache durable tier.
	CacheBackend         string        `env:"CACHE_BACKEND" envDefault:"bolt"`
	StatePath            string        `env:"STATE_PATH"`
	RedisURL             string        `env:"REDIS_URL"`
	TokenCachePassphrase string        `env:"TOKEN_CACHE_PASSPHRASE"`
	TokenCacheReadBuffer time.Duration `env:"TOKEN_CACHE_READ_BUFFER" envDefault:"2m"`

	// Outbound HTTP settings.
	HTTPTimeout      time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`
	BatchConcurrency int           `env:"BATCH_CONCURRENCY" envDefault:"4"`

	// MCP server settings. Empty listen address means stdio.
	MCPListenAddr string `env:"MCP_LISTEN_ADDR"`

	// Publish token cache mutations to the proxy's events route so
	// "gqlconsole token watch" sessions see them.
	CacheEvents bool `env:"CACHE_EVENTS" envDefault:"true"`
}

const (
	// passphraseMinLen is the minimum length for TOKEN_CACHE_PASSPHRASE.
	// Shorter passphrases do not provide enough entropy for the sealing
	// key, even after scrypt stretching.
	passphraseMinLen = 16
)

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing client secrets to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.CacheBackend == CacheBackendBolt && cfg.StatePath == "" {
		path, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = path
	}

	if cfg.StatePath != "" {
		absPath, err := filepath.Abs(cfg.StatePath)
		if err != nil {
			return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
		}

		cfg.StatePath = absPath
	}

	cfg.ProxyBaseURL = strings.TrimSuffix(cfg.ProxyBaseURL, "/")

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.CacheBackend {
	case CacheBackendBolt, CacheBackendMemory:
	case CacheBackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when CACHE_BACKEND is redis")
		}
	default:
		return fmt.Errorf("CACHE_BACKEND must be one of bolt, redis, memory (got %q)", c.CacheBackend)
	}

	u, err := url.Parse(c.ProxyBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("PROXY_BASE_URL must be an absolute http(s) URL")
	}

	if c.TokenCachePassphrase != "" && len(c.TokenCachePassphrase) < passphraseMinLen {
		return fmt.Errorf("TOKEN_CACHE_PASSPHRASE too short (minimum %d characters)", passphraseMinLen)
	}

	if c.ProxyAPIKey != "" && len(c.ProxyAPIKey) < passphraseMinLen {
		return fmt.Errorf("PROXY_API_KEY too short (minimum %d characters)", passphraseMinLen)
	}

	if err := c.CheckListenAddr(c.ListenAddr); err != nil {
		return fmt.Errorf("LISTEN_ADDR: %w", err)
	}

	if c.MCPListenAddr != "" {
		if err := c.CheckListenAddr(c.MCPListenAddr); err != nil {
			return fmt.Errorf("MCP_LISTEN_ADDR: %w", err)
		}
	}

	if c.TokenCacheReadBuffer < 0 {
		return fmt.Errorf("TOKEN_CACHE_READ_BUFFER must not be negative")
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive")
	}

	if c.BatchConcurrency < 1 {
		return fmt.Errorf("BATCH_CONCURRENCY must be at least 1")
	}

	if c.EnvironmentsFile == "" {
		return fmt.Errorf("ENVIRONMENTS_FILE is required")
	}

	if _, err := c.ParseDefaultHeaders(); err != nil {
		return err
	}

	return nil
}

// CheckListenAddr rejects binding addr beyond loopback while
// PROXY_API_KEY is unset, since the routes would accept any caller.
func (c *Config) CheckListenAddr(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}

	if c.ProxyAPIKey != "" || isLoopbackHost(host) {
		return nil
	}

	return fmt.Errorf("listening on %q requires PROXY_API_KEY", addr)
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}

	ip := net.ParseIP(host)

	return ip != nil && ip.IsLoopback()
}

// DefaultStatePath returns the default bbolt database location:
// ~/.gqlconsole/state.db
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".gqlconsole", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ParseDefaultHeaders parses the DEFAULT_HEADERS string.
// Format: "name1:value1,name2:value2". Header names are canonicalised
// to lower case, matching how the proxy forwards them.
func (c *Config) ParseDefaultHeaders() (map[string]string, error) {
	headers := make(map[string]string)
	if c.DefaultHeaders == "" {
		return headers, nil
	}

	for _, pair := range strings.Split(c.DefaultHeaders, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid header entry (missing ':')")
		}

		name := strings.ToLower(strings.TrimSpace(pair[:idx]))

		value := strings.TrimSpace(pair[idx+1:])
		if name == "" || value == "" {
			return nil, fmt.Errorf("empty header name or value in entry %d", len(headers)+1)
		}

		if !validHeaderName(name) {
			return nil, fmt.Errorf("invalid header name %q in DEFAULT_HEADERS", name)
		}

		if _, dup := headers[name]; dup {
			return nil, fmt.Errorf("duplicate header %q in DEFAULT_HEADERS", name)
		}

		headers[name] = value
	}

	return headers, nil
}

// validHeaderName reports whether name is a legal HTTP header token.
func validHeaderName(name string) bool {
	for _, r := range name {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			continue
		}

		if strings.ContainsRune("!#$%&'*+-.^_`|~", r) {
			continue
		}

		return false
	}

	return true
}
