// Package environments describes the backend environments gqlconsole can
// talk to and keeps a reloadable registry of them.
package environments

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	apperrors "github.com/alexjbarnes/gqlconsole/internal/errors"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// EnvironmentConfig is the static descriptor of one backend. Values are
// immutable once loaded.
type EnvironmentConfig struct {
	Name           string `yaml:"name" json:"name"`
	BaseURL        string `yaml:"base_url" json:"base_url"`
	GraphURL       string `yaml:"graph_url" json:"graph_url"`
	HealthURL      string `yaml:"health_url" json:"health_url,omitempty"`
	AccessTokenURL string `yaml:"access_token_url" json:"access_token_url"`
	ClientID       string `yaml:"client_id" json:"client_id"`
	ClientSecret   string `yaml:"client_secret" json:"-"`
	Scope          string `yaml:"scope" json:"scope,omitempty"`
}

func (c EnvironmentConfig) validate(key string) error {
	if c.GraphURL == "" {
		return fmt.Errorf("environment %q: graph_url is required", key)
	}

	if c.AccessTokenURL == "" {
		return fmt.Errorf("environment %q: access_token_url is required", key)
	}

	if c.ClientID == "" || c.ClientSecret == "" {
		return fmt.Errorf("environment %q: client_id and client_secret are required", key)
	}

	return nil
}

// ConfigurationError reports a request for an environment key that has no
// configuration. It is never retried.
type ConfigurationError struct {
	Key string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("no configuration for environment %q", e.Key)
}

func (e *ConfigurationError) Unwrap() error { return apperrors.ErrEnvironmentNotFound }

// file is the on-disk layout of the environments YAML file.
type file struct {
	Environments map[string]EnvironmentConfig `yaml:"environments"`
}

// envRef matches ${VAR} references. Bare $VAR is left alone because
// client secrets may legitimately contain '$'.
var envRef = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*\}`)

func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(m[2 : len(m)-1])
	})
}

// expand resolves ${VAR} references in every field. Values are
// substituted after decoding, so they are never read as YAML.
func (c EnvironmentConfig) expand() EnvironmentConfig {
	for _, f := range []*string{
		&c.Name, &c.BaseURL, &c.GraphURL, &c.HealthURL,
		&c.AccessTokenURL, &c.ClientID, &c.ClientSecret, &c.Scope,
	} {
		*f = expandEnv(*f)
	}

	return c
}

// Parse decodes an environments YAML document. ${VAR} references in
// values are expanded from the process environment so secrets can live
// outside the file.
func Parse(data []byte) (map[string]EnvironmentConfig, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding environments: %w", err)
	}

	if len(f.Environments) == 0 {
		return nil, fmt.Errorf("no environments defined")
	}

	for key, cfg := range f.Environments {
		cfg = cfg.expand()
		if cfg.Name == "" {
			cfg.Name = key
		}

		f.Environments[key] = cfg

		if err := cfg.validate(key); err != nil {
			return nil, err
		}
	}

	return f.Environments, nil
}

// LoadFile reads and parses an environments file.
func LoadFile(path string) (map[string]EnvironmentConfig, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("reading environments file: %w", err)
	}

	return Parse(data)
}

// Registry holds the current set of environments. Safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	envs map[string]EnvironmentConfig
}

// NewRegistry creates a registry seeded with envs.
func NewRegistry(envs map[string]EnvironmentConfig) *Registry {
	r := &Registry{}
	r.Replace(envs)

	return r
}

// Open loads path into a new registry.
func Open(path string) (*Registry, error) {
	envs, err := LoadFile(path)
	if err != nil {
		return nil, err
	}

	return NewRegistry(envs), nil
}

// Lookup returns the configuration for key or a *ConfigurationError.
func (r *Registry) Lookup(key string) (EnvironmentConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.envs[key]
	if !ok {
		return EnvironmentConfig{}, &ConfigurationError{Key: key}
	}

	return cfg, nil
}

// Keys returns the configured environment keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.envs))
	for k := range r.envs {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// Replace swaps the registry contents for a copy of envs.
func (r *Registry) Replace(envs map[string]EnvironmentConfig) {
	snapshot := make(map[string]EnvironmentConfig, len(envs))
	for k, v := range envs {
		snapshot[k] = v
	}

	r.mu.Lock()
	r.envs = snapshot
	r.mu.Unlock()
}

// Watch reloads the registry from path whenever the file changes. It
// blocks until ctx is cancelled. A file that fails to parse leaves the
// previous environments in place. The parent directory is watched so
// editors that replace the file via rename are handled.
func (r *Registry) Watch(ctx context.Context, path string, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving environments path: %w", err)
	}

	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("watching environments directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Clean(event.Name) != absPath {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			r.reload(absPath, logger)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			logger.Warn("environments watcher error", slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) reload(path string, logger *slog.Logger) {
	envs, err := LoadFile(path)
	if err != nil {
		logger.Warn("environments reload failed, keeping previous",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return
	}

	r.Replace(envs)
	logger.Info("environments reloaded",
		slog.String("path", path),
		slog.Int("count", len(envs)),
	)
}
