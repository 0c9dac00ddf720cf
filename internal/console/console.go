// Package console wires the environment registry, token cache, token
// acquisition and saved preferences into per-environment GraphQL clients,
// and offers the operations the CLI and MCP surfaces expose.
package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alexjbarnes/gqlconsole/internal/environments"
	"github.com/alexjbarnes/gqlconsole/internal/graphql"
	"github.com/alexjbarnes/gqlconsole/internal/logging"
	"github.com/alexjbarnes/gqlconsole/internal/querybuilder"
	"github.com/alexjbarnes/gqlconsole/internal/tokencache"
)

// Registry resolves environment keys.
type Registry interface {
	Lookup(key string) (environments.EnvironmentConfig, error)
	Keys() []string
}

// Preferences persists the user's proxy-client and environment choices.
// *state.State satisfies it.
type Preferences interface {
	ProxyClient() string
	SetProxyClient(id string) error
	SelectedEnvironment() string
	SetSelectedEnvironment(key string) error
}

// Config holds the dependencies of a Console.
type Config struct {
	Environments Registry
	Cache        *tokencache.Cache
	Tokens       graphql.TokenSource
	Preferences  Preferences

	ProxyBaseURL       string
	HTTPClient         *http.Client
	APIKey             string
	DefaultProxyClient string
	DefaultHeaders     map[string]string
	DefaultEnvironment string
	BatchConcurrency   int

	Recorder graphql.Recorder
	Logger   *slog.Logger
}

type clientEntry struct {
	cfg    environments.EnvironmentConfig
	client *graphql.Client
}

// Console is safe for concurrent use.
type Console struct {
	cfg Config

	mu      sync.Mutex
	clients map[string]clientEntry
}

// New creates a console. Cache defaults to a memory-only cache and
// Preferences to an in-process store.
func New(cfg Config) (*Console, error) {
	if cfg.Environments == nil {
		return nil, errors.New("console: environment registry is required")
	}

	if cfg.Cache == nil {
		cfg.Cache = tokencache.New()
	}

	if cfg.Preferences == nil {
		cfg.Preferences = &memoryPreferences{}
	}

	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	if cfg.BatchConcurrency < 1 {
		cfg.BatchConcurrency = 1
	}

	return &Console{cfg: cfg, clients: make(map[string]clientEntry)}, nil
}

// Environments returns the configured environment keys, sorted.
func (c *Console) Environments() []string {
	return c.cfg.Environments.Keys()
}

// Cache returns the shared token cache.
func (c *Console) Cache() *tokencache.Cache {
	return c.cfg.Cache
}

// ResolveEnvironment picks envKey, else the saved selection, else the
// configured default.
func (c *Console) ResolveEnvironment(envKey string) (string, error) {
	for _, k := range []string{envKey, c.cfg.Preferences.SelectedEnvironment(), c.cfg.DefaultEnvironment} {
		if k != "" {
			return k, nil
		}
	}

	return "", &environments.ConfigurationError{Key: ""}
}

// Client returns the client for envKey, creating it on first use. A
// client is rebuilt when its environment's configuration has changed
// since, which also drops its memoised schema.
func (c *Console) Client(envKey string) (*graphql.Client, error) {
	key, err := c.ResolveEnvironment(envKey)
	if err != nil {
		return nil, err
	}

	cfg, err := c.cfg.Environments.Lookup(key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.clients[key]; ok && e.cfg == cfg {
		return e.client, nil
	}

	opts := []graphql.Option{
		graphql.WithTokenSource(c.cfg.Tokens),
		graphql.WithCache(c.cfg.Cache),
		graphql.WithPreferences(c.cfg.Preferences),
		graphql.WithDefaultProxyClient(c.cfg.DefaultProxyClient),
		graphql.WithDefaultHeaders(c.cfg.DefaultHeaders),
		graphql.WithAPIKey(c.cfg.APIKey),
		graphql.WithLogger(c.cfg.Logger),
	}

	if c.cfg.ProxyBaseURL != "" {
		opts = append(opts, graphql.WithProxyBaseURL(c.cfg.ProxyBaseURL))
	}

	if c.cfg.HTTPClient != nil {
		opts = append(opts, graphql.WithHTTPClient(c.cfg.HTTPClient))
	}

	if c.cfg.Recorder != nil {
		opts = append(opts, graphql.WithRecorder(c.cfg.Recorder))
	}

	client := graphql.New(cfg, key, opts...)
	c.clients[key] = clientEntry{cfg: cfg, client: client}

	return client, nil
}

// Request is one GraphQL operation.
type Request struct {
	Environment string
	Query       string
	Variables   map[string]any
	Headers     map[string]string
	ProxyClient string
}

// Execute runs one operation. Only configuration and token acquisition
// failures are returned as errors.
func (c *Console) Execute(ctx context.Context, req Request) (*graphql.Response, error) {
	client, err := c.Client(req.Environment)
	if err != nil {
		return nil, err
	}

	return client.Execute(ctx, req.Query, req.Variables, req.Headers, req.ProxyClient)
}

// Field returns a root query field of envKey's schema.
func (c *Console) Field(ctx context.Context, envKey, name string) (*querybuilder.Field, *querybuilder.Schema, error) {
	client, err := c.Client(envKey)
	if err != nil {
		return nil, nil, err
	}

	schema, err := client.Schema(ctx)
	if err != nil {
		return nil, nil, err
	}

	f, err := schema.Field(name)
	if err != nil {
		return nil, nil, err
	}

	return f, schema, nil
}

// RootFields lists the query root fields of envKey's schema.
func (c *Console) RootFields(ctx context.Context, envKey string) ([]querybuilder.Field, error) {
	client, err := c.Client(envKey)
	if err != nil {
		return nil, err
	}

	schema, err := client.Schema(ctx)
	if err != nil {
		return nil, err
	}

	return querybuilder.RootFields(schema), nil
}

// BuiltQuery is a generated document with its variables template.
type BuiltQuery struct {
	Field     string         `json:"field"`
	Query     string         `json:"query"`
	Pretty    string         `json:"pretty,omitempty"`
	Variables map[string]any `json:"variables"`
}

// BuildQuery generates a query for the root field name of envKey's
// schema. maxDepth limits object nesting; zero means unlimited.
func (c *Console) BuildQuery(ctx context.Context, envKey, name string, maxDepth int) (*BuiltQuery, error) {
	field, schema, err := c.Field(ctx, envKey, name)
	if err != nil {
		return nil, err
	}

	b := querybuilder.NewBuilder(schema, querybuilder.WithMaxDepth(maxDepth))
	q := b.BuildQuery(*field)

	pretty, err := querybuilder.Pretty(q)
	if err != nil {
		return nil, fmt.Errorf("building query for %s: %w", name, err)
	}

	return &BuiltQuery{
		Field:     name,
		Query:     q,
		Pretty:    pretty,
		Variables: b.VariablesTemplate(*field),
	}, nil
}

// TokenStatus describes the cached token of one environment.
type TokenStatus struct {
	Environment string    `json:"environment"`
	ClientID    string    `json:"client_id"`
	Cached      bool      `json:"cached"`
	InMemory    bool      `json:"in_memory,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitzero"`
	ExpiresIn   string    `json:"expires_in,omitempty"`
}

// TokenStatus reports, for every configured environment, whether a token
// is cached for its current identity and when it expires.
func (c *Console) TokenStatus(ctx context.Context) []TokenStatus {
	entries := c.cfg.Cache.Entries(ctx)

	byKey := make(map[string]tokencache.EntryInfo, len(entries))
	for _, e := range entries {
		byKey[e.Key] = e
	}

	now := time.Now()
	keys := c.cfg.Environments.Keys()
	out := make([]TokenStatus, 0, len(keys))

	for _, k := range keys {
		cfg, err := c.cfg.Environments.Lookup(k)
		if err != nil {
			continue
		}

		st := TokenStatus{Environment: k, ClientID: cfg.ClientID}

		if e, ok := byKey[tokencache.ComputeCacheKey(cfg, k)]; ok && e.ExpiresAt.After(now) {
			st.Cached = true
			st.InMemory = e.InMemory
			st.ExpiresAt = e.ExpiresAt
			st.ExpiresIn = e.ExpiresAt.Sub(now).Truncate(time.Second).String()
		}

		out = append(out, st)
	}

	return out
}

// InvalidateToken drops the cached token of envKey.
func (c *Console) InvalidateToken(ctx context.Context, envKey string) error {
	client, err := c.Client(envKey)
	if err != nil {
		return err
	}

	client.InvalidateToken(ctx)

	return nil
}

// ClearSession removes every cached token and forgets memoised schemas.
func (c *Console) ClearSession(ctx context.Context) {
	c.cfg.Cache.ClearAll(ctx)

	c.mu.Lock()
	c.clients = make(map[string]clientEntry)
	c.mu.Unlock()
}

// ProxyClient returns the saved proxy-client identity.
func (c *Console) ProxyClient() string {
	return c.cfg.Preferences.ProxyClient()
}

// SetProxyClient saves the proxy-client identity. Empty clears it.
func (c *Console) SetProxyClient(id string) error {
	return c.cfg.Preferences.SetProxyClient(id)
}

// SelectedEnvironment returns the saved environment selection.
func (c *Console) SelectedEnvironment() string {
	return c.cfg.Preferences.SelectedEnvironment()
}

// SelectEnvironment saves envKey as the default for later calls. Unknown
// keys are rejected; empty clears the selection.
func (c *Console) SelectEnvironment(envKey string) error {
	if envKey != "" {
		if _, err := c.cfg.Environments.Lookup(envKey); err != nil {
			return err
		}
	}

	return c.cfg.Preferences.SetSelectedEnvironment(envKey)
}

type memoryPreferences struct {
	mu          sync.Mutex
	proxyClient string
	environment string
}

func (m *memoryPreferences) ProxyClient() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.proxyClient
}

func (m *memoryPreferences) SetProxyClient(id string) error {
	m.mu.Lock()
	m.proxyClient = id
	m.mu.Unlock()

	return nil
}

func (m *memoryPreferences) SelectedEnvironment() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.environment
}

func (m *memoryPreferences) SetSelectedEnvironment(key string) error {
	m.mu.Lock()
	m.environment = key
	m.mu.Unlock()

	return nil
}
