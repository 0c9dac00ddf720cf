// Package graphql executes GraphQL operations against a configured
// environment through the proxy route and normalises every outcome into
// a single Response shape.
package graphql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/gqlconsole/internal/environments"
	apperrors "github.com/alexjbarnes/gqlconsole/internal/errors"
	"github.com/alexjbarnes/gqlconsole/internal/logging"
	"github.com/alexjbarnes/gqlconsole/internal/querybuilder"
	"github.com/alexjbarnes/gqlconsole/internal/tokencache"
	"github.com/google/uuid"
)

// ProxyPath is the proxy route GraphQL requests are sent to.
const ProxyPath = "/api/graphql/proxy"

// DefaultProxyClient is the identity sent when nothing else is configured.
const DefaultProxyClient = "gqlconsole"

// Request headers understood by the proxy.
const (
	HeaderProxyClient         = "proxy-client"
	HeaderSelectedEnvironment = "x-selected-environment"
	HeaderDebugClientID       = "x-debug-client-id"
	HeaderDebugTargetURL      = "x-debug-target-url"
	HeaderRequestID           = "x-request-id"
)

const (
	// maxResponseBytes caps response reads. Introspection results for
	// large schemas run to a few MB.
	maxResponseBytes = 32 * 1024 * 1024

	defaultHTTPTimeout = 30 * time.Second
)

// Option configures a Client.
type Option func(*Client)

// WithTokenSource sets where bearer tokens come from.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithCache sets the cache consulted by CurrentToken, InvalidateToken
// and HasCachedToken.
func WithCache(cache *tokencache.Cache) Option {
	return func(c *Client) { c.cache = cache }
}

// WithProxyBaseURL sets the base URL of the proxy routes.
func WithProxyBaseURL(u string) Option {
	return func(c *Client) { c.proxyBaseURL = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithPreferences sets the saved-preference source for the proxy client.
func WithPreferences(p Preferences) Option {
	return func(c *Client) { c.prefs = p }
}

// WithDefaultProxyClient sets the fallback used before DefaultProxyClient.
func WithDefaultProxyClient(id string) Option {
	return func(c *Client) { c.defaultProxyClient = id }
}

// WithDefaultHeaders adds headers to every request. Per-call custom
// headers override them.
func WithDefaultHeaders(h map[string]string) Option {
	return func(c *Client) { c.defaultHeaders = h }
}

// WithAPIKey sets the key presented to a guarded proxy.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRecorder registers a request recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// Client executes GraphQL operations for one environment.
type Client struct {
	cfg    environments.EnvironmentConfig
	envKey string

	tokens             TokenSource
	cache              *tokencache.Cache
	proxyBaseURL       string
	httpClient         *http.Client
	prefs              Preferences
	defaultProxyClient string
	defaultHeaders     map[string]string
	apiKey             string
	logger             *slog.Logger
	recorder           Recorder

	schemaMu sync.Mutex
	schema   *querybuilder.Schema
}

// New creates a client for the environment cfg registered under envKey.
func New(cfg environments.EnvironmentConfig, envKey string, opts ...Option) *Client {
	c := &Client{
		cfg:          cfg,
		envKey:       envKey,
		proxyBaseURL: "http://localhost:8080",
		httpClient:   &http.Client{Timeout: defaultHTTPTimeout},
		logger:       logging.Discard(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.cache == nil {
		c.cache = tokencache.New()
	}

	return c
}

// EnvironmentKey returns the key the client was created for.
func (c *Client) EnvironmentKey() string {
	return c.envKey
}

// Config returns the environment configuration.
func (c *Client) Config() environments.EnvironmentConfig {
	return c.cfg
}

// ProxyClient resolves the effective proxy-client identity: override,
// then saved preference, then configured default, then DefaultProxyClient.
func (c *Client) ProxyClient(override string) string {
	if override != "" {
		return override
	}

	if c.prefs != nil {
		if p := c.prefs.ProxyClient(); p != "" {
			return p
		}
	}

	if c.defaultProxyClient != "" {
		return c.defaultProxyClient
	}

	return DefaultProxyClient
}

type proxyRequest struct {
	Query       string         `json:"query"`
	Variables   map[string]any `json:"variables"`
	AccessToken string         `json:"access_token"`
}

// Execute runs one operation. The returned error is non-nil only when
// no bearer token could be obtained; every HTTP outcome, including
// transport failures, is encoded in the Response.
func (c *Client) Execute(ctx context.Context, query string, variables map[string]any, customHeaders map[string]string, proxyClientOverride string) (*Response, error) {
	if c.tokens == nil {
		return nil, fmt.Errorf("no token source configured: %w", apperrors.ErrTokenUnavailable)
	}

	token, err := c.tokens.Token(ctx, c.cfg, c.envKey)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp := c.send(ctx, query, variables, customHeaders, proxyClientOverride, token)
	elapsed := time.Since(start)

	if c.recorder != nil {
		c.recorder.GraphQLRequest(c.envKey, resp.outcome(), elapsed)
	}

	c.logger.Debug("graphql request",
		slog.String("environment", c.envKey),
		slog.Int("status", resp.Status),
		slog.Int("errors", len(resp.Errors)),
		slog.Duration("elapsed", elapsed),
	)

	return resp, nil
}

func (c *Client) send(ctx context.Context, query string, variables map[string]any, customHeaders map[string]string, proxyClientOverride, token string) *Response {
	if variables == nil {
		variables = map[string]any{}
	}

	payload, err := json.Marshal(proxyRequest{Query: query, Variables: variables, AccessToken: token})
	if err != nil {
		return transportError(fmt.Errorf("marshalling request body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.proxyBaseURL+ProxyPath, bytes.NewReader(payload))
	if err != nil {
		return transportError(fmt.Errorf("creating request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderProxyClient, c.ProxyClient(proxyClientOverride))
	req.Header.Set(HeaderSelectedEnvironment, c.envKey)
	req.Header.Set(HeaderDebugClientID, c.cfg.ClientID)
	req.Header.Set(HeaderDebugTargetURL, c.cfg.GraphURL)
	req.Header.Set(HeaderRequestID, uuid.NewString())

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	for k, v := range c.defaultHeaders {
		req.Header.Set(k, v)
	}

	for k, v := range customHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("graphql transport failure",
			slog.String("environment", c.envKey),
			slog.String("error", err.Error()),
		)

		return transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		r := transportError(fmt.Errorf("reading response: %w", err))
		r.Status = resp.StatusCode
		r.Headers = flattenHeaders(resp.Header)

		return r
	}

	return normalize(resp.StatusCode, resp.Header, body)
}

// CurrentToken returns the cached token for this client's identity, or nil.
func (c *Client) CurrentToken(ctx context.Context) *tokencache.AuthToken {
	return c.cache.Get(ctx, c.cfg, c.envKey)
}

// HasCachedToken reports whether a live token is cached.
func (c *Client) HasCachedToken(ctx context.Context) bool {
	return c.CurrentToken(ctx) != nil
}

// InvalidateToken drops the cached token so the next Execute acquires
// a fresh one.
func (c *Client) InvalidateToken(ctx context.Context) {
	c.cache.Remove(ctx, c.cfg, c.envKey)
}

// Schema introspects the environment once and memoises the result for
// the client's lifetime. Failures are not memoised.
func (c *Client) Schema(ctx context.Context) (*querybuilder.Schema, error) {
	c.schemaMu.Lock()
	defer c.schemaMu.Unlock()

	if c.schema != nil {
		return c.schema, nil
	}

	resp, err := c.Execute(ctx, querybuilder.IntrospectionQuery, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("introspecting %s: %w", c.envKey, err)
	}

	if !resp.OK() {
		return nil, fmt.Errorf("introspecting %s: %s: %w", c.envKey, resp.Errors[0].Message, apperrors.ErrAPIResponse)
	}

	schema, err := querybuilder.ParseIntrospection(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("introspecting %s: %w", c.envKey, err)
	}

	c.schema = schema

	return schema, nil
}
