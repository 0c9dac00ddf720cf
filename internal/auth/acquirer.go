package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alexjbarnes/gqlconsole/internal/environments"
	apperrors "github.com/alexjbarnes/gqlconsole/internal/errors"
	"github.com/alexjbarnes/gqlconsole/internal/logging"
	"github.com/alexjbarnes/gqlconsole/internal/tokencache"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

// TokenPath is the proxy route that performs the credential exchange.
const TokenPath = "/api/oauth/token"

const (
	// expiryBuffer is taken off the issued lifetime so a token is never
	// used in its final minute.
	expiryBuffer = 60 * time.Second

	// maxTokenResponseBytes caps token endpoint response reads.
	maxTokenResponseBytes = 64 * 1024

	// acquireTimeout bounds a shared acquisition, which outlives the
	// caller that started it.
	acquireTimeout = 60 * time.Second
)

// AuthenticationFailure describes one failed transmission strategy.
// HTTPStatus is 0 when the request never got a response.
type AuthenticationFailure struct {
	Strategy   string
	HTTPStatus int
	Detail     string
}

func (f *AuthenticationFailure) Error() string {
	if f.HTTPStatus == 0 {
		return fmt.Sprintf("%s: %s", f.Strategy, f.Detail)
	}

	if f.Detail == "" {
		return fmt.Sprintf("%s: HTTP %d", f.Strategy, f.HTTPStatus)
	}

	return fmt.Sprintf("%s: HTTP %d: %s", f.Strategy, f.HTTPStatus, f.Detail)
}

// AcquisitionError is returned when every strategy failed. It matches
// apperrors.ErrAuthenticationFailed and unwraps to each attempt.
type AcquisitionError struct {
	EnvironmentKey string
	Attempts       []*AuthenticationFailure
}

func (e *AcquisitionError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.Error()
	}

	return fmt.Sprintf("acquiring token for %q: %s", e.EnvironmentKey, strings.Join(parts, "; "))
}

func (e *AcquisitionError) Is(target error) bool {
	return target == apperrors.ErrAuthenticationFailed
}

func (e *AcquisitionError) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a
	}

	return errs
}

// Recorder receives acquisition outcomes. result is "success" or "failure".
type Recorder interface {
	TokenAcquisition(envKey, strategy, result string)
}

// AcquirerOption configures an Acquirer.
type AcquirerOption func(*Acquirer)

// WithHTTPClient sets the client used to reach the proxy.
func WithHTTPClient(c *http.Client) AcquirerOption {
	return func(a *Acquirer) { a.httpClient = c }
}

// WithAPIKey sets the key presented to a guarded proxy.
func WithAPIKey(key string) AcquirerOption {
	return func(a *Acquirer) { a.apiKey = key }
}

// WithAcquirerLogger sets the logger.
func WithAcquirerLogger(l *slog.Logger) AcquirerOption {
	return func(a *Acquirer) { a.logger = l }
}

// WithRecorder registers an outcome recorder.
func WithRecorder(r Recorder) AcquirerOption {
	return func(a *Acquirer) { a.recorder = r }
}

// WithNow overrides time.Now.
func WithNow(now func() time.Time) AcquirerOption {
	return func(a *Acquirer) { a.now = now }
}

// Acquirer obtains bearer tokens, cache first. Concurrent acquisitions
// for the same identity share one round trip.
type Acquirer struct {
	cache        *tokencache.Cache
	proxyBaseURL string
	apiKey       string
	httpClient   *http.Client
	logger       *slog.Logger
	recorder     Recorder
	now          func() time.Time
	group        singleflight.Group
}

// NewAcquirer creates an Acquirer that exchanges credentials through the
// proxy at proxyBaseURL.
func NewAcquirer(cache *tokencache.Cache, proxyBaseURL string, opts ...AcquirerOption) *Acquirer {
	a := &Acquirer{
		cache:        cache,
		proxyBaseURL: strings.TrimSuffix(proxyBaseURL, "/"),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		logger:       logging.Discard(),
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Cache returns the token cache the acquirer reads and writes.
func (a *Acquirer) Cache() *tokencache.Cache {
	return a.cache
}

// APIKey returns the key presented to a guarded proxy, if any.
func (a *Acquirer) APIKey() string {
	return a.apiKey
}

// Token returns a usable access token for the identity. On a cache miss
// it tries the basic strategy, then form. When both fail the cache entry
// is removed and an *AcquisitionError is returned.
//
// The exchange shared between concurrent callers runs detached from any
// one caller's context. A caller whose ctx ends returns ctx.Err() while
// the exchange carries on for the others.
func (a *Acquirer) Token(ctx context.Context, cfg environments.EnvironmentConfig, envKey string) (string, error) {
	if tok := a.cache.Get(ctx, cfg, envKey); tok != nil {
		return tok.AccessToken, nil
	}

	ch := a.group.DoChan(tokencache.ComputeCacheKey(cfg, envKey), func() (interface{}, error) {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), acquireTimeout)
		defer cancel()

		return a.acquire(actx, cfg, envKey)
	})

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("acquiring token for %q: %w", envKey, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}

		return res.Val.(string), nil
	}
}

// acquire runs the strategies in order. A done ctx ends the attempt
// with ctx.Err(): the next strategy is not tried and the cache is left
// alone.
func (a *Acquirer) acquire(ctx context.Context, cfg environments.EnvironmentConfig, envKey string) (string, error) {
	var failures []*AuthenticationFailure

	for _, strategy := range []string{StrategyBasic, StrategyForm} {
		resp, failure := a.exchange(ctx, cfg, envKey, strategy)
		if failure != nil {
			if err := ctx.Err(); err != nil {
				return "", fmt.Errorf("acquiring token for %q: %w", envKey, err)
			}

			a.logger.Warn("token strategy failed",
				slog.String("environment", envKey),
				slog.String("strategy", strategy),
				slog.Int("status", failure.HTTPStatus),
			)
			a.record(envKey, strategy, "failure")
			failures = append(failures, failure)

			continue
		}

		token := tokencache.AuthToken{
			AccessToken: resp.AccessToken,
			TokenType:   resp.TokenType,
			ExpiresIn:   resp.ExpiresIn,
			ExpiresAt:   a.now().UnixMilli() + resp.ExpiresIn*1000 - expiryBuffer.Milliseconds(),
			Scope:       resp.Scope,
		}
		a.cache.Set(ctx, cfg, envKey, token)
		a.record(envKey, strategy, "success")

		a.logger.Debug("token acquired",
			slog.String("environment", envKey),
			slog.String("strategy", strategy),
			slog.Int64("expires_in", resp.ExpiresIn),
		)

		return token.AccessToken, nil
	}

	a.cache.Remove(ctx, cfg, envKey)

	return "", &AcquisitionError{EnvironmentKey: envKey, Attempts: failures}
}

// exchange posts one strategy attempt to the proxy token route.
func (a *Acquirer) exchange(ctx context.Context, cfg environments.EnvironmentConfig, envKey, strategy string) (*tokenResponse, *AuthenticationFailure) {
	payload, err := json.Marshal(tokenRequest{
		AccessTokenURL: cfg.AccessTokenURL,
		ClientID:       cfg.ClientID,
		ClientSecret:   cfg.ClientSecret,
		Scope:          cfg.Scope,
		Method:         strategy,
		Environment:    envKey,
	})
	if err != nil {
		return nil, &AuthenticationFailure{Strategy: strategy, Detail: fmt.Sprintf("marshalling request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.proxyBaseURL+TokenPath, bytes.NewReader(payload))
	if err != nil {
		return nil, &AuthenticationFailure{Strategy: strategy, Detail: fmt.Sprintf("creating request: %v", err)}
	}

	req.Header.Set("Content-Type", "application/json")

	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, &AuthenticationFailure{Strategy: strategy, Detail: fmt.Sprintf("sending request: %v", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return nil, &AuthenticationFailure{Strategy: strategy, HTTPStatus: resp.StatusCode, Detail: fmt.Sprintf("reading response: %v", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &AuthenticationFailure{Strategy: strategy, HTTPStatus: resp.StatusCode, Detail: errorDetail(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, &AuthenticationFailure{Strategy: strategy, HTTPStatus: resp.StatusCode, Detail: "invalid token response: " + sanitizeResponseBody(body)}
	}

	if tr.AccessToken == "" {
		return nil, &AuthenticationFailure{Strategy: strategy, HTTPStatus: resp.StatusCode, Detail: "token response has no access_token"}
	}

	return &tr, nil
}

func (a *Acquirer) record(envKey, strategy, result string) {
	if a.recorder != nil {
		a.recorder.TokenAcquisition(envKey, strategy, result)
	}
}

// errorDetail extracts "error: details" from an {error, details} body,
// falling back to the sanitised raw text.
func errorDetail(body []byte) string {
	if gjson.ValidBytes(body) {
		msg := gjson.GetBytes(body, "error").String()
		details := gjson.GetBytes(body, "details").String()

		switch {
		case msg != "" && details != "":
			return msg + ": " + details
		case msg != "":
			return msg
		}
	}

	return sanitizeResponseBody(body)
}
