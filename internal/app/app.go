// Package app assembles the long-lived pieces both binaries share:
// environment registry, token cache with its durable tier, token
// acquirer and console. Cache mutations are published to the proxy's
// events route unless CACHE_EVENTS is off.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/gqlconsole/internal/auth"
	"github.com/alexjbarnes/gqlconsole/internal/config"
	"github.com/alexjbarnes/gqlconsole/internal/console"
	"github.com/alexjbarnes/gqlconsole/internal/environments"
	"github.com/alexjbarnes/gqlconsole/internal/events"
	"github.com/alexjbarnes/gqlconsole/internal/graphql"
	"github.com/alexjbarnes/gqlconsole/internal/rediscache"
	"github.com/alexjbarnes/gqlconsole/internal/state"
	"github.com/alexjbarnes/gqlconsole/internal/tokencache"
)

// Hooks are optional instrumentation points. Metrics satisfies all
// three interfaces; an events hub satisfies Observer.
type Hooks struct {
	Observers     []tokencache.Observer
	AuthRecorder  auth.Recorder
	QueryRecorder graphql.Recorder
}

// App owns the opened resources. Close releases them.
type App struct {
	Config       *config.Config
	Logger       *slog.Logger
	Environments *environments.Registry
	Cache        *tokencache.Cache
	Acquirer     *auth.Acquirer
	Console      *console.Console
	HTTPClient   *http.Client

	closers []func() error
}

// Open builds an App from cfg.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, hooks Hooks) (*App, error) {
	a := &App{
		Config:     cfg,
		Logger:     logger,
		HTTPClient: &http.Client{Timeout: cfg.HTTPTimeout},
	}

	reg, err := environments.Open(cfg.EnvironmentsFile)
	if err != nil {
		return nil, fmt.Errorf("loading environments: %w", err)
	}

	a.Environments = reg

	var (
		durable tokencache.Durable
		prefs   console.Preferences
	)

	switch cfg.CacheBackend {
	case config.CacheBackendBolt:
		st, err := state.LoadAt(cfg.StatePath)
		if err != nil {
			return nil, err
		}

		a.closers = append(a.closers, st.Close)
		durable = st.TokenCache()
		prefs = st

	case config.CacheBackendRedis:
		store, err := rediscache.Open(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}

		a.closers = append(a.closers, store.Close)
		durable = store
	}

	opts := []tokencache.Option{
		tokencache.WithReadBuffer(cfg.TokenCacheReadBuffer),
		tokencache.WithLogger(logger),
	}

	if durable != nil {
		opts = append(opts, tokencache.WithDurable(durable))
	}

	if cfg.TokenCachePassphrase != "" {
		sealer, err := tokencache.NewSealer(cfg.TokenCachePassphrase)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("creating token sealer: %w", err)
		}

		opts = append(opts, tokencache.WithSealer(sealer))
	}

	for _, o := range hooks.Observers {
		opts = append(opts, tokencache.WithObserver(o))
	}

	if cfg.CacheEvents {
		pub := events.NewPublisher(cfg.ProxyBaseURL, cfg.ProxyAPIKey, a.HTTPClient, logger)
		a.closers = append(a.closers, pub.Close)
		opts = append(opts, tokencache.WithObserver(pub))
	}

	a.Cache = tokencache.New(opts...)

	acqOpts := []auth.AcquirerOption{
		auth.WithHTTPClient(a.HTTPClient),
		auth.WithAPIKey(cfg.ProxyAPIKey),
		auth.WithAcquirerLogger(logger),
	}

	if hooks.AuthRecorder != nil {
		acqOpts = append(acqOpts, auth.WithRecorder(hooks.AuthRecorder))
	}

	a.Acquirer = auth.NewAcquirer(a.Cache, cfg.ProxyBaseURL, acqOpts...)

	headers, err := cfg.ParseDefaultHeaders()
	if err != nil {
		a.Close()
		return nil, err
	}

	c, err := console.New(console.Config{
		Environments:       reg,
		Cache:              a.Cache,
		Tokens:             a.Acquirer,
		Preferences:        prefs,
		ProxyBaseURL:       cfg.ProxyBaseURL,
		HTTPClient:         a.HTTPClient,
		APIKey:             cfg.ProxyAPIKey,
		DefaultProxyClient: cfg.DefaultProxyClient,
		DefaultHeaders:     headers,
		DefaultEnvironment: cfg.DefaultEnvironment,
		BatchConcurrency:   cfg.BatchConcurrency,
		Recorder:           hooks.QueryRecorder,
		Logger:             logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Console = c

	logger.Debug("app opened",
		slog.Int("environments", len(reg.Keys())),
		slog.String("cache_backend", cfg.CacheBackend),
		slog.Bool("sealed", cfg.TokenCachePassphrase != ""),
	)

	return a, nil
}

// Close releases the durable stores.
func (a *App) Close() error {
	var errs []error

	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}

	a.closers = nil

	return errors.Join(errs...)
}
