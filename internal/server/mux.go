// Package server provides HTTP server construction for gqlconsole.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/gqlconsole/internal/auth"
	"github.com/alexjbarnes/gqlconsole/internal/events"
	"github.com/alexjbarnes/gqlconsole/internal/metrics"
	"github.com/alexjbarnes/gqlconsole/internal/proxy"
)

// Route paths.
const (
	PathToken   = auth.TokenPath
	PathGraphQL = "/api/graphql/proxy"
	PathEvents  = events.Path
	PathMetrics = "/metrics"
	PathHealth  = "/healthz"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Environments proxy.Resolver
	HTTPClient   *http.Client
	APIKey       string
	Events       *events.Hub
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// NewMux builds the HTTP mux with the token exchange, GraphQL proxy and
// cache event routes, all behind the API key middleware. /healthz and
// /metrics are left open.
func NewMux(cfg MuxConfig) *http.ServeMux {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	guard := auth.Middleware(cfg.APIKey, cfg.Logger)

	instrument := func(route string, h http.Handler) http.Handler {
		if cfg.Metrics == nil {
			return h
		}

		return cfg.Metrics.Instrument(route, h)
	}

	var tokenOpts []auth.TokenOption
	if cfg.Environments != nil {
		tokenOpts = append(tokenOpts, auth.RestrictToEnvironments(cfg.Environments))
	}

	mux := http.NewServeMux()
	mux.Handle(PathToken, guard(instrument(PathToken, auth.HandleToken(httpClient, cfg.Logger, tokenOpts...))))
	mux.Handle(PathGraphQL, guard(instrument(PathGraphQL, proxy.HandleGraphQL(cfg.Environments, httpClient, cfg.Logger))))

	if cfg.Events != nil {
		mux.Handle(PathEvents, guard(cfg.Events))
	}

	if cfg.Metrics != nil {
		mux.Handle(PathMetrics, cfg.Metrics.Handler())
	}

	mux.HandleFunc(PathHealth, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	return mux
}
