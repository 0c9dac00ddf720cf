// Package proxy implements the GraphQL forwarding route. The upstream
// URL always comes from the environment registry, never from the caller.
package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alexjbarnes/gqlconsole/internal/auth"
	"github.com/alexjbarnes/gqlconsole/internal/environments"
)

const (
	maxRequestBytes  = 4 * 1024 * 1024
	maxResponseBytes = 32 * 1024 * 1024
)

// Headers that are consumed by the proxy and never forwarded upstream.
var consumedHeaders = map[string]bool{
	"authorization":          true,
	"content-length":         true,
	"content-type":           true,
	"accept-encoding":        true,
	"host":                   true,
	"cookie":                 true,
	"origin":                 true,
	"referer":                true,
	"x-selected-environment": true,
	"x-debug-client-id":      true,
	"x-debug-target-url":     true,
}

// hopHeaders are connection-scoped and stripped in both directions.
var hopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// Resolver looks up environments by key.
type Resolver interface {
	Lookup(key string) (environments.EnvironmentConfig, error)
}

type graphqlRequest struct {
	Query         string          `json:"query"`
	Variables     json.RawMessage `json:"variables,omitempty"`
	OperationName string          `json:"operationName,omitempty"`
	AccessToken   string          `json:"access_token"`
}

type upstreamRequest struct {
	Query         string          `json:"query"`
	Variables     json.RawMessage `json:"variables,omitempty"`
	OperationName string          `json:"operationName,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// HandleGraphQL returns the /api/graphql/proxy handler. The target is the
// GraphURL of the environment named by x-selected-environment; the
// bearer token travels in the body. Upstream status, body and end-to-end
// headers are returned unchanged.
func HandleGraphQL(envs Resolver, httpClient *http.Client, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		envKey := r.Header.Get("x-selected-environment")
		if envKey == "" {
			writeError(w, http.StatusBadRequest, "missing x-selected-environment header", "")
			return
		}

		cfg, err := envs.Lookup(envKey)
		if err != nil {
			var cfgErr *environments.ConfigurationError
			if errors.As(err, &cfgErr) {
				writeError(w, http.StatusBadRequest, "unknown environment", envKey)
				return
			}

			writeError(w, http.StatusInternalServerError, "resolving environment", err.Error())

			return
		}

		var req graphqlRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
			return
		}

		if req.AccessToken == "" {
			writeError(w, http.StatusBadRequest, "missing access_token", "")
			return
		}

		if strings.TrimSpace(req.Query) == "" {
			writeError(w, http.StatusBadRequest, "missing query", "")
			return
		}

		payload, err := json.Marshal(upstreamRequest{
			Query:         req.Query,
			Variables:     req.Variables,
			OperationName: req.OperationName,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "encoding upstream request", err.Error())
			return
		}

		upReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, cfg.GraphURL, bytes.NewReader(payload))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "building upstream request", err.Error())
			return
		}

		copyRequestHeaders(r.Header, upReq.Header)
		upReq.Header.Set("Content-Type", "application/json")
		upReq.Header.Set("Accept", "application/json")
		upReq.Header.Set("Authorization", "Bearer "+req.AccessToken)

		resp, err := httpClient.Do(upReq)
		if err != nil {
			logger.Warn("graphql upstream failed",
				slog.String("environment", envKey),
				slog.String("ip", auth.RequestRemoteIP(r.Context())),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusBadGateway, "upstream request failed", err.Error())

			return
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			writeError(w, http.StatusBadGateway, "reading upstream response", err.Error())
			return
		}

		logger.Debug("graphql proxied",
			slog.String("environment", envKey),
			slog.String("proxy_client", r.Header.Get("proxy-client")),
			slog.Int("status", resp.StatusCode),
		)

		copyResponseHeaders(resp.Header, w.Header())
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(body)
	}
}

// copyRequestHeaders forwards caller headers (proxy-client and custom
// headers) except those the proxy consumes.
func copyRequestHeaders(src, dst http.Header) {
	for name, values := range src {
		lower := strings.ToLower(name)
		if consumedHeaders[lower] || hopHeaders[lower] {
			continue
		}

		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func copyResponseHeaders(src, dst http.Header) {
	for name, values := range src {
		lower := strings.ToLower(name)
		if hopHeaders[lower] || lower == "content-length" {
			continue
		}

		dst[name] = append([]string(nil), values...)
	}
}

func writeError(w http.ResponseWriter, status int, msg, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg, Details: details})
}
