package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alexjbarnes/gqlconsole/internal/environments"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Transmission strategies for client credentials.
const (
	StrategyBasic = "basic"
	StrategyForm  = "form"
)

// maxTokenRequestBytes caps the /api/oauth/token request body.
const maxTokenRequestBytes = 64 * 1024

// tokenRequest is the body accepted by /api/oauth/token.
type tokenRequest struct {
	AccessTokenURL string `json:"access_token_url"`
	ClientID       string `json:"client_id"`
	ClientSecret   string `json:"client_secret"`
	Scope          string `json:"scope,omitempty"`
	Method         string `json:"method,omitempty"`
	Environment    string `json:"environment,omitempty"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// EnvironmentLookup resolves an environment key to its configuration.
type EnvironmentLookup interface {
	Lookup(key string) (environments.EnvironmentConfig, error)
}

// TokenOption configures HandleToken.
type TokenOption func(*tokenHandler)

type tokenHandler struct {
	envs EnvironmentLookup
}

// RestrictToEnvironments makes HandleToken accept only exchanges whose
// environment is registered in envs and whose access_token_url matches
// that environment's configuration.
func RestrictToEnvironments(envs EnvironmentLookup) TokenOption {
	return func(h *tokenHandler) { h.envs = envs }
}

// HandleToken returns the /api/oauth/token handler. It performs the
// client-credentials exchange on behalf of the caller so the secret never
// leaves the trusted side. httpClient is used for the upstream call.
func HandleToken(httpClient *http.Client, logger *slog.Logger, opts ...TokenOption) http.HandlerFunc {
	var th tokenHandler
	for _, opt := range opts {
		opt(&th)
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxTokenRequestBytes)

		// Support both JSON and form-encoded bodies.
		var req tokenRequest
		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body", "")
				return
			}
		} else {
			if err := r.ParseForm(); err != nil {
				writeError(w, http.StatusBadRequest, "invalid form data", "")
				return
			}
			req = tokenRequest{
				AccessTokenURL: r.FormValue("access_token_url"),
				ClientID:       r.FormValue("client_id"),
				ClientSecret:   r.FormValue("client_secret"),
				Scope:          r.FormValue("scope"),
				Method:         r.FormValue("method"),
				Environment:    r.FormValue("environment"),
			}
		}

		if req.AccessTokenURL == "" || req.ClientID == "" || req.ClientSecret == "" {
			writeError(w, http.StatusBadRequest, "access_token_url, client_id and client_secret are required", "")
			return
		}

		if th.envs != nil {
			cfg, err := th.envs.Lookup(req.Environment)
			if err != nil {
				writeError(w, http.StatusBadRequest, "unknown environment", req.Environment)
				return
			}

			if cfg.AccessTokenURL != req.AccessTokenURL {
				writeError(w, http.StatusBadRequest, "access_token_url does not match the environment", req.Environment)
				return
			}
		}

		if req.Method == "" {
			req.Method = StrategyBasic
		}

		var style oauth2.AuthStyle

		switch req.Method {
		case StrategyBasic:
			style = oauth2.AuthStyleInHeader
		case StrategyForm:
			style = oauth2.AuthStyleInParams
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported method %q", req.Method), "")
			return
		}

		cc := clientcredentials.Config{
			ClientID:     req.ClientID,
			ClientSecret: req.ClientSecret,
			TokenURL:     req.AccessTokenURL,
			Scopes:       strings.Fields(req.Scope),
			AuthStyle:    style,
		}

		ctx := context.WithValue(r.Context(), oauth2.HTTPClient, httpClient)

		start := time.Now()

		tok, err := cc.Token(ctx)
		if err != nil {
			status, details := describeTokenError(err)
			logger.Warn("token exchange failed",
				slog.String("environment", req.Environment),
				slog.String("method", req.Method),
				slog.String("client_id", req.ClientID),
				slog.Int("status", status),
				slog.String("ip", RequestRemoteIP(r.Context())),
			)
			writeError(w, status, "token request failed", details)

			return
		}

		logger.Info("token issued",
			slog.String("environment", req.Environment),
			slog.String("method", req.Method),
			slog.String("client_id", req.ClientID),
			slog.Duration("elapsed", time.Since(start)),
		)

		resp := tokenResponse{
			AccessToken: tok.AccessToken,
			TokenType:   tok.Type(),
			ExpiresIn:   expiresIn(tok),
		}
		if s, ok := tok.Extra("scope").(string); ok {
			resp.Scope = s
		} else {
			resp.Scope = req.Scope
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// describeTokenError maps an exchange error to the status and details
// returned to the caller. Upstream OAuth errors keep their status.
func describeTokenError(err error) (int, string) {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode >= 400 {
		details := re.ErrorCode
		if re.ErrorDescription != "" {
			details += ": " + re.ErrorDescription
		}

		if details == "" {
			details = sanitizeResponseBody(re.Body)
		}

		return re.Response.StatusCode, details
	}

	return http.StatusBadGateway, err.Error()
}

// expiresIn recovers the issued lifetime from the absolute expiry the
// oauth2 package computed on receipt.
func expiresIn(tok *oauth2.Token) int64 {
	if tok.Expiry.IsZero() {
		return 0
	}

	return int64(time.Until(tok.Expiry).Round(time.Second).Seconds())
}

func writeError(w http.ResponseWriter, status int, msg, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg, Details: details})
}
