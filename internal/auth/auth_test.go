package auth

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/alexjbarnes/gqlconsole/internal/environments"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// oauthServer emulates an OAuth token endpoint. It accepts the
// credentials only when they arrive in the location allowed by accept.
func oauthServer(t *testing.T, accept string) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, r.ParseForm())

		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))

		user, pass, hasBasic := r.BasicAuth()
		formID, formSecret := r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")

		var ok bool

		switch accept {
		case StrategyBasic:
			ok = hasBasic && user == "my-client" && pass == "my-secret"
		case StrategyForm:
			ok = !hasBasic && formID == "my-client" && formSecret == "my-secret"
		}

		w.Header().Set("Content-Type", "application/json")

		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_client","error_description":"bad credentials"}`))

			return
		}

		_, _ = w.Write([]byte(`{"access_token":"issued-token","token_type":"bearer","expires_in":3600,"scope":"` + r.PostForm.Get("scope") + `"}`))
	}))
	t.Cleanup(srv.Close)

	return srv, &calls
}

func postToken(t *testing.T, handler http.HandlerFunc, body tokenRequest) *httptest.ResponseRecorder {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, TokenPath, strings.NewReader(string(payload)))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	handler(rec, req)

	return rec
}

// --- HandleToken ---

func TestHandleToken_BasicStrategy(t *testing.T) {
	upstream, _ := oauthServer(t, StrategyBasic)
	handler := HandleToken(upstream.Client(), testLogger())

	rec := postToken(t, handler, tokenRequest{
		AccessTokenURL: upstream.URL,
		ClientID:       "my-client",
		ClientSecret:   "my-secret",
		Scope:          "api://x/.default",
		Method:         StrategyBasic,
		Environment:    "dev",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var resp tokenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "issued-token", resp.AccessToken)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.InDelta(t, 3600, resp.ExpiresIn, 1)
	assert.Equal(t, "api://x/.default", resp.Scope)
}

func TestHandleToken_FormStrategy(t *testing.T) {
	upstream, _ := oauthServer(t, StrategyForm)
	handler := HandleToken(upstream.Client(), testLogger())

	rec := postToken(t, handler, tokenRequest{
		AccessTokenURL: upstream.URL,
		ClientID:       "my-client",
		ClientSecret:   "my-secret",
		Method:         StrategyForm,
	})

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleToken_MethodDefaultsToBasic(t *testing.T) {
	upstream, _ := oauthServer(t, StrategyBasic)
	handler := HandleToken(upstream.Client(), testLogger())

	rec := postToken(t, handler, tokenRequest{
		AccessTokenURL: upstream.URL,
		ClientID:       "my-client",
		ClientSecret:   "my-secret",
	})

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleToken_UpstreamRejectsKeepsStatus(t *testing.T) {
	upstream, _ := oauthServer(t, StrategyForm)
	handler := HandleToken(upstream.Client(), testLogger())

	rec := postToken(t, handler, tokenRequest{
		AccessTokenURL: upstream.URL,
		ClientID:       "my-client",
		ClientSecret:   "my-secret",
		Method:         StrategyBasic,
	})

	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var resp errorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "token request failed", resp.Error)
	assert.Contains(t, resp.Details, "invalid_client")
}

func TestHandleToken_UpstreamUnreachable(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	upstreamURL := upstream.URL
	upstream.Close()

	handler := HandleToken(http.DefaultClient, testLogger())
	rec := postToken(t, handler, tokenRequest{
		AccessTokenURL: upstreamURL,
		ClientID:       "my-client",
		ClientSecret:   "my-secret",
	})

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandleToken_FormEncodedBody(t *testing.T) {
	upstream, _ := oauthServer(t, StrategyBasic)
	handler := HandleToken(upstream.Client(), testLogger())

	form := url.Values{
		"access_token_url": {upstream.URL},
		"client_id":        {"my-client"},
		"client_secret":    {"my-secret"},
		"method":           {"basic"},
	}
	req := httptest.NewRequest(http.MethodPost, TokenPath, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleToken_Validation(t *testing.T) {
	handler := HandleToken(http.DefaultClient, testLogger())

	tests := []struct {
		name string
		body tokenRequest
		want string
	}{
		{"missing url", tokenRequest{ClientID: "a", ClientSecret: "b"}, "required"},
		{"missing secret", tokenRequest{AccessTokenURL: "http://x", ClientID: "a"}, "required"},
		{"bad method", tokenRequest{AccessTokenURL: "http://x", ClientID: "a", ClientSecret: "b", Method: "digest"}, "unsupported method"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postToken(t, handler, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}
}

func TestHandleToken_InvalidJSON(t *testing.T) {
	handler := HandleToken(http.DefaultClient, testLogger())

	req := httptest.NewRequest(http.MethodPost, TokenPath, strings.NewReader("{broken"))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleToken_WrongMethod(t *testing.T) {
	handler := HandleToken(http.DefaultClient, testLogger())

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, TokenPath, nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleToken_RestrictToEnvironments(t *testing.T) {
	upstream, calls := oauthServer(t, StrategyBasic)

	reg := environments.NewRegistry(map[string]environments.EnvironmentConfig{
		"dev": {GraphURL: "https://dev/graphql", AccessTokenURL: upstream.URL, ClientID: "my-client", ClientSecret: "my-secret"},
	})
	handler := HandleToken(upstream.Client(), testLogger(), RestrictToEnvironments(reg))

	tests := []struct {
		name string
		env  string
		url  string
		code int
		want string
	}{
		{"registered", "dev", upstream.URL, http.StatusOK, "issued-token"},
		{"unknown environment", "staging", upstream.URL, http.StatusBadRequest, "unknown environment"},
		{"missing environment", "", upstream.URL, http.StatusBadRequest, "unknown environment"},
		{"foreign token url", "dev", "http://169.254.169.254/latest", http.StatusBadRequest, "does not match"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postToken(t, handler, tokenRequest{
				AccessTokenURL: tt.url,
				ClientID:       "my-client",
				ClientSecret:   "my-secret",
				Environment:    tt.env,
			})
			assert.Equal(t, tt.code, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}

	assert.Equal(t, int32(1), calls.Load())
}

// --- Middleware ---

func TestMiddleware_NoKeyAllowsAll(t *testing.T) {
	var sawIP string

	h := Middleware("", testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawIP = RequestRemoteIP(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/graphql/proxy", nil)
	req.RemoteAddr = "10.0.0.7:5555"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "10.0.0.7", sawIP)
}

func TestMiddleware_RequiresKey(t *testing.T) {
	h := Middleware("s3cret-key", testLogger())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer s3cret-key", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/oauth/token", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)

			if tt.want == http.StatusUnauthorized {
				assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
			}
		})
	}
}

// --- sanitizeResponseBody ---

func TestSanitizeResponseBody(t *testing.T) {
	assert.Equal(t, "ok?bad", sanitizeResponseBody([]byte("ok\x00bad")))
	assert.Equal(t, "a?b", sanitizeResponseBody([]byte{'a', 0xff, 'b'}))
	assert.Len(t, sanitizeResponseBody([]byte(strings.Repeat("x", 1000))), 256)
}
