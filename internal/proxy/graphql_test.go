package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alexjbarnes/gqlconsole/internal/environments"
	"github.com/alexjbarnes/gqlconsole/internal/graphql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticToken string

func (s staticToken) Token(context.Context, environments.EnvironmentConfig, string) (string, error) {
	return string(s), nil
}

// upstream records what the proxy forwarded and replies with status/body.
func upstream(t *testing.T, status int, body string) (*httptest.Server, *http.Request, *[]byte) {
	t.Helper()

	var (
		seen    http.Request
		payload []byte
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = *r.Clone(context.Background())
		payload, _ = io.ReadAll(r.Body)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Trace", "abc")
		w.Header().Set("Connection", "close")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	return srv, &seen, &payload
}

func registryFor(graphURL string) *environments.Registry {
	return environments.NewRegistry(map[string]environments.EnvironmentConfig{
		"dev": {
			GraphURL:       graphURL,
			AccessTokenURL: "https://login.example.com/token",
			ClientID:       "c",
			ClientSecret:   "s",
		},
	})
}

func post(t *testing.T, h http.Handler, envKey string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/graphql/proxy", bytes.NewReader(data))
	if envKey != "" {
		req.Header.Set("x-selected-environment", envKey)
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func TestHandleGraphQL_Forwards(t *testing.T) {
	up, seen, payload := upstream(t, http.StatusOK, `{"data":{"a":1}}`)
	h := HandleGraphQL(registryFor(up.URL), up.Client(), testLogger())

	rec := post(t, h, "dev", map[string]any{
		"query":        "{ a }",
		"variables":    map[string]any{"x": 1},
		"access_token": "tok",
	}, map[string]string{
		"proxy-client":       "console",
		"X-Custom":           "v",
		"Authorization":      "Bearer proxy-key",
		"x-debug-target-url": "https://evil.example.com",
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":{"a":1}}`, rec.Body.String())
	assert.Equal(t, "abc", rec.Header().Get("X-Trace"))
	assert.Empty(t, rec.Header().Get("Connection"))

	assert.Equal(t, "Bearer tok", seen.Header.Get("Authorization"))
	assert.Equal(t, "console", seen.Header.Get("proxy-client"))
	assert.Equal(t, "v", seen.Header.Get("X-Custom"))
	assert.Empty(t, seen.Header.Get("x-debug-target-url"))
	assert.JSONEq(t, `{"query":"{ a }","variables":{"x":1}}`, string(*payload))
}

func TestHandleGraphQL_UpstreamStatusPassesThrough(t *testing.T) {
	up, _, _ := upstream(t, http.StatusInternalServerError, `{"error":"boom"}`)
	h := HandleGraphQL(registryFor(up.URL), up.Client(), testLogger())

	rec := post(t, h, "dev", map[string]any{"query": "{ a }", "access_token": "tok"}, nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"boom"}`, rec.Body.String())
}

func TestHandleGraphQL_Validation(t *testing.T) {
	h := HandleGraphQL(registryFor("http://unused"), http.DefaultClient, testLogger())

	tests := []struct {
		name   string
		envKey string
		body   any
		want   string
	}{
		{"missing environment", "", map[string]any{"query": "{ a }", "access_token": "t"}, "missing x-selected-environment header"},
		{"unknown environment", "prod", map[string]any{"query": "{ a }", "access_token": "t"}, "unknown environment"},
		{"missing token", "dev", map[string]any{"query": "{ a }"}, "missing access_token"},
		{"missing query", "dev", map[string]any{"access_token": "t"}, "missing query"},
		{"bad body", "dev", "not an object", "invalid request body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, h, tt.envKey, tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.want, resp.Error)
		})
	}
}

func TestHandleGraphQL_MethodNotAllowed(t *testing.T) {
	h := HandleGraphQL(registryFor("http://unused"), http.DefaultClient, testLogger())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/graphql/proxy", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleGraphQL_UpstreamUnreachable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	url := dead.URL
	dead.Close()

	h := HandleGraphQL(registryFor(url), http.DefaultClient, testLogger())
	rec := post(t, h, "dev", map[string]any{"query": "{ a }", "access_token": "tok"}, nil)

	assert.Equal(t, http.StatusBadGateway, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "upstream request failed", resp.Error)
	assert.NotEmpty(t, resp.Details)
}

func TestHandleGraphQL_ThroughClient(t *testing.T) {
	up, seen, _ := upstream(t, http.StatusOK, `{"data":null,"errors":[{"message":"field not found"}]}`)
	reg := registryFor(up.URL)

	mux := http.NewServeMux()
	mux.Handle(graphql.ProxyPath, HandleGraphQL(reg, up.Client(), testLogger()))

	proxySrv := httptest.NewServer(mux)
	defer proxySrv.Close()

	cfg, err := reg.Lookup("dev")
	require.NoError(t, err)

	c := graphql.New(cfg, "dev",
		graphql.WithTokenSource(staticToken("tok")),
		graphql.WithProxyBaseURL(proxySrv.URL),
		graphql.WithHTTPClient(proxySrv.Client()),
	)

	resp, err := c.Execute(context.Background(), "{ a }", nil, map[string]string{"x-trace-id": "1"}, "batch")
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.True(t, resp.DataIsNull())
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "field not found", resp.Errors[0].Message)

	assert.Equal(t, "Bearer tok", seen.Header.Get("Authorization"))
	assert.Equal(t, "batch", seen.Header.Get("proxy-client"))
	assert.Equal(t, "1", seen.Header.Get("x-trace-id"))
}
