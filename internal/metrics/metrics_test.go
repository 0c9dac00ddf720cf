package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alexjbarnes/gqlconsole/internal/auth"
	"github.com/alexjbarnes/gqlconsole/internal/graphql"
	"github.com/alexjbarnes/gqlconsole/internal/tokencache"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ tokencache.Observer = (*Metrics)(nil)
	_ auth.Recorder       = (*Metrics)(nil)
	_ graphql.Recorder    = (*Metrics)(nil)
)

func TestCacheObserver(t *testing.T) {
	m := New()

	m.CacheHit("dev", tokencache.TierMemory)
	m.CacheHit("dev", tokencache.TierMemory)
	m.CacheHit("dev", tokencache.TierDurable)
	m.CacheMiss("dev")
	m.TokenStored(tokencache.EntryInfo{})
	m.TokenRemoved("k", "dev")
	m.CacheCleared(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("dev", "hit", tokencache.TierMemory)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("dev", "hit", tokencache.TierDurable)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("dev", "miss", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheEvents.WithLabelValues("stored")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheEvents.WithLabelValues("removed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheEvents.WithLabelValues("cleared")))
}

func TestRecorders(t *testing.T) {
	m := New()

	m.TokenAcquisition("dev", auth.StrategyBasic, "failure")
	m.TokenAcquisition("dev", auth.StrategyForm, "success")
	m.GraphQLRequest("dev", graphql.OutcomeOK, 20*time.Millisecond)
	m.GraphQLRequest("dev", graphql.OutcomeOK, 30*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.tokenAcquisitions.WithLabelValues("dev", auth.StrategyBasic, "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tokenAcquisitions.WithLabelValues("dev", auth.StrategyForm, "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.graphqlRequests.WithLabelValues("dev", graphql.OutcomeOK)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.graphqlDuration))
}

func TestInstrumentAndHandler(t *testing.T) {
	m := New()

	h := m.Instrument("/api/graphql/proxy", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/graphql/proxy", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, 1, testutil.CollectAndCount(m.proxyDuration))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `gqlconsole_proxy_request_duration_seconds_count{route="/api/graphql/proxy",status="502"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
