package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alexjbarnes/gqlconsole/internal/environments"
	"github.com/alexjbarnes/gqlconsole/internal/tokencache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ tokencache.Observer = (*Hub)(nil)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func watch(t *testing.T, hub *Hub) (<-chan Event, context.CancelFunc) {
	t.Helper()

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	got := make(chan Event, 16)

	go func() {
		_ = Watch(ctx, wsURL(srv), "", func(ev Event) { got <- ev })
	}()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	return got, cancel
}

func next(t *testing.T, ch <-chan Event) Event {
	t.Helper()

	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestHub_BroadcastsCacheMutations(t *testing.T) {
	hub := NewHub(nil)
	got, _ := watch(t, hub)

	cache := tokencache.New(tokencache.WithObserver(hub))
	cfg := environments.EnvironmentConfig{ClientID: "c", AccessTokenURL: "https://login/token"}

	cache.Set(context.Background(), cfg, "dev", tokencache.AuthToken{
		AccessToken: "secret-token",
		ExpiresAt:   time.Now().Add(time.Hour).UnixMilli(),
	})

	ev := next(t, got)
	assert.Equal(t, KindStored, ev.Kind)
	assert.Equal(t, "dev", ev.EnvironmentKey)
	assert.Equal(t, "c", ev.ClientID)
	assert.Equal(t, tokencache.ComputeCacheKey(cfg, "dev"), ev.Key)
	require.NotNil(t, ev.ExpiresAt)

	cache.Remove(context.Background(), cfg, "dev")

	ev = next(t, got)
	assert.Equal(t, KindRemoved, ev.Kind)
	assert.Equal(t, "dev", ev.EnvironmentKey)

	hub.CacheCleared(4)

	ev = next(t, got)
	assert.Equal(t, KindCleared, ev.Kind)
	assert.Equal(t, 4, ev.Count)
}

func TestHub_LookupsAreNotBroadcast(t *testing.T) {
	hub := NewHub(nil)
	got, _ := watch(t, hub)

	hub.CacheHit("dev", tokencache.TierMemory)
	hub.CacheMiss("dev")
	hub.TokenRemoved("k", "dev")

	assert.Equal(t, KindRemoved, next(t, got).Kind)
}

func TestHub_SubscriberRemovedOnDisconnect(t *testing.T) {
	hub := NewHub(nil)
	_, cancel := watch(t, hub)

	cancel()

	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_PublishWithoutSubscribers(t *testing.T) {
	hub := NewHub(nil)

	assert.NotPanics(t, func() { hub.CacheCleared(1) })
}

func TestHub_FullBufferDropsEvents(t *testing.T) {
	hub := NewHub(nil)
	s := hub.add()

	for range subscriberBuffer + 5 {
		hub.TokenRemoved("k", "dev")
	}

	assert.Len(t, s.ch, subscriberBuffer)
	hub.remove(s)
	assert.Equal(t, 0, hub.Subscribers())
}

func TestPublisher_DeliversToHub(t *testing.T) {
	hub := NewHub(nil)
	got, _ := watch(t, hub)

	srv := httptest.NewServer(http.StripPrefix(Path, hub))
	defer srv.Close()

	pub := NewPublisher(srv.URL, "", srv.Client(), nil)

	pub.TokenRemoved("k1", "dev")
	pub.CacheCleared(3)
	pub.CacheHit("dev", "memory")
	require.NoError(t, pub.Close())

	ev := next(t, got)
	assert.Equal(t, KindRemoved, ev.Kind)
	assert.Equal(t, "k1", ev.Key)
	assert.False(t, ev.Time.IsZero())

	ev = next(t, got)
	assert.Equal(t, KindCleared, ev.Kind)
	assert.Equal(t, 3, ev.Count)
}

func TestPublisher_UnreachableProxyDoesNotBlock(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	pub := NewPublisher(base, "", nil, nil)
	cache := tokencache.New(tokencache.WithObserver(pub))

	cache.ClearAll(context.Background())
	require.NoError(t, pub.Close())

	// Events after Close are ignored.
	pub.CacheCleared(1)
}

func TestHub_RejectsUnknownPostedKind(t *testing.T) {
	hub := NewHub(nil)

	rec := httptest.NewRecorder()
	hub.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, Path, strings.NewReader(`{"kind":"exploded"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	hub.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, Path, strings.NewReader(`{"kind":"cleared","count":1}`)))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
