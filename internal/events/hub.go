// Package events fans token cache activity out to WebSocket subscribers
// so other sessions learn when tokens are stored, removed or cleared.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alexjbarnes/gqlconsole/internal/logging"
	"github.com/alexjbarnes/gqlconsole/internal/tokencache"
	"github.com/coder/websocket"
)

// Path is the proxy route the hub is mounted on.
const Path = "/api/cache/events"

// Event kinds.
const (
	KindStored  = "stored"
	KindRemoved = "removed"
	KindCleared = "cleared"
)

const (
	subscriberBuffer = 32
	writeTimeout     = 5 * time.Second
	readLimit        = 64 * 1024
)

// Event is the JSON message sent to subscribers. Token values are never
// included.
type Event struct {
	Kind           string     `json:"kind"`
	Key            string     `json:"key,omitempty"`
	EnvironmentKey string     `json:"environment_key,omitempty"`
	ClientID       string     `json:"client_id,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Count          int        `json:"count,omitempty"`
	Time           time.Time  `json:"time"`
}

type subscriber struct {
	ch chan Event
}

// Hub implements tokencache.Observer and http.Handler. Publishing never
// blocks: a subscriber whose buffer is full misses the event.
type Hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	logger *slog.Logger
	now    func() time.Time
}

// NewHub creates a hub. A nil logger discards output.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = logging.Discard()
	}

	return &Hub{
		subs:   make(map[*subscriber]struct{}),
		logger: logger,
		now:    time.Now,
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs)
}

// TokenStored implements tokencache.Observer.
func (h *Hub) TokenStored(info tokencache.EntryInfo) {
	h.publish(storedEvent(info))
}

// TokenRemoved implements tokencache.Observer.
func (h *Hub) TokenRemoved(key, envKey string) {
	h.publish(Event{Kind: KindRemoved, Key: key, EnvironmentKey: envKey})
}

// CacheCleared implements tokencache.Observer.
func (h *Hub) CacheCleared(count int) {
	h.publish(Event{Kind: KindCleared, Count: count})
}

func storedEvent(info tokencache.EntryInfo) Event {
	exp := info.ExpiresAt

	return Event{
		Kind:           KindStored,
		Key:            info.Key,
		EnvironmentKey: info.EnvironmentKey,
		ClientID:       info.ClientID,
		ExpiresAt:      &exp,
	}
}

func validKind(kind string) bool {
	switch kind {
	case KindStored, KindRemoved, KindCleared:
		return true
	default:
		return false
	}
}

// CacheHit implements tokencache.Observer. Lookups are not broadcast.
func (h *Hub) CacheHit(string, string) {}

// CacheMiss implements tokencache.Observer.
func (h *Hub) CacheMiss(string) {}

func (h *Hub) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = h.now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			h.logger.Warn("events: subscriber buffer full, dropping event",
				slog.String("kind", ev.Kind),
			)
		}
	}
}

func (h *Hub) add() *subscriber {
	s := &subscriber{ch: make(chan Event, subscriberBuffer)}

	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	return s
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// ServeHTTP accepts events from other processes on POST. Any other
// request is upgraded and streamed events until the client goes away or
// the request context ends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		h.receive(w, r)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("events: accept failed", slog.String("error", err.Error()))
		return
	}

	conn.SetReadLimit(readLimit)

	s := h.add()
	defer h.remove(s)

	// Subscribers never send; CloseRead handles control frames and
	// cancels ctx when the peer closes.
	ctx := conn.CloseRead(r.Context())

	h.logger.Debug("events: subscriber connected", slog.String("remote", r.RemoteAddr))

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "bye")
			return
		case ev := <-s.ch:
			if err := writeEvent(ctx, conn, ev); err != nil {
				h.logger.Debug("events: write failed", slog.String("error", err.Error()))
				conn.Close(websocket.StatusInternalError, "write failed")

				return
			}
		}
	}
}

// receive publishes one event posted by a Publisher.
func (h *Hub) receive(w http.ResponseWriter, r *http.Request) {
	var ev Event
	if err := json.NewDecoder(io.LimitReader(r.Body, readLimit)).Decode(&ev); err != nil {
		http.Error(w, "invalid event", http.StatusBadRequest)
		return
	}

	if !validKind(ev.Kind) {
		http.Error(w, "unknown event kind", http.StatusBadRequest)
		return
	}

	h.publish(ev)
	w.WriteHeader(http.StatusAccepted)
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return conn.Write(ctx, websocket.MessageText, data)
}

// Watch dials a hub at url and calls fn for each event until ctx is
// cancelled or the connection fails. apiKey, when set, is sent as a
// Bearer token.
func Watch(ctx context.Context, url, apiKey string, fn func(Event)) error {
	opts := &websocket.DialOptions{}
	if apiKey != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + apiKey}}
	}

	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return fmt.Errorf("dialing websocket: %w", err)
	}
	defer conn.CloseNow()

	conn.SetReadLimit(readLimit)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("reading event: %w", err)
		}

		if typ != websocket.MessageText {
			continue
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("decoding event: %w", err)
		}

		fn(ev)
	}
}
