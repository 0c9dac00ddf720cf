package events

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/gqlconsole/internal/logging"
	"github.com/alexjbarnes/gqlconsole/internal/tokencache"
)

const (
	publishBuffer  = 64
	publishTimeout = 5 * time.Second
	flushTimeout   = 2 * time.Second
)

// Publisher implements tokencache.Observer by posting cache mutations to
// the hub of a running proxy, so sessions in other processes see them.
// Posting happens on a background goroutine; a full queue drops events.
type Publisher struct {
	url        string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.Mutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

// NewPublisher starts a publisher targeting the events route of the
// proxy at baseURL. Close flushes pending events.
func NewPublisher(baseURL, apiKey string, httpClient *http.Client, logger *slog.Logger) *Publisher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: publishTimeout}
	}

	if logger == nil {
		logger = logging.Discard()
	}

	p := &Publisher{
		url:        strings.TrimSuffix(baseURL, "/") + Path,
		apiKey:     apiKey,
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
		queue:      make(chan Event, publishBuffer),
		done:       make(chan struct{}),
	}

	go p.run()

	return p
}

// TokenStored implements tokencache.Observer.
func (p *Publisher) TokenStored(info tokencache.EntryInfo) {
	p.enqueue(storedEvent(info))
}

// TokenRemoved implements tokencache.Observer.
func (p *Publisher) TokenRemoved(key, envKey string) {
	p.enqueue(Event{Kind: KindRemoved, Key: key, EnvironmentKey: envKey})
}

// CacheCleared implements tokencache.Observer.
func (p *Publisher) CacheCleared(count int) {
	p.enqueue(Event{Kind: KindCleared, Count: count})
}

// CacheHit implements tokencache.Observer.
func (p *Publisher) CacheHit(string, string) {}

// CacheMiss implements tokencache.Observer.
func (p *Publisher) CacheMiss(string) {}

func (p *Publisher) enqueue(ev Event) {
	ev.Time = p.now().UTC()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	select {
	case p.queue <- ev:
	default:
		p.logger.Warn("events: publish queue full, dropping event", slog.String("kind", ev.Kind))
	}
}

func (p *Publisher) run() {
	defer close(p.done)

	for ev := range p.queue {
		p.send(ev)
	}
}

func (p *Publisher) send(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(data))
	if err != nil {
		p.logger.Debug("events: creating publish request", slog.String("error", err.Error()))
		return
	}

	req.Header.Set("Content-Type", "application/json")

	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		// No proxy running is the common case for one-shot commands.
		p.logger.Debug("events: publish failed", slog.String("error", err.Error()))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		p.logger.Debug("events: publish rejected", slog.Int("status", resp.StatusCode))
	}
}

// Close stops accepting events and waits briefly for queued ones to be
// sent.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
	case <-time.After(flushTimeout):
		p.logger.Debug("events: flush timed out")
	}

	return nil
}
