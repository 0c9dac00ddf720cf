// Package tokencache keeps OAuth client-credentials tokens in a two-tier
// cache: a process-local memory map in front of a durable store shared
// across processes and restarts.
package tokencache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/gqlconsole/internal/environments"
	"github.com/alexjbarnes/gqlconsole/internal/logging"
)

// KeyPrefix namespaces every durable key this package owns.
const KeyPrefix = "gqlconsole_token_"

// DefaultReadBuffer is subtracted from a token's expiry when deciding
// whether a cached token is still worth handing out.
const DefaultReadBuffer = 2 * time.Minute

// Tiers reported to observers on a hit.
const (
	TierMemory  = "memory"
	TierDurable = "durable"
)

// AuthToken is an issued bearer token. ExpiresAt is epoch milliseconds.
type AuthToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	ExpiresAt   int64  `json:"expires_at"`
	Scope       string `json:"scope,omitempty"`
}

// Usable reports whether the token has not yet reached ExpiresAt.
func (t AuthToken) Usable(now time.Time) bool {
	return now.UnixMilli() < t.ExpiresAt
}

// CachedTokenEntry is what the durable tier stores: the token plus the
// identity it was issued for.
type CachedTokenEntry struct {
	Token          AuthToken `json:"token"`
	EnvironmentKey string    `json:"environment_key"`
	ClientID       string    `json:"client_id"`
	TokenURL       string    `json:"token_url"`
	Scope          string    `json:"scope,omitempty"`
	CachedAt       int64     `json:"cached_at"`
}

func (e CachedTokenEntry) matches(cfg environments.EnvironmentConfig, envKey string) bool {
	return e.EnvironmentKey == envKey &&
		e.ClientID == cfg.ClientID &&
		e.TokenURL == cfg.AccessTokenURL &&
		e.Scope == cfg.Scope
}

// EntryInfo describes a cached token without exposing the token itself.
type EntryInfo struct {
	Key            string    `json:"key"`
	EnvironmentKey string    `json:"environment_key"`
	ClientID       string    `json:"client_id"`
	TokenURL       string    `json:"token_url"`
	Scope          string    `json:"scope,omitempty"`
	CachedAt       time.Time `json:"cached_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	InMemory       bool      `json:"in_memory"`
}

// Durable is the persistent tier. Get returns (nil, nil) for a missing key.
type Durable interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Observer is notified of cache activity. Implementations must not block.
type Observer interface {
	TokenStored(info EntryInfo)
	TokenRemoved(key, envKey string)
	CacheCleared(count int)
	CacheHit(envKey, tier string)
	CacheMiss(envKey string)
}

// Option configures a Cache.
type Option func(*Cache)

// WithDurable sets the durable tier. Without one the cache is memory only.
func WithDurable(d Durable) Option {
	return func(c *Cache) { c.durable = d }
}

// WithSealer encrypts durable values at rest.
func WithSealer(s Sealer) Option {
	return func(c *Cache) { c.sealer = s }
}

// WithReadBuffer overrides DefaultReadBuffer.
func WithReadBuffer(d time.Duration) Option {
	return func(c *Cache) { c.readBuffer = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger used for swallowed storage errors.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithObserver registers an observer. May be given more than once.
func WithObserver(o Observer) Option {
	return func(c *Cache) { c.observers = append(c.observers, o) }
}

// Cache is safe for concurrent use. Writes are last-writer-wins.
type Cache struct {
	mu  sync.RWMutex
	mem map[string]CachedTokenEntry

	durable    Durable
	sealer     Sealer
	readBuffer time.Duration
	now        func() time.Time
	logger     *slog.Logger
	observers  []Observer
}

// New creates a cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		mem:        make(map[string]CachedTokenEntry),
		readBuffer: DefaultReadBuffer,
		now:        time.Now,
		logger:     logging.Discard(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ComputeCacheKey derives the cache slot for an identity. Each field is
// length-prefixed before hashing so no two distinct tuples share an encoding.
func ComputeCacheKey(cfg environments.EnvironmentConfig, envKey string) string {
	h := sha256.New()

	var lenBuf [8]byte

	for _, part := range []string{envKey, cfg.ClientID, cfg.AccessTokenURL, cfg.Scope} {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(part)))
		h.Write(lenBuf[:])
		h.Write([]byte(part))
	}

	return KeyPrefix + hex.EncodeToString(h.Sum(nil))
}

// Get returns a live token for the identity, or nil. Expired entries are
// purged from both tiers. Durable hits are promoted into memory.
func (c *Cache) Get(ctx context.Context, cfg environments.EnvironmentConfig, envKey string) *AuthToken {
	key := ComputeCacheKey(cfg, envKey)

	c.mu.RLock()
	entry, ok := c.mem[key]
	c.mu.RUnlock()

	if ok {
		if c.live(entry) {
			c.notifyHit(envKey, TierMemory)
			tok := entry.Token

			return &tok
		}

		c.purge(ctx, key, envKey)
		c.notifyMiss(envKey)

		return nil
	}

	entry, ok = c.loadDurable(ctx, key, cfg, envKey)
	if !ok {
		c.notifyMiss(envKey)
		return nil
	}

	if !c.live(entry) {
		c.purge(ctx, key, envKey)
		c.notifyMiss(envKey)

		return nil
	}

	c.mu.Lock()
	c.mem[key] = entry
	c.mu.Unlock()

	c.notifyHit(envKey, TierDurable)
	tok := entry.Token

	return &tok
}

// Set stores token in both tiers, overwriting any prior entry.
func (c *Cache) Set(ctx context.Context, cfg environments.EnvironmentConfig, envKey string, token AuthToken) {
	key := ComputeCacheKey(cfg, envKey)
	entry := CachedTokenEntry{
		Token:          token,
		EnvironmentKey: envKey,
		ClientID:       cfg.ClientID,
		TokenURL:       cfg.AccessTokenURL,
		Scope:          cfg.Scope,
		CachedAt:       c.now().UnixMilli(),
	}

	c.mu.Lock()
	c.mem[key] = entry
	c.mu.Unlock()

	if c.durable != nil {
		if err := c.storeDurable(ctx, key, entry); err != nil {
			c.logger.Warn("token cache write failed",
				slog.String("environment", envKey),
				slog.String("error", err.Error()),
			)
		}
	}

	info := entryInfo(key, entry)
	info.InMemory = true

	for _, o := range c.observers {
		o.TokenStored(info)
	}
}

// Remove deletes the identity from both tiers.
func (c *Cache) Remove(ctx context.Context, cfg environments.EnvironmentConfig, envKey string) {
	c.purge(ctx, ComputeCacheKey(cfg, envKey), envKey)
}

// ClearAll deletes every entry this package owns from both tiers.
func (c *Cache) ClearAll(ctx context.Context) {
	c.mu.Lock()
	removed := make(map[string]struct{}, len(c.mem))

	for key := range c.mem {
		if strings.HasPrefix(key, KeyPrefix) {
			removed[key] = struct{}{}
			delete(c.mem, key)
		}
	}
	c.mu.Unlock()

	if c.durable != nil {
		keys, err := c.durable.Keys(ctx, KeyPrefix)
		if err != nil {
			c.logger.Warn("listing durable token cache failed", slog.String("error", err.Error()))
		}

		for _, key := range keys {
			if err := c.durable.Delete(ctx, key); err != nil {
				c.logger.Warn("token cache delete failed", slog.String("error", err.Error()))
				continue
			}

			removed[key] = struct{}{}
		}
	}

	for _, o := range c.observers {
		o.CacheCleared(len(removed))
	}
}

// Entries lists every cached identity with its expiry, sorted by
// environment key then client id. Corrupt durable entries are skipped.
func (c *Cache) Entries(ctx context.Context) []EntryInfo {
	byKey := make(map[string]EntryInfo)

	c.mu.RLock()
	for key, entry := range c.mem {
		info := entryInfo(key, entry)
		info.InMemory = true
		byKey[key] = info
	}
	c.mu.RUnlock()

	if c.durable != nil {
		keys, err := c.durable.Keys(ctx, KeyPrefix)
		if err != nil {
			c.logger.Warn("listing durable token cache failed", slog.String("error", err.Error()))
		}

		for _, key := range keys {
			if _, ok := byKey[key]; ok {
				continue
			}

			data, err := c.durable.Get(ctx, key)
			if err != nil || data == nil {
				continue
			}

			entry, err := c.decode(key, data)
			if err != nil {
				continue
			}

			byKey[key] = entryInfo(key, entry)
		}
	}

	out := make([]EntryInfo, 0, len(byKey))
	for _, info := range byKey {
		out = append(out, info)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].EnvironmentKey != out[j].EnvironmentKey {
			return out[i].EnvironmentKey < out[j].EnvironmentKey
		}

		return out[i].ClientID < out[j].ClientID
	})

	return out
}

func (c *Cache) live(entry CachedTokenEntry) bool {
	if entry.Token.AccessToken == "" {
		return false
	}

	return c.now().UnixMilli() < entry.Token.ExpiresAt-c.readBuffer.Milliseconds()
}

func (c *Cache) loadDurable(ctx context.Context, key string, cfg environments.EnvironmentConfig, envKey string) (CachedTokenEntry, bool) {
	if c.durable == nil {
		return CachedTokenEntry{}, false
	}

	data, err := c.durable.Get(ctx, key)
	if err != nil {
		c.logger.Warn("token cache read failed",
			slog.String("environment", envKey),
			slog.String("error", err.Error()),
		)

		return CachedTokenEntry{}, false
	}

	if data == nil {
		return CachedTokenEntry{}, false
	}

	entry, err := c.decode(key, data)
	if err == nil && !entry.matches(cfg, envKey) {
		err = fmt.Errorf("identity mismatch")
	}

	if err != nil {
		c.logger.Warn("discarding corrupt token cache entry",
			slog.String("environment", envKey),
			slog.String("error", err.Error()),
		)

		if delErr := c.durable.Delete(ctx, key); delErr != nil {
			c.logger.Warn("token cache delete failed", slog.String("error", delErr.Error()))
		}

		return CachedTokenEntry{}, false
	}

	return entry, true
}

func (c *Cache) storeDurable(ctx context.Context, key string, entry CachedTokenEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}

	if c.sealer != nil {
		data, err = c.sealer.Seal(key, data)
		if err != nil {
			return fmt.Errorf("sealing entry: %w", err)
		}
	}

	return c.durable.Put(ctx, key, data)
}

func (c *Cache) decode(key string, data []byte) (CachedTokenEntry, error) {
	if c.sealer != nil {
		plain, err := c.sealer.Open(key, data)
		if err != nil {
			return CachedTokenEntry{}, fmt.Errorf("unsealing entry: %w", err)
		}

		data = plain
	}

	var entry CachedTokenEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return CachedTokenEntry{}, fmt.Errorf("decoding entry: %w", err)
	}

	if entry.Token.AccessToken == "" {
		return CachedTokenEntry{}, fmt.Errorf("entry has no access token")
	}

	return entry, nil
}

func (c *Cache) purge(ctx context.Context, key, envKey string) {
	c.mu.Lock()
	delete(c.mem, key)
	c.mu.Unlock()

	if c.durable != nil {
		if err := c.durable.Delete(ctx, key); err != nil {
			c.logger.Warn("token cache delete failed",
				slog.String("environment", envKey),
				slog.String("error", err.Error()),
			)
		}
	}

	for _, o := range c.observers {
		o.TokenRemoved(key, envKey)
	}
}

func (c *Cache) notifyHit(envKey, tier string) {
	for _, o := range c.observers {
		o.CacheHit(envKey, tier)
	}
}

func (c *Cache) notifyMiss(envKey string) {
	for _, o := range c.observers {
		o.CacheMiss(envKey)
	}
}

func entryInfo(key string, e CachedTokenEntry) EntryInfo {
	return EntryInfo{
		Key:            key,
		EnvironmentKey: e.EnvironmentKey,
		ClientID:       e.ClientID,
		TokenURL:       e.TokenURL,
		Scope:          e.Scope,
		CachedAt:       time.UnixMilli(e.CachedAt),
		ExpiresAt:      time.UnixMilli(e.Token.ExpiresAt),
	}
}

// MemoryStore is a Durable backed by a map. Used when CACHE_BACKEND is
// memory and in tests.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}

	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	m.data[key] = append([]byte(nil), data...)
	m.mu.Unlock()

	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()

	return nil
}

func (m *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string

	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}

	return keys, nil
}
