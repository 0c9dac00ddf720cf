package state

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.gqlconsole/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	tokenCacheBucket  = []byte("token_cache")
	preferencesBucket = []byte("preferences")
)

// Preference names.
const (
	PrefProxyClient         = "proxy_client"
	PrefSelectedEnvironment = "selected_environment"
)

// State wraps a bbolt database for all persistent application state:
// durable token cache entries and user preferences.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.gqlconsole/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	path, err := dbPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(tokenCacheBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(preferencesBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Preference returns a stored preference value, or empty string.
func (s *State) Preference(name string) string {
	var value string

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(preferencesBucket).Get([]byte(name))
		if v != nil {
			value = string(v)
		}

		return nil
	})

	return value
}

// SetPreference persists a preference. An empty value removes it.
func (s *State) SetPreference(name, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(preferencesBucket)
		if value == "" {
			return b.Delete([]byte(name))
		}

		return b.Put([]byte(name), []byte(value))
	})
}

// ProxyClient returns the operator's saved proxy-client identity.
func (s *State) ProxyClient() string {
	return s.Preference(PrefProxyClient)
}

// SetProxyClient saves the proxy-client identity.
func (s *State) SetProxyClient(id string) error {
	return s.SetPreference(PrefProxyClient, id)
}

// SelectedEnvironment returns the last selected environment key.
func (s *State) SelectedEnvironment() string {
	return s.Preference(PrefSelectedEnvironment)
}

// SetSelectedEnvironment saves the selected environment key.
func (s *State) SetSelectedEnvironment(key string) error {
	return s.SetPreference(PrefSelectedEnvironment, key)
}

// TokenCache returns the durable token cache tier backed by this database.
func (s *State) TokenCache() *TokenCacheStore {
	return &TokenCacheStore{db: s.db}
}

// TokenCacheStore stores opaque token cache entries in the token_cache
// bucket. Values are written as given; sealing happens in the cache layer.
type TokenCacheStore struct {
	db *bolt.DB
}

// Get returns the raw entry for key, or nil if absent.
func (t *TokenCacheStore) Get(_ context.Context, key string) ([]byte, error) {
	var data []byte

	err := t.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(tokenCacheBucket).Get([]byte(key))
		if v != nil {
			// bbolt values are only valid inside the transaction.
			data = append([]byte(nil), v...)
		}

		return nil
	})

	return data, err
}

// Put writes an entry, replacing any previous value.
func (t *TokenCacheStore) Put(_ context.Context, key string, data []byte) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokenCacheBucket).Put([]byte(key), data)
	})
}

// Delete removes an entry. Deleting a missing key is not an error.
func (t *TokenCacheStore) Delete(_ context.Context, key string) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokenCacheBucket).Delete([]byte(key))
	})
}

// Keys returns every stored key that starts with prefix.
func (t *TokenCacheStore) Keys(_ context.Context, prefix string) ([]string, error) {
	var keys []string

	err := t.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(tokenCacheBucket).Cursor()
		p := []byte(prefix)

		for k, _ := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			keys = append(keys, string(k))
		}

		return nil
	})

	return keys, err
}

// Count returns the number of durable token cache entries.
func (t *TokenCacheStore) Count() int {
	count := 0
	_ = t.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(tokenCacheBucket).Stats().KeyN
		return nil
	})

	return count
}

func dbPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail rather than silently writing to the current directory where
		// the database (containing bearer tokens) might end up inside a
		// source-controlled tree.
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}

	return filepath.Join(dir, ".gqlconsole", "state.db"), nil
}
