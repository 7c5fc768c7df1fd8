// Package extractcache is a content-addressed cache for LLM
// extraction results, keyed by a hash of the scraped input plus the
// prompt version. Concurrent requests for the same key are coalesced
// via singleflight so only one upstream LLM call is ever in flight per
// key at a time.
package extractcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Entry is one cached value plus the bookkeeping needed for TTL
// expiry and hit counting.
type Entry struct {
	Value     []byte
	Model     string
	CreatedAt time.Time
	HitCount  int
}

// Cache is a bounded, TTL-aware, single-flight-coalesced cache.
type Cache struct {
	lru   *lru.Cache[string, *Entry]
	ttl   time.Duration
	group singleflight.Group
	now   func() time.Time
}

// Option configures a Cache at construction.
type Option func(*Cache)

// WithClock overrides the cache's time source; intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New builds a Cache holding at most maxEntries items, each valid for
// ttl since creation. ttl <= 0 disables expiry.
func New(maxEntries int, ttl time.Duration, opts ...Option) (*Cache, error) {
	l, err := lru.New[string, *Entry](maxEntries)
	if err != nil {
		return nil, err
	}
	c := &Cache{lru: l, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Key builds the content-addressed cache key from the input content
// and a versioned prompt identifier, so a prompt revision never
// collides with a prior version's cached results.
func Key(content []byte, promptVersion string) string {
	h := sha256.New()
	h.Write(content)
	h.Write([]byte{0})
	h.Write([]byte(promptVersion))
	return hex.EncodeToString(h.Sum(nil))
}

// Loader produces a fresh value for a cache miss.
type Loader func(ctx context.Context) ([]byte, string, error)

// GetOrLoad returns the cached value for key if present and unexpired;
// otherwise it calls load exactly once even under concurrent callers
// for the same key, stores the result, and returns it to every
// waiter. hit reports whether the value came from the cache.
func (c *Cache) GetOrLoad(ctx context.Context, key string, load Loader) (value []byte, hit bool, err error) {
	if entry, ok := c.get(key); ok {
		return entry.Value, true, nil
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		if entry, ok := c.get(key); ok {
			return entry, nil
		}
		val, model, loadErr := load(ctx)
		if loadErr != nil {
			return nil, loadErr
		}
		entry := &Entry{Value: val, Model: model, CreatedAt: c.now()}
		c.lru.Add(key, entry)
		return entry, nil
	})
	if err != nil {
		return nil, false, err
	}
	entry := result.(*Entry)
	return entry.Value, false, nil
}

func (c *Cache) get(key string) (*Entry, bool) {
	entry, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && c.now().Sub(entry.CreatedAt) > c.ttl {
		c.lru.Remove(key)
		return nil, false
	}
	entry.HitCount++
	return entry, true
}

// Len returns the current number of entries held (including any that
// have expired but not yet been evicted by access).
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Purge removes every entry.
func (c *Cache) Purge() {
	c.lru.Purge()
}
