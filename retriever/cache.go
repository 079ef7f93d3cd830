package retriever

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/richinex/ledgerline/storage"
)

const (
	defaultCacheSize = 256
	defaultCacheTTL  = 15 * time.Minute
)

// CacheKey derives the content-addressed key for q:
// "<tool>:" + hex(xxhash64(canonical statement, params and item cap)).
// CallerID is excluded; identical queries share an entry across callers.
func CacheKey(q Query) string {
	canonical := map[string]any{
		"statement": q.Statement,
		"params":    q.Params,
	}
	if q.MaxItems > 0 {
		canonical["max_items"] = q.MaxItems
	}
	// encoding/json sorts map keys, so the encoding is canonical.
	data, err := json.Marshal(canonical)
	if err != nil {
		data = []byte(fmt.Sprintf("%s|%v", q.Statement, q.Params))
	}
	return fmt.Sprintf("%s:%016x", q.Tool, xxhash.Sum64(data))
}

// NopCache never stores anything.
type NopCache struct{}

func (NopCache) Get(ctx context.Context, key string) ([]json.RawMessage, bool, error) {
	return nil, false, nil
}

func (NopCache) Put(ctx context.Context, key string, pages []json.RawMessage) error {
	return nil
}

type cacheEntry struct {
	pages    []json.RawMessage
	storedAt time.Time
}

// LRUCache is a size-bounded in-process cache with a TTL.
type LRUCache struct {
	cache *lru.Cache[string, cacheEntry]
	ttl   time.Duration
	now   func() time.Time
}

// NewLRUCache creates an LRU cache. Zero values fall back to defaults.
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	// lru.New only errors on non-positive size which we guard above.
	cache, _ := lru.New[string, cacheEntry](size)
	return &LRUCache{cache: cache, ttl: ttl, now: time.Now}
}

// Get returns a live entry. Expired entries are evicted.
func (c *LRUCache) Get(ctx context.Context, key string) ([]json.RawMessage, bool, error) {
	entry, ok := c.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	if c.now().Sub(entry.storedAt) >= c.ttl {
		c.cache.Remove(key)
		return nil, false, nil
	}
	return clonePages(entry.pages), true, nil
}

// Put stores pages under key.
func (c *LRUCache) Put(ctx context.Context, key string, pages []json.RawMessage) error {
	c.cache.Add(key, cacheEntry{pages: clonePages(pages), storedAt: c.now()})
	return nil
}

// Len returns the number of entries, including expired ones not yet evicted.
func (c *LRUCache) Len() int {
	return c.cache.Len()
}

// StoreCache persists entries through a storage.PageStore.
// Entries older than ttl are treated as misses; zero ttl never expires.
type StoreCache struct {
	store storage.PageStore
	ttl   time.Duration
	now   func() time.Time
}

// NewStoreCache creates a persistent cache.
func NewStoreCache(store storage.PageStore, ttl time.Duration) *StoreCache {
	return &StoreCache{store: store, ttl: ttl, now: time.Now}
}

func (c *StoreCache) Get(ctx context.Context, key string) ([]json.RawMessage, bool, error) {
	set, found, err := c.store.LoadPages(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}
	if c.ttl > 0 && c.now().Sub(set.SavedAt) >= c.ttl {
		return nil, false, nil
	}
	return set.Pages, true, nil
}

func (c *StoreCache) Put(ctx context.Context, key string, pages []json.RawMessage) error {
	return c.store.SavePages(ctx, key, pages)
}

// Tiered checks Front before Back. Back hits are promoted to Front.
type Tiered struct {
	Front Cache
	Back  Cache
}

func (t Tiered) Get(ctx context.Context, key string) ([]json.RawMessage, bool, error) {
	if pages, found, err := t.Front.Get(ctx, key); err == nil && found {
		return pages, true, nil
	}
	pages, found, err := t.Back.Get(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}
	_ = t.Front.Put(ctx, key, pages)
	return pages, true, nil
}

// Put writes both tiers. The back tier error is reported after the front write.
func (t Tiered) Put(ctx context.Context, key string, pages []json.RawMessage) error {
	frontErr := t.Front.Put(ctx, key, pages)
	if err := t.Back.Put(ctx, key, pages); err != nil {
		return err
	}
	return frontErr
}

func clonePages(pages []json.RawMessage) []json.RawMessage {
	out := make([]json.RawMessage, len(pages))
	for i, p := range pages {
		out[i] = append(json.RawMessage(nil), p...)
	}
	return out
}

var (
	_ Cache = NopCache{}
	_ Cache = (*LRUCache)(nil)
	_ Cache = (*StoreCache)(nil)
	_ Cache = Tiered{}
)
