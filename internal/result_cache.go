package internal

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/lychee-technology/celldb"
	"go.uber.org/zap"
)

// RemoteResultStore is an optional shared tier behind the in-process cache.
type RemoteResultStore interface {
	Get(ctx context.Context, fingerprint string) ([]byte, bool, error)
	Set(ctx context.Context, fingerprint string, payload []byte, ttl time.Duration) error
	Delete(ctx context.Context, fingerprint string) error
}

type cacheEntry struct {
	fingerprint string
	canonical   string
	result      *celldb.BatchQueryResult
	insertedAt  time.Time
	ttl         time.Duration
}

func (e *cacheEntry) expired(now time.Time) bool {
	return e.ttl > 0 && !now.Before(e.insertedAt.Add(e.ttl))
}

// remotePayload is what the shared tier stores per fingerprint.
type remotePayload struct {
	Canonical string                   `json:"canonical"`
	Result    *celldb.BatchQueryResult `json:"result"`
	ExpiresAt time.Time                `json:"expiresAt"`
}

// ResultCache is a bounded LRU of query results keyed by fingerprint. Expired
// entries read as absent and are purged when an insert would exceed capacity.
type ResultCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
	remote   RemoteResultStore
	now      func() time.Time
}

// NewResultCache creates a cache holding at most capacity entries. remote may be nil.
func NewResultCache(capacity int, remote RemoteResultStore) *ResultCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &ResultCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		remote:   remote,
		now:      time.Now,
	}
}

// Get returns a copy of the live entry for fingerprint.
func (c *ResultCache) Get(fingerprint string) (*celldb.BatchQueryResult, bool) {
	entry, ok := c.get(fingerprint)
	if !ok {
		return nil, false
	}
	return entry.result.Clone(), true
}

func (c *ResultCache) get(fingerprint string) (*cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[fingerprint]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if entry.expired(c.now()) {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return entry, true
}

// Put stores a copy of result under fingerprint with the given time-to-live.
func (c *ResultCache) Put(fingerprint string, result *celldb.BatchQueryResult, ttl time.Duration) {
	c.put(fingerprint, "", result.Clone(), c.now(), ttl)
}

func (c *ResultCache) put(fingerprint, canonical string, result *celldb.BatchQueryResult, insertedAt time.Time, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[fingerprint]; ok {
		entry := el.Value.(*cacheEntry)
		entry.canonical = canonical
		entry.result = result
		entry.insertedAt = insertedAt
		entry.ttl = ttl
		c.ll.MoveToFront(el)
		return
	}

	if c.ll.Len() >= c.capacity {
		c.purgeExpiredLocked()
	}
	for c.ll.Len() >= c.capacity {
		c.removeLocked(c.ll.Back())
	}

	entry := &cacheEntry{
		fingerprint: fingerprint,
		canonical:   canonical,
		result:      result,
		insertedAt:  insertedAt,
		ttl:         ttl,
	}
	c.items[fingerprint] = c.ll.PushFront(entry)
}

func (c *ResultCache) purgeExpiredLocked() {
	now := c.now()
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*cacheEntry).expired(now) {
			c.removeLocked(el)
		}
		el = prev
	}
}

func (c *ResultCache) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	c.ll.Remove(el)
	delete(c.items, el.Value.(*cacheEntry).fingerprint)
}

// Lookup resolves fingerprint in memory and then in the shared tier. An entry
// whose canonical form does not match is treated as corrupted: it is dropped
// and an aggregation error is returned.
func (c *ResultCache) Lookup(ctx context.Context, fingerprint, canonical string) (*celldb.BatchQueryResult, bool, error) {
	if entry, ok := c.get(fingerprint); ok {
		if entry.canonical != "" && entry.canonical != canonical {
			c.Invalidate(ctx, fingerprint)
			return nil, false, corruptedEntry(fingerprint, "canonical query mismatch", nil)
		}
		return entry.result.Clone(), true, nil
	}
	if c.remote == nil {
		return nil, false, nil
	}

	data, found, err := c.remote.Get(ctx, fingerprint)
	if err != nil {
		// 共享缓存不可用时按未命中处理
		zap.S().Warnw("remote result cache read failed", "fingerprint", fingerprint, "error", err)
		return nil, false, nil
	}
	if !found {
		return nil, false, nil
	}
	var payload remotePayload
	if err := sonic.Unmarshal(data, &payload); err != nil || payload.Result == nil {
		c.Invalidate(ctx, fingerprint)
		return nil, false, corruptedEntry(fingerprint, "undecodable cache payload", err)
	}
	if payload.Canonical != canonical {
		c.Invalidate(ctx, fingerprint)
		return nil, false, corruptedEntry(fingerprint, "canonical query mismatch", nil)
	}
	now := c.now()
	if !now.Before(payload.ExpiresAt) {
		return nil, false, nil
	}
	c.put(fingerprint, canonical, payload.Result, now, payload.ExpiresAt.Sub(now))
	return payload.Result.Clone(), true, nil
}

// Store writes result to memory and, when configured, to the shared tier.
func (c *ResultCache) Store(ctx context.Context, fingerprint, canonical string, result *celldb.BatchQueryResult, ttl time.Duration) {
	stored := result.Clone()
	now := c.now()
	c.put(fingerprint, canonical, stored, now, ttl)
	if c.remote == nil || ttl <= 0 {
		return
	}
	data, err := sonic.Marshal(remotePayload{Canonical: canonical, Result: stored, ExpiresAt: now.Add(ttl)})
	if err != nil {
		zap.S().Warnw("failed to encode result for remote cache", "fingerprint", fingerprint, "error", err)
		return
	}
	if err := c.remote.Set(ctx, fingerprint, data, ttl); err != nil {
		zap.S().Warnw("remote result cache write failed", "fingerprint", fingerprint, "error", err)
	}
}

// Invalidate drops fingerprint from every tier.
func (c *ResultCache) Invalidate(ctx context.Context, fingerprint string) {
	c.mu.Lock()
	c.removeLocked(c.items[fingerprint])
	c.mu.Unlock()
	if c.remote != nil {
		if err := c.remote.Delete(ctx, fingerprint); err != nil {
			zap.S().Warnw("remote result cache delete failed", "fingerprint", fingerprint, "error", err)
		}
	}
}

// Len returns the number of entries held in memory, expired ones included.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func corruptedEntry(fingerprint, message string, cause error) error {
	return celldb.NewAggregationError(celldb.ErrCodeCacheCorrupted, message, cause).WithDetail("fingerprint", fingerprint)
}
