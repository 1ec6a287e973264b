package internal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lychee-technology/celldb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memoryRemoteStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	getErr  error
	deletes int
}

func newMemoryRemoteStore() *memoryRemoteStore {
	return &memoryRemoteStore{data: make(map[string][]byte)}
}

func (m *memoryRemoteStore) Get(_ context.Context, fp string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	d, ok := m.data[fp]
	return d, ok, nil
}

func (m *memoryRemoteStore) Set(_ context.Context, fp string, payload []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[fp] = payload
	return nil
}

func (m *memoryRemoteStore) Delete(_ context.Context, fp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, fp)
	m.deletes++
	return nil
}

func sampleResult(id string, n int) *celldb.BatchQueryResult {
	res := &celldb.BatchQueryResult{
		QueryID:        id,
		Strategy:       celldb.StrategyParallel,
		CellStatistics: map[string]celldb.CellExecutionStats{"a": {RecordsReturned: uint64(n), ResourceCost: 1200}},
	}
	for i := 0; i < n; i++ {
		res.Records = append(res.Records, celldb.Record{"n": i})
	}
	res.TotalCount = uint64(n)
	return res
}

func TestResultCache_PutGet(t *testing.T) {
	c := NewResultCache(2, nil)
	c.Put("fp1", sampleResult("q1", 2), time.Minute)

	got, ok := c.Get("fp1")
	require.True(t, ok)
	assert.Equal(t, "q1", got.QueryID)

	got.Records[0]["n"] = 99
	again, _ := c.Get("fp1")
	assert.Equal(t, 0, again.Records[0]["n"], "cached results must not be shared")

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestResultCache_LazyExpiry(t *testing.T) {
	clock := newFakeClock()
	c := NewResultCache(2, nil)
	c.now = clock.Now

	c.Put("fp1", sampleResult("q1", 1), time.Second)
	clock.Advance(time.Second)

	_, ok := c.Get("fp1")
	assert.False(t, ok, "expired entries read as absent")
	assert.Equal(t, 1, c.Len(), "expired entries are not removed on read")

	c.Put("fp2", sampleResult("q2", 1), time.Minute)
	assert.Equal(t, 2, c.Len())

	c.Put("fp3", sampleResult("q3", 1), time.Minute)
	assert.Equal(t, 2, c.Len())
	_, ok = c.Get("fp2")
	assert.True(t, ok, "the expired entry is purged before any live entry is evicted")
	_, ok = c.Get("fp3")
	assert.True(t, ok)
}

func TestResultCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewResultCache(2, nil)
	c.Put("a", sampleResult("a", 1), time.Minute)
	c.Put("b", sampleResult("b", 1), time.Minute)
	_, _ = c.Get("a")
	c.Put("c", sampleResult("c", 1), time.Minute)

	_, ok := c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestResultCache_LookupDetectsCanonicalMismatch(t *testing.T) {
	ctx := context.Background()
	c := NewResultCache(4, nil)
	c.Store(ctx, "fp", "plan|a", sampleResult("q", 1), time.Minute)

	got, ok, err := c.Lookup(ctx, "fp", "plan|a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "q", got.QueryID)

	_, ok, err = c.Lookup(ctx, "fp", "plan|b")
	require.Error(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, err, &celldb.QueryError{Kind: celldb.ErrorKindAggregationFailed, Code: celldb.ErrCodeCacheCorrupted})
	assert.Zero(t, c.Len(), "corrupted entries are invalidated")
}

func TestResultCache_RemoteTier(t *testing.T) {
	ctx := context.Background()
	remote := newMemoryRemoteStore()
	writer := NewResultCache(4, remote)
	writer.Store(ctx, "fp", "canon", sampleResult("q", 3), time.Minute)
	require.Len(t, remote.data, 1)

	reader := NewResultCache(4, remote)
	got, ok, err := reader.Lookup(ctx, "fp", "canon")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), got.TotalCount)
	assert.Equal(t, 1, reader.Len(), "remote hits are promoted to memory")

	remote.data["bad"] = []byte("{not json")
	_, ok, err = reader.Lookup(ctx, "bad", "canon")
	assert.False(t, ok)
	assert.Equal(t, celldb.ErrorKindAggregationFailed, celldb.KindOf(err))
	assert.NotContains(t, remote.data, "bad")
}

func TestResultCache_RemoteFailureIsAMiss(t *testing.T) {
	remote := newMemoryRemoteStore()
	remote.getErr = errors.New("connection refused")
	c := NewResultCache(4, remote)

	_, ok, err := c.Lookup(context.Background(), "fp", "canon")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestResultCache_Invalidate(t *testing.T) {
	ctx := context.Background()
	remote := newMemoryRemoteStore()
	c := NewResultCache(4, remote)
	c.Store(ctx, "fp", "canon", sampleResult("q", 1), time.Minute)

	c.Invalidate(ctx, "fp")
	_, ok := c.Get("fp")
	assert.False(t, ok)
	assert.Empty(t, remote.data)
}
