package internal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lychee-technology/celldb"
	"github.com/lychee-technology/celldb/internal/queryoptimizer"
	"github.com/stretchr/testify/require"
)

// fakeCell is an in-memory cell with fault injection.
type fakeCell struct {
	mu      sync.Mutex
	records []celldb.Record
	calls   int
	pages   []celldb.Pagination

	// failures is how many calls fail before the cell recovers; -1 fails forever.
	failures int
	failWith error
	delay    time.Duration
	gate     chan struct{}
	closed   bool
}

func newFakeCell(n int, prefix string) *fakeCell {
	f := &fakeCell{}
	for i := 0; i < n; i++ {
		f.records = append(f.records, celldb.Record{"id": fmt.Sprintf("%s-%d", prefix, i), "n": i, "cell": prefix})
	}
	return f
}

func (f *fakeCell) Query(ctx context.Context, filter celldb.QueryFilter, page celldb.Pagination) (*celldb.CellQueryResult, error) {
	f.mu.Lock()
	f.calls++
	f.pages = append(f.pages, page)
	fail := f.failures != 0
	if f.failures > 0 {
		f.failures--
	}
	failWith, delay, gate := f.failWith, f.delay, f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		if failWith == nil {
			failWith = errors.New("connection reset by peer")
		}
		return nil, failWith
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	matched := make([]celldb.Record, 0, len(f.records))
	for _, r := range f.records {
		if filter.Match(r) {
			matched = append(matched, r.Clone())
		}
	}
	if filter.SortBy != "" {
		SortRecords(matched, filter.SortBy, filter.SortOrder)
	}
	total := uint64(len(matched))
	start := min(page.Offset, total)
	end := min(start+page.Limit, total)
	return &celldb.CellQueryResult{
		Records:    matched[start:end],
		TotalCount: total,
		HasMore:    end < total,
	}, nil
}

func (f *fakeCell) Insert(ctx context.Context, record celldb.Record) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record.Clone())
	return fmt.Sprint(len(f.records)), nil
}

func (f *fakeCell) Update(ctx context.Context, id string, record celldb.Record) error { return nil }

func (f *fakeCell) Delete(ctx context.Context, id string) error { return nil }

func (f *fakeCell) Metrics(ctx context.Context) (*celldb.CellMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &celldb.CellMetrics{RecordCount: uint64(len(f.records)), QueryCount: uint64(f.calls)}, nil
}

func (f *fakeCell) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeCell) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDialer struct {
	cells map[string]*fakeCell
}

func (d *fakeDialer) Dial(ctx context.Context, reg celldb.CellRegistration) (celldb.CellClient, error) {
	cell, ok := d.cells[reg.CellID]
	if !ok {
		return nil, fmt.Errorf("no route to %s", reg.Endpoint)
	}
	return cell, nil
}

func testConfig() *celldb.Config {
	cfg := celldb.DefaultConfig()
	cfg.Optimization.DefaultBatchSize = 10
	cfg.Execution.DefaultTimeout = 2 * time.Second
	cfg.Execution.RetryInitialInterval = time.Millisecond
	cfg.Execution.BreakerThreshold = 0
	cfg.Execution.WorkerPoolSize = 32
	cfg.Logging.LogSlowQueries = false
	cfg.Streaming.ReapInterval = 0
	return cfg
}

type coordinatorFixture struct {
	coord     *ExecutionCoordinator
	registry  *CellRegistry
	optimizer *queryoptimizer.CostOptimizer
	metrics   *MetricsAccumulator
	cache     *ResultCache
	cells     map[string]*fakeCell
}

func newCoordinatorFixture(t *testing.T, cfg *celldb.Config, cells map[string]*fakeCell) *coordinatorFixture {
	t.Helper()
	registry := newTestRegistry(t)
	for id := range cells {
		require.NoError(t, registry.Register(testRegistration(id, 1)))
	}
	metrics := NewMetricsAccumulator(cfg.Metrics, cfg.Optimization.LatencyWindow, nil)
	var cache *ResultCache
	if cfg.Optimization.CacheEnabled {
		cache = NewResultCache(cfg.Cache.MaxEntries, nil)
	}
	pool := NewCellPool(&fakeDialer{cells: cells})
	breakers := NewBreakerSet(cfg.Execution.BreakerThreshold, cfg.Execution.BreakerWindow, cfg.Execution.BreakerCooldown)
	optimizer := queryoptimizer.NewCostOptimizer(cfg.Optimization, cfg.Execution.MaxConcurrentQueries, metrics)
	coord, err := NewExecutionCoordinator(cfg, registry, pool, breakers, optimizer, cache, metrics)
	require.NoError(t, err)
	t.Cleanup(func() {
		coord.Close()
		_ = pool.Close()
	})
	return &coordinatorFixture{
		coord:     coord,
		registry:  registry,
		optimizer: optimizer,
		metrics:   metrics,
		cache:     cache,
		cells:     cells,
	}
}

func normalizePlan(t *testing.T, plan *celldb.QueryPlan) *queryoptimizer.Input {
	t.Helper()
	in, err := queryoptimizer.NormalizePlan(plan)
	require.NoError(t, err)
	return in
}

func recordIDs(records []celldb.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, fmt.Sprint(r["id"]))
	}
	return out
}
