package internal

import (
	"context"
	"testing"
	"time"

	"github.com/lychee-technology/celldb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) (*MetricsAccumulator, *fakeClock, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := NewMetricsAccumulator(celldb.MetricsConfig{Namespace: "test", MaxHistory: 100, TopCells: 2}, 3, reg)
	clock := newFakeClock()
	m.now = clock.Now
	return m, clock, reg
}

func TestMetricsAccumulator_SnapshotEmpty(t *testing.T) {
	m, _, _ := newTestMetrics(t)
	snap := m.Snapshot()
	assert.Zero(t, snap.CacheHitRate)
	assert.Zero(t, snap.AverageQueryLatency)
	assert.Zero(t, snap.CostEfficiencyScore)
	assert.False(t, snap.LastUpdated.IsZero())
}

func TestMetricsAccumulator_Snapshot(t *testing.T) {
	m, _, reg := newTestMetrics(t)
	m.SetGaugeSources(func() int { return 2 }, func() int { return 5 })

	m.RecordQuery(QueryRecord{Fingerprint: "a", Cells: []string{"x"}, Latency: 100 * time.Millisecond, Success: true, Cost: 3000})
	m.RecordQuery(QueryRecord{Fingerprint: "a", Cells: []string{"x"}, Latency: 0, Success: true, CacheHit: true, SavedCost: 3000})
	m.RecordQuery(QueryRecord{Fingerprint: "b", Cells: []string{"y"}, Latency: 200 * time.Millisecond, Success: false, Cost: 1000})
	m.RecordQuery(QueryRecord{Fingerprint: "c", Cells: []string{"y"}, Latency: 100 * time.Millisecond, Success: true})

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.ActiveStreams)
	assert.Equal(t, uint64(5), snap.RegisteredCells)
	assert.Equal(t, uint64(1), snap.CacheHits)
	assert.InDelta(t, 0.25, snap.CacheHitRate, 1e-9)
	assert.Equal(t, 100*time.Millisecond, snap.AverageQueryLatency)
	assert.InDelta(t, 3000.0/7000.0, snap.CostEfficiencyScore, 1e-9)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.prom.queries.WithLabelValues("cache_hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.prom.queries.WithLabelValues("failure")))
	count, err := testutil.GatherAndCount(reg, "test_active_streams", "test_registered_cells")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMetricsAccumulator_StatsWindow(t *testing.T) {
	m, clock, _ := newTestMetrics(t)

	m.RecordQuery(QueryRecord{Fingerprint: "old", Cells: []string{"a"}, Latency: time.Second, Success: true})
	clock.Advance(time.Hour)
	m.RecordQuery(QueryRecord{Fingerprint: "q1", Cells: []string{"a", "b"}, Latency: 10 * time.Millisecond, Success: true})
	m.RecordQuery(QueryRecord{Fingerprint: "q1", Cells: []string{"b", "c"}, Latency: 30 * time.Millisecond, Success: true, CacheHit: true})
	m.RecordQuery(QueryRecord{Fingerprint: "q2", Cells: []string{"b"}, Latency: 20 * time.Millisecond, Success: false})

	stats := m.Stats(time.Minute)
	assert.Equal(t, uint64(3), stats.TotalQueries)
	assert.Equal(t, uint64(2), stats.SuccessfulQueries)
	assert.Equal(t, uint64(1), stats.FailedQueries)
	assert.Equal(t, 20*time.Millisecond, stats.AverageExecutionTime)
	assert.InDelta(t, 1.0/3.0, stats.CacheHitRate, 1e-9)
	assert.Equal(t, uint64(2), stats.DistinctQueries)
	require.Len(t, stats.MostQueriedCells, 2)
	assert.Equal(t, celldb.CellQueryCount{CellID: "b", Queries: 3}, stats.MostQueriedCells[0])
	assert.Equal(t, celldb.CellQueryCount{CellID: "a", Queries: 1}, stats.MostQueriedCells[1])

	all := m.Stats(0)
	assert.Equal(t, uint64(4), all.TotalQueries)
}

func TestMetricsAccumulator_StatsEmptyWindow(t *testing.T) {
	m, clock, _ := newTestMetrics(t)
	m.RecordQuery(QueryRecord{Fingerprint: "q", Success: true})
	clock.Advance(time.Hour)

	stats := m.Stats(time.Minute)
	assert.Zero(t, stats.TotalQueries)
	assert.Zero(t, stats.AverageExecutionTime)
	assert.Empty(t, stats.MostQueriedCells)
}

func TestMetricsAccumulator_HistoryBounded(t *testing.T) {
	m, _, _ := newTestMetrics(t)
	for i := 0; i < 150; i++ {
		m.RecordQuery(QueryRecord{Success: true})
	}
	assert.Equal(t, 100, m.history.Len())
	assert.Equal(t, uint64(150), m.totalQueries, "totals are not bounded by the history size")
}

func TestMetricsAccumulator_RecentLatency(t *testing.T) {
	m, _, _ := newTestMetrics(t)
	_, ok := m.RecentLatency("a")
	assert.False(t, ok)

	m.RecordCellCall("a", 10*time.Millisecond, 5, false)
	m.RecordCellCall("a", 20*time.Millisecond, 5, false)
	m.RecordCellCall("a", time.Hour, 0, true)
	avg, ok := m.RecentLatency("a")
	require.True(t, ok)
	assert.Equal(t, 15*time.Millisecond, avg, "failed calls do not feed the average")

	m.RecordCellCall("a", 30*time.Millisecond, 5, false)
	m.RecordCellCall("a", 40*time.Millisecond, 5, false)
	avg, _ = m.RecentLatency("a")
	assert.Equal(t, 30*time.Millisecond, avg, "only the last three samples count")
}

func TestMetricsAccumulator_Emitter(t *testing.T) {
	m, _, _ := newTestMetrics(t)
	emit := m.Emitter()
	emit(context.Background(), telemetryCellRows, map[string]string{"cell": "a"}, int64(12))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.prom.cellRows.WithLabelValues("a")))
}
