package internal

import (
	"context"
	"testing"
	"time"

	"github.com/lychee-technology/celldb"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAggregator(t *testing.T, cfg *celldb.Config, cells map[string]*fakeCell) celldb.QueryAggregator {
	t.Helper()
	agg, err := NewQueryAggregator(cfg, &fakeDialer{cells: cells}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = agg.Close() })
	return agg
}

func TestQueryAggregator_BatchAndStream(t *testing.T) {
	cells := map[string]*fakeCell{"a": newFakeCell(6, "a"), "b": newFakeCell(6, "b")}
	agg := newTestAggregator(t, testConfig(), cells)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		reg := testRegistration(id, 1)
		require.NoError(t, agg.RegisterCell(ctx, &reg))
	}

	res, err := agg.ExecuteBatchQuery(ctx, &celldb.BatchQuery{
		Expression:  "SELECT * WHERE n >= :min ORDER BY n DESC LIMIT 3",
		TargetCells: []string{"a", "b"},
		Parameters:  map[string]any{"min": 2},
		Options:     celldb.BatchQueryOptions{Consistency: celldb.ConsistencyEventual},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.TotalCount)
	assert.Equal(t, 5, res.Records[0]["n"])
	assert.NotEmpty(t, res.QueryID)
	assert.NotEmpty(t, res.Fingerprint)

	h, err := agg.ExecuteStreamingQuery(ctx, &celldb.QueryPlan{
		TargetCells:     []string{"b", "a"},
		StreamingConfig: &celldb.StreamingOptions{BatchSize: 5},
	})
	require.NoError(t, err)
	var streamed []string
	for {
		b, err := agg.GetStreamBatch(ctx, h.ID, 0)
		require.NoError(t, err)
		streamed = append(streamed, recordIDs(b.Records)...)
		if !b.HasMore {
			break
		}
	}
	assert.Len(t, streamed, 12)
	assert.Equal(t, "b-0", streamed[0])
	require.NoError(t, agg.CloseStream(ctx, h.ID))
	require.NoError(t, agg.CloseStream(ctx, h.ID))

	snap, err := agg.GetAggregatorMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.RegisteredCells)
	assert.Zero(t, snap.ActiveStreams)

	stats, err := agg.GetQueryStats(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.TotalQueries)
	assert.Equal(t, uint64(1), stats.SuccessfulQueries)
	assert.Len(t, stats.MostQueriedCells, 2)
}

func TestQueryAggregator_RegisterCell(t *testing.T) {
	agg := newTestAggregator(t, testConfig(), map[string]*fakeCell{})
	ctx := context.Background()

	reg := testRegistration("orders", 1)
	reg.PerformanceHints.MaxConcurrentQueries = 0
	err := agg.RegisterCell(ctx, &reg)
	assert.Equal(t, celldb.ErrorKindRegistrationFailed, celldb.KindOf(err))

	reg.PerformanceHints.MaxConcurrentQueries = 10
	require.NoError(t, agg.RegisterCell(ctx, &reg))

	list, err := agg.ListCells(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, uint32(10), list[0].PerformanceHints.MaxConcurrentQueries)

	assert.Equal(t, celldb.ErrorKindRegistrationFailed, celldb.KindOf(agg.RegisterCell(ctx, nil)))
}

func TestQueryAggregator_AccessControl(t *testing.T) {
	cfg := testConfig()
	cfg.Access = celldb.AccessConfig{
		Enabled:  true,
		Managers: []string{"ops"},
		Policies: []celldb.AccessPolicy{{Subject: "analyst", Cell: "a", Action: ActionQuery}},
	}
	agg := newTestAggregator(t, cfg, map[string]*fakeCell{"a": newFakeCell(2, "a"), "b": newFakeCell(2, "b")})

	ops := celldb.WithCaller(context.Background(), "ops")
	analyst := celldb.WithCaller(context.Background(), "analyst")
	for _, id := range []string{"a", "b"} {
		reg := testRegistration(id, 1)
		require.NoError(t, agg.RegisterCell(ops, &reg))
		assert.Equal(t, celldb.ErrorKindPermissionDenied, celldb.KindOf(agg.RegisterCell(analyst, &reg)))
	}

	_, err := agg.ExecuteQueryPlan(analyst, &celldb.QueryPlan{TargetCells: []string{"a"}})
	assert.NoError(t, err)

	_, err = agg.ExecuteQueryPlan(analyst, &celldb.QueryPlan{TargetCells: []string{"a", "b"}})
	assert.Equal(t, celldb.ErrorKindPermissionDenied, celldb.KindOf(err))

	_, err = agg.ExecuteStreamingQuery(analyst, &celldb.QueryPlan{TargetCells: []string{"a"}})
	assert.Equal(t, celldb.ErrorKindPermissionDenied, celldb.KindOf(err))

	_, err = agg.GetAggregatorMetrics(analyst)
	assert.Equal(t, celldb.ErrorKindPermissionDenied, celldb.KindOf(err))
}

func TestQueryAggregator_InvalidRequests(t *testing.T) {
	agg := newTestAggregator(t, testConfig(), map[string]*fakeCell{})
	ctx := context.Background()

	_, err := agg.ExecuteBatchQuery(ctx, &celldb.BatchQuery{Expression: "a = 1"})
	assert.Equal(t, celldb.ErrorKindInvalidQuery, celldb.KindOf(err))

	_, err = agg.ExecuteQueryPlan(ctx, nil)
	assert.Equal(t, celldb.ErrorKindInvalidQuery, celldb.KindOf(err))

	_, err = agg.GetStreamBatch(ctx, "nope", 10)
	assert.Equal(t, celldb.ErrorKindStreamingFailed, celldb.KindOf(err))
}

func TestQueryAggregator_TelemetryIsPerInstance(t *testing.T) {
	ctx := context.Background()
	query := &celldb.BatchQuery{
		Expression:  "SELECT * WHERE n >= :min",
		TargetCells: []string{"a"},
		Parameters:  map[string]any{"min": 0},
		Options:     celldb.BatchQueryOptions{Consistency: celldb.ConsistencyEventual},
	}
	open := func() *queryAggregator {
		agg, err := NewQueryAggregator(testConfig(), &fakeDialer{cells: map[string]*fakeCell{"a": newFakeCell(4, "a")}}, nil, nil)
		require.NoError(t, err)
		reg := testRegistration("a", 1)
		require.NoError(t, agg.RegisterCell(ctx, &reg))
		return agg.(*queryAggregator)
	}
	rows := func(a *queryAggregator) float64 {
		return testutil.ToFloat64(a.metrics.prom.cellRows.WithLabelValues("a"))
	}

	first := open()
	second := open()
	t.Cleanup(func() { _ = second.Close() })

	_, err := first.ExecuteBatchQuery(ctx, query)
	require.NoError(t, err)
	assert.Equal(t, 4.0, rows(first))
	assert.Zero(t, rows(second))

	require.NoError(t, first.Close())
	_, err = second.ExecuteBatchQuery(ctx, query)
	require.NoError(t, err)
	assert.Equal(t, 4.0, rows(second), "closing another aggregator leaves this one reporting")
	assert.Equal(t, 4.0, rows(first))
}
