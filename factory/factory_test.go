package factory

import (
	"context"
	"fmt"
	"testing"

	"github.com/lychee-technology/celldb"
	"github.com/lychee-technology/celldb/internal/cellclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cellRegistration(id string) celldb.CellRegistration {
	return celldb.CellRegistration{
		CellID:        id,
		Name:          id,
		Endpoint:      "memory://" + id,
		SchemaVersion: 1,
		PerformanceHints: celldb.PerformanceHints{
			TypicalResponseTimeMs: 5,
			MaxConcurrentQueries:  4,
			PreferredBatchSize:    50,
		},
	}
}

func seededDialer(t *testing.T, cells map[string]int) *cellclient.Dialer {
	t.Helper()
	d := cellclient.NewDialer()
	for id, n := range cells {
		mem := d.Memory(id)
		for i := 0; i < n; i++ {
			_, err := mem.Insert(context.Background(), celldb.Record{"_id": fmt.Sprintf("%s-%d", id, i), "region": id, "n": i})
			require.NoError(t, err)
		}
	}
	return d
}

func TestNewAggregatorWithConfig_RegistersConfiguredCells(t *testing.T) {
	config := celldb.DefaultConfig()
	config.Streaming.ReapInterval = 0
	config.Cells = []celldb.CellRegistration{cellRegistration("eu"), cellRegistration("us")}

	reg := prometheus.NewRegistry()
	agg, err := NewAggregatorWithConfig(context.Background(), config,
		WithDialer(seededDialer(t, map[string]int{"eu": 3, "us": 4})),
		WithRegisterer(reg),
	)
	require.NoError(t, err)
	defer agg.Close()

	cells, err := agg.ListCells(context.Background())
	require.NoError(t, err)
	require.Len(t, cells, 2)
	assert.Equal(t, "eu", cells[0].CellID)

	res, err := agg.ExecuteBatchQuery(context.Background(), &celldb.BatchQuery{
		Expression:  "n >= 1 ORDER BY n DESC",
		TargetCells: []string{"eu", "us"},
		Options:     celldb.BatchQueryOptions{Consistency: celldb.ConsistencyEventual},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), res.TotalCount)
	assert.Equal(t, 3, res.Records[0]["n"])
	assert.False(t, res.Partial)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "celldb_queries_total")
}

func TestNewAggregatorWithConfig_RegistersUnderAccessControl(t *testing.T) {
	config := celldb.DefaultConfig()
	config.Streaming.ReapInterval = 0
	config.Access = celldb.AccessConfig{Enabled: true}
	config.Cells = []celldb.CellRegistration{cellRegistration("eu")}

	agg, err := NewAggregatorWithConfig(context.Background(), config, WithDialer(seededDialer(t, nil)))
	require.NoError(t, err)
	defer agg.Close()

	_, err = agg.ListCells(context.Background())
	assert.Equal(t, celldb.ErrorKindPermissionDenied, celldb.KindOf(err))
}

func TestNewAggregatorWithConfig_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := NewAggregatorWithConfig(ctx, nil)
	assert.Error(t, err)

	bad := celldb.DefaultConfig()
	bad.Execution.MaxConcurrentQueries = 0
	_, err = NewAggregatorWithConfig(ctx, bad)
	var cfgErr *celldb.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "execution.maxConcurrentQueries", cfgErr.Field)

	invalidCell := celldb.DefaultConfig()
	invalidCell.Streaming.ReapInterval = 0
	broken := cellRegistration("broken")
	broken.PerformanceHints.PreferredBatchSize = 0
	invalidCell.Cells = []celldb.CellRegistration{broken}
	_, err = NewAggregatorWithConfig(ctx, invalidCell)
	assert.ErrorContains(t, err, `"broken"`)
	assert.Equal(t, celldb.ErrorKindRegistrationFailed, celldb.KindOf(err))

	redis := celldb.DefaultConfig()
	redis.Cache.RedisURL = "notredis://localhost"
	_, err = NewAggregatorWithConfig(ctx, redis)
	assert.ErrorContains(t, err, "shared result store")
}
