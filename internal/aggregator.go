package internal

import (
	"context"
	"io"
	"time"

	"github.com/lychee-technology/celldb"
	"github.com/lychee-technology/celldb/internal/queryoptimizer"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type queryAggregator struct {
	config   *celldb.Config
	access   *AccessController
	registry *CellRegistry
	cells    *CellPool
	cache    *ResultCache
	remote   RemoteResultStore
	metrics  *MetricsAccumulator
	coord    *ExecutionCoordinator
	streams  *StreamManager
}

// NewQueryAggregator wires the aggregator components. remote may be nil; reg
// may be nil to keep collectors on a private registry.
func NewQueryAggregator(
	config *celldb.Config,
	dialer celldb.CellDialer,
	remote RemoteResultStore,
	reg prometheus.Registerer,
) (celldb.QueryAggregator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	access, err := NewAccessController(config.Access)
	if err != nil {
		return nil, err
	}
	registry, err := NewCellRegistry()
	if err != nil {
		return nil, err
	}

	metrics := NewMetricsAccumulator(config.Metrics, config.Optimization.LatencyWindow, reg)

	var cache *ResultCache
	if config.Optimization.CacheEnabled {
		cache = NewResultCache(config.Cache.MaxEntries, remote)
	}
	cells := NewCellPool(dialer)
	breakers := NewBreakerSet(config.Execution.BreakerThreshold, config.Execution.BreakerWindow, config.Execution.BreakerCooldown)
	optimizer := queryoptimizer.NewCostOptimizer(config.Optimization, config.Execution.MaxConcurrentQueries, metrics)

	coord, err := NewExecutionCoordinator(config, registry, cells, breakers, optimizer, cache, metrics)
	if err != nil {
		return nil, err
	}
	streams := NewStreamManager(config.Streaming, registry, optimizer, coord)
	streams.UseTelemetry(metrics.Emitter())

	registry.OnChange(func(reg celldb.CellRegistration) {
		cells.Invalidate(reg)
		breakers.Reset(reg.CellID)
	})
	metrics.SetGaugeSources(streams.ActiveCount, registry.Len)

	return &queryAggregator{
		config:   config,
		access:   access,
		registry: registry,
		cells:    cells,
		cache:    cache,
		remote:   remote,
		metrics:  metrics,
		coord:    coord,
		streams:  streams,
	}, nil
}

func (a *queryAggregator) ExecuteBatchQuery(ctx context.Context, query *celldb.BatchQuery) (*celldb.BatchQueryResult, error) {
	in, err := queryoptimizer.NormalizeBatchQuery(query)
	if err != nil {
		return nil, err
	}
	if err := a.access.Authorize(ctx, ActionQuery, in.Targets...); err != nil {
		return nil, err
	}
	return a.coord.Execute(ctx, in)
}

func (a *queryAggregator) ExecuteQueryPlan(ctx context.Context, plan *celldb.QueryPlan) (*celldb.BatchQueryResult, error) {
	in, err := queryoptimizer.NormalizePlan(plan)
	if err != nil {
		return nil, err
	}
	if err := a.access.Authorize(ctx, ActionQuery, in.Targets...); err != nil {
		return nil, err
	}
	return a.coord.Execute(ctx, in)
}

func (a *queryAggregator) ExecuteStreamingQuery(ctx context.Context, plan *celldb.QueryPlan) (*celldb.StreamHandle, error) {
	in, err := queryoptimizer.NormalizePlan(plan)
	if err != nil {
		return nil, err
	}
	if err := a.access.Authorize(ctx, ActionStream, in.Targets...); err != nil {
		return nil, err
	}
	return a.streams.Open(ctx, in)
}

func (a *queryAggregator) GetStreamBatch(ctx context.Context, handleID string, batchSize int) (*celldb.StreamBatch, error) {
	return a.streams.Get(ctx, handleID, batchSize)
}

func (a *queryAggregator) CloseStream(ctx context.Context, handleID string) error {
	return a.streams.Close(ctx, handleID)
}

func (a *queryAggregator) RegisterCell(ctx context.Context, reg *celldb.CellRegistration) error {
	if reg == nil {
		return celldb.NewRegistrationError("", celldb.ErrCodeInvalidRegistration, "registration cannot be nil")
	}
	if err := a.access.Authorize(ctx, ActionRegister, ResourceRegistry); err != nil {
		return err
	}
	return a.registry.Register(*reg)
}

func (a *queryAggregator) ListCells(ctx context.Context) ([]celldb.CellRegistration, error) {
	if err := a.access.Authorize(ctx, ActionRead, ResourceRegistry); err != nil {
		return nil, err
	}
	return a.registry.List(), nil
}

func (a *queryAggregator) GetAggregatorMetrics(ctx context.Context) (*celldb.AggregatorMetrics, error) {
	if err := a.access.Authorize(ctx, ActionRead, ResourceMetrics); err != nil {
		return nil, err
	}
	return a.metrics.Snapshot(), nil
}

func (a *queryAggregator) GetQueryStats(ctx context.Context, window time.Duration) (*celldb.QueryStats, error) {
	if err := a.access.Authorize(ctx, ActionRead, ResourceMetrics); err != nil {
		return nil, err
	}
	return a.metrics.Stats(window), nil
}

// Close stops streams and workers and releases every cell connection.
func (a *queryAggregator) Close() error {
	a.streams.Shutdown()
	a.coord.Close()
	err := a.cells.Close()
	if closer, ok := a.remote.(io.Closer); ok {
		err = multierr.Append(err, closer.Close())
	}
	zap.S().Infow("aggregator closed", "cells", a.registry.Len())
	return err
}
