package internal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lychee-technology/celldb"
	"github.com/lychee-technology/celldb/internal/queryoptimizer"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// ExecutionCoordinator runs normalized queries against their target cells.
//
// Responsibilities:
//   - Resolve targets and ask the optimizer for a strategy.
//   - Serve non-Strong queries from the result cache.
//   - Collapse concurrent executions of the same fingerprint into one.
//   - Page through cells on a bounded worker pool, guarded by per-cell
//     breakers and concurrency slots.
//   - Apply the consistency failure policy and merge the surviving records.
type ExecutionCoordinator struct {
	cfg       *celldb.Config
	registry  *CellRegistry
	cells     *CellPool
	breakers  *BreakerSet
	optimizer *queryoptimizer.CostOptimizer
	cache     *ResultCache
	metrics   *MetricsAccumulator
	telemetry TelemetryEmitter

	workers  *ants.Pool
	requests *semaphore.Weighted
	flights  singleflight.Group
}

// NewExecutionCoordinator creates a coordinator. cache may be nil to disable caching.
func NewExecutionCoordinator(
	cfg *celldb.Config,
	registry *CellRegistry,
	cells *CellPool,
	breakers *BreakerSet,
	optimizer *queryoptimizer.CostOptimizer,
	cache *ResultCache,
	metrics *MetricsAccumulator,
) (*ExecutionCoordinator, error) {
	workers, err := ants.NewPool(cfg.Execution.WorkerPoolSize, ants.WithPanicHandler(func(v any) {
		zap.S().Errorw("worker panicked", "panic", v)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	return &ExecutionCoordinator{
		cfg:       cfg,
		registry:  registry,
		cells:     cells,
		breakers:  breakers,
		optimizer: optimizer,
		cache:     cache,
		metrics:   metrics,
		telemetry: metrics.Emitter(),
		workers:   workers,
		requests:  semaphore.NewWeighted(int64(cfg.Execution.MaxConcurrentRequests)),
	}, nil
}

// Execute runs in and returns the merged result.
func (c *ExecutionCoordinator) Execute(ctx context.Context, in *queryoptimizer.Input) (*celldb.BatchQueryResult, error) {
	if !c.requests.TryAcquire(1) {
		return nil, celldb.NewResourceExhaustedError(celldb.ErrCodeTooManyRequests,
			fmt.Sprintf("more than %d concurrent requests", c.cfg.Execution.MaxConcurrentRequests))
	}
	defer c.requests.Release(1)

	start := time.Now()
	rec := QueryRecord{Fingerprint: in.Fingerprint, Cells: in.Targets, Strategy: in.Strategy}
	result, err := c.execute(ctx, in, &rec)
	rec.Latency = time.Since(start)
	rec.Success = err == nil
	c.metrics.RecordQuery(rec)

	if err != nil {
		zap.S().Debugw("query failed",
			"fingerprint", in.Fingerprint,
			"kind", celldb.KindOf(err),
			"error", err,
		)
		return nil, err
	}

	result.QueryID = in.QueryID
	if result.QueryID == "" {
		result.QueryID = NewQueryID()
	}
	result.ExecutionTime = rec.Latency

	logging := c.cfg.Logging
	if logging.LogSlowQueries && logging.SlowQueryThreshold > 0 && rec.Latency >= logging.SlowQueryThreshold {
		zap.S().Warnw("slow query",
			"queryId", result.QueryID,
			"fingerprint", in.Fingerprint,
			"strategy", result.Strategy.String(),
			"targets", len(in.Targets),
			"durationMs", rec.Latency.Milliseconds(),
			"records", result.TotalCount,
			"cacheHit", rec.CacheHit,
		)
	}
	return result, nil
}

func (c *ExecutionCoordinator) execute(ctx context.Context, in *queryoptimizer.Input, rec *QueryRecord) (*celldb.BatchQueryResult, error) {
	planStart := time.Now()
	cells, err := c.registry.ResolveAll(in.Targets)
	if err != nil {
		return nil, err
	}
	decision, err := c.optimizer.Optimize(in, cells)
	if err != nil {
		return nil, err
	}
	rec.Strategy = decision.Strategy
	if decision.Strategy == celldb.StrategyPipelinedStreaming {
		return nil, celldb.NewInvalidQueryError(celldb.ErrCodeUnsupportedFormat,
			"pipelined streaming plans must be opened as streams")
	}
	c.telemetry.Latency(ctx, StagePlanning, time.Since(planStart).Milliseconds())

	if c.cacheable(in) {
		hit, ok, err := c.cache.Lookup(ctx, in.Fingerprint, in.Canonical)
		if err != nil {
			return nil, err
		}
		if ok {
			rec.CacheHit = true
			rec.Strategy = hit.Strategy
			rec.SavedCost = resultCost(hit)
			return cacheHitResult(hit), nil
		}
	}

	executed := false
	ch := c.flights.DoChan(in.Fingerprint, func() (any, error) {
		executed = true
		return c.run(ctx, in, cells, decision)
	})
	select {
	case <-ctx.Done():
		return nil, contextError(ctx.Err(), in)
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		result := r.Val.(*celldb.BatchQueryResult).Clone()
		if executed {
			rec.Cost = resultCost(result)
		} else {
			rec.SavedCost = resultCost(result)
			zap.S().Debugw("joined in-flight execution", "fingerprint", in.Fingerprint)
		}
		return result, nil
	}
}

func (c *ExecutionCoordinator) cacheable(in *queryoptimizer.Input) bool {
	return c.cache != nil &&
		c.cfg.Optimization.CacheEnabled &&
		in.Consistency != celldb.ConsistencyStrong &&
		in.Streaming == nil
}

// run executes one flight. It is detached from the caller's cancellation so
// that callers sharing the flight are not failed by the leader going away.
func (c *ExecutionCoordinator) run(ctx context.Context, in *queryoptimizer.Input, cells []celldb.CellRegistration, d *queryoptimizer.Decision) (*celldb.BatchQueryResult, error) {
	base := context.WithoutCancel(ctx)
	runCtx, cancel := context.WithTimeout(base, c.timeoutFor(ctx, in))
	defer cancel()

	exec := newExecution(in, cells, d, c.cfg.Execution.MaxRowsPerCell)
	strong := in.Consistency == celldb.ConsistencyStrong

	execStart := time.Now()
	switch d.Strategy {
	case celldb.StrategyParallel:
		c.runParallel(runCtx, exec, strong)
	case celldb.StrategyAdaptiveParallel:
		c.runAdaptive(runCtx, exec, d.WaveSize, strong)
	default:
		c.runSequential(runCtx, exec)
	}
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	out := exec.seal(timedOut)
	c.telemetry.Latency(ctx, StageExecution, time.Since(execStart).Milliseconds())

	if err := c.settle(in, out); err != nil {
		return nil, err
	}

	mergeStart := time.Now()
	records, err := MergeResults(out.parts, in)
	if err != nil {
		if c.cache != nil {
			c.cache.Invalidate(base, in.Fingerprint)
		}
		if celldb.IsKind(err, celldb.ErrorKindAggregationFailed) {
			return nil, err
		}
		return nil, celldb.NewAggregationError(celldb.ErrCodeResultAggregation, "failed to merge cell results", err)
	}
	c.telemetry.Latency(ctx, StageMerge, time.Since(mergeStart).Milliseconds())
	if out.fetched > 0 {
		c.telemetry.PushdownEfficiency(ctx, d.Strategy.String(), float64(len(records))/float64(out.fetched))
	}

	partial := out.failed > 0 || len(out.unfinished) > 0
	result := &celldb.BatchQueryResult{
		Fingerprint:    in.Fingerprint,
		Strategy:       d.Strategy,
		Records:        records,
		TotalCount:     uint64(len(records)),
		CellStatistics: out.stats,
		Partial:        partial,
	}
	if partial {
		zap.S().Warnw("returning partial result",
			"fingerprint", in.Fingerprint,
			"consistency", in.Consistency,
			"failedCells", out.failed,
			"unfinishedCells", out.unfinished,
			"error", out.failures,
		)
	}
	if len(out.truncated) > 0 {
		zap.S().Infow("cell results truncated at row cap",
			"fingerprint", in.Fingerprint,
			"cells", out.truncated,
			"maxRowsPerCell", c.cfg.Execution.MaxRowsPerCell,
		)
	}
	if c.cacheable(in) && !partial {
		c.cache.Store(base, in.Fingerprint, in.Canonical, result, c.cfg.Cache.TTL)
	}
	return result, nil
}

// settle applies the consistency failure policy to a sealed execution.
// Strong fails on any node failure. Eventual and Weak fail only when no cell
// completed: a timeout if the deadline left cells unfinished, otherwise the
// cell error (single target) or CoordinationFailed.
func (c *ExecutionCoordinator) settle(in *queryoptimizer.Input, out *outcome) error {
	targets := len(in.Targets)
	if in.Consistency == celldb.ConsistencyStrong {
		if out.failed > 0 {
			return celldb.NewCoordinationError(
				fmt.Sprintf("%d of %d cells failed under strong consistency", out.failed, targets), out.failures).
				WithDetail("cellStatistics", out.stats)
		}
		if out.timedOut {
			return celldb.NewTimeoutError(fmt.Sprintf("query exceeded its timeout with %d cells unfinished", len(out.unfinished))).
				WithDetail("cells", out.unfinished)
		}
		return nil
	}
	if completed := targets - out.failed - len(out.unfinished); completed > 0 {
		return nil
	}
	if out.timedOut && len(out.unfinished) > 0 {
		return celldb.NewTimeoutError(fmt.Sprintf("no cell completed before the timeout (%d unfinished, %d failed)",
			len(out.unfinished), out.failed)).
			WithDetail("cells", out.unfinished).
			WithDetail("cellStatistics", out.stats).
			WithCause(out.failures)
	}
	if targets == 1 {
		return out.failures
	}
	return celldb.NewCoordinationError("every target cell failed", out.failures).
		WithDetail("cellStatistics", out.stats)
}

func (c *ExecutionCoordinator) timeoutFor(ctx context.Context, in *queryoptimizer.Input) time.Duration {
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Execution.DefaultTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	return timeout
}

// runSequential drains cells one at a time in target order and stops at the
// first fatal failure.
func (c *ExecutionCoordinator) runSequential(ctx context.Context, exec *execution) {
	for _, id := range exec.order {
		if ctx.Err() != nil {
			return
		}
		var wg sync.WaitGroup
		c.submit(&wg, exec, id, func() { c.drainCell(ctx, exec, id) })
		if !waitOrDone(ctx, &wg) {
			return
		}
		if exec.fatal(id) {
			zap.S().Warnw("aborting sequential execution", "cellId", id, "remaining", len(exec.active()))
			return
		}
	}
}

// runParallel drains every cell concurrently. Under strong consistency the
// first failure cancels the siblings.
func (c *ExecutionCoordinator) runParallel(ctx context.Context, exec *execution, strong bool) {
	ctx, abort := context.WithCancel(ctx)
	defer abort()

	var wg sync.WaitGroup
	for _, id := range exec.order {
		c.submit(&wg, exec, id, func() {
			c.drainCell(ctx, exec, id)
			if strong && exec.hasFailed(id) {
				abort()
			}
		})
	}
	waitOrDone(ctx, &wg)
}

// runAdaptive fetches one page per active cell per round, in waves of at most
// waveSize concurrent calls. Batch sizes are resized after every page.
func (c *ExecutionCoordinator) runAdaptive(ctx context.Context, exec *execution, waveSize int, strong bool) {
	ctx, abort := context.WithCancel(ctx)
	defer abort()
	if waveSize <= 0 {
		waveSize = 1
	}

	for {
		active := exec.active()
		if len(active) == 0 || ctx.Err() != nil {
			return
		}
		for start := 0; start < len(active); start += waveSize {
			var wg sync.WaitGroup
			for _, id := range active[start:min(start+waveSize, len(active))] {
				page, ok := exec.nextPage(id)
				if !ok {
					continue
				}
				c.submit(&wg, exec, id, func() {
					c.fetchInto(ctx, exec, id, page)
					if strong && exec.hasFailed(id) {
						abort()
					}
				})
			}
			if !waitOrDone(ctx, &wg) {
				return
			}
		}
	}
}

// submit runs fn for cellID on the worker pool.
func (c *ExecutionCoordinator) submit(wg *sync.WaitGroup, exec *execution, cellID string, fn func()) {
	wg.Add(1)
	err := c.workers.Submit(func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				zap.S().Errorw("cell call panicked", "cellId", cellID, "panic", r)
				exec.fail(cellID, celldb.NewCellUnavailableError(cellID, fmt.Sprintf("cell call panicked: %v", r), nil, false))
			}
		}()
		fn()
	})
	if err != nil {
		wg.Done()
		exec.fail(cellID, celldb.NewResourceExhaustedError(celldb.ErrCodePoolExhausted, "worker pool rejected the cell call").
			WithCell(cellID).WithCause(err))
	}
}

func (c *ExecutionCoordinator) drainCell(ctx context.Context, exec *execution, cellID string) {
	for {
		page, ok := exec.nextPage(cellID)
		if !ok || !c.fetchInto(ctx, exec, cellID, page) {
			return
		}
	}
}

// fetchInto requests one page and records it. It reports whether the cell has
// more pages.
func (c *ExecutionCoordinator) fetchInto(ctx context.Context, exec *execution, cellID string, page celldb.Pagination) bool {
	start := time.Now()
	res, err := c.callCell(ctx, exec.registration(cellID), exec.in.Filter, page)
	if err != nil {
		if ctx.Err() != nil {
			// seal annotates the cell as timed out or skipped
			return false
		}
		exec.fail(cellID, err)
		return false
	}
	return exec.addPage(cellID, page, res, time.Since(start), c.costOf(res))
}

// FetchPage requests one page from a registered cell. Streams page through
// cells with it.
func (c *ExecutionCoordinator) FetchPage(ctx context.Context, cellID string, filter celldb.QueryFilter, page celldb.Pagination) (*celldb.CellQueryResult, error) {
	reg, ok := c.registry.Resolve(cellID)
	if !ok {
		err := celldb.NewCellUnavailableError(cellID, "cell is not registered", nil, false)
		err.Code = celldb.ErrCodeUnknownCell
		return nil, err
	}
	return c.callCell(ctx, reg, filter, page)
}

// Go runs fn on the coordinator's worker pool.
func (c *ExecutionCoordinator) Go(fn func()) error {
	if err := c.workers.Submit(fn); err != nil {
		return celldb.NewResourceExhaustedError(celldb.ErrCodePoolExhausted, "worker pool rejected the task").WithCause(err)
	}
	return nil
}

// callCell performs one page request with breaker, retry and concurrency limits applied.
func (c *ExecutionCoordinator) callCell(ctx context.Context, reg celldb.CellRegistration, filter celldb.QueryFilter, page celldb.Pagination) (*celldb.CellQueryResult, error) {
	breaker := c.breakers.For(reg.CellID)
	if breaker.IsOpen() {
		err := celldb.NewCellUnavailableError(reg.CellID, "circuit breaker is open", nil, false)
		err.Code = celldb.ErrCodeCircuitOpen
		return nil, err
	}

	var res *celldb.CellQueryResult
	var err error
	if c.cfg.Execution.RetryEnabled {
		b := backoff.NewExponentialBackOff()
		if c.cfg.Execution.RetryInitialInterval > 0 {
			b.InitialInterval = c.cfg.Execution.RetryInitialInterval
		}
		attempts := 0
		err = backoff.Retry(func() error {
			attempts++
			var callErr error
			res, callErr = c.queryOnce(ctx, reg, filter, page)
			if callErr != nil && !celldb.IsTransient(callErr) {
				return backoff.Permanent(callErr)
			}
			if callErr != nil && attempts == 1 {
				zap.S().Debugw("retrying cell call", "cellId", reg.CellID, "error", callErr)
			}
			return callErr
		}, backoff.WithContext(backoff.WithMaxRetries(b, 1), ctx))
	} else {
		res, err = c.queryOnce(ctx, reg, filter, page)
	}

	switch {
	case err == nil:
		breaker.RecordSuccess()
	case isContextError(err):
	case celldb.IsKind(err, celldb.ErrorKindCellUnavailable):
		breaker.RecordFailure()
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *ExecutionCoordinator) queryOnce(ctx context.Context, reg celldb.CellRegistration, filter celldb.QueryFilter, page celldb.Pagination) (*celldb.CellQueryResult, error) {
	conn, err := c.cells.Acquire(ctx, reg)
	if err != nil {
		return nil, err
	}
	if err := conn.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer conn.slots.Release(1)

	start := time.Now()
	res, err := conn.client.Query(ctx, filter, page)
	latency := time.Since(start)
	if err != nil {
		c.metrics.RecordCellCall(reg.CellID, latency, 0, true)
		return nil, classifyCellError(reg.CellID, err)
	}
	if res == nil {
		res = &celldb.CellQueryResult{}
	}
	c.metrics.RecordCellCall(reg.CellID, latency, len(res.Records), false)
	c.telemetry.RowCount(ctx, reg.CellID, int64(len(res.Records)))
	return res, nil
}

func (c *ExecutionCoordinator) costOf(res *celldb.CellQueryResult) uint64 {
	if res.Cost > 0 {
		return res.Cost
	}
	return c.cfg.Execution.BaseCallCost + c.cfg.Execution.PerRecordCost*uint64(len(res.Records))
}

// Close stops the worker pool.
func (c *ExecutionCoordinator) Close() {
	c.workers.Release()
}

// classifyCellError maps a client error onto the error taxonomy. Errors that
// do not say otherwise are treated as transient unreachability.
func classifyCellError(cellID string, err error) error {
	if isContextError(err) {
		return err
	}
	var qe *celldb.QueryError
	if errors.As(err, &qe) {
		if qe.CellID == "" {
			qe.CellID = cellID
		}
		return qe
	}
	return celldb.NewCellUnavailableError(cellID, "cell query failed", err, true)
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func contextError(err error, in *queryoptimizer.Input) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return celldb.NewTimeoutError("query deadline exceeded").WithDetail("fingerprint", in.Fingerprint)
	}
	return celldb.NewCoordinationError("query canceled by caller", err)
}

// cacheHitResult synthesizes a zero-cost result for a cache hit.
func cacheHitResult(hit *celldb.BatchQueryResult) *celldb.BatchQueryResult {
	out := hit.Clone()
	for id, st := range out.CellStatistics {
		out.CellStatistics[id] = celldb.CellExecutionStats{
			RecordsReturned: st.RecordsReturned,
			CacheHit:        true,
		}
	}
	return out
}

func resultCost(res *celldb.BatchQueryResult) uint64 {
	var total uint64
	for _, st := range res.CellStatistics {
		total += st.ResourceCost
	}
	return total
}

func waitOrDone(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
