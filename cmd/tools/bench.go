package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lychee-technology/celldb"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type benchOptions struct {
	exportOptions
	concurrency int
	iterations  int
	duration    time.Duration
}

// benchStats collects per-query latencies. Failed queries are counted but
// excluded from the percentiles.
type benchStats struct {
	mu        sync.Mutex
	latencies []time.Duration
	ops       int64
	errors    int64
	partial   int64
	cacheHits int64
}

type benchReport struct {
	TotalOps  int64
	Errors    int64
	Partial   int64
	CacheHits int64
	Duration  time.Duration
	OpsPerSec float64
	P50       time.Duration
	P95       time.Duration
	P99       time.Duration
}

func (s *benchStats) record(latency time.Duration, res *celldb.BatchQueryResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops++
	if err != nil {
		s.errors++
		return
	}
	if res.Partial {
		s.partial++
	}
	for _, st := range res.CellStatistics {
		if st.CacheHit {
			s.cacheHits++
			break
		}
	}
	s.latencies = append(s.latencies, latency)
}

func (s *benchStats) report(duration time.Duration) benchReport {
	s.mu.Lock()
	lats := append([]time.Duration(nil), s.latencies...)
	r := benchReport{TotalOps: s.ops, Errors: s.errors, Partial: s.partial, CacheHits: s.cacheHits, Duration: duration}
	s.mu.Unlock()

	if duration > 0 {
		r.OpsPerSec = float64(r.TotalOps) / duration.Seconds()
	}
	sort.Slice(lats, func(i, j int) bool { return lats[i] < lats[j] })
	r.P50 = percentile(lats, 50)
	r.P95 = percentile(lats, 95)
	r.P99 = percentile(lats, 99)
	return r
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func runBench(args []string) error {
	flags := flag.NewFlagSet("bench", flag.ContinueOnError)
	flags.SetOutput(os.Stdout)
	flags.Usage = func() {
		fmt.Println("Usage: celldb-tools bench -config <file> -expression <query> [options]")
		fmt.Println("")
		fmt.Println("Options:")
		flags.PrintDefaults()
	}

	opts := benchOptions{}
	flags.StringVar(&opts.configPath, "config", getenvDefault("CELLDB_CONFIG", ""), "celldb config file with cells")
	flags.StringVar(&opts.expression, "expression", "", "query expression")
	flags.StringVar(&opts.cells, "cells", "", "comma-separated target cells (default: every configured cell)")
	flags.Var(&opts.params, "param", "query parameter name=value (repeatable)")
	flags.StringVar(&opts.consistency, "consistency", string(celldb.ConsistencyEventual), "strong, eventual or weak")
	flags.DurationVar(&opts.timeout, "timeout", 0, "per-query timeout")
	flags.IntVar(&opts.concurrency, "concurrency", 8, "concurrent query workers")
	flags.IntVar(&opts.iterations, "iterations", 1000, "total queries (ignored when -duration is set)")
	flags.DurationVar(&opts.duration, "duration", 0, "run for a fixed time instead of a query count")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.expression == "" {
		return fmt.Errorf("-expression is required")
	}

	ctx := context.Background()
	agg, cfg, err := openAggregator(ctx, opts.configPath)
	if err != nil {
		return err
	}
	defer agg.Close()

	query, err := buildExportQuery(opts.exportOptions, cfg)
	if err != nil {
		return err
	}

	report, err := benchmark(ctx, agg, query, opts)
	if err != nil {
		return err
	}
	zap.S().Infow("bench finished",
		"ops", report.TotalOps, "errors", report.Errors, "partial", report.Partial, "cacheHits", report.CacheHits,
		"opsPerSec", fmt.Sprintf("%.1f", report.OpsPerSec),
		"p50", report.P50, "p95", report.P95, "p99", report.P99, "duration", report.Duration)

	if stats, err := agg.GetQueryStats(ctx, report.Duration+time.Minute); err == nil {
		zap.S().Infow("aggregator stats", "total", stats.TotalQueries, "failed", stats.FailedQueries,
			"avg", stats.AverageExecutionTime, "cacheHitRate", stats.CacheHitRate, "mostQueried", stats.MostQueriedCells)
	}
	return nil
}

func benchmark(ctx context.Context, agg celldb.QueryAggregator, query *celldb.BatchQuery, opts benchOptions) (benchReport, error) {
	runCtx := ctx
	if opts.duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	stats := &benchStats{}
	var issued atomic.Int64
	next := func() bool {
		if runCtx.Err() != nil {
			return false
		}
		return opts.duration > 0 || issued.Add(1) <= int64(opts.iterations)
	}

	start := time.Now()
	var g errgroup.Group
	for w := 0; w < max(opts.concurrency, 1); w++ {
		g.Go(func() error {
			for next() {
				// queries run on ctx so the deadline only stops new work
				t0 := time.Now()
				res, err := agg.ExecuteBatchQuery(ctx, query)
				stats.record(time.Since(t0), res, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return benchReport{}, err
	}
	return stats.report(time.Since(start)), nil
}
