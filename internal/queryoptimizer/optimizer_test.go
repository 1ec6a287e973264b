package queryoptimizer

import (
	"math"
	"testing"
	"time"

	"github.com/lychee-technology/celldb"
)

type fixedLatency map[string]time.Duration

func (f fixedLatency) RecentLatency(cellID string) (time.Duration, bool) {
	d, ok := f[cellID]
	return d, ok
}

func cell(id string, typicalMs, preferred uint32, caps ...celldb.CellCapability) celldb.CellRegistration {
	return celldb.CellRegistration{
		CellID:        id,
		SchemaVersion: 1,
		Capabilities:  caps,
		PerformanceHints: celldb.PerformanceHints{
			TypicalResponseTimeMs: typicalMs,
			MaxConcurrentQueries:  4,
			PreferredBatchSize:    preferred,
		},
	}
}

func inputFor(cells []celldb.CellRegistration) *Input {
	in := &Input{QueryType: celldb.QueryTypeCrossCell, Complexity: 1}
	for _, c := range cells {
		in.Targets = append(in.Targets, c.CellID)
	}
	return in
}

func defaultOptimizationConfig() celldb.OptimizationConfig {
	return celldb.DefaultConfig().Optimization
}

func TestOptimizeCostOptimizationDisabled(t *testing.T) {
	cfg := defaultOptimizationConfig()
	cfg.CostOptimizationEnabled = false
	cells := []celldb.CellRegistration{cell("a", 10, 20), cell("b", 500, 20)}

	d, err := NewCostOptimizer(cfg, 8, nil).Optimize(inputFor(cells), cells)
	if err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}
	if d.Strategy != celldb.StrategySequential {
		t.Fatalf("expected sequential, got %s", d.Strategy)
	}
	if d.BatchSize("a") != cfg.DefaultBatchSize || d.BatchSize("b") != cfg.DefaultBatchSize {
		t.Fatalf("expected fixed default batch size, got %v", d.BatchSizes)
	}
}

func TestOptimizeSingleTarget(t *testing.T) {
	cells := []celldb.CellRegistration{cell("a", 10, 50)}
	d, err := NewCostOptimizer(defaultOptimizationConfig(), 8, nil).Optimize(inputFor(cells), cells)
	if err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}
	if d.Strategy != celldb.StrategySequential {
		t.Fatalf("expected sequential, got %s", d.Strategy)
	}
	if d.BatchSize("a") != 50 {
		t.Fatalf("batch size should be clamped to preferred size, got %d", d.BatchSize("a"))
	}
}

func TestOptimizeSearchRequiresFullText(t *testing.T) {
	cells := []celldb.CellRegistration{cell("a", 10, 50)}
	in := inputFor(cells)
	in.QueryType = celldb.QueryTypeSearch

	_, err := NewCostOptimizer(defaultOptimizationConfig(), 8, nil).Optimize(in, cells)
	if celldb.KindOf(err) != celldb.ErrorKindOptimizationFailed {
		t.Fatalf("expected optimization_failed, got %v", err)
	}

	cells[0].Capabilities = []celldb.CellCapability{celldb.CapabilityFullTextSearch}
	d, err := NewCostOptimizer(defaultOptimizationConfig(), 8, nil).Optimize(in, cells)
	if err != nil || d.Strategy != celldb.StrategySequential {
		t.Fatalf("expected sequential for capable cell, got %v %v", d, err)
	}
}

func TestOptimizeLowVarianceIsParallel(t *testing.T) {
	cells := []celldb.CellRegistration{cell("a", 100, 100), cell("b", 110, 100), cell("c", 95, 100)}
	d, err := NewCostOptimizer(defaultOptimizationConfig(), 8, nil).Optimize(inputFor(cells), cells)
	if err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}
	if d.Strategy != celldb.StrategyParallel {
		t.Fatalf("expected parallel, got %s (variation %.3f)", d.Strategy, d.Variation)
	}
	if d.WaveSize != 3 {
		t.Fatalf("wave size should be bounded by target count, got %d", d.WaveSize)
	}
}

func TestOptimizeObservedLatencyOverridesHints(t *testing.T) {
	cells := []celldb.CellRegistration{cell("a", 100, 100), cell("b", 100, 100)}
	latency := fixedLatency{"a": 10 * time.Millisecond, "b": 900 * time.Millisecond}

	d, err := NewCostOptimizer(defaultOptimizationConfig(), 8, latency).Optimize(inputFor(cells), cells)
	if err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}
	if d.Strategy != celldb.StrategyAdaptiveParallel {
		t.Fatalf("expected adaptive parallel, got %s", d.Strategy)
	}
}

func TestOptimizeStreamingHighVariance(t *testing.T) {
	cells := []celldb.CellRegistration{cell("a", 10, 100), cell("b", 800, 100)}
	in := inputFor(cells)
	in.Streaming = &celldb.StreamingOptions{BatchSize: 10}

	d, err := NewCostOptimizer(defaultOptimizationConfig(), 8, nil).Optimize(in, cells)
	if err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}
	if d.Strategy != celldb.StrategyPipelinedStreaming {
		t.Fatalf("expected pipelined streaming, got %s", d.Strategy)
	}
}

func TestOptimizeStreamingCapableLowVarianceWithoutAdaptiveBatching(t *testing.T) {
	cfg := defaultOptimizationConfig()
	cfg.AdaptiveBatching = false
	cells := []celldb.CellRegistration{
		cell("a", 100, 100, celldb.CapabilityStreamingSupport),
		cell("b", 100, 100),
	}
	in := inputFor(cells)
	in.Streaming = &celldb.StreamingOptions{}

	d, err := NewCostOptimizer(cfg, 8, nil).Optimize(in, cells)
	if err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}
	if d.Strategy != celldb.StrategyPipelinedStreaming {
		t.Fatalf("expected pipelined streaming, got %s", d.Strategy)
	}

	in.Streaming = nil
	d, err = NewCostOptimizer(cfg, 8, nil).Optimize(in, cells)
	if err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}
	if d.Strategy != celldb.StrategyAdaptiveParallel {
		t.Fatalf("expected adaptive parallel, got %s", d.Strategy)
	}
}

func TestOptimizeHonorsRequestedStrategy(t *testing.T) {
	cells := []celldb.CellRegistration{cell("a", 100, 100), cell("b", 100, 100)}
	in := inputFor(cells)
	in.Strategy = celldb.StrategySequential

	d, err := NewCostOptimizer(defaultOptimizationConfig(), 8, nil).Optimize(in, cells)
	if err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}
	if d.Strategy != celldb.StrategySequential {
		t.Fatalf("expected requested strategy, got %s", d.Strategy)
	}
}

func TestOptimizeConflictingConfiguration(t *testing.T) {
	cells := []celldb.CellRegistration{cell("a", 100, 100)}

	cfg := defaultOptimizationConfig()
	cfg.DefaultBatchSize = 0
	if _, err := NewCostOptimizer(cfg, 8, nil).Optimize(inputFor(cells), cells); celldb.KindOf(err) != celldb.ErrorKindOptimizationFailed {
		t.Fatalf("expected optimization_failed, got %v", err)
	}

	if _, err := NewCostOptimizer(defaultOptimizationConfig(), 0, nil).Optimize(inputFor(cells), cells); celldb.KindOf(err) != celldb.ErrorKindOptimizationFailed {
		t.Fatalf("expected optimization_failed, got %v", err)
	}
}

func TestNextBatchSize(t *testing.T) {
	hints := celldb.PerformanceHints{TypicalResponseTimeMs: 100, PreferredBatchSize: 200}

	if got := NextBatchSize(100, hints, 200*time.Millisecond); got != 50 {
		t.Fatalf("slow cell should halve its batch, got %d", got)
	}
	if got := NextBatchSize(100, hints, 25*time.Millisecond); got != 200 {
		t.Fatalf("fast cell should be clamped to preferred size, got %d", got)
	}
	if got := NextBatchSize(1, hints, 10*time.Second); got != 1 {
		t.Fatalf("batch size must not drop below 1, got %d", got)
	}
	if got := NextBatchSize(80, hints, 0); got != 80 {
		t.Fatalf("no latency sample keeps the current size, got %d", got)
	}
}

func TestSmoothLatency(t *testing.T) {
	if got := SmoothLatency(0, 40*time.Millisecond); got != 40*time.Millisecond {
		t.Fatalf("first sample should be taken as is, got %s", got)
	}
	if got := SmoothLatency(100*time.Millisecond, 40*time.Millisecond); got != 70*time.Millisecond {
		t.Fatalf("expected 70ms, got %s", got)
	}
}

func TestCoefficientOfVariation(t *testing.T) {
	if got := CoefficientOfVariation([]float64{5}); got != 0 {
		t.Fatalf("single sample should be 0, got %f", got)
	}
	if got := CoefficientOfVariation([]float64{0, 0}); got != 0 {
		t.Fatalf("zero mean should be 0, got %f", got)
	}
	got := CoefficientOfVariation([]float64{10, 30})
	if math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("expected 0.5, got %f", got)
	}
}
