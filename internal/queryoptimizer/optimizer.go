package queryoptimizer

import (
	"fmt"
	"math"
	"time"

	"github.com/lychee-technology/celldb"
	"go.uber.org/zap"
)

// LatencySource exposes the recent average latency observed for a cell.
type LatencySource interface {
	RecentLatency(cellID string) (time.Duration, bool)
}

// Decision is the optimizer's recommendation for one execution.
type Decision struct {
	Strategy      celldb.CoordinationStrategy
	BatchSizes    map[string]int
	WaveSize      int
	EstimatedCost uint64
	Variation     float64
	Reason        string
}

// BatchSize returns the recommended page size for a cell.
func (d *Decision) BatchSize(cellID string) int {
	if n, ok := d.BatchSizes[cellID]; ok && n > 0 {
		return n
	}
	return 1
}

// CostOptimizer selects a coordination strategy and batch sizes from
// registration hints and observed latency.
type CostOptimizer struct {
	cfg           celldb.OptimizationConfig
	maxConcurrent int
	latency       LatencySource
}

func NewCostOptimizer(cfg celldb.OptimizationConfig, maxConcurrent int, latency LatencySource) *CostOptimizer {
	return &CostOptimizer{cfg: cfg, maxConcurrent: maxConcurrent, latency: latency}
}

// Optimize picks a strategy for in. cells are the resolved registrations of in.Targets, in order.
func (o *CostOptimizer) Optimize(in *Input, cells []celldb.CellRegistration) (*Decision, error) {
	if o.cfg.DefaultBatchSize <= 0 {
		return nil, celldb.NewOptimizationError(celldb.ErrCodeInvalidOptimizerInput,
			"default batch size must be greater than 0")
	}
	if o.maxConcurrent <= 0 {
		return nil, celldb.NewOptimizationError(celldb.ErrCodeInvalidOptimizerInput,
			"max concurrent queries must be greater than 0")
	}
	if o.cfg.LatencyVarianceThreshold < 0 || math.IsNaN(o.cfg.LatencyVarianceThreshold) {
		return nil, celldb.NewOptimizationError(celldb.ErrCodeInvalidOptimizerInput,
			"latency variance threshold must not be negative")
	}
	if len(cells) == 0 || len(cells) != len(in.Targets) {
		return nil, celldb.NewOptimizationError(celldb.ErrCodeInvalidOptimizerInput,
			fmt.Sprintf("resolved %d of %d target cells", len(cells), len(in.Targets)))
	}

	if required, ok := in.QueryType.RequiredCapability(); ok {
		for _, cell := range cells {
			if !cell.HasCapability(required) {
				return nil, celldb.NewOptimizationError(celldb.ErrCodeCapabilityMissing,
					fmt.Sprintf("cell does not support %s", required)).WithCell(cell.CellID)
			}
		}
	}

	d := &Decision{
		BatchSizes:    make(map[string]int, len(cells)),
		WaveSize:      min(o.maxConcurrent, len(cells)),
		EstimatedCost: o.estimateCost(in, cells),
	}

	if !o.cfg.CostOptimizationEnabled {
		for _, cell := range cells {
			d.BatchSizes[cell.CellID] = o.cfg.DefaultBatchSize
		}
		d.Strategy = celldb.StrategySequential
		d.Reason = "cost optimization disabled"
		return o.finish(in, d)
	}

	for _, cell := range cells {
		d.BatchSizes[cell.CellID] = InitialBatchSize(o.cfg.DefaultBatchSize, cell.PerformanceHints)
	}

	if in.Strategy != celldb.StrategyAuto {
		d.Strategy = in.Strategy
		d.Reason = "requested by plan"
		return o.finish(in, d)
	}

	if len(cells) == 1 {
		d.Strategy = celldb.StrategySequential
		d.Reason = "single target"
		return o.finish(in, d)
	}

	d.Variation = o.latencyVariation(cells)
	lowVariance := d.Variation <= o.cfg.LatencyVarianceThreshold

	streamCapable := false
	for _, cell := range cells {
		if cell.HasCapability(celldb.CapabilityStreamingSupport) {
			streamCapable = true
			break
		}
	}

	switch {
	case o.cfg.AdaptiveBatching && lowVariance:
		d.Strategy = celldb.StrategyParallel
		d.Reason = "homogeneous latency"
	case in.Streaming != nil && (!lowVariance || streamCapable):
		d.Strategy = celldb.StrategyPipelinedStreaming
		d.Reason = "declared streaming"
	default:
		d.Strategy = celldb.StrategyAdaptiveParallel
		d.Reason = "heterogeneous latency"
	}
	return o.finish(in, d)
}

func (o *CostOptimizer) finish(in *Input, d *Decision) (*Decision, error) {
	zap.S().Debugw("optimizer decision",
		"fingerprint", in.Fingerprint,
		"strategy", d.Strategy.String(),
		"reason", d.Reason,
		"targets", len(in.Targets),
		"variation", d.Variation,
		"estimatedCost", d.EstimatedCost,
	)
	return d, nil
}

// latencyVariation returns the coefficient of variation of per-cell latency,
// preferring observed averages over declared hints.
func (o *CostOptimizer) latencyVariation(cells []celldb.CellRegistration) float64 {
	samples := make([]float64, 0, len(cells))
	for _, cell := range cells {
		samples = append(samples, float64(o.expectedLatency(cell)))
	}
	return CoefficientOfVariation(samples)
}

func (o *CostOptimizer) expectedLatency(cell celldb.CellRegistration) time.Duration {
	if o.latency != nil {
		if avg, ok := o.latency.RecentLatency(cell.CellID); ok {
			return avg
		}
	}
	return time.Duration(cell.PerformanceHints.TypicalResponseTimeMs) * time.Millisecond
}

func (o *CostOptimizer) estimateCost(in *Input, cells []celldb.CellRegistration) uint64 {
	weight := in.Complexity
	if weight == 0 {
		weight = 1
	}
	var total uint64
	for _, cell := range cells {
		ms := uint64(o.expectedLatency(cell) / time.Millisecond)
		if ms == 0 {
			ms = 1
		}
		total += ms * weight
	}
	return total
}

// CoefficientOfVariation is stddev/mean of the samples, zero for fewer than two
// samples or a zero mean.
func CoefficientOfVariation(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	mean := sum / float64(len(samples))
	if mean == 0 {
		return 0
	}
	var sq float64
	for _, s := range samples {
		sq += (s - mean) * (s - mean)
	}
	return math.Sqrt(sq/float64(len(samples))) / mean
}

// InitialBatchSize is the default batch size bounded by the cell's preferred size.
func InitialBatchSize(defaultSize int, hints celldb.PerformanceHints) int {
	return clampBatch(defaultSize, hints)
}

// SmoothLatency is an exponential moving average with factor 0.5.
func SmoothLatency(previous, latest time.Duration) time.Duration {
	if previous <= 0 {
		return latest
	}
	return previous/2 + latest/2
}

// NextBatchSize scales the current batch by typical/ema latency and clamps it to
// [1, preferred batch size].
func NextBatchSize(current int, hints celldb.PerformanceHints, ema time.Duration) int {
	if ema <= 0 || hints.TypicalResponseTimeMs == 0 {
		return clampBatch(current, hints)
	}
	typical := time.Duration(hints.TypicalResponseTimeMs) * time.Millisecond
	next := int(math.Round(float64(current) * float64(typical) / float64(ema)))
	return clampBatch(next, hints)
}

func clampBatch(n int, hints celldb.PerformanceHints) int {
	if hints.PreferredBatchSize > 0 && n > int(hints.PreferredBatchSize) {
		n = int(hints.PreferredBatchSize)
	}
	if n < 1 {
		n = 1
	}
	return n
}
