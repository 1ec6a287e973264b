package internal

import (
	"context"
	"sync"
)

// telemetry.go
// Lightweight hook layer the coordinator and stream manager report through.
// Each aggregator hands its components the emitter of its own metrics
// accumulator. Components without one fall back to the process default,
// a no-op unless RegisterTelemetryEmitter installed something else.

// TelemetryEmitter receives a named measurement with its labels.
type TelemetryEmitter func(ctx context.Context, name string, labels map[string]string, value any)

const (
	telemetryStageLatency = "query_stage_latency_ms"
	telemetryCellRows     = "cell_row_count"
	telemetryPushdown     = "pushdown_efficiency"
)

// Stages reported through TelemetryEmitter.Latency.
const (
	StagePlanning  = "planning"
	StageExecution = "execution"
	StageMerge     = "merge"
	StageStreaming = "streaming"
)

var (
	teleMu   sync.Mutex
	teleImpl TelemetryEmitter = func(ctx context.Context, name string, labels map[string]string, value any) {
		// noop by default
	}
)

// RegisterTelemetryEmitter sets the process default emitter. nil restores the no-op.
func RegisterTelemetryEmitter(fn TelemetryEmitter) {
	teleMu.Lock()
	defer teleMu.Unlock()
	if fn == nil {
		teleImpl = func(ctx context.Context, name string, labels map[string]string, value any) {}
		return
	}
	teleImpl = fn
}

func emitter() TelemetryEmitter {
	teleMu.Lock()
	defer teleMu.Unlock()
	return teleImpl
}

func (fn TelemetryEmitter) orDefault() TelemetryEmitter {
	if fn != nil {
		return fn
	}
	return emitter()
}

// Latency records a latency measure (milliseconds) for a named stage.
func (fn TelemetryEmitter) Latency(ctx context.Context, stage string, ms int64) {
	fn.orDefault()(ctx, telemetryStageLatency, map[string]string{"stage": stage}, ms)
}

// RowCount records rows fetched from a cell.
func (fn TelemetryEmitter) RowCount(ctx context.Context, cellID string, rows int64) {
	fn.orDefault()(ctx, telemetryCellRows, map[string]string{"cell": cellID}, rows)
}

// PushdownEfficiency records returned/fetched rows for one query as a ratio.
// Values near 1 mean the cells did most of the filtering.
func (fn TelemetryEmitter) PushdownEfficiency(ctx context.Context, strategy string, ratio float64) {
	fn.orDefault()(ctx, telemetryPushdown, map[string]string{"strategy": strategy}, ratio)
}
