package celldb

import (
	"context"
	"time"
)

// QueryAggregator is the boundary of the cross-cell query engine
type QueryAggregator interface {
	// Query operations
	ExecuteBatchQuery(ctx context.Context, query *BatchQuery) (*BatchQueryResult, error)
	ExecuteQueryPlan(ctx context.Context, plan *QueryPlan) (*BatchQueryResult, error)

	// Streaming operations
	ExecuteStreamingQuery(ctx context.Context, plan *QueryPlan) (*StreamHandle, error)
	GetStreamBatch(ctx context.Context, handleID string, batchSize int) (*StreamBatch, error)
	CloseStream(ctx context.Context, handleID string) error

	// Cell registry
	RegisterCell(ctx context.Context, reg *CellRegistration) error
	ListCells(ctx context.Context) ([]CellRegistration, error)

	// Observability
	GetAggregatorMetrics(ctx context.Context) (*AggregatorMetrics, error)
	GetQueryStats(ctx context.Context, window time.Duration) (*QueryStats, error)

	Close() error
}

// CellClient is the contract every storage cell implements
type CellClient interface {
	Insert(ctx context.Context, record Record) (string, error)
	Query(ctx context.Context, filter QueryFilter, page Pagination) (*CellQueryResult, error)
	Update(ctx context.Context, id string, record Record) error
	Delete(ctx context.Context, id string) error
	Metrics(ctx context.Context) (*CellMetrics, error)
	Close() error
}

// CellQueryResult is one page returned by a cell.
type CellQueryResult struct {
	Records    []Record `json:"records"`
	TotalCount uint64   `json:"totalCount"`
	HasMore    bool     `json:"hasMore"`
	// Cost is the resource cost the cell reports for the call; zero means unreported.
	Cost uint64 `json:"cost,omitempty"`
}

// CellMetrics is a cell's self-reported state.
type CellMetrics struct {
	RecordCount uint64    `json:"recordCount"`
	MemoryUsage uint64    `json:"memoryUsage"`
	QueryCount  uint64    `json:"queryCount"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// CellDialer connects to a cell from its registration.
type CellDialer interface {
	Dial(ctx context.Context, reg CellRegistration) (CellClient, error)
}

// RecordIDField is the record key cells use for their own identifier.
const RecordIDField = "_id"

type callerKey struct{}

// WithCaller attaches the authenticated caller identity to ctx.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFromContext returns the caller identity set by WithCaller.
func CallerFromContext(ctx context.Context) (string, bool) {
	caller, ok := ctx.Value(callerKey{}).(string)
	return caller, ok && caller != ""
}
