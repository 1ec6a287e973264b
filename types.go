package celldb

import (
	"time"
)

// Record is a single self-describing row returned by a cell.
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// CellCapability is a feature a cell declares at registration time.
type CellCapability string

const (
	CapabilityFullTextSearch    CellCapability = "full_text_search"
	CapabilityGeospatialQueries CellCapability = "geospatial_queries"
	CapabilityAdvancedIndexing  CellCapability = "advanced_indexing"
	CapabilityStreamingSupport  CellCapability = "streaming_support"
	CapabilityBatchOperations   CellCapability = "batch_operations"
)

// Valid reports whether c is one of the known capabilities.
func (c CellCapability) Valid() bool {
	switch c {
	case CapabilityFullTextSearch, CapabilityGeospatialQueries, CapabilityAdvancedIndexing,
		CapabilityStreamingSupport, CapabilityBatchOperations:
		return true
	}
	return false
}

// PerformanceHints are advisory numbers a cell publishes about itself.
type PerformanceHints struct {
	TypicalResponseTimeMs uint32 `json:"typicalResponseTimeMs"`
	MaxConcurrentQueries  uint32 `json:"maxConcurrentQueries"`
	PreferredBatchSize    uint32 `json:"preferredBatchSize"`
	SubnetLocation        string `json:"subnetLocation,omitempty"`
}

// CellRegistration describes a storage cell known to the aggregator.
type CellRegistration struct {
	CellID           string           `json:"cellId"`
	Name             string           `json:"name"`
	Endpoint         string           `json:"endpoint,omitempty"`
	SchemaVersion    uint32           `json:"schemaVersion"`
	Capabilities     []CellCapability `json:"capabilities"`
	PerformanceHints PerformanceHints `json:"performanceHints"`
}

// HasCapability reports whether the cell declared c.
func (r CellRegistration) HasCapability(c CellCapability) bool {
	for _, have := range r.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers cannot mutate registry state.
func (r CellRegistration) Clone() CellRegistration {
	out := r
	if r.Capabilities != nil {
		out.Capabilities = append([]CellCapability(nil), r.Capabilities...)
	}
	return out
}

// QueryType classifies a plan.
type QueryType string

const (
	QueryTypeSingleCell  QueryType = "single_cell"
	QueryTypeCrossCell   QueryType = "cross_cell"
	QueryTypeAggregation QueryType = "aggregation"
	QueryTypeJoin        QueryType = "join"
	QueryTypeSearch      QueryType = "search"
)

// Valid reports whether t is a known query type.
func (t QueryType) Valid() bool {
	switch t {
	case QueryTypeSingleCell, QueryTypeCrossCell, QueryTypeAggregation, QueryTypeJoin, QueryTypeSearch:
		return true
	}
	return false
}

// RequiredCapability returns the capability a cell must declare to serve the query type.
func (t QueryType) RequiredCapability() (CellCapability, bool) {
	if t == QueryTypeSearch {
		return CapabilityFullTextSearch, true
	}
	return "", false
}

// CoordinationStrategy is how the coordinator distributes work across cells.
// The zero value lets the optimizer decide.
type CoordinationStrategy string

const (
	StrategyAuto               CoordinationStrategy = ""
	StrategySequential         CoordinationStrategy = "sequential"
	StrategyParallel           CoordinationStrategy = "parallel"
	StrategyAdaptiveParallel   CoordinationStrategy = "adaptive_parallel"
	StrategyPipelinedStreaming CoordinationStrategy = "pipelined_streaming"
)

func (s CoordinationStrategy) String() string {
	if s == StrategyAuto {
		return "auto"
	}
	return string(s)
}

// Valid reports whether s is a known strategy (including auto).
func (s CoordinationStrategy) Valid() bool {
	switch s {
	case StrategyAuto, StrategySequential, StrategyParallel, StrategyAdaptiveParallel, StrategyPipelinedStreaming:
		return true
	}
	return false
}

// ConsistencyLevel controls failure tolerance and cache use.
type ConsistencyLevel string

const (
	ConsistencyStrong   ConsistencyLevel = "strong"
	ConsistencyEventual ConsistencyLevel = "eventual"
	ConsistencyWeak     ConsistencyLevel = "weak"
)

// Valid reports whether c is a known consistency level.
func (c ConsistencyLevel) Valid() bool {
	switch c {
	case ConsistencyStrong, ConsistencyEventual, ConsistencyWeak:
		return true
	}
	return false
}

// ResultFormat is the requested encoding of batch results.
type ResultFormat string

const (
	ResultFormatJSON      ResultFormat = "json"
	ResultFormatBinary    ResultFormat = "binary"
	ResultFormatStreaming ResultFormat = "streaming"
)

// SortOrder for sort operations and cell-side ordering.
type SortOrder string

const (
	SortOrderAsc  SortOrder = "asc"
	SortOrderDesc SortOrder = "desc"
)

// StreamingOptions marks a plan as streaming and carries its batch sizing.
type StreamingOptions struct {
	BatchSize     int           `json:"batchSize,omitempty"`
	BufferSize    int           `json:"bufferSize,omitempty"`
	StreamTimeout time.Duration `json:"streamTimeout,omitempty"`
}

// QueryPlan is a client-supplied description of a cross-cell query.
type QueryPlan struct {
	ID              string               `json:"id"`
	QueryType       QueryType            `json:"queryType"`
	TargetCells     []string             `json:"targetCells"`
	Operations      OperationList        `json:"operations,omitempty"`
	Strategy        CoordinationStrategy `json:"strategy,omitempty"`
	StreamingConfig *StreamingOptions    `json:"streamingConfig,omitempty"`
	Consistency     ConsistencyLevel     `json:"consistency,omitempty"`
	Timeout         time.Duration        `json:"timeout,omitempty"`
	Parameters      map[string]any       `json:"parameters,omitempty"`
}

// IsStreaming reports whether the plan declares streaming delivery.
func (p *QueryPlan) IsStreaming() bool {
	return p.StreamingConfig != nil
}

// Clone returns a copy whose slices can be modified independently.
func (p *QueryPlan) Clone() *QueryPlan {
	if p == nil {
		return nil
	}
	out := *p
	out.TargetCells = append([]string(nil), p.TargetCells...)
	out.Operations = append(OperationList(nil), p.Operations...)
	if p.StreamingConfig != nil {
		sc := *p.StreamingConfig
		out.StreamingConfig = &sc
	}
	if p.Parameters != nil {
		out.Parameters = make(map[string]any, len(p.Parameters))
		for k, v := range p.Parameters {
			out.Parameters[k] = v
		}
	}
	return &out
}

// BatchQueryOptions tunes a batch query.
type BatchQueryOptions struct {
	MaxResults   *int             `json:"maxResults,omitempty"`
	Timeout      time.Duration    `json:"timeout,omitempty"`
	Consistency  ConsistencyLevel `json:"consistency"`
	ResultFormat ResultFormat     `json:"resultFormat,omitempty"`
	// Deduplicate drops records whose content equals an earlier one after merge.
	Deduplicate bool `json:"deduplicate,omitempty"`
}

// BatchQuery is a one-shot query expressed in the textual expression language.
type BatchQuery struct {
	Expression  string            `json:"expression"`
	TargetCells []string          `json:"targetCells"`
	Parameters  map[string]any    `json:"parameters,omitempty"`
	Options     BatchQueryOptions `json:"options"`
}

// CellExecutionStats describes one cell's contribution to a result.
type CellExecutionStats struct {
	ResponseTime    time.Duration `json:"responseTime"`
	RecordsReturned uint64        `json:"recordsReturned"`
	ResourceCost    uint64        `json:"resourceCost"`
	CacheHit        bool          `json:"cacheHit"`
	Failed          bool          `json:"failed,omitempty"`
	Skipped         bool          `json:"skipped,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// BatchQueryResult is the merged outcome of a batch query or plan.
type BatchQueryResult struct {
	QueryID        string                        `json:"queryId"`
	Fingerprint    string                        `json:"fingerprint,omitempty"`
	Strategy       CoordinationStrategy          `json:"strategy"`
	ExecutionTime  time.Duration                 `json:"executionTime"`
	Records        []Record                      `json:"records"`
	TotalCount     uint64                        `json:"totalCount"`
	CellStatistics map[string]CellExecutionStats `json:"cellStatistics"`
	Partial        bool                          `json:"partial,omitempty"`
}

// Clone copies the result so cached values are never shared with callers.
func (r *BatchQueryResult) Clone() *BatchQueryResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Records = make([]Record, len(r.Records))
	for i, rec := range r.Records {
		out.Records[i] = rec.Clone()
	}
	out.CellStatistics = make(map[string]CellExecutionStats, len(r.CellStatistics))
	for k, v := range r.CellStatistics {
		out.CellStatistics[k] = v
	}
	return &out
}

// StreamHandle identifies an open stream.
type StreamHandle struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// StreamBatch is one page of a stream.
type StreamBatch struct {
	Handle             StreamHandle `json:"handle"`
	BatchNumber        uint64       `json:"batchNumber"`
	Records            []Record     `json:"records"`
	HasMore            bool         `json:"hasMore"`
	EstimatedRemaining *uint64      `json:"estimatedRemaining,omitempty"`
}

// AggregatorMetrics is a point-in-time snapshot of aggregator health.
type AggregatorMetrics struct {
	ActiveStreams       uint64        `json:"activeStreams"`
	RegisteredCells     uint64        `json:"registeredCells"`
	CacheHits           uint64        `json:"cacheHits"`
	CacheHitRate        float64       `json:"cacheHitRate"`
	AverageQueryLatency time.Duration `json:"averageQueryLatency"`
	CostEfficiencyScore float64       `json:"costEfficiencyScore"`
	LastUpdated         time.Time     `json:"lastUpdated"`
}

// CellQueryCount is a cell and how many queries touched it.
type CellQueryCount struct {
	CellID  string `json:"cellId"`
	Queries uint64 `json:"queries"`
}

// QueryStats aggregates query outcomes over a time window.
type QueryStats struct {
	TotalQueries         uint64           `json:"totalQueries"`
	SuccessfulQueries    uint64           `json:"successfulQueries"`
	FailedQueries        uint64           `json:"failedQueries"`
	AverageExecutionTime time.Duration    `json:"averageExecutionTime"`
	CacheHitRate         float64          `json:"cacheHitRate"`
	DistinctQueries      uint64           `json:"distinctQueries"`
	MostQueriedCells     []CellQueryCount `json:"mostQueriedCells"`
}
