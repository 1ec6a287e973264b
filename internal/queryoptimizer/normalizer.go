package queryoptimizer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cespare/xxhash/v2"
	"github.com/lychee-technology/celldb"
)

// Step is a post-merge operation. Filter steps carry their parsed predicate.
type Step struct {
	Op     celldb.QueryOperation
	Filter *celldb.QueryFilter
}

// Input is the normalized form of a batch query or plan shared by the optimizer,
// the coordinator and the stream manager.
type Input struct {
	QueryID     string
	QueryType   celldb.QueryType
	Targets     []string
	Strategy    celldb.CoordinationStrategy
	Consistency celldb.ConsistencyLevel
	Streaming   *celldb.StreamingOptions

	// Filter is pushed down to every cell.
	Filter celldb.QueryFilter
	// PerCellLimit caps how many records are fetched from each cell when the
	// operations allow it.
	PerCellLimit *uint64
	// PostOps run in order over the merged record set.
	PostOps []Step

	MaxResults  *int
	Deduplicate bool
	// Timeout is zero when the caller did not set one.
	Timeout time.Duration

	Canonical   string
	Fingerprint string
	Complexity  uint64
}

// OperationWeight is the relative cost of an operation kind.
func OperationWeight(op celldb.QueryOperation) uint64 {
	switch op.Kind() {
	case celldb.OperationFilter, celldb.OperationLimit:
		return 1
	case celldb.OperationSort:
		return 3
	case celldb.OperationAggregate:
		return 4
	case celldb.OperationJoin:
		return 5
	}
	return 1
}

// NormalizeBatchQuery converts a BatchQuery into the Input IR.
func NormalizeBatchQuery(q *celldb.BatchQuery) (*Input, error) {
	if q == nil {
		return nil, celldb.NewInvalidQueryError(celldb.ErrCodeInvalidPlan, "batch query cannot be nil")
	}
	if err := validateTargets(q.TargetCells); err != nil {
		return nil, err
	}

	consistency := q.Options.Consistency
	if consistency == "" {
		consistency = celldb.ConsistencyStrong
	}
	if !consistency.Valid() {
		return nil, celldb.NewInvalidQueryError(celldb.ErrCodeInvalidPlan, fmt.Sprintf("unknown consistency level %q", consistency))
	}
	switch q.Options.ResultFormat {
	case "", celldb.ResultFormatJSON, celldb.ResultFormatBinary:
	case celldb.ResultFormatStreaming:
		return nil, celldb.NewInvalidQueryError(celldb.ErrCodeUnsupportedFormat,
			"streaming results must be requested through a streaming query")
	default:
		return nil, celldb.NewInvalidQueryError(celldb.ErrCodeUnsupportedFormat,
			fmt.Sprintf("unknown result format %q", q.Options.ResultFormat))
	}
	if q.Options.Timeout < 0 {
		return nil, celldb.NewInvalidQueryError(celldb.ErrCodeInvalidPlan, "timeout must not be negative")
	}
	if q.Options.MaxResults != nil && *q.Options.MaxResults < 0 {
		return nil, celldb.NewInvalidQueryError(celldb.ErrCodeInvalidPlan, "maxResults must not be negative")
	}

	expr, err := ParseExpression(q.Expression, q.Parameters)
	if err != nil {
		return nil, err
	}

	in := &Input{
		QueryType:   celldb.QueryTypeCrossCell,
		Targets:     append([]string(nil), q.TargetCells...),
		Consistency: consistency,
		Filter:      celldb.QueryFilter{Conditions: expr.Conditions},
		MaxResults:  q.Options.MaxResults,
		Deduplicate: q.Options.Deduplicate,
		Timeout:     q.Options.Timeout,
	}
	if len(in.Targets) == 1 {
		in.QueryType = celldb.QueryTypeSingleCell
	}

	ops := make(celldb.OperationList, 0, 2)
	if expr.SortBy != "" {
		ops = append(ops, celldb.SortOperation{Field: expr.SortBy, Order: expr.SortOrder})
	}
	if expr.Limit != nil {
		ops = append(ops, celldb.LimitOperation{Count: *expr.Limit})
	}
	in.PostOps = stepsOf(ops)
	in.pushDown()
	in.Complexity = complexityOf(len(expr.Conditions), ops)

	params, err := canonicalParams(q.Parameters)
	if err != nil {
		return nil, err
	}
	maxResults := "-"
	if q.Options.MaxResults != nil {
		maxResults = strconv.Itoa(*q.Options.MaxResults)
	}
	in.Canonical = strings.Join([]string{
		"batch",
		CanonicalExpression(q.Expression),
		"params=" + params,
		"targets=" + strings.Join(in.Targets, ","),
		"consistency=" + string(consistency),
		"max=" + maxResults,
		"dedup=" + strconv.FormatBool(q.Options.Deduplicate),
	}, "|")
	in.Fingerprint = Fingerprint(in.Canonical)
	return in, nil
}

// NormalizePlan converts a QueryPlan into the Input IR. The plan itself is not modified.
func NormalizePlan(plan *celldb.QueryPlan) (*Input, error) {
	if plan == nil {
		return nil, celldb.NewInvalidQueryError(celldb.ErrCodeInvalidPlan, "query plan cannot be nil")
	}
	if err := validateTargets(plan.TargetCells); err != nil {
		return nil, err
	}
	queryType := plan.QueryType
	if queryType == "" {
		queryType = celldb.QueryTypeCrossCell
	}
	if !queryType.Valid() {
		return nil, celldb.NewInvalidQueryError(celldb.ErrCodeInvalidPlan, fmt.Sprintf("unknown query type %q", plan.QueryType))
	}
	if !plan.Strategy.Valid() {
		return nil, celldb.NewInvalidQueryError(celldb.ErrCodeInvalidPlan, fmt.Sprintf("unknown strategy %q", plan.Strategy))
	}
	consistency := plan.Consistency
	if consistency == "" {
		consistency = celldb.ConsistencyStrong
	}
	if !consistency.Valid() {
		return nil, celldb.NewInvalidQueryError(celldb.ErrCodeInvalidPlan, fmt.Sprintf("unknown consistency level %q", consistency))
	}
	if err := plan.Operations.Validate(); err != nil {
		return nil, err
	}
	if queryType == celldb.QueryTypeJoin && !plan.Operations.Has(celldb.OperationJoin) {
		return nil, celldb.NewInvalidQueryError(celldb.ErrCodeInvalidPlan, "join query requires a join operation")
	}
	if queryType == celldb.QueryTypeAggregation && !plan.Operations.Has(celldb.OperationAggregate) {
		return nil, celldb.NewInvalidQueryError(celldb.ErrCodeInvalidPlan, "aggregation query requires an aggregate operation")
	}
	joins := 0
	for _, op := range plan.Operations {
		if op.Kind() == celldb.OperationJoin {
			joins++
		}
	}
	if joins > 1 {
		return nil, celldb.NewInvalidQueryError(celldb.ErrCodeInvalidPlan, "a plan may contain at most one join operation")
	}
	if plan.Timeout < 0 {
		return nil, celldb.NewInvalidQueryError(celldb.ErrCodeInvalidPlan, "timeout must not be negative")
	}

	ops := ReorderOperations(plan.Operations)

	in := &Input{
		QueryID:     plan.ID,
		QueryType:   queryType,
		Targets:     append([]string(nil), plan.TargetCells...),
		Strategy:    plan.Strategy,
		Consistency: consistency,
		Timeout:     plan.Timeout,
	}
	if plan.StreamingConfig != nil {
		sc := *plan.StreamingConfig
		in.Streaming = &sc
	}

	// 前缀中的 filter 下推到 cell，其余的在合并后执行
	pushable := true
	canonicalOps := make(celldb.OperationList, 0, len(ops))
	conditions := 0
	for _, op := range ops {
		switch o := op.(type) {
		case celldb.FilterOperation:
			expr, err := ParseExpression(o.Expression, plan.Parameters)
			if err != nil {
				return nil, err
			}
			if expr.SortBy != "" || expr.Limit != nil {
				return nil, celldb.NewInvalidQueryError(celldb.ErrCodeInvalidExpression,
					"filter expressions cannot contain ORDER BY or LIMIT; use sort and limit operations")
			}
			conditions += len(expr.Conditions)
			if pushable {
				in.Filter.Conditions = append(in.Filter.Conditions, expr.Conditions...)
			} else {
				in.PostOps = append(in.PostOps, Step{Op: o, Filter: &celldb.QueryFilter{Conditions: expr.Conditions}})
			}
			canonicalOps = append(canonicalOps, celldb.FilterOperation{Expression: CanonicalExpression(o.Expression)})
		case celldb.SortOperation:
			in.PostOps = append(in.PostOps, Step{Op: o})
			canonicalOps = append(canonicalOps, o)
		default:
			pushable = false
			in.PostOps = append(in.PostOps, Step{Op: op})
			canonicalOps = append(canonicalOps, op)
		}
	}
	in.pushDown()
	in.Complexity = complexityOf(conditions, ops)

	opsJSON, err := sonic.ConfigStd.Marshal(canonicalOps)
	if err != nil {
		return nil, celldb.NewInvalidQueryError(celldb.ErrCodeInvalidOperation, "cannot encode operations").WithCause(err)
	}
	params, err := canonicalParams(plan.Parameters)
	if err != nil {
		return nil, err
	}
	streaming := "-"
	if in.Streaming != nil {
		streaming = "stream"
	}
	in.Canonical = strings.Join([]string{
		"plan",
		string(queryType),
		"targets=" + strings.Join(in.Targets, ","),
		"ops=" + string(opsJSON),
		"strategy=" + plan.Strategy.String(),
		"consistency=" + string(consistency),
		"params=" + params,
		"mode=" + streaming,
	}, "|")
	in.Fingerprint = Fingerprint(in.Canonical)
	return in, nil
}

// ReorderOperations moves filters ahead of sorts inside runs of filter and sort
// operations. Filters never cross a limit, aggregate or join.
func ReorderOperations(ops celldb.OperationList) celldb.OperationList {
	out := make(celldb.OperationList, 0, len(ops))
	var filters, sorts celldb.OperationList
	flush := func() {
		out = append(out, filters...)
		out = append(out, sorts...)
		filters, sorts = filters[:0], sorts[:0]
	}
	for _, op := range ops {
		switch op.Kind() {
		case celldb.OperationFilter:
			filters = append(filters, op)
		case celldb.OperationSort:
			sorts = append(sorts, op)
		default:
			flush()
			out = append(out, op)
		}
	}
	flush()
	return out
}

// pushDown sends a leading sort to the cells and, when a limit directly follows
// the pushed prefix, caps per-cell fetching at that limit.
func (in *Input) pushDown() {
	i := 0
	if i < len(in.PostOps) {
		if s, ok := in.PostOps[i].Op.(celldb.SortOperation); ok {
			in.Filter.SortBy = s.Field
			in.Filter.SortOrder = s.Order
			i++
		}
	}
	if in.Deduplicate {
		return
	}
	if i < len(in.PostOps) {
		if l, ok := in.PostOps[i].Op.(celldb.LimitOperation); ok {
			n := l.Count
			in.PerCellLimit = &n
		}
	}
	if in.MaxResults != nil && i == len(in.PostOps) {
		n := uint64(*in.MaxResults)
		in.PerCellLimit = &n
	}
}

// HasOperation reports whether any post-merge step has the given kind.
func (in *Input) HasOperation(kind celldb.OperationKind) bool {
	for _, s := range in.PostOps {
		if s.Op.Kind() == kind {
			return true
		}
	}
	return false
}

// Fingerprint hashes a canonical query string into a cache key.
func Fingerprint(canonical string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(canonical))
}

func stepsOf(ops celldb.OperationList) []Step {
	steps := make([]Step, 0, len(ops))
	for _, op := range ops {
		steps = append(steps, Step{Op: op})
	}
	return steps
}

func complexityOf(conditions int, ops celldb.OperationList) uint64 {
	total := uint64(conditions)
	for _, op := range ops {
		total += OperationWeight(op)
	}
	return total
}

func validateTargets(targets []string) error {
	if len(targets) == 0 {
		return celldb.NewInvalidQueryError(celldb.ErrCodeEmptyTargets, "target cell list cannot be empty")
	}
	seen := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		if strings.TrimSpace(t) == "" {
			return celldb.NewInvalidQueryError(celldb.ErrCodeEmptyTargets, "target cell id cannot be empty")
		}
		if _, dup := seen[t]; dup {
			return celldb.NewInvalidQueryError(celldb.ErrCodeInvalidPlan, fmt.Sprintf("target cell %s listed twice", t))
		}
		seen[t] = struct{}{}
	}
	return nil
}

// canonicalParams encodes parameters as JSON with sorted keys.
func canonicalParams(params map[string]any) (string, error) {
	if len(params) == 0 {
		return "{}", nil
	}
	data, err := sonic.ConfigStd.Marshal(params)
	if err != nil {
		return "", celldb.NewInvalidQueryError(celldb.ErrCodeInvalidPlan, "parameters are not serializable").WithCause(err)
	}
	return string(data), nil
}
