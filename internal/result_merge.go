package internal

import (
	"fmt"
	"sort"

	"github.com/bytedance/sonic"
	"github.com/lychee-technology/celldb"
	"github.com/lychee-technology/celldb/internal/queryoptimizer"
)

// Partition is a run of records returned by one cell. A cell may contribute
// several partitions when it is paged.
type Partition struct {
	CellID  string
	Records []celldb.Record
}

// MergeResults combines partitions in arrival order and applies the post-merge
// steps of in.
//
// Behavior:
//   - Without a join the merged set is the concatenation of partitions.
//   - With a join it is the inner equi-join of the per-cell record sets on the
//     join field, taken in first-arrival order of the cells. On field conflicts
//     the record from the earlier cell wins.
//   - Deduplication runs after the merge and keeps the first occurrence.
//   - Steps run in order; the join step itself is skipped.
//   - MaxResults truncates the final set.
func MergeResults(parts []Partition, in *queryoptimizer.Input) ([]celldb.Record, error) {
	var records []celldb.Record
	if join, ok := joinStep(in); ok {
		records = equiJoin(groupByCell(parts), join.Field)
	} else {
		for _, p := range parts {
			records = append(records, p.Records...)
		}
	}

	if in.Deduplicate {
		var err error
		records, err = dedupRecords(records)
		if err != nil {
			return nil, err
		}
	}

	records, err := ApplySteps(records, in.PostOps)
	if err != nil {
		return nil, err
	}

	if in.MaxResults != nil && len(records) > *in.MaxResults {
		records = records[:*in.MaxResults]
	}
	if records == nil {
		records = []celldb.Record{}
	}
	return records, nil
}

// ApplySteps runs post-merge steps over records. Join steps are ignored.
func ApplySteps(records []celldb.Record, steps []queryoptimizer.Step) ([]celldb.Record, error) {
	for _, step := range steps {
		switch op := step.Op.(type) {
		case celldb.FilterOperation:
			if step.Filter == nil {
				return nil, celldb.NewAggregationError(celldb.ErrCodeResultAggregation, "filter step has no parsed predicate", nil)
			}
			kept := records[:0:0]
			for _, r := range records {
				if step.Filter.Match(r) {
					kept = append(kept, r)
				}
			}
			records = kept
		case celldb.SortOperation:
			SortRecords(records, op.Field, op.Order)
		case celldb.LimitOperation:
			if uint64(len(records)) > op.Count {
				records = records[:op.Count]
			}
		case celldb.AggregateOperation:
			var err error
			records, err = aggregate(records, op)
			if err != nil {
				return nil, err
			}
		case celldb.JoinOperation:
		default:
			return nil, celldb.NewAggregationError(celldb.ErrCodeResultAggregation,
				fmt.Sprintf("unsupported operation %s", step.Op.Kind()), nil)
		}
	}
	return records, nil
}

// SortRecords stable-sorts records by field. Records missing the field sort first
// in ascending order.
func SortRecords(records []celldb.Record, field string, order celldb.SortOrder) {
	sort.SliceStable(records, func(i, j int) bool {
		c := celldb.CompareValues(records[i][field], records[j][field])
		if order == celldb.SortOrderDesc {
			return c > 0
		}
		return c < 0
	})
}

func joinStep(in *queryoptimizer.Input) (celldb.JoinOperation, bool) {
	for _, s := range in.PostOps {
		if j, ok := s.Op.(celldb.JoinOperation); ok {
			return j, true
		}
	}
	return celldb.JoinOperation{}, false
}

func groupByCell(parts []Partition) [][]celldb.Record {
	index := make(map[string]int)
	var grouped [][]celldb.Record
	for _, p := range parts {
		i, ok := index[p.CellID]
		if !ok {
			i = len(grouped)
			index[p.CellID] = i
			grouped = append(grouped, nil)
		}
		grouped[i] = append(grouped[i], p.Records...)
	}
	return grouped
}

// equiJoin inner-joins the sets left to right on field.
func equiJoin(sets [][]celldb.Record, field string) []celldb.Record {
	if len(sets) == 0 {
		return nil
	}
	acc := make([]celldb.Record, 0, len(sets[0]))
	for _, r := range sets[0] {
		if v, ok := r[field]; ok && v != nil {
			acc = append(acc, r)
		}
	}
	for _, right := range sets[1:] {
		byKey := make(map[string][]celldb.Record)
		for _, r := range right {
			v, ok := r[field]
			if !ok || v == nil {
				continue
			}
			k := joinKey(v)
			byKey[k] = append(byKey[k], r)
		}
		next := make([]celldb.Record, 0, len(acc))
		for _, l := range acc {
			for _, r := range byKey[joinKey(l[field])] {
				joined := r.Clone()
				for k, v := range l {
					joined[k] = v
				}
				next = append(next, joined)
			}
		}
		acc = next
	}
	return acc
}

// joinKey lets 7, int64(7) and 7.0 join with each other.
func joinKey(v any) string {
	if f, ok := celldb.ToFloat(v); ok {
		if _, isString := v.(string); !isString {
			return fmt.Sprintf("n:%v", f)
		}
	}
	return fmt.Sprintf("%T:%v", v, v)
}

func dedupRecords(records []celldb.Record) ([]celldb.Record, error) {
	seen := make(map[string]struct{}, len(records))
	out := make([]celldb.Record, 0, len(records))
	for _, r := range records {
		key, err := sonic.ConfigStd.Marshal(r)
		if err != nil {
			return nil, celldb.NewAggregationError(celldb.ErrCodeResultAggregation, "record is not serializable", err)
		}
		if _, dup := seen[string(key)]; dup {
			continue
		}
		seen[string(key)] = struct{}{}
		out = append(out, r)
	}
	return out, nil
}

// AggregateAlias is the output field of an aggregate: the function name, or
// function_field when a field is aggregated.
func AggregateAlias(op celldb.AggregateOperation) string {
	if op.Field == "" {
		return string(op.Function)
	}
	return string(op.Function) + "_" + op.Field
}

type aggregateGroup struct {
	keys  celldb.Record
	count uint64
	sum   float64
	n     uint64
	best  any
}

// aggregate reduces records per group. Groups keep first-appearance order; an
// ungrouped aggregate always yields one record.
func aggregate(records []celldb.Record, op celldb.AggregateOperation) ([]celldb.Record, error) {
	alias := AggregateAlias(op)
	order := make([]string, 0)
	groups := make(map[string]*aggregateGroup)

	for _, r := range records {
		keys := make(celldb.Record, len(op.GroupBy))
		for _, g := range op.GroupBy {
			keys[g] = r[g]
		}
		gk, err := sonic.ConfigStd.Marshal(keys)
		if err != nil {
			return nil, celldb.NewAggregationError(celldb.ErrCodeResultAggregation, "group key is not serializable", err)
		}
		grp, ok := groups[string(gk)]
		if !ok {
			grp = &aggregateGroup{keys: keys}
			groups[string(gk)] = grp
			order = append(order, string(gk))
		}
		if err := grp.add(r, op); err != nil {
			return nil, err
		}
	}

	if len(groups) == 0 && len(op.GroupBy) == 0 {
		groups[""] = &aggregateGroup{keys: celldb.Record{}}
		order = append(order, "")
	}

	out := make([]celldb.Record, 0, len(order))
	for _, k := range order {
		grp := groups[k]
		rec := grp.keys.Clone()
		rec[alias] = grp.result(op.Function)
		out = append(out, rec)
	}
	return out, nil
}

func (g *aggregateGroup) add(r celldb.Record, op celldb.AggregateOperation) error {
	if op.Function == celldb.AggregateCount {
		if op.Field == "" {
			g.count++
		} else if v, ok := r[op.Field]; ok && v != nil {
			g.count++
		}
		return nil
	}

	v, ok := r[op.Field]
	if !ok || v == nil {
		return nil
	}
	switch op.Function {
	case celldb.AggregateSum, celldb.AggregateAvg:
		f, ok := celldb.ToFloat(v)
		if !ok {
			return celldb.NewAggregationError(celldb.ErrCodeResultAggregation,
				fmt.Sprintf("field %s has non-numeric value %v", op.Field, v), nil)
		}
		g.sum += f
		g.n++
	case celldb.AggregateMin:
		if g.best == nil || celldb.CompareValues(v, g.best) < 0 {
			g.best = v
		}
	case celldb.AggregateMax:
		if g.best == nil || celldb.CompareValues(v, g.best) > 0 {
			g.best = v
		}
	}
	return nil
}

func (g *aggregateGroup) result(fn celldb.AggregateFunction) any {
	switch fn {
	case celldb.AggregateCount:
		return g.count
	case celldb.AggregateSum:
		return g.sum
	case celldb.AggregateAvg:
		if g.n == 0 {
			return nil
		}
		return g.sum / float64(g.n)
	default:
		return g.best
	}
}
