package celldb

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FilterOperator is a comparison a cell evaluates against one field.
type FilterOperator string

const (
	OpEquals         FilterOperator = "equals"
	OpNotEquals      FilterOperator = "not_equals"
	OpGreaterThan    FilterOperator = "gt"
	OpGreaterOrEqual FilterOperator = "gte"
	OpLessThan       FilterOperator = "lt"
	OpLessOrEqual    FilterOperator = "lte"
	OpContains       FilterOperator = "contains"
	OpStartsWith     FilterOperator = "starts_with"
)

// Valid reports whether op is a known operator.
func (op FilterOperator) Valid() bool {
	switch op {
	case OpEquals, OpNotEquals, OpGreaterThan, OpGreaterOrEqual, OpLessThan, OpLessOrEqual, OpContains, OpStartsWith:
		return true
	}
	return false
}

// FilterCondition is one leaf predicate. Conditions in a QueryFilter are ANDed.
type FilterCondition struct {
	Field    string         `json:"field"`
	Operator FilterOperator `json:"operator"`
	Value    any            `json:"value"`
}

// QueryFilter is what a cell receives: conjunctive conditions plus optional ordering.
type QueryFilter struct {
	Conditions []FilterCondition `json:"conditions,omitempty"`
	SortBy     string            `json:"sortBy,omitempty"`
	SortOrder  SortOrder         `json:"sortOrder,omitempty"`
}

// Pagination is an offset window into a cell's result.
type Pagination struct {
	Offset uint64 `json:"offset"`
	Limit  uint64 `json:"limit"`
}

// Match reports whether the record satisfies every condition.
func (f QueryFilter) Match(r Record) bool {
	for _, c := range f.Conditions {
		if !c.Match(r) {
			return false
		}
	}
	return true
}

// Match evaluates a single condition. Missing fields never match.
func (c FilterCondition) Match(r Record) bool {
	actual, ok := r[c.Field]
	if !ok {
		return false
	}

	switch c.Operator {
	case OpEquals:
		return CompareValues(actual, c.Value) == 0
	case OpNotEquals:
		return CompareValues(actual, c.Value) != 0
	case OpGreaterThan:
		cmp, ok := orderedCompare(actual, c.Value)
		return ok && cmp > 0
	case OpGreaterOrEqual:
		cmp, ok := orderedCompare(actual, c.Value)
		return ok && cmp >= 0
	case OpLessThan:
		cmp, ok := orderedCompare(actual, c.Value)
		return ok && cmp < 0
	case OpLessOrEqual:
		cmp, ok := orderedCompare(actual, c.Value)
		return ok && cmp <= 0
	case OpContains:
		return strings.Contains(stringOf(actual), stringOf(c.Value))
	case OpStartsWith:
		return strings.HasPrefix(stringOf(actual), stringOf(c.Value))
	}
	return false
}

// CompareValues orders two loosely-typed values: numbers numerically, times chronologically,
// everything else by string form. Nil sorts first.
func CompareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	if cmp, ok := orderedCompare(a, b); ok {
		return cmp
	}
	return strings.Compare(stringOf(a), stringOf(b))
}

func orderedCompare(a, b any) (int, bool) {
	if fa, ok := ToFloat(a); ok {
		if fb, ok := ToFloat(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := toTime(b); ok {
			return ta.Compare(tb), true
		}
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return strings.Compare(sa, sb), true
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ba == bb:
				return 0, true
			case !ba:
				return -1, true
			default:
				return 1, true
			}
		}
	}
	return 0, false
}

// ToFloat converts numeric values (and numeric strings) to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		switch p := TryParseNumber(n).(type) {
		case int64:
			return float64(p), true
		case float64:
			return p, true
		}
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		return parsed, err == nil
	}
	return time.Time{}, false
}

func stringOf(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

// TryParseNumber returns an int64 or float64 when s is numeric, otherwise s unchanged.
func TryParseNumber(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
