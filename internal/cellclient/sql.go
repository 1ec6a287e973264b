package cellclient

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/lychee-technology/celldb"
	"github.com/lib/pq"
)

// dialect renders filter conditions against a relation of (id, data) rows
// where data holds the record as JSON.
type dialect interface {
	// condition renders one predicate; bind registers a value and returns its placeholder.
	condition(c celldb.FilterCondition, bind func(any) string) (string, error)
	orderBy(field string, order celldb.SortOrder) string
	// dataText renders the data column as JSON text.
	dataText() string
}

// selectQuery is a rendered page query plus its arguments.
type selectQuery struct {
	SQL  string
	Args []any
}

// buildSelect renders a paged query over from. Rows are (id, doc, total).
func buildSelect(d dialect, from string, filter celldb.QueryFilter, page celldb.Pagination) (selectQuery, error) {
	var args []any
	bind := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT id, %s AS doc, count(*) OVER () AS total FROM %s", d.dataText(), from)

	if len(filter.Conditions) > 0 {
		preds := make([]string, 0, len(filter.Conditions))
		for _, c := range filter.Conditions {
			if c.Field == "" {
				return selectQuery{}, fmt.Errorf("condition field cannot be empty")
			}
			if !c.Operator.Valid() {
				return selectQuery{}, fmt.Errorf("unsupported operator %q", c.Operator)
			}
			p, err := d.condition(c, bind)
			if err != nil {
				return selectQuery{}, err
			}
			preds = append(preds, p)
		}
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(preds, " AND "))
	}

	sb.WriteString(" ORDER BY ")
	if filter.SortBy != "" {
		sb.WriteString(d.orderBy(filter.SortBy, filter.SortOrder))
		sb.WriteString(", ")
	}
	sb.WriteString("id")

	if page.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %s", bind(int64(page.Limit)))
	}
	if page.Offset > 0 {
		fmt.Fprintf(&sb, " OFFSET %s", bind(int64(page.Offset)))
	}
	return selectQuery{SQL: sb.String(), Args: args}, nil
}

func sortDirection(order celldb.SortOrder) string {
	// missing values sort lowest, matching celldb.CompareValues
	if order == celldb.SortOrderDesc {
		return "DESC NULLS LAST"
	}
	return "ASC NULLS FIRST"
}

func comparator(op celldb.FilterOperator) string {
	switch op {
	case celldb.OpEquals:
		return "="
	case celldb.OpNotEquals:
		return "<>"
	case celldb.OpGreaterThan:
		return ">"
	case celldb.OpGreaterOrEqual:
		return ">="
	case celldb.OpLessThan:
		return "<"
	case celldb.OpLessOrEqual:
		return "<="
	}
	return ""
}

// postgresDialect stores data as JSONB and compares JSONB values directly.
type postgresDialect struct{}

func (postgresDialect) condition(c celldb.FilterCondition, bind func(any) string) (string, error) {
	field := pq.QuoteLiteral(c.Field)
	switch c.Operator {
	case celldb.OpContains:
		return fmt.Sprintf("strpos(data->>%s, %s) > 0", field, bind(textOf(c.Value))), nil
	case celldb.OpStartsWith:
		return fmt.Sprintf("starts_with(data->>%s, %s)", field, bind(textOf(c.Value))), nil
	}
	encoded, err := sonic.MarshalString(c.Value)
	if err != nil {
		return "", fmt.Errorf("encode value for %s: %w", c.Field, err)
	}
	return fmt.Sprintf("data->%s %s %s::jsonb", field, comparator(c.Operator), bind(encoded)), nil
}

func (postgresDialect) orderBy(field string, order celldb.SortOrder) string {
	return fmt.Sprintf("data->%s %s", pq.QuoteLiteral(field), sortDirection(order))
}

func (postgresDialect) dataText() string { return "data::text" }

// duckDialect reads JSON text and casts numbers for ordered comparisons.
type duckDialect struct{}

// jsonPath renders a DuckDB JSON path literal for a top-level key.
func jsonPath(field string) string {
	path := `$."` + strings.ReplaceAll(field, `"`, `\"`) + `"`
	return "'" + strings.ReplaceAll(path, "'", "''") + "'"
}

func (duckDialect) condition(c celldb.FilterCondition, bind func(any) string) (string, error) {
	text := fmt.Sprintf("json_extract_string(data, %s)", jsonPath(c.Field))
	switch c.Operator {
	case celldb.OpContains:
		return fmt.Sprintf("contains(%s, %s)", text, bind(textOf(c.Value))), nil
	case celldb.OpStartsWith:
		return fmt.Sprintf("starts_with(%s, %s)", text, bind(textOf(c.Value))), nil
	}
	if f, ok := celldb.ToFloat(c.Value); ok {
		if _, isString := c.Value.(string); !isString {
			return fmt.Sprintf("TRY_CAST(%s AS DOUBLE) %s %s", text, comparator(c.Operator), bind(f)), nil
		}
	}
	return fmt.Sprintf("%s %s %s", text, comparator(c.Operator), bind(textOf(c.Value))), nil
}

func (duckDialect) orderBy(field string, order celldb.SortOrder) string {
	text := fmt.Sprintf("json_extract_string(data, %s)", jsonPath(field))
	dir := sortDirection(order)
	return fmt.Sprintf("TRY_CAST(%s AS DOUBLE) %s, %s %s", text, dir, text, dir)
}

func (duckDialect) dataText() string { return "CAST(data AS VARCHAR)" }

func textOf(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// decodeRow turns an (id, data) row into a record carrying its id.
func decodeRow(id *string, data string) (celldb.Record, error) {
	var rec celldb.Record
	if err := sonic.UnmarshalString(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if rec == nil {
		rec = celldb.Record{}
	}
	if id != nil {
		rec[celldb.RecordIDField] = *id
	}
	return rec, nil
}
