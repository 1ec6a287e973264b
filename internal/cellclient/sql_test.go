package cellclient

import (
	"reflect"
	"testing"

	"github.com/lychee-technology/celldb"
)

func TestBuildSelect_Postgres(t *testing.T) {
	filter := celldb.QueryFilter{
		Conditions: []celldb.FilterCondition{
			{Field: "rank", Operator: celldb.OpGreaterOrEqual, Value: 1},
			{Field: "name", Operator: celldb.OpContains, Value: "a"},
		},
		SortBy:    "rank",
		SortOrder: celldb.SortOrderDesc,
	}
	got, err := buildSelect(postgresDialect{}, `"records"`, filter, celldb.Pagination{Offset: 20, Limit: 10})
	if err != nil {
		t.Fatalf("buildSelect error: %v", err)
	}
	want := `SELECT id, data::text AS doc, count(*) OVER () AS total FROM "records"` +
		` WHERE data->'rank' >= $1::jsonb AND strpos(data->>'name', $2) > 0` +
		` ORDER BY data->'rank' DESC NULLS LAST, id LIMIT $3 OFFSET $4`
	if got.SQL != want {
		t.Fatalf("unexpected sql:\n got: %s\nwant: %s", got.SQL, want)
	}
	wantArgs := []any{"1", "a", int64(10), int64(20)}
	if !reflect.DeepEqual(got.Args, wantArgs) {
		t.Fatalf("unexpected args: %#v", got.Args)
	}
}

func TestBuildSelect_PostgresEncodesStringsAsJSON(t *testing.T) {
	filter := celldb.QueryFilter{Conditions: []celldb.FilterCondition{
		{Field: "status", Operator: celldb.OpNotEquals, Value: "archived"},
	}}
	got, err := buildSelect(postgresDialect{}, `"t"`, filter, celldb.Pagination{})
	if err != nil {
		t.Fatalf("buildSelect error: %v", err)
	}
	want := `SELECT id, data::text AS doc, count(*) OVER () AS total FROM "t" WHERE data->'status' <> $1::jsonb ORDER BY id`
	if got.SQL != want {
		t.Fatalf("unexpected sql: %s", got.SQL)
	}
	if len(got.Args) != 1 || got.Args[0] != `"archived"` {
		t.Fatalf("unexpected args: %#v", got.Args)
	}
}

func TestBuildSelect_DuckDB(t *testing.T) {
	filter := celldb.QueryFilter{
		Conditions: []celldb.FilterCondition{
			{Field: "score", Operator: celldb.OpLessThan, Value: 2.5},
			{Field: "it's", Operator: celldb.OpEquals, Value: "o'neil"},
			{Field: "code", Operator: celldb.OpStartsWith, Value: 12},
		},
		SortBy: "score",
	}
	got, err := buildSelect(duckDialect{}, `"records"`, filter, celldb.Pagination{Limit: 5})
	if err != nil {
		t.Fatalf("buildSelect error: %v", err)
	}
	want := `SELECT id, CAST(data AS VARCHAR) AS doc, count(*) OVER () AS total FROM "records"` +
		` WHERE TRY_CAST(json_extract_string(data, '$."score"') AS DOUBLE) < $1` +
		` AND json_extract_string(data, '$."it''s"') = $2` +
		` AND starts_with(json_extract_string(data, '$."code"'), $3)` +
		` ORDER BY TRY_CAST(json_extract_string(data, '$."score"') AS DOUBLE) ASC NULLS FIRST,` +
		` json_extract_string(data, '$."score"') ASC NULLS FIRST, id LIMIT $4`
	if got.SQL != want {
		t.Fatalf("unexpected sql:\n got: %s\nwant: %s", got.SQL, want)
	}
	wantArgs := []any{2.5, "o'neil", "12", int64(5)}
	if !reflect.DeepEqual(got.Args, wantArgs) {
		t.Fatalf("unexpected args: %#v", got.Args)
	}
}

func TestBuildSelect_RejectsBadConditions(t *testing.T) {
	cases := []celldb.FilterCondition{
		{Field: "", Operator: celldb.OpEquals, Value: 1},
		{Field: "a", Operator: "like", Value: 1},
	}
	for _, c := range cases {
		if _, err := buildSelect(postgresDialect{}, "t", celldb.QueryFilter{Conditions: []celldb.FilterCondition{c}}, celldb.Pagination{}); err == nil {
			t.Fatalf("expected error for %+v", c)
		}
	}
}

func TestDecodeRow(t *testing.T) {
	id := "r1"
	rec, err := decodeRow(&id, `{"name":"ada","n":3}`)
	if err != nil {
		t.Fatalf("decodeRow error: %v", err)
	}
	if rec[celldb.RecordIDField] != "r1" || rec["name"] != "ada" || rec["n"] != float64(3) {
		t.Fatalf("unexpected record: %#v", rec)
	}
	if _, err := decodeRow(nil, `{"broken"`); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestPageResult(t *testing.T) {
	res := pageResult(nil, 0, celldb.Pagination{Offset: 40, Limit: 10})
	if res.HasMore || len(res.Records) != 0 || res.TotalCount != 40 {
		t.Fatalf("unexpected empty page: %+v", res)
	}
	res = pageResult(make([]celldb.Record, 10), 25, celldb.Pagination{Offset: 10, Limit: 10})
	if !res.HasMore {
		t.Fatalf("expected more rows after offset 20 of 25")
	}
}
