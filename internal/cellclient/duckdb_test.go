package cellclient

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/lychee-technology/celldb"
)

func openMemoryDuckDB(t *testing.T) *DuckDBCell {
	t.Helper()
	u, err := url.Parse("duckdb://memory?table=events&create=true")
	if err != nil {
		t.Fatalf("parse endpoint: %v", err)
	}
	cell, err := OpenDuckDB(context.Background(), "duck", u)
	if err != nil {
		t.Fatalf("OpenDuckDB error: %v", err)
	}
	t.Cleanup(func() { _ = cell.Close() })
	return cell
}

func TestDuckDBCell_RoundTrip(t *testing.T) {
	cell := openMemoryDuckDB(t)
	ctx := context.Background()

	for _, rec := range []celldb.Record{
		{"_id": "e1", "kind": "click", "n": 1},
		{"_id": "e2", "kind": "view", "n": 10},
		{"_id": "e3", "kind": "click", "n": 3},
	} {
		if _, err := cell.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert error: %v", err)
		}
	}

	res, err := cell.Query(ctx, celldb.QueryFilter{
		Conditions: []celldb.FilterCondition{{Field: "kind", Operator: celldb.OpEquals, Value: "click"}},
		SortBy:     "n",
		SortOrder:  celldb.SortOrderDesc,
	}, celldb.Pagination{Limit: 1})
	if err != nil {
		t.Fatalf("Query error: %v", err)
	}
	if res.TotalCount != 2 || !res.HasMore || len(res.Records) != 1 {
		t.Fatalf("unexpected page: %+v", res)
	}
	if res.Records[0][celldb.RecordIDField] != "e3" {
		t.Fatalf("expected e3 first, got %#v", res.Records[0])
	}

	if err := cell.Update(ctx, "e1", celldb.Record{"kind": "view", "n": 1}); err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if err := cell.Delete(ctx, "e2"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if err := cell.Delete(ctx, "e2"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}

	m, err := cell.Metrics(ctx)
	if err != nil {
		t.Fatalf("Metrics error: %v", err)
	}
	if m.RecordCount != 2 || m.QueryCount != 1 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
}

func TestDuckDBCell_ParquetIsReadOnly(t *testing.T) {
	cell := NewDuckDBCell("cold", nil, "", "/data/*.parquet")
	if _, err := cell.Insert(context.Background(), celldb.Record{}); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
	if err := cell.Delete(context.Background(), "x"); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
	want := `(SELECT CAST(NULL AS VARCHAR) AS id, to_json(r) AS data FROM read_parquet('/data/*.parquet') r) src`
	if got := cell.source(); got != want {
		t.Fatalf("unexpected source: %s", got)
	}
}
