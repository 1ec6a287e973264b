package cellclient

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/lib/pq"
	"github.com/lychee-technology/celldb"
	"go.uber.org/zap"
)

// DuckDBCell serves records from a DuckDB table of JSON documents, or read-only
// from Parquet files (local or s3:// through httpfs).
type DuckDBCell struct {
	cellID  string
	db      *sql.DB
	table   string
	parquet string
	queries atomic.Uint64
}

func NewDuckDBCell(cellID string, db *sql.DB, table, parquet string) *DuckDBCell {
	if table == "" {
		table = defaultTable
	}
	return &DuckDBCell{cellID: cellID, db: db, table: table, parquet: parquet}
}

// OpenDuckDB opens a duckdb:// endpoint. duckdb:///path/file.db opens a file,
// duckdb://memory an in-process database. Query parameters: table=, create=true,
// parquet=<glob>, threads=, memory_limit_mb=.
func OpenDuckDB(ctx context.Context, cellID string, endpoint *url.URL) (*DuckDBCell, error) {
	q := endpoint.Query()
	dsn := endpoint.Path
	if endpoint.Host == "memory" {
		dsn = ""
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}

	if n, err := strconv.Atoi(q.Get("threads")); err == nil && n > 0 {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA threads=%d;", n)); err != nil {
			zap.S().Warnw("duckdb: set threads failed", "err", err, "threads", n)
		}
	}
	if mb, err := strconv.Atoi(q.Get("memory_limit_mb")); err == nil && mb > 0 {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA memory_limit='%dMB';", mb)); err != nil {
			zap.S().Warnw("duckdb: set memory_limit failed", "err", err, "memoryLimitMB", mb)
		}
	}

	parquet := q.Get("parquet")
	if strings.HasPrefix(parquet, "s3://") || strings.HasPrefix(parquet, "http") {
		if _, err := db.ExecContext(ctx, "INSTALL httpfs;"); err != nil {
			zap.S().Warnw("duckdb: install httpfs failed", "err", err)
		} else if _, err := db.ExecContext(ctx, "LOAD httpfs;"); err != nil {
			zap.S().Warnw("duckdb: load httpfs failed", "err", err)
		}
	}

	cell := NewDuckDBCell(cellID, db, q.Get("table"), parquet)
	if parquet == "" && q.Get("create") == "true" {
		if err := cell.EnsureTable(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	zap.S().Infow("duckdb cell opened", "cellId", cellID, "path", dsn, "table", cell.table, "parquet", parquet)
	return cell, nil
}

func (c *DuckDBCell) readOnly() bool { return c.parquet != "" }

func (c *DuckDBCell) source() string {
	if c.readOnly() {
		lit := "'" + strings.ReplaceAll(c.parquet, "'", "''") + "'"
		return fmt.Sprintf("(SELECT CAST(NULL AS VARCHAR) AS id, to_json(r) AS data FROM read_parquet(%s) r) src", lit)
	}
	return pq.QuoteIdentifier(c.table)
}

// EnsureTable creates the record table when it does not exist.
func (c *DuckDBCell) EnsureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id VARCHAR PRIMARY KEY,
		data JSON NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT current_timestamp
	)`, pq.QuoteIdentifier(c.table))
	if _, err := c.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create duckdb table: %w", err)
	}
	return nil
}

func (c *DuckDBCell) Insert(ctx context.Context, record celldb.Record) (string, error) {
	if c.readOnly() {
		return "", ErrReadOnly
	}
	rec, id := withID(record)
	data, err := sonic.MarshalString(rec)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	query := fmt.Sprintf("INSERT INTO %s (id, data) VALUES ($1, $2)", pq.QuoteIdentifier(c.table))
	if _, err := c.db.ExecContext(ctx, query, id, data); err != nil {
		return "", fmt.Errorf("insert into duckdb cell %s: %w", c.cellID, err)
	}
	return id, nil
}

func (c *DuckDBCell) Query(ctx context.Context, filter celldb.QueryFilter, page celldb.Pagination) (*celldb.CellQueryResult, error) {
	c.queries.Add(1)
	sq, err := buildSelect(duckDialect{}, c.source(), filter, page)
	if err != nil {
		return nil, celldb.NewInvalidQueryError(celldb.ErrCodeInvalidExpression, err.Error()).WithCell(c.cellID)
	}

	rows, err := c.db.QueryContext(ctx, sq.SQL, sq.Args...)
	if err != nil {
		return nil, fmt.Errorf("query duckdb cell %s: %w", c.cellID, err)
	}
	defer rows.Close()

	var (
		records []celldb.Record
		total   int64
	)
	for rows.Next() {
		var (
			id   sql.NullString
			data string
		)
		if err := rows.Scan(&id, &data, &total); err != nil {
			return nil, fmt.Errorf("scan duckdb row: %w", err)
		}
		var idp *string
		if id.Valid {
			idp = &id.String
		}
		rec, err := decodeRow(idp, data)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query duckdb cell %s: %w", c.cellID, err)
	}
	return pageResult(records, uint64(total), page), nil
}

func (c *DuckDBCell) Update(ctx context.Context, id string, record celldb.Record) error {
	if c.readOnly() {
		return ErrReadOnly
	}
	rec := record.Clone()
	if rec == nil {
		rec = celldb.Record{}
	}
	rec[celldb.RecordIDField] = id
	data, err := sonic.MarshalString(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	query := fmt.Sprintf("UPDATE %s SET data = $2, updated_at = current_timestamp WHERE id = $1", pq.QuoteIdentifier(c.table))
	res, err := c.db.ExecContext(ctx, query, id, data)
	if err != nil {
		return fmt.Errorf("update duckdb cell %s: %w", c.cellID, err)
	}
	return affected(res, "update", id)
}

func (c *DuckDBCell) Delete(ctx context.Context, id string) error {
	if c.readOnly() {
		return ErrReadOnly
	}
	res, err := c.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", pq.QuoteIdentifier(c.table)), id)
	if err != nil {
		return fmt.Errorf("delete from duckdb cell %s: %w", c.cellID, err)
	}
	return affected(res, "delete", id)
}

func (c *DuckDBCell) Metrics(ctx context.Context) (*celldb.CellMetrics, error) {
	var count int64
	if err := c.db.QueryRowContext(ctx, "SELECT count(*) FROM "+c.source()).Scan(&count); err != nil {
		return nil, fmt.Errorf("duckdb metrics: %w", err)
	}
	return &celldb.CellMetrics{
		RecordCount: uint64(count),
		QueryCount:  c.queries.Load(),
		LastUpdated: time.Now(),
	}, nil
}

func (c *DuckDBCell) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func affected(res sql.Result, op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", op, id, ErrRecordNotFound)
	}
	return nil
}
