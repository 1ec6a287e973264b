package cellclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dsql/auth"
	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
	"github.com/lychee-technology/celldb"
	"go.uber.org/zap"
)

const defaultTable = "records"

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresCell stores records as JSONB documents in one table:
//
//	id TEXT PRIMARY KEY, data JSONB, created_at, updated_at
type PostgresCell struct {
	cellID  string
	pool    pgxPool
	table   string
	queries atomic.Uint64
}

func NewPostgresCell(cellID string, pool pgxPool, table string) *PostgresCell {
	if table == "" {
		table = defaultTable
	}
	return &PostgresCell{cellID: cellID, pool: pool, table: table}
}

// OpenPostgres connects to a postgres:// endpoint. Besides the usual connection
// parameters it understands table=, create=true (create the table if missing)
// and iam=true with region= (authenticate with a DSQL IAM token per connection).
func OpenPostgres(ctx context.Context, cellID string, endpoint *url.URL, loader AWSConfigLoader) (*PostgresCell, error) {
	u := *endpoint
	q := u.Query()
	table := q.Get("table")
	create := q.Get("create") == "true"
	iam := q.Get("iam") == "true"
	region := q.Get("region")
	for _, k := range []string{"table", "create", "iam", "region"} {
		q.Del(k)
	}
	u.RawQuery = q.Encode()

	poolConfig, err := pgxpool.ParseConfig(u.String())
	if err != nil {
		return nil, fmt.Errorf("parse postgres endpoint: %w", err)
	}
	if iam {
		awsCfg, err := loader(ctx, region, "")
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		poolConfig.BeforeConnect = func(ctx context.Context, cc *pgx.ConnConfig) error {
			token, err := auth.GenerateDbConnectAuthToken(ctx, fmt.Sprintf("%s:%d", cc.Host, cc.Port), awsCfg.Region, awsCfg.Credentials)
			if err != nil {
				return fmt.Errorf("generate iam auth token: %w", err)
			}
			cc.Password = token
			return nil
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	cell := NewPostgresCell(cellID, pool, table)
	if create {
		if err := cell.EnsureTable(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	zap.S().Infow("postgres cell connected", "cellId", cellID, "host", poolConfig.ConnConfig.Host, "table", cell.table, "iam", iam)
	return cell, nil
}

func (c *PostgresCell) quotedTable() string {
	return pq.QuoteIdentifier(c.table)
}

// EnsureTable creates the record table when it does not exist.
func (c *PostgresCell) EnsureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		data JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, c.quotedTable())
	if _, err := c.pool.Exec(ctx, ddl); err != nil {
		return c.wrap("create table", err)
	}
	return nil
}

func (c *PostgresCell) Insert(ctx context.Context, record celldb.Record) (string, error) {
	rec, id := withID(record)
	data, err := sonic.MarshalString(rec)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	query := fmt.Sprintf("INSERT INTO %s (id, data) VALUES ($1, $2::jsonb)", c.quotedTable())
	if _, err := c.pool.Exec(ctx, query, id, data); err != nil {
		return "", c.wrap("insert", err)
	}
	return id, nil
}

func (c *PostgresCell) Query(ctx context.Context, filter celldb.QueryFilter, page celldb.Pagination) (*celldb.CellQueryResult, error) {
	c.queries.Add(1)
	sq, err := buildSelect(postgresDialect{}, c.quotedTable(), filter, page)
	if err != nil {
		return nil, celldb.NewInvalidQueryError(celldb.ErrCodeInvalidExpression, err.Error()).WithCell(c.cellID)
	}

	rows, err := c.pool.Query(ctx, sq.SQL, sq.Args...)
	if err != nil {
		return nil, c.wrap("query", err)
	}
	defer rows.Close()

	var (
		records []celldb.Record
		total   int64
	)
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data, &total); err != nil {
			return nil, c.wrap("scan", err)
		}
		rec, err := decodeRow(&id, data)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, c.wrap("query", err)
	}
	return pageResult(records, uint64(total), page), nil
}

func (c *PostgresCell) Update(ctx context.Context, id string, record celldb.Record) error {
	rec := record.Clone()
	if rec == nil {
		rec = celldb.Record{}
	}
	rec[celldb.RecordIDField] = id
	data, err := sonic.MarshalString(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	query := fmt.Sprintf("UPDATE %s SET data = $2::jsonb, updated_at = now() WHERE id = $1", c.quotedTable())
	tag, err := c.pool.Exec(ctx, query, id, data)
	if err != nil {
		return c.wrap("update", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update %s: %w", id, ErrRecordNotFound)
	}
	return nil
}

func (c *PostgresCell) Delete(ctx context.Context, id string) error {
	tag, err := c.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", c.quotedTable()), id)
	if err != nil {
		return c.wrap("delete", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete %s: %w", id, ErrRecordNotFound)
	}
	return nil
}

func (c *PostgresCell) Metrics(ctx context.Context) (*celldb.CellMetrics, error) {
	query := fmt.Sprintf(
		"SELECT count(*), COALESCE(max(updated_at), now()), pg_total_relation_size($1::regclass) FROM %s",
		c.quotedTable(),
	)
	var (
		count   int64
		updated time.Time
		size    int64
	)
	if err := c.pool.QueryRow(ctx, query, c.quotedTable()).Scan(&count, &updated, &size); err != nil {
		return nil, c.wrap("metrics", err)
	}
	return &celldb.CellMetrics{
		RecordCount: uint64(count),
		MemoryUsage: uint64(size),
		QueryCount:  c.queries.Load(),
		LastUpdated: updated,
	}, nil
}

func (c *PostgresCell) Close() error {
	c.pool.Close()
	return nil
}

// wrap marks statement errors as non-transient CellUnavailable. Anything else
// stays a plain error.
func (c *PostgresCell) wrap(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && permanentSQLState(pgErr.Code) {
		return celldb.NewCellUnavailableError(c.cellID, fmt.Sprintf("%s failed: %s", op, pgErr.Message), err, false).
			WithDetail("sqlstate", pgErr.Code)
	}
	return fmt.Errorf("%s on cell %s: %w", op, c.cellID, err)
}

// permanentSQLState reports SQLSTATE classes 22, 23 and 42.
func permanentSQLState(code string) bool {
	return strings.HasPrefix(code, "22") || strings.HasPrefix(code, "23") || strings.HasPrefix(code, "42")
}

// pageResult derives HasMore from the total the query reported.
func pageResult(records []celldb.Record, total uint64, page celldb.Pagination) *celldb.CellQueryResult {
	if records == nil {
		records = []celldb.Record{}
	}
	end := page.Offset + uint64(len(records))
	if len(records) == 0 {
		// count(*) OVER () is unknown past the end
		total = max(total, page.Offset)
	}
	return &celldb.CellQueryResult{
		Records:    records,
		TotalCount: total,
		HasMore:    end < total,
	}
}
