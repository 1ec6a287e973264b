package cellclient

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lychee-technology/celldb"
)

// ErrRecordNotFound is returned by Update and Delete when the id is unknown.
var ErrRecordNotFound = errors.New("record not found")

// ErrReadOnly is returned by writes against cells backed by immutable data.
var ErrReadOnly = errors.New("cell is read-only")

// MemoryCell keeps records in process. Records keep their insertion order.
type MemoryCell struct {
	mu      sync.RWMutex
	ids     []string
	records map[string]celldb.Record
	queries atomic.Uint64
	updated time.Time
}

func NewMemoryCell() *MemoryCell {
	return &MemoryCell{records: make(map[string]celldb.Record), updated: time.Now()}
}

// Insert stores a copy of record. A missing _id is generated.
func (c *MemoryCell) Insert(ctx context.Context, record celldb.Record) (string, error) {
	rec, id := withID(record)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.records[id]; exists {
		return "", fmt.Errorf("record %s already exists", id)
	}
	c.ids = append(c.ids, id)
	c.records[id] = rec
	c.updated = time.Now()
	return id, nil
}

func (c *MemoryCell) Query(ctx context.Context, filter celldb.QueryFilter, page celldb.Pagination) (*celldb.CellQueryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.queries.Add(1)

	c.mu.RLock()
	matched := make([]celldb.Record, 0, len(c.ids))
	for _, id := range c.ids {
		if rec := c.records[id]; filter.Match(rec) {
			matched = append(matched, rec.Clone())
		}
	}
	c.mu.RUnlock()

	return paginate(matched, filter, page), nil
}

func (c *MemoryCell) Update(ctx context.Context, id string, record celldb.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.records[id]; !ok {
		return fmt.Errorf("update %s: %w", id, ErrRecordNotFound)
	}
	rec := record.Clone()
	rec[celldb.RecordIDField] = id
	c.records[id] = rec
	c.updated = time.Now()
	return nil
}

func (c *MemoryCell) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.records[id]; !ok {
		return fmt.Errorf("delete %s: %w", id, ErrRecordNotFound)
	}
	delete(c.records, id)
	c.ids = slices.DeleteFunc(c.ids, func(have string) bool { return have == id })
	c.updated = time.Now()
	return nil
}

func (c *MemoryCell) Metrics(ctx context.Context) (*celldb.CellMetrics, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &celldb.CellMetrics{
		RecordCount: uint64(len(c.records)),
		QueryCount:  c.queries.Load(),
		LastUpdated: c.updated,
	}, nil
}

// Close is a no-op; the data outlives the client so a redial sees it again.
func (c *MemoryCell) Close() error { return nil }

// withID copies record and makes sure it carries an id.
func withID(record celldb.Record) (celldb.Record, string) {
	rec := record.Clone()
	if rec == nil {
		rec = celldb.Record{}
	}
	id, _ := rec[celldb.RecordIDField].(string)
	if id == "" {
		id = uuid.NewString()
		rec[celldb.RecordIDField] = id
	}
	return rec, id
}

// paginate orders matched records in place and cuts the requested window.
func paginate(matched []celldb.Record, filter celldb.QueryFilter, page celldb.Pagination) *celldb.CellQueryResult {
	if filter.SortBy != "" {
		slices.SortStableFunc(matched, func(a, b celldb.Record) int {
			cmp := celldb.CompareValues(a[filter.SortBy], b[filter.SortBy])
			if filter.SortOrder == celldb.SortOrderDesc {
				return -cmp
			}
			return cmp
		})
	}
	total := uint64(len(matched))
	start := min(page.Offset, total)
	end := total
	if page.Limit > 0 {
		end = min(start+page.Limit, total)
	}
	return &celldb.CellQueryResult{
		Records:    matched[start:end],
		TotalCount: total,
		HasMore:    end < total,
	}
}
