package internal

import (
	"sync"
	"time"

	"github.com/lychee-technology/celldb"
	"github.com/lychee-technology/celldb/internal/queryoptimizer"
	"go.uber.org/multierr"
)

// cellProgress tracks one target through an execution.
type cellProgress struct {
	reg         celldb.CellRegistration
	stats       celldb.CellExecutionStats
	offset      uint64
	batch       int
	lastLatency time.Duration
	done        bool
	truncated   bool
	err         error
}

// execution is the shared state of one coordinated run. Cell workers report
// into it; once sealed, late results are discarded.
type execution struct {
	mu       sync.Mutex
	in       *queryoptimizer.Input
	order    []string
	cells    map[string]*cellProgress
	parts    []Partition
	adaptive bool
	hasCap   bool
	rowCap   uint64
	sealed   bool
}

func newExecution(in *queryoptimizer.Input, cells []celldb.CellRegistration, d *queryoptimizer.Decision, maxRowsPerCell int) *execution {
	e := &execution{
		in:       in,
		order:    make([]string, 0, len(cells)),
		cells:    make(map[string]*cellProgress, len(cells)),
		adaptive: d.Strategy == celldb.StrategyAdaptiveParallel,
	}
	if in.PerCellLimit != nil {
		e.hasCap, e.rowCap = true, *in.PerCellLimit
	}
	if maxRowsPerCell > 0 && (!e.hasCap || uint64(maxRowsPerCell) < e.rowCap) {
		e.hasCap, e.rowCap = true, uint64(maxRowsPerCell)
	}
	for _, reg := range cells {
		e.order = append(e.order, reg.CellID)
		e.cells[reg.CellID] = &cellProgress{reg: reg, batch: d.BatchSize(reg.CellID)}
	}
	return e
}

// registration is safe without the lock: cells is never written after construction.
func (e *execution) registration(cellID string) celldb.CellRegistration {
	return e.cells[cellID].reg
}

// nextPage returns the window of the next request to cellID, or false when the
// cell has nothing left to fetch.
func (e *execution) nextPage(cellID string) (celldb.Pagination, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.cells[cellID]
	if e.sealed || st.done || st.err != nil {
		return celldb.Pagination{}, false
	}
	limit := uint64(st.batch)
	if e.hasCap {
		if st.offset >= e.rowCap {
			st.done = true
			return celldb.Pagination{}, false
		}
		limit = min(limit, e.rowCap-st.offset)
	}
	return celldb.Pagination{Offset: st.offset, Limit: limit}, true
}

// addPage records a page. It reports whether the cell has more to fetch.
func (e *execution) addPage(cellID string, page celldb.Pagination, res *celldb.CellQueryResult, latency time.Duration, cost uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sealed {
		return false
	}
	st := e.cells[cellID]
	records := res.Records
	if uint64(len(records)) > page.Limit {
		records = records[:page.Limit]
	}
	n := uint64(len(records))
	st.stats.ResponseTime += latency
	st.stats.RecordsReturned += n
	st.stats.ResourceCost += cost
	st.offset += n
	if n > 0 {
		e.parts = append(e.parts, Partition{CellID: cellID, Records: records})
	}
	if e.adaptive {
		ema := queryoptimizer.SmoothLatency(st.lastLatency, latency)
		st.batch = queryoptimizer.NextBatchSize(st.batch, st.reg.PerformanceHints, ema)
	}
	st.lastLatency = latency
	if !res.HasMore || n == 0 {
		st.done = true
		return false
	}
	if e.hasCap && st.offset >= e.rowCap {
		st.done = true
		st.truncated = e.in.PerCellLimit == nil || *e.in.PerCellLimit > e.rowCap
		return false
	}
	return true
}

func (e *execution) fail(cellID string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sealed {
		return
	}
	st := e.cells[cellID]
	st.err = err
	st.stats.Failed = true
	st.stats.Error = err.Error()
}

// fatal reports whether cellID failed with a non-retriable error.
func (e *execution) fatal(cellID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.cells[cellID]
	return st.err != nil && !celldb.IsTransient(st.err)
}

func (e *execution) hasFailed(cellID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cells[cellID].err != nil
}

// active returns, in target order, cells that still have pages to fetch.
func (e *execution) active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.order))
	for _, id := range e.order {
		st := e.cells[id]
		if !st.done && st.err == nil {
			out = append(out, id)
		}
	}
	return out
}

// outcome is the sealed view of an execution.
type outcome struct {
	parts      []Partition
	stats      map[string]celldb.CellExecutionStats
	failures   error
	failed     int
	timedOut   bool
	fetched    uint64
	cost       uint64
	truncated  []string
	unfinished []string
}

// seal stops accepting results and annotates cells that never finished.
// Records from failed cells are excluded.
func (e *execution) seal(timedOut bool) *outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sealed = true

	out := &outcome{stats: make(map[string]celldb.CellExecutionStats, len(e.cells)), timedOut: timedOut}
	for _, id := range e.order {
		st := e.cells[id]
		switch {
		case st.err != nil:
			out.failures = multierr.Append(out.failures, st.err)
			out.failed++
			st.stats.RecordsReturned = 0
		case !st.done && timedOut:
			st.stats.Failed = true
			st.stats.Error = "timeout exceeded"
			out.unfinished = append(out.unfinished, id)
		case !st.done:
			st.stats.Skipped = true
			st.stats.Error = "skipped"
			out.unfinished = append(out.unfinished, id)
		}
		if st.truncated {
			out.truncated = append(out.truncated, id)
		}
		out.cost += st.stats.ResourceCost
		out.stats[id] = st.stats
	}
	for _, p := range e.parts {
		if e.cells[p.CellID].err != nil {
			continue
		}
		out.parts = append(out.parts, p)
		out.fetched += uint64(len(p.Records))
	}
	return out
}
