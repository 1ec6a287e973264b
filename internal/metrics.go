package internal

import (
	"context"
	"sort"
	"sync"
	"time"

	hll "github.com/axiomhq/hyperloglog"
	"github.com/lychee-technology/celldb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tidwall/btree"
)

// QueryRecord is the outcome of one query as seen by its caller.
type QueryRecord struct {
	Fingerprint string
	Cells       []string
	Strategy    celldb.CoordinationStrategy
	Latency     time.Duration
	Success     bool
	CacheHit    bool
	// Cost is the resource cost consumed; SavedCost is what a cache hit avoided.
	Cost      uint64
	SavedCost uint64
}

type queryEvent struct {
	at  time.Time
	seq uint64
	rec QueryRecord
}

func eventLess(a, b queryEvent) bool {
	if a.at.Equal(b.at) {
		return a.seq < b.seq
	}
	return a.at.Before(b.at)
}

// latencyRing keeps the most recent successful call latencies of one cell.
type latencyRing struct {
	samples []time.Duration
	next    int
	sum     time.Duration
}

func (r *latencyRing) add(d time.Duration, size int) {
	if len(r.samples) < size {
		r.samples = append(r.samples, d)
		r.sum += d
		return
	}
	r.sum -= r.samples[r.next]
	r.samples[r.next] = d
	r.sum += d
	r.next = (r.next + 1) % size
}

func (r *latencyRing) average() (time.Duration, bool) {
	if len(r.samples) == 0 {
		return 0, false
	}
	return r.sum / time.Duration(len(r.samples)), true
}

type metricCollectors struct {
	queries       *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec
	cellCalls     *prometheus.CounterVec
	cellDuration  *prometheus.HistogramVec
	stageLatency  *prometheus.HistogramVec
	cellRows      *prometheus.CounterVec
	pushdown      *prometheus.HistogramVec
	costConsumed  prometheus.Counter
	costSaved     prometheus.Counter
}

// MetricsAccumulator aggregates query outcomes and per-cell latency. It backs
// the metrics snapshot, windowed statistics, the optimizer's latency source and
// the Prometheus collectors.
type MetricsAccumulator struct {
	mu            sync.Mutex
	cfg           celldb.MetricsConfig
	latencyWindow int
	now           func() time.Time

	history  *btree.BTreeG[queryEvent]
	seq      uint64
	distinct *hll.Sketch

	totalQueries uint64
	succeeded    uint64
	failed       uint64
	cacheHits    uint64
	latencySum   time.Duration
	costConsumed uint64
	costSaved    uint64
	lastUpdated  time.Time

	cells map[string]*latencyRing

	activeStreams   func() int
	registeredCells func() int

	prom *metricCollectors
}

// NewMetricsAccumulator creates an accumulator registering its collectors on reg.
// A nil reg uses a private registry.
func NewMetricsAccumulator(cfg celldb.MetricsConfig, latencyWindow int, reg prometheus.Registerer) *MetricsAccumulator {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if latencyWindow <= 0 {
		latencyWindow = 1
	}
	m := &MetricsAccumulator{
		cfg:           cfg,
		latencyWindow: latencyWindow,
		now:           time.Now,
		history:       btree.NewBTreeG[queryEvent](eventLess),
		distinct:      hll.New(),
		cells:         make(map[string]*latencyRing),
	}
	m.prom = newMetricCollectors(cfg.Namespace, reg, m)
	return m
}

func newMetricCollectors(ns string, reg prometheus.Registerer, m *MetricsAccumulator) *metricCollectors {
	f := promauto.With(reg)
	c := &metricCollectors{
		queries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "queries_total",
			Help:      "Total number of queries by outcome",
		}, []string{"outcome"}),
		queryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "query_duration_seconds",
			Help:      "End-to-end query latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"strategy"}),
		cellCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "cell_requests_total",
			Help:      "Total number of page requests sent to cells",
		}, []string{"cell", "outcome"}),
		cellDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "cell_request_duration_seconds",
			Help:      "Cell page request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"cell"}),
		stageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "stage_latency_seconds",
			Help:      "Latency of query stages in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		cellRows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "cell_rows_total",
			Help:      "Rows fetched from cells",
		}, []string{"cell"}),
		pushdown: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "pushdown_efficiency_ratio",
			Help:      "Returned rows divided by fetched rows per query",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}, []string{"strategy"}),
		costConsumed: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "resource_cost_consumed_total",
			Help:      "Resource cost spent executing queries",
		}),
		costSaved: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "resource_cost_saved_total",
			Help:      "Resource cost avoided by cache hits",
		}),
	}
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "active_streams",
		Help:      "Streams currently open",
	}, func() float64 { return float64(m.activeStreamCount()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "registered_cells",
		Help:      "Cells known to the registry",
	}, func() float64 { return float64(m.registeredCellCount()) })
	return c
}

// SetGaugeSources wires the live counts reported in snapshots.
func (m *MetricsAccumulator) SetGaugeSources(activeStreams, registeredCells func() int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeStreams = activeStreams
	m.registeredCells = registeredCells
}

func (m *MetricsAccumulator) activeStreamCount() int {
	m.mu.Lock()
	fn := m.activeStreams
	m.mu.Unlock()
	if fn == nil {
		return 0
	}
	return fn()
}

func (m *MetricsAccumulator) registeredCellCount() int {
	m.mu.Lock()
	fn := m.registeredCells
	m.mu.Unlock()
	if fn == nil {
		return 0
	}
	return fn()
}

// RecordQuery adds one query outcome.
func (m *MetricsAccumulator) RecordQuery(rec QueryRecord) {
	outcome := "failure"
	switch {
	case rec.CacheHit:
		outcome = "cache_hit"
	case rec.Success:
		outcome = "success"
	}
	m.prom.queries.WithLabelValues(outcome).Inc()
	m.prom.queryDuration.WithLabelValues(rec.Strategy.String()).Observe(rec.Latency.Seconds())
	m.prom.costConsumed.Add(float64(rec.Cost))
	m.prom.costSaved.Add(float64(rec.SavedCost))

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.seq++
	rec.Cells = append([]string(nil), rec.Cells...)
	m.history.Set(queryEvent{at: now, seq: m.seq, rec: rec})
	for m.cfg.MaxHistory > 0 && m.history.Len() > m.cfg.MaxHistory {
		oldest, ok := m.history.Min()
		if !ok {
			break
		}
		m.history.Delete(oldest)
	}
	if rec.Fingerprint != "" {
		m.distinct.Insert([]byte(rec.Fingerprint))
	}

	m.totalQueries++
	if rec.Success {
		m.succeeded++
	} else {
		m.failed++
	}
	if rec.CacheHit {
		m.cacheHits++
	}
	m.latencySum += rec.Latency
	m.costConsumed += rec.Cost
	m.costSaved += rec.SavedCost
	m.lastUpdated = now
}

// RecordCellCall records one page request against a cell. Only successful
// calls feed the latency average.
func (m *MetricsAccumulator) RecordCellCall(cellID string, latency time.Duration, rows int, failed bool) {
	outcome := "success"
	if failed {
		outcome = "failure"
	}
	m.prom.cellCalls.WithLabelValues(cellID, outcome).Inc()
	m.prom.cellDuration.WithLabelValues(cellID).Observe(latency.Seconds())
	if failed {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ring, ok := m.cells[cellID]
	if !ok {
		ring = &latencyRing{}
		m.cells[cellID] = ring
	}
	ring.add(latency, m.latencyWindow)
}

// RecentLatency is the average of the most recent successful calls to cellID.
func (m *MetricsAccumulator) RecentLatency(cellID string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ring, ok := m.cells[cellID]
	if !ok {
		return 0, false
	}
	return ring.average()
}

// Snapshot returns the current aggregator metrics.
func (m *MetricsAccumulator) Snapshot() *celldb.AggregatorMetrics {
	active := m.activeStreamCount()
	cells := m.registeredCellCount()

	m.mu.Lock()
	defer m.mu.Unlock()
	out := &celldb.AggregatorMetrics{
		ActiveStreams:   uint64(active),
		RegisteredCells: uint64(cells),
		CacheHits:       m.cacheHits,
		LastUpdated:     m.lastUpdated,
	}
	if m.totalQueries > 0 {
		out.CacheHitRate = float64(m.cacheHits) / float64(m.totalQueries)
		out.AverageQueryLatency = m.latencySum / time.Duration(m.totalQueries)
	}
	if total := m.costConsumed + m.costSaved; total > 0 {
		out.CostEfficiencyScore = float64(m.costSaved) / float64(total)
	}
	if out.LastUpdated.IsZero() {
		out.LastUpdated = m.now()
	}
	return out
}

// Stats summarizes queries recorded within window of now. A non-positive window
// covers the whole retained history.
func (m *MetricsAccumulator) Stats(window time.Duration) *celldb.QueryStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &celldb.QueryStats{MostQueriedCells: []celldb.CellQueryCount{}}
	var (
		latency   time.Duration
		cacheHits uint64
		sketch    = hll.New()
		perCell   = make(map[string]uint64)
	)
	visit := func(ev queryEvent) bool {
		stats.TotalQueries++
		if ev.rec.Success {
			stats.SuccessfulQueries++
		} else {
			stats.FailedQueries++
		}
		if ev.rec.CacheHit {
			cacheHits++
		}
		latency += ev.rec.Latency
		if ev.rec.Fingerprint != "" {
			sketch.Insert([]byte(ev.rec.Fingerprint))
		}
		for _, c := range ev.rec.Cells {
			perCell[c]++
		}
		return true
	}
	if window > 0 {
		m.history.Ascend(queryEvent{at: m.now().Add(-window)}, visit)
	} else {
		m.history.Scan(visit)
	}

	if stats.TotalQueries == 0 {
		return stats
	}
	stats.AverageExecutionTime = latency / time.Duration(stats.TotalQueries)
	stats.CacheHitRate = float64(cacheHits) / float64(stats.TotalQueries)
	stats.DistinctQueries = sketch.Estimate()

	for id, n := range perCell {
		stats.MostQueriedCells = append(stats.MostQueriedCells, celldb.CellQueryCount{CellID: id, Queries: n})
	}
	sort.Slice(stats.MostQueriedCells, func(i, j int) bool {
		a, b := stats.MostQueriedCells[i], stats.MostQueriedCells[j]
		if a.Queries != b.Queries {
			return a.Queries > b.Queries
		}
		return a.CellID < b.CellID
	})
	if top := m.cfg.TopCells; top > 0 && len(stats.MostQueriedCells) > top {
		stats.MostQueriedCells = stats.MostQueriedCells[:top]
	}
	return stats
}

// Emitter adapts telemetry measurements onto the Prometheus collectors.
func (m *MetricsAccumulator) Emitter() TelemetryEmitter {
	return func(_ context.Context, name string, labels map[string]string, value any) {
		switch name {
		case telemetryStageLatency:
			if ms, ok := value.(int64); ok {
				m.prom.stageLatency.WithLabelValues(labels["stage"]).Observe(float64(ms) / 1000)
			}
		case telemetryCellRows:
			if rows, ok := value.(int64); ok && rows > 0 {
				m.prom.cellRows.WithLabelValues(labels["cell"]).Add(float64(rows))
			}
		case telemetryPushdown:
			if ratio, ok := value.(float64); ok {
				m.prom.pushdown.WithLabelValues(labels["strategy"]).Observe(ratio)
			}
		}
	}
}
