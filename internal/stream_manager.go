package internal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lychee-technology/celldb"
	"github.com/lychee-technology/celldb/internal/queryoptimizer"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

type streamState int

const defaultTombstoneLimit = 4096

const (
	streamCreated streamState = iota
	streamActive
	streamExhausted
	streamExpired
	streamClosed
)

func (s streamState) String() string {
	switch s {
	case streamCreated:
		return "created"
	case streamActive:
		return "active"
	case streamExhausted:
		return "exhausted"
	case streamExpired:
		return "expired"
	case streamClosed:
		return "closed"
	}
	return fmt.Sprintf("streamState(%d)", int(s))
}

func (s streamState) terminal() bool {
	return s >= streamExhausted
}

// pageFetcher is the part of the coordinator streams page through.
type pageFetcher interface {
	FetchPage(ctx context.Context, cellID string, filter celldb.QueryFilter, page celldb.Pagination) (*celldb.CellQueryResult, error)
	Go(fn func()) error
}

type stream struct {
	handle    celldb.StreamHandle
	in        *queryoptimizer.Input
	decision  *queryoptimizer.Decision
	timeout   time.Duration
	batchSize int
	buffer    int

	// busy rejects a second caller while a batch is being served.
	busy atomic.Bool
	// fetching serializes buffer fills between callers and the prefetcher.
	fetching *semaphore.Weighted

	mu         sync.Mutex
	state      streamState
	terminalAt time.Time
	cursor     int
	offset     uint64
	limit      *uint64
	fetched    uint64
	delivered  uint64
	drained    bool
	pending    []celldb.Record
	totals     map[string]uint64
	batchNo    uint64
}

// StreamManager owns stream handles and pages them through cells on demand.
//
// A stream walks its target cells in order with a per-cell offset cursor and
// always reads at least one record past the batch it serves, so HasMore is exact. Handles expire
// when not used within their timeout; every successful batch slides the
// expiry forward.
type StreamManager struct {
	cfg       celldb.StreamingConfig
	registry  *CellRegistry
	optimizer *queryoptimizer.CostOptimizer
	fetcher   pageFetcher
	now       func() time.Time
	telemetry TelemetryEmitter

	mu      sync.Mutex
	streams map[string]*stream
	active  atomic.Int64

	// Reaped handles keep their final state so late Close and Get calls still
	// see it. Past tombstoneLimit the oldest are forgotten and any handle
	// issued no later than forgottenBefore is reported as expired.
	tombstones      map[string]streamState
	buried          []string
	tombstoneLimit  int
	forgottenBefore time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStreamManager creates a manager. A positive ReapInterval starts the
// background reaper; call Shutdown to stop it.
func NewStreamManager(cfg celldb.StreamingConfig, registry *CellRegistry, optimizer *queryoptimizer.CostOptimizer, fetcher pageFetcher) *StreamManager {
	m := &StreamManager{
		cfg:       cfg,
		registry:  registry,
		optimizer: optimizer,
		fetcher:   fetcher,
		now:       time.Now,
		streams:   make(map[string]*stream),
		stop:      make(chan struct{}),

		tombstones:     make(map[string]streamState),
		tombstoneLimit: defaultTombstoneLimit,
	}
	if cfg.ReapInterval > 0 {
		m.wg.Add(1)
		go m.reapLoop(cfg.ReapInterval)
	}
	return m
}

// UseTelemetry routes the manager's measurements to fn instead of the process default.
func (m *StreamManager) UseTelemetry(fn TelemetryEmitter) {
	m.telemetry = fn
}

// Open registers a stream for in and returns its handle. No cell is contacted
// until the first batch is requested.
func (m *StreamManager) Open(ctx context.Context, in *queryoptimizer.Input) (*celldb.StreamHandle, error) {
	limit, err := streamLimit(in)
	if err != nil {
		return nil, err
	}
	cells, err := m.registry.ResolveAll(in.Targets)
	if err != nil {
		return nil, err
	}
	decision, err := m.optimizer.Optimize(in, cells)
	if err != nil {
		return nil, err
	}

	s := &stream{
		in:        in,
		decision:  decision,
		timeout:   m.cfg.StreamTimeout,
		batchSize: m.cfg.DefaultBatchSize,
		buffer:    m.cfg.BufferSize,
		fetching:  semaphore.NewWeighted(1),
		limit:     limit,
		totals:    make(map[string]uint64, len(in.Targets)),
	}
	if opts := in.Streaming; opts != nil {
		if opts.StreamTimeout > 0 {
			s.timeout = opts.StreamTimeout
		}
		if opts.BatchSize > 0 {
			s.batchSize = min(opts.BatchSize, m.cfg.MaxBatchSize)
		}
		if opts.BufferSize > 0 {
			s.buffer = opts.BufferSize
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if int(m.active.Load()) >= m.cfg.MaxConcurrentStreams {
		return nil, celldb.NewResourceExhaustedError(celldb.ErrCodeTooManyStreams,
			fmt.Sprintf("at most %d streams may be open", m.cfg.MaxConcurrentStreams))
	}
	now := m.now()
	s.handle = celldb.StreamHandle{ID: NewStreamID(), CreatedAt: now, ExpiresAt: now.Add(s.timeout)}
	m.streams[s.handle.ID] = s
	m.active.Add(1)

	zap.S().Debugw("stream opened",
		"streamId", s.handle.ID,
		"fingerprint", in.Fingerprint,
		"strategy", decision.Strategy.String(),
		"targets", len(in.Targets),
	)
	h := s.handle
	return &h, nil
}

// streamLimit checks that in can be served incrementally and returns the cap
// on streamed records implied by its limit operations.
func streamLimit(in *queryoptimizer.Input) (*uint64, error) {
	var limit *uint64
	for i, step := range in.PostOps {
		switch op := step.Op.(type) {
		case celldb.LimitOperation:
			if limit == nil || op.Count < *limit {
				n := op.Count
				limit = &n
			}
		case celldb.SortOperation:
			if i != 0 || len(in.Targets) > 1 || in.Filter.SortBy != op.Field {
				return nil, celldb.NewInvalidQueryError(celldb.ErrCodeInvalidOperation,
					"streams can only sort a single cell before any other operation")
			}
		default:
			return nil, celldb.NewInvalidQueryError(celldb.ErrCodeInvalidOperation,
				fmt.Sprintf("%s operations cannot be streamed", step.Op.Kind()))
		}
	}
	return limit, nil
}

// Get serves the next batch of up to n records (n <= 0 uses the stream's batch size).
func (m *StreamManager) Get(ctx context.Context, handleID string, n int) (*celldb.StreamBatch, error) {
	start := time.Now()
	s, final, err := m.lookup(handleID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, terminalError(final, handleID)
	}
	if !s.busy.CompareAndSwap(false, true) {
		return nil, celldb.NewStreamingError(celldb.ErrCodeStreamBusy, "a batch is already being fetched for this stream").
			WithDetail("streamId", handleID)
	}
	defer s.busy.Store(false)

	if err := m.activate(s); err != nil {
		return nil, err
	}
	if n <= 0 {
		n = s.batchSize
	}
	n = min(n, m.cfg.MaxBatchSize)

	if err := s.fetching.Acquire(ctx, 1); err != nil {
		return nil, contextError(err, s.in)
	}
	err = m.fill(ctx, s, n+1)
	s.fetching.Release(1)
	if err != nil {
		zap.S().Warnw("stream fetch failed", "streamId", handleID, "error", err)
		return nil, err
	}

	batch, err := m.take(s, n)
	if err != nil {
		return nil, err
	}
	m.telemetry.Latency(ctx, StageStreaming, time.Since(start).Milliseconds())

	if batch.HasMore && m.cfg.PrefetchEnabled {
		m.prefetch(s)
	}
	return batch, nil
}

// lookup returns the live stream for handleID, or nil and the final state of
// a handle the reaper already dropped.
func (m *StreamManager) lookup(handleID string) (*stream, streamState, error) {
	if !validStreamID(handleID) {
		return nil, 0, celldb.NewStreamingError(celldb.ErrCodeStreamNotFound, "malformed stream handle").
			WithDetail("streamId", handleID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[handleID]; ok {
		return s, 0, nil
	}
	if state, ok := m.tombstones[handleID]; ok {
		return nil, state, nil
	}
	if issued, ok := streamIDTime(handleID); ok && !m.forgottenBefore.IsZero() && !issued.After(m.forgottenBefore) {
		return nil, streamExpired, nil
	}
	return nil, 0, celldb.NewStreamingError(celldb.ErrCodeStreamNotFound, "unknown stream handle").
		WithDetail("streamId", handleID)
}

// bury replaces a dropped stream with its tombstone. The caller holds m.mu.
func (m *StreamManager) bury(id string, state streamState) {
	m.tombstones[id] = state
	m.buried = append(m.buried, id)
	for len(m.buried) > m.tombstoneLimit {
		oldest := m.buried[0]
		m.buried = m.buried[1:]
		delete(m.tombstones, oldest)
		if issued, ok := streamIDTime(oldest); ok && issued.After(m.forgottenBefore) {
			m.forgottenBefore = issued
		}
	}
}

// terminalError is the error every access to a stream in state gets; nil
// for live states.
func terminalError(state streamState, handleID string) error {
	switch state {
	case streamExpired:
		return celldb.NewQueryError(celldb.ErrorKindTimeoutExceeded, celldb.ErrCodeStreamExpired, "stream has expired").
			WithDetail("streamId", handleID)
	case streamClosed:
		return celldb.NewStreamingError(celldb.ErrCodeStreamClosed, "stream is closed").
			WithDetail("streamId", handleID)
	case streamExhausted:
		return celldb.NewStreamingError(celldb.ErrCodeStreamExhausted, "stream has no more batches").
			WithDetail("streamId", handleID)
	}
	return nil
}

// activate validates the handle state and moves Created to Active.
func (m *StreamManager) activate(s *stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := m.now()
	if !s.state.terminal() && !now.Before(s.handle.ExpiresAt) {
		m.finishLocked(s, streamExpired, now)
	}
	if err := terminalError(s.state, s.handle.ID); err != nil {
		return err
	}
	s.state = streamActive
	return nil
}

// fill pulls pages until more than want-1 records are pending or every cell
// is drained. The caller holds s.fetching.
func (m *StreamManager) fill(ctx context.Context, s *stream, want int) error {
	for {
		s.mu.Lock()
		if s.limit != nil && s.fetched >= *s.limit {
			s.drained = true
		}
		if s.state == streamClosed || s.drained || len(s.pending) >= want {
			s.mu.Unlock()
			return nil
		}
		cellID := s.in.Targets[s.cursor]
		size := max(want-len(s.pending), s.decision.BatchSize(cellID))
		if s.limit != nil {
			size = int(min(uint64(size), *s.limit-s.fetched))
		}
		page := celldb.Pagination{Offset: s.offset, Limit: uint64(size)}
		s.mu.Unlock()

		res, err := m.fetcher.FetchPage(ctx, cellID, s.in.Filter, page)
		if err != nil {
			return err
		}

		s.mu.Lock()
		if s.state == streamClosed {
			s.mu.Unlock()
			return nil
		}
		records := res.Records
		if uint64(len(records)) > page.Limit {
			records = records[:page.Limit]
		}
		s.totals[cellID] = res.TotalCount
		s.pending = append(s.pending, records...)
		s.fetched += uint64(len(records))
		s.offset += uint64(len(records))
		if !res.HasMore || len(records) == 0 {
			s.cursor++
			s.offset = 0
			s.drained = s.cursor == len(s.in.Targets)
		}
		s.mu.Unlock()
	}
}

// take removes up to n pending records and builds the batch.
func (m *StreamManager) take(s *stream, n int) (*celldb.StreamBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case streamClosed:
		// closed while the fetch was in flight
		return nil, celldb.NewStreamingError(celldb.ErrCodeStreamClosed, "stream was closed during the fetch").
			WithDetail("streamId", s.handle.ID)
	case streamExpired:
		return nil, celldb.NewQueryError(celldb.ErrorKindTimeoutExceeded, celldb.ErrCodeStreamExpired, "stream expired during the fetch").
			WithDetail("streamId", s.handle.ID)
	}

	k := min(n, len(s.pending))
	records := make([]celldb.Record, k)
	copy(records, s.pending[:k])
	s.pending = s.pending[k:]
	s.delivered += uint64(k)

	now := m.now()
	hasMore := len(s.pending) > 0 || !s.drained
	if hasMore {
		s.handle.ExpiresAt = now.Add(s.timeout)
	} else {
		m.finishLocked(s, streamExhausted, now)
	}
	batch := &celldb.StreamBatch{
		Handle:             s.handle,
		BatchNumber:        s.batchNo,
		Records:            records,
		HasMore:            hasMore,
		EstimatedRemaining: s.estimateRemainingLocked(hasMore),
	}
	s.batchNo++
	return batch, nil
}

// estimateRemainingLocked is known once every cell has reported a total.
func (s *stream) estimateRemainingLocked(hasMore bool) *uint64 {
	var remaining uint64
	if !hasMore {
		return &remaining
	}
	if len(s.totals) < len(s.in.Targets) {
		return nil
	}
	var total uint64
	for _, t := range s.totals {
		total += t
	}
	if s.limit != nil {
		total = min(total, *s.limit)
	}
	if total > s.delivered {
		remaining = total - s.delivered
	}
	return &remaining
}

// prefetch fills the buffer in the background after a batch was served.
func (m *StreamManager) prefetch(s *stream) {
	s.mu.Lock()
	want := s.buffer
	s.mu.Unlock()
	if want <= 0 {
		return
	}
	err := m.fetcher.Go(func() {
		if !s.fetching.TryAcquire(1) {
			return
		}
		defer s.fetching.Release(1)
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := m.fill(ctx, s, want); err != nil {
			// the next Get retries the fetch and surfaces the error
			zap.S().Debugw("stream prefetch failed", "streamId", s.handle.ID, "error", err)
		}
	})
	if err != nil {
		zap.S().Debugw("stream prefetch skipped", "streamId", s.handle.ID, "error", err)
	}
}

// Close closes the stream. Closing a closed, expired or exhausted stream is a
// no-op, including after the reaper has dropped it.
func (m *StreamManager) Close(ctx context.Context, handleID string) error {
	s, _, err := m.lookup(handleID)
	if err != nil || s == nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return nil
	}
	m.finishLocked(s, streamClosed, m.now())
	zap.S().Debugw("stream closed", "streamId", handleID, "batches", s.batchNo, "delivered", s.delivered)
	return nil
}

// finishLocked moves s into a terminal state. The caller holds s.mu.
func (m *StreamManager) finishLocked(s *stream, state streamState, now time.Time) {
	if s.state.terminal() {
		return
	}
	s.state = state
	s.terminalAt = now
	s.pending = nil
	m.active.Add(-1)
}

// ActiveCount returns the number of streams that are neither closed, exhausted nor expired.
func (m *StreamManager) ActiveCount() int {
	return int(m.active.Load())
}

// Reap expires idle streams and tombstones terminal ones older than RetainTerminal.
func (m *StreamManager) Reap() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.streams {
		s.mu.Lock()
		if !s.state.terminal() && !now.Before(s.handle.ExpiresAt) {
			m.finishLocked(s, streamExpired, now)
			zap.S().Debugw("stream expired", "streamId", id)
		}
		drop := s.state.terminal() && now.Sub(s.terminalAt) >= m.cfg.RetainTerminal
		state := s.state
		s.mu.Unlock()
		if drop {
			delete(m.streams, id)
			m.bury(id, state)
		}
	}
}

func (m *StreamManager) reapLoop(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Reap()
		}
	}
}

// Shutdown stops the reaper and closes every open stream.
func (m *StreamManager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, s := range m.streams {
		s.mu.Lock()
		m.finishLocked(s, streamClosed, now)
		s.mu.Unlock()
	}
}
