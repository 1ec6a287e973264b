package internal

import (
	"context"
	"sync"

	"github.com/lychee-technology/celldb"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// cellConn is a dialed cell plus the limits guarding it.
type cellConn struct {
	reg    celldb.CellRegistration
	client celldb.CellClient
	// slots bounds in-flight calls to the cell's declared max concurrency.
	slots *semaphore.Weighted
}

// CellPool dials cells lazily and keeps one client per cell.
type CellPool struct {
	dialer celldb.CellDialer
	mu     sync.Mutex
	conns  map[string]*cellConn
	closed bool
}

func NewCellPool(dialer celldb.CellDialer) *CellPool {
	return &CellPool{dialer: dialer, conns: make(map[string]*cellConn)}
}

// Acquire returns the connection for reg, dialing it on first use or when the
// registration changed its endpoint or concurrency hint.
func (p *CellPool) Acquire(ctx context.Context, reg celldb.CellRegistration) (*cellConn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, celldb.NewCellUnavailableError(reg.CellID, "cell pool is closed", nil, false)
	}
	if conn, ok := p.conns[reg.CellID]; ok && sameConnection(conn.reg, reg) {
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	client, err := p.dialer.Dial(ctx, reg)
	if err != nil {
		return nil, celldb.NewCellUnavailableError(reg.CellID, "failed to connect to cell", err, true)
	}
	limit := int64(reg.PerformanceHints.MaxConcurrentQueries)
	if limit <= 0 {
		limit = 1
	}
	conn := &cellConn{reg: reg.Clone(), client: client, slots: semaphore.NewWeighted(limit)}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.conns[reg.CellID]; ok {
		if sameConnection(existing.reg, reg) {
			// lost a dial race
			_ = client.Close()
			return existing, nil
		}
		closeConn(existing)
	}
	p.conns[reg.CellID] = conn
	zap.S().Debugw("cell connected", "cellId", reg.CellID, "endpoint", reg.Endpoint)
	return conn, nil
}

// Invalidate closes the connection for cellID if the registration moved.
func (p *CellPool) Invalidate(reg celldb.CellRegistration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[reg.CellID]; ok && !sameConnection(conn.reg, reg) {
		closeConn(conn)
		delete(p.conns, reg.CellID)
	}
}

// Close closes every client.
func (p *CellPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	var err error
	for id, conn := range p.conns {
		err = multierr.Append(err, conn.client.Close())
		delete(p.conns, id)
	}
	return err
}

func sameConnection(a, b celldb.CellRegistration) bool {
	return a.Endpoint == b.Endpoint &&
		a.PerformanceHints.MaxConcurrentQueries == b.PerformanceHints.MaxConcurrentQueries
}

func closeConn(conn *cellConn) {
	if err := conn.client.Close(); err != nil {
		zap.S().Warnw("failed to close cell client", "cellId", conn.reg.CellID, "error", err)
	}
}
