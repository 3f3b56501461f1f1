package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("subscription store connection closed")

// LazyPool is a DB that connects on first use. A failed attempt leaves it
// disconnected so the next call retries. Close releases the pool once; any
// use after Close fails with ErrClosed.
type LazyPool struct {
	dsn    string
	logger *zap.Logger

	mu     sync.Mutex
	pool   *pgxpool.Pool
	closed bool
}

func NewLazyPool(dsn string, logger *zap.Logger) *LazyPool {
	return &LazyPool{dsn: dsn, logger: logger}
}

// Pool returns the underlying pool, connecting if needed.
func (p *LazyPool) Pool(ctx context.Context) (*pgxpool.Pool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	if p.pool != nil {
		return p.pool, nil
	}

	pool, err := pgxpool.New(ctx, p.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	p.pool = pool
	p.logger.Info("subscription store connected")
	return pool, nil
}

// Connected reports whether a pool is currently established.
func (p *LazyPool) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pool != nil
}

func (p *LazyPool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	pool, err := p.Pool(ctx)
	if err != nil {
		return nil, err
	}
	return pool.Query(ctx, sql, args...)
}

func (p *LazyPool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	pool, err := p.Pool(ctx)
	if err != nil {
		return errRow{err: err}
	}
	return pool.QueryRow(ctx, sql, args...)
}

func (p *LazyPool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	pool, err := p.Pool(ctx)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	return pool.Exec(ctx, sql, args...)
}

// Close releases the pool. Calling it more than once is a no-op.
func (p *LazyPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.pool != nil {
		p.pool.Close()
		p.pool = nil
		p.logger.Info("subscription store disconnected")
	}
	return nil
}

type errRow struct {
	err error
}

func (r errRow) Scan(dest ...any) error {
	return r.err
}
