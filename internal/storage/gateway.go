// Package storage implements an opaque transactional batch executor:
// callers hand the gateway a function and get atomic commit-or-rollback
// semantics, never a query-builder or schema detail. Concretely backed
// by Postgres via pgx so the contract can be exercised end-to-end in
// tests.
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duskfall-labs/corevault/internal/vaultlog"
)

// BatchTx is the capability a batch function receives: a single
// transactional connection. It exists so callers never see pgx types
// directly, keeping the database genuinely opaque to the task/job/sync
// layers above it.
type BatchTx interface {
	Exec(ctx context.Context, sql string, args ...interface{}) error
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type pgxBatchTx struct {
	tx pgx.Tx
}

func (b pgxBatchTx) Exec(ctx context.Context, sql string, args ...interface{}) error {
	_, err := b.tx.Exec(ctx, sql, args...)
	return err
}
func (b pgxBatchTx) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return b.tx.Query(ctx, sql, args...)
}
func (b pgxBatchTx) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return b.tx.QueryRow(ctx, sql, args...)
}

// Gateway is the single shared mutable resource the sync and job
// layers serialize writes through: all mutations go through the
// gateway, which ties them to the batch executor's transaction
// semantics.
type Gateway struct {
	pool   *pgxpool.Pool
	log    *vaultlog.Logger
	mu     sync.RWMutex
	closed bool
}

// Config configures the gateway's connection pool.
type Config struct {
	DSN      string
	MaxConns int32
}

// Open connects to Postgres and returns a ready Gateway.
func Open(ctx context.Context, cfg Config, log *vaultlog.Logger) (*Gateway, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage: DSN is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	if log == nil {
		log = vaultlog.New(vaultlog.DefaultConfig())
	}
	return &Gateway{pool: pool, log: log.WithComponent("storage")}, nil
}

// ExecuteBatch runs fn inside a single transaction: all writes inside
// fn commit together or none do. This is the only write path the rest
// of the core is allowed to use — a pending operation is either
// committed or fully rolled back.
func (g *Gateway) ExecuteBatch(ctx context.Context, fn func(ctx context.Context, tx BatchTx) error) error {
	g.mu.RLock()
	closed := g.closed
	g.mu.RUnlock()
	if closed {
		return fmt.Errorf("storage: gateway closed")
	}

	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, pgxBatchTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

// Ping checks pool liveness; used by the health monitor.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.pool.Ping(ctx)
}

// Close releases the connection pool. Safe to call more than once.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	g.pool.Close()
}

// HealthMonitor periodically pings the gateway and logs transitions
// between healthy and unhealthy states.
type HealthMonitor struct {
	gateway  *Gateway
	interval time.Duration
	log      *vaultlog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	healthy bool
}

// NewHealthMonitor creates a monitor that checks gateway health every interval.
func NewHealthMonitor(gateway *Gateway, interval time.Duration, log *vaultlog.Logger) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthMonitor{gateway: gateway, interval: interval, log: log.WithComponent("storage.health"), healthy: true}
}

// Start begins monitoring in a background goroutine; it stops when ctx is canceled or Stop is called.
func (hm *HealthMonitor) Start(ctx context.Context) {
	hm.mu.Lock()
	if hm.running {
		hm.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	hm.cancel = cancel
	hm.running = true
	hm.mu.Unlock()

	go hm.loop(ctx)
}

func (hm *HealthMonitor) loop(ctx context.Context) {
	ticker := time.NewTicker(hm.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := hm.gateway.Ping(ctx)
			hm.mu.Lock()
			wasHealthy := hm.healthy
			hm.healthy = err == nil
			hm.mu.Unlock()
			if err != nil && wasHealthy {
				hm.log.Error("database became unhealthy", vaultlog.Fields{"error": err.Error()})
			} else if err == nil && !wasHealthy {
				hm.log.Info("database recovered", nil)
			}
		}
	}
}

// Healthy reports the last observed health state.
func (hm *HealthMonitor) Healthy() bool {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	return hm.healthy
}

// Stop ends the monitoring loop.
func (hm *HealthMonitor) Stop() {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if hm.cancel != nil {
		hm.cancel()
	}
	hm.running = false
}
