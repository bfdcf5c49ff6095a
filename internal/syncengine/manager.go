// Package syncengine implements a Hybrid Logical Clock-ordered CRDT
// operation log that attaches operations to every library mutation
// and merges remote operations with last-writer-wins semantics.
package syncengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/duskfall-labs/corevault/internal/broadcast"
	"github.com/duskfall-labs/corevault/internal/clock"
	"github.com/duskfall-labs/corevault/internal/crdt"
	"github.com/duskfall-labs/corevault/internal/storage"
)

// Manager is the sole writer of shared mutable state: all writes go
// through the storage gateway, which serializes mutations with the
// batch executor's transaction semantics.
type Manager struct {
	gateway  *storage.Gateway
	clock    *clock.HLC
	resolver *ConflictResolver
	hub      *broadcast.Hub

	mu    sync.Mutex
	stats Stats
}

// Stats is a lightweight counter set exposed to internal/statusd.
type Stats struct {
	OperationsWritten int64
	OperationsApplied int64
	ConflictsResolved int64
}

// New validates and wires a Manager, rejecting a nil gateway or clock.
func New(gateway *storage.Gateway, hlc *clock.HLC, hub *broadcast.Hub) (*Manager, error) {
	if gateway == nil {
		return nil, fmt.Errorf("syncengine: gateway cannot be nil")
	}
	if hlc == nil {
		return nil, fmt.Errorf("syncengine: clock cannot be nil")
	}
	if hub == nil {
		hub = broadcast.NewHub()
	}
	return &Manager{
		gateway:  gateway,
		clock:    hlc,
		resolver: NewConflictResolver(),
		hub:      hub,
	}, nil
}

// Batch is the unit WriteOps commits atomically: a set of CRDT
// operations plus an arbitrary domain write against the same
// transaction.
type Batch struct {
	Ops   []crdt.Operation
	Apply func(ctx context.Context, tx storage.BatchTx) error
}

// WriteOps implements write_ops(db, (ops, batch)): the domain mutation
// and the CRDT operation log entries commit together or not at all. If
// emitBroadcast is true, a Created notification is posted to the hub
// after commit.
func (m *Manager) WriteOps(ctx context.Context, batch Batch, emitBroadcast bool) error {
	err := m.gateway.ExecuteBatch(ctx, func(ctx context.Context, tx storage.BatchTx) error {
		if batch.Apply != nil {
			if err := batch.Apply(ctx, tx); err != nil {
				return err
			}
		}
		for _, op := range batch.Ops {
			if err := storage.InsertOperation(ctx, tx, op); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("syncengine: write_ops: %w", err)
	}

	m.mu.Lock()
	m.stats.OperationsWritten += int64(len(batch.Ops))
	m.mu.Unlock()

	if emitBroadcast {
		m.hub.Publish(broadcast.KeyCreated, batch.Ops)
	}
	return nil
}

// WriteOp implements write_op(db, op, query): the single-operation
// variant of WriteOps with identical transactional semantics.
func (m *Manager) WriteOp(ctx context.Context, op crdt.Operation, apply func(ctx context.Context, tx storage.BatchTx) error, emitBroadcast bool) error {
	return m.WriteOps(ctx, Batch{Ops: []crdt.Operation{op}, Apply: apply}, emitBroadcast)
}

// NewTimestamp draws a locally-ordered timestamp from the HLC for a
// new outgoing operation.
func (m *Manager) NewTimestamp() clock.Timestamp {
	return m.clock.NewTimestamp()
}

// Instance returns the process's stable instance UUID.
func (m *Manager) Instance() uuid.UUID {
	return m.clock.Instance()
}

// Gateway exposes the underlying storage gateway for callers that need
// to run ad-hoc batches outside WriteOps (e.g. the indexer's rollup
// pass, or tests exercising Apply directly).
func (m *Manager) Gateway() *storage.Gateway {
	return m.gateway
}

// Resolver exposes the manager's conflict resolver for reuse by
// ingestion paths that live outside this package (none currently do,
// kept for symmetry with Gateway).
func (m *Manager) Resolver() *ConflictResolver {
	return m.resolver
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
