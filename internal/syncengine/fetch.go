package syncengine

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/duskfall-labs/corevault/internal/clock"
	"github.com/duskfall-labs/corevault/internal/crdt"
	"github.com/duskfall-labs/corevault/internal/storage"
)

// ClockCursor is one entry of the caller's advertised clock state:
// "I have seen everything from Instance up to Timestamp."
type ClockCursor struct {
	Instance  uuid.UUID
	Timestamp clock.Timestamp
}

// FetchRequest is the input to GetOps: a set of per-instance cursors
// and a maximum number of operations to return.
type FetchRequest struct {
	Clocks []ClockCursor
	Count  int
}

// GetOps returns up to req.Count operations, ordered by (timestamp,
// instance), whose instance is either unknown to the caller or whose
// timestamp exceeds the caller's advertised timestamp for that
// instance. Shared and relation operations share one table, so both
// streams are read in a single ordered scan, filtered per cursor, then
// re-sorted and truncated to the requested count.
func (m *Manager) GetOps(ctx context.Context, req FetchRequest) ([]crdt.Operation, error) {
	if req.Count <= 0 {
		return nil, fmt.Errorf("syncengine: get_ops count must be positive")
	}

	cursors := make(map[uuid.UUID]clock.Timestamp, len(req.Clocks))
	for _, c := range req.Clocks {
		cursors[c.Instance] = c.Timestamp
	}

	var merged []crdt.Operation
	err := m.gateway.ExecuteBatch(ctx, func(ctx context.Context, tx storage.BatchTx) error {
		// The scan starts at the oldest operation, so widen it until it
		// yields req.Count operations past the cursors or exhausts the log.
		for limit := req.Count * 2; ; limit *= 2 {
			all, err := storage.AllOperationsAfter(ctx, tx, limit)
			if err != nil {
				return err
			}
			merged = merged[:0]
			for _, op := range all {
				seen, known := cursors[op.InstanceUUID]
				if known && op.HLCTimestamp <= seen {
					continue
				}
				merged = append(merged, op)
			}
			if len(merged) >= req.Count || len(all) < limit {
				return nil
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("syncengine: get_ops: %w", err)
	}

	sort.Slice(merged, func(i, j int) bool { return crdt.Less(merged[i], merged[j]) })

	if len(merged) > req.Count {
		merged = merged[:req.Count]
	}
	return merged, nil
}
