package syncengine

import (
	"context"

	"github.com/duskfall-labs/corevault/internal/broadcast"
	"github.com/duskfall-labs/corevault/internal/crdt"
	"github.com/duskfall-labs/corevault/internal/storage"
	"github.com/duskfall-labs/corevault/internal/vaultlog"
)

// Ingester is the background consumer that reads remote operations
// off a channel, updates the HLC, and applies each op under the
// manager's conflict-resolution rules.
type Ingester struct {
	manager *Manager
	log     *vaultlog.Logger
	inbox   chan crdt.Operation
	done    chan struct{}
}

// NewIngester creates an ingester reading from inbox; the caller owns
// feeding inbox from whatever transport delivers remote operations.
func NewIngester(manager *Manager, inbox chan crdt.Operation, log *vaultlog.Logger) *Ingester {
	return &Ingester{manager: manager, log: log.WithComponent("syncengine.ingest"), inbox: inbox, done: make(chan struct{})}
}

// Run consumes inbox until ctx is canceled or the channel is closed.
func (in *Ingester) Run(ctx context.Context) {
	defer close(in.done)
	for {
		select {
		case <-ctx.Done():
			return
		case op, ok := <-in.inbox:
			if !ok {
				return
			}
			in.ingestOne(ctx, op)
		}
	}
}

// Done is closed once Run returns, for callers that want to wait for
// a clean shutdown.
func (in *Ingester) Done() <-chan struct{} {
	return in.done
}

func (in *Ingester) ingestOne(ctx context.Context, op crdt.Operation) {
	if err := in.manager.clock.UpdateWithTimestamp(op.HLCTimestamp, op.InstanceUUID); err != nil {
		in.log.Warn("rejected remote timestamp", vaultlog.Fields{"error": err.Error(), "instance": op.InstanceUUID.String()})
		return
	}

	err := in.manager.gateway.ExecuteBatch(ctx, func(ctx context.Context, tx storage.BatchTx) error {
		applied, err := Apply(ctx, tx, in.manager.resolver, op)
		if err != nil {
			return err
		}
		if applied {
			in.manager.mu.Lock()
			in.manager.stats.OperationsApplied++
			in.manager.mu.Unlock()
		}
		return nil
	})
	if err != nil {
		in.log.Error("failed to ingest remote operation", vaultlog.Fields{"error": err.Error()})
		return
	}

	in.manager.hub.Publish(broadcast.KeyCreated, op)
}
