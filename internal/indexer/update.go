package indexer

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/duskfall-labs/corevault/internal/crdt"
	"github.com/duskfall-labs/corevault/internal/storage"
	"github.com/duskfall-labs/corevault/internal/syncengine"
	"github.com/duskfall-labs/corevault/internal/task"
)

// UpdateTask applies field updates to existing file_path rows, one
// shared-update CRDT op per changed field. Every record's field writes
// commit together with their ops in a single transactional batch; each
// changed field is still its own shared-update op, so conflict
// resolution treats every (record, field) independently.
type UpdateTask struct {
	Ctx     context.Context
	Updates []PendingUpdate
	Gateway *storage.Gateway
	Sync    *syncengine.Manager

	cursor  int
	applied int
}

// NewUpdateTask constructs an UpdateTask for one WalkChunk.ToUpdate batch.
func NewUpdateTask(ctx context.Context, updates []PendingUpdate, gateway *storage.Gateway, sync *syncengine.Manager) *UpdateTask {
	return &UpdateTask{Ctx: ctx, Updates: updates, Gateway: gateway, Sync: sync}
}

// Execute implements task.Runnable.
func (t *UpdateTask) Execute(interrupter *task.Interrupter) task.ExecOutcome {
	if t.cursor >= len(t.Updates) {
		return task.ExecOutcome{Kind: task.StatusDone, Output: t.applied}
	}

	switch interrupter.Check() {
	case task.CheckpointCancel:
		return task.ExecOutcome{Kind: task.StatusCanceled}
	case task.CheckpointPause:
		return task.ExecOutcome{Kind: task.StatusPaused}
	}

	var ops []crdt.Operation
	type fieldWrite struct {
		pubID uuid.UUID
		field string
		value interface{}
	}
	var writes []fieldWrite

	for _, u := range t.Updates {
		for field, value := range u.Fields {
			ops = append(ops, crdt.NewShared(t.Sync.Instance(), t.Sync.NewTimestamp(), crdt.ModelFilePath, crdt.SharedRecordID(u.PubID), crdt.Update{Field: field, Value: value}))
			writes = append(writes, fieldWrite{pubID: u.PubID, field: field, value: value})
		}
	}

	batch := syncengine.Batch{
		Ops: ops,
		Apply: func(ctx context.Context, tx storage.BatchTx) error {
			for _, w := range writes {
				if err := storage.SetFilePathField(ctx, tx, w.pubID, w.field, w.value); err != nil {
					return fmt.Errorf("indexer: update %s.%s: %w", w.pubID, w.field, err)
				}
			}
			return nil
		},
	}
	if err := t.Sync.WriteOps(t.Ctx, batch, true); err != nil {
		return task.ExecOutcome{Kind: task.StatusError, Err: err}
	}

	t.applied += len(t.Updates)
	t.cursor = len(t.Updates)
	return task.ExecOutcome{Kind: task.StatusDone, Output: t.applied}
}

type serializedUpdateState struct {
	Updates []PendingUpdate `msgpack:"updates"`
	Cursor  int             `msgpack:"cursor"`
	Applied int             `msgpack:"applied"`
}

// Serialize implements task.Serializable.
func (t *UpdateTask) Serialize() ([]byte, error) {
	return msgpack.Marshal(serializedUpdateState{Updates: t.Updates, Cursor: t.cursor, Applied: t.applied})
}

// DecodeUpdateTask reconstructs an UpdateTask from Serialize's bytes.
func DecodeUpdateTask(ctx context.Context, data []byte, gateway *storage.Gateway, sync *syncengine.Manager) (*UpdateTask, error) {
	var state serializedUpdateState
	if err := msgpack.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("indexer: decode update state: %w", err)
	}
	return &UpdateTask{
		Ctx:     ctx,
		Updates: state.Updates,
		Gateway: gateway,
		Sync:    sync,
		cursor:  state.Cursor,
		applied: state.Applied,
	}, nil
}
