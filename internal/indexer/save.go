package indexer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/duskfall-labs/corevault/internal/crdt"
	"github.com/duskfall-labs/corevault/internal/storage"
	"github.com/duskfall-labs/corevault/internal/syncengine"
	"github.com/duskfall-labs/corevault/internal/task"
)

// SaveTask inserts a chunk of newly-discovered file-path records,
// generating a pub_id per record and emitting one shared-create CRDT
// op each, all in one transactional batch.
type SaveTask struct {
	Ctx        context.Context
	LocationID uuid.UUID
	Files      []PendingFile
	Gateway    *storage.Gateway
	Sync       *syncengine.Manager

	cursor     int
	saved      int
	candidates []IdentifierCandidate
}

// SaveResult is SaveTask's Done output: how many rows it inserted and
// the pub_id/path of each, feeding the follow-up content identifier
// stage.
type SaveResult struct {
	Saved      int
	Candidates []IdentifierCandidate
}

// NewSaveTask constructs a SaveTask for one WalkChunk.ToCreate batch.
func NewSaveTask(ctx context.Context, locationID uuid.UUID, files []PendingFile, gateway *storage.Gateway, sync *syncengine.Manager) *SaveTask {
	return &SaveTask{Ctx: ctx, LocationID: locationID, Files: files, Gateway: gateway, Sync: sync}
}

// Execute implements task.Runnable. The whole chunk commits as one
// batch via syncengine.WriteOps, so a pause mid-chunk simply re-runs
// the same (small, bounded) batch rather than needing a per-file
// resume point.
func (t *SaveTask) Execute(interrupter *task.Interrupter) task.ExecOutcome {
	if t.cursor >= len(t.Files) {
		return task.ExecOutcome{Kind: task.StatusDone, Output: SaveResult{Saved: t.saved, Candidates: t.candidates}}
	}

	switch interrupter.Check() {
	case task.CheckpointCancel:
		return task.ExecOutcome{Kind: task.StatusCanceled}
	case task.CheckpointPause:
		return task.ExecOutcome{Kind: task.StatusPaused}
	}

	ops := make([]crdt.Operation, 0, len(t.Files))
	rows := make([]storage.FilePath, 0, len(t.Files))
	now := time.Now()

	candidates := make([]IdentifierCandidate, 0, len(t.Files))
	for _, f := range t.Files {
		pubID := uuid.New()
		if !f.IsDir {
			candidates = append(candidates, IdentifierCandidate{PubID: pubID, Path: f.MaterializedPath, IsDir: f.IsDir})
		}
		fields := map[string]interface{}{
			"materialized_path": f.MaterializedPath,
			"name":              f.Name,
			"is_dir":            f.IsDir,
			"size_in_bytes":     f.SizeInBytes,
		}
		if f.Inode != nil {
			fields["inode"] = *f.Inode
		}
		op := crdt.NewShared(t.Sync.Instance(), t.Sync.NewTimestamp(), crdt.ModelFilePath, crdt.SharedRecordID(pubID), crdt.Create{Fields: fields})
		ops = append(ops, op)
		rows = append(rows, storage.FilePath{
			PubID:            pubID,
			LocationID:       t.LocationID,
			MaterializedPath: f.MaterializedPath,
			Name:             f.Name,
			IsDir:            f.IsDir,
			SizeInBytes:      f.SizeInBytes,
			Inode:            f.Inode,
			DateCreated:      now,
			DateModified:     now,
		})
	}

	batch := syncengine.Batch{
		Ops: ops,
		Apply: func(ctx context.Context, tx storage.BatchTx) error {
			for _, row := range rows {
				if err := storage.UpsertFilePath(ctx, tx, row); err != nil {
					return fmt.Errorf("indexer: save %s: %w", row.MaterializedPath, err)
				}
			}
			return nil
		},
	}
	if err := t.Sync.WriteOps(t.Ctx, batch, true); err != nil {
		return task.ExecOutcome{Kind: task.StatusError, Err: err}
	}

	t.saved += len(t.Files)
	t.candidates = append(t.candidates, candidates...)
	t.cursor = len(t.Files)
	return task.ExecOutcome{Kind: task.StatusDone, Output: SaveResult{Saved: t.saved, Candidates: t.candidates}}
}

// serializedSaveState is what Serialize/DecodeSaveTask exchange.
type serializedSaveState struct {
	LocationID uuid.UUID     `msgpack:"location_id"`
	Files      []PendingFile `msgpack:"files"`
	Cursor     int           `msgpack:"cursor"`
	Saved      int           `msgpack:"saved"`
}

// Serialize implements task.Serializable.
func (t *SaveTask) Serialize() ([]byte, error) {
	return msgpack.Marshal(serializedSaveState{LocationID: t.LocationID, Files: t.Files, Cursor: t.cursor, Saved: t.saved})
}

// DecodeSaveTask reconstructs a SaveTask from Serialize's bytes.
func DecodeSaveTask(ctx context.Context, data []byte, gateway *storage.Gateway, sync *syncengine.Manager) (*SaveTask, error) {
	var state serializedSaveState
	if err := msgpack.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("indexer: decode save state: %w", err)
	}
	return &SaveTask{
		Ctx:        ctx,
		LocationID: state.LocationID,
		Files:      state.Files,
		Gateway:    gateway,
		Sync:       sync,
		cursor:     state.Cursor,
		saved:      state.Saved,
	}, nil
}
