package indexer

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"lukechampine.com/blake3"

	"github.com/duskfall-labs/corevault/internal/crdt"
	"github.com/duskfall-labs/corevault/internal/storage"
	"github.com/duskfall-labs/corevault/internal/syncengine"
	"github.com/duskfall-labs/corevault/internal/task"
)

// IdentifierCandidate is one file_path row awaiting a content
// identifier: its pub_id and the absolute path to hash.
type IdentifierCandidate struct {
	PubID uuid.UUID
	Path  string
	IsDir bool
}

// ContentIdentifierTask computes a BLAKE3 content hash for each
// candidate file, upserts a content-addressed object row (deduplicating
// by hash), and records the result as a further shared-update CRDT op
// on the owning file_path.
type ContentIdentifierTask struct {
	Ctx        context.Context
	Candidates []IdentifierCandidate
	Gateway    *storage.Gateway
	Sync       *syncengine.Manager

	cursor    int
	processed int
	errs      []error
}

// NewContentIdentifierTask constructs a ContentIdentifierTask for a
// batch of candidates produced after a Save/UpdateTask commits.
func NewContentIdentifierTask(ctx context.Context, candidates []IdentifierCandidate, gateway *storage.Gateway, sync *syncengine.Manager) *ContentIdentifierTask {
	return &ContentIdentifierTask{Ctx: ctx, Candidates: candidates, Gateway: gateway, Sync: sync}
}

// Execute implements task.Runnable. Per-file failures (permission
// denied, file removed mid-walk) are accumulated as non-critical and
// do not stop the batch, matching the aggregator pattern in
// internal/vaulterr.
func (t *ContentIdentifierTask) Execute(interrupter *task.Interrupter) task.ExecOutcome {
	for t.cursor < len(t.Candidates) {
		switch interrupter.Check() {
		case task.CheckpointCancel:
			return task.ExecOutcome{Kind: task.StatusCanceled}
		case task.CheckpointPause:
			return task.ExecOutcome{Kind: task.StatusPaused}
		}

		c := t.Candidates[t.cursor]
		t.cursor++
		if c.IsDir {
			continue
		}

		if err := t.identifyOne(c); err != nil {
			t.errs = append(t.errs, err)
			continue
		}
		t.processed++
	}
	return task.ExecOutcome{Kind: task.StatusDone, Output: IdentifierResult{Processed: t.processed, Errors: t.errs}}
}

// IdentifierResult summarizes one ContentIdentifierTask run.
type IdentifierResult struct {
	Processed int
	Errors    []error
}

func (t *ContentIdentifierTask) identifyOne(c IdentifierCandidate) error {
	hash, size, err := hashFile(c.Path)
	if err != nil {
		return fmt.Errorf("indexer: hash %s: %w", c.Path, err)
	}

	var objectID uuid.UUID
	err = t.Gateway.ExecuteBatch(t.Ctx, func(ctx context.Context, tx storage.BatchTx) error {
		id, err := storage.UpsertObject(ctx, tx, storage.Object{
			PubID:       uuid.New(),
			ContentHash: hash,
			SizeInBytes: size,
			DateCreated: time.Now(),
		})
		objectID = id
		return err
	})
	if err != nil {
		return fmt.Errorf("indexer: upsert object for %s: %w", c.Path, err)
	}

	op := crdt.NewShared(t.Sync.Instance(), t.Sync.NewTimestamp(), crdt.ModelFilePath, crdt.SharedRecordID(c.PubID), crdt.Update{Field: "object_id", Value: objectID})
	apply := func(ctx context.Context, tx storage.BatchTx) error {
		return storage.SetFilePathField(ctx, tx, c.PubID, "object_id", objectID)
	}
	return t.Sync.WriteOp(t.Ctx, op, apply, true)
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := blake3.New(32, nil)
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
