// Package indexer is the reference workload exercising the rest of
// the platform: a job that walks a registered location, diffs what it
// finds against what is already on record, and saves or updates
// file_path rows through the sync engine so every change lands in the
// CRDT operation log.
package indexer

import (
	"time"

	"github.com/google/uuid"
)

// PendingFile is a filesystem entry WalkDirTask found with no matching
// file_path row yet, ready for SaveTask to insert.
type PendingFile struct {
	MaterializedPath string
	Name             string
	IsDir            bool
	SizeInBytes      int64
	Inode            *int64
	ModTime          time.Time
}

// PendingUpdate is an existing file_path row whose on-disk state has
// diverged, carrying only the fields that changed: UpdateTask applies
// field updates on existing rows, one shared-update CRDT op per
// changed field.
type PendingUpdate struct {
	PubID  uuid.UUID
	Fields map[string]interface{}
}

// WalkChunk is one batch WalkDirTask hands downstream: three lists
// per chunk, to_create, to_update, and to_remove.
type WalkChunk struct {
	ToCreate []PendingFile
	ToUpdate []PendingUpdate
	ToRemove []uuid.UUID
}

// WalkOutput is WalkDirTask's Done output: every chunk produced by one
// walk, plus the cumulative byte total and the walked root. It
// travels as a task.ExecOutcome.Output value, not a job.Output — only
// IndexerJob's own Run result needs to satisfy that marker interface
// (see job.go).
type WalkOutput struct {
	LocationID     uuid.UUID
	IsolatedPath   string
	CumulativeSize int64
	Chunks         []WalkChunk
}
