package indexer

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/duskfall-labs/corevault/internal/crdt"
	"github.com/duskfall-labs/corevault/internal/storage"
	"github.com/duskfall-labs/corevault/internal/syncengine"
)

// RollupDirectorySizes recomputes every directory's size_in_bytes as
// the sum of its immediate children, deepest directories first so a
// parent's rollup already reflects its children's rolled-up totals.
// Each changed directory emits one shared-update CRDT op, consistent
// with UpdateTask's one-op-per-changed-field rule.
func RollupDirectorySizes(ctx context.Context, gateway *storage.Gateway, sync *syncengine.Manager, locationID uuid.UUID) error {
	var rows []storage.FilePath
	err := gateway.ExecuteBatch(ctx, func(ctx context.Context, tx storage.BatchTx) error {
		r, err := storage.FilePathsUnder(ctx, tx, locationID)
		rows = r
		return err
	})
	if err != nil {
		return fmt.Errorf("indexer: rollup: load file paths for %s: %w", locationID, err)
	}

	byPath := make(map[string]storage.FilePath, len(rows))
	childrenOf := make(map[string][]string)
	for _, r := range rows {
		byPath[r.MaterializedPath] = r
		parent := filepath.Dir(r.MaterializedPath)
		childrenOf[parent] = append(childrenOf[parent], r.MaterializedPath)
	}

	dirs := make([]string, 0, len(rows))
	for _, r := range rows {
		if r.IsDir {
			dirs = append(dirs, r.MaterializedPath)
		}
	}
	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], string(filepath.Separator)) > strings.Count(dirs[j], string(filepath.Separator))
	})

	rolled := make(map[string]int64, len(dirs))
	var ops []crdt.Operation
	var writes []func(ctx context.Context, tx storage.BatchTx) error

	for _, dir := range dirs {
		var total int64
		for _, childPath := range childrenOf[dir] {
			child := byPath[childPath]
			if child.IsDir {
				if size, ok := rolled[childPath]; ok {
					total += size
				} else {
					total += child.SizeInBytes
				}
			} else {
				total += child.SizeInBytes
			}
		}
		rolled[dir] = total

		row := byPath[dir]
		if row.SizeInBytes == total {
			continue
		}
		pubID := row.PubID
		ops = append(ops, crdt.NewShared(sync.Instance(), sync.NewTimestamp(), crdt.ModelFilePath, crdt.SharedRecordID(pubID), crdt.Update{Field: "size_in_bytes", Value: total}))
		writes = append(writes, func(ctx context.Context, tx storage.BatchTx) error {
			return storage.SetFilePathField(ctx, tx, pubID, "size_in_bytes", total)
		})
	}

	if len(ops) == 0 {
		return nil
	}

	batch := syncengine.Batch{
		Ops: ops,
		Apply: func(ctx context.Context, tx storage.BatchTx) error {
			for _, w := range writes {
				if err := w(ctx, tx); err != nil {
					return err
				}
			}
			return nil
		},
	}
	return sync.WriteOps(ctx, batch, true)
}
