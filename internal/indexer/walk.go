package indexer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/duskfall-labs/corevault/internal/storage"
	"github.com/duskfall-labs/corevault/internal/task"
)

// DefaultChunkSize bounds how many to_create/to_update entries
// WalkDirTask batches into one WalkChunk before starting a new one,
// keeping each downstream SaveTask/UpdateTask transaction a bounded
// size rather than one giant batch per walk.
const DefaultChunkSize = 500

// walkedEntry is one filesystem entry discovered during a walk, before
// it has been compared against what is already on record.
type walkedEntry struct {
	MaterializedPath string
	Name             string
	IsDir            bool
	SizeInBytes      int64
	Inode            *int64
	ModTime          time.Time
}

// WalkDirTask walks a location's root directory, diffs what it finds
// against the file_path rows already recorded for that location, and
// produces chunked to_create/to_update/to_remove lists.
// Execute is resumable across Pause: the walk itself runs once (built
// guards this), and the per-entry diff loop advances a cursor checked
// against the Interrupter at every iteration: a cooperative checkpoint
// per directory entry.
type WalkDirTask struct {
	Ctx          context.Context
	LocationID   uuid.UUID
	RootPath     string
	Deep         bool
	IncludeRules []string
	ExcludeRules []string
	Gateway      *storage.Gateway
	ChunkSize    int

	built    bool
	entries  []walkedEntry
	existing map[string]storage.FilePath
	seen     map[string]struct{}
	cursor   int

	toCreate []PendingFile
	toUpdate []PendingUpdate
	chunks   []WalkChunk

	cumulativeSize int64
}

// NewWalkDirTask constructs a WalkDirTask ready to dispatch.
func NewWalkDirTask(ctx context.Context, locationID uuid.UUID, rootPath string, deep bool, include, exclude []string, gateway *storage.Gateway) *WalkDirTask {
	chunkSize := DefaultChunkSize
	return &WalkDirTask{
		Ctx:          ctx,
		LocationID:   locationID,
		RootPath:     rootPath,
		Deep:         deep,
		IncludeRules: include,
		ExcludeRules: exclude,
		Gateway:      gateway,
		ChunkSize:    chunkSize,
	}
}

// Execute implements task.Runnable.
func (t *WalkDirTask) Execute(interrupter *task.Interrupter) task.ExecOutcome {
	if !t.built {
		entries, err := walkEntries(t.RootPath, t.Deep, t.IncludeRules, t.ExcludeRules)
		if err != nil {
			return task.ExecOutcome{Kind: task.StatusError, Err: fmt.Errorf("indexer: walk %s: %w", t.RootPath, err)}
		}
		existing, err := t.loadExisting()
		if err != nil {
			return task.ExecOutcome{Kind: task.StatusError, Err: err}
		}
		t.entries = entries
		t.existing = existing
		t.seen = make(map[string]struct{}, len(entries))
		t.built = true
	}

	for t.cursor < len(t.entries) {
		switch interrupter.Check() {
		case task.CheckpointCancel:
			return task.ExecOutcome{Kind: task.StatusCanceled}
		case task.CheckpointPause:
			return task.ExecOutcome{Kind: task.StatusPaused}
		}

		e := t.entries[t.cursor]
		t.cursor++
		t.seen[e.MaterializedPath] = struct{}{}
		if !e.IsDir {
			t.cumulativeSize += e.SizeInBytes
		}

		if prior, ok := t.existing[e.MaterializedPath]; ok {
			if fields := changedFields(prior, e); len(fields) > 0 {
				t.toUpdate = append(t.toUpdate, PendingUpdate{PubID: prior.PubID, Fields: fields})
			}
		} else {
			t.toCreate = append(t.toCreate, PendingFile{
				MaterializedPath: e.MaterializedPath,
				Name:             e.Name,
				IsDir:            e.IsDir,
				SizeInBytes:      e.SizeInBytes,
				Inode:            e.Inode,
				ModTime:          e.ModTime,
			})
		}

		if len(t.toCreate)+len(t.toUpdate) >= t.ChunkSize {
			t.flushChunk(nil)
		}
	}

	var toRemove []uuid.UUID
	for path, f := range t.existing {
		if _, ok := t.seen[path]; !ok {
			toRemove = append(toRemove, f.PubID)
		}
	}
	t.flushChunk(toRemove)

	return task.ExecOutcome{Kind: task.StatusDone, Output: WalkOutput{
		LocationID:     t.LocationID,
		IsolatedPath:   t.RootPath,
		CumulativeSize: t.cumulativeSize,
		Chunks:         t.chunks,
	}}
}

func (t *WalkDirTask) flushChunk(remove []uuid.UUID) {
	if len(t.toCreate) == 0 && len(t.toUpdate) == 0 && len(remove) == 0 {
		return
	}
	t.chunks = append(t.chunks, WalkChunk{
		ToCreate: t.toCreate,
		ToUpdate: t.toUpdate,
		ToRemove: remove,
	})
	t.toCreate = nil
	t.toUpdate = nil
}

func (t *WalkDirTask) loadExisting() (map[string]storage.FilePath, error) {
	existing := make(map[string]storage.FilePath)
	err := t.Gateway.ExecuteBatch(t.Ctx, func(ctx context.Context, tx storage.BatchTx) error {
		rows, err := storage.FilePathsUnder(ctx, tx, t.LocationID)
		if err != nil {
			return err
		}
		for _, row := range rows {
			existing[row.MaterializedPath] = row
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("indexer: load existing file paths for %s: %w", t.LocationID, err)
	}
	return existing, nil
}

// changedFields compares a recorded row against a freshly-walked
// entry and returns only the fields that differ, so the caller emits
// one shared-update CRDT op per changed field.
func changedFields(prior storage.FilePath, fresh walkedEntry) map[string]interface{} {
	fields := make(map[string]interface{})
	if prior.SizeInBytes != fresh.SizeInBytes {
		fields["size_in_bytes"] = fresh.SizeInBytes
	}
	if prior.Name != fresh.Name {
		fields["name"] = fresh.Name
	}
	if prior.IsDir != fresh.IsDir {
		fields["is_dir"] = fresh.IsDir
	}
	if fresh.Inode != nil && (prior.Inode == nil || *prior.Inode != *fresh.Inode) {
		fields["inode"] = *fresh.Inode
	}
	return fields
}

// walkEntries performs the actual filesystem traversal. Shallow mode
// lists exactly one directory level; deep mode descends recursively.
func walkEntries(rootPath string, deep bool, include, exclude []string) ([]walkedEntry, error) {
	if deep {
		return walkDeep(rootPath, include, exclude)
	}
	return walkShallow(rootPath, include, exclude)
}

func walkShallow(rootPath string, include, exclude []string) ([]walkedEntry, error) {
	dirEntries, err := os.ReadDir(rootPath)
	if err != nil {
		return nil, err
	}
	var out []walkedEntry
	for _, de := range dirEntries {
		if !matchesRules(de.Name(), include, exclude) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, toWalkedEntry(de.Name(), filepath.Join(rootPath, de.Name()), info))
	}
	return out, nil
}

func walkDeep(rootPath string, include, exclude []string) ([]walkedEntry, error) {
	var out []walkedEntry
	err := filepath.Walk(rootPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			// Mirrors directory_scanner.go: skip-and-continue rather
			// than abort the whole walk over one unreadable entry.
			return nil
		}
		if path == rootPath {
			return nil
		}
		if !matchesRules(info.Name(), include, exclude) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		out = append(out, toWalkedEntry(info.Name(), path, info))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func toWalkedEntry(name, absPath string, info os.FileInfo) walkedEntry {
	e := walkedEntry{
		MaterializedPath: absPath,
		Name:             name,
		IsDir:            info.IsDir(),
		SizeInBytes:      info.Size(),
		ModTime:          info.ModTime(),
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		inode := int64(stat.Ino)
		e.Inode = &inode
	}
	return e
}

// matchesRules reports whether name passes the include/exclude glob
// rules. An empty include list matches everything; any exclude match
// wins over any include match.
func matchesRules(name string, include, exclude []string) bool {
	for _, pattern := range exclude {
		if ok, _ := filepath.Match(pattern, name); ok {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, pattern := range include {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// serializedWalkState is the on-disk shape Serialize/DecodeWalkDirTask
// exchange: a snapshot of everything needed to resume the diff loop
// without re-walking the filesystem or re-querying existing rows.
type serializedWalkState struct {
	LocationID     uuid.UUID               `msgpack:"location_id"`
	RootPath       string                  `msgpack:"root_path"`
	Deep           bool                    `msgpack:"deep"`
	IncludeRules   []string                `msgpack:"include_rules"`
	ExcludeRules   []string                `msgpack:"exclude_rules"`
	ChunkSize      int                     `msgpack:"chunk_size"`
	Entries        []walkedEntry           `msgpack:"entries"`
	Cursor         int                     `msgpack:"cursor"`
	Seen           []string                `msgpack:"seen"`
	ToCreate       []PendingFile           `msgpack:"to_create"`
	ToUpdate       []PendingUpdate         `msgpack:"to_update"`
	Chunks         []WalkChunk             `msgpack:"chunks"`
	CumulativeSize int64                   `msgpack:"cumulative_size"`
	Existing       map[string]storage.FilePath `msgpack:"existing"`
}

// Serialize implements task.Serializable so a job can persist a walk
// that was mid-flight when the runner shut it down.
func (t *WalkDirTask) Serialize() ([]byte, error) {
	seen := make([]string, 0, len(t.seen))
	for k := range t.seen {
		seen = append(seen, k)
	}
	state := serializedWalkState{
		LocationID:     t.LocationID,
		RootPath:       t.RootPath,
		Deep:           t.Deep,
		IncludeRules:   t.IncludeRules,
		ExcludeRules:   t.ExcludeRules,
		ChunkSize:      t.ChunkSize,
		Entries:        t.entries,
		Cursor:         t.cursor,
		Seen:           seen,
		ToCreate:       t.toCreate,
		ToUpdate:       t.toUpdate,
		Chunks:         t.chunks,
		CumulativeSize: t.cumulativeSize,
		Existing:       t.existing,
	}
	return msgpack.Marshal(state)
}

// DecodeWalkDirTask reconstructs a WalkDirTask from Serialize's bytes,
// ready to resume Execute exactly where it left off.
func DecodeWalkDirTask(ctx context.Context, data []byte, gateway *storage.Gateway) (*WalkDirTask, error) {
	var state serializedWalkState
	if err := msgpack.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("indexer: decode walk state: %w", err)
	}
	seen := make(map[string]struct{}, len(state.Seen))
	for _, k := range state.Seen {
		seen[k] = struct{}{}
	}
	// A walk serialized before its first Execute has no entries yet,
	// so it walks the filesystem on resume.
	return &WalkDirTask{
		Ctx:            ctx,
		LocationID:     state.LocationID,
		RootPath:       state.RootPath,
		Deep:           state.Deep,
		IncludeRules:   state.IncludeRules,
		ExcludeRules:   state.ExcludeRules,
		Gateway:        gateway,
		ChunkSize:      state.ChunkSize,
		built:          len(state.Entries) > 0,
		entries:        state.Entries,
		existing:       state.Existing,
		seen:           seen,
		cursor:         state.Cursor,
		toCreate:       state.ToCreate,
		toUpdate:       state.ToUpdate,
		chunks:         state.Chunks,
		cumulativeSize: state.CumulativeSize,
	}, nil
}
