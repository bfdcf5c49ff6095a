package indexer

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/duskfall-labs/corevault/internal/broadcast"
	"github.com/duskfall-labs/corevault/internal/crdt"
	"github.com/duskfall-labs/corevault/internal/job"
	"github.com/duskfall-labs/corevault/internal/storage"
	"github.com/duskfall-labs/corevault/internal/syncengine"
	"github.com/duskfall-labs/corevault/internal/task"
)

func init() {
	job.Register(job.NameIndexer, decodeIndexerJob)
}

// IndexerJob composes WalkDirTask, SaveTask, UpdateTask, and
// ContentIdentifierTask into the reference indexing job: walk a
// location, save/update what changed, roll up directory sizes, and
// invalidate search.
type IndexerJob struct {
	LocationID   uuid.UUID
	Deep         bool
	IncludeRules []string
	ExcludeRules []string

	// walkOutput is set once the walk has completed, so a rehydrated
	// instance resuming mid-chunk never re-walks the filesystem.
	walkOutput *WalkOutput
	// chunkIndex is the index into walkOutput.Chunks of the chunk
	// currently being processed; every chunk before it has already
	// committed.
	chunkIndex int
	// saveDone/updateDone mark whether the current chunk's Save and
	// Update phases have already committed, so a resumed instance
	// never redispatches a phase whose writes already landed.
	saveDone   bool
	updateDone bool
	// accum carries the running output totals across chunks already
	// committed before a shutdown.
	accum IndexerOutput

	// Exactly one of these is set by decodeIndexerJob when this
	// instance is being rehydrated mid-flight: Run resumes it directly
	// instead of constructing a fresh task for that phase.
	resumedWalk   *WalkDirTask
	resumedSave   *SaveTask
	resumedUpdate *UpdateTask
}

// NewIndexerJob constructs a fresh (not-yet-run) indexing job for a location.
func NewIndexerJob(locationID uuid.UUID, deep bool, include, exclude []string) *IndexerJob {
	return &IndexerJob{LocationID: locationID, Deep: deep, IncludeRules: include, ExcludeRules: exclude}
}

// Name implements job.Job.
func (j *IndexerJob) Name() job.Name { return job.NameIndexer }

// IndexerOutput is IndexerJob's Run result, satisfying job.Output.
type IndexerOutput struct {
	LocationID     uuid.UUID
	FilesSaved     int
	FilesUpdated   int
	FilesRemoved   int
	CumulativeSize int64
}

// JobName implements job.Output.
func (IndexerOutput) JobName() job.Name { return job.NameIndexer }

// Run implements job.Job. It checks the location is still live, walks
// it, dispatches Save/Update/content-identifier tasks per chunk,
// applies removals, rolls up directory sizes, and publishes
// broadcast.KeySearchPaths once all writes have committed.
func (j *IndexerJob) Run(jc *job.Context) (job.Output, error) {
	loc, err := j.loadLocation(jc)
	if err != nil {
		return nil, err
	}
	if err := checkLocationLive(loc.RootPath); err != nil {
		return nil, fmt.Errorf("indexer: location %s not live: %w", j.LocationID, err)
	}

	if j.walkOutput == nil {
		var walk task.Runnable
		if j.resumedWalk != nil {
			j.resumedWalk.Ctx = jc.Ctx
			j.resumedWalk.Gateway = jc.Gateway
			walk = j.resumedWalk
			j.resumedWalk = nil
		} else {
			walk = NewWalkDirTask(jc.Ctx, j.LocationID, loc.RootPath, j.Deep, j.IncludeRules, j.ExcludeRules, jc.Gateway)
		}

		handles := jc.DispatchTasks([]task.Runnable{walk})
		results, err := jc.WaitForTasks(handles)
		if err != nil {
			return nil, err
		}
		if jc.ShuttingDown() || len(results) == 0 {
			// The walk was captured for shutdown persistence instead of
			// completing; WaitForTasks already routed it into the job's
			// pending-task set.
			return nil, job.ErrShutdown
		}

		walkOutput, ok := results[0].Status.Output.(WalkOutput)
		if !ok {
			return nil, fmt.Errorf("indexer: unexpected walk output type %T", results[0].Status.Output)
		}
		j.walkOutput = &walkOutput
		j.accum.CumulativeSize = walkOutput.CumulativeSize
	}

	out := j.accum
	out.LocationID = j.LocationID
	jc.Progress(job.TaskCountUpdate(len(j.walkOutput.Chunks) * 2))
	jc.Progress(job.CompletedUpdate(j.chunkIndex * 2))

	for ; j.chunkIndex < len(j.walkOutput.Chunks); j.chunkIndex++ {
		chunk := j.walkOutput.Chunks[j.chunkIndex]
		if jc.Interrupter.Check() == task.CheckpointCancel {
			return nil, job.ErrCanceled
		}

		if len(chunk.ToCreate) == 0 && len(chunk.ToUpdate) == 0 && len(chunk.ToRemove) == 0 {
			continue
		}

		// Save and Update dispatch sequentially, one at a time, rather
		// than as a single concurrent stage: that keeps at most one
		// serializable task in flight at any shutdown boundary, so a
		// shutdown mid-chunk captures exactly one pending task and
		// resuming it, plus the saveDone/updateDone flags persisted
		// alongside it, never loses either half of the chunk.
		var candidates []IdentifierCandidate

		if !j.saveDone {
			var saveTask *SaveTask
			if j.resumedSave != nil {
				j.resumedSave.Ctx = jc.Ctx
				j.resumedSave.Gateway = jc.Gateway
				j.resumedSave.Sync = jc.Sync
				saveTask = j.resumedSave
				j.resumedSave = nil
			} else if len(chunk.ToCreate) > 0 {
				saveTask = NewSaveTask(jc.Ctx, j.LocationID, chunk.ToCreate, jc.Gateway, jc.Sync)
			}
			if saveTask != nil {
				sr, ok, err := runSaveTask(jc, saveTask)
				if err != nil {
					return nil, err
				}
				if !ok {
					j.accum = out
					return nil, job.ErrShutdown
				}
				out.FilesSaved += sr.Saved
				candidates = append(candidates, sr.Candidates...)
			}
			j.saveDone = true
			j.accum = out
		}

		if !j.updateDone {
			var updateTask *UpdateTask
			if j.resumedUpdate != nil {
				j.resumedUpdate.Ctx = jc.Ctx
				j.resumedUpdate.Gateway = jc.Gateway
				j.resumedUpdate.Sync = jc.Sync
				updateTask = j.resumedUpdate
				j.resumedUpdate = nil
			} else if len(chunk.ToUpdate) > 0 {
				updateTask = NewUpdateTask(jc.Ctx, chunk.ToUpdate, jc.Gateway, jc.Sync)
			}
			if updateTask != nil {
				applied, ok, err := runUpdateTask(jc, updateTask)
				if err != nil {
					return nil, err
				}
				if !ok {
					j.accum = out
					return nil, job.ErrShutdown
				}
				out.FilesUpdated += applied
			}
			j.updateDone = true
			j.accum = out
		}
		jc.Progress(job.CompletedUpdate(1))

		if len(candidates) > 0 {
			idTask := NewContentIdentifierTask(jc.Ctx, candidates, jc.Gateway, jc.Sync)
			idHandles := jc.DispatchTasks([]task.Runnable{idTask})
			if _, err := jc.WaitForTasks(idHandles); err != nil {
				return nil, err
			}
			if jc.ShuttingDown() {
				j.accum = out
				return nil, job.ErrShutdown
			}
		}
		jc.Progress(job.CompletedUpdate(1))

		if len(chunk.ToRemove) > 0 {
			if err := applyRemovals(jc, chunk.ToRemove); err != nil {
				return nil, err
			}
			out.FilesRemoved += len(chunk.ToRemove)
		}

		j.accum = out
		j.saveDone, j.updateDone = false, false
	}

	if err := RollupDirectorySizes(jc.Ctx, jc.Gateway, jc.Sync, j.LocationID); err != nil {
		return nil, fmt.Errorf("indexer: rollup: %w", err)
	}

	if jc.Hub != nil {
		jc.Hub.Publish(broadcast.KeySearchPaths, j.LocationID)
	}

	return out, nil
}

// runSaveTask dispatches t and waits for it. ok is false when the
// runner asked this job to shut down mid-dispatch, in which case the
// caller must return job.ErrShutdown without crediting any output.
func runSaveTask(jc *job.Context, t *SaveTask) (SaveResult, bool, error) {
	handles := jc.DispatchTasks([]task.Runnable{t})
	results, err := jc.WaitForTasks(handles)
	if err != nil {
		return SaveResult{}, false, err
	}
	if jc.ShuttingDown() || len(results) == 0 {
		return SaveResult{}, false, nil
	}
	sr, ok := results[0].Status.Output.(SaveResult)
	if !ok {
		return SaveResult{}, false, fmt.Errorf("indexer: unexpected save output type %T", results[0].Status.Output)
	}
	return sr, true, nil
}

// runUpdateTask is runSaveTask's counterpart for UpdateTask.
func runUpdateTask(jc *job.Context, t *UpdateTask) (int, bool, error) {
	handles := jc.DispatchTasks([]task.Runnable{t})
	results, err := jc.WaitForTasks(handles)
	if err != nil {
		return 0, false, err
	}
	if jc.ShuttingDown() || len(results) == 0 {
		return 0, false, nil
	}
	applied, ok := results[0].Status.Output.(int)
	if !ok {
		return 0, false, fmt.Errorf("indexer: unexpected update output type %T", results[0].Status.Output)
	}
	return applied, true, nil
}

func (j *IndexerJob) loadLocation(jc *job.Context) (storage.Location, error) {
	var loc storage.Location
	err := jc.Gateway.ExecuteBatch(jc.Ctx, func(ctx context.Context, tx storage.BatchTx) error {
		l, err := storage.GetLocation(ctx, tx, j.LocationID)
		loc = l
		return err
	})
	if err != nil {
		return storage.Location{}, fmt.Errorf("indexer: load location %s: %w", j.LocationID, err)
	}
	return loc, nil
}

// checkLocationLive verifies the root path can still be watched before
// committing a walk to it — a one-shot use of fsnotify distinct from
// any continuous filesystem-watch feature, which is out of scope here.
func checkLocationLive(rootPath string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(rootPath); err != nil {
		return fmt.Errorf("path unreachable: %w", err)
	}
	return nil
}

// applyRemovals tombstones every file_path row no longer found by the
// walk: one shared-delete CRDT op per record, committed in a single
// batch. ToRemove is one of WalkDirTask's three output lists;
// applying it is bookkeeping the job performs directly rather than a
// fourth task kind. DeleteFilePath is idempotent, so replaying this
// on resume after a shutdown is always safe.
func applyRemovals(jc *job.Context, ids []uuid.UUID) error {
	ops := make([]crdt.Operation, 0, len(ids))
	for _, id := range ids {
		ops = append(ops, crdt.NewShared(jc.Sync.Instance(), jc.Sync.NewTimestamp(), crdt.ModelFilePath, crdt.SharedRecordID(id), crdt.Delete{}))
	}
	batch := syncengine.Batch{
		Ops: ops,
		Apply: func(ctx context.Context, tx storage.BatchTx) error {
			for _, id := range ids {
				if err := storage.DeleteFilePath(ctx, tx, id); err != nil {
					return fmt.Errorf("indexer: remove %s: %w", id, err)
				}
			}
			return nil
		},
	}
	return jc.Sync.WriteOps(jc.Ctx, batch, true)
}

// serializedIndexerState is what Serialize/decodeIndexerJob exchange.
type serializedIndexerState struct {
	LocationID   uuid.UUID `msgpack:"location_id"`
	Deep         bool      `msgpack:"deep"`
	IncludeRules []string  `msgpack:"include_rules"`
	ExcludeRules []string  `msgpack:"exclude_rules"`

	WalkOutput *WalkOutput   `msgpack:"walk_output,omitempty"`
	ChunkIndex int           `msgpack:"chunk_index"`
	SaveDone   bool          `msgpack:"save_done"`
	UpdateDone bool          `msgpack:"update_done"`
	Accum      IndexerOutput `msgpack:"accum"`
}

// Serialize implements job.Serializable.
func (j *IndexerJob) Serialize() ([]byte, error) {
	return msgpack.Marshal(serializedIndexerState{
		LocationID:   j.LocationID,
		Deep:         j.Deep,
		IncludeRules: j.IncludeRules,
		ExcludeRules: j.ExcludeRules,
		WalkOutput:   j.walkOutput,
		ChunkIndex:   j.chunkIndex,
		SaveDone:     j.saveDone,
		UpdateDone:   j.updateDone,
		Accum:        j.accum,
	})
}

// decodeIndexerJob is the job.Decoder registered for job.NameIndexer.
// taskBytes holds at most one entry: the walk, or a chunk's Save, or
// that chunk's Update — Run dispatches Save and Update sequentially
// within a chunk, so a shutdown can only ever catch one of the three
// in flight. Which kind taskBytes[0] holds follows from the decoded
// job phase itself (walk not yet done, or chunk's save not yet done,
// or chunk's update not yet done), so no separate kind tag is needed.
func decodeIndexerJob(jobBytes []byte, taskBytes [][]byte) (job.Job, error) {
	var state serializedIndexerState
	if err := msgpack.Unmarshal(jobBytes, &state); err != nil {
		return nil, fmt.Errorf("indexer: decode job state: %w", err)
	}
	j := &IndexerJob{
		LocationID:   state.LocationID,
		Deep:         state.Deep,
		IncludeRules: state.IncludeRules,
		ExcludeRules: state.ExcludeRules,
		walkOutput:   state.WalkOutput,
		chunkIndex:   state.ChunkIndex,
		saveDone:     state.SaveDone,
		updateDone:   state.UpdateDone,
		accum:        state.Accum,
	}
	if len(taskBytes) == 0 {
		return j, nil
	}

	// Gateway/Sync are nil here; Run re-points them from jc before
	// first Execute, the same as it has always done for a resumed
	// walk.
	data := taskBytes[0]
	switch {
	case j.walkOutput == nil:
		w, err := DecodeWalkDirTask(context.Background(), data, nil)
		if err != nil {
			return nil, fmt.Errorf("indexer: decode pending walk: %w", err)
		}
		j.resumedWalk = w
	case !j.saveDone:
		s, err := DecodeSaveTask(context.Background(), data, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("indexer: decode pending save: %w", err)
		}
		j.resumedSave = s
	case !j.updateDone:
		u, err := DecodeUpdateTask(context.Background(), data, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("indexer: decode pending update: %w", err)
		}
		j.resumedUpdate = u
	default:
		return nil, fmt.Errorf("indexer: pending task with no phase awaiting one")
	}
	return j, nil
}
