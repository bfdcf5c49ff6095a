package job

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/duskfall-labs/corevault/internal/broadcast"
	"github.com/duskfall-labs/corevault/internal/storage"
	"github.com/duskfall-labs/corevault/internal/syncengine"
	"github.com/duskfall-labs/corevault/internal/task"
	"github.com/duskfall-labs/corevault/internal/vaulterr"
	"github.com/duskfall-labs/corevault/internal/vaultlog"
)

// MaxRunnerRestarts bounds how many times the coordinator restarts its
// own internal control loop after a panic before giving up, mirroring
// task.MaxWorkerRestarts one layer up.
const MaxRunnerRestarts = 16

const keyOutputs = "job.outputs"

var errUnknownJob = errors.New("job: unknown job id")

// OutputEvent is one element of the runner's terminal-outcome stream:
// a (job id, Result<JobOutput, Error>) pair.
type OutputEvent struct {
	ID     ID
	Output Output
	Err    error
}

// ctrlKind/ctrlMsg mirror the Task System's control-message shape
// (internal/task/worker.go): every lifecycle operation is a message to
// the coordinator goroutine, acknowledged synchronously.
type ctrlKind uint8

const (
	ctrlPause ctrlKind = iota
	ctrlResume
	ctrlCancel
)

type ctrlMsg struct {
	kind ctrlKind
	id   ID
	ack  chan error
}

// Runner is the job system's dispatcher: dispatch/pause/resume/cancel
// jobs, stream their terminal outputs, and persist in-flight state
// across a clean shutdown.
type Runner struct {
	tasks           *task.System
	hub             *broadcast.Hub
	log             *vaultlog.Logger
	pendingJobsPath string

	ctrl chan ctrlMsg

	mu            sync.Mutex
	jobs          map[ID]*instance
	databases     map[uuid.UUID]databaseHandle
	shuttingDown  bool
	shutdownOnce  sync.Once
	coordinatorWG sync.WaitGroup
}

// databaseHandle is the (db_id, db) pair Dispatch takes: the gateway a
// job writes through plus the sync manager that attaches CRDT
// operations to those writes.
type databaseHandle struct {
	Gateway *storage.Gateway
	Sync    *syncengine.Manager
}

// NewRunner creates a Runner. pendingJobsPath is where Shutdown writes
// (and a later NewRunner's Rehydrate reads) the pending-jobs file.
func NewRunner(tasks *task.System, hub *broadcast.Hub, log *vaultlog.Logger, pendingJobsPath string) *Runner {
	if hub == nil {
		hub = broadcast.NewHub()
	}
	r := &Runner{
		tasks:           tasks,
		hub:             hub,
		log:             log.WithComponent("job.runner"),
		pendingJobsPath: pendingJobsPath,
		ctrl:            make(chan ctrlMsg, 16),
		jobs:            make(map[ID]*instance),
		databases:       make(map[uuid.UUID]databaseHandle),
	}
	r.coordinatorWG.Add(1)
	go r.superviseCoordinator()
	return r
}

// RegisterDatabase makes (dbID, gateway, sync) available to Dispatch
// and to Rehydrate for matching stored entries against live databases.
func (r *Runner) RegisterDatabase(dbID uuid.UUID, gateway *storage.Gateway, sync *syncengine.Manager) {
	r.mu.Lock()
	r.databases[dbID] = databaseHandle{Gateway: gateway, Sync: sync}
	r.mu.Unlock()
}

// superviseCoordinator restarts the control-message loop after a
// panic, bounded by MaxRunnerRestarts, exactly mirroring
// task.System.superviseWorker's shape one layer up: a job-system panic
// restarts the runner's coordinator, but a shutdown already in
// progress suppresses further restarts.
func (r *Runner) superviseCoordinator() {
	defer r.coordinatorWG.Done()
	restarts := 0
	for {
		panicked := false
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					panicked = true
					restarts++
					r.log.Error("coordinator panic", vaultlog.Fields{"recovered": fmt.Sprintf("%v", rec), "restarts": restarts})
					if restarts > MaxRunnerRestarts {
						panic(fmt.Sprintf("job: coordinator exceeded max restarts: %v", rec))
					}
				}
			}()
			r.coordinatorLoop()
		}()
		r.mu.Lock()
		down := r.shuttingDown
		r.mu.Unlock()
		if !panicked || down {
			return
		}
	}
}

func (r *Runner) coordinatorLoop() {
	for msg := range r.ctrl {
		switch msg.kind {
		case ctrlPause:
			msg.ack <- r.doPause(msg.id)
		case ctrlResume:
			msg.ack <- r.doResume(msg.id)
		case ctrlCancel:
			msg.ack <- r.doCancel(msg.id)
		}
	}
}

func (r *Runner) lookup(id ID) (*instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.jobs[id]
	return inst, ok
}

// Dispatch creates a unique job id, registers the job, and starts it
// running against (dbID)'s database handle, returning the id once the
// job has been enqueued.
func (r *Runner) Dispatch(ctx context.Context, j Job, dbID uuid.UUID, locationID uuid.UUID) (ID, error) {
	r.mu.Lock()
	if r.shuttingDown {
		r.mu.Unlock()
		return ID{}, fmt.Errorf("job: runner is shutting down")
	}
	db, ok := r.databases[dbID]
	r.mu.Unlock()
	if !ok {
		return ID{}, fmt.Errorf("job: unknown database %s", dbID)
	}

	id := NewID()
	inst := newInstance(id, dbID, locationID, db.Gateway, db.Sync, j)

	r.mu.Lock()
	r.jobs[id] = inst
	r.mu.Unlock()

	go r.runInstance(ctx, inst)
	return id, nil
}

// runInstance drives one job's full lifecycle: Queued → Running →
// terminal (or a shutdown-suspension), publishing its Report and
// final Output. A panic inside Job.Run is contained here and
// surfaced as Failed — it never reaches superviseCoordinator. This
// mirrors task's executeSafely/superviseWorker split one layer down:
// a task-system panic restarts the worker, a job-system panic
// restarts the runner, and the two containment layers stay
// independent.
func (r *Runner) runInstance(ctx context.Context, inst *instance) {
	defer close(inst.done)
	inst.setStatus(StatusRunning)

	jc := &Context{
		Ctx:         ctx,
		Tasks:       r.tasks,
		Gateway:     inst.gateway,
		Sync:        inst.sync,
		Hub:         r.hub,
		Log:         r.log.WithComponent(fmt.Sprintf("job.%s", inst.job.Name())),
		Interrupter: inst.interrupter,
		instance:    inst,
	}

	output, err := r.runJobSafely(jc, inst.job)

	switch {
	case errors.Is(err, ErrShutdown):
		inst.setStatus(StatusPaused)
		// Left in r.jobs for Shutdown() to collect via instance.done;
		// not removed here since it did not reach a terminal state.
		return
	case errors.Is(err, ErrCanceled):
		inst.setStatus(StatusCanceled)
		r.publish(OutputEvent{ID: inst.id, Err: ErrCanceled})
	case err != nil:
		inst.setStatus(StatusFailed)
		r.publish(OutputEvent{ID: inst.id, Err: err})
	default:
		inst.setStatus(StatusCompleted)
		r.publish(OutputEvent{ID: inst.id, Output: output})
		r.dispatchNextJobs(ctx, inst)
	}

	r.mu.Lock()
	delete(r.jobs, inst.id)
	r.mu.Unlock()
}

func (r *Runner) runJobSafely(jc *Context, j Job) (output Output, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job: panic in %s: %v", j.Name(), rec)
		}
	}()
	return j.Run(jc)
}

// dispatchNextJobs starts a completed job's chained jobs one at a
// time, each waiting for the previous to finish before the next
// starts.
func (r *Runner) dispatchNextJobs(ctx context.Context, inst *instance) {
	for _, next := range inst.nextJobs {
		id, err := r.Dispatch(ctx, next, inst.dbID, inst.locationID)
		if err != nil {
			r.log.Error("failed to dispatch chained job", vaultlog.Fields{"parent": inst.id.String(), "error": err.Error()})
			return
		}
		r.awaitTerminal(id)
	}
}

func (r *Runner) awaitTerminal(id ID) {
	inst, ok := r.lookup(id)
	if !ok {
		return
	}
	<-inst.done
}

func (r *Runner) publish(ev OutputEvent) {
	r.hub.Publish(keyOutputs, ev)
}

// ReceiveOutputs returns a clone-safe multiconsumer stream of terminal
// job outcomes. Each call subscribes a fresh channel; a slow or absent
// consumer never blocks the publisher.
func (r *Runner) ReceiveOutputs() <-chan OutputEvent {
	raw := r.hub.Subscribe(keyOutputs, 32)
	out := make(chan OutputEvent, 32)
	go func() {
		defer close(out)
		for ev := range raw {
			if oe, ok := ev.Payload.(OutputEvent); ok {
				out <- oe
			}
		}
	}()
	return out
}

// Pause, Resume, and Cancel each send an acknowledged control message
// to the coordinator, matching the Task System's synchronous-ack
// shape.
func (r *Runner) Pause(id ID) error  { return r.send(ctrlMsg{kind: ctrlPause, id: id}) }
func (r *Runner) Resume(id ID) error { return r.send(ctrlMsg{kind: ctrlResume, id: id}) }
func (r *Runner) Cancel(id ID) error { return r.send(ctrlMsg{kind: ctrlCancel, id: id}) }

func (r *Runner) send(msg ctrlMsg) error {
	msg.ack = make(chan error, 1)
	r.ctrl <- msg
	return <-msg.ack
}

func (r *Runner) doPause(id ID) error {
	inst, ok := r.lookup(id)
	if !ok {
		return errUnknownJob
	}
	inst.interrupter.RequestPause()
	for _, tid := range inst.trackedTaskIDs() {
		_ = r.tasks.Pause(tid)
	}
	inst.setStatus(StatusPaused)
	return nil
}

func (r *Runner) doResume(id ID) error {
	inst, ok := r.lookup(id)
	if !ok {
		return errUnknownJob
	}
	inst.interrupter.ClearPause()
	for _, tid := range inst.trackedTaskIDs() {
		_ = r.tasks.Resume(tid)
	}
	inst.setStatus(StatusRunning)
	return nil
}

func (r *Runner) doCancel(id ID) error {
	inst, ok := r.lookup(id)
	if !ok {
		return errUnknownJob
	}
	inst.interrupter.RequestCancel()
	for _, tid := range inst.trackedTaskIDs() {
		_ = r.tasks.Cancel(tid)
	}
	return nil
}

// Report returns a snapshot of one job's current Report.
func (r *Runner) Report(id ID) (Report, error) {
	inst, ok := r.lookup(id)
	if !ok {
		return Report{}, errUnknownJob
	}
	return inst.snapshot(), nil
}

// Reports returns a snapshot of every job the runner currently knows
// about (running, paused, or mid-shutdown), used by internal/statusd.
func (r *Runner) Reports() []Report {
	r.mu.Lock()
	insts := make([]*instance, 0, len(r.jobs))
	for _, inst := range r.jobs {
		insts = append(insts, inst)
	}
	r.mu.Unlock()

	out := make([]Report, len(insts))
	for i, inst := range insts {
		out[i] = inst.snapshot()
	}
	return out
}

// Shutdown drains every running job, pairs each with its in-flight
// task states, writes the pending-jobs file, and returns.
func (r *Runner) Shutdown(ctx context.Context) error {
	var err error
	r.shutdownOnce.Do(func() {
		r.mu.Lock()
		r.shuttingDown = true
		insts := make([]*instance, 0, len(r.jobs))
		for _, inst := range r.jobs {
			insts = append(insts, inst)
		}
		r.mu.Unlock()

		for _, inst := range insts {
			inst.requestShutdown()
		}

		// Draining the Task System delivers StatusShutdown on every
		// in-flight task's own channel; each job's WaitForTasks call
		// observes it and captures the Runnable for serialization.
		r.tasks.Shutdown()

		// Wait for every job concurrently rather than one at a time, so
		// a slow job doesn't delay starting the wait on the others; a
		// shared ctx cancellation stops the whole group together.
		g, gctx := errgroup.WithContext(ctx)
		for _, inst := range insts {
			g.Go(func() error {
				select {
				case <-inst.done:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			})
		}
		_ = g.Wait()

		close(r.ctrl)
		r.coordinatorWG.Wait()

		file, buildErr := r.buildPendingJobsFile(insts)
		if buildErr != nil {
			err = buildErr
			return
		}
		err = writePendingJobsFile(r.pendingJobsPath, file)
	})
	return err
}

func (r *Runner) buildPendingJobsFile(insts []*instance) (PendingJobsFile, error) {
	file := make(PendingJobsFile)
	for _, inst := range insts {
		entry, ok, err := r.buildEntry(inst)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		file[inst.dbID] = append(file[inst.dbID], entry)
	}
	return file, nil
}

func (r *Runner) buildEntry(inst *instance) (StoredJobEntry, bool, error) {
	ser, ok := inst.job.(Serializable)
	if !ok {
		return StoredJobEntry{}, false, nil
	}
	jobBytes, err := ser.Serialize()
	if err != nil {
		return StoredJobEntry{}, false, fmt.Errorf("job: serialize %s: %w", inst.job.Name(), err)
	}
	if jobBytes == nil {
		return StoredJobEntry{}, false, nil
	}

	inst.mu.Lock()
	pending := append([]pendingTask(nil), inst.pendingTasks...)
	inst.mu.Unlock()

	taskBytes := make([][]byte, 0, len(pending))
	for _, pt := range pending {
		ts, ok := pt.runnable.(task.Serializable)
		if !ok {
			r.log.Warn("dropping unserializable pending task on shutdown", vaultlog.Fields{"job": inst.id.String()})
			continue
		}
		b, err := ts.Serialize()
		if err != nil {
			r.log.Warn("failed to serialize pending task", vaultlog.Fields{"job": inst.id.String(), "error": err.Error()})
			continue
		}
		taskBytes = append(taskBytes, b)
	}

	payload, err := encodePayload(jobBytes, taskBytes)
	if err != nil {
		return StoredJobEntry{}, false, err
	}

	root := StoredJob{ID: uuid.UUID(inst.id), Name: inst.job.Name(), SerializedJob: payload}

	next := make([]StoredJob, 0, len(inst.nextJobs))
	for _, nj := range inst.nextJobs {
		nser, ok := nj.(Serializable)
		if !ok {
			continue
		}
		nb, err := nser.Serialize()
		if err != nil || nb == nil {
			continue
		}
		npayload, err := encodePayload(nb, nil)
		if err != nil {
			continue
		}
		next = append(next, StoredJob{ID: uuid.New(), Name: nj.Name(), SerializedJob: npayload})
	}

	return StoredJobEntry{LocationID: inst.locationID, Root: root, Next: next}, true, nil
}

// Rehydrate reads the pending-jobs file, matches entries against
// RegisterDatabase'd databases (dropping orphans with a warning),
// reconstructs jobs via their registered Decoder, resumes them, and
// deletes the file once read.
func (r *Runner) Rehydrate(ctx context.Context) error {
	file, err := readPendingJobsFile(r.pendingJobsPath)
	if err != nil {
		var corrupt *vaulterr.CorruptionError
		if !errors.As(err, &corrupt) {
			return fmt.Errorf("job: read pending jobs file: %w", err)
		}
		r.log.Warn("pending jobs file corrupt, starting with no resumed jobs", vaultlog.Fields{"error": err.Error()})
		_ = deletePendingJobsFile(r.pendingJobsPath)
		return nil
	}
	if len(file) == 0 {
		return nil
	}

	for dbID, entries := range file {
		r.mu.Lock()
		db, known := r.databases[dbID]
		r.mu.Unlock()
		if !known {
			r.log.Warn("dropping pending jobs for unknown database", vaultlog.Fields{"database": dbID.String(), "entries": len(entries)})
			continue
		}
		for _, entry := range entries {
			resumed, err := decodeEntry(entry)
			if err != nil {
				r.log.Error("dropping corrupt job chain on resume", vaultlog.Fields{"database": dbID.String(), "error": err.Error()})
				continue
			}
			resumed.dbID = dbID

			id := ID(entry.Root.ID)
			inst := newInstance(id, dbID, resumed.locationID, db.Gateway, db.Sync, resumed.root)
			inst.nextJobs = resumed.nextJobs

			r.mu.Lock()
			r.jobs[id] = inst
			r.mu.Unlock()

			go r.runInstance(ctx, inst)
		}
	}

	return deletePendingJobsFile(r.pendingJobsPath)
}
