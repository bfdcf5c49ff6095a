package job

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/duskfall-labs/corevault/internal/storage"
	"github.com/duskfall-labs/corevault/internal/syncengine"
	"github.com/duskfall-labs/corevault/internal/task"
)

// pendingTask is a task.Runnable a worker yielded via StatusShutdown,
// still owned by this job instance, waiting to be paired with the
// job's own continuation bytes at persistence time.
type pendingTask struct {
	runnable task.Runnable
}

// instance is the runner's bookkeeping for one dispatched job: its
// Job payload, its live Report, and the set of tasks it currently has
// in flight. Exactly one goroutine (runInstance) owns job.Run; every
// other field is guarded by mu because Pause/Cancel/Progress can race
// with it from the runner's goroutine or other workers.
type instance struct {
	id         ID
	dbID       uuid.UUID
	locationID uuid.UUID
	gateway    *storage.Gateway
	sync       *syncengine.Manager
	job        Job
	nextJobs   []Job

	interrupter *task.Interrupter
	shutdownReq atomic.Bool
	startedAt   time.Time

	mu           sync.Mutex
	report       Report
	inFlight     map[task.ID]struct{}
	pendingTasks []pendingTask

	done chan struct{}
}

func newInstance(id ID, dbID uuid.UUID, locationID uuid.UUID, gateway *storage.Gateway, sync *syncengine.Manager, j Job) *instance {
	now := time.Now()
	return &instance{
		id:          id,
		dbID:        dbID,
		locationID:  locationID,
		gateway:     gateway,
		sync:        sync,
		job:         j,
		interrupter: task.NewInterrupter(),
		startedAt:   now,
		inFlight:    make(map[task.ID]struct{}),
		done:        make(chan struct{}),
		report: Report{
			ID:         id,
			Name:       j.Name(),
			LocationID: locationID,
			Status:     StatusQueued,
			StartedAt:  now,
		},
	}
}

func (in *instance) shuttingDown() bool { return in.shutdownReq.Load() }

func (in *instance) requestShutdown() { in.shutdownReq.Store(true) }

func (in *instance) trackTask(id task.ID) {
	in.mu.Lock()
	in.inFlight[id] = struct{}{}
	in.mu.Unlock()
}

func (in *instance) untrackTask(id task.ID) {
	in.mu.Lock()
	delete(in.inFlight, id)
	in.mu.Unlock()
}

func (in *instance) addPendingTask(r task.Runnable) {
	in.mu.Lock()
	in.pendingTasks = append(in.pendingTasks, pendingTask{runnable: r})
	in.mu.Unlock()
}

func (in *instance) trackedTaskIDs() []task.ID {
	in.mu.Lock()
	defer in.mu.Unlock()
	ids := make([]task.ID, 0, len(in.inFlight))
	for id := range in.inFlight {
		ids = append(ids, id)
	}
	return ids
}

func (in *instance) applyProgress(u ProgressUpdate) {
	in.mu.Lock()
	defer in.mu.Unlock()
	switch u.Kind {
	case ProgressTaskCount:
		in.report.TaskCount = u.TaskCount
	case ProgressCompletedTaskCount:
		in.report.CompletedTaskCount += u.AddCompleted
		if in.report.CompletedTaskCount > in.report.TaskCount {
			in.report.TaskCount = in.report.CompletedTaskCount
		}
	case ProgressMessage:
		in.report.Message = u.Message
	case ProgressSecondsElapsed:
		in.report.SecondsElapsed = u.SecondsElapsed
	case ProgressNonCriticalError:
		if u.Err != nil {
			in.report.NonCriticalErrors = append(in.report.NonCriticalErrors, u.Err.Error())
		}
	}
}

func (in *instance) setStatus(s Status) {
	in.mu.Lock()
	in.report.Status = s
	in.report.SecondsElapsed = time.Since(in.startedAt).Seconds()
	if s.Terminal() {
		in.report.CompletedAt = time.Now()
	}
	in.mu.Unlock()
}

func (in *instance) snapshot() Report {
	in.mu.Lock()
	defer in.mu.Unlock()
	r := in.report
	r.NonCriticalErrors = append([]string(nil), in.report.NonCriticalErrors...)
	return r
}
