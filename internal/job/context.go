package job

import (
	"context"
	"fmt"

	"github.com/duskfall-labs/corevault/internal/broadcast"
	"github.com/duskfall-labs/corevault/internal/storage"
	"github.com/duskfall-labs/corevault/internal/syncengine"
	"github.com/duskfall-labs/corevault/internal/task"
	"github.com/duskfall-labs/corevault/internal/vaultlog"
)

// Context is handed to Job.Run: every collaborator a job needs to
// produce tasks, write through the sync manager, report progress, and
// observe pause/cancel/shutdown — the database handle a job closes over.
type Context struct {
	Ctx         context.Context
	Tasks       *task.System
	Gateway     *storage.Gateway
	Sync        *syncengine.Manager
	Hub         *broadcast.Hub
	Log         *vaultlog.Logger
	Interrupter *task.Interrupter

	instance *instance
}

// Progress publishes one structured progress record, coalesced by the
// instance's report before being broadcast to observers. The runner
// throttles and coalesces updates; external observers receive at
// least the terminal state.
func (c *Context) Progress(u ProgressUpdate) {
	c.instance.applyProgress(u)
}

// ShuttingDown reports whether the runner has asked this job to yield
// for persistence rather than continue running. Jobs SHOULD check
// this between task-dispatch batches, the job-level equivalent of a
// task's Interrupter.Check() one level up.
func (c *Context) ShuttingDown() bool {
	return c.instance.shuttingDown()
}

// ErrShutdown is returned by Job.Run to signal that it stopped early
// because ShuttingDown() became true, not because of an error or
// cancellation. The runner treats this distinctly: it serializes the
// job instead of reporting Failed.
var ErrShutdown = fmt.Errorf("job: shutdown requested")

// ErrCanceled is the sentinel a Job should return from Run when it
// stopped because its Interrupter observed a cancel request — the
// job-level equivalent of cooperative task cancellation, one level
// up. The runner treats this distinctly from an ordinary error: the
// job is reported Canceled, not Failed.
var ErrCanceled = fmt.Errorf("job: canceled")

// DispatchTask dispatches r through the Task System and tracks its
// handle against this job instance, so a later Pause/Cancel/Shutdown
// of the job propagates to every task it has in flight.
func (c *Context) DispatchTask(r task.Runnable) task.Handle {
	h := c.Tasks.Dispatch(r)
	c.instance.trackTask(h.ID)
	return h
}

// DispatchTasks is the batch form of DispatchTask, backed by the Task
// System's DispatchMany so every task is enqueued before returning.
func (c *Context) DispatchTasks(rs []task.Runnable) []task.Handle {
	hs := c.Tasks.DispatchMany(rs)
	for _, h := range hs {
		c.instance.trackTask(h.ID)
	}
	return hs
}

// TaskResult pairs a dispatched task's ID with its terminal status.
type TaskResult struct {
	ID     task.ID
	Status task.Status
}

// WaitForTasks blocks until every handle reaches a terminal status. A
// task that reports StatusShutdown mid-wait (the runner is draining
// the Task System for a clean shutdown) is not surfaced as an
// ordinary result: its Runnable is captured in the job's pending-task
// set, to be paired with the job's own continuation bytes at
// serialization time.
func (c *Context) WaitForTasks(handles []task.Handle) ([]TaskResult, error) {
	results := make([]TaskResult, 0, len(handles))
	for _, h := range handles {
		select {
		case st := <-h.Status:
			c.instance.untrackTask(h.ID)
			if st.Kind == task.StatusShutdown {
				c.instance.addPendingTask(st.Handle)
				continue
			}
			results = append(results, TaskResult{ID: h.ID, Status: st})
			if st.Kind == task.StatusError {
				c.Progress(NonCriticalErrorUpdate(st.Err))
			}
		case <-c.Ctx.Done():
			return results, c.Ctx.Err()
		}
	}
	return results, nil
}
