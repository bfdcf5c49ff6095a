package task

import "sync/atomic"

// Interrupter is the cooperative checkpoint handle describes:
// "the framework guarantees that pause/cancel flags set on the
// Interrupter become visible at the next await point." A task holds
// its own Interrupter and polls it; the worker/coordinator set flags
// from the outside. All operations are lock-free so Check() is cheap
// enough to call on every loop iteration.
type Interrupter struct {
	paused   atomic.Bool
	canceled atomic.Bool
}

func newInterrupter() *Interrupter {
	return &Interrupter{}
}

// NewInterrupter creates a standalone Interrupter. Tasks dispatched
// through System get one automatically; this constructor exists for
// callers above the Task System — the Job System (internal/job) gives
// every job its own Interrupter for the same cooperative-checkpoint
// discipline, one level up from an individual task.
func NewInterrupter() *Interrupter {
	return newInterrupter()
}

// Checkpoint is what Check reports: the task should keep running, or
// yield for one of the two cooperative reasons.
type Checkpoint uint8

const (
	CheckpointContinue Checkpoint = iota
	CheckpointPause
	CheckpointCancel
)

// Check should be called at loop-iteration boundaries. It never
// blocks.
func (in *Interrupter) Check() Checkpoint {
	if in.canceled.Load() {
		return CheckpointCancel
	}
	if in.paused.Load() {
		return CheckpointPause
	}
	return CheckpointContinue
}

// RequestPause raises the Paused flag; the running task observes it at
// its next Check() call.
func (in *Interrupter) RequestPause() {
	in.paused.Store(true)
}

// ClearPause is called when a paused task is moved back to the ready
// queue on resume.
func (in *Interrupter) ClearPause() {
	in.paused.Store(false)
}

// RequestCancel raises the Cancel flag. Cancellation is terminal and
// is never cleared.
func (in *Interrupter) RequestCancel() {
	in.canceled.Store(true)
}

// Canceled reports whether cancellation has been requested.
func (in *Interrupter) Canceled() bool {
	return in.canceled.Load()
}
