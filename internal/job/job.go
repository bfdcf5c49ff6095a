// Package job implements a layer that composes tasks into
// long-running, resumable, chainable jobs with progress reporting and
// on-disk persistence across process restarts, following a
// bounded-restart supervisor shape for the Runner's panic-restart loop
// and a load/match/drop-orphan/reconstruct algorithm for the
// pending-jobs file implemented in persistence.go.
package job

import (
	"time"

	"github.com/google/uuid"
)

// ID identifies a dispatched job.
type ID uuid.UUID

// NewID generates a fresh job ID.
func NewID() ID { return ID(uuid.New()) }

func (id ID) String() string { return uuid.UUID(id).String() }

// Name is a stable name drawn from a closed enum of job kinds. New
// kinds are added here and nowhere else; see registry.go for why this
// stays a compile-time list rather than runtime registration.
type Name string

const (
	// NameIndexer is the reference workload: a job that walks a
	// location (shallow or deep), dispatches SaveTask/UpdateTask
	// batches through the Task System, and rolls up directory sizes.
	NameIndexer Name = "indexer"
)

// Status is one of a Report's lifecycle states.
type Status uint8

const (
	StatusQueued Status = iota
	StatusRunning
	StatusPaused
	StatusCompleted
	StatusCanceled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "Queued"
	case StatusRunning:
		return "Running"
	case StatusPaused:
		return "Paused"
	case StatusCompleted:
		return "Completed"
	case StatusCanceled:
		return "Canceled"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether s is one of the three states a job never
// leaves once reached.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled || s == StatusFailed
}

// Report is the observable state of a job: Queued | Running | Paused |
// Completed | Canceled | Failed, with counters. It is always read as
// a value copy so publishers and subscribers never share mutable
// state.
type Report struct {
	ID                 ID
	Name               Name
	LocationID         uuid.UUID
	Status             Status
	TaskCount          int
	CompletedTaskCount int
	SecondsElapsed     float64
	Message            string
	NonCriticalErrors  []string
	StartedAt          time.Time
	CompletedAt        time.Time
}

// ProgressKind discriminates the structured progress records a job
// publishes: TaskCount(n), CompletedTaskCount(n), Message(text),
// SecondsElapsed(s).
type ProgressKind uint8

const (
	ProgressTaskCount ProgressKind = iota
	ProgressCompletedTaskCount
	ProgressMessage
	ProgressSecondsElapsed
	ProgressNonCriticalError
)

// ProgressUpdate is one record a Job publishes through Context.Progress.
type ProgressUpdate struct {
	Kind           ProgressKind
	TaskCount      int
	AddCompleted   int
	Message        string
	SecondsElapsed float64
	Err            error
}

// TaskCountUpdate reports the total number of tasks the job now expects to run.
func TaskCountUpdate(n int) ProgressUpdate { return ProgressUpdate{Kind: ProgressTaskCount, TaskCount: n} }

// CompletedUpdate increments the completed-task counter by delta.
func CompletedUpdate(delta int) ProgressUpdate {
	return ProgressUpdate{Kind: ProgressCompletedTaskCount, AddCompleted: delta}
}

// MessageUpdate sets the report's human-readable status message.
func MessageUpdate(msg string) ProgressUpdate { return ProgressUpdate{Kind: ProgressMessage, Message: msg} }

// NonCriticalErrorUpdate records a per-item error that does not stop
// the run.
func NonCriticalErrorUpdate(err error) ProgressUpdate {
	return ProgressUpdate{Kind: ProgressNonCriticalError, Err: err}
}

// Output is implemented by every job kind's own result type: a
// per-job Output sum type, where tasks dispatched by a job return a
// variant of that job's output enum, eliminating type erasure at the
// boundary. Each job package defines its own concrete Output and the
// JobName it tags itself with, so the job package never needs to know
// indexer's (or any other domain's) result shape.
type Output interface {
	JobName() Name
}

// Job is the user-supplied payload: a serializable initializer plus a
// serializable continuation state. Run should call
// jc.Interrupter.Check() between task dispatch batches and observe
// jc.ShuttingDown() so it can yield cleanly for persistence instead of
// running to completion during a shutdown.
type Job interface {
	Name() Name
	Run(jc *Context) (Output, error)
}

// Serializable is implemented by job kinds that support durable
// persistence across restarts. Returning nil bytes from Serialize
// means the job is not to be persisted. A Job that does not implement
// Serializable is treated as always returning no bytes: it is dropped
// rather than persisted on shutdown.
type Serializable interface {
	Serialize() ([]byte, error)
}
