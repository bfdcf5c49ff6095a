// Package task implements a work-stealing cooperative task runtime: N
// single-threaded workers cooperatively scheduling user-supplied units
// of work, with pause/resume/cancel, non-cooperative force-abort, and
// panic containment.
package task

import (
	"fmt"

	"github.com/google/uuid"
)

// ID identifies a dispatched task.
type ID uuid.UUID

// NewID generates a fresh task ID.
func NewID() ID { return ID(uuid.New()) }

func (id ID) String() string { return uuid.UUID(id).String() }

// Status is the terminal or transitional state reported for a task,
// "Task status. Done(output) | Error(cause) | Canceled |
// ForcedAbortion | Shutdown(task-handle-for-resume)."
type Status struct {
	Kind   StatusKind
	Output interface{}
	Err    error
	Handle Runnable // set only for Shutdown, the resumable task
}

// StatusKind discriminates Status.
type StatusKind uint8

const (
	StatusDone StatusKind = iota
	StatusError
	StatusCanceled
	StatusForcedAbortion
	StatusShutdown
	StatusPaused
)

func (k StatusKind) String() string {
	switch k {
	case StatusDone:
		return "Done"
	case StatusError:
		return "Error"
	case StatusCanceled:
		return "Canceled"
	case StatusForcedAbortion:
		return "ForcedAbortion"
	case StatusShutdown:
		return "Shutdown"
	case StatusPaused:
		return "Paused"
	default:
		return "Unknown"
	}
}

// ExecOutcome is what a Runnable returns from one call to Execute: it
// either finished (carrying a Status of Done/Error), or it observed
// the Interrupter and is yielding control (Paused/Canceled) — a state
// machine where Paused is not terminal.
type ExecOutcome struct {
	Kind   StatusKind
	Output interface{}
	Err    error
}

// Runnable is the unit of work a caller dispatches. Execute should
// call interrupter.Check() at natural checkpoint boundaries — loop
// iterations, chunk completions — so pause and cancel requests are
// observed promptly.
type Runnable interface {
	Execute(interrupter *Interrupter) ExecOutcome
}

// RunnableFunc adapts a plain function to Runnable for simple tasks
// that don't need to retain paused state across calls.
type RunnableFunc func(interrupter *Interrupter) ExecOutcome

func (f RunnableFunc) Execute(interrupter *Interrupter) ExecOutcome { return f(interrupter) }

// Handle is what Dispatch returns to the caller: the task's ID and the
// one-shot channel it will receive its final Status on.
type Handle struct {
	ID     ID
	Status <-chan Status
}

// state is the internal lifecycle state guarded by the owning worker
// or the system coordinator, implementing state machine.
type state uint8

const (
	statePending state = iota
	stateRunning
	statePaused
	stateDone
)

func (s state) String() string {
	switch s {
	case statePending:
		return "Pending"
	case stateRunning:
		return "Running"
	case statePaused:
		return "Paused"
	case stateDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// entry is a dispatched task plus its runtime bookkeeping, owned by
// exactly one worker at a time (ownership transfers on steal).
type entry struct {
	id          ID
	runnable    Runnable
	interrupter *Interrupter
	statusCh    chan Status
	state       state
}

func newEntry(r Runnable) *entry {
	return &entry{
		id:          NewID(),
		runnable:    r,
		interrupter: newInterrupter(),
		statusCh:    make(chan Status, 1),
		state:       statePending,
	}
}

func (e *entry) sendStatus(s Status) {
	select {
	case e.statusCh <- s:
	default:
		// Channel already holds a terminal status (e.g. a racing
		// force-abort); never block the worker loop on a slow/absent
		// receiver.
	}
}

var errUnknownTask = fmt.Errorf("task: unknown task id")
