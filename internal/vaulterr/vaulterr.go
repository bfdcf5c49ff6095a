// Package vaulterr implements an error taxonomy of fatal-job,
// non-critical, transient-task, system, and corruption errors, plus an
// aggregator for jobs that accumulate many non-critical errors over a
// run (e.g. per-file failures during an indexer walk).
package vaulterr

import (
	"errors"
	"fmt"
)

// FatalJobError means the job cannot continue: database unavailable,
// schema mismatch, serialization failure. The job terminates Failed.
type FatalJobError struct {
	Op    string
	Cause error
}

func (e *FatalJobError) Error() string {
	return fmt.Sprintf("fatal job error during %s: %v", e.Op, e.Cause)
}
func (e *FatalJobError) Unwrap() error { return e.Cause }

// NonCriticalError is a per-item failure (missing metadata, extraction
// failure) that is accumulated into a job's output without stopping the run.
type NonCriticalError struct {
	Item  string
	Cause error
}

func (e *NonCriticalError) Error() string {
	return fmt.Sprintf("non-critical error for %s: %v", e.Item, e.Cause)
}
func (e *NonCriticalError) Unwrap() error { return e.Cause }

// TransientTaskError is returned by a task; the job may retry per its
// own policy (default: no retry).
type TransientTaskError struct {
	TaskName string
	Cause    error
}

func (e *TransientTaskError) Error() string {
	return fmt.Sprintf("transient error in task %s: %v", e.TaskName, e.Cause)
}
func (e *TransientTaskError) Unwrap() error { return e.Cause }

// SystemError signals a worker or runner panic that was contained and
// converted into an error rather than allowed to unwind.
type SystemError struct {
	Component string
	Recovered interface{}
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("system error in %s: %v", e.Component, e.Recovered)
}

// CorruptionError means an on-disk artifact (pending-jobs file, a
// serialized task) could not be parsed. Handling logs a warning and
// continues with no resumed state rather than failing startup.
type CorruptionError struct {
	Path  string
	Cause error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupt artifact %s: %v", e.Path, e.Cause)
}
func (e *CorruptionError) Unwrap() error { return e.Cause }

// Aggregator collects non-critical errors accumulated over a run (e.g.
// per-file indexer failures) without stopping progress.
type Aggregator struct {
	operation string
	errs      []error
}

// NewAggregator creates an Aggregator labeled with the operation name.
func NewAggregator(operation string) *Aggregator {
	return &Aggregator{operation: operation}
}

// Add records err if non-nil.
func (a *Aggregator) Add(err error) {
	if err != nil {
		a.errs = append(a.errs, err)
	}
}

// HasErrors reports whether any error was recorded.
func (a *Aggregator) HasErrors() bool { return len(a.errs) > 0 }

// All returns every recorded error, in insertion order.
func (a *Aggregator) All() []error { return a.errs }

// Aggregate folds all recorded errors into a single error, or nil if
// none were recorded. A single recorded error passes through unwrapped.
func (a *Aggregator) Aggregate() error {
	switch len(a.errs) {
	case 0:
		return nil
	case 1:
		return a.errs[0]
	default:
		return fmt.Errorf("%s: %d errors occurred: %w", a.operation, len(a.errs), errors.Join(a.errs...))
	}
}
