package task

import (
	"testing"
	"time"
)

func mustStatus(t *testing.T, ch <-chan Status, timeout time.Duration) Status {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(timeout):
		t.Fatal("timed out waiting for status")
		return Status{}
	}
}

func TestDispatchRunsToDone(t *testing.T) {
	sys := New(1)
	defer sys.Shutdown()

	h := sys.Dispatch(RunnableFunc(func(in *Interrupter) ExecOutcome {
		return ExecOutcome{Kind: StatusDone, Output: "ok"}
	}))

	s := mustStatus(t, h.Status, 2*time.Second)
	if s.Kind != StatusDone || s.Output != "ok" {
		t.Fatalf("unexpected status: %+v", s)
	}
}

func TestDispatchManyEnqueuesAllBeforeReturning(t *testing.T) {
	sys := New(2)
	defer sys.Shutdown()

	const n = 20
	runnables := make([]Runnable, n)
	for i := 0; i < n; i++ {
		i := i
		runnables[i] = RunnableFunc(func(in *Interrupter) ExecOutcome {
			return ExecOutcome{Kind: StatusDone, Output: i}
		})
	}
	handles := sys.DispatchMany(runnables)
	if len(handles) != n {
		t.Fatalf("expected %d handles, got %d", n, len(handles))
	}
	for _, h := range handles {
		s := mustStatus(t, h.Status, 2*time.Second)
		if s.Kind != StatusDone {
			t.Fatalf("unexpected status: %+v", s)
		}
	}
}

// TestPauseThenResume exercises the cooperative Paused <-> Running
// cycle: a task in a tight checkpointed loop observes the Paused flag,
// yields StatusPaused, and on Resume is re-entered from the top of
// Execute.
func TestPauseThenResume(t *testing.T) {
	sys := New(1)
	defer sys.Shutdown()

	h := sys.Dispatch(RunnableFunc(func(in *Interrupter) ExecOutcome {
		for i := 0; i < 1_000_000_000; i++ {
			if in.Check() == CheckpointPause {
				return ExecOutcome{Kind: StatusPaused}
			}
		}
		return ExecOutcome{Kind: StatusDone}
	}))

	if err := sys.Pause(h.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	s := mustStatus(t, h.Status, 2*time.Second)
	if s.Kind != StatusPaused {
		t.Fatalf("expected Paused, got %+v", s)
	}

	if err := sys.Resume(h.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	s = mustStatus(t, h.Status, 2*time.Second)
	if s.Kind != StatusDone {
		t.Fatalf("expected Done after resume, got %+v", s)
	}
}

func TestCancelWhileRunning(t *testing.T) {
	sys := New(1)
	defer sys.Shutdown()

	h := sys.Dispatch(RunnableFunc(func(in *Interrupter) ExecOutcome {
		for i := 0; i < 1_000_000_000; i++ {
			if in.Check() == CheckpointCancel {
				return ExecOutcome{Kind: StatusCanceled}
			}
		}
		return ExecOutcome{Kind: StatusDone}
	}))

	if err := sys.Cancel(h.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	s := mustStatus(t, h.Status, 2*time.Second)
	if s.Kind != StatusCanceled {
		t.Fatalf("expected Canceled, got %+v", s)
	}
}

// TestCancelWhilePaused exercises the "Paused --cancel--> Canceled"
// transition: a paused task is not executing, so the coordinator must
// finalize it directly rather than waiting for it to observe the
// cancel flag itself.
func TestCancelWhilePaused(t *testing.T) {
	sys := New(1)
	defer sys.Shutdown()

	h := sys.Dispatch(RunnableFunc(func(in *Interrupter) ExecOutcome {
		for i := 0; i < 1_000_000_000; i++ {
			if in.Check() == CheckpointPause {
				return ExecOutcome{Kind: StatusPaused}
			}
		}
		return ExecOutcome{Kind: StatusDone}
	}))

	if err := sys.Pause(h.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if s := mustStatus(t, h.Status, 2*time.Second); s.Kind != StatusPaused {
		t.Fatalf("expected Paused, got %+v", s)
	}

	if err := sys.Cancel(h.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if s := mustStatus(t, h.Status, 2*time.Second); s.Kind != StatusCanceled {
		t.Fatalf("expected Canceled from the paused state, got %+v", s)
	}
}

// TestForceAbortDropsRunningTask confirms the non-cooperative path: a
// task stuck in an uninterruptible blocking call is still abandoned,
// and the worker that owned it becomes available for new work
// immediately rather than waiting for the stuck goroutine to return.
func TestForceAbortDropsRunningTask(t *testing.T) {
	sys := New(1)
	defer sys.Shutdown()

	stuck := make(chan struct{}) // never closed: simulates an uninterruptible task
	h := sys.Dispatch(RunnableFunc(func(in *Interrupter) ExecOutcome {
		<-stuck
		return ExecOutcome{Kind: StatusDone} // unreachable
	}))

	if err := sys.ForceAbort(h.ID); err != nil {
		t.Fatalf("ForceAbort: %v", err)
	}
	s := mustStatus(t, h.Status, 2*time.Second)
	if s.Kind != StatusForcedAbortion {
		t.Fatalf("expected ForcedAbortion, got %+v", s)
	}

	// The worker must be free to accept new work even though the
	// original goroutine is still blocked forever on stuck.
	h2 := sys.Dispatch(RunnableFunc(func(in *Interrupter) ExecOutcome {
		return ExecOutcome{Kind: StatusDone, Output: "next"}
	}))
	s2 := mustStatus(t, h2.Status, 2*time.Second)
	if s2.Kind != StatusDone || s2.Output != "next" {
		t.Fatalf("worker did not recover after force-abort: %+v", s2)
	}
}

// TestPanicContainmentPerTask confirms one task's panic surfaces as an
// Error status without taking down the worker.
func TestPanicContainmentPerTask(t *testing.T) {
	sys := New(1)
	defer sys.Shutdown()

	h := sys.Dispatch(RunnableFunc(func(in *Interrupter) ExecOutcome {
		panic("boom")
	}))
	s := mustStatus(t, h.Status, 2*time.Second)
	if s.Kind != StatusError {
		t.Fatalf("expected Error from recovered panic, got %+v", s)
	}

	h2 := sys.Dispatch(RunnableFunc(func(in *Interrupter) ExecOutcome {
		return ExecOutcome{Kind: StatusDone, Output: "still alive"}
	}))
	s2 := mustStatus(t, h2.Status, 2*time.Second)
	if s2.Kind != StatusDone {
		t.Fatalf("worker did not survive the task panic: %+v", s2)
	}
}

func TestShutdownReturnsPendingTasks(t *testing.T) {
	sys := New(1)

	block := make(chan struct{})
	sys.Dispatch(RunnableFunc(func(in *Interrupter) ExecOutcome {
		<-block
		return ExecOutcome{Kind: StatusDone}
	}))

	const queued = 5
	for i := 0; i < queued; i++ {
		sys.Dispatch(RunnableFunc(func(in *Interrupter) ExecOutcome {
			return ExecOutcome{Kind: StatusDone}
		}))
	}

	pending := sys.Shutdown()
	close(block)

	if len(pending) == 0 {
		t.Fatal("expected shutdown to return at least the queued, never-run tasks")
	}
}

// TestStealingMovesTaskBetweenWorkers dispatches a burst of long tasks
// onto a 2-worker system via DispatchMany, which round-robins starting
// from the least-loaded worker; with more tasks than workers, the
// second worker's idle loop should steal from the first rather than
// sit empty while a peer has queued work.
func TestStealingMovesTaskBetweenWorkers(t *testing.T) {
	sys := New(2)
	defer sys.Shutdown()

	const n = 8
	gate := make(chan struct{})
	runnables := make([]Runnable, n)
	for i := 0; i < n; i++ {
		runnables[i] = RunnableFunc(func(in *Interrupter) ExecOutcome {
			<-gate
			return ExecOutcome{Kind: StatusDone}
		})
	}
	handles := sys.DispatchMany(runnables)
	close(gate)

	for i, h := range handles {
		s := mustStatus(t, h.Status, 5*time.Second)
		if s.Kind != StatusDone {
			t.Fatalf("task %d: unexpected status %+v", i, s)
		}
	}
}

func TestWorkerCountDefaultsWhenNonPositive(t *testing.T) {
	sys := New(0)
	defer sys.Shutdown()
	if sys.WorkerCount() < 1 {
		t.Fatal("expected at least one worker")
	}
}

func TestUnknownTaskOperationsReturnError(t *testing.T) {
	sys := New(1)
	defer sys.Shutdown()

	bogus := NewID()
	if err := sys.Resume(bogus); err == nil {
		t.Fatal("expected error resuming an unknown task")
	}
	if err := sys.ForceAbort(bogus); err == nil {
		t.Fatal("expected error force-aborting an unknown task")
	}
	if err := sys.Pause(bogus); err == nil {
		t.Fatal("expected error pausing an unknown task")
	}
}
