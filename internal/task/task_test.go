package task

import "testing"

func TestStatusKindString(t *testing.T) {
	cases := map[StatusKind]string{
		StatusDone:           "Done",
		StatusError:          "Error",
		StatusCanceled:       "Canceled",
		StatusForcedAbortion: "ForcedAbortion",
		StatusShutdown:       "Shutdown",
		StatusPaused:         "Paused",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("StatusKind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}

func TestRunnableFuncAdapts(t *testing.T) {
	called := false
	var r Runnable = RunnableFunc(func(in *Interrupter) ExecOutcome {
		called = true
		return ExecOutcome{Kind: StatusDone, Output: 42}
	})
	out := r.Execute(newInterrupter())
	if !called {
		t.Fatal("expected the wrapped function to run")
	}
	if out.Kind != StatusDone || out.Output != 42 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestNewEntrySendStatusNeverBlocks(t *testing.T) {
	e := newEntry(RunnableFunc(func(in *Interrupter) ExecOutcome {
		return ExecOutcome{Kind: StatusDone}
	}))
	// statusCh has capacity 1; a second send must not block even though
	// nothing ever drains it.
	e.sendStatus(Status{Kind: StatusDone})
	e.sendStatus(Status{Kind: StatusError})
}

func TestIDStringIsStable(t *testing.T) {
	id := NewID()
	if id.String() != id.String() {
		t.Fatal("ID.String() must be deterministic")
	}
}
