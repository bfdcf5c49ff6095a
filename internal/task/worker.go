package task

import (
	"fmt"
	"time"
)

// DefaultAbortGrace is the force-abort grace window every worker is
// constructed with. No code path escalates a cancel to a force-abort
// on its own: ForceAbort drops a task as soon as it is called, and the
// worker never reads this window.
const DefaultAbortGrace = 5 * time.Second

// control messages sent from the system coordinator to a worker. Each
// is acknowledged via an ack channel so control operations are
// synchronous from the caller's point of view.
type ctrlKind uint8

const (
	ctrlDispatch ctrlKind = iota
	ctrlResume
	ctrlFinalizePausedCancel
	ctrlForceAbort
	ctrlSteal
	ctrlShutdown
)

type ctrlMsg struct {
	kind  ctrlKind
	id    ID
	entry *entry
	ack   chan ctrlAck
}

type ctrlAck struct {
	ok      bool
	entry   *entry // the yielded task, for ctrlSteal
	pending []*entry
}

// runResult is what the per-task goroutine reports back when Execute
// returns.
type runResult struct {
	id      ID
	outcome ExecOutcome
}

// worker owns one FIFO of ready tasks and one paused set and advances
// exactly one task at a time — it never dispatches two tasks
// concurrently. Execute() still runs in its own goroutine so the
// worker's control loop stays responsive: this is what lets
// force-abort genuinely drop a stuck task's future instead of
// blocking until the synchronous call happens to return.
type worker struct {
	id         int
	ctrl       chan ctrlMsg
	coord      *System
	abortGrace time.Duration

	ready   []*entry
	paused  map[ID]*entry
	index   map[ID]*entry // every task this worker currently owns, any state
	running *entry
	result  chan runResult
}

func newWorker(id int, coord *System, abortGrace time.Duration) *worker {
	return &worker{
		id:         id,
		ctrl:       make(chan ctrlMsg, 16),
		coord:      coord,
		abortGrace: abortGrace,
		paused:     make(map[ID]*entry),
		index:      make(map[ID]*entry),
		result:     make(chan runResult, 1),
	}
}

func (w *worker) run() {
	for {
		if w.running == nil && len(w.ready) > 0 {
			w.startRunning(w.popReady())
		}

		if w.running == nil && len(w.ready) == 0 && len(w.paused) == 0 {
			w.coord.reportIdle(w.id)
		}

		if w.running == nil {
			msg, ok := <-w.ctrl
			if !ok || w.handle(msg) {
				return
			}
			continue
		}

		select {
		case res := <-w.result:
			w.finishRunning(res)
		case msg, ok := <-w.ctrl:
			if !ok || w.handle(msg) {
				return
			}
		}
	}
}

func (w *worker) startRunning(e *entry) {
	e.state = stateRunning
	w.running = e
	go func() {
		w.result <- runResult{id: e.id, outcome: w.executeSafely(e)}
	}()
}

// finishRunning processes a completed (or yielded) task. A task that
// was force-aborted mid-flight never reaches here — doForceAbort
// already removed it from w.index/w.running and replied to the
// caller; this goroutine's eventual result is simply discarded when it
// arrives, since res.id will no longer match w.running.
func (w *worker) finishRunning(res runResult) {
	if w.running == nil || w.running.id != res.id {
		return // result from an abandoned (force-aborted) task
	}
	e := w.running
	w.running = nil

	switch res.outcome.Kind {
	case StatusPaused:
		e.state = statePaused
		w.paused[e.id] = e
		e.sendStatus(Status{Kind: StatusPaused, Output: res.outcome.Output})
	case StatusCanceled:
		e.state = stateDone
		delete(w.index, e.id)
		e.sendStatus(Status{Kind: StatusCanceled})
		w.coord.taskFinished(e.id)
	case StatusError:
		e.state = stateDone
		delete(w.index, e.id)
		e.sendStatus(Status{Kind: StatusError, Err: res.outcome.Err})
		w.coord.taskFinished(e.id)
	default:
		e.state = stateDone
		delete(w.index, e.id)
		e.sendStatus(Status{Kind: StatusDone, Output: res.outcome.Output})
		w.coord.taskFinished(e.id)
	}
}

func (w *worker) executeSafely(e *entry) (outcome ExecOutcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = ExecOutcome{Kind: StatusError, Err: fmt.Errorf("task: panic: %v", r)}
		}
	}()
	return e.runnable.Execute(e.interrupter)
}

func (w *worker) popReady() *entry {
	e := w.ready[0]
	w.ready = w.ready[1:]
	return e
}

// handle processes one control message; returns true if the worker
// loop should exit (shutdown).
func (w *worker) handle(msg ctrlMsg) bool {
	switch msg.kind {
	case ctrlDispatch:
		w.index[msg.entry.id] = msg.entry
		w.ready = append(w.ready, msg.entry)
		msg.ack <- ctrlAck{ok: true}
	case ctrlResume:
		w.doResume(msg.id)
		msg.ack <- ctrlAck{ok: true}
	case ctrlFinalizePausedCancel:
		w.doFinalizePausedCancel(msg.id)
		msg.ack <- ctrlAck{ok: true}
	case ctrlForceAbort:
		w.doForceAbort(msg.id)
		msg.ack <- ctrlAck{ok: true}
	case ctrlSteal:
		stolen := w.doSteal()
		msg.ack <- ctrlAck{ok: stolen != nil, entry: stolen}
	case ctrlShutdown:
		pending := w.drainForShutdown()
		msg.ack <- ctrlAck{ok: true, pending: pending}
		return true
	}
	return false
}

func (w *worker) doResume(id ID) {
	e, ok := w.paused[id]
	if !ok {
		return
	}
	delete(w.paused, id)
	e.interrupter.ClearPause()
	e.state = statePending
	w.ready = append(w.ready, e) // resumed task goes to the tail of the ready queue
}

// doFinalizePausedCancel handles "Paused --cancel--> Canceled": a
// paused task is not executing, so nothing will observe the cancel
// flag on its own; the coordinator finalizes it directly.
func (w *worker) doFinalizePausedCancel(id ID) {
	e, ok := w.paused[id]
	if !ok {
		return
	}
	delete(w.paused, id)
	delete(w.index, id)
	e.state = stateDone
	e.sendStatus(Status{Kind: StatusCanceled})
	w.coord.taskFinished(id)
}

// doForceAbort drops the task's future: if it is currently executing,
// the worker stops waiting on its result channel and frees itself
// immediately. Any state the task had captured before the drop is
// lost — this is the non-cooperative counterpart to Cancel.
func (w *worker) doForceAbort(id ID) {
	e, ok := w.index[id]
	if !ok {
		return
	}
	delete(w.index, id)
	delete(w.paused, id)

	if w.running != nil && w.running.id == id {
		w.running = nil
		w.coord.taskFinished(id)
	}
	for i, r := range w.ready {
		if r.id == id {
			w.ready = append(w.ready[:i], w.ready[i+1:]...)
			break
		}
	}
	e.sendStatus(Status{Kind: StatusForcedAbortion})
}

// doSteal yields this worker's tail ready task, but only when it has
// more than one queued — a worker never gives up its only task.
func (w *worker) doSteal() *entry {
	if len(w.ready) <= 1 {
		return nil
	}
	last := len(w.ready) - 1
	e := w.ready[last]
	w.ready = w.ready[:last]
	delete(w.index, e.id)
	return e
}

func (w *worker) drainForShutdown() []*entry {
	var pending []*entry
	for _, e := range w.ready {
		e.state = stateDone
		e.sendStatus(Status{Kind: StatusShutdown, Handle: e.runnable})
		pending = append(pending, e)
	}
	for _, e := range w.paused {
		e.state = stateDone
		e.sendStatus(Status{Kind: StatusShutdown, Handle: e.runnable})
		pending = append(pending, e)
	}
	if w.running != nil {
		e := w.running
		e.sendStatus(Status{Kind: StatusShutdown, Handle: e.runnable})
		pending = append(pending, e)
		w.running = nil
	}
	w.ready = nil
	w.paused = make(map[ID]*entry)
	w.index = make(map[ID]*entry)
	return pending
}
