package task

import (
	"fmt"
	"runtime"
	"sync"
)

// MaxWorkerRestarts bounds how many times the coordinator will revive
// a panicked worker goroutine before giving up on it, mirroring the
// bounded-restart shape used throughout this codebase's supervisor
// loops.
const MaxWorkerRestarts = 8

// System is a fixed pool of N workers, one per logical CPU by
// default, coordinating work-stealing and lifecycle control across
// dispatched tasks.
type System struct {
	workers []*worker
	wg      sync.WaitGroup

	mu        sync.Mutex
	taskOwner map[ID]int
	entries   map[ID]*entry
	loads     []int

	shutdownOnce sync.Once
}

// New creates a System with workerCount workers, defaulting to
// runtime.NumCPU() when workerCount <= 0.
func New(workerCount int) *System {
	if workerCount <= 0 {
		workerCount = runtime.NumCPU()
	}
	if workerCount < 1 {
		workerCount = 1
	}

	s := &System{
		taskOwner: make(map[ID]int),
		entries:   make(map[ID]*entry),
		loads:     make([]int, workerCount),
	}
	s.workers = make([]*worker, workerCount)
	for i := range s.workers {
		s.workers[i] = newWorker(i, s, DefaultAbortGrace)
	}
	for i := range s.workers {
		s.wg.Add(1)
		go s.superviseWorker(i)
	}
	return s
}

// superviseWorker runs one worker, restarting it (bounded) if its loop
// ever panics — the worker's own task execution already recovers
// per-task panics in executeSafely, so this only guards against bugs
// in the coordinator/worker plumbing itself.
func (s *System) superviseWorker(id int) {
	defer s.wg.Done()
	restarts := 0
	for {
		panicked := false
		func() {
			defer func() {
				if r := recover(); r != nil {
					panicked = true
					restarts++
					if restarts > MaxWorkerRestarts {
						panic(fmt.Sprintf("task: worker %d exceeded max restarts: %v", id, r))
					}
					lost := s.workers[id].ready
					if s.workers[id].running != nil {
						lost = append(lost, s.workers[id].running)
					}
					s.workers[id] = newWorker(id, s, DefaultAbortGrace)
					for _, e := range lost {
						s.deregister(e.id)
						e.sendStatus(Status{Kind: StatusError, Err: fmt.Errorf("task: worker %d panicked: %v", id, r)})
					}
				}
			}()
			s.workers[id].run()
		}()
		if !panicked {
			return // clean shutdown, no panic occurred
		}
	}
}

// Dispatch hands a task to the least-loaded worker and returns a
// Handle carrying the task's ID and a one-shot status channel.
func (s *System) Dispatch(r Runnable) Handle {
	e := newEntry(r)
	w := s.leastLoaded(-1)
	s.register(e, w.id)
	s.sendDispatch(w, e)
	return Handle{ID: e.id, Status: e.statusCh}
}

// DispatchMany round-robins tasks across workers starting from the
// currently least-loaded one, guaranteeing every task is enqueued
// before returning.
func (s *System) DispatchMany(rs []Runnable) []Handle {
	if len(rs) == 0 {
		return nil
	}
	handles := make([]Handle, len(rs))
	start := s.leastLoaded(-1).id
	for i, r := range rs {
		e := newEntry(r)
		wid := (start + i) % len(s.workers)
		w := s.workers[wid]
		s.register(e, w.id)
		s.sendDispatch(w, e)
		handles[i] = Handle{ID: e.id, Status: e.statusCh}
	}
	return handles
}

func (s *System) register(e *entry, workerID int) {
	s.mu.Lock()
	s.taskOwner[e.id] = workerID
	s.entries[e.id] = e
	s.loads[workerID]++
	s.mu.Unlock()
}

func (s *System) deregister(id ID) {
	s.mu.Lock()
	if owner, ok := s.taskOwner[id]; ok {
		s.loads[owner]--
	}
	delete(s.taskOwner, id)
	delete(s.entries, id)
	s.mu.Unlock()
}

// transferOwner moves a stolen task's load accounting from one worker
// to another without touching its registered *entry: a stolen task
// keeps its status-return channel intact across the move.
func (s *System) transferOwner(id ID, newWorkerID int) {
	s.mu.Lock()
	if owner, ok := s.taskOwner[id]; ok {
		s.loads[owner]--
	}
	s.taskOwner[id] = newWorkerID
	s.loads[newWorkerID]++
	s.mu.Unlock()
}

func (s *System) sendDispatch(w *worker, e *entry) {
	ack := make(chan ctrlAck, 1)
	w.ctrl <- ctrlMsg{kind: ctrlDispatch, entry: e, ack: ack}
	<-ack
}

// leastLoaded returns the worker with the smallest load, optionally
// excluding one worker id (used by the steal round-robin, which starts
// "one past the idle one"). Load is tracked by the System itself
// (incremented on register, decremented on deregister) rather than by
// peeking at a worker's internal queues from another goroutine.
func (s *System) leastLoaded(exclude int) *worker {
	s.mu.Lock()
	defer s.mu.Unlock()

	bestID := -1
	bestLoad := -1
	for id, load := range s.loads {
		if id == exclude {
			continue
		}
		if bestLoad == -1 || load < bestLoad {
			bestID = id
			bestLoad = load
		}
	}
	if bestID == -1 {
		bestID = 0
	}
	return s.workers[bestID]
}

// Pause raises the cooperative pause flag on a task. Effective
// immediately for a running task's next checkpoint; a no-op
// bookkeeping-wise until the task actually yields.
func (s *System) Pause(id ID) error {
	e, ok := s.lookup(id)
	if !ok {
		return errUnknownTask
	}
	e.interrupter.RequestPause()
	return nil
}

// Resume moves a paused task back to the tail of its worker's ready
// queue and clears its Interrupter.
func (s *System) Resume(id ID) error {
	workerID, ok := s.ownerOf(id)
	if !ok {
		return errUnknownTask
	}
	return s.sendCtrlWait(workerID, ctrlMsg{kind: ctrlResume, id: id})
}

// Cancel raises the cooperative cancel flag and, if the task happens
// to be paused (and therefore not executing to observe the flag),
// finalizes it to Canceled directly.
func (s *System) Cancel(id ID) error {
	e, ok := s.lookup(id)
	if !ok {
		return errUnknownTask
	}
	e.interrupter.RequestCancel()

	workerID, ok := s.ownerOf(id)
	if !ok {
		return nil // already finished between lookup and here
	}
	return s.sendCtrlWait(workerID, ctrlMsg{kind: ctrlFinalizePausedCancel, id: id})
}

// ForceAbort drops a running (or queued) task's future without
// waiting for cooperative cancellation.
func (s *System) ForceAbort(id ID) error {
	workerID, ok := s.ownerOf(id)
	if !ok {
		return errUnknownTask
	}
	return s.sendCtrlWait(workerID, ctrlMsg{kind: ctrlForceAbort, id: id})
}

func (s *System) sendCtrlWait(workerID int, msg ctrlMsg) error {
	msg.ack = make(chan ctrlAck, 1)
	s.workers[workerID].ctrl <- msg
	<-msg.ack
	return nil
}

func (s *System) lookup(id ID) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e, ok
}

func (s *System) ownerOf(id ID) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.taskOwner[id]
	return w, ok
}

// taskFinished is called by a worker once a task reaches a terminal
// state; it deregisters the task so load accounting and future
// Pause/Cancel/ForceAbort lookups stop seeing it.
func (s *System) taskFinished(id ID) {
	s.deregister(id)
}

// reportIdle is called by a worker with an empty ready queue and empty
// paused set. It asynchronously attempts to steal a task from a peer
// so the idle worker's own blocking receive on its ctrl channel is
// never delayed by the steal scan.
func (s *System) reportIdle(workerID int) {
	go s.tryStealFor(workerID)
}

// tryStealFor asks workers in round-robin, starting one past the idle
// one, for a steal; the first worker whose ready queue depth > 1
// yields its tail task. A stolen task keeps its original status
// channel intact because doSteal and ctrlDispatch both operate on the
// same *entry value — only its owner worker id changes.
func (s *System) tryStealFor(idleWorkerID int) {
	n := len(s.workers)
	for i := 1; i <= n; i++ {
		candidateID := (idleWorkerID + i) % n
		if candidateID == idleWorkerID {
			continue
		}
		ack := make(chan ctrlAck, 1)
		s.workers[candidateID].ctrl <- ctrlMsg{kind: ctrlSteal, ack: ack}
		res := <-ack
		if res.ok && res.entry != nil {
			s.transferOwner(res.entry.id, idleWorkerID)
			s.sendDispatch(s.workers[idleWorkerID], res.entry)
			return
		}
	}
}

// Shutdown drains in-flight tasks from every worker and returns their
// Runnables for the caller to re-dispatch or serialize.
func (s *System) Shutdown() []Runnable {
	var out []Runnable
	s.shutdownOnce.Do(func() {
		for _, w := range s.workers {
			ack := make(chan ctrlAck, 1)
			w.ctrl <- ctrlMsg{kind: ctrlShutdown, ack: ack}
			res := <-ack
			for _, e := range res.pending {
				out = append(out, e.runnable)
			}
			close(w.ctrl)
		}
		s.wg.Wait()
	})
	return out
}

// WorkerCount returns the number of workers in the pool.
func (s *System) WorkerCount() int {
	return len(s.workers)
}
