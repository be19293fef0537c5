// Package sched implements the thread table and scheduler (spec §4.5, C7):
// fixed-capacity thread records, five priority-indexed ready queues
// (round-robin within a priority level), and a preemptible tick. Priority 4
// is highest, 0 lowest; a thread woken (Wake or CheckTimeouts) at a higher
// priority than whatever is RUNNING preempts it immediately (spec §8
// scenario 4). Create only enqueues a new thread and never preempts.
//
// Grounded on the teacher's goroutine.go: the same small set of run-state
// constants (_Gidle/_Grunnable/_Grunning/_Gwaiting/_Gdead) reinterpreted as
// this package's ThreadState, and the same save-context/switch/restore-
// context shape spawnGoroutine uses around asm.RunOnGoroutine, generalized
// behind hal.HAL instead of ARM64 register save/restore assembly. Unlike
// the teacher (which schedules on top of the Go runtime's own M:N
// goroutines across multiple Ps), this scheduler is the only scheduler —
// spec.md excludes SMP, so there is exactly one RUNNING thread at a time
// (P4).
package sched

import (
	"fmt"
	"sync"

	"github.com/iansmith/mazarin-core/internal/hal"
	"github.com/iansmith/mazarin-core/internal/kernelerr"
)

// Priority levels, 0 (lowest) through 4 (highest).
const (
	PriorityMin  = 0
	PriorityMax  = 4
	numPriorities = PriorityMax + 1
)

// ThreadState is a thread's scheduling state.
type ThreadState int

const (
	ThreadReady ThreadState = iota
	ThreadRunning
	ThreadBlocked
	ThreadTerminated
)

func (s ThreadState) String() string {
	switch s {
	case ThreadReady:
		return "READY"
	case ThreadRunning:
		return "RUNNING"
	case ThreadBlocked:
		return "BLOCKED"
	case ThreadTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

type threadRecord struct {
	id       uint32
	inUse    bool
	domain   uint32
	priority uint8
	state    ThreadState
	ctx      hal.Context
	wakeAt   uint64
	hasWake  bool
}

// Scheduler is the fixed-capacity thread table plus ready queues.
type Scheduler struct {
	mu sync.Mutex
	hw hal.HAL

	threads []threadRecord
	used    int

	ready [numPriorities][]uint32

	running      uint32 // 0 == none
	remainingTicks uint32
	timeSliceTicks uint32
}

// New builds a scheduler with room for capacity threads. timeSliceTicks is
// how many Tick() calls a thread runs before being preempted for another
// thread at the same priority (spec §4.5). internal/kernel passes §4.9's
// time_slice_ms value through unchanged as this tick count.
func New(capacity int, hw hal.HAL, timeSliceTicks uint32) *Scheduler {
	if capacity <= 0 {
		panic("sched: capacity must be positive")
	}
	if timeSliceTicks == 0 {
		timeSliceTicks = 1
	}
	return &Scheduler{
		threads:        make([]threadRecord, capacity+1),
		hw:             hw,
		timeSliceTicks: timeSliceTicks,
	}
}

func validPriority(p uint8) bool { return p <= PriorityMax }

// Create allocates a new thread in domain, at priority, with a fresh
// context built from entry/stackPointer, and enqueues it READY.
func (s *Scheduler) Create(domain uint32, priority uint8, entry, stackPointer uintptr) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !validPriority(priority) {
		return 0, fmt.Errorf("sched: Create: %w: priority %d out of range [0,%d]", kernelerr.ErrInvalid, priority, PriorityMax)
	}
	if s.used >= len(s.threads)-1 {
		return 0, fmt.Errorf("sched: Create: %w: table full", kernelerr.ErrQuota)
	}
	var id uint32
	found := false
	for i := uint32(1); i < uint32(len(s.threads)); i++ {
		if !s.threads[i].inUse {
			id = i
			found = true
			break
		}
	}
	if !found {
		return 0, fmt.Errorf("sched: Create: %w: table full", kernelerr.ErrQuota)
	}

	s.threads[id] = threadRecord{
		id: id, inUse: true, domain: domain, priority: priority,
		state: ThreadReady, ctx: s.hw.ContextInit(entry, stackPointer),
	}
	s.used++
	s.ready[priority] = append(s.ready[priority], id)
	return id, nil
}

func (s *Scheduler) get(id uint32) (*threadRecord, error) {
	if id == 0 || id >= uint32(len(s.threads)) || !s.threads[id].inUse {
		return nil, fmt.Errorf("sched: %w: no such thread %d", kernelerr.ErrNotFound, id)
	}
	return &s.threads[id], nil
}

func (s *Scheduler) removeFromReady(id uint32, priority uint8) {
	q := s.ready[priority]
	for i, v := range q {
		if v == id {
			s.ready[priority] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

// Destroy removes a thread from the table, clearing it from whatever
// queue it is in.
func (s *Scheduler) Destroy(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get(id)
	if err != nil {
		return err
	}
	if r.state == ThreadReady {
		s.removeFromReady(id, r.priority)
	}
	if s.running == id {
		s.running = 0
	}
	r.state = ThreadTerminated
	r.inUse = false
	s.used--
	return nil
}

// requeueRunning moves the currently running thread (if any) back onto
// its ready queue and clears s.running. Caller holds s.mu.
func (s *Scheduler) requeueRunning() {
	if s.running == 0 {
		return
	}
	r := &s.threads[s.running]
	r.ctx = s.hw.ContextSave()
	r.state = ThreadReady
	s.ready[r.priority] = append(s.ready[r.priority], r.id)
	s.running = 0
}

// dispatch installs id as the running thread, restoring its context via
// the HAL. Caller holds s.mu.
func (s *Scheduler) dispatch(id uint32) {
	r := &s.threads[id]
	r.state = ThreadRunning
	s.running = id
	s.remainingTicks = s.timeSliceTicks
	s.hw.ContextRestore(r.ctx)
}

// pickNextLocked returns the next thread to run from the highest non-empty
// ready queue (round-robin: the queue is FIFO, so repeated picks cycle
// through same-priority threads), or 0 if none are ready.
func (s *Scheduler) pickNextLocked() uint32 {
	for p := PriorityMax; p >= PriorityMin; p-- {
		q := s.ready[p]
		if len(q) == 0 {
			continue
		}
		id := q[0]
		s.ready[p] = q[1:]
		return id
	}
	return 0
}

// Yield voluntarily gives up the CPU: the running thread (if any) is
// requeued and the next ready thread (possibly the same one, if nothing
// else is ready at its priority) is dispatched.
func (s *Scheduler) Yield() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requeueRunning()
	next := s.pickNextLocked()
	if next == 0 {
		s.hw.Idle()
		return 0, nil
	}
	s.dispatch(next)
	return next, nil
}

// Tick accounts one scheduler tick against the running thread's time
// slice, preempting it (round-robin requeue + dispatch next) once the
// slice is exhausted (spec §4.5's preemptible tick).
func (s *Scheduler) Tick() (switched bool, next uint32, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running == 0 {
		n := s.pickNextLocked()
		if n == 0 {
			return false, 0, nil
		}
		s.dispatch(n)
		return true, n, nil
	}

	if s.remainingTicks > 0 {
		s.remainingTicks--
	}
	if s.remainingTicks > 0 {
		return false, s.running, nil
	}

	s.requeueRunning()
	n := s.pickNextLocked()
	if n == 0 {
		return true, 0, nil
	}
	s.dispatch(n)
	return true, n, nil
}

// Block moves thread id out of RUNNING/READY into BLOCKED. If id is the
// running thread, the CPU becomes idle until a later Tick/Yield picks a
// new thread; callers that want an immediate reschedule should follow
// Block with Yield.
func (s *Scheduler) Block(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get(id)
	if err != nil {
		return err
	}
	switch r.state {
	case ThreadReady:
		s.removeFromReady(id, r.priority)
	case ThreadRunning:
		r.ctx = s.hw.ContextSave()
		s.running = 0
	default:
		return fmt.Errorf("sched: Block: %w: thread %d is %s", kernelerr.ErrInvalid, id, r.state)
	}
	r.state = ThreadBlocked
	r.hasWake = false
	return nil
}

// BlockWithTimeout is Block plus a deadline (hal.HAL.Timestamp() units)
// after which CheckTimeouts will wake the thread even without an explicit
// Wake.
func (s *Scheduler) BlockWithTimeout(id uint32, deadline uint64) error {
	if err := s.Block(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, _ := s.get(id)
	r.wakeAt = deadline
	r.hasWake = true
	return nil
}

// Wake moves a BLOCKED thread back to READY. If it is now the
// highest-priority ready thread and strictly higher priority than whatever
// is RUNNING, it preempts immediately (spec §8 scenario 4) and the return
// value reports the newly running thread.
func (s *Scheduler) Wake(id uint32) (preempted uint32, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get(id)
	if err != nil {
		return 0, err
	}
	if r.state != ThreadBlocked {
		return 0, fmt.Errorf("sched: Wake: %w: thread %d is %s, not BLOCKED", kernelerr.ErrInvalid, id, r.state)
	}
	r.state = ThreadReady
	r.hasWake = false
	s.ready[r.priority] = append(s.ready[r.priority], id)

	if s.running != 0 {
		cur := &s.threads[s.running]
		if r.priority > cur.priority {
			s.removeFromReady(id, r.priority)
			s.requeueRunning()
			s.dispatch(id)
			return id, nil
		}
	}
	return 0, nil
}

// CheckTimeouts wakes every BLOCKED thread whose timeout deadline has
// passed as of now (hal.HAL.Timestamp() units), applying the same
// preemption rule as Wake.
func (s *Scheduler) CheckTimeouts(now uint64) []uint32 {
	s.mu.Lock()
	var due []uint32
	for i := range s.threads {
		r := &s.threads[i]
		if r.inUse && r.state == ThreadBlocked && r.hasWake && now >= r.wakeAt {
			due = append(due, r.id)
		}
	}
	s.mu.Unlock()

	for _, id := range due {
		s.Wake(id)
	}
	return due
}

// RunThread forcibly installs id as the running thread regardless of its
// priority or queue position, requeuing whatever was previously running.
// This bypasses the normal priority/round-robin policy and exists only for
// the synchronous cross-domain call path (internal/ipc), which donates the
// caller's execution to the callee thread rather than going through the
// ordinary scheduling decision (spec §4.7).
func (s *Scheduler) RunThread(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get(id)
	if err != nil {
		return err
	}
	if r.state != ThreadReady && r.state != ThreadBlocked {
		return fmt.Errorf("sched: RunThread: %w: thread %d is %s", kernelerr.ErrInvalid, id, r.state)
	}
	if r.state == ThreadReady {
		s.removeFromReady(id, r.priority)
	}
	s.requeueRunning()
	s.dispatch(id)
	return nil
}

// Running reports the currently running thread id, or 0 if none.
func (s *Scheduler) Running() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// State reports a thread's current scheduling state.
func (s *Scheduler) State(id uint32) (ThreadState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.get(id)
	if err != nil {
		return 0, err
	}
	return r.state, nil
}

// SetTimeSlice updates the tick count a thread runs before preemption
// within its priority level. Takes effect at the next dispatch; the
// thread currently running finishes its already-granted slice. Exists so
// internal/kernel can apply a live time_slice_ms reconfiguration (spec
// §4.9) without tearing down the scheduler.
func (s *Scheduler) SetTimeSlice(ticks uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ticks == 0 {
		ticks = 1
	}
	s.timeSliceTicks = ticks
}
