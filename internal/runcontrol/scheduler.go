// Package runcontrol is the admission and scheduling layer: it bounds
// concurrent runs globally and per teacher, queues the rest FIFO per teacher
// with fair selection across teachers, shares one global quota of
// outstanding model calls, and carries the cooperative cancellation signal
// for every run.
package runcontrol

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"marksman/internal/logging"
)

// Config bounds the scheduler.
type Config struct {
	MaxConcurrentRuns   int   // RUN_MAX_CONCURRENCY
	TeacherMaxActive    int   // TEACHER_MAX_ACTIVE_RUNS
	MaxParallelLLMCalls int64 // RUN_MAX_PARALLEL_LLM_CALLS

	// Soft watermarks; exceeding them warns at admission, never refuses.
	// 0 disables.
	QueueWatermark  int // RUN_UPLOAD_QUEUE_WATERMARK
	ActiveWatermark int // RUN_UPLOAD_ACTIVE_WATERMARK
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentRuns:   4,
		TeacherMaxActive:    2,
		MaxParallelLLMCalls: 8,
	}
}

// Warning is the soft admission signal.
type Warning string

const (
	// WarnQueueDepth means the teacher's queued runs exceed the watermark.
	WarnQueueDepth Warning = "queue_watermark_exceeded"
	// WarnActiveRuns means the teacher's active runs exceed the watermark.
	WarnActiveRuns Warning = "active_watermark_exceeded"
)

// Dispatch runs an admitted run. It executes on its own goroutine; the
// context carries the run's cooperative cancellation. The callee must call
// ReleaseSlot when the run reaches a terminal state.
type Dispatch func(ctx context.Context, runID string)

// queuedRun is one waiting admission.
type queuedRun struct {
	runID      string
	teacherID  string
	enqueuedAt time.Time
}

// activeRun tracks a dispatched run until its slot is released.
type activeRun struct {
	teacherID string
	ctx       context.Context
	cancel    context.CancelFunc
	released  bool
}

// Scheduler owns the admission state. One scheduler goroutine moves queued
// runs into dispatch as capacity frees up.
type Scheduler struct {
	cfg      Config
	dispatch Dispatch

	mu                   sync.Mutex
	queues               map[string][]*queuedRun // per-teacher FIFO
	active               map[string]*activeRun
	perTeacher           map[string]int // active count per teacher
	cancelledWhileQueued map[string]bool

	llmSlots *semaphore.Weighted

	wake    chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
	stopped sync.Once

	// Metrics
	totalAdmitted    int64
	totalReleased    int64
	llmCallsInFlight int64
}

// New builds a scheduler; Start must be called before Register admits
// anything.
func New(cfg Config, dispatch Dispatch) *Scheduler {
	if cfg.MaxConcurrentRuns < 1 {
		cfg.MaxConcurrentRuns = 1
	}
	if cfg.TeacherMaxActive < 1 {
		cfg.TeacherMaxActive = 1
	}
	if cfg.MaxParallelLLMCalls < 1 {
		cfg.MaxParallelLLMCalls = 1
	}
	return &Scheduler{
		cfg:                  cfg,
		dispatch:             dispatch,
		queues:               make(map[string][]*queuedRun),
		active:               make(map[string]*activeRun),
		perTeacher:           make(map[string]int),
		cancelledWhileQueued: make(map[string]bool),
		llmSlots:             semaphore.NewWeighted(cfg.MaxParallelLLMCalls),
		wake:                 make(chan struct{}, 1),
		stopCh:               make(chan struct{}),
		done:                 make(chan struct{}),
	}
}

// Start launches the scheduler loop.
func (s *Scheduler) Start() {
	go s.loop()
	logging.Runs("scheduler started (runs=%d, per_teacher=%d, llm_calls=%d)",
		s.cfg.MaxConcurrentRuns, s.cfg.TeacherMaxActive, s.cfg.MaxParallelLLMCalls)
}

// Stop halts admission; already-dispatched runs keep running.
func (s *Scheduler) Stop() {
	s.stopped.Do(func() { close(s.stopCh) })
	<-s.done
}

// Register enqueues a run for admission and returns any soft watermark
// warnings. Never refuses.
func (s *Scheduler) Register(runID, teacherID string) []Warning {
	s.mu.Lock()
	s.queues[teacherID] = append(s.queues[teacherID], &queuedRun{
		runID:      runID,
		teacherID:  teacherID,
		enqueuedAt: time.Now(),
	})
	var warns []Warning
	if s.cfg.QueueWatermark > 0 && len(s.queues[teacherID]) > s.cfg.QueueWatermark {
		warns = append(warns, WarnQueueDepth)
	}
	if s.cfg.ActiveWatermark > 0 && s.perTeacher[teacherID] >= s.cfg.ActiveWatermark {
		warns = append(warns, WarnActiveRuns)
	}
	queued := len(s.queues[teacherID])
	s.mu.Unlock()

	logging.Runs("registered run %s (teacher=%s, queued=%d, warnings=%d)",
		runID, teacherID, queued, len(warns))
	s.kick()
	return warns
}

// kick nudges the scheduler loop without blocking.
func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	defer close(s.done)
	for {
		s.admitEligible()
		select {
		case <-s.wake:
		case <-s.stopCh:
			return
		}
	}
}

// admitEligible dispatches queued runs while capacity allows. Within a
// teacher runs start in submission order; across teachers the earliest
// eligible bucket head wins, which round-robins under sustained load.
func (s *Scheduler) admitEligible() {
	for {
		s.mu.Lock()
		if len(s.active) >= s.cfg.MaxConcurrentRuns {
			s.mu.Unlock()
			return
		}

		var best *queuedRun
		for teacher, q := range s.queues {
			if len(q) == 0 {
				continue
			}
			if s.perTeacher[teacher] >= s.cfg.TeacherMaxActive {
				continue
			}
			head := q[0]
			if best == nil || head.enqueuedAt.Before(best.enqueuedAt) {
				best = head
			}
		}
		if best == nil {
			s.mu.Unlock()
			return
		}

		// Pop the head.
		q := s.queues[best.teacherID]
		s.queues[best.teacherID] = q[1:]
		if len(s.queues[best.teacherID]) == 0 {
			delete(s.queues, best.teacherID)
		}

		if s.cancelledWhileQueued[best.runID] {
			delete(s.cancelledWhileQueued, best.runID)
			s.mu.Unlock()
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		s.active[best.runID] = &activeRun{
			teacherID: best.teacherID,
			ctx:       ctx,
			cancel:    cancel,
		}
		s.perTeacher[best.teacherID]++
		atomic.AddInt64(&s.totalAdmitted, 1)
		s.mu.Unlock()

		logging.Runs("admitted run %s (teacher=%s, waited=%v)",
			best.runID, best.teacherID, time.Since(best.enqueuedAt).Round(time.Millisecond))
		go s.dispatch(ctx, best.runID)
	}
}

// Context returns the run's cancellation context. Unknown runs get a
// background context so callers need no nil checks.
func (s *Scheduler) Context(runID string) context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.active[runID]; ok {
		return a.ctx
	}
	return context.Background()
}

// Cancel flags the run for cooperative cancellation. For queued runs it
// removes the queue entry; the caller transitions status. Returns whether
// the run was known to the scheduler.
func (s *Scheduler) Cancel(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.active[runID]; ok {
		a.cancel()
		logging.Runs("cancel signalled for active run %s", runID)
		return true
	}
	for teacher, q := range s.queues {
		for i, r := range q {
			if r.runID == runID {
				s.queues[teacher] = append(q[:i], q[i+1:]...)
				if len(s.queues[teacher]) == 0 {
					delete(s.queues, teacher)
				}
				s.cancelledWhileQueued[runID] = true
				logging.Runs("cancelled queued run %s", runID)
				return true
			}
		}
	}
	return false
}

// ReleaseSlot frees the run's global and per-teacher slot. Idempotent: any
// call after the first is a no-op.
func (s *Scheduler) ReleaseSlot(runID string) {
	s.mu.Lock()
	a, ok := s.active[runID]
	if !ok || a.released {
		s.mu.Unlock()
		return
	}
	a.released = true
	a.cancel() // run is terminal; tear down its context
	delete(s.active, runID)
	s.perTeacher[a.teacherID]--
	if s.perTeacher[a.teacherID] <= 0 {
		delete(s.perTeacher, a.teacherID)
	}
	atomic.AddInt64(&s.totalReleased, 1)
	s.mu.Unlock()

	logging.Runs("released slot for run %s", runID)
	s.kick()
}

// AcquireLLMSlot takes one token from the process-wide quota of outstanding
// model calls. Blocks until a token frees or ctx ends.
func (s *Scheduler) AcquireLLMSlot(ctx context.Context) error {
	if err := s.llmSlots.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("llm slot: %w", err)
	}
	atomic.AddInt64(&s.llmCallsInFlight, 1)
	return nil
}

// ReleaseLLMSlot returns one token.
func (s *Scheduler) ReleaseLLMSlot() {
	atomic.AddInt64(&s.llmCallsInFlight, -1)
	s.llmSlots.Release(1)
}

// Stats is a point-in-time gauge snapshot for the stats endpoint.
type Stats struct {
	ActiveRuns       int            `json:"active_runs"`
	QueuedRuns       int            `json:"queued_runs"`
	QueuedByTeacher  map[string]int `json:"queued_by_teacher,omitempty"`
	LLMCallsInFlight int64          `json:"llm_calls_in_flight"`
	TotalAdmitted    int64          `json:"total_admitted"`
	TotalReleased    int64          `json:"total_released"`
}

// GetStats returns current scheduler gauges.
func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	byTeacher := make(map[string]int, len(s.queues))
	queued := 0
	for teacher, q := range s.queues {
		byTeacher[teacher] = len(q)
		queued += len(q)
	}
	return Stats{
		ActiveRuns:       len(s.active),
		QueuedRuns:       queued,
		QueuedByTeacher:  byTeacher,
		LLMCallsInFlight: atomic.LoadInt64(&s.llmCallsInFlight),
		TotalAdmitted:    atomic.LoadInt64(&s.totalAdmitted),
		TotalReleased:    atomic.LoadInt64(&s.totalReleased),
	}
}
