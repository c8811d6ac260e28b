// Package scheduler runs named recurring jobs at independent cadences.
//
// A job's callback is never invoked concurrently with itself: when a tick fires
// while the previous invocation is still running, the tick is skipped and
// counted instead of queued.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Func is a job callback. The context is cancelled when the job is abandoned
// after a CancelAll grace period.
type Func func(ctx context.Context)

// Handle identifies a scheduled job.
type Handle uint64

// JobStats is a point-in-time view of one job.
type JobStats struct {
	Handle  Handle
	ID      string
	Cadence string
	Runs    int64
	Skipped int64
	Running bool
	LastRun time.Time
	NextRun time.Time
}

type job struct {
	handle Handle
	id     string
	fn     Func

	mu      sync.Mutex
	cadence Cadence
	lastRun time.Time
	nextRun time.Time

	runs    atomic.Int64
	skipped atomic.Int64
	running atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	reset  chan struct{}
	done   chan struct{}
}

func (j *job) getCadence() Cadence {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cadence
}

func (j *job) stats() JobStats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobStats{
		Handle:  j.handle,
		ID:      j.id,
		Cadence: j.cadence.String(),
		Runs:    j.runs.Load(),
		Skipped: j.skipped.Load(),
		Running: j.running.Load(),
		LastRun: j.lastRun,
		NextRun: j.nextRun,
	}
}

type Scheduler struct {
	clock clockwork.Clock

	mu        sync.Mutex
	jobs      map[Handle]*job
	byID      map[string]Handle
	seq       Handle
	runCtx    context.Context
	runCancel context.CancelFunc
	inflight  sync.WaitGroup
}

// New returns a scheduler driven by clock. A nil clock means wall-clock time.
func New(clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Scheduler{
		clock:     clock,
		jobs:      make(map[Handle]*job),
		byID:      make(map[string]Handle),
		runCtx:    runCtx,
		runCancel: runCancel,
	}
}

func (s *Scheduler) Clock() clockwork.Clock { return s.clock }

// Schedule registers fn under a unique job id and starts ticking immediately.
// The first invocation happens at cadence.Next(now), never at registration.
func (s *Scheduler) Schedule(id string, cadence Cadence, fn Func) (Handle, error) {
	if id == "" {
		return 0, fmt.Errorf("schedule: empty job id")
	}
	if cadence == nil || fn == nil {
		return 0, fmt.Errorf("schedule %s: cadence and callback are required", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[id]; exists {
		return 0, fmt.Errorf("schedule %s: job already registered", id)
	}
	s.seq++
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		handle:  s.seq,
		id:      id,
		fn:      fn,
		cadence: cadence,
		ctx:     ctx,
		cancel:  cancel,
		reset:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	s.jobs[j.handle] = j
	s.byID[id] = j.handle

	go s.loop(j)
	log.Printf("[scheduler] job %s scheduled (%s)", id, cadence)
	return j.handle, nil
}

func (s *Scheduler) loop(j *job) {
	defer close(j.done)
	for {
		now := s.clock.Now()
		next := j.getCadence().Next(now)
		j.mu.Lock()
		j.nextRun = next
		j.mu.Unlock()

		timer := s.clock.NewTimer(next.Sub(now))
		select {
		case <-j.ctx.Done():
			timer.Stop()
			return
		case <-j.reset:
			timer.Stop()
			continue
		case <-timer.Chan():
		}
		s.fire(j)
	}
}

func (s *Scheduler) fire(j *job) {
	s.mu.Lock()
	if j.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	if !j.running.CompareAndSwap(false, true) {
		s.mu.Unlock()
		n := j.skipped.Add(1)
		log.Printf("[scheduler] job %s still running, tick skipped (%d total)", j.id, n)
		return
	}
	runCtx := s.runCtx
	s.inflight.Add(1)
	s.mu.Unlock()

	j.runs.Add(1)
	j.mu.Lock()
	j.lastRun = s.clock.Now()
	j.mu.Unlock()

	go func() {
		defer s.inflight.Done()
		defer j.running.Store(false)
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[scheduler] job %s panicked: %v", j.id, r)
			}
		}()
		j.fn(runCtx)
	}()
}

// Cancel stops issuing ticks for h. An in-flight invocation is left to finish.
func (s *Scheduler) Cancel(h Handle) bool {
	s.mu.Lock()
	j, ok := s.jobs[h]
	if ok {
		j.cancel()
		delete(s.jobs, h)
		delete(s.byID, j.id)
	}
	s.mu.Unlock()
	if ok {
		<-j.done
		log.Printf("[scheduler] job %s cancelled", j.id)
	}
	return ok
}

// Reschedule swaps the cadence of h. The pending tick is recomputed from now;
// run and skip counters are kept.
func (s *Scheduler) Reschedule(h Handle, cadence Cadence) error {
	if cadence == nil {
		return fmt.Errorf("reschedule: nil cadence")
	}
	s.mu.Lock()
	j, ok := s.jobs[h]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("reschedule: unknown handle %d", h)
	}
	j.mu.Lock()
	j.cadence = cadence
	j.mu.Unlock()
	select {
	case j.reset <- struct{}{}:
	default:
	}
	log.Printf("[scheduler] job %s rescheduled (%s)", j.id, cadence)
	return nil
}

// CancelAll stops every job immediately, then waits up to grace for in-flight
// callbacks. Callbacks still running after grace have their context cancelled
// and are abandoned; the count of abandoned callbacks is returned.
func (s *Scheduler) CancelAll(grace time.Duration) int {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.cancel()
		jobs = append(jobs, j)
	}
	s.jobs = make(map[Handle]*job)
	s.byID = make(map[string]Handle)
	runCancel := s.runCancel
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	for _, j := range jobs {
		<-j.done
	}

	waited := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(waited)
	}()

	timer := s.clock.NewTimer(grace)
	defer timer.Stop()

	abandoned := 0
	select {
	case <-waited:
	case <-timer.Chan():
		for _, j := range jobs {
			if j.running.Load() {
				abandoned++
			}
		}
		log.Printf("[scheduler] grace period %s elapsed, abandoning %d running jobs", grace, abandoned)
	}
	runCancel()
	log.Printf("[scheduler] cancelled %d jobs", len(jobs))
	return abandoned
}

// Stats returns the current view of h.
func (s *Scheduler) Stats(h Handle) (JobStats, bool) {
	s.mu.Lock()
	j, ok := s.jobs[h]
	s.mu.Unlock()
	if !ok {
		return JobStats{}, false
	}
	return j.stats(), true
}

// Jobs lists every registered job ordered by id.
func (s *Scheduler) Jobs() []JobStats {
	s.mu.Lock()
	out := make([]JobStats, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.stats())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}
