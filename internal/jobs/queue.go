package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Runner executes a single job by id. Implementations are expected to run
// the full pre-flight + execution pipeline and persist the final status
// themselves; Run only returns once the job has reached a terminal state or
// ctx has been cancelled.
type Runner interface {
	Run(ctx context.Context, jobID string)
}

// Scheduler is the FIFO dispatcher described in §4.4: jobs wait in submission
// order and at most maxConcurrent run at any time. A single mutex guards the
// in-memory queue/running-set; no I/O is ever performed while holding it.
type Scheduler struct {
	log              *slog.Logger
	runner           Runner
	maxConcurrent    int
	onPositionChange func(jobID string, position int)

	mu       sync.Mutex
	waiting  []string
	running  map[string]context.CancelFunc
	wg       sync.WaitGroup
	draining bool
}

// NewScheduler builds a Scheduler bounded to maxConcurrent simultaneous runs.
// onPositionChange, if non-nil, is invoked in its own goroutine for every
// waiting job with its 1-based queue position each time a job is submitted,
// recovered, cancelled while waiting, or dispatched, so the caller can
// persist it onto the Job record.
func NewScheduler(log *slog.Logger, maxConcurrent int, runner Runner, onPositionChange func(jobID string, position int)) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Scheduler{
		log:              log,
		runner:           runner,
		maxConcurrent:    maxConcurrent,
		onPositionChange: onPositionChange,
		running:          make(map[string]context.CancelFunc),
	}
}

// Submit appends jobID to the back of the FIFO queue and dispatches
// immediately if a concurrency slot is free.
func (s *Scheduler) Submit(ctx context.Context, jobID string) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.waiting = append(s.waiting, jobID)
	s.renumberLocked()
	s.mu.Unlock()

	s.tryDispatch(ctx)
}

// Recover re-enqueues job ids left over from a prior process (jobs that were
// queued, or mid pre-flight/run, when the server last stopped). Callers are
// expected to have already marked any job that was actually `running` at
// crash time as failed/requeued in the Job Store before calling Recover with
// whatever ids should resume life in the queue.
func (s *Scheduler) Recover(ctx context.Context, jobIDs []string) {
	s.mu.Lock()
	s.waiting = append(s.waiting, jobIDs...)
	s.renumberLocked()
	s.mu.Unlock()
	s.tryDispatch(ctx)
}

// Cancel stops jobID: if it is still waiting, it is removed from the queue;
// if it is running, its context is cancelled so the Runner can unwind
// (process-group signal, etc.). Reports whether the job was found at all.
func (s *Scheduler) Cancel(jobID string) bool {
	s.mu.Lock()
	for i, id := range s.waiting {
		if id == jobID {
			s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
			s.renumberLocked()
			s.mu.Unlock()
			return true
		}
	}
	cancel, ok := s.running[jobID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// QueuePosition reports a waiting job's 1-based position, or 0 if it is not
// currently waiting (running, finished, or unknown).
func (s *Scheduler) QueuePosition(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, id := range s.waiting {
		if id == jobID {
			return i + 1
		}
	}
	return 0
}

func (s *Scheduler) renumberLocked() {
	for i, id := range s.waiting {
		if s.onPositionChange != nil {
			pos := i + 1
			jid := id
			go s.onPositionChange(jid, pos)
		}
	}
}

func (s *Scheduler) tryDispatch(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.draining || len(s.waiting) == 0 || len(s.running) >= s.maxConcurrent {
			s.mu.Unlock()
			return
		}
		jobID := s.waiting[0]
		s.waiting = s.waiting[1:]
		runCtx, cancel := context.WithCancel(ctx)
		s.running[jobID] = cancel
		s.renumberLocked()
		s.wg.Add(1)
		s.mu.Unlock()

		go s.runOne(runCtx, cancel, jobID)
	}
}

func (s *Scheduler) runOne(ctx context.Context, cancel context.CancelFunc, jobID string) {
	defer s.wg.Done()
	defer cancel()
	defer func() {
		s.mu.Lock()
		delete(s.running, jobID)
		s.mu.Unlock()
		s.tryDispatch(context.Background())
	}()

	s.log.Info("dispatching job", "job_id", jobID)
	s.runner.Run(ctx, jobID)
}

// Shutdown cancels every running job's context and waits up to grace for
// runners to unwind; it does not block indefinitely.
func (s *Scheduler) Shutdown(grace time.Duration) {
	s.mu.Lock()
	s.draining = true
	s.waiting = nil
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	if grace <= 0 {
		<-done
		return
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.log.Warn("scheduler shutdown grace period elapsed; jobs may still be running")
	}
}

// Running reports whether jobID currently holds a concurrency slot.
func (s *Scheduler) Running(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[jobID]
	return ok
}
