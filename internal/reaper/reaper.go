// Package reaper implements the Reaper (§4.7): two ticker-driven cleanup
// passes plus the synchronous user-initiated delete path, all funneled
// through the same Workspace Store / Sidecar Manager primitives so there is
// exactly one deletion code path for a job's on-disk workspace.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jo-hoe/jobserver/internal/jobs"
)

// JobStore narrows *jobs.Store to what the Reaper needs.
type JobStore interface {
	LoadAll() ([]jobs.Job, error)
	Save(job *jobs.Job) error
	Delete(id string) error
	ReapTerminal(retention time.Duration, now time.Time) (int, error)
}

// Workspace narrows *workspace.Store to what the Reaper needs.
type Workspace interface {
	Remove(ctx context.Context, jobID string) error
}

// Sidecar narrows *sidecar.Manager to what the Reaper needs.
type Sidecar interface {
	Stop(ctx context.Context, jobID string) error
}

// Scheduler narrows *jobs.Scheduler to what the Reaper needs.
type Scheduler interface {
	Cancel(jobID string) bool
}

// Reaper runs the wall-clock reclamation and retention sweeps, and exposes
// the synchronous Delete path shared with the HTTP API.
type Reaper struct {
	store     JobStore
	workspace Workspace
	sidecar   Sidecar
	scheduler Scheduler
	log       *slog.Logger

	wallClock     time.Duration
	retention     time.Duration
	shortInterval time.Duration
	longInterval  time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a Reaper. wallClock bounds how long any non-terminal job may
// exist before being forcibly reclaimed; retention bounds how long a
// terminal job's record is kept after completion.
func New(store JobStore, ws Workspace, sc Sidecar, scheduler Scheduler, log *slog.Logger, wallClock, retention, shortInterval, longInterval time.Duration) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{
		store:         store,
		workspace:     ws,
		sidecar:       sc,
		scheduler:     scheduler,
		log:           log,
		wallClock:     wallClock,
		retention:     retention,
		shortInterval: shortInterval,
		longInterval:  longInterval,
	}
}

// Start launches the two ticker loops in background goroutines.
func (r *Reaper) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(2)
	go r.runShortHorizon(ctx)
	go r.runLongHorizon(ctx)
	r.log.Info("reaper started", "wall_clock", r.wallClock, "retention", r.retention)
}

// Stop cancels both loops and waits for them to exit.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Reaper) runShortHorizon(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.shortInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.reclaimExpired(ctx, now)
		}
	}
}

func (r *Reaper) runLongHorizon(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.longInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := r.store.ReapTerminal(r.retention, now)
			if err != nil {
				r.log.Error("retention sweep failed", "err", err)
				continue
			}
			if n > 0 {
				r.log.Info("retention sweep removed expired records", "count", n)
			}
		}
	}
}

// reclaimExpired tears down any non-terminal job whose age since CreatedAt
// exceeds the configured wall-clock timeout.
func (r *Reaper) reclaimExpired(ctx context.Context, now time.Time) {
	all, err := r.store.LoadAll()
	if err != nil {
		r.log.Error("reaper: load jobs failed", "err", err)
		return
	}
	for i := range all {
		job := all[i]
		if job.Status.Terminal() {
			continue
		}
		if now.Sub(job.CreatedAt) <= r.wallClock {
			continue
		}
		r.reclaimOne(ctx, &job, now)
	}
}

func (r *Reaper) reclaimOne(ctx context.Context, job *jobs.Job, now time.Time) {
	r.log.Warn("reaper: reclaiming expired job", "job_id", job.ID, "status", job.Status, "age", now.Sub(job.CreatedAt))

	r.scheduler.Cancel(job.ID)

	if err := r.sidecar.Stop(ctx, job.ID); err != nil {
		r.log.Warn("reaper: stop sidecar failed", "job_id", job.ID, "err", err)
	}
	if err := r.workspace.Remove(ctx, job.ID); err != nil {
		r.log.Warn("reaper: remove workspace failed", "job_id", job.ID, "err", err)
	}

	// job.Output (if any was captured while Running) is left untouched:
	// operators debugging a runaway job need to see what it was doing.
	job.MarkTerminal(jobs.StatusFailed, now)
	if err := r.store.Save(job); err != nil {
		r.log.Error("reaper: save reclaimed job failed", "job_id", job.ID, "err", err)
	}
}

// Delete synchronously tears down jobID: cancels it if running/waiting,
// stops its sidecar, removes its workspace, and deletes its record. Safe to
// call more than once for the same id.
func (r *Reaper) Delete(ctx context.Context, jobID string) error {
	r.scheduler.Cancel(jobID)

	if err := r.sidecar.Stop(ctx, jobID); err != nil {
		r.log.Warn("delete: stop sidecar failed", "job_id", jobID, "err", err)
	}
	if err := r.workspace.Remove(ctx, jobID); err != nil {
		r.log.Warn("delete: remove workspace failed", "job_id", jobID, "err", err)
	}
	return r.store.Delete(jobID)
}
