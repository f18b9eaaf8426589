// Package engine wires the Workspace Store, Repository Registry, Pre-flight
// Runner, Executor, and Title Summarizer into the job lifecycle described
// across §3-§4: CreateJob, StartJob, GetJob, and ListUserJobs. Uploads are
// handled by the Staging Area and deletion by the Reaper. It implements
// jobs.Runner so the Scheduler can dispatch onto it directly.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jo-hoe/jobserver/internal/executor"
	"github.com/jo-hoe/jobserver/internal/jobs"
	"github.com/jo-hoe/jobserver/internal/jobserr"
	"github.com/jo-hoe/jobserver/internal/preflight"
	"github.com/jo-hoe/jobserver/internal/titlesum"
)

// Workspace narrows *workspace.Store to what the Engine needs.
type Workspace interface {
	Clone(ctx context.Context, jobID, sourcePath string) (string, error)
	Remove(ctx context.Context, jobID string) error
}

// Repositories narrows *repository.Registry to what the Engine needs.
type Repositories interface {
	Lookup(name string) (string, error)
}

// Scheduler narrows *jobs.Scheduler to what the Engine needs.
type Scheduler interface {
	Submit(ctx context.Context, jobID string)
	Cancel(jobID string) bool
	QueuePosition(jobID string) int
}

// Engine is the central job lifecycle orchestrator.
type Engine struct {
	log          *slog.Logger
	store        *jobs.Store
	scheduler    Scheduler
	workspace    Workspace
	repositories Repositories
	preflight    *preflight.Runner
	executor     *executor.Executor
	titlesum     *titlesum.Summarizer
	shuttingDown atomic.Bool
}

// New builds an Engine.
func New(log *slog.Logger, store *jobs.Store, scheduler Scheduler, ws Workspace, repos Repositories, pf *preflight.Runner, ex *executor.Executor, ts *titlesum.Summarizer) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		log:          log,
		store:        store,
		scheduler:    scheduler,
		workspace:    ws,
		repositories: repos,
		preflight:    pf,
		executor:     ex,
		titlesum:     ts,
	}
}

// CreateJob persists a new job in Created status and launches the Title
// Summarizer detached; it does not queue the job for execution.
func (e *Engine) CreateJob(user, prompt, repository string, options jobs.Options) (*jobs.Job, error) {
	job := &jobs.Job{
		ID:         uuid.NewString(),
		User:       user,
		Prompt:     prompt,
		Repository: repository,
		Options:    options,
		Status:     jobs.StatusCreated,
		GitStatus:  jobs.GitNotChecked,
		CidxStatus: jobs.CidxNotStarted,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.store.Save(job); err != nil {
		return nil, jobserr.Wrap(jobserr.Internal, "persist new job", err)
	}

	if e.titlesum != nil {
		e.titlesum.SummarizeDetached(context.Background(), prompt, func(title string) {
			current, err := e.store.Load(job.ID)
			if err != nil {
				return // job may have been reclaimed/deleted meanwhile
			}
			current.Title = title
			_ = e.store.Save(current)
		})
	}
	return job, nil
}

// StartJob transitions a Created job to Queued and submits it to the
// Scheduler.
func (e *Engine) StartJob(ctx context.Context, jobID string) error {
	job, err := e.store.Load(jobID)
	if err != nil {
		return err
	}
	if !jobs.CanTransition(job.Status, jobs.StatusQueued) {
		return jobserr.New(jobserr.InvalidInput, fmt.Sprintf("cannot start job in status %s", job.Status))
	}
	job.Status = jobs.StatusQueued
	if err := e.store.Save(job); err != nil {
		return jobserr.Wrap(jobserr.Internal, "persist queued job", err)
	}
	e.scheduler.Submit(ctx, jobID)
	return nil
}

// GetJob loads one job by id.
func (e *Engine) GetJob(jobID string) (*jobs.Job, error) {
	job, err := e.store.Load(jobID)
	if err != nil {
		return nil, err
	}
	job.QueuePosition = e.scheduler.QueuePosition(jobID)
	return job, nil
}

// ListUserJobs loads every job belonging to user.
func (e *Engine) ListUserJobs(user string) ([]jobs.Job, error) {
	all, err := e.store.LoadForUser(user)
	if err != nil {
		return nil, err
	}
	for i := range all {
		all[i].QueuePosition = e.scheduler.QueuePosition(all[i].ID)
	}
	return all, nil
}

// PrepareShutdown marks the Engine as draining so in-flight Run calls report
// a Shutdown outcome (rather than Cancelled) when their context ends.
func (e *Engine) PrepareShutdown() {
	e.shuttingDown.Store(true)
}

// Run implements jobs.Runner: it drives one job through workspace
// provisioning, pre-flight, and execution, persisting status at every step.
// It never panics outward — any pipeline panic is recovered and converted
// into a Failed status so the Scheduler's concurrency slot is always freed.
func (e *Engine) Run(ctx context.Context, jobID string) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("engine: recovered panic in job pipeline", "job_id", jobID, "panic", r)
			if job, err := e.store.Load(jobID); err == nil && !job.Status.Terminal() {
				job.MarkTerminal(jobs.StatusFailed, time.Now().UTC())
				_ = e.store.Save(job)
			}
		}
	}()

	job, err := e.store.Load(jobID)
	if err != nil {
		e.log.Error("engine: load job failed", "job_id", jobID, "err", err)
		return
	}

	if err := e.provisionWorkspace(ctx, job); err != nil {
		e.log.Error("engine: workspace provisioning failed", "job_id", jobID, "err", err)
		job.MarkTerminal(jobs.StatusFailed, time.Now().UTC())
		_ = e.store.Save(job)
		return
	}

	outcome, err := e.preflight.Run(ctx, job)
	if err != nil {
		e.log.Warn("engine: pre-flight failed", "job_id", jobID, "err", err)
		// gitPull already set job.Status to GitFailed (non-terminal) before
		// returning its error; bringUpCidx and the staging/template steps set
		// job.Status to the terminal StatusFailed without a CompletedAt, so
		// MarkTerminal here stamps it (§8). Every other error falls back to a
		// generic Failed+CompletedAt. Leaving GitFailed non-terminal (no
		// CompletedAt) keeps the job visible to the Reaper's short-horizon
		// wall-clock sweep, which tears down its workspace once it ages out
		// (§8) -- marking it terminal here would make the long-horizon sweep
		// delete only the record and leak the workspace forever.
		if (!job.Status.Terminal() || job.CompletedAt == nil) && jobserr.KindOf(err) != jobserr.GitFailed {
			job.MarkTerminal(jobs.StatusFailed, time.Now().UTC())
		}
		_ = e.store.Save(job)
		return
	}

	job.Status = jobs.StatusRunning
	now := time.Now().UTC()
	job.StartedAt = &now
	if err := e.store.Save(job); err != nil {
		e.log.Error("engine: persist running job failed", "job_id", jobID, "err", err)
	}

	runCtx := ctx
	var cancelTimeout context.CancelFunc
	if job.Options.TimeoutSeconds > 0 {
		runCtx, cancelTimeout = context.WithTimeout(ctx, time.Duration(job.Options.TimeoutSeconds)*time.Second)
		defer cancelTimeout()
	}

	// The Executor sees the placeholder-resolved prompt; the persisted record
	// keeps the original text.
	execJob := *job
	execJob.Prompt = outcome.ResolvedPrompt
	result, err := e.executor.Execute(runCtx, execJob, job.WorkspacePath, outcome.SystemPrompt, e.shuttingDown.Load())
	job.Output = result.Output
	if err != nil {
		e.log.Error("engine: execution failed to run", "job_id", jobID, "err", err)
		job.MarkTerminal(jobs.StatusFailed, time.Now().UTC())
		_ = e.store.Save(job)
		return
	}

	switch result.Outcome {
	case executor.OutcomeExited:
		job.ExitCode = &result.ExitCode
		if result.ExitCode == 0 {
			job.MarkTerminal(jobs.StatusCompleted, time.Now().UTC())
		} else {
			job.MarkTerminal(jobs.StatusFailed, time.Now().UTC())
		}
	case executor.OutcomeTimeout:
		job.MarkTerminal(jobs.StatusTimeout, time.Now().UTC())
	case executor.OutcomeShutdown:
		job.MarkTerminal(jobs.StatusFailed, time.Now().UTC())
	case executor.OutcomeCancelled:
		job.MarkTerminal(jobs.StatusCancelled, time.Now().UTC())
	}
	if err := e.store.Save(job); err != nil {
		e.log.Error("engine: persist terminal job failed", "job_id", jobID, "err", err)
	}
}

func (e *Engine) provisionWorkspace(ctx context.Context, job *jobs.Job) error {
	// A job resubmitted by startup recovery may already own a workspace from
	// its previous run; reuse it instead of cloning over it.
	if job.WorkspacePath != "" {
		if _, err := os.Stat(job.WorkspacePath); err == nil {
			return nil
		}
	}
	sourcePath, err := e.repositories.Lookup(job.Repository)
	if err != nil {
		return jobserr.Wrap(jobserr.InvalidInput, "resolve repository", err)
	}
	workspacePath, err := e.workspace.Clone(ctx, job.ID, sourcePath)
	if err != nil {
		return jobserr.Wrap(jobserr.WorkspaceCreateFailed, "clone workspace", err)
	}
	job.WorkspacePath = workspacePath
	return e.store.Save(job)
}
