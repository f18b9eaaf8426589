// Package preflight implements the Pre-flight stage (§4.5): git pull,
// staged-file materialization, and semantic-index bring-up, run in order
// before a job's assistant process is launched.
package preflight

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/jo-hoe/jobserver/internal/common"
	"github.com/jo-hoe/jobserver/internal/gitutil"
	"github.com/jo-hoe/jobserver/internal/jobs"
	"github.com/jo-hoe/jobserver/internal/jobserr"
	"github.com/jo-hoe/jobserver/internal/placeholder"
)

// Sidecar narrows *sidecar.Manager to what Pre-flight needs, so tests can
// substitute a stub instead of shelling out to a real container runtime.
type Sidecar interface {
	Start(ctx context.Context, jobID, workspacePath string) error
	WaitReady(ctx context.Context, jobID string, timeout, interval time.Duration) (bool, map[string]bool, error)
}

// Staging narrows *staging.Area to what Pre-flight needs.
type Staging interface {
	Materialize(jobID, workspacePath string) (int, error)
}

// Templates loads the two on-disk system-prompt templates selected by
// whether the semantic-index sidecar came up ready.
type Templates struct {
	AvailablePath   string
	UnavailablePath string
}

// Runner executes the Pre-flight sub-steps for one job.
type Runner struct {
	sidecar      Sidecar
	staging      Staging
	templates    Templates
	gitTimeout   time.Duration
	cidxTimeout  time.Duration
	cidxInterval time.Duration
	persist      func(*jobs.Job) error
}

// New builds a Pre-flight Runner. persist, if non-nil, is called to save the
// job's transitional status (GitPulling/CidxIndexing/CidxReady) as soon as
// it is set, so a concurrent GetJob observes the sub-step actually in
// flight rather than the last status saved before Pre-flight started.
func New(sc Sidecar, st Staging, templates Templates, gitTimeout, cidxTimeout, cidxInterval time.Duration, persist func(*jobs.Job) error) *Runner {
	return &Runner{
		sidecar:      sc,
		staging:      st,
		templates:    templates,
		gitTimeout:   gitTimeout,
		cidxTimeout:  cidxTimeout,
		cidxInterval: cidxInterval,
		persist:      persist,
	}
}

func (r *Runner) persistStatus(job *jobs.Job) error {
	if r.persist == nil {
		return nil
	}
	return r.persist(job)
}

// Outcome carries what Pre-flight produced for a job: the rewritten prompt
// and the system prompt to hand to the Executor.
type Outcome struct {
	ResolvedPrompt string
	SystemPrompt   string
}

// Run executes git pull (if git-aware), staged-file materialization, and
// semantic-index bring-up (if cidx-aware) in order, mutating job's status
// fields in place. It returns the composed Outcome for the Executor, or an
// error after having set the appropriate failed status on job.
func (r *Runner) Run(ctx context.Context, job *jobs.Job) (Outcome, error) {
	if job.Options.GitAware {
		job.Status = jobs.StatusGitPulling
		if err := r.persistStatus(job); err != nil {
			return Outcome{}, jobserr.Wrap(jobserr.Internal, "persist git-pulling status", err)
		}
		if err := r.gitPull(ctx, job); err != nil {
			_ = r.persistStatus(job)
			return Outcome{}, err
		}
	} else {
		job.GitStatus = jobs.GitNotChecked
	}

	if _, err := r.staging.Materialize(job.ID, job.WorkspacePath); err != nil {
		job.Status = jobs.StatusFailed
		_ = r.persistStatus(job)
		return Outcome{}, jobserr.Wrap(jobserr.StagingMaterializeFailed, "materialize staged files", err)
	}

	systemPromptPath := r.templates.UnavailablePath
	if job.Options.CidxAware {
		job.Status = jobs.StatusCidxIndexing
		if err := r.persistStatus(job); err != nil {
			return Outcome{}, jobserr.Wrap(jobserr.Internal, "persist cidx-indexing status", err)
		}
		if err := r.bringUpCidx(ctx, job); err != nil {
			_ = r.persistStatus(job)
			return Outcome{}, err
		}
		if job.CidxStatus == jobs.CidxReady {
			job.Status = jobs.StatusCidxReady
			if err := r.persistStatus(job); err != nil {
				return Outcome{}, jobserr.Wrap(jobserr.Internal, "persist cidx-ready status", err)
			}
			systemPromptPath = r.templates.AvailablePath
		}
	} else {
		job.CidxStatus = jobs.CidxNotStarted
	}

	systemPrompt, err := loadTemplate(systemPromptPath)
	if err != nil {
		job.Status = jobs.StatusFailed
		return Outcome{}, jobserr.Wrap(jobserr.Internal, "load system prompt template", err)
	}

	uploadedFiles, err := listUploadedFiles(job.WorkspacePath)
	if err != nil {
		job.Status = jobs.StatusFailed
		return Outcome{}, jobserr.Wrap(jobserr.Internal, "list materialized files", err)
	}

	resolved := placeholder.Resolve(job.Prompt, uploadedFiles)
	return Outcome{ResolvedPrompt: resolved, SystemPrompt: systemPrompt}, nil
}

func (r *Runner) gitPull(ctx context.Context, job *jobs.Job) error {
	job.GitStatus = jobs.GitChecking

	pullCtx, cancel := context.WithTimeout(ctx, r.gitTimeout)
	defer cancel()

	if !gitutil.IsRepo(job.WorkspacePath) {
		job.GitStatus = jobs.GitNotGitRepo
		return nil
	}

	if err := gitutil.Run(pullCtx, job.WorkspacePath, "pull", "--ff-only"); err != nil {
		job.GitStatus = jobs.GitFailed
		job.Status = jobs.StatusGitFailed
		return jobserr.Wrap(jobserr.GitFailed, "git pull", err)
	}
	job.GitStatus = jobs.GitPulled
	return nil
}

func (r *Runner) bringUpCidx(ctx context.Context, job *jobs.Job) error {
	job.CidxStatus = jobs.CidxStarting
	if err := r.sidecar.Start(ctx, job.ID, job.WorkspacePath); err != nil {
		job.CidxStatus = jobs.CidxFailedSt
		job.Status = jobs.StatusFailed
		return jobserr.Wrap(jobserr.CidxFailed, "start sidecar", err)
	}

	job.CidxStatus = jobs.CidxIndexing
	ready, _, err := r.sidecar.WaitReady(ctx, job.ID, r.cidxTimeout, r.cidxInterval)
	if err != nil {
		job.CidxStatus = jobs.CidxFailedSt
		job.Status = jobs.StatusFailed
		return jobserr.Wrap(jobserr.CidxFailed, "wait for sidecar readiness", err)
	}
	if !ready {
		job.CidxStatus = jobs.CidxFailedSt
		job.Status = jobs.StatusFailed
		return jobserr.New(jobserr.CidxFailed, "semantic index did not become ready in time")
	}

	job.CidxStatus = jobs.CidxReady
	return nil
}

func loadTemplate(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", nil
	}
	b, err := os.ReadFile(path) // #nosec G304 - path comes from trusted server configuration
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func listUploadedFiles(workspacePath string) ([]string, error) {
	filesDir := workspacePath + string(os.PathSeparator) + common.FilesDirName
	entries, err := os.ReadDir(filesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
