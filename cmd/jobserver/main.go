package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/jo-hoe/jobserver/internal/common"
	appcfg "github.com/jo-hoe/jobserver/internal/config"
	"github.com/jo-hoe/jobserver/internal/engine"
	"github.com/jo-hoe/jobserver/internal/executor"
	"github.com/jo-hoe/jobserver/internal/jobs"
	"github.com/jo-hoe/jobserver/internal/llm"
	"github.com/jo-hoe/jobserver/internal/llm/aiproxy"
	"github.com/jo-hoe/jobserver/internal/llm/execcli"
	"github.com/jo-hoe/jobserver/internal/llm/mock"
	"github.com/jo-hoe/jobserver/internal/preflight"
	"github.com/jo-hoe/jobserver/internal/reaper"
	"github.com/jo-hoe/jobserver/internal/repository"
	"github.com/jo-hoe/jobserver/internal/server"
	"github.com/jo-hoe/jobserver/internal/sidecar"
	"github.com/jo-hoe/jobserver/internal/staging"
	"github.com/jo-hoe/jobserver/internal/titlesum"
	"github.com/jo-hoe/jobserver/internal/workspace"
)

func main() {
	logger := newLogger()
	slog.SetDefault(logger)

	cfg, err := appcfg.Load("")
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}

	store, err := jobs.NewStore(cfg.Workspace.JobsPath, logger)
	if err != nil {
		logger.Error("open job store", "err", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	repos, err := repository.NewRegistry(cfg.Workspace.RepositoriesPath)
	if err != nil {
		logger.Error("open repository registry", "err", err)
		os.Exit(1)
	}

	ws := workspace.NewStore(cfg.Workspace.JobsPath, logger, nil)
	stagingArea := staging.NewArea(cfg.Workspace.JobsPath)
	sc := sidecar.NewManager(cfg.Cidx.Command, cfg.Cidx.ProbeAddrTmpl, cfg.Cidx.ReadyTimeout)

	pf := preflight.New(sc, stagingArea,
		preflight.Templates{
			AvailablePath:   cfg.SystemPrompts.CidxAvailableTemplatePath,
			UnavailablePath: cfg.SystemPrompts.CidxUnavailableTemplatePath,
		},
		30*time.Second, cfg.Cidx.ReadyTimeout, cfg.Cidx.ProbeInterval, store.Save)

	ex := executor.New(cfg.Claude.Command, cfg.Claude.Args,
		executor.NewPosixImpersonator(common.MinImpersonationUID),
		time.Duration(cfg.Jobs.ExecGraceSeconds)*time.Second,
		common.DefaultOutputBufferBytes)

	var llmClient llm.AssistantClient
	switch cfg.LLM.Provider {
	case "aiproxy":
		llmClient = aiproxy.New(cfg.LLM.AIProxy)
	case "execcli":
		llmClient = execcli.New(cfg.Claude.Command, cfg.Claude.Args)
	default:
		llmClient = mock.New(cfg.LLM.Mock)
	}
	titleSummarizer := titlesum.New(llmClient, logger)

	// Scheduler and Engine are mutually referential (the Scheduler dispatches
	// onto the Engine; the Engine reports queue position back through the
	// Scheduler), so a settable indirection breaks the construction cycle.
	schedRef := &schedulerRef{}
	eng := engine.New(logger, store, schedRef, ws, repos, pf, ex, titleSummarizer)
	scheduler := jobs.NewScheduler(logger, cfg.Jobs.MaxConcurrent, eng, func(jobID string, position int) {
		if job, err := store.Load(jobID); err == nil {
			job.QueuePosition = position
			_ = store.Save(job)
		}
	})
	schedRef.s = scheduler
	recoverJobs(store, scheduler, logger)

	rp := reaper.New(store, ws, sc, scheduler, logger,
		time.Duration(cfg.Jobs.TimeoutHours)*time.Hour,
		time.Duration(cfg.Jobs.RetentionDays)*24*time.Hour,
		common.DefaultReapIntervalSec*time.Second,
		common.DefaultRetentionSweepMin*time.Minute)

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rp.Start(rootCtx)

	svc := &server.Service{
		Log:          logger,
		Cfg:          cfg,
		Engine:       eng,
		Staging:      stagingArea,
		Repositories: repos,
		Reaper:       rp,
	}
	httpSrv := server.NewHTTPServer(svc)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "address", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err.Error() != "http: Server closed" {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "err", err)
		}
	}

	eng.PrepareShutdown()

	grace := time.Duration(cfg.Jobs.ShutdownGraceSeconds) * time.Second
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), grace)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}

	scheduler.Shutdown(grace)
	rp.Stop()
	logger.Info("server stopped")
}

// schedulerRef defers to a *jobs.Scheduler assigned after construction,
// letting the Engine and Scheduler reference each other without a shared
// constructor.
type schedulerRef struct {
	s *jobs.Scheduler
}

func (r *schedulerRef) Submit(ctx context.Context, jobID string) { r.s.Submit(ctx, jobID) }
func (r *schedulerRef) Cancel(jobID string) bool                 { return r.s.Cancel(jobID) }
func (r *schedulerRef) QueuePosition(jobID string) int           { return r.s.QueuePosition(jobID) }

// recoverJobs runs the startup-recovery sweep: jobs left `running` when the
// process last stopped are orphaned (their executor subprocess died with it)
// and are marked failed with a note in their output; jobs left queued or mid
// pre-flight are resubmitted to the Scheduler, which runs their pipeline
// again and reuses any workspace already provisioned.
func recoverJobs(store *jobs.Store, scheduler *jobs.Scheduler, log *slog.Logger) {
	all, err := store.LoadAll()
	if err != nil {
		log.Error("recover: load jobs", "err", err)
		return
	}

	var resume []string
	for i := range all {
		job := all[i]
		switch job.Status {
		case jobs.StatusRunning:
			if job.Output != "" {
				job.Output += "\n"
			}
			job.Output += "[job was running when the server stopped; marked failed at startup]"
			job.MarkTerminal(jobs.StatusFailed, time.Now().UTC())
			if err := store.Save(&job); err != nil {
				log.Error("recover: mark orphaned running job failed", "job_id", job.ID, "err", err)
			}
		case jobs.StatusQueued, jobs.StatusGitPulling, jobs.StatusCidxIndexing, jobs.StatusCidxReady:
			resume = append(resume, job.ID)
		}
	}

	if len(resume) > 0 {
		log.Info("recover: resuming jobs from prior run", "count", len(resume))
		scheduler.Recover(context.Background(), resume)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	opts := &slog.HandlerOptions{Level: level}
	if isatty.IsTerminal(os.Stdout.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
