package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jo-hoe/jobserver/internal/jobs"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type blockingRunner struct {
	release chan struct{}
	started chan string
}

func (r *blockingRunner) Run(ctx context.Context, jobID string) {
	r.started <- jobID
	<-r.release
}

func TestRecoverJobs_RequeuesPendingAndFailsOrphanedRunning(t *testing.T) {
	store, err := jobs.NewStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	seed := []*jobs.Job{
		{ID: "queued", Status: jobs.StatusQueued, CreatedAt: time.Now().UTC()},
		{ID: "git-pulling", Status: jobs.StatusGitPulling, CreatedAt: time.Now().UTC()},
		{ID: "cidx-indexing", Status: jobs.StatusCidxIndexing, CreatedAt: time.Now().UTC()},
		{ID: "cidx-ready", Status: jobs.StatusCidxReady, CreatedAt: time.Now().UTC()},
		{ID: "orphaned-running", Status: jobs.StatusRunning, CreatedAt: time.Now().UTC()},
		{ID: "already-completed", Status: jobs.StatusCompleted, CreatedAt: time.Now().UTC()},
	}
	for _, j := range seed {
		if err := store.Save(j); err != nil {
			t.Fatalf("seed Save(%s): %v", j.ID, err)
		}
	}

	runner := &blockingRunner{release: make(chan struct{}), started: make(chan string, 8)}
	sched := jobs.NewScheduler(testLogger(), 4, runner, nil)
	t.Cleanup(func() { sched.Shutdown(time.Second) })

	recoverJobs(store, sched, testLogger())

	orphaned, err := store.Load("orphaned-running")
	if err != nil {
		t.Fatalf("Load orphaned-running: %v", err)
	}
	if orphaned.Status != jobs.StatusFailed {
		t.Fatalf("expected orphaned running job marked Failed, got %v", orphaned.Status)
	}
	if orphaned.CompletedAt == nil {
		t.Fatalf("expected orphaned running job to have CompletedAt set")
	}

	completed, err := store.Load("already-completed")
	if err != nil {
		t.Fatalf("Load already-completed: %v", err)
	}
	if completed.Status != jobs.StatusCompleted {
		t.Fatalf("expected already-terminal job left untouched, got %v", completed.Status)
	}

	wantResumed := map[string]bool{"queued": true, "git-pulling": true, "cidx-indexing": true, "cidx-ready": true}
	seenResumed := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for len(seenResumed) < len(wantResumed) {
		select {
		case id := <-runner.started:
			seenResumed[id] = true
		case <-deadline:
			t.Fatalf("timed out waiting for resumed jobs; got %v, want %v", seenResumed, wantResumed)
		}
	}
	for id := range wantResumed {
		if !seenResumed[id] {
			t.Fatalf("expected %s to be resubmitted to the scheduler", id)
		}
	}
	close(runner.release)
}
