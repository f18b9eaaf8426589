package reaper

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jo-hoe/jobserver/internal/jobs"
)

type stubWorkspace struct {
	mu      sync.Mutex
	removed []string
}

func (w *stubWorkspace) Remove(ctx context.Context, jobID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removed = append(w.removed, jobID)
	return nil
}

type stubSidecar struct {
	mu      sync.Mutex
	stopped []string
}

func (s *stubSidecar) Stop(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, jobID)
	return nil
}

type stubScheduler struct {
	mu        sync.Mutex
	cancelled []string
}

func (s *stubScheduler) Cancel(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, jobID)
	return true
}

func newTestStore(t *testing.T) *jobs.Store {
	t.Helper()
	st, err := jobs.NewStore(t.TempDir(), slog.Default())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestReaper_ReclaimExpiredNonTerminalJob(t *testing.T) {
	store := newTestStore(t)
	ws := &stubWorkspace{}
	sc := &stubSidecar{}
	sched := &stubScheduler{}

	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	job := &jobs.Job{ID: "expired1", Status: jobs.StatusRunning, Output: "partial output so far", CreatedAt: now.Add(-2 * time.Hour)}
	if err := store.Save(job); err != nil {
		t.Fatalf("Save: %v", err)
	}

	r := New(store, ws, sc, sched, slog.Default(), time.Hour, 30*24*time.Hour, time.Second, time.Minute)
	r.reclaimExpired(context.Background(), now)

	reloaded, err := store.Load("expired1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.Status != jobs.StatusFailed {
		t.Fatalf("expected Failed, got %v", reloaded.Status)
	}
	if reloaded.Output != "partial output so far" {
		t.Fatalf("expected partial output preserved, got %q", reloaded.Output)
	}
	if reloaded.CompletedAt == nil {
		t.Fatalf("expected CompletedAt to be stamped")
	}

	if len(ws.removed) != 1 || ws.removed[0] != "expired1" {
		t.Fatalf("expected workspace removed for expired1, got %v", ws.removed)
	}
	if len(sc.stopped) != 1 || sc.stopped[0] != "expired1" {
		t.Fatalf("expected sidecar stopped for expired1, got %v", sc.stopped)
	}
	if len(sched.cancelled) != 1 || sched.cancelled[0] != "expired1" {
		t.Fatalf("expected scheduler cancel for expired1, got %v", sched.cancelled)
	}
}

func TestReaper_SkipsFreshNonTerminalJob(t *testing.T) {
	store := newTestStore(t)
	ws := &stubWorkspace{}
	sc := &stubSidecar{}
	sched := &stubScheduler{}

	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	job := &jobs.Job{ID: "fresh1", Status: jobs.StatusRunning, CreatedAt: now.Add(-5 * time.Minute)}
	if err := store.Save(job); err != nil {
		t.Fatalf("Save: %v", err)
	}

	r := New(store, ws, sc, sched, slog.Default(), time.Hour, 30*24*time.Hour, time.Second, time.Minute)
	r.reclaimExpired(context.Background(), now)

	reloaded, err := store.Load("fresh1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.Status != jobs.StatusRunning {
		t.Fatalf("expected job untouched, got %v", reloaded.Status)
	}
	if len(ws.removed) != 0 {
		t.Fatalf("expected no workspace removal, got %v", ws.removed)
	}
}

func TestReaper_SkipsTerminalJobRegardlessOfAge(t *testing.T) {
	store := newTestStore(t)
	ws := &stubWorkspace{}
	sc := &stubSidecar{}
	sched := &stubScheduler{}

	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	completed := now.Add(-48 * time.Hour)
	job := &jobs.Job{ID: "done1", CreatedAt: now.Add(-72 * time.Hour)}
	job.MarkTerminal(jobs.StatusCompleted, completed)
	if err := store.Save(job); err != nil {
		t.Fatalf("Save: %v", err)
	}

	r := New(store, ws, sc, sched, slog.Default(), time.Hour, 30*24*time.Hour, time.Second, time.Minute)
	r.reclaimExpired(context.Background(), now)

	if len(ws.removed) != 0 {
		t.Fatalf("terminal job should never be reclaimed by wall-clock pass, got %v", ws.removed)
	}
}

func TestReaper_Delete_IsIdempotentAndTearsDownEverything(t *testing.T) {
	store := newTestStore(t)
	ws := &stubWorkspace{}
	sc := &stubSidecar{}
	sched := &stubScheduler{}

	job := &jobs.Job{ID: "del1", Status: jobs.StatusRunning, CreatedAt: time.Now()}
	if err := store.Save(job); err != nil {
		t.Fatalf("Save: %v", err)
	}

	r := New(store, ws, sc, sched, slog.Default(), time.Hour, 30*24*time.Hour, time.Second, time.Minute)
	if err := r.Delete(context.Background(), "del1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := r.Delete(context.Background(), "del1"); err != nil {
		t.Fatalf("second Delete should be idempotent, got: %v", err)
	}

	if _, err := store.Load("del1"); err == nil {
		t.Fatalf("expected job record to be gone")
	}
	if len(ws.removed) != 2 || len(sc.stopped) != 2 || len(sched.cancelled) != 2 {
		t.Fatalf("expected teardown primitives called twice (once per Delete call)")
	}
}

func TestReaper_StartStop(t *testing.T) {
	store := newTestStore(t)
	ws := &stubWorkspace{}
	sc := &stubSidecar{}
	sched := &stubScheduler{}

	r := New(store, ws, sc, sched, slog.Default(), time.Hour, 30*24*time.Hour, 10*time.Millisecond, 20*time.Millisecond)
	r.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	r.Stop()
}
