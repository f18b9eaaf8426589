package preflight

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/jo-hoe/jobserver/internal/jobs"
)

type stubSidecar struct {
	startErr error
	ready    bool
	waitErr  error
}

func (s *stubSidecar) Start(ctx context.Context, jobID, workspacePath string) error {
	return s.startErr
}

func (s *stubSidecar) WaitReady(ctx context.Context, jobID string, timeout, interval time.Duration) (bool, map[string]bool, error) {
	return s.ready, nil, s.waitErr
}

type stubStaging struct {
	err error
}

func (s *stubStaging) Materialize(jobID, workspacePath string) (int, error) {
	return 0, s.err
}

func writeTemplate(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "template.txt")
	if err := os.WriteFile(p, []byte(content), 0o640); err != nil {
		t.Fatalf("write template: %v", err)
	}
	return p
}

func TestRunner_CidxAwareReadyUsesAvailableTemplate(t *testing.T) {
	tmpl := Templates{
		AvailablePath:   writeTemplate(t, "use the index"),
		UnavailablePath: writeTemplate(t, "use grep"),
	}
	r := New(&stubSidecar{ready: true}, &stubStaging{}, tmpl, time.Second, time.Second, 10*time.Millisecond, nil)

	job := &jobs.Job{ID: "job1", Prompt: "hello", WorkspacePath: t.TempDir(), Options: jobs.Options{CidxAware: true}}
	out, err := r.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.SystemPrompt != "use the index" {
		t.Fatalf("expected available template, got %q", out.SystemPrompt)
	}
	if job.CidxStatus != jobs.CidxReady {
		t.Fatalf("expected CidxReady, got %v", job.CidxStatus)
	}
}

func TestRunner_CidxAwareTimeoutFailsJob(t *testing.T) {
	tmpl := Templates{
		AvailablePath:   writeTemplate(t, "use the index"),
		UnavailablePath: writeTemplate(t, "use grep"),
	}
	r := New(&stubSidecar{ready: false}, &stubStaging{}, tmpl, time.Second, time.Second, 10*time.Millisecond, nil)

	job := &jobs.Job{ID: "job2", Prompt: "hello", WorkspacePath: t.TempDir(), Options: jobs.Options{CidxAware: true}}
	_, err := r.Run(context.Background(), job)
	if err == nil {
		t.Fatalf("expected error when cidx never becomes ready")
	}
	if job.Status != jobs.StatusFailed {
		t.Fatalf("expected job.Status Failed, got %v", job.Status)
	}
	if job.CidxStatus != jobs.CidxFailedSt {
		t.Fatalf("expected CidxStatus Failed, got %v", job.CidxStatus)
	}
}

func TestRunner_NotCidxAwareSkipsSidecarUsesUnavailableTemplate(t *testing.T) {
	tmpl := Templates{
		AvailablePath:   writeTemplate(t, "use the index"),
		UnavailablePath: writeTemplate(t, "use grep"),
	}
	r := New(&stubSidecar{ready: true}, &stubStaging{}, tmpl, time.Second, time.Second, 10*time.Millisecond, nil)

	job := &jobs.Job{ID: "job3", Prompt: "hello", WorkspacePath: t.TempDir()}
	out, err := r.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.SystemPrompt != "use grep" {
		t.Fatalf("expected unavailable template, got %q", out.SystemPrompt)
	}
	if job.CidxStatus != jobs.CidxNotStarted {
		t.Fatalf("expected CidxNotStarted, got %v", job.CidxStatus)
	}
}

func TestRunner_StagingFailureAbortsWithFailed(t *testing.T) {
	tmpl := Templates{
		AvailablePath:   writeTemplate(t, "a"),
		UnavailablePath: writeTemplate(t, "b"),
	}
	r := New(&stubSidecar{}, &stubStaging{err: context.DeadlineExceeded}, tmpl, time.Second, time.Second, 10*time.Millisecond, nil)

	job := &jobs.Job{ID: "job4", WorkspacePath: t.TempDir()}
	_, err := r.Run(context.Background(), job)
	if err == nil {
		t.Fatalf("expected error from staging materialize failure")
	}
	if job.Status != jobs.StatusFailed {
		t.Fatalf("expected job.Status Failed, got %v", job.Status)
	}
}

func TestRunner_GitAwareNonGitWorkspaceSetsNotGitRepo(t *testing.T) {
	tmpl := Templates{
		AvailablePath:   writeTemplate(t, "a"),
		UnavailablePath: writeTemplate(t, "b"),
	}
	r := New(&stubSidecar{}, &stubStaging{}, tmpl, time.Second, time.Second, 10*time.Millisecond, nil)

	job := &jobs.Job{ID: "job5", WorkspacePath: t.TempDir(), Options: jobs.Options{GitAware: true}}
	_, err := r.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.GitStatus != jobs.GitNotGitRepo {
		t.Fatalf("expected GitNotGitRepo, got %v", job.GitStatus)
	}
}

func TestRunner_GitAwarePullsExistingRepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	upstream := t.TempDir()
	run := func(dir string, args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run(upstream, "init", "-b", "main")
	run(upstream, "-c", "user.name=a", "-c", "user.email=a@b.c", "commit", "--allow-empty", "-m", "init")

	workspace := filepath.Join(t.TempDir(), "clone")
	run(t.TempDir(), "clone", upstream, workspace)

	tmpl := Templates{
		AvailablePath:   writeTemplate(t, "a"),
		UnavailablePath: writeTemplate(t, "b"),
	}
	r := New(&stubSidecar{}, &stubStaging{}, tmpl, 5*time.Second, time.Second, 10*time.Millisecond, nil)

	job := &jobs.Job{ID: "job6", WorkspacePath: workspace, Options: jobs.Options{GitAware: true}}
	_, err := r.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.GitStatus != jobs.GitPulled {
		t.Fatalf("expected GitPulled, got %v", job.GitStatus)
	}
}

func TestRunner_PersistsTransitionalStatuses(t *testing.T) {
	tmpl := Templates{
		AvailablePath:   writeTemplate(t, "use the index"),
		UnavailablePath: writeTemplate(t, "use grep"),
	}
	var observed []jobs.Status
	persist := func(j *jobs.Job) error {
		observed = append(observed, j.Status)
		return nil
	}
	r := New(&stubSidecar{ready: true}, &stubStaging{}, tmpl, time.Second, time.Second, 10*time.Millisecond, persist)

	job := &jobs.Job{ID: "job7", WorkspacePath: t.TempDir(), Options: jobs.Options{CidxAware: true}}
	if _, err := r.Run(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []jobs.Status{jobs.StatusCidxIndexing, jobs.StatusCidxReady}
	if len(observed) != len(want) {
		t.Fatalf("expected %v persisted statuses, got %v", want, observed)
	}
	for i, s := range want {
		if observed[i] != s {
			t.Fatalf("expected %v at index %d, got %v", s, i, observed[i])
		}
	}
}
