package executor

import (
	"context"
	"errors"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/jo-hoe/jobserver/internal/jobs"
)

func shellExecutor(t *testing.T, script string, grace time.Duration) *Executor {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	return New("sh", []string{"-c", script}, NoopImpersonator{}, grace, 0)
}

func TestExecutor_ExitZeroProducesCompletedOutcome(t *testing.T) {
	e := shellExecutor(t, "exit 0", time.Second)
	job := jobs.Job{User: "whoever", Prompt: "ignored"}

	res, err := e.Execute(context.Background(), job, t.TempDir(), "system prompt", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeExited || res.ExitCode != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestExecutor_NonZeroExitCapturedAsExitCode(t *testing.T) {
	e := New("sh", []string{"-c", "exit 3"}, NoopImpersonator{}, time.Second, 0)
	job := jobs.Job{User: "whoever"}

	res, err := e.Execute(context.Background(), job, t.TempDir(), "sys", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeExited || res.ExitCode != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestExecutor_CapturesMergedStdoutStderr(t *testing.T) {
	e := New("sh", []string{"-c", "echo out-line; echo err-line 1>&2"}, NoopImpersonator{}, time.Second, 0)
	job := jobs.Job{User: "whoever"}

	res, err := e.Execute(context.Background(), job, t.TempDir(), "sys", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !contains(res.Output, "out-line") || !contains(res.Output, "err-line") {
		t.Fatalf("expected merged output, got %q", res.Output)
	}
}

func TestExecutor_ContextCancelSendsTermThenKillsGroup(t *testing.T) {
	// Ignores SIGTERM so the executor must escalate to SIGKILL after grace.
	e := New("sh", []string{"-c", "trap '' TERM; sleep 5"}, NoopImpersonator{}, 50*time.Millisecond, 0)
	job := jobs.Job{User: "whoever"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	res, err := e.Execute(ctx, job, t.TempDir(), "sys", false)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeCancelled {
		t.Fatalf("expected OutcomeCancelled, got %v", res.Outcome)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("expected escalation to SIGKILL well within 2s, took %v", elapsed)
	}
}

func TestExecutor_ContextDeadlineYieldsTimeoutOutcome(t *testing.T) {
	e := New("sh", []string{"-c", "trap '' TERM; sleep 5"}, NoopImpersonator{}, 50*time.Millisecond, 0)
	job := jobs.Job{User: "whoever"}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := e.Execute(ctx, job, t.TempDir(), "sys", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeTimeout {
		t.Fatalf("expected OutcomeTimeout, got %v", res.Outcome)
	}
}

func TestExecutor_ShutdownFlagYieldsShutdownOutcome(t *testing.T) {
	e := New("sh", []string{"-c", "sleep 5"}, NoopImpersonator{}, 50*time.Millisecond, 0)
	job := jobs.Job{User: "whoever"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(50*time.Millisecond, cancel)

	res, err := e.Execute(ctx, job, t.TempDir(), "sys", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeShutdown {
		t.Fatalf("expected OutcomeShutdown, got %v", res.Outcome)
	}
}

type refusingImpersonator struct{}

func (refusingImpersonator) Credential(username string) (*syscall.Credential, error) {
	return nil, errors.New("no such user")
}

func TestExecutor_ImpersonatorErrorPropagates(t *testing.T) {
	e := New("sh", []string{"-c", "true"}, refusingImpersonator{}, time.Second, 0)
	job := jobs.Job{User: "ghost"}

	_, err := e.Execute(context.Background(), job, t.TempDir(), "sys", false)
	if err == nil {
		t.Fatalf("expected error from refusing impersonator")
	}
}

func TestRingBuffer_CapsAtCapacityKeepingTail(t *testing.T) {
	rb := newRingBuffer(5)
	_, _ = rb.Write([]byte("abcdefgh"))
	if got := rb.String(); got != "defgh" {
		t.Fatalf("expected tail-retaining truncation, got %q", got)
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
