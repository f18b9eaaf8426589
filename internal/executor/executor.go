// Package executor implements the Executor (§4.6): launches the assistant
// program as the job's OS user, captures its merged stdout/stderr into a
// bounded buffer, and enforces cancellation via process-group signals.
package executor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jo-hoe/jobserver/internal/common"
	"github.com/jo-hoe/jobserver/internal/jobs"
	"github.com/jo-hoe/jobserver/internal/jobserr"
)

// Flags the assistant binary understands for the composed system prompt,
// the user's prompt, and any attached images.
const (
	FlagSystemPrompt = "--system-prompt"
	FlagImage        = "--image"
)

// Outcome distinguishes how a run finished so the caller can map it onto a
// terminal job Status without re-deriving it from exit codes and signals.
type Outcome int

const (
	OutcomeExited Outcome = iota
	OutcomeCancelled
	OutcomeShutdown
	OutcomeTimeout
)

// Result is everything the Executor learned about one run.
type Result struct {
	ExitCode int
	Output   string
	Outcome  Outcome
}

// Executor runs the configured assistant command as an impersonated OS user.
type Executor struct {
	command      string
	baseArgs     []string
	impersonator Impersonator
	grace        time.Duration
	bufferBytes  int
}

// New builds an Executor. grace bounds the SIGTERM-to-SIGKILL window;
// bufferBytes caps the in-memory rolling output buffer.
func New(command string, baseArgs []string, impersonator Impersonator, grace time.Duration, bufferBytes int) *Executor {
	if grace <= 0 {
		grace = common.DefaultExecGraceSec * time.Second
	}
	if bufferBytes <= 0 {
		bufferBytes = common.DefaultOutputBufferBytes
	}
	return &Executor{
		command:      command,
		baseArgs:     baseArgs,
		impersonator: impersonator,
		grace:        grace,
		bufferBytes:  bufferBytes,
	}
}

// Execute launches the assistant for job in workspacePath with the composed
// systemPrompt, returning once the process exits or ctx ends. A cancelled ctx
// (user delete or shutdown, distinguished via shutdown) triggers the
// SIGTERM-grace-SIGKILL sequence against the whole process group.
func (e *Executor) Execute(ctx context.Context, job jobs.Job, workspacePath, systemPrompt string, shutdown bool) (Result, error) {
	cred, err := e.impersonator.Credential(job.User)
	if err != nil {
		return Result{}, err
	}

	args := append([]string(nil), e.baseArgs...)
	args = append(args, FlagSystemPrompt, systemPrompt, job.Prompt)
	for _, img := range job.Images {
		args = append(args, FlagImage, img)
	}

	cmd := exec.CommandContext(context.Background(), e.command, args...)
	cmd.Dir = workspacePath
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:    true,
		Credential: cred,
	}

	buf := newRingBuffer(e.bufferBytes)
	cmd.Stdout = buf
	cmd.Stderr = buf

	if err := cmd.Start(); err != nil {
		return Result{Output: buf.String()}, jobserr.Wrap(jobserr.ExecutionFailed, "start assistant process", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case waitErr := <-done:
		return e.finish(buf, waitErr, OutcomeExited)
	case <-ctx.Done():
		// A per-job timeout is modeled as a context deadline on the ctx the
		// caller passes in, so it takes the same SIGTERM-grace-SIGKILL path
		// as cancellation; the only difference is which Outcome it reports.
		outcome := OutcomeCancelled
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			outcome = OutcomeTimeout
		case shutdown:
			outcome = OutcomeShutdown
		}
		e.terminate(cmd, done)
		waitErr := <-done
		res, _ := e.finish(buf, waitErr, outcome)
		return res, nil
	}
}

// terminate sends SIGTERM to the child's process group, waits up to e.grace
// for it to exit, then escalates to SIGKILL.
func (e *Executor) terminate(cmd *exec.Cmd, done <-chan error) {
	pgid := cmd.Process.Pid
	_ = unix.Kill(-pgid, unix.SIGTERM)

	timer := time.NewTimer(e.grace)
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-timer.C:
		_ = unix.Kill(-pgid, unix.SIGKILL)
	}
}

func (e *Executor) finish(buf *ringBuffer, waitErr error, outcome Outcome) (Result, error) {
	res := Result{Output: buf.String(), Outcome: outcome}
	if outcome != OutcomeExited {
		return res, nil
	}
	if waitErr == nil {
		res.ExitCode = 0
		return res, nil
	}
	var exitErr *exec.ExitError
	if ok := asExitError(waitErr, &exitErr); ok {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, jobserr.Wrap(jobserr.ExecutionFailed, "wait for assistant process", waitErr)
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// ringBuffer is an io.Writer bounded to a fixed capacity, retaining the most
// recent bytes written (oldest bytes are dropped once capacity is exceeded)
// so a runaway assistant cannot grow memory unbounded.
type ringBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	cap int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{cap: capacity}
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, err := r.buf.Write(p)
	if overflow := r.buf.Len() - r.cap; overflow > 0 {
		r.buf.Next(overflow)
	}
	return n, err
}

func (r *ringBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

var _ io.Writer = (*ringBuffer)(nil)
