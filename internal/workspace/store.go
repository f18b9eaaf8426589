// Package workspace implements the Workspace Store (§4.1): per-job
// directories cloned copy-on-write from a registered repository's mirror.
package workspace

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jo-hoe/jobserver/internal/jobserr"
)

// Method names the copy-on-write strategy used to realize a clone.
type Method string

const (
	MethodReflink Method = "reflink"
	MethodBtrfs   Method = "btrfs"
	MethodRsync   Method = "rsync" // hardlink-dense fallback, not true CoW
)

// Prober detects which CoW strategy the filesystem backing dir supports.
// Production code probes the real filesystem; tests inject a stub that
// forces the hardlink/rsync fallback without depending on host capabilities.
type Prober interface {
	Detect(ctx context.Context, dir string) Method
}

// Store creates and destroys per-job workspace directories.
type Store struct {
	jobsRoot string
	log      *slog.Logger
	prober   Prober

	once   sync.Once
	method Method
}

// NewStore builds a Store rooted at jobsRoot. A nil prober uses the real
// filesystem-probing implementation.
func NewStore(jobsRoot string, log *slog.Logger, prober Prober) *Store {
	if log == nil {
		log = slog.Default()
	}
	if prober == nil {
		prober = realProber{}
	}
	return &Store{jobsRoot: jobsRoot, log: log, prober: prober}
}

// WorkspacePath returns the directory a job's workspace lives (or would live) at.
func (s *Store) WorkspacePath(jobID string) string {
	return filepath.Join(s.jobsRoot, jobID)
}

func (s *Store) detectMethod(ctx context.Context) Method {
	s.once.Do(func() {
		if err := os.MkdirAll(s.jobsRoot, 0o750); err != nil {
			s.method = MethodRsync
			return
		}
		s.method = s.prober.Detect(ctx, s.jobsRoot)
		s.log.Info("workspace store copy-on-write method detected", "method", s.method)
	})
	return s.method
}

// Clone materializes a new workspace for jobID by copy-on-write cloning
// sourcePath with the method the cached probe selected (reflink, btrfs
// snapshot, or a hardlink-dense rsync copy). If that method fails, Clone
// returns the error; it does not try another method.
func (s *Store) Clone(ctx context.Context, jobID, sourcePath string) (string, error) {
	dst := s.WorkspacePath(jobID)
	if _, err := os.Stat(dst); err == nil {
		return "", jobserr.New(jobserr.WorkspaceCreateFailed, "workspace already exists: "+dst)
	}
	if err := os.MkdirAll(s.jobsRoot, 0o750); err != nil {
		return "", jobserr.Wrap(jobserr.WorkspaceCreateFailed, "ensure jobs root", err)
	}

	method := s.detectMethod(ctx)
	var err error
	switch method {
	case MethodReflink:
		err = reflinkClone(ctx, sourcePath, dst)
	case MethodBtrfs:
		err = btrfsClone(ctx, sourcePath, dst)
	default:
		err = rsyncClone(ctx, sourcePath, dst)
	}
	if err != nil {
		_ = os.RemoveAll(dst)
		return "", jobserr.Wrap(jobserr.WorkspaceCreateFailed, fmt.Sprintf("clone via %s", method), err)
	}
	return dst, nil
}

// Remove tears down jobID's workspace using the symmetric teardown for
// whichever CoW form is in use. Idempotent: removing an already-gone
// workspace is not an error.
func (s *Store) Remove(ctx context.Context, jobID string) error {
	dst := s.WorkspacePath(jobID)
	if _, err := os.Stat(dst); os.IsNotExist(err) {
		return nil
	}

	if s.detectMethod(ctx) == MethodBtrfs {
		if err := runCmd(ctx, "", "btrfs", "subvolume", "delete", dst); err == nil {
			return nil
		}
		// Not actually a subvolume; fall through to a plain removal.
	}
	if err := os.RemoveAll(dst); err != nil {
		return jobserr.Wrap(jobserr.Internal, "remove workspace", err)
	}
	return nil
}

// Exists reports whether jobID currently has a materialized workspace.
func (s *Store) Exists(jobID string) bool {
	_, err := os.Stat(s.WorkspacePath(jobID))
	return err == nil
}

type realProber struct{}

// Detect probes dir by attempting each strategy against throwaway files,
// cheapest/most-specific first, and cleans up after itself.
func (realProber) Detect(ctx context.Context, dir string) Method {
	probeSrc := filepath.Join(dir, ".cow-probe-src")
	probeDst := filepath.Join(dir, ".cow-probe-dst")
	defer os.Remove(probeSrc)
	defer os.Remove(probeDst)

	if err := os.WriteFile(probeSrc, []byte("probe"), 0o640); err != nil {
		return MethodRsync
	}
	if err := runCmd(ctx, "", "cp", "--reflink=always", probeSrc, probeDst); err == nil {
		return MethodReflink
	}
	os.Remove(probeDst)

	probeSubvol := filepath.Join(dir, ".cow-probe-subvol")
	if err := runCmd(ctx, "", "btrfs", "subvolume", "create", probeSubvol); err == nil {
		_ = runCmd(ctx, "", "btrfs", "subvolume", "delete", probeSubvol)
		return MethodBtrfs
	}

	return MethodRsync
}

func reflinkClone(ctx context.Context, src, dst string) error {
	return runCmd(ctx, "", "cp", "-a", "--reflink=always", src, dst)
}

func btrfsClone(ctx context.Context, src, dst string) error {
	return runCmd(ctx, "", "btrfs", "subvolume", "snapshot", src, dst)
}

func rsyncClone(ctx context.Context, src, dst string) error {
	if err := os.MkdirAll(dst, 0o750); err != nil {
		return err
	}
	srcWithSlash := strings.TrimSuffix(src, string(filepath.Separator)) + string(filepath.Separator)
	return runCmd(ctx, "", "rsync", "-a", "--link-dest="+srcWithSlash, srcWithSlash, dst+string(filepath.Separator))
}

func runCmd(ctx context.Context, dir string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var errBuf bytes.Buffer
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(errBuf.String())
		if msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}
