// Package gitutil provides the single os/exec-based git helper shared by
// the Repository Registry (mirror clone/sync) and the Pre-flight Runner
// (per-job workspace pull). Both call sites previously shelled out to git
// independently; this consolidates that into one exec.CommandContext wrapper.
package gitutil

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/jo-hoe/jobserver/internal/common"
)

// Run executes git with args in dir (process cwd unchanged if dir is empty),
// returning a wrapped error with stderr's content on failure.
func Run(ctx context.Context, dir string, args ...string) error {
	return RunWithOutput(ctx, dir, nil, args...)
}

// RunWithOutput is like Run but also captures stdout into out when non-nil.
func RunWithOutput(ctx context.Context, dir string, out *bytes.Buffer, args ...string) error {
	cmd := exec.CommandContext(ctx, common.GitExecutable, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	if out != nil {
		cmd.Stdout = out
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

// IsRepo reports whether dir looks like the root of a git working tree.
func IsRepo(dir string) bool {
	info, err := os.Stat(dir + string(os.PathSeparator) + ".git")
	return err == nil && (info.IsDir() || info.Mode().IsRegular())
}
