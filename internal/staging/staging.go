// Package staging implements the Staging Area (§4.2): a per-job landing
// zone for uploaded files, later materialized into the job's workspace.
package staging

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jo-hoe/jobserver/internal/common"
	"github.com/jo-hoe/jobserver/internal/jobserr"
)

// suffixSeparator splits a stored basename's random collision suffix from
// the caller-supplied original name, e.g. "a1b2c3d4~~notes.txt".
const suffixSeparator = "~~"

// Area manages the staging directories for every job under jobsRoot.
type Area struct {
	jobsRoot string
}

// NewArea builds an Area rooted at jobsRoot ({jobs_root} in the persisted layout).
func NewArea(jobsRoot string) *Area {
	return &Area{jobsRoot: jobsRoot}
}

// StagingPath returns the staging directory for jobID.
func (a *Area) StagingPath(jobID string) string {
	return filepath.Join(a.jobsRoot, jobID, common.StagingDirName)
}

func workspaceFilesPath(workspacePath string) string {
	return filepath.Join(workspacePath, common.FilesDirName)
}

// Accept writes r's contents under the job's staging directory, preserving
// originalName's subdirectory structure but giving its basename a random
// collision suffix so repeat uploads of the same name never clobber each
// other. Returns the stored relative path.
func (a *Area) Accept(jobID, originalName string, r io.Reader) (string, error) {
	clean := filepath.Clean(strings.ReplaceAll(originalName, "\\", "/"))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", jobserr.New(jobserr.InvalidInput, "invalid uploaded file name: "+originalName)
	}

	dir, base := filepath.Split(clean)
	storedBase := randomHex(8) + suffixSeparator + base
	storedRel := filepath.Join(dir, storedBase)

	dst := filepath.Join(a.StagingPath(jobID), storedRel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return "", jobserr.Wrap(jobserr.Internal, "ensure staging subdir", err)
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return "", jobserr.Wrap(jobserr.Internal, "create staged file", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := io.Copy(f, r); err != nil {
		_ = os.Remove(dst)
		return "", jobserr.Wrap(jobserr.Internal, "write staged file", err)
	}
	return storedRel, nil
}

// List returns every stored relative path currently staged for jobID.
func (a *Area) List(jobID string) ([]string, error) {
	root := a.StagingPath(jobID)
	var out []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return filepath.SkipDir
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, jobserr.Wrap(jobserr.Internal, "list staging area", err)
	}
	return out, nil
}

// Materialize copies every staged file into {workspace_path}/files/, with
// the collision suffix stripped so prompts can refer to files by their
// original names, and returns the count copied. On any failure staging is
// left intact for diagnostics; the caller is expected to surface
// StagingMaterializeFailed.
func (a *Area) Materialize(jobID, workspacePath string) (int, error) {
	root := a.StagingPath(jobID)
	filesDir := workspaceFilesPath(workspacePath)

	// filesDir is created lazily by the first file's own MkdirAll below, so a
	// job with nothing staged leaves no files/ directory behind at all (§8).
	count := 0
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return filepath.SkipDir
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		dir, storedBase := filepath.Split(rel)
		origBase := stripSuffix(storedBase)
		dst := filepath.Join(filesDir, dir, origBase)

		if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
			return err
		}
		if err := copyFile(path, dst); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return 0, jobserr.Wrap(jobserr.StagingMaterializeFailed, "materialize staged files", err)
	}

	if err := a.Cleanup(jobID); err != nil {
		return count, jobserr.Wrap(jobserr.StagingMaterializeFailed, "cleanup staging after materialize", err)
	}
	return count, nil
}

// Cleanup removes jobID's staging directory. Idempotent.
func (a *Area) Cleanup(jobID string) error {
	if err := os.RemoveAll(a.StagingPath(jobID)); err != nil {
		return jobserr.Wrap(jobserr.Internal, "remove staging dir", err)
	}
	return nil
}

func stripSuffix(storedBase string) string {
	if idx := strings.Index(storedBase, suffixSeparator); idx >= 0 {
		return storedBase[idx+len(suffixSeparator):]
	}
	return storedBase
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 - src is enumerated from our own staging directory walk
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s -> %s: %w", src, dst, err)
	}
	return nil
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
