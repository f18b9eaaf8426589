// Package repository implements the Repository Registry (§4.10): name to
// on-disk source path resolution, backed by a local mirror clone kept
// current via the git CLI.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jo-hoe/jobserver/internal/common"
	"github.com/jo-hoe/jobserver/internal/gitutil"
	"github.com/jo-hoe/jobserver/internal/jobserr"
)

// Record is the persisted registration for one repository.
type Record struct {
	Name         string    `json:"name"`
	URL          string    `json:"url"`
	Branch       string    `json:"branch"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Registry resolves repository names to local mirror-clone paths and keeps
// those mirrors current.
type Registry struct {
	root string // {repos_root}
	mu   sync.Mutex
}

// NewRegistry opens (creating if needed) the repository registry rooted at root.
func NewRegistry(root string) (*Registry, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("ensure repositories root: %w", err)
	}
	return &Registry{root: root}, nil
}

func (r *Registry) recordPath(name string) string {
	return filepath.Join(r.root, name+common.RepoRecordSuffix)
}

func (r *Registry) sourcePath(name string) string {
	return filepath.Join(r.root, name, common.SourceDirName)
}

// Register clones (or re-clones) url@branch as name's mirror and persists
// its registration record. Re-registering an existing name re-points the
// mirror's remote and re-syncs it.
func (r *Registry) Register(ctx context.Context, name, url, branch string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		return Record{}, jobserr.New(jobserr.InvalidInput, "repository name is required")
	}
	if branch == "" {
		branch = "main"
	}

	src := r.sourcePath(name)
	if _, err := os.Stat(filepath.Join(src, ".git")); err == nil {
		if err := gitutil.Run(ctx, src, "remote", "set-url", common.GitRemoteName, url); err != nil {
			return Record{}, jobserr.Wrap(jobserr.GitFailed, "repoint remote", err)
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(src), 0o750); err != nil {
			return Record{}, jobserr.Wrap(jobserr.Internal, "make repo dir", err)
		}
		if err := gitutil.Run(ctx, "", "clone", "--branch", branch, "--origin", common.GitRemoteName, url, src); err != nil {
			return Record{}, jobserr.Wrap(jobserr.GitFailed, "clone mirror", err)
		}
	}

	if err := syncLocked(ctx, src, branch); err != nil {
		return Record{}, err
	}

	rec := Record{Name: name, URL: url, Branch: branch, RegisteredAt: time.Now().UTC()}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return Record{}, jobserr.Wrap(jobserr.Internal, "marshal repo record", err)
	}
	if err := os.WriteFile(r.recordPath(name), data, 0o640); err != nil {
		return Record{}, jobserr.Wrap(jobserr.Internal, "write repo record", err)
	}
	return rec, nil
}

// Lookup returns the mirror's local source path for a registered repository.
func (r *Registry) Lookup(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.recordPath(name)) // #nosec G304 - name is an internally registered identifier
	if err != nil {
		if os.IsNotExist(err) {
			return "", jobserr.New(jobserr.NotFound, "repository "+name)
		}
		return "", jobserr.Wrap(jobserr.Internal, "read repo record", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", jobserr.Wrap(jobserr.Internal, "parse repo record", err)
	}
	return r.sourcePath(name), nil
}

// List returns every registered repository's record.
func (r *Registry) List() ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, jobserr.Wrap(jobserr.Internal, "list repositories root", err)
	}
	var out []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), common.RepoRecordSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.root, e.Name())) // #nosec G304 - directory entries enumerated above
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Sync fetches and fast-forwards the named repository's mirror clone.
// Register performs the same fetch and fast-forward when it re-registers an
// existing repository; nothing in the server calls Sync on a schedule.
// Per-job pre-flight pulls happen inside the job's own workspace clone
// instead, never here.
func (r *Registry) Sync(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.recordPath(name)) // #nosec G304 - name is an internally registered identifier
	if err != nil {
		if os.IsNotExist(err) {
			return jobserr.New(jobserr.NotFound, "repository "+name)
		}
		return jobserr.Wrap(jobserr.Internal, "read repo record", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return jobserr.Wrap(jobserr.Internal, "parse repo record", err)
	}
	return syncLocked(ctx, r.sourcePath(name), rec.Branch)
}

func syncLocked(ctx context.Context, src, branch string) error {
	if err := gitutil.Run(ctx, src, "fetch", common.GitRemoteName, "--prune"); err != nil {
		return jobserr.Wrap(jobserr.GitFailed, "fetch mirror", err)
	}
	if err := gitutil.Run(ctx, src, "checkout", branch); err != nil {
		_ = gitutil.Run(ctx, src, "checkout", "-b", branch, "--track", common.GitRemoteName+"/"+branch)
	}
	if err := gitutil.Run(ctx, src, "merge", "--ff-only", common.GitRemoteName+"/"+branch); err != nil {
		return jobserr.Wrap(jobserr.GitFailed, "fast-forward mirror", err)
	}
	return nil
}

