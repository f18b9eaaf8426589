package jobs

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jo-hoe/jobserver/internal/common"
	"github.com/jo-hoe/jobserver/internal/jobserr"
)

// Store is the durable Job Store (§4.3): one JSON file per job is the source
// of truth; a SQLite index is a rebuildable cache for fast per-user/status
// queries and is never consulted in place of the file when they disagree.
type Store struct {
	dir string
	log *slog.Logger
	mu  sync.Mutex
	db  *sql.DB
}

// NewStore opens (creating if needed) the job record directory and its
// SQLite query index.
func NewStore(jobsRoot string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(jobsRoot, 0o750); err != nil {
		return nil, fmt.Errorf("ensure jobs root: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", filepath.Join(jobsRoot, common.QueryIndexDBName), common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS jobs_index (
		id TEXT PRIMARY KEY,
		user TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		completed_at TEXT
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate index: %w", err)
	}
	return &Store{dir: jobsRoot, log: log, db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.dir, id+common.JobRecordSuffix)
}

// Save persists a full overwrite of job and refreshes the index row.
func (s *Store) Save(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return jobserr.Wrap(jobserr.Internal, "marshal job", err)
	}

	path := s.recordPath(job.ID)
	tmp := filepath.Join(s.dir, ".tmp-"+job.ID+".job.json")
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return jobserr.Wrap(jobserr.Internal, "write job record", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return jobserr.Wrap(jobserr.Internal, "rename job record", err)
	}

	if err := s.upsertIndex(job); err != nil {
		s.log.Warn("job index upsert failed", "job_id", job.ID, "err", err)
	}
	return nil
}

func (s *Store) upsertIndex(job *Job) error {
	var completedAt any
	if job.CompletedAt != nil {
		completedAt = job.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.Exec(`INSERT INTO jobs_index (id, user, status, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET user=excluded.user, status=excluded.status,
			created_at=excluded.created_at, completed_at=excluded.completed_at`,
		job.ID, job.User, string(job.Status), job.CreatedAt.UTC().Format(time.RFC3339Nano), completedAt,
	)
	return err
}

// Load reads a single job record by id.
func (s *Store) Load(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(id)
}

func (s *Store) loadLocked(id string) (*Job, error) {
	data, err := os.ReadFile(s.recordPath(id)) // #nosec G304 - id is generated internally (uuid), not attacker path input
	if err != nil {
		if os.IsNotExist(err) {
			return nil, jobserr.New(jobserr.NotFound, "job "+id)
		}
		return nil, jobserr.Wrap(jobserr.Internal, "read job record", err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, jobserr.Wrap(jobserr.Internal, "parse job record", err)
	}
	return &job, nil
}

// LoadAll reads every job record in the directory, skipping (and logging)
// any file that fails to parse, and rebuilds the SQLite index from scratch.
func (s *Store) LoadAll() ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, jobserr.Wrap(jobserr.Internal, "list jobs dir", err)
	}

	var jobsOut []Job
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), common.JobRecordSuffix) {
			continue
		}
		id := strings.TrimSuffix(e.Name(), common.JobRecordSuffix)
		job, err := s.loadLocked(id)
		if err != nil {
			s.log.Warn("skipping corrupted job record", "id", id, "err", err)
			continue
		}
		jobsOut = append(jobsOut, *job)
	}

	sort.Slice(jobsOut, func(i, j int) bool { return jobsOut[i].CreatedAt.Before(jobsOut[j].CreatedAt) })

	if err := s.rebuildIndexLocked(jobsOut); err != nil {
		s.log.Warn("rebuild job index failed", "err", err)
	}
	return jobsOut, nil
}

func (s *Store) rebuildIndexLocked(all []Job) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM jobs_index`); err != nil {
		_ = tx.Rollback()
		return err
	}
	for i := range all {
		job := all[i]
		var completedAt any
		if job.CompletedAt != nil {
			completedAt = job.CompletedAt.UTC().Format(time.RFC3339Nano)
		}
		if _, err := tx.Exec(`INSERT INTO jobs_index (id, user, status, created_at, completed_at)
			VALUES (?, ?, ?, ?, ?)`,
			job.ID, job.User, string(job.Status), job.CreatedAt.UTC().Format(time.RFC3339Nano), completedAt,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// LoadForUser returns every job owned by user, newest first. It queries the
// index for candidate ids and falls back to a full LoadAll scan if the index
// cannot be read, since the index is a cache, never a source of truth.
func (s *Store) LoadForUser(user string) ([]Job, error) {
	s.mu.Lock()
	rows, err := s.db.Query(`SELECT id FROM jobs_index WHERE user = ? ORDER BY created_at DESC`, user)
	if err != nil {
		s.mu.Unlock()
		return s.loadForUserByScan(user)
	}
	var ids []string
	for rows.Next() {
		var id string
		if scanErr := rows.Scan(&id); scanErr == nil {
			ids = append(ids, id)
		}
	}
	_ = rows.Close()

	out := make([]Job, 0, len(ids))
	for _, id := range ids {
		job, loadErr := s.loadLocked(id)
		if loadErr != nil {
			continue // index/disk disagreement; drop the stale entry silently
		}
		out = append(out, *job)
	}
	s.mu.Unlock()
	return out, nil
}

func (s *Store) loadForUserByScan(user string) ([]Job, error) {
	all, err := s.LoadAll()
	if err != nil {
		return nil, err
	}
	out := make([]Job, 0, len(all))
	for _, j := range all {
		if j.User == user {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out, nil
}

// Delete removes the job's record file and index entry. Idempotent.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.recordPath(id))
	if err != nil && !os.IsNotExist(err) {
		return jobserr.Wrap(jobserr.Internal, "delete job record", err)
	}
	if _, idxErr := s.db.Exec(`DELETE FROM jobs_index WHERE id = ?`, id); idxErr != nil {
		s.log.Warn("job index delete failed", "job_id", id, "err", idxErr)
	}
	return nil
}

// ReapTerminal deletes every terminal job record whose CompletedAt precedes
// now-retention. Non-terminal jobs are never touched regardless of age.
func (s *Store) ReapTerminal(retention time.Duration, now time.Time) (int, error) {
	all, err := s.LoadAll()
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-retention)
	removed := 0
	for i := range all {
		j := &all[i]
		if !j.Status.Terminal() || j.CompletedAt == nil {
			continue
		}
		if j.CompletedAt.Before(cutoff) {
			if err := s.Delete(j.ID); err != nil {
				s.log.Warn("reap terminal job failed", "job_id", j.ID, "err", err)
				continue
			}
			removed++
		}
	}
	return removed, nil
}
