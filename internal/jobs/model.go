package jobs

import "time"

// Status represents the lifecycle stage of a job (§3, §4.4 of the design).
type Status string

const (
	StatusCreated      Status = "created"
	StatusQueued       Status = "queued"
	StatusGitPulling   Status = "git_pulling"
	StatusGitFailed    Status = "git_failed"
	StatusCidxIndexing Status = "cidx_indexing"
	StatusCidxReady    Status = "cidx_ready"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusTimeout      Status = "timeout"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether a status is final and immutable.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	default:
		return false
	}
}

// legalTransitions encodes the arrows from §4.4, including Queued -> Running
// for jobs that skip the git pull; every non-terminal status may move to
// Cancelled.
var legalTransitions = map[Status][]Status{
	StatusCreated:      {StatusQueued, StatusCancelled},
	StatusQueued:       {StatusGitPulling, StatusRunning, StatusCancelled},
	StatusGitPulling:   {StatusGitFailed, StatusCidxIndexing, StatusRunning, StatusCancelled},
	StatusGitFailed:    {StatusCancelled},
	StatusCidxIndexing: {StatusFailed, StatusCidxReady, StatusCancelled},
	StatusCidxReady:    {StatusRunning, StatusCancelled},
	StatusRunning:      {StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled},
}

// CanTransition reports whether moving from `from` to `to` is a legal arrow.
// Terminal states never transition anywhere.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// GitStatus tracks the outcome of the pre-flight git-pull sub-step.
type GitStatus string

const (
	GitNotChecked GitStatus = "not_checked"
	GitChecking   GitStatus = "checking"
	GitPulled     GitStatus = "pulled"
	GitFailed     GitStatus = "failed"
	GitNotGitRepo GitStatus = "not_git_repo"
)

// CidxStatus tracks the outcome of the pre-flight semantic-index bring-up.
type CidxStatus string

const (
	CidxNotStarted CidxStatus = "not_started"
	CidxStarting   CidxStatus = "starting"
	CidxIndexing   CidxStatus = "indexing"
	CidxReady      CidxStatus = "ready"
	CidxFailedSt   CidxStatus = "failed"
	CidxStopped    CidxStatus = "stopped"
)

// Options configures per-job behavior selected by the submitter.
type Options struct {
	TimeoutSeconds int  `json:"timeout_seconds"`
	GitAware       bool `json:"git_aware"`
	CidxAware      bool `json:"cidx_aware"`
}

// Job is the central entity of the engine (§3).
type Job struct {
	ID            string     `json:"id"`
	User          string     `json:"user"`
	Title         string     `json:"title"`
	Prompt        string     `json:"prompt"`
	Repository    string     `json:"repository"`
	UploadedFiles []string   `json:"uploaded_files"`
	Images        []string   `json:"images"`
	Options       Options    `json:"options"`
	Status        Status     `json:"status"`
	GitStatus     GitStatus  `json:"git_status"`
	CidxStatus    CidxStatus `json:"cidx_status"`
	WorkspacePath string     `json:"workspace_path"`
	Output        string     `json:"output"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	QueuePosition int        `json:"queue_position"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a copy safe to hand to readers outside the lock (slices and
// pointer fields are copied so the original Job is never mutated through it).
func (j Job) Clone() Job {
	out := j
	if j.UploadedFiles != nil {
		out.UploadedFiles = append([]string(nil), j.UploadedFiles...)
	}
	if j.Images != nil {
		out.Images = append([]string(nil), j.Images...)
	}
	if j.ExitCode != nil {
		ec := *j.ExitCode
		out.ExitCode = &ec
	}
	if j.StartedAt != nil {
		s := *j.StartedAt
		out.StartedAt = &s
	}
	if j.CompletedAt != nil {
		c := *j.CompletedAt
		out.CompletedAt = &c
	}
	return out
}

// MarkTerminal stamps CompletedAt and Status together, enforcing the
// invariant that every terminal job has a non-zero CompletedAt (§8).
func (j *Job) MarkTerminal(status Status, completedAt time.Time) {
	j.Status = status
	j.CompletedAt = &completedAt
}
