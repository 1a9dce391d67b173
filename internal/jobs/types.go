package jobs

import (
	"time"
	"unicode/utf8"
)

type JobStatus string

const (
	JobStatusPending     JobStatus = "pending"
	JobStatusSubmitted   JobStatus = "submitted"
	JobStatusPolling     JobStatus = "polling"
	JobStatusDownloading JobStatus = "downloading"
	JobStatusSucceeded   JobStatus = "succeeded"
	JobStatusFailed      JobStatus = "failed"
	JobStatusCancelled   JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions can happen from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCancelled
}

// Keys used in Outcome.Result.
const (
	ResultURL          = "url"
	ResultLocalPath    = "localPath"
	ResultRemoteTaskID = "remoteTaskID"
	ResultWarning      = "warning"
)

// JobSpec is one unit of work. It is treated as immutable once a batch starts;
// Payload is forwarded to the remote API untouched.
type JobSpec struct {
	ID          string         `json:"id" yaml:"id"`
	DisplayName string         `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Payload     map[string]any `json:"payload" yaml:"payload"`
	// Destination is the file the artifact is copied to, relative to the
	// output directory. Empty means "derive from the job ID", or no download
	// at all when no output directory is configured.
	Destination string `json:"destination,omitempty" yaml:"destination,omitempty"`
}

// Name returns the display name, falling back to the ID.
func (j JobSpec) Name() string {
	if j.DisplayName != "" {
		return j.DisplayName
	}
	return j.ID
}

// JobState is the per-job record owned by the worker driving it.
type JobState struct {
	JobID           string     `json:"job_id"`
	DisplayName     string     `json:"display_name,omitempty"`
	Status          JobStatus  `json:"status"`
	ProgressPercent int        `json:"progress_percent"`
	Message         string     `json:"message,omitempty"`
	Credential      string     `json:"credential,omitempty"`
	RemoteTaskID    string     `json:"remote_task_id,omitempty"`
	ArtifactURL     string     `json:"artifact_url,omitempty"`
	LocalPath       string     `json:"local_path,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	Warning         string     `json:"warning,omitempty"`
}

// Outcome is the terminal report of one job.
type Outcome struct {
	Status  JobStatus         `json:"status"`
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Result  map[string]string `json:"result,omitempty"`
}

const maxMessageLen = 300

// Truncate shortens s to at most maxMessageLen runes for display.
func Truncate(s string) string {
	if utf8.RuneCountInString(s) <= maxMessageLen {
		return s
	}
	r := []rune(s)
	return string(r[:maxMessageLen]) + "... (truncated)"
}
