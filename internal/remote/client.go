package remote

import (
	"context"
	"fmt"
	"strings"

	"github.com/paulgrammer/genbatch/internal/credentials"
	"github.com/paulgrammer/genbatch/internal/jobs"
	"github.com/pkg/errors"
)

var (
	// ErrMalformedResponse is returned when a response body cannot be decoded
	// or lacks a required field.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrRemoteStatus is matched by every *StatusError.
	ErrRemoteStatus = errors.New("unexpected remote status")
)

// StatusError reports a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote returned status %d", e.Code)
	}
	return fmt.Sprintf("remote returned status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrRemoteStatus
}

// PollState is the normalized remote task state.
type PollState string

const (
	StateRunning PollState = "running"
	StateSuccess PollState = "success"
	StateFailed  PollState = "failed"
)

// ParseState maps a raw status string onto a PollState. Anything other than
// "success" or "failed" (case-insensitive) means the task is still running.
func ParseState(raw string) PollState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success":
		return StateSuccess
	case "failed":
		return StateFailed
	default:
		return StateRunning
	}
}

// Output describes one generated artifact.
type Output struct {
	URL string `json:"url"`
}

// SubmitResult is the response to a successful submit.
type SubmitResult struct {
	TaskID string
	Status string
}

// PollResult is the response to a single poll.
type PollResult struct {
	State     PollState
	RawStatus string
	Message   string
	Outputs   []Output
}

// ArtifactURL returns the first non-empty output URL.
func (r PollResult) ArtifactURL() string {
	for _, o := range r.Outputs {
		if o.URL != "" {
			return o.URL
		}
	}
	return ""
}

// Client is the generation API as seen by a worker.
type Client interface {
	Submit(ctx context.Context, job jobs.JobSpec, cred credentials.Credential) (SubmitResult, error)
	Poll(ctx context.Context, taskID string, cred credentials.Credential) (PollResult, error)
}
