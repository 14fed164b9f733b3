// Package client is the Go SDK for the listingintel job API. It starts and
// follows analysis jobs, persisting what it sees so a restarted process can
// pick up where it left off.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/listingintel/pkg/models"
)

// Errors returned by the SDK.
var (
	// ErrNotFound is returned when the server has no job for the request.
	ErrNotFound = errors.New("job not found")
	// ErrRecoverable marks polling failures caused by the transport. The job
	// may still be running; callers should show "reconnecting", not failure.
	ErrRecoverable = errors.New("recoverable polling error")
	// ErrActive is returned by Start while the orchestrator follows a job.
	ErrActive = errors.New("orchestrator already following a job")
)

// Job is the client view of a job, as returned by the poll endpoint.
type Job struct {
	ID              uuid.UUID        `json:"job_id"`
	SubjectID       string           `json:"subject_id"`
	Type            models.JobType   `json:"job_type"`
	Status          models.JobStatus `json:"status"`
	Progress        int              `json:"progress"`
	PartialOutput   *string          `json:"partial_output,omitempty"`
	Result          json.RawMessage  `json:"result,omitempty"`
	Error           *string          `json:"error,omitempty"`
	CancelRequested bool             `json:"cancel_requested"`
	CreatedAt       time.Time        `json:"created_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}

// Key returns the job's deduplication key.
func (j *Job) Key() models.JobKey {
	return models.JobKey{SubjectID: j.SubjectID, Type: j.Type}
}

// Terminal reports whether the job has finished.
func (j *Job) Terminal() bool {
	return j.Status.IsTerminal()
}

// TimedOut reports whether the server gave up on the job for lack of
// heartbeats. Such jobs can simply be started again.
func (j *Job) TimedOut() bool {
	return j.Status == models.JobStatusFailed && j.Error != nil && *j.Error == models.TimedOutMessage
}

// JobFailedError is delivered when the job itself failed on the server.
type JobFailedError struct {
	Job Job
}

func (e *JobFailedError) Error() string {
	msg := "unknown error"
	if e.Job.Error != nil {
		msg = *e.Job.Error
	}
	return fmt.Sprintf("job %s failed: %s", e.Job.ID, msg)
}

// APIError is an error response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	// RetryAfter is the server's Retry-After hint, zero when absent.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("api error %s (status %d): %s", e.Code, e.StatusCode, e.Message)
}

// Temporary reports whether the response says "try again later": a request
// timeout, rate limiting, or a gateway failing while the server restarts.
// Every other status is an answer about the request itself.
func (e *APIError) Temporary() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == 404
}

// State is the orchestrator's view: idle before anything starts, otherwise
// the followed job's status.
type State string

const StateIdle State = "idle"
