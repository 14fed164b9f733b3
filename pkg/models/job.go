package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of an analysis job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCanceled
}

// IsActive reports whether the job still occupies its key.
func (s JobStatus) IsActive() bool {
	return s == JobStatusQueued || s == JobStatusRunning
}

// TerminalStatuses lists every status a finished job can hold.
var TerminalStatuses = []JobStatus{JobStatusSucceeded, JobStatusFailed, JobStatusCanceled}

// JobType is one of the closed set of analysis kinds.
type JobType string

const (
	JobTypeBusinessAnalysis   JobType = "business_analysis"
	JobTypeMarketIntelligence JobType = "market_intelligence"
	JobTypeDueDiligence       JobType = "due_diligence"
	JobTypeBuyerMatch         JobType = "buyer_match"
)

var validJobTypes = map[JobType]bool{
	JobTypeBusinessAnalysis:   true,
	JobTypeMarketIntelligence: true,
	JobTypeDueDiligence:       true,
	JobTypeBuyerMatch:         true,
}

// ParseJobType validates s against the known analysis kinds.
func ParseJobType(s string) (JobType, error) {
	t := JobType(s)
	if !validJobTypes[t] {
		return "", fmt.Errorf("%w: %q", ErrInvalidJobType, s)
	}
	return t, nil
}

// TimedOutMessage is the error recorded on jobs reaped for lack of heartbeat.
const TimedOutMessage = "timed out"

// JobKey identifies the logical unit of work. Two requests with the same key
// always converge on the same job.
type JobKey struct {
	SubjectID string  `json:"subject_id"`
	Type      JobType `json:"job_type"`
}

func (k JobKey) String() string {
	return string(k.Type) + ":" + k.SubjectID
}

// jobNamespace scopes the name-based job ids.
var jobNamespace = uuid.MustParse("6f1c2a4e-8b0d-5e3f-9a71-3c5d2b8e4f60")

// JobIDFor derives the job id for key. The id is stable across processes.
func JobIDFor(key JobKey) uuid.UUID {
	return uuid.NewSHA1(jobNamespace, []byte(key.String()))
}

// Job is the server-side record of one analysis run. The client polls it
// until Status is terminal.
type Job struct {
	ID              uuid.UUID       `db:"id"               json:"id"`
	SubjectID       string          `db:"subject_id"       json:"subject_id"`
	Type            JobType         `db:"job_type"         json:"job_type"`
	Status          JobStatus       `db:"status"           json:"status"`
	Progress        int             `db:"progress"         json:"progress"`
	PartialOutput   *string         `db:"partial_output"   json:"partial_output,omitempty"`
	Result          json.RawMessage `db:"result"           json:"result,omitempty"`
	Error           *string         `db:"error_message"    json:"error,omitempty"`
	CancelRequested bool            `db:"cancel_requested" json:"cancel_requested"`
	OwnerID         string          `db:"owner_id"         json:"owner_id"`
	Parameters      json.RawMessage `db:"parameters"       json:"parameters,omitempty"`
	CreatedAt       time.Time       `db:"created_at"       json:"created_at"`
	StartedAt       *time.Time      `db:"started_at"       json:"started_at,omitempty"`
	CompletedAt     *time.Time      `db:"completed_at"     json:"completed_at,omitempty"`
	LastHeartbeat   time.Time       `db:"last_heartbeat"   json:"last_heartbeat"`
}

// Key returns the logical key of the job.
func (j *Job) Key() JobKey {
	return JobKey{SubjectID: j.SubjectID, Type: j.Type}
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.PartialOutput != nil {
		p := *j.PartialOutput
		c.PartialOutput = &p
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.Parameters != nil {
		c.Parameters = append(json.RawMessage(nil), j.Parameters...)
	}
	return &c
}

// NewQueuedJob builds a fresh queued record for key.
func NewQueuedJob(key JobKey, ownerID string, params json.RawMessage, now time.Time) *Job {
	return &Job{
		ID:            JobIDFor(key),
		SubjectID:     key.SubjectID,
		Type:          key.Type,
		Status:        JobStatusQueued,
		OwnerID:       ownerID,
		Parameters:    params,
		CreatedAt:     now,
		LastHeartbeat: now,
	}
}

// PollerRegistration records that a client instance is watching a job.
type PollerRegistration struct {
	JobKey   JobKey `json:"job_key"`
	PollerID string `json:"poller_id"`
}
