package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/listingintel/internal/api/middleware"
	"github.com/kiranshivaraju/listingintel/internal/api/response"
	"github.com/kiranshivaraju/listingintel/internal/jobs"
	"github.com/kiranshivaraju/listingintel/internal/pollers"
	"github.com/kiranshivaraju/listingintel/pkg/models"
)

// shutdownRetryAfter is the Retry-After sent while the server drains.
const shutdownRetryAfter = 5 * time.Second

// PollerHeader carries the caller's poller id when it is not in the query.
const PollerHeader = "X-Poller-ID"

// JobService defines the lifecycle operations the job handlers depend on.
// *jobs.Manager satisfies it.
type JobService interface {
	Create(ctx context.Context, p jobs.CreateParams) (*models.Job, error)
	Get(ctx context.Context, id uuid.UUID, opts ...jobs.ReadOption) (*models.Job, error)
	GetLatest(ctx context.Context, key models.JobKey, opts ...jobs.ReadOption) (*models.Job, error)
	RequestCancel(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Subscribe(id uuid.UUID) (<-chan *models.Job, func())
}

// JobView is the poll representation of a job.
type JobView struct {
	JobID           uuid.UUID        `json:"job_id"`
	SubjectID       string           `json:"subject_id"`
	JobType         models.JobType   `json:"job_type"`
	Status          models.JobStatus `json:"status"`
	Progress        int              `json:"progress"`
	PartialOutput   *string          `json:"partial_output,omitempty"`
	Result          json.RawMessage  `json:"result,omitempty"`
	Error           *string          `json:"error,omitempty"`
	CancelRequested bool             `json:"cancel_requested"`
	CreatedAt       time.Time        `json:"created_at"`
	StartedAt       *time.Time       `json:"started_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}

// NewJobView converts a stored job into its poll representation.
func NewJobView(j *models.Job) JobView {
	return JobView{
		JobID:           j.ID,
		SubjectID:       j.SubjectID,
		JobType:         j.Type,
		Status:          j.Status,
		Progress:        j.Progress,
		PartialOutput:   j.PartialOutput,
		Result:          j.Result,
		Error:           j.Error,
		CancelRequested: j.CancelRequested,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
	}
}

// StartJobResponse is returned by the start endpoint.
type StartJobResponse struct {
	Status   string          `json:"status"`
	JobID    uuid.UUID       `json:"job_id"`
	Progress int             `json:"progress"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    *string         `json:"error,omitempty"`
}

// StartStatus maps a job status onto the start endpoint's vocabulary.
func StartStatus(s models.JobStatus) string {
	switch s {
	case models.JobStatusRunning:
		return "processing"
	case models.JobStatusSucceeded:
		return "completed"
	default:
		return string(s)
	}
}

// NewStartJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewStartJobHandler(svc JobService, reg pollers.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}

		var req struct {
			SubjectID  string          `json:"subject_id"`
			JobType    string          `json:"job_type"`
			Parameters json.RawMessage `json:"parameters"`
			PollerID   string          `json:"poller_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if strings.TrimSpace(req.SubjectID) == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "subject_id is required", nil)
			return
		}
		if req.JobType == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "job_type is required", nil)
			return
		}
		jobType, err := models.ParseJobType(req.JobType)
		if err != nil {
			writeJobError(w, err)
			return
		}

		job, err := svc.Create(r.Context(), jobs.CreateParams{
			SubjectID:  req.SubjectID,
			Type:       jobType,
			OwnerID:    ownerID,
			Parameters: req.Parameters,
		})
		if err != nil {
			writeJobError(w, err)
			return
		}

		registerPoller(r.Context(), reg, job, pollerIDFrom(r, req.PollerID))

		response.Accepted(w, StartJobResponse{
			Status:   StartStatus(job.Status),
			JobID:    job.ID,
			Progress: job.Progress,
			Result:   job.Result,
			Error:    job.Error,
		})
	}
}

// NewPollJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/poll.
// Each poll refreshes the job heartbeat and the caller's poller registration.
func NewPollJobHandler(svc JobService, reg pollers.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		var (
			job *models.Job
			err error
		)
		if raw := q.Get("job_id"); raw != "" {
			id, perr := uuid.Parse(raw)
			if perr != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "job_id must be a valid UUID", nil)
				return
			}
			job, err = svc.Get(r.Context(), id, jobs.WithHeartbeat())
		} else {
			key, kerr := keyFromQuery(q.Get("subject_id"), q.Get("job_type"))
			if kerr != nil {
				writeJobError(w, kerr)
				return
			}
			job, err = svc.GetLatest(r.Context(), key, jobs.WithHeartbeat())
		}
		if err != nil {
			writeJobError(w, err)
			return
		}

		registerPoller(r.Context(), reg, job, pollerIDFrom(r, q.Get("poller_id")))
		response.JSON(w, NewJobView(job))
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for
// POST /api/v1/jobs/{jobID}/cancel.
func NewCancelJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a valid UUID", nil)
			return
		}
		if _, err := svc.RequestCancel(r.Context(), id); err != nil {
			writeJobError(w, err)
			return
		}
		response.NoContent(w)
	}
}

// NewUnregisterPollerHandler returns an http.HandlerFunc for
// DELETE /api/v1/jobs/{jobID}/pollers/{pollerID}. Unknown jobs are not an
// error: the registration expires on its own.
func NewUnregisterPollerHandler(svc JobService, reg pollers.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a valid UUID", nil)
			return
		}
		pollerID := chi.URLParam(r, "pollerID")

		job, err := svc.Get(r.Context(), id)
		switch {
		case errors.Is(err, jobs.ErrNotFound):
			response.NoContent(w)
			return
		case err != nil:
			writeJobError(w, err)
			return
		}

		if err := reg.Unregister(r.Context(), models.PollerRegistration{JobKey: job.Key(), PollerID: pollerID}); err != nil {
			slog.Warn("failed to unregister poller", "job_id", id, "poller_id", pollerID, "error", err)
		}
		response.NoContent(w)
	}
}

func keyFromQuery(subjectID, jobType string) (models.JobKey, error) {
	if strings.TrimSpace(subjectID) == "" {
		return models.JobKey{}, errInvalidRequest("subject_id is required")
	}
	if jobType == "" {
		return models.JobKey{}, errInvalidRequest("job_type is required")
	}
	t, err := models.ParseJobType(jobType)
	if err != nil {
		return models.JobKey{}, err
	}
	return models.JobKey{SubjectID: subjectID, Type: t}, nil
}

func pollerIDFrom(r *http.Request, fallback string) string {
	if fallback != "" {
		return fallback
	}
	return r.Header.Get(PollerHeader)
}

// registerPoller records the caller as watching job. Failures only risk
// premature reaping, so they are logged and ignored.
func registerPoller(ctx context.Context, reg pollers.Registry, job *models.Job, pollerID string) {
	if pollerID == "" || reg == nil || job.Status.IsTerminal() {
		return
	}
	if err := reg.Register(ctx, models.PollerRegistration{JobKey: job.Key(), PollerID: pollerID}); err != nil {
		slog.Warn("failed to register poller", "job_id", job.ID, "poller_id", pollerID, "error", err)
	}
}

type invalidRequestError string

func errInvalidRequest(msg string) error { return invalidRequestError(msg) }

func (e invalidRequestError) Error() string { return string(e) }

func writeJobError(w http.ResponseWriter, err error) {
	var invalid invalidRequestError
	switch {
	case errors.As(err, &invalid):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", invalid.Error(), nil)
	case errors.Is(err, models.ErrInvalidJobType):
		response.Error(w, http.StatusBadRequest, "INVALID_JOB_TYPE", err.Error(), nil)
	case errors.Is(err, jobs.ErrInvalidParams):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, jobs.ErrNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "No job found for the given parameters", nil)
	case errors.Is(err, jobs.ErrStopped):
		response.RetryLater(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE",
			"Server is shutting down", shutdownRetryAfter)
	default:
		slog.Error("job request failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
