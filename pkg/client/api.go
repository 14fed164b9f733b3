package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/listingintel/pkg/client/transport"
	"github.com/kiranshivaraju/listingintel/pkg/models"
	"golang.org/x/sync/singleflight"
)

// PollerHeader carries the poller id on every request.
const PollerHeader = "X-Poller-ID"

// StartRequest asks the server to start (or join) a job.
type StartRequest struct {
	SubjectID  string
	Type       models.JobType
	Parameters json.RawMessage
	PollerID   string
}

// PollRequest reads a job by id, or by key when JobID is zero.
type PollRequest struct {
	SubjectID string
	Type      models.JobType
	JobID     uuid.UUID
	PollerID  string
}

// JobAPI is the server surface the orchestrator depends on. *HTTPAPI
// implements it.
type JobAPI interface {
	Start(ctx context.Context, req StartRequest) (*Job, error)
	Poll(ctx context.Context, req PollRequest) (*Job, error)
	Cancel(ctx context.Context, jobID uuid.UUID) error
	Unregister(ctx context.Context, jobID uuid.UUID, pollerID string) error
}

// HTTPAPI talks to the job endpoints through a transport.Executor.
type HTTPAPI struct {
	baseURL string
	apiKey  string
	exec    *transport.Executor
	opts    transport.Options

	starts singleflight.Group
}

// NewHTTPAPI creates a new HTTPAPI. opts applies to every request.
func NewHTTPAPI(baseURL, apiKey string, exec *transport.Executor, opts transport.Options) *HTTPAPI {
	if exec == nil {
		exec = transport.NewExecutor(nil)
	}
	return &HTTPAPI{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		exec:    exec,
		opts:    opts,
	}
}

// Start creates or joins the job for the request's key. Concurrent calls in
// this process for the same key share one request.
func (a *HTTPAPI) Start(ctx context.Context, req StartRequest) (*Job, error) {
	key := models.JobKey{SubjectID: req.SubjectID, Type: req.Type}
	ch := a.starts.DoChan(key.String(), func() (any, error) {
		// Detached so one caller giving up does not fail the others.
		return a.start(context.WithoutCancel(ctx), req)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		job := *res.Val.(*Job)
		return &job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *HTTPAPI) start(ctx context.Context, req StartRequest) (*Job, error) {
	body, err := json.Marshal(struct {
		SubjectID  string          `json:"subject_id"`
		JobType    models.JobType  `json:"job_type"`
		Parameters json.RawMessage `json:"parameters,omitempty"`
		PollerID   string          `json:"poller_id,omitempty"`
	}{req.SubjectID, req.Type, req.Parameters, req.PollerID})
	if err != nil {
		return nil, fmt.Errorf("encoding start request: %w", err)
	}

	var out struct {
		Status   string          `json:"status"`
		JobID    uuid.UUID       `json:"job_id"`
		Progress int             `json:"progress"`
		Result   json.RawMessage `json:"result"`
		Error    *string         `json:"error"`
	}
	if err := a.do(ctx, http.MethodPost, "/api/v1/jobs", body, req.PollerID, "", &out); err != nil {
		return nil, err
	}

	if string(out.Result) == "null" {
		out.Result = nil
	}
	return &Job{
		ID:        out.JobID,
		SubjectID: req.SubjectID,
		Type:      req.Type,
		Status:    statusFromStart(out.Status),
		Progress:  out.Progress,
		Result:    out.Result,
		Error:     out.Error,
	}, nil
}

// statusFromStart maps the start endpoint's vocabulary onto job statuses.
func statusFromStart(s string) models.JobStatus {
	switch s {
	case "processing":
		return models.JobStatusRunning
	case "completed":
		return models.JobStatusSucceeded
	default:
		return models.JobStatus(s)
	}
}

// Poll reads the job's current state and refreshes its heartbeat. The
// request is tracked under the poller id so AbortPoll can interrupt it.
func (a *HTTPAPI) Poll(ctx context.Context, req PollRequest) (*Job, error) {
	q := url.Values{}
	if req.JobID != uuid.Nil {
		q.Set("job_id", req.JobID.String())
	} else {
		q.Set("subject_id", req.SubjectID)
		q.Set("job_type", string(req.Type))
	}
	if req.PollerID != "" {
		q.Set("poller_id", req.PollerID)
	}

	var job Job
	if err := a.do(ctx, http.MethodGet, "/api/v1/jobs/poll?"+q.Encode(), nil, req.PollerID, pollTrackingID(req.PollerID), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// AbortPoll interrupts the in-flight poll for pollerID, if any.
func (a *HTTPAPI) AbortPoll(pollerID string) bool {
	return a.exec.Abort(pollTrackingID(pollerID))
}

func pollTrackingID(pollerID string) string {
	if pollerID == "" {
		return ""
	}
	return "poll:" + pollerID
}

// Cancel asks the server to stop the job.
func (a *HTTPAPI) Cancel(ctx context.Context, jobID uuid.UUID) error {
	return a.do(ctx, http.MethodPost, "/api/v1/jobs/"+jobID.String()+"/cancel", nil, "", "", nil)
}

// Unregister removes pollerID from the job's watchers.
func (a *HTTPAPI) Unregister(ctx context.Context, jobID uuid.UUID, pollerID string) error {
	path := "/api/v1/jobs/" + jobID.String() + "/pollers/" + url.PathEscape(pollerID)
	return a.do(ctx, http.MethodDelete, path, nil, "", "", nil)
}

// do sends one request and decodes the data envelope into out.
func (a *HTTPAPI) do(ctx context.Context, method, path string, body []byte, pollerID, trackingID string, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if pollerID != "" {
		req.Header.Set(PollerHeader, pollerID)
	}

	opts := a.opts
	opts.ID = trackingID
	resp, err := a.exec.Execute(ctx, req, opts)
	if err != nil {
		var statusErr *transport.StatusError
		if errors.As(err, &statusErr) {
			return decodeAPIError(statusErr)
		}
		return err
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decoding response data: %w", err)
	}
	return nil
}

// maxRetryAfter bounds how long a Retry-After header can hold off polling.
const maxRetryAfter = 5 * time.Minute

func decodeAPIError(se *transport.StatusError) error {
	apiErr := &APIError{StatusCode: se.StatusCode, RetryAfter: parseRetryAfter(se.Header.Get("Retry-After"))}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(se.Body, &envelope); err == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	return apiErr
}

// parseRetryAfter reads a Retry-After value in seconds or as an HTTP date.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if t, err := http.ParseTime(v); err == nil {
		d = time.Until(t)
	}
	if d < 0 {
		return 0
	}
	return min(d, maxRetryAfter)
}

var _ JobAPI = (*HTTPAPI)(nil)
