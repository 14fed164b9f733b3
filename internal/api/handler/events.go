package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/listingintel/internal/api/response"
	"github.com/kiranshivaraju/listingintel/internal/jobs"
	"github.com/kiranshivaraju/listingintel/internal/pollers"
	"github.com/kiranshivaraju/listingintel/pkg/models"
)

// DefaultKeepAlive is the SSE comment interval. It also paces the heartbeat
// refresh for streaming watchers.
const DefaultKeepAlive = 15 * time.Second

// NewJobEventsHandler returns an http.HandlerFunc for
// GET /api/v1/jobs/{jobID}/events. It streams a JobView after every change
// and closes the stream once the job is terminal. An open stream counts as a
// poller for the reaper.
func NewJobEventsHandler(svc JobService, reg pollers.Registry, keepAlive time.Duration) http.HandlerFunc {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a valid UUID", nil)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			response.Error(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED",
				"Streaming is not supported by this connection", nil)
			return
		}

		updates, unsubscribe := svc.Subscribe(id)
		defer unsubscribe()

		job, err := svc.Get(r.Context(), id, jobs.WithHeartbeat())
		if err != nil {
			writeJobError(w, err)
			return
		}

		pollerID := pollerIDFrom(r, r.URL.Query().Get("poller_id"))
		registerPoller(r.Context(), reg, job, pollerID)
		if pollerID != "" && reg != nil {
			defer func() {
				// The request context is usually done by now.
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := reg.Unregister(ctx, models.PollerRegistration{JobKey: job.Key(), PollerID: pollerID}); err != nil {
					slog.Debug("failed to unregister streaming poller", "job_id", id, "error", err)
				}
			}()
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		if err := writeEvent(w, job); err != nil {
			return
		}
		flusher.Flush()
		if job.Status.IsTerminal() {
			return
		}

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		last := job
		for {
			select {
			case <-r.Context().Done():
				return
			case next := <-updates:
				if behind(next, last) {
					continue
				}
				if err := writeEvent(w, next); err != nil {
					return
				}
				flusher.Flush()
				last = next
				if next.Status.IsTerminal() {
					return
				}
			case <-ticker.C:
				current, err := svc.Get(r.Context(), id, jobs.WithHeartbeat())
				if err == nil {
					registerPoller(r.Context(), reg, current, pollerID)
				}
				if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

// behind reports whether next is an older snapshot of the same run than
// last. Snapshots buffered before the initial read can arrive after it.
func behind(next, last *models.Job) bool {
	return !next.Status.IsTerminal() &&
		next.CreatedAt.Equal(last.CreatedAt) &&
		next.Progress < last.Progress
}

func writeEvent(w http.ResponseWriter, job *models.Job) error {
	data, err := json.Marshal(NewJobView(job))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: job\ndata: %s\n\n", data)
	return err
}
