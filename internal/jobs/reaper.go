package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/listingintel/internal/store"
	"github.com/kiranshivaraju/listingintel/pkg/models"
)

// ReapReport summarizes one sweep.
type ReapReport struct {
	Deleted  int
	TimedOut int
}

// Reap deletes expired terminal jobs and fails active jobs that have had no
// heartbeat within HeartbeatTimeout and no registered pollers. A job whose
// poller lookup fails is left alone for the next sweep.
func (m *Manager) Reap(ctx context.Context) (ReapReport, error) {
	var (
		report ReapReport
		errs   []error
	)
	now := m.now()

	n, err := m.deleteExpired(ctx, []models.JobStatus{models.JobStatusSucceeded}, now.Add(-m.opts.SucceededRetention))
	report.Deleted += n
	if err != nil {
		errs = append(errs, err)
	}

	n, err = m.deleteExpired(ctx, []models.JobStatus{models.JobStatusFailed, models.JobStatusCanceled}, now.Add(-m.opts.FailedRetention))
	report.Deleted += n
	if err != nil {
		errs = append(errs, err)
	}

	n, err = m.timeOutAbandoned(ctx, now.Add(-m.opts.HeartbeatTimeout))
	report.TimedOut += n
	if err != nil {
		errs = append(errs, err)
	}

	return report, errors.Join(errs...)
}

func (m *Manager) deleteExpired(ctx context.Context, statuses []models.JobStatus, cutoff time.Time) (int, error) {
	expired, err := m.store.List(ctx, store.JobFilter{Statuses: statuses, CompletedBefore: cutoff})
	if err != nil {
		return 0, fmt.Errorf("listing expired jobs: %w", err)
	}

	deleted := 0
	for _, j := range expired {
		if err := m.store.Delete(ctx, j.ID, cutoff); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				slog.Warn("failed to delete expired job", "job_id", j.ID, "error", err)
			}
			continue
		}
		deleted++
		m.metrics.Reaped.WithLabelValues("expired").Inc()
		slog.Debug("expired job deleted", "job_id", j.ID, "status", j.Status)
	}
	return deleted, nil
}

func (m *Manager) timeOutAbandoned(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := m.store.List(ctx, store.JobFilter{
		Statuses:        []models.JobStatus{models.JobStatusQueued, models.JobStatusRunning},
		HeartbeatBefore: cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("listing stale jobs: %w", err)
	}

	timedOut := 0
	for _, j := range stale {
		watched, err := m.pollers.HasActivePollers(ctx, j.Key())
		if err != nil {
			slog.Warn("poller lookup failed, skipping stale job", "job_id", j.ID, "error", err)
			continue
		}
		if watched {
			continue
		}

		var changed bool
		_, err = m.mutate(ctx, j.ID, j.CreatedAt, func(cur *models.Job) error {
			if !cur.Status.IsActive() || !cur.LastHeartbeat.Before(cutoff) {
				return store.ErrNoChange
			}
			now := m.now()
			msg := models.TimedOutMessage
			cur.Status = models.JobStatusFailed
			cur.PartialOutput = nil
			cur.Error = &msg
			cur.CompletedAt = &now
			changed = true
			return nil
		})
		if err != nil {
			if !errors.Is(err, errStaleRun) && !errors.Is(err, store.ErrNotFound) {
				slog.Warn("failed to time out stale job", "job_id", j.ID, "error", err)
			}
			continue
		}
		if !changed {
			continue
		}

		timedOut++
		m.metrics.Reaped.WithLabelValues("timed_out").Inc()
		slog.Warn("abandoned job timed out", "job_id", j.ID, "key", j.Key().String(),
			"last_heartbeat", j.LastHeartbeat)
		m.cancelLocal(j.ID, j.CreatedAt)
	}
	return timedOut, nil
}
