package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/listingintel/pkg/models"
)

// finalWriteTimeout bounds the terminal write made after a worker's context
// is already canceled.
const finalWriteTimeout = 10 * time.Second

// spawn registers and starts the worker for a freshly created job.
func (m *Manager) spawn(job *models.Job) {
	ctx, cancel := context.WithCancel(m.baseCtx)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		slog.Warn("job manager stopped, job left queued", "job_id", job.ID)
		return
	}
	if prev, ok := m.running[job.ID]; ok {
		prev.cancel()
	}
	m.running[job.ID] = &worker{createdAt: job.CreatedAt, cancel: cancel}
	m.wg.Add(2)
	m.mu.Unlock()

	go m.watchCancel(ctx, cancel, job)
	go m.runJob(ctx, cancel, job.Clone())
}

func (m *Manager) release(job *models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.running[job.ID]; ok && w.createdAt.Equal(job.CreatedAt) {
		delete(m.running, job.ID)
	}
}

// runJob executes one job. It recovers from panics and always leaves the job
// in a terminal state unless a newer run or the reaper already did.
func (m *Manager) runJob(ctx context.Context, cancel context.CancelFunc, job *models.Job) {
	defer m.wg.Done()
	defer m.release(job)
	defer cancel()

	m.metrics.Running.Inc()
	defer m.metrics.Running.Dec()

	logger := slog.With("job_id", job.ID, "key", job.Key().String())

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in runJob", "error", r)
			m.finishWithError(job, fmt.Errorf("panic: %v", r), logger)
		}
	}()

	current, err := m.toRunning(ctx, job.ID, job.CreatedAt)
	if err != nil {
		logger.Warn("failed to start job", "error", err)
		if !errors.Is(err, errStaleRun) && !errors.Is(err, ErrNotFound) {
			m.finishWithError(job, err, logger)
		}
		return
	}
	if current.Status != models.JobStatusRunning {
		logger.Debug("job not queued, skipping execution", "status", current.Status)
		return
	}
	if current.CancelRequested {
		m.finishWithError(job, errCancelRequested, logger)
		return
	}
	logger.Info("job running")

	report := func(progress int, message string) error {
		var partial *string
		if message != "" {
			partial = &message
		}
		updated, err := m.updateProgress(ctx, job.ID, job.CreatedAt, progress, partial)
		switch {
		case errors.Is(err, ErrProgressRegression):
			logger.Debug("ignoring progress regression", "progress", progress)
			return nil
		case err != nil:
			cancel()
			return err
		case updated.CancelRequested:
			cancel()
			return errCancelRequested
		}
		return nil
	}

	result, err := m.analyzer.Run(ctx, models.AnalysisRequest{
		JobID:      job.ID.String(),
		Key:        job.Key(),
		OwnerID:    job.OwnerID,
		Parameters: job.Parameters,
	}, report)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		m.finishWithError(job, err, logger)
		return
	}

	fctx, fcancel := context.WithTimeout(context.Background(), finalWriteTimeout)
	defer fcancel()
	if _, err := m.complete(fctx, job.ID, job.CreatedAt, result); err != nil {
		if errors.Is(err, ErrNotRunning) || errors.Is(err, errStaleRun) || errors.Is(err, ErrNotFound) {
			logger.Info("job finished elsewhere, result discarded", "error", err)
			return
		}
		logger.Error("failed to store job result", "error", err)
		m.finishWithError(job, fmt.Errorf("storing result: %w", err), logger)
	}
}

// finishWithError records the terminal status for a worker that stopped
// without a result. A raised cancel flag wins over the error.
func (m *Manager) finishWithError(job *models.Job, cause error, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), finalWriteTimeout)
	defer cancel()

	current, err := m.store.Get(ctx, job.ID)
	if err != nil {
		logger.Error("failed to load job for final status", "error", err)
		return
	}
	if !current.CreatedAt.Equal(job.CreatedAt) || current.Status.IsTerminal() {
		logger.Debug("job already finished", "status", current.Status)
		return
	}

	switch {
	case current.CancelRequested:
		_, err = m.markCanceled(ctx, job.ID, job.CreatedAt)
	case m.stopping():
		_, err = m.fail(ctx, job.ID, job.CreatedAt, "interrupted: server shutting down")
	default:
		logger.Warn("job failed", "error", cause)
		_, err = m.fail(ctx, job.ID, job.CreatedAt, cause.Error())
	}
	if err != nil && !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, errStaleRun) {
		logger.Error("failed to record final job status", "error", err)
	}
}

// watchCancel polls the stored record so a cancel requested through another
// server instance still reaches this worker between progress reports.
func (m *Manager) watchCancel(ctx context.Context, cancel context.CancelFunc, job *models.Job) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.CancelCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current, err := m.store.Get(ctx, job.ID)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					cancel()
					return
				}
				continue
			}
			if current.CancelRequested || current.Status.IsTerminal() || !current.CreatedAt.Equal(job.CreatedAt) {
				cancel()
				return
			}
		}
	}
}
