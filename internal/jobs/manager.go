// Package jobs owns the server-side job state machine. The Manager is the only
// writer of job records: it creates them idempotently, runs each job's
// analysis in its own goroutine, applies progress and terminal transitions,
// and periodically reaps finished and abandoned work.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/listingintel/internal/config"
	"github.com/kiranshivaraju/listingintel/internal/pollers"
	"github.com/kiranshivaraju/listingintel/internal/store"
	"github.com/kiranshivaraju/listingintel/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
)

// ErrNotFound is returned when no job matches the id or key.
var ErrNotFound = store.ErrNotFound

// Analyzer runs the long-running operation behind a job. *ai.Service
// satisfies it.
type Analyzer interface {
	Run(ctx context.Context, req models.AnalysisRequest, report models.ProgressFunc) (json.RawMessage, error)
}

// Options configures the Manager. Zero durations fall back to the defaults
// of config.JobsConfig.
type Options struct {
	SucceededRetention  time.Duration
	FailedRetention     time.Duration
	HeartbeatTimeout    time.Duration
	ReapInterval        time.Duration
	CancelCheckInterval time.Duration

	// Registerer receives the job metrics. Nil disables registration.
	Registerer prometheus.Registerer

	// Now overrides the clock. Intended for tests.
	Now func() time.Time
}

// OptionsFromConfig maps the environment configuration onto Options.
func OptionsFromConfig(cfg config.JobsConfig) Options {
	return Options{
		SucceededRetention:  cfg.SucceededRetention,
		FailedRetention:     cfg.FailedRetention,
		HeartbeatTimeout:    cfg.HeartbeatTimeout,
		ReapInterval:        cfg.ReapInterval,
		CancelCheckInterval: cfg.CancelCheckInterval,
	}
}

func (o *Options) applyDefaults() {
	if o.SucceededRetention <= 0 {
		o.SucceededRetention = time.Hour
	}
	if o.FailedRetention <= 0 {
		o.FailedRetention = 30 * time.Minute
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 10 * time.Minute
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = time.Minute
	}
	if o.CancelCheckInterval <= 0 {
		o.CancelCheckInterval = 2 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// CreateParams holds validated input for Create.
type CreateParams struct {
	SubjectID  string
	Type       models.JobType
	OwnerID    string
	Parameters json.RawMessage
}

// worker tracks one in-process execution. createdAt identifies the run, since
// a job id is reused when a terminal record is replaced.
type worker struct {
	createdAt time.Time
	cancel    context.CancelFunc
}

// Manager coordinates job state transitions and execution.
type Manager struct {
	store    store.Store
	pollers  pollers.Registry
	analyzer Analyzer
	opts     Options
	metrics  *Metrics
	events   *broker

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	running map[uuid.UUID]*worker
	closed  bool
	cron    *cron.Cron
}

// NewManager creates a new Manager.
func NewManager(st store.Store, reg pollers.Registry, analyzer Analyzer, opts Options) *Manager {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:      st,
		pollers:    reg,
		analyzer:   analyzer,
		opts:       opts,
		metrics:    NewMetrics(opts.Registerer),
		events:     newBroker(),
		baseCtx:    ctx,
		baseCancel: cancel,
		running:    make(map[uuid.UUID]*worker),
	}
}

// now returns the clock truncated to the precision every store keeps.
func (m *Manager) now() time.Time {
	return m.opts.Now().UTC().Truncate(time.Microsecond)
}

// Create returns the active job for the key or inserts a new queued one and
// schedules its execution. Concurrent callers for the same key all receive
// the same job and only one worker is started.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*models.Job, error) {
	p.SubjectID = strings.TrimSpace(p.SubjectID)
	if p.SubjectID == "" {
		return nil, fmt.Errorf("%w: subject_id is required", ErrInvalidParams)
	}
	if _, err := models.ParseJobType(string(p.Type)); err != nil {
		return nil, err
	}
	if len(p.Parameters) > 0 && !json.Valid(p.Parameters) {
		return nil, fmt.Errorf("%w: parameters must be valid JSON", ErrInvalidParams)
	}

	if m.isClosed() {
		return nil, ErrStopped
	}

	key := models.JobKey{SubjectID: p.SubjectID, Type: p.Type}
	job, created, err := m.store.CreateOrGet(ctx, models.NewQueuedJob(key, p.OwnerID, p.Parameters, m.now()))
	if err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	if !created {
		m.metrics.Deduplicated.WithLabelValues(string(key.Type)).Inc()
		slog.Debug("job already active", "job_id", job.ID, "key", key.String(), "status", job.Status)
		return job, nil
	}

	m.metrics.Created.WithLabelValues(string(key.Type)).Inc()
	slog.Info("job created", "job_id", job.ID, "key", key.String(), "owner_id", p.OwnerID)
	m.events.publish(job)
	m.spawn(job)
	return job, nil
}

// TransitionToRunning moves a queued job to running. Any other status is left
// untouched and returned without error.
func (m *Manager) TransitionToRunning(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return m.toRunning(ctx, id, time.Time{})
}

// UpdateProgress records progress for a running job. Progress is clamped to
// 0..100 and must not decrease.
func (m *Manager) UpdateProgress(ctx context.Context, id uuid.UUID, progress int, partial *string) (*models.Job, error) {
	return m.updateProgress(ctx, id, time.Time{}, progress, partial)
}

// Complete moves a running job to succeeded with the given result.
func (m *Manager) Complete(ctx context.Context, id uuid.UUID, result json.RawMessage) (*models.Job, error) {
	return m.complete(ctx, id, time.Time{}, result)
}

// Fail moves a queued or running job to failed with msg.
func (m *Manager) Fail(ctx context.Context, id uuid.UUID, msg string) (*models.Job, error) {
	return m.fail(ctx, id, time.Time{}, msg)
}

// MarkCanceled moves a queued or running job to canceled.
func (m *Manager) MarkCanceled(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return m.markCanceled(ctx, id, time.Time{})
}

// RequestCancel sets the cooperative cancel flag. The status is not changed
// here; the worker observes the flag and marks the job canceled itself.
// Requests against a terminal job are ignored.
func (m *Manager) RequestCancel(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var requested bool
	job, err := m.mutate(ctx, id, time.Time{}, func(j *models.Job) error {
		if j.Status.IsTerminal() || j.CancelRequested {
			return store.ErrNoChange
		}
		j.CancelRequested = true
		requested = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if requested {
		slog.Info("job cancel requested", "job_id", id, "status", job.Status)
		m.cancelLocal(id, job.CreatedAt)
	}
	return job, nil
}

// ReadOption configures Get and GetLatest.
type ReadOption func(*readOptions)

type readOptions struct {
	heartbeat bool
}

// WithHeartbeat marks the read as coming from a poller, refreshing the job's
// heartbeat while it is still active.
func WithHeartbeat() ReadOption {
	return func(o *readOptions) { o.heartbeat = true }
}

// Get returns the job with the given id.
func (m *Manager) Get(ctx context.Context, id uuid.UUID, opts ...ReadOption) (*models.Job, error) {
	job, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	m.applyRead(ctx, job, opts)
	return job, nil
}

// GetLatest returns the job currently stored under key.
func (m *Manager) GetLatest(ctx context.Context, key models.JobKey, opts ...ReadOption) (*models.Job, error) {
	job, err := m.store.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	m.applyRead(ctx, job, opts)
	return job, nil
}

func (m *Manager) applyRead(ctx context.Context, job *models.Job, opts []ReadOption) {
	var o readOptions
	for _, opt := range opts {
		opt(&o)
	}
	if !o.heartbeat || job.Status.IsTerminal() {
		return
	}
	now := m.now()
	if err := m.store.Touch(ctx, job.ID, now); err != nil {
		slog.Warn("failed to refresh job heartbeat", "job_id", job.ID, "error", err)
		return
	}
	if now.After(job.LastHeartbeat) {
		job.LastHeartbeat = now
	}
}

// List returns stored jobs matching filter.
func (m *Manager) List(ctx context.Context, filter store.JobFilter) ([]*models.Job, error) {
	return m.store.List(ctx, filter)
}

// Subscribe streams snapshots of the job after every change. Slow receivers
// only see the latest snapshot. The returned func releases the subscription.
func (m *Manager) Subscribe(id uuid.UUID) (<-chan *models.Job, func()) {
	return m.events.subscribe(id)
}

// Start schedules the reaper. It returns once the schedule is installed.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStopped
	}
	if m.cron != nil {
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	spec := "@every " + m.opts.ReapInterval.String()
	if _, err := c.AddFunc(spec, func() { m.sweep(ctx) }); err != nil {
		return fmt.Errorf("scheduling reaper: %w", err)
	}
	c.Start()
	m.cron = c

	slog.Info("job reaper scheduled", "interval", m.opts.ReapInterval.String())
	return nil
}

func (m *Manager) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	report, err := m.Reap(ctx)
	if err != nil {
		slog.Error("job reaper sweep failed", "error", err)
	}
	if report.Deleted > 0 || report.TimedOut > 0 {
		slog.Info("job reaper sweep", "deleted", report.Deleted, "timed_out", report.TimedOut)
	}
}

// Stop halts the reaper, cancels in-flight workers and waits for them to
// record their final status, or for ctx to expire.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	c := m.cron
	m.cron = nil
	m.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	m.baseCancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for job workers: %w", ctx.Err())
	}
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) stopping() bool {
	return m.baseCtx.Err() != nil
}

// mutate applies fn to the stored job. A non-zero run restricts the change to
// the execution created at that time; a replaced record yields errStaleRun.
func (m *Manager) mutate(ctx context.Context, id uuid.UUID, run time.Time, fn func(*models.Job) error) (*models.Job, error) {
	var before models.JobStatus
	job, err := m.store.Update(ctx, id, func(j *models.Job) error {
		if !run.IsZero() && !j.CreatedAt.Equal(run) {
			return errStaleRun
		}
		before = j.Status
		return fn(j)
	})
	if err != nil {
		return nil, err
	}

	if !before.IsTerminal() && job.Status.IsTerminal() {
		m.recordFinished(job)
	}
	m.events.publish(job)
	return job, nil
}

func (m *Manager) recordFinished(job *models.Job) {
	m.metrics.Finished.WithLabelValues(string(job.Type), string(job.Status)).Inc()
	if job.CompletedAt != nil {
		started := job.CreatedAt
		if job.StartedAt != nil {
			started = *job.StartedAt
		}
		m.metrics.Duration.WithLabelValues(string(job.Type)).Observe(job.CompletedAt.Sub(started).Seconds())
	}
	slog.Info("job finished", "job_id", job.ID, "key", job.Key().String(), "status", job.Status)
}

func (m *Manager) toRunning(ctx context.Context, id uuid.UUID, run time.Time) (*models.Job, error) {
	return m.mutate(ctx, id, run, func(j *models.Job) error {
		if j.Status != models.JobStatusQueued {
			return store.ErrNoChange
		}
		now := m.now()
		j.Status = models.JobStatusRunning
		j.StartedAt = &now
		j.LastHeartbeat = now
		return nil
	})
}

func (m *Manager) updateProgress(ctx context.Context, id uuid.UUID, run time.Time, progress int, partial *string) (*models.Job, error) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	return m.mutate(ctx, id, run, func(j *models.Job) error {
		if j.Status != models.JobStatusRunning {
			return fmt.Errorf("%w: status is %s", ErrNotRunning, j.Status)
		}
		if progress < j.Progress {
			return fmt.Errorf("%w: %d < %d", ErrProgressRegression, progress, j.Progress)
		}
		j.Progress = progress
		if partial != nil {
			p := *partial
			j.PartialOutput = &p
		}
		j.LastHeartbeat = m.now()
		return nil
	})
}

func (m *Manager) complete(ctx context.Context, id uuid.UUID, run time.Time, result json.RawMessage) (*models.Job, error) {
	return m.mutate(ctx, id, run, func(j *models.Job) error {
		if j.Status != models.JobStatusRunning {
			return fmt.Errorf("%w: status is %s", ErrNotRunning, j.Status)
		}
		now := m.now()
		j.Status = models.JobStatusSucceeded
		j.Progress = 100
		j.PartialOutput = nil
		j.Result = result
		j.Error = nil
		j.CompletedAt = &now
		j.LastHeartbeat = now
		return nil
	})
}

func (m *Manager) fail(ctx context.Context, id uuid.UUID, run time.Time, msg string) (*models.Job, error) {
	return m.mutate(ctx, id, run, func(j *models.Job) error {
		if j.Status.IsTerminal() {
			return fmt.Errorf("%w: %s to failed", ErrInvalidTransition, j.Status)
		}
		now := m.now()
		j.Status = models.JobStatusFailed
		j.PartialOutput = nil
		j.Error = &msg
		j.CompletedAt = &now
		return nil
	})
}

func (m *Manager) markCanceled(ctx context.Context, id uuid.UUID, run time.Time) (*models.Job, error) {
	return m.mutate(ctx, id, run, func(j *models.Job) error {
		if j.Status.IsTerminal() {
			return fmt.Errorf("%w: %s to canceled", ErrInvalidTransition, j.Status)
		}
		now := m.now()
		j.Status = models.JobStatusCanceled
		j.PartialOutput = nil
		j.CompletedAt = &now
		return nil
	})
}

// cancelLocal cancels the in-process worker for the given run, if any.
func (m *Manager) cancelLocal(id uuid.UUID, run time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.running[id]; ok && w.createdAt.Equal(run) {
		w.cancel()
	}
}
