package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/listingintel/pkg/client/cache"
	"github.com/kiranshivaraju/listingintel/pkg/client/keepalive"
	"github.com/kiranshivaraju/listingintel/pkg/client/transport"
	"github.com/kiranshivaraju/listingintel/pkg/models"
)

const unregisterTimeout = 5 * time.Second

// Config wires an Orchestrator. API is required; the caches and keep-alive
// are optional.
type Config struct {
	API       JobAPI
	Hot       *cache.Store
	Session   *cache.Store
	KeepAlive *keepalive.KeepAlive

	// PollInterval is the wait between successful polls. Default 2s.
	PollInterval time.Duration
	// BackoffBase and BackoffCap bound the wait after failed polls:
	// min(BackoffBase*2^(n-1) + jitter, BackoffCap). Defaults 1s and 30s.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// ErrorBudget is how many consecutive failed polls are absorbed before
	// OnError receives an ErrRecoverable error. Network failures and
	// temporary statuses (see APIError.Temporary) count. Polling continues
	// either way. Default 5.
	ErrorBudget int

	// OnUpdate receives every snapshot the orchestrator adopts.
	OnUpdate func(Job)
	// OnComplete receives a succeeded or canceled job, once per run.
	OnComplete func(Job)
	// OnError receives a *JobFailedError or an application error once per
	// run, and ErrRecoverable errors whenever the error budget runs out.
	OnError func(error)
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.BackoffCap < c.BackoffBase {
		c.BackoffCap = c.BackoffBase
	}
	if c.ErrorBudget <= 0 {
		c.ErrorBudget = 5
	}
	if c.OnUpdate == nil {
		c.OnUpdate = func(Job) {}
	}
	if c.OnComplete == nil {
		c.OnComplete = func(Job) {}
	}
	if c.OnError == nil {
		c.OnError = func(error) {}
	}
}

// Orchestrator follows one job at a time for its caller: it starts or
// attaches to the job, polls until a terminal state, and delivers the outcome
// exactly once. It is safe for concurrent use.
type Orchestrator struct {
	cfg      Config
	pollerID string
	jitter   func(time.Duration) time.Duration
	wake     chan struct{}
	pollMu   sync.Mutex

	mu         sync.Mutex
	gen        uint64
	key        models.JobKey
	job        *Job
	state      State
	stop       context.CancelFunc
	registered bool
	delivered  bool
	outcome    error
	done       chan struct{}
	doneClosed bool
	detach     []func()

	wg sync.WaitGroup
}

// NewOrchestrator creates an idle Orchestrator with its own poller id and
// sweeps stale cache entries.
func NewOrchestrator(cfg Config) *Orchestrator {
	cfg.applyDefaults()
	o := &Orchestrator{
		cfg:      cfg,
		pollerID: uuid.NewString(),
		jitter:   func(limit time.Duration) time.Duration { return time.Duration(rand.Int63n(int64(limit + 1))) },
		wake:     make(chan struct{}, 1),
		state:    StateIdle,
		done:     make(chan struct{}),
	}
	o.clearStale()
	return o
}

// PollerID identifies this orchestrator to the server's poller registry.
func (o *Orchestrator) PollerID() string { return o.pollerID }

// State returns idle or the followed job's status.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Snapshot returns the last adopted job state.
func (o *Orchestrator) Snapshot() (Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.job == nil {
		return Job{}, false
	}
	return *o.job, true
}

// Wait blocks until the current run delivers its outcome or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) (Job, error) {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	var job Job
	if o.job != nil {
		job = *o.job
	}
	return job, o.outcome
}

// Start creates the job for (subjectID, jobType), or joins the one already
// active on the server, and begins polling it. Calling Start again for the
// job being followed returns its snapshot.
func (o *Orchestrator) Start(ctx context.Context, subjectID string, jobType models.JobType, params json.RawMessage) (*Job, error) {
	key, err := newKey(subjectID, jobType)
	if err != nil {
		return nil, err
	}
	if job, ok, err := o.following(key); ok || err != nil {
		return job, err
	}

	job, err := o.cfg.API.Start(ctx, StartRequest{
		SubjectID:  key.SubjectID,
		Type:       key.Type,
		Parameters: params,
		PollerID:   o.pollerID,
	})
	if err != nil {
		return nil, classify(err)
	}
	slog.Debug("job started", "job_id", job.ID, "key", key.String(), "status", job.Status)
	return o.begin(key, *job, false)
}

// Attach resumes following the job for (subjectID, jobType) without creating
// one. The hot cache is consulted first, then the session cache of finished
// results, then the server. ErrNotFound means there is nothing to attach to.
func (o *Orchestrator) Attach(ctx context.Context, subjectID string, jobType models.JobType) (*Job, error) {
	key, err := newKey(subjectID, jobType)
	if err != nil {
		return nil, err
	}
	if job, ok, err := o.following(key); ok || err != nil {
		return job, err
	}

	for _, store := range []*cache.Store{o.cfg.Hot, o.cfg.Session} {
		if job, ok := loadJob(store, key); ok {
			slog.Debug("attaching from cache", "job_id", job.ID, "key", key.String(), "status", job.Status)
			return o.begin(key, job, true)
		}
	}

	job, err := o.cfg.API.Poll(ctx, PollRequest{SubjectID: key.SubjectID, Type: key.Type, PollerID: o.pollerID})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, classify(err)
	}
	return o.begin(key, *job, false)
}

// Cancel stops following the job, marks the local view canceled and asks
// the server to stop the work. The local state is canceled even when the
// request fails; the error is returned for information. A job that already
// finished is left as it is.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	o.mu.Lock()
	if o.job == nil || o.delivered || o.job.Terminal() {
		o.mu.Unlock()
		return nil
	}
	job := *o.job
	job.Status = models.JobStatusCanceled
	job.CancelRequested = true
	job.PartialOutput = nil
	o.job = &job
	o.state = State(job.Status)
	deliver, _ := o.settleLocked(o.gen, job, nil)
	o.mu.Unlock()

	deliver()
	o.abortPoll()

	if err := o.cfg.API.Cancel(ctx, job.ID); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("requesting cancel: %w", err)
	}
	return nil
}

// Clear stops following, forgets the job and purges both cache entries for
// its key. The orchestrator returns to idle and can be started again.
func (o *Orchestrator) Clear() {
	o.mu.Lock()
	key, job, registered := o.key, o.job, o.registered
	stop, detach := o.resetLocked()
	o.mu.Unlock()

	stopAndDetach(stop, detach)
	o.abortPoll()

	if key.SubjectID != "" {
		deleteEntry(o.cfg.Hot, key)
		deleteEntry(o.cfg.Session, key)
	}
	if job != nil && registered && !job.Terminal() {
		o.unregister(job.ID)
	}
}

// Close stops polling without delivering anything and waits for background
// work to finish.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	job, registered := o.job, o.registered
	o.gen++
	stop, detach := o.stop, o.detach
	o.stop, o.detach = nil, nil
	o.mu.Unlock()

	stopAndDetach(stop, detach)
	if stop != nil && job != nil && registered {
		o.unregister(job.ID)
	}
	o.wg.Wait()
}

// resetLocked returns the orchestrator to idle. Waiters on the previous run
// are released.
func (o *Orchestrator) resetLocked() (context.CancelFunc, []func()) {
	o.gen++
	stop, detach := o.stop, o.detach
	o.stop, o.detach = nil, nil
	o.key = models.JobKey{}
	o.job = nil
	o.state = StateIdle
	o.registered = false
	o.delivered = false
	o.outcome = nil
	if !o.doneClosed {
		close(o.done)
	}
	o.done = make(chan struct{})
	o.doneClosed = false
	return stop, detach
}

// following reports the current job when key is already being followed.
func (o *Orchestrator) following(key models.JobKey) (*Job, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stop == nil {
		return nil, false, nil
	}
	if o.key != key {
		return nil, false, fmt.Errorf("%w: %s", ErrActive, o.key.String())
	}
	job := *o.job
	return &job, true, nil
}

// begin adopts job as the start of a new run and, unless it is already
// terminal, starts the poll loop.
func (o *Orchestrator) begin(key models.JobKey, job Job, fromCache bool) (*Job, error) {
	o.mu.Lock()
	if o.stop != nil {
		// Lost a race with a concurrent Start or Attach.
		defer o.mu.Unlock()
		if o.key != key {
			return nil, fmt.Errorf("%w: %s", ErrActive, o.key.String())
		}
		cur := *o.job
		return &cur, nil
	}

	o.gen++
	gen := o.gen
	o.key = key
	o.job = &job
	o.state = State(job.Status)
	o.registered = !fromCache
	o.delivered = false
	o.outcome = nil
	if o.doneClosed {
		o.done = make(chan struct{})
		o.doneClosed = false
	}

	if !job.Terminal() {
		ctx, cancel := context.WithCancel(context.Background())
		o.stop = cancel
		o.detach = o.attachKeepAlive(gen)

		initial := o.cfg.PollInterval
		if fromCache {
			initial = 0
		}
		o.wg.Add(1)
		go o.loop(ctx, gen, job.ID, initial)
	}
	o.mu.Unlock()

	if !fromCache {
		o.saveHot(job)
	}
	o.cfg.OnUpdate(job)
	if job.Terminal() {
		o.finish(gen, job, nil)
	}
	return &job, nil
}

func (o *Orchestrator) attachKeepAlive(gen uint64) []func() {
	ka := o.cfg.KeepAlive
	if ka == nil {
		return nil
	}
	return []func(){
		ka.Acquire(),
		ka.OnTouch(func(ctx context.Context) { o.touch(ctx, gen) }),
		ka.OnResume(func(context.Context) { o.resume() }),
	}
}

func (o *Orchestrator) loop(ctx context.Context, gen uint64, id uuid.UUID, delay time.Duration) {
	defer o.wg.Done()

	if o.cfg.Hot != nil {
		watchDone, err := o.cfg.Hot.Watch(ctx, func(c cache.Change) { o.onCacheChange(gen, c) })
		if err != nil {
			slog.Debug("cache watch unavailable", "error", err)
		} else {
			defer func() { <-watchDone }()
		}
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-o.wake:
		}

		job, err := o.poll(ctx, gen, id)
		switch {
		case err == nil:
			failures = 0
			if o.apply(gen, *job, true) {
				return
			}
			delay = o.cfg.PollInterval
		case ctx.Err() != nil:
			return
		case isApplicationError(err):
			o.finishWithError(gen, err)
			return
		default:
			failures++
			delay = max(o.backoffDelay(failures), retryAfter(err))
			slog.Debug("poll failed", "job_id", id, "failures", failures, "retry_in", delay, "error", err)
			if failures == o.cfg.ErrorBudget {
				o.cfg.OnError(fmt.Errorf("%w: %w", ErrRecoverable, err))
			}
		}

		timer.Reset(delay)
	}
}

func (o *Orchestrator) poll(ctx context.Context, gen uint64, id uuid.UUID) (*Job, error) {
	o.pollMu.Lock()
	defer o.pollMu.Unlock()
	return o.pollLocked(ctx, gen, id)
}

func (o *Orchestrator) pollLocked(ctx context.Context, gen uint64, id uuid.UUID) (*Job, error) {
	o.mu.Lock()
	key := o.key
	current := gen == o.gen
	o.mu.Unlock()
	if !current {
		return nil, context.Canceled
	}

	job, err := o.cfg.API.Poll(ctx, PollRequest{
		SubjectID: key.SubjectID,
		Type:      key.Type,
		JobID:     id,
		PollerID:  o.pollerID,
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// touch refreshes the server-side registration between polls. It is skipped
// while the loop has a request in flight.
func (o *Orchestrator) touch(ctx context.Context, gen uint64) {
	if !o.pollMu.TryLock() {
		return
	}
	defer o.pollMu.Unlock()

	o.mu.Lock()
	var id uuid.UUID
	if o.job != nil && gen == o.gen && !o.delivered {
		id = o.job.ID
	}
	o.mu.Unlock()
	if id == uuid.Nil {
		return
	}

	job, err := o.pollLocked(ctx, gen, id)
	if err != nil {
		slog.Debug("keep-alive touch failed", "job_id", id, "error", err)
		return
	}
	o.apply(gen, *job, true)
}

// resume wakes the poll loop after the process returns to the foreground.
func (o *Orchestrator) resume() {
	o.clearStale()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// apply adopts a polled snapshot and reports whether polling should stop.
func (o *Orchestrator) apply(gen uint64, job Job, persist bool) bool {
	o.mu.Lock()
	if gen != o.gen || o.delivered || o.state == State(models.JobStatusCanceled) {
		o.mu.Unlock()
		return true
	}
	if cur := o.job; cur != nil && cur.ID == job.ID && !job.Terminal() &&
		cur.Status == job.Status && job.Progress < cur.Progress {
		o.mu.Unlock()
		return false
	}
	o.job = &job
	o.state = State(job.Status)
	if persist {
		o.registered = true
	}
	o.mu.Unlock()

	if persist {
		o.saveHot(job)
	}
	o.cfg.OnUpdate(job)

	if job.Terminal() {
		o.finish(gen, job, nil)
		return true
	}
	return false
}

func (o *Orchestrator) onCacheChange(gen uint64, c cache.Change) {
	if c.Entry == nil {
		return
	}
	var job Job
	if err := c.Entry.Decode(&job); err != nil {
		return
	}

	o.mu.Lock()
	cur := o.job
	relevant := gen == o.gen && cur != nil && c.Key == o.key.String() && cur.ID == job.ID
	newer := relevant && (job.Terminal() || job.Progress > cur.Progress)
	o.mu.Unlock()

	if newer {
		slog.Debug("adopting snapshot from another process", "job_id", job.ID, "status", job.Status)
		o.apply(gen, job, false)
	}
}

func (o *Orchestrator) finishWithError(gen uint64, err error) {
	o.mu.Lock()
	var job Job
	if o.job != nil {
		job = *o.job
	}
	o.mu.Unlock()
	o.finish(gen, job, err)
}

// finish delivers the run's outcome. Only the first call per run has any
// effect.
func (o *Orchestrator) finish(gen uint64, job Job, err error) {
	o.mu.Lock()
	deliver, ok := o.settleLocked(gen, job, err)
	o.mu.Unlock()
	if ok {
		deliver()
	}
}

// settleLocked records job and err as the run's outcome and returns the
// work that delivers it, to be run without o.mu. ok is false when gen is
// stale or the run was already settled.
func (o *Orchestrator) settleLocked(gen uint64, job Job, err error) (deliver func(), ok bool) {
	if gen != o.gen || o.delivered {
		return func() {}, false
	}
	o.delivered = true
	if err == nil && job.Status == models.JobStatusFailed {
		err = &JobFailedError{Job: job}
	}
	o.outcome = err
	key, registered := o.key, o.registered
	stop, detach := o.stop, o.detach
	o.stop, o.detach = nil, nil
	done := o.done
	o.doneClosed = true

	return func() {
		stopAndDetach(stop, detach)

		if registered && job.ID != uuid.Nil {
			o.unregister(job.ID)
		}
		if job.Status == models.JobStatusSucceeded && o.cfg.Session != nil {
			if err := o.cfg.Session.Save(key.String(), string(job.Status), job); err != nil {
				slog.Warn("failed to save session cache entry", "key", key.String(), "error", err)
			}
		}
		deleteEntry(o.cfg.Hot, key)
		close(done)

		slog.Debug("job outcome delivered", "job_id", job.ID, "status", job.Status, "error", err)
		if err != nil {
			o.cfg.OnError(err)
			return
		}
		o.cfg.OnComplete(job)
	}, true
}

func (o *Orchestrator) unregister(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
	defer cancel()
	if err := o.cfg.API.Unregister(ctx, id, o.pollerID); err != nil {
		slog.Debug("failed to unregister poller", "job_id", id, "error", err)
	}
}

// backoffDelay returns the wait after n consecutive failures. Each step at
// least doubles the base while jitter stays under half of it, so waits never
// decrease and never exceed the cap.
func (o *Orchestrator) backoffDelay(n int) time.Duration {
	base, limit := o.cfg.BackoffBase, o.cfg.BackoffCap
	if n < 1 {
		n = 1
	}
	if n > 32 {
		return limit
	}
	d := base << (n - 1)
	if d <= 0 || d >= limit {
		return limit
	}
	d += o.jitter(base / 2)
	if d > limit {
		d = limit
	}
	return d
}

func (o *Orchestrator) saveHot(job Job) {
	if o.cfg.Hot == nil {
		return
	}
	if err := o.cfg.Hot.Save(job.Key().String(), string(job.Status), job); err != nil {
		slog.Warn("failed to save hot cache entry", "job_id", job.ID, "error", err)
	}
}

func (o *Orchestrator) clearStale() {
	for _, s := range []*cache.Store{o.cfg.Hot, o.cfg.Session} {
		if s == nil {
			continue
		}
		if n, err := s.ClearStale(); err != nil {
			slog.Warn("failed to clear stale cache entries", "dir", s.Dir(), "error", err)
		} else if n > 0 {
			slog.Debug("cleared stale cache entries", "dir", s.Dir(), "removed", n)
		}
	}
}

// pollAborter is implemented by APIs that can interrupt an in-flight poll.
type pollAborter interface {
	AbortPoll(pollerID string) bool
}

// abortPoll interrupts a keep-alive touch still waiting on the server once
// the run is over. The loop's own request ends with its context.
func (o *Orchestrator) abortPoll() {
	if a, ok := o.cfg.API.(pollAborter); ok && a.AbortPoll(o.pollerID) {
		slog.Debug("aborted in-flight poll", "poller_id", o.pollerID)
	}
}

func stopAndDetach(stop context.CancelFunc, detach []func()) {
	if stop != nil {
		stop()
	}
	for _, fn := range detach {
		fn()
	}
}

func loadJob(s *cache.Store, key models.JobKey) (Job, bool) {
	if s == nil {
		return Job{}, false
	}
	e, ok := s.Load(key.String())
	if !ok {
		return Job{}, false
	}
	var job Job
	if err := e.Decode(&job); err != nil || job.ID == uuid.Nil || job.Key() != key {
		return Job{}, false
	}
	return job, true
}

func deleteEntry(s *cache.Store, key models.JobKey) {
	if s == nil {
		return
	}
	if err := s.Delete(key.String()); err != nil {
		slog.Warn("failed to delete cache entry", "key", key.String(), "error", err)
	}
}

func newKey(subjectID string, jobType models.JobType) (models.JobKey, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return models.JobKey{}, errors.New("subject id is required")
	}
	t, err := models.ParseJobType(string(jobType))
	if err != nil {
		return models.JobKey{}, err
	}
	return models.JobKey{SubjectID: subjectID, Type: t}, nil
}

// isApplicationError reports whether the server rejected the request.
// Such errors are terminal for the run. Temporary statuses are not.
func isApplicationError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && !apiErr.Temporary()
}

// retryAfter returns the server's requested wait, if err carries one.
func retryAfter(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// classify marks transport failures and temporary server responses as
// recoverable.
func classify(err error) error {
	if isApplicationError(err) ||
		errors.Is(err, transport.ErrAborted) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrRecoverable, err)
}
