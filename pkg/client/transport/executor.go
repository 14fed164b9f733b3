// Package transport executes HTTP requests with per-attempt timeouts,
// retries for transport failures and caller-driven aborts. It knows nothing
// about jobs.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Sentinel errors for executor failures.
var (
	// ErrAborted is returned when the request was aborted through Abort.
	// Aborted requests are never retried.
	ErrAborted = errors.New("request aborted")
	// ErrTransient is returned once the retry budget is exhausted on
	// transport failures. It wraps the last failure.
	ErrTransient = errors.New("transient transport failure")
	// ErrAttemptTimeout marks a single attempt that hit Options.Timeout.
	ErrAttemptTimeout = errors.New("attempt timed out")
)

const maxBodyBytes = 4 << 20

// StatusError is an application-level HTTP failure. It is terminal.
type StatusError struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d", e.StatusCode)
}

// Doer sends a single HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options controls one Execute call. Zero fields use the defaults.
type Options struct {
	// Timeout bounds each attempt. Default 15s.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt. Zero
	// uses the default of 3; a negative value disables retries.
	MaxRetries int
	// RetryDelay is the base delay; attempt n waits RetryDelay*n plus up
	// to RetryDelay/2 of jitter. Default 500ms.
	RetryDelay time.Duration
	// MaxDelay caps a single wait. Default 10s.
	MaxDelay time.Duration
	// ID tracks the request so it can be aborted with Abort.
	ID string
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	switch {
	case o.MaxRetries == 0:
		o.MaxRetries = 3
	case o.MaxRetries < 0:
		o.MaxRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 500 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 10 * time.Second
	}
	if o.MaxDelay < o.RetryDelay {
		o.MaxDelay = o.RetryDelay
	}
	return o
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type tracked struct {
	cancel context.CancelCauseFunc
}

// Executor runs requests through a Doer. It is safe for concurrent use.
type Executor struct {
	client Doer
	jitter func(max time.Duration) time.Duration

	mu       sync.Mutex
	inflight map[string]*tracked
}

// NewExecutor creates an Executor. A nil client uses http.DefaultClient.
func NewExecutor(client Doer) *Executor {
	if client == nil {
		client = http.DefaultClient
	}
	return &Executor{
		client:   client,
		jitter:   randomJitter,
		inflight: make(map[string]*tracked),
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(limit)))
}

// Execute sends req, retrying on aborts the caller did not ask for and on
// network-class failures. Responses with status >= 400 are returned as
// *StatusError without retrying. A request carrying a body must have GetBody
// set (http.NewRequest does this for in-memory readers).
func (e *Executor) Execute(ctx context.Context, req *http.Request, opts Options) (*Response, error) {
	opts = opts.withDefaults()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if opts.ID != "" {
		release := e.track(opts.ID, cancel)
		defer release()
	}

	attempt := 0
	var resp *Response
	op := func() error {
		attempt++
		r, err := e.attempt(ctx, req, opts.Timeout)
		if err == nil {
			resp = r
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(callerError(ctx))
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(newRetryBackOff(opts.RetryDelay, opts.MaxDelay, e.jitter), uint64(opts.MaxRetries)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		slog.Debug("retrying request",
			"method", req.Method, "url", req.URL.Redacted(),
			"attempt", attempt, "wait", wait, "error", err)
	}

	err := backoff.RetryNotify(op, policy, notify)
	switch {
	case err == nil:
		return resp, nil
	case ctx.Err() != nil:
		return nil, callerError(ctx)
	case retryable(err):
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrTransient, attempt, err)
	default:
		return nil, err
	}
}

// Abort cancels the in-flight request tracked under id. It reports whether
// a request was found.
func (e *Executor) Abort(id string) bool {
	e.mu.Lock()
	t, ok := e.inflight[id]
	e.mu.Unlock()
	if ok {
		t.cancel(ErrAborted)
	}
	return ok
}

// inFlight reports whether a request is tracked under id.
func (e *Executor) inFlight(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[id]
	return ok
}

// track registers cancel under id, replacing any earlier request with the
// same id. The returned func removes the registration if it is still ours.
func (e *Executor) track(id string, cancel context.CancelCauseFunc) func() {
	t := &tracked{cancel: cancel}
	e.mu.Lock()
	e.inflight[id] = t
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.inflight[id] == t {
			delete(e.inflight, id)
		}
	}
}

func (e *Executor) attempt(ctx context.Context, req *http.Request, timeout time.Duration) (*Response, error) {
	actx, cancel := context.WithTimeoutCause(ctx, timeout, ErrAttemptTimeout)
	defer cancel()

	r := req.Clone(actx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewinding request body: %w", err)
		}
		r.Body = body
	}

	resp, err := e.client.Do(r)
	if err != nil {
		return nil, classifyError(actx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, classifyError(actx, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &StatusError{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// transportError marks a failure worth retrying.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// classifyError maps a Do or body-read failure onto a retryable transport
// error when it came from the network or the attempt deadline.
func classifyError(actx context.Context, err error) error {
	if errors.Is(context.Cause(actx), ErrAttemptTimeout) {
		return &transportError{err: fmt.Errorf("%w: %v", ErrAttemptTimeout, err)}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Host-initiated aborts surface as context errors without the
		// caller's context being done.
		return &transportError{err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &transportError{err: err}
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return &transportError{err: err}
	}
	return err
}

func retryable(err error) bool {
	var te *transportError
	return errors.As(err, &te)
}

// callerError reports why the caller's context ended.
func callerError(ctx context.Context) error {
	if cause := context.Cause(ctx); errors.Is(cause, ErrAborted) {
		return ErrAborted
	}
	return ctx.Err()
}

// retryBackOff waits RetryDelay*n plus jitter before retry n, capped at max.
// The base grows by a full RetryDelay per step while jitter stays below half
// of it, so waits never decrease.
type retryBackOff struct {
	delay   time.Duration
	max     time.Duration
	jitter  func(time.Duration) time.Duration
	attempt int
}

func newRetryBackOff(delay, max time.Duration, jitter func(time.Duration) time.Duration) *retryBackOff {
	return &retryBackOff{delay: delay, max: max, jitter: jitter}
}

func (b *retryBackOff) NextBackOff() time.Duration {
	b.attempt++
	d := b.delay*time.Duration(b.attempt) + b.jitter(b.delay/2)
	if d > b.max {
		d = b.max
	}
	return d
}

func (b *retryBackOff) Reset() { b.attempt = 0 }

var _ backoff.BackOff = (*retryBackOff)(nil)
