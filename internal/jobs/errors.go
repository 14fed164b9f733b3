package jobs

import "errors"

var (
	ErrInvalidParams      = errors.New("invalid job parameters")
	ErrProgressRegression = errors.New("progress must not decrease")
	ErrNotRunning         = errors.New("job is not running")
	ErrInvalidTransition  = errors.New("invalid job status transition")
	// ErrStopped rejects new work once Stop has begun.
	ErrStopped = errors.New("job manager is stopped")

	// errCancelRequested is returned from a worker's progress callback once the
	// cancel flag has been observed.
	errCancelRequested = errors.New("cancel requested")

	// errStaleRun rejects writes from a worker whose record was replaced.
	errStaleRun = errors.New("job record belongs to a newer run")
)
