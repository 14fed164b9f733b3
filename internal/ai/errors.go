package ai

import "errors"

// Errors returned by providers and the analysis service. The job runner
// stores their messages as the failed job's error.
var (
	// ErrProviderUnavailable covers network failures, 5xx and rate limiting.
	ErrProviderUnavailable = errors.New("ai provider unavailable")
	// ErrInferenceTimeout means the analysis outlived its inference deadline.
	ErrInferenceTimeout = errors.New("ai inference timeout")
	// ErrInvalidResponse means the provider answered with something that is
	// not a usable analysis result.
	ErrInvalidResponse = errors.New("ai provider returned invalid response")
	// ErrUnknownProvider is returned at startup for an unsupported AI_PROVIDER.
	ErrUnknownProvider = errors.New("unknown AI provider")
)
