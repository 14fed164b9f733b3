package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/kiranshivaraju/listingintel/pkg/models"
)

const (
	maxParameterBytes = 4000
	maxSummaryBytes   = 8000
	maxResultBytes    = 256 << 10
)

// Service wraps a provider with the inference timeout and result validation.
// The lifecycle manager calls Run from its worker goroutines.
type Service struct {
	provider models.AIProvider
	timeout  time.Duration
}

// NewService creates a new Service.
func NewService(provider models.AIProvider, timeout time.Duration) *Service {
	return &Service{provider: provider, timeout: timeout}
}

// ProviderName reports the configured provider.
func (s *Service) ProviderName() string {
	return s.provider.Name()
}

// Run performs one analysis. When ctx itself is canceled the context error is
// returned unchanged; when only the inference deadline passes the error
// wraps ErrInferenceTimeout.
func (s *Service) Run(ctx context.Context, req models.AnalysisRequest, report models.ProgressFunc) (json.RawMessage, error) {
	if report == nil {
		report = func(int, string) error { return nil }
	}

	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	result, err := s.provider.Analyze(runCtx, req, report)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrInferenceTimeout) {
			return nil, fmt.Errorf("%w after %s", ErrInferenceTimeout, s.timeout)
		}
		return nil, err
	}

	if len(result) == 0 || !json.Valid(result) {
		return nil, fmt.Errorf("%w: result is not valid JSON", ErrInvalidResponse)
	}
	if len(result) > maxResultBytes {
		return nil, fmt.Errorf("%w: result exceeds %d bytes", ErrInvalidResponse, maxResultBytes)
	}
	return result, nil
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
