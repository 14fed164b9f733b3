// Package models contains shared data models used across the listingintel codebase.
package models

import (
	"context"
	"encoding/json"
)

// AIProvider is the long-running completion operation behind every analysis.
// Callers depend on this interface, never on a concrete provider.
type AIProvider interface {
	// Analyze runs one analysis. It reports progress through report, which
	// doubles as a cancellation checkpoint: a non-nil error from report means
	// the run should stop and return that error.
	Analyze(ctx context.Context, req AnalysisRequest, report ProgressFunc) (json.RawMessage, error)
	// Name returns the provider identifier (e.g., "openai", "anthropic").
	Name() string
}

// ProgressFunc receives a progress percentage and a human-readable status line.
type ProgressFunc func(progress int, message string) error

// AnalysisRequest is the input to an AI analysis operation.
type AnalysisRequest struct {
	JobID      string
	Key        JobKey
	OwnerID    string
	Parameters json.RawMessage
}
