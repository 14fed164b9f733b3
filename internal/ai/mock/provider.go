package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kiranshivaraju/listingintel/internal/ai"
	"github.com/kiranshivaraju/listingintel/internal/config"
	"github.com/kiranshivaraju/listingintel/pkg/models"
)

// MockProvider satisfies models.AIProvider for development and tests. By
// default it walks through Steps progress stages, sleeping StepDelay
// between them, and returns a canned result.
type MockProvider struct {
	Name_       string
	Steps       int
	StepDelay   time.Duration
	AnalyzeFunc func(ctx context.Context, req models.AnalysisRequest, report models.ProgressFunc) (json.RawMessage, error)
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Analyze(ctx context.Context, req models.AnalysisRequest, report models.ProgressFunc) (json.RawMessage, error) {
	if m.AnalyzeFunc != nil {
		return m.AnalyzeFunc(ctx, req, report)
	}
	return m.staged(ctx, req, report)
}

var stageMessages = []string{
	"Gathering listing data",
	"Reviewing financials",
	"Comparing market signals",
	"Drafting findings",
	"Formatting results",
}

func (m *MockProvider) staged(ctx context.Context, req models.AnalysisRequest, report models.ProgressFunc) (json.RawMessage, error) {
	steps := m.Steps
	if steps <= 0 {
		steps = 1
	}
	for i := 1; i <= steps; i++ {
		if m.StepDelay > 0 {
			t := time.NewTimer(m.StepDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}
		msg := stageMessages[(i-1)%len(stageMessages)]
		if err := report(i*90/steps, msg); err != nil {
			return nil, err
		}
	}

	return json.Marshal(map[string]any{
		"summary":    fmt.Sprintf("Mock %s for %s", req.Key.Type, req.Key.SubjectID),
		"score":      72,
		"provider":   "mock",
		"job_id":     req.JobID,
		"parameters": req.Parameters,
	})
}

// NewProvider builds the staged mock from configuration.
func NewProvider(cfg config.MockConfig) *MockProvider {
	return &MockProvider{Name_: "mock", Steps: cfg.Steps, StepDelay: cfg.StepDelay}
}

// NewMockProvider returns an instant MockProvider with a single stage.
func NewMockProvider() *MockProvider {
	return &MockProvider{Name_: "mock", Steps: 1}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		AnalyzeFunc: func(_ context.Context, _ models.AnalysisRequest, _ models.ProgressFunc) (json.RawMessage, error) {
			return nil, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-timeout",
		AnalyzeFunc: func(ctx context.Context, _ models.AnalysisRequest, _ models.ProgressFunc) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ai.ErrInferenceTimeout
		},
	}
}

// Compile-time check that MockProvider implements AIProvider.
var _ models.AIProvider = (*MockProvider)(nil)
