package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/listingintel/internal/ai"
	"github.com/kiranshivaraju/listingintel/internal/config"
	"github.com/kiranshivaraju/listingintel/pkg/models"
)

const (
	apiVersion = "2023-06-01"
	maxTokens  = 4096
)

// Provider implements models.AIProvider using the Anthropic messages API.
type Provider struct {
	cfg      config.AnthropicConfig
	endpoint string
	client   *http.Client
}

func NewProvider(cfg config.AnthropicConfig) *Provider {
	return &Provider{
		cfg:      cfg,
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/v1/messages",
		client:   &http.Client{},
	}
}

func (p *Provider) Name() string { return "anthropic" }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system"`
	Messages  []message `json:"messages"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (p *Provider) Analyze(ctx context.Context, req models.AnalysisRequest, report models.ProgressFunc) (json.RawMessage, error) {
	if err := report(10, "Preparing analysis"); err != nil {
		return nil, err
	}
	prompt, err := ai.RenderPrompt(req)
	if err != nil {
		return nil, err
	}

	if err := report(25, "Waiting for anthropic"); err != nil {
		return nil, err
	}

	var resp messagesResponse
	err = ai.PostJSON(ctx, p.client, p.endpoint, map[string]string{
		"x-api-key":         p.cfg.APIKey,
		"anthropic-version": apiVersion,
	}, messagesRequest{
		Model:     p.cfg.Model,
		MaxTokens: maxTokens,
		System:    ai.SystemPrompt,
		Messages:  []message{{Role: "user", Content: prompt}},
	}, &resp)
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("%w: no text content returned", ai.ErrInvalidResponse)
	}

	if err := report(90, "Formatting results"); err != nil {
		return nil, err
	}
	return ai.DecodeModelOutput(text.String())
}

var _ models.AIProvider = (*Provider)(nil)
