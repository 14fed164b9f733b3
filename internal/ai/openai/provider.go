// Package openai talks to any OpenAI-compatible chat completions endpoint:
// OpenAI itself, vLLM and Ollama.
package openai

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

// Provider implements models.AIProvider over /chat/completions.
type Provider struct {
	name     string
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewProvider targets the OpenAI API. BaseURL already carries the /v1 prefix.
func NewProvider(cfg config.OpenAIConfig) *Provider {
	return newProvider("openai", strings.TrimRight(cfg.BaseURL, "/")+"/chat/completions", cfg.APIKey, cfg.Model)
}

// NewVLLM targets a vLLM server's OpenAI-compatible API.
func NewVLLM(cfg config.VLLMConfig) *Provider {
	return newProvider("vllm", strings.TrimRight(cfg.BaseURL, "/")+"/v1/chat/completions", "", cfg.Model)
}

// NewOllama targets Ollama's OpenAI-compatible API.
func NewOllama(cfg config.OllamaConfig) *Provider {
	return newProvider("ollama", strings.TrimRight(cfg.BaseURL, "/")+"/v1/chat/completions", "", cfg.Model)
}

func newProvider(name, endpoint, apiKey, model string) *Provider {
	return &Provider{
		name:     name,
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{},
	}
}

func (p *Provider) Name() string { return p.name }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (p *Provider) Analyze(ctx context.Context, req models.AnalysisRequest, report models.ProgressFunc) (json.RawMessage, error) {
	if err := report(10, "Preparing analysis"); err != nil {
		return nil, err
	}
	prompt, err := ai.RenderPrompt(req)
	if err != nil {
		return nil, err
	}

	if err := report(25, "Waiting for "+p.name); err != nil {
		return nil, err
	}

	headers := map[string]string{}
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}

	var resp chatResponse
	err = ai.PostJSON(ctx, p.client, p.endpoint, headers, chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: ai.SystemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: 0.2,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices returned", ai.ErrInvalidResponse)
	}

	if err := report(90, "Formatting results"); err != nil {
		return nil, err
	}
	return ai.DecodeModelOutput(resp.Choices[0].Message.Content)
}

var _ models.AIProvider = (*Provider)(nil)
