// Package providers selects the configured AI backend.
package providers

import (
	"fmt"

	"github.com/kiranshivaraju/listingintel/internal/ai"
	"github.com/kiranshivaraju/listingintel/internal/ai/anthropic"
	"github.com/kiranshivaraju/listingintel/internal/ai/mock"
	"github.com/kiranshivaraju/listingintel/internal/ai/openai"
	"github.com/kiranshivaraju/listingintel/internal/config"
	"github.com/kiranshivaraju/listingintel/pkg/models"
)

// NewProvider constructs the appropriate AI provider based on config.
// Called once at server startup.
func NewProvider(cfg config.AIConfig) (models.AIProvider, error) {
	switch cfg.Provider {
	case "ollama":
		return openai.NewOllama(cfg.Ollama), nil
	case "vllm":
		return openai.NewVLLM(cfg.VLLM), nil
	case "openai":
		return openai.NewProvider(cfg.OpenAI), nil
	case "anthropic":
		return anthropic.NewProvider(cfg.Anthropic), nil
	case "mock":
		return mock.NewProvider(cfg.Mock), nil
	default:
		return nil, fmt.Errorf("%w %q: must be one of ollama, vllm, openai, anthropic, mock", ai.ErrUnknownProvider, cfg.Provider)
	}
}
