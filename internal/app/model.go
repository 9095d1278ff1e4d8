package app

import (
	"fmt"

	"intelrelay/internal/ai"
	"intelrelay/internal/ai/anthropic"
	"intelrelay/internal/ai/openai"
	"intelrelay/internal/config"
)

// NewModel builds the configured LLM provider.
func NewModel(cfg *config.Config) (ai.Transformer, error) {
	ac, err := cfg.AISettings()
	if err != nil {
		return nil, err
	}
	switch ac.Provider {
	case "", "anthropic":
		p, err := anthropic.New(ac)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "openai":
		p, err := openai.New(ac)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("ai.provider: unknown provider %q", ac.Provider)
	}
}
