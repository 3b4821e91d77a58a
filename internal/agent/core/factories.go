package core

import (
	"fmt"

	"github.com/mohammad-safakhou/quizzer/config"
	openai_provider "github.com/mohammad-safakhou/quizzer/provider/openai"
)

// NewLLMProvider creates the decision oracle backend based on configuration.
func NewLLMProvider(cfg config.PlannerConfig) (LLMProvider, error) {
	switch cfg.Provider {
	case "openai":
		return openai_provider.NewClient(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Temperature, cfg.MaxTokens, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unsupported planner provider type: %s", cfg.Provider)
	}
}

// NewPlanner builds the planner adapter over the configured provider.
func NewPlanner(cfg config.PlannerConfig) (Planner, error) {
	provider, err := NewLLMProvider(cfg)
	if err != nil {
		return nil, err
	}
	return NewPlannerAdapter(cfg, provider), nil
}
