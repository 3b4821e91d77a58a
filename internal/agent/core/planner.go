package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/mohammad-safakhou/quizzer/config"
)

// PlannerAdapter queries the LLM oracle for the next action. The oracle is
// opaque: unreachable endpoints and undecodable decisions both surface as
// ErrPlannerDecision, and the retry schedule on those is the control loop's
// policy, not this adapter's.
type PlannerAdapter struct {
	cfg      config.PlannerConfig
	provider LLMProvider
	logger   *log.Logger
}

// NewPlannerAdapter creates a planner adapter over the given provider.
func NewPlannerAdapter(cfg config.PlannerConfig, provider LLMProvider) *PlannerAdapter {
	return &PlannerAdapter{
		cfg:      cfg,
		provider: provider,
		logger:   log.New(log.Writer(), "[PLANNER] ", log.LstdFlags),
	}
}

// Decide performs one oracle query for the snapshot. It never mutates
// session state.
func (p *PlannerAdapter) Decide(ctx context.Context, snap Snapshot) (Action, error) {
	start := time.Now()
	prompt := buildDecisionPrompt(snap, p.cfg.Contentwindow)

	callCtx := ctx
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	raw, err := p.provider.Generate(callCtx, prompt, p.cfg.Model, map[string]interface{}{
		"temperature": p.cfg.Temperature,
		"max_tokens":  p.cfg.MaxTokens,
	})
	if err != nil {
		return Action{}, fmt.Errorf("%w: %v", ErrPlannerDecision, err)
	}

	action, err := parseAction(raw)
	if err != nil {
		p.logger.Printf("session=%s undecodable decision: %v", snap.SessionID, err)
		return Action{}, fmt.Errorf("%w: %v", ErrPlannerDecision, err)
	}

	p.logger.Printf("session=%s turn=%d action=%s elapsed=%s",
		snap.SessionID, snap.TurnsUsed, action.Type, time.Since(start).Round(time.Millisecond))
	return action, nil
}

// parseAction decodes and validates the oracle's JSON decision. Oracles wrap
// JSON in prose often enough that the first balanced object is extracted
// before decoding.
func parseAction(raw string) (Action, error) {
	var decoded struct {
		Action   string                 `json:"action"`
		Tool     string                 `json:"tool"`
		Args     map[string]interface{} `json:"args"`
		Answer   interface{}            `json:"answer"`
		Packages []string               `json:"packages"`
		Reason   string                 `json:"reason"`
	}
	if err := json.Unmarshal([]byte(extractFirstJSON(raw)), &decoded); err != nil {
		return Action{}, fmt.Errorf("decoding decision: %w", err)
	}

	action := Action{
		Type:     ActionType(decoded.Action),
		Tool:     decoded.Tool,
		Args:     decoded.Args,
		Answer:   decoded.Answer,
		Packages: decoded.Packages,
		Reason:   decoded.Reason,
	}
	switch action.Type {
	case ActionInvokeTool:
		if action.Tool == "" {
			return Action{}, fmt.Errorf("invoke_tool decision without a tool")
		}
	case ActionSubmitAnswer:
		if action.Answer == nil {
			return Action{}, fmt.Errorf("submit_answer decision without an answer")
		}
	case ActionRequestDependency:
		if len(action.Packages) == 0 {
			return Action{}, fmt.Errorf("request_dependency decision without packages")
		}
	case ActionStop:
	default:
		return Action{}, fmt.Errorf("unknown action %q", decoded.Action)
	}
	return action, nil
}

// extractFirstJSON returns the first balanced {...} object in s, or s itself
// when none is found.
func extractFirstJSON(s string) string {
	start := -1
	depth := 0
	for i, ch := range s {
		if ch == '{' {
			if depth == 0 {
				start = i
			}
			depth++
		} else if ch == '}' {
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				return s[start : i+1]
			}
		}
	}
	return s
}
