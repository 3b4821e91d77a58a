package core

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	agentMetricsOnce sync.Once
	sessionsStarted  otelmetric.Int64Counter
	sessionsFinished otelmetric.Int64Counter
	agentTurns       otelmetric.Int64Counter
	toolInvocations  otelmetric.Int64Counter
	toolDuration     otelmetric.Float64Histogram
	submissions      otelmetric.Int64Counter
	plannerRetries   otelmetric.Int64Counter
	backoffSleep     otelmetric.Float64Histogram
)

func initAgentMetrics() {
	meter := otel.Meter("quizzer/agent/core")
	var err error
	sessionsStarted, err = meter.Int64Counter(
		"quizzer_sessions_started_total",
		otelmetric.WithDescription("Solve sessions accepted and started"),
	)
	if err != nil {
		log.Printf("agent metrics init: quizzer_sessions_started_total: %v", err)
	}
	sessionsFinished, err = meter.Int64Counter(
		"quizzer_sessions_finished_total",
		otelmetric.WithDescription("Sessions reaching a terminal status"),
	)
	if err != nil {
		log.Printf("agent metrics init: quizzer_sessions_finished_total: %v", err)
	}
	agentTurns, err = meter.Int64Counter(
		"quizzer_turns_total",
		otelmetric.WithDescription("Completed agent turns"),
	)
	if err != nil {
		log.Printf("agent metrics init: quizzer_turns_total: %v", err)
	}
	toolInvocations, err = meter.Int64Counter(
		"quizzer_tool_invocations_total",
		otelmetric.WithDescription("Gateway tool invocations"),
	)
	if err != nil {
		log.Printf("agent metrics init: quizzer_tool_invocations_total: %v", err)
	}
	toolDuration, err = meter.Float64Histogram(
		"quizzer_tool_duration_seconds",
		otelmetric.WithDescription("Gateway tool invocation duration"),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		log.Printf("agent metrics init: quizzer_tool_duration_seconds: %v", err)
	}
	submissions, err = meter.Int64Counter(
		"quizzer_submissions_total",
		otelmetric.WithDescription("Answer submissions by classified outcome"),
	)
	if err != nil {
		log.Printf("agent metrics init: quizzer_submissions_total: %v", err)
	}
	plannerRetries, err = meter.Int64Counter(
		"quizzer_planner_retries_total",
		otelmetric.WithDescription("Planner re-queries after a planner error"),
	)
	if err != nil {
		log.Printf("agent metrics init: quizzer_planner_retries_total: %v", err)
	}
	backoffSleep, err = meter.Float64Histogram(
		"quizzer_backoff_sleep_seconds",
		otelmetric.WithDescription("Time spent sleeping between submission retries"),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		log.Printf("agent metrics init: quizzer_backoff_sleep_seconds: %v", err)
	}
}

func recordSessionStarted(ctx context.Context) {
	agentMetricsOnce.Do(initAgentMetrics)
	if sessionsStarted == nil {
		return
	}
	sessionsStarted.Add(contextOrBackground(ctx), 1)
}

func recordSessionFinished(ctx context.Context, status Status) {
	agentMetricsOnce.Do(initAgentMetrics)
	if sessionsFinished == nil {
		return
	}
	sessionsFinished.Add(contextOrBackground(ctx), 1,
		otelmetric.WithAttributes(attribute.String("status", string(status))))
}

func recordTurn(ctx context.Context, action ActionType) {
	agentMetricsOnce.Do(initAgentMetrics)
	if agentTurns == nil {
		return
	}
	agentTurns.Add(contextOrBackground(ctx), 1,
		otelmetric.WithAttributes(attribute.String("action", string(action))))
}

func recordToolInvocation(ctx context.Context, tool string, ok bool, seconds float64) {
	agentMetricsOnce.Do(initAgentMetrics)
	attrs := otelmetric.WithAttributes(
		attribute.String("tool", tool),
		attribute.Bool("ok", ok),
	)
	if toolInvocations != nil {
		toolInvocations.Add(contextOrBackground(ctx), 1, attrs)
	}
	if toolDuration != nil {
		toolDuration.Record(contextOrBackground(ctx), seconds, attrs)
	}
}

func recordSubmission(ctx context.Context, kind OutcomeKind) {
	agentMetricsOnce.Do(initAgentMetrics)
	if submissions == nil {
		return
	}
	submissions.Add(contextOrBackground(ctx), 1,
		otelmetric.WithAttributes(attribute.String("outcome", string(kind))))
}

func recordPlannerRetry(ctx context.Context) {
	agentMetricsOnce.Do(initAgentMetrics)
	if plannerRetries == nil {
		return
	}
	plannerRetries.Add(contextOrBackground(ctx), 1)
}

func recordBackoffSleep(ctx context.Context, seconds float64) {
	agentMetricsOnce.Do(initAgentMetrics)
	if backoffSleep == nil {
		return
	}
	backoffSleep.Record(contextOrBackground(ctx), seconds)
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
