package core

import (
	"context"
	"time"
)

// Status is the lifecycle state of a session. Terminal statuses are final:
// a session never transitions out of succeeded, failed or aborted.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusAborted:
		return true
	default:
		return false
	}
}

// Identity carries the caller credentials used for every submission in a
// session. Immutable for the session lifetime.
type Identity struct {
	Email  string `json:"email"`
	Secret string `json:"-"`
}

// ActionType tags the planner's chosen action variant.
type ActionType string

const (
	ActionInvokeTool        ActionType = "invoke_tool"
	ActionSubmitAnswer      ActionType = "submit_answer"
	ActionRequestDependency ActionType = "request_dependency"
	ActionStop              ActionType = "stop"
)

// Action is the planner's decision for one turn. Answer is any JSON value;
// quiz answers range from a bare string to nested structures carrying
// artifact references.
type Action struct {
	Type     ActionType             `json:"type"`
	Tool     string                 `json:"tool,omitempty"`     // invoke_tool
	Args     map[string]interface{} `json:"args,omitempty"`     // invoke_tool
	Answer   interface{}            `json:"answer,omitempty"`   // submit_answer
	Packages []string               `json:"packages,omitempty"` // request_dependency
	Reason   string                 `json:"reason,omitempty"`   // stop
}

// ToolErrorKind categorizes tool failures surfaced by the gateway.
type ToolErrorKind string

const (
	ToolErrInvalidArguments ToolErrorKind = "invalid_arguments"
	ToolErrUnavailable      ToolErrorKind = "unavailable"
	ToolErrTimeout          ToolErrorKind = "timeout"
	ToolErrExecution        ToolErrorKind = "execution_error"
	ToolErrIO               ToolErrorKind = "io_error"
)

// ToolResult is the normalized outcome of a single gateway invocation.
// Payload shape is tool-specific; Artifacts lists files the call produced so
// the caller can record them against the session.
type ToolResult struct {
	OK          bool                   `json:"ok"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	ErrorKind   ToolErrorKind          `json:"error_kind,omitempty"`
	ErrorDetail string                 `json:"error_detail,omitempty"`
	Artifacts   []Artifact             `json:"artifacts,omitempty"`
	Elapsed     time.Duration          `json:"elapsed"`
}

// Artifact references a file produced or downloaded during a session.
type Artifact struct {
	Name         string    `json:"name"`
	LocalPath    string    `json:"local_path"`
	OriginalName string    `json:"original_name,omitempty"`
	SourceTool   string    `json:"source_tool"`
	TurnIndex    int       `json:"turn_index"`
	Size         int64     `json:"size"`
	CreatedAt    time.Time `json:"created_at"`
}

// OutcomeKind classifies a submission response.
type OutcomeKind string

const (
	OutcomeAccepted       OutcomeKind = "accepted"
	OutcomeRejected       OutcomeKind = "rejected"
	OutcomeRateLimited    OutcomeKind = "rate_limited"
	OutcomeTransientError OutcomeKind = "transient_error"
	OutcomeFatalError     OutcomeKind = "fatal_error"
)

// SubmissionOutcome is the classified result of posting an answer.
// NextTarget is set on accepted when the chain continues; some quiz servers
// also include it on rejections, which the loop uses when cutting losses on
// a target.
type SubmissionOutcome struct {
	Kind       OutcomeKind   `json:"kind"`
	NextTarget string        `json:"next_target,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Attempts   int           `json:"attempts"`
	StatusCode int           `json:"status_code,omitempty"`
}

// TurnResult captures the outcome of executing one turn's action.
type TurnResult struct {
	OK         bool               `json:"ok"`
	Summary    string             `json:"summary,omitempty"`
	Tool       *ToolResult        `json:"tool,omitempty"`
	Submission *SubmissionOutcome `json:"submission,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// Turn is one planner-decision/execution cycle. Turns are append-only and
// totally ordered by Index within a session.
type Turn struct {
	Index     int        `json:"index"`
	Action    Action     `json:"action"`
	Result    TurnResult `json:"result"`
	Timestamp time.Time  `json:"timestamp"`
}

// RetryCounter records consecutive failures and the earliest next attempt
// for one operation kind.
type RetryCounter struct {
	Consecutive int       `json:"consecutive"`
	NextAttempt time.Time `json:"next_attempt,omitempty"`
}

// Snapshot is the read-only view of session state handed to the planner.
// Tools lists the gateway's registered tool names; empty means the default
// tool set.
type Snapshot struct {
	SessionID      string        `json:"session_id"`
	CurrentTarget  string        `json:"current_target"`
	PageContent    string        `json:"page_content,omitempty"`
	RecentTurns    []Turn        `json:"recent_turns,omitempty"`
	Artifacts      []Artifact    `json:"artifacts,omitempty"`
	Tools          []string      `json:"tools,omitempty"`
	TurnsUsed      int           `json:"turns_used"`
	TurnsBudget    int           `json:"turns_budget"`
	TimeRemaining  time.Duration `json:"time_remaining"`
	AnswerAttempts int           `json:"answer_attempts"`
}

// SessionSummary is the read-only status view served to callers.
type SessionSummary struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Status        Status    `json:"status"`
	CurrentTarget string    `json:"current_target,omitempty"`
	Turns         int       `json:"turns"`
	Artifacts     int       `json:"artifacts"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	FinishedAt    time.Time `json:"finished_at,omitempty"`
}

// Planner decides the next action for a session. It is an opaque oracle:
// implementations must not mutate session state, and any failure to produce
// a well-formed Action is a planner error handled by the loop's retry policy.
type Planner interface {
	Decide(ctx context.Context, snap Snapshot) (Action, error)
}

// LLMProvider is the text-generation backend consulted by the planner.
type LLMProvider interface {
	Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error)
}

// Invocation carries one tool call with its session-scoped workspace.
type Invocation struct {
	SessionID string
	Workspace string
	Args      map[string]interface{}
}

// Tool is a single gateway-registered capability.
type Tool interface {
	// Name returns the stable tool name used by planner actions.
	Name() string

	// Validate checks required arguments before the call is attempted.
	Validate(args map[string]interface{}) error

	// Run performs one attempt. Failures are returned as errors; the
	// gateway normalizes them into ToolResult error kinds.
	Run(ctx context.Context, inv Invocation) (ToolResult, error)
}

// Submitter posts an answer for a session and classifies the response.
type Submitter interface {
	Submit(ctx context.Context, sess *Session, answer interface{}) (SubmissionOutcome, error)
}

// Archive persists a terminal session transcript.
type Archive interface {
	ArchiveSession(ctx context.Context, sess *Session) error
}

// TranscriptIndex makes archived transcripts searchable.
type TranscriptIndex interface {
	IndexSession(sess *Session) error
}

// EventType tags session lifecycle events.
type EventType string

const (
	EventSessionStarted  EventType = "session_started"
	EventTurnCompleted   EventType = "turn_completed"
	EventTargetAdvanced  EventType = "target_advanced"
	EventSessionFinished EventType = "session_finished"
)

// Event is one observable step in a session's life.
type Event struct {
	SessionID string    `json:"session_id"`
	Type      EventType `json:"type"`
	Status    Status    `json:"status,omitempty"`
	Turn      *Turn     `json:"turn,omitempty"`
	Target    string    `json:"target,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// EventSink receives session events. Publishing must never block a session
// for long; sinks drop rather than stall.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}
