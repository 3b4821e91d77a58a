package core

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Session is one quiz-solving chain. The owning loop goroutine is the only
// writer; mutation goes through the guarded methods below so concurrent
// status reads stay consistent. Once the status is terminal the record is
// read-only: every mutator refuses further changes.
type Session struct {
	id        string
	identity  Identity
	workspace string
	createdAt time.Time

	mu                 sync.RWMutex
	currentTarget      string
	turnHistory        []Turn
	artifacts          map[string]Artifact
	status             Status
	errMsg             string
	retryState         map[string]RetryCounter
	answerAttempts     int
	targetStartedAt    time.Time
	lastRejectedAnswer string
	nextHint           string
	pageContent        string
	finishedAt         time.Time
}

// NewSession creates a running session for the given identity and first target.
func NewSession(id string, identity Identity, target string, workspace string) *Session {
	now := time.Now()
	return &Session{
		id:              id,
		identity:        identity,
		workspace:       workspace,
		createdAt:       now,
		currentTarget:   target,
		artifacts:       make(map[string]Artifact),
		status:          StatusRunning,
		retryState:      make(map[string]RetryCounter),
		targetStartedAt: now,
	}
}

func (s *Session) ID() string         { return s.id }
func (s *Session) Identity() Identity { return s.identity }
func (s *Session) Workspace() string  { return s.workspace }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Err returns the terminal error message, if any.
func (s *Session) Err() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errMsg
}

// FinishedAt returns when the session reached a terminal status.
func (s *Session) FinishedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finishedAt
}

// CurrentTarget returns the URL currently being worked on.
func (s *Session) CurrentTarget() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentTarget
}

// SetStatus transitions the session status. Transitions are monotonic: once
// terminal, further transitions are refused and false is returned.
func (s *Session) SetStatus(st Status, errMsg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return false
	}
	s.status = st
	if errMsg != "" {
		s.errMsg = errMsg
	}
	if st.Terminal() {
		s.finishedAt = time.Now()
	}
	return true
}

// AppendTurn records a completed turn with the next dense index. History is
// append-only; past turns are never rewritten.
func (s *Session) AppendTurn(action Action, result TurnResult) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return Turn{}, ErrSessionTerminal
	}
	t := Turn{
		Index:     len(s.turnHistory),
		Action:    action,
		Result:    result,
		Timestamp: time.Now(),
	}
	s.turnHistory = append(s.turnHistory, t)
	return t, nil
}

// Turns returns the number of recorded turns.
func (s *Session) Turns() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turnHistory)
}

// TurnHistory returns a copy of the full turn history.
func (s *Session) TurnHistory() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.turnHistory))
	copy(out, s.turnHistory)
	return out
}

// AdvanceTarget moves the session to the next target and resets the
// per-target counters (answer attempts, submission retries, page content).
func (s *Session) AdvanceTarget(next string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return false
	}
	s.currentTarget = next
	s.answerAttempts = 0
	s.lastRejectedAnswer = ""
	s.nextHint = ""
	s.pageContent = ""
	s.targetStartedAt = time.Now()
	delete(s.retryState, "submission")
	return true
}

// NoteRejected records a rejected answer for the current target and returns
// the rejection count so far.
func (s *Session) NoteRejected(answer string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answerAttempts++
	s.lastRejectedAnswer = answer
	return s.answerAttempts
}

// AnswerAttempts returns the rejected-answer count for the current target.
func (s *Session) AnswerAttempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.answerAttempts
}

// LastRejectedAnswer returns the most recent rejected payload for the
// current target, used to suppress identical resubmissions.
func (s *Session) LastRejectedAnswer() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRejectedAnswer
}

// SetNextHint remembers a next-target URL the server volunteered while the
// current target is still unsolved. Cleared on target advance.
func (s *Session) SetNextHint(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHint = u
}

// NextHint returns the last next-target hint for the current target.
func (s *Session) NextHint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextHint
}

// TargetElapsed returns how long the current target has been worked on.
func (s *Session) TargetElapsed() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.targetStartedAt)
}

// BumpRetry increments the consecutive-failure counter for an operation kind
// and records the earliest next attempt time.
func (s *Session) BumpRetry(kind string, next time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc := s.retryState[kind]
	rc.Consecutive++
	rc.NextAttempt = next
	s.retryState[kind] = rc
	return rc.Consecutive
}

// ResetRetry clears the counter for an operation kind. Called only after a
// successful non-retried outcome.
func (s *Session) ResetRetry(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.retryState, kind)
}

// Retry returns the counter for an operation kind.
func (s *Session) Retry(kind string) RetryCounter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retryState[kind]
}

// AddArtifact records an artifact reference, deduplicating names.
func (s *Session) AddArtifact(a Artifact) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := a.Name
	for i := 2; ; i++ {
		if _, exists := s.artifacts[name]; !exists {
			break
		}
		name = fmt.Sprintf("%s-%d", a.Name, i)
	}
	a.Name = name
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	s.artifacts[name] = a
	return name
}

// Artifacts returns the recorded artifacts ordered by turn then name.
func (s *Session) Artifacts() []Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Artifact, 0, len(s.artifacts))
	for _, a := range s.artifacts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TurnIndex != out[j].TurnIndex {
			return out[i].TurnIndex < out[j].TurnIndex
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Artifact looks up one artifact by name.
func (s *Session) Artifact(name string) (Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[name]
	return a, ok
}

// SetPageContent stores the latest rendered content for the current target.
func (s *Session) SetPageContent(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageContent = content
}

// Snapshot builds the read-only planner view: current target, latest page
// content, the most recent window of turns and the artifact list.
func (s *Session) Snapshot(window int, turnsBudget int, deadline time.Time) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recent := s.turnHistory
	if window > 0 && len(recent) > window {
		recent = recent[len(recent)-window:]
	}
	turns := make([]Turn, len(recent))
	copy(turns, recent)

	arts := make([]Artifact, 0, len(s.artifacts))
	for _, a := range s.artifacts {
		arts = append(arts, a)
	}
	sort.Slice(arts, func(i, j int) bool { return arts[i].TurnIndex < arts[j].TurnIndex })

	var remaining time.Duration
	if !deadline.IsZero() {
		remaining = time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
	}

	return Snapshot{
		SessionID:      s.id,
		CurrentTarget:  s.currentTarget,
		PageContent:    s.pageContent,
		RecentTurns:    turns,
		Artifacts:      arts,
		TurnsUsed:      len(s.turnHistory),
		TurnsBudget:    turnsBudget,
		TimeRemaining:  remaining,
		AnswerAttempts: s.answerAttempts,
	}
}

// Summary builds the status view served to callers.
func (s *Session) Summary() SessionSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionSummary{
		ID:            s.id,
		Email:         s.identity.Email,
		Status:        s.status,
		CurrentTarget: s.currentTarget,
		Turns:         len(s.turnHistory),
		Artifacts:     len(s.artifacts),
		Error:         s.errMsg,
		CreatedAt:     s.createdAt,
		FinishedAt:    s.finishedAt,
	}
}
