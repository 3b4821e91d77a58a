package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/quizzer/config"
)

var loopTracer trace.Tracer = otel.Tracer("quizzer/internal/agent/loop")

// Loop drives one session through planning/executing/evaluating turns until
// it reaches a terminal status. Turns are strictly sequential; the loop
// goroutine is the session's single writer.
type Loop struct {
	cfg       *config.Config
	planner   Planner
	gateway   *Gateway
	submitter Submitter
	events    EventSink
	logger    *log.Logger
}

// NewLoop wires the per-turn collaborators together.
func NewLoop(cfg *config.Config, planner Planner, gateway *Gateway, submitter Submitter, events EventSink) *Loop {
	return &Loop{
		cfg:       cfg,
		planner:   planner,
		gateway:   gateway,
		submitter: submitter,
		events:    events,
		logger:    log.New(log.Writer(), "[LOOP] ", log.LstdFlags),
	}
}

// Run drives sess to a terminal status and returns it. Failure detail is
// recorded on the session itself; Run never returns an error because every
// failure mode maps to a terminal status.
func (l *Loop) Run(ctx context.Context, sess *Session) Status {
	deadline := time.Now().Add(l.cfg.Agent.SessionBudget)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ctx, span := loopTracer.Start(ctx, "agent.session",
		trace.WithAttributes(
			attribute.String("session.id", sess.ID()),
			attribute.String("session.target", sess.CurrentTarget()),
		))
	defer span.End()

	recordSessionStarted(ctx)
	l.logger.Printf("session=%s starting target=%s", sess.ID(), sess.CurrentTarget())
	l.publish(Event{SessionID: sess.ID(), Type: EventSessionStarted, Status: StatusRunning, Target: sess.CurrentTarget(), At: time.Now()})

	for {
		if err := ctx.Err(); err != nil {
			st, reason := cancelStatus(err)
			return l.finish(ctx, span, sess, st, reason)
		}
		if sess.Turns() >= l.cfg.Agent.MaxTurns {
			return l.finish(ctx, span, sess, StatusFailed, fmt.Sprintf("turn budget of %d exhausted", l.cfg.Agent.MaxTurns))
		}
		if l.cfg.Agent.TargetTimeBudget > 0 && sess.TargetElapsed() > l.cfg.Agent.TargetTimeBudget {
			st, reason, terminal := l.moveOn(sess, "target time budget exhausted")
			if terminal {
				return l.finish(ctx, span, sess, st, reason)
			}
			continue
		}

		action, err := l.plan(ctx, sess, deadline)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				st, reason := cancelStatus(ctxErr)
				return l.finish(ctx, span, sess, st, reason)
			}
			return l.finish(ctx, span, sess, StatusFailed, fmt.Sprintf("planner exhausted: %v", err))
		}

		switch action.Type {
		case ActionInvokeTool:
			l.executeTool(ctx, sess, action, action.Tool, action.Args)
		case ActionRequestDependency:
			install := Action{Type: action.Type, Packages: action.Packages}
			l.executeTool(ctx, sess, install, "install", map[string]interface{}{"packages": action.Packages})
		case ActionSubmitAnswer:
			st, reason, terminal := l.submit(ctx, sess, action)
			if terminal {
				return l.finish(ctx, span, sess, st, reason)
			}
		case ActionStop:
			l.recordTurn(ctx, sess, action, TurnResult{OK: true, Summary: "stopped: " + action.Reason})
			return l.finish(ctx, span, sess, StatusAborted, action.Reason)
		}
	}
}

// plan queries the planner: one immediate re-query on error, then bounded
// backoff retries, then give up.
func (l *Loop) plan(ctx context.Context, sess *Session, deadline time.Time) (Action, error) {
	planCtx, planSpan := loopTracer.Start(ctx, "agent.plan")
	defer planSpan.End()

	snap := sess.Snapshot(l.cfg.Agent.HistoryWindow, l.cfg.Agent.MaxTurns, deadline)
	snap.Tools = l.gateway.ToolNames()

	action, err := l.planner.Decide(planCtx, snap)
	if err == nil {
		planSpan.SetStatus(codes.Ok, "decided")
		return action, nil
	}

	recordPlannerRetry(planCtx)
	l.logger.Printf("session=%s planner error, re-querying: %v", sess.ID(), err)
	action, err = l.planner.Decide(planCtx, snap)
	if err == nil {
		planSpan.SetStatus(codes.Ok, "decided")
		return action, nil
	}

	backoff := Backoff{Base: l.cfg.Planner.Backoff, Multiplier: 2}
	for i := 0; i < l.cfg.Planner.MaxRetries; i++ {
		if serr := SleepFor(planCtx, backoff.Delay(i)); serr != nil {
			return Action{}, serr
		}
		recordPlannerRetry(planCtx)
		l.logger.Printf("session=%s planner retry %d/%d", sess.ID(), i+1, l.cfg.Planner.MaxRetries)
		action, err = l.planner.Decide(planCtx, snap)
		if err == nil {
			planSpan.SetStatus(codes.Ok, "decided")
			return action, nil
		}
	}

	planSpan.RecordError(err)
	planSpan.SetStatus(codes.Error, err.Error())
	return Action{}, err
}

// executeTool dispatches one tool call through the gateway and records the
// turn. Tool failure never terminates the session; the failed result flows
// into the next planning snapshot.
func (l *Loop) executeTool(ctx context.Context, sess *Session, action Action, tool string, args map[string]interface{}) {
	execCtx, execSpan := loopTracer.Start(ctx, "agent.tool",
		trace.WithAttributes(attribute.String("tool", tool)))
	defer execSpan.End()

	inv := Invocation{SessionID: sess.ID(), Workspace: sess.Workspace(), Args: args}
	res := l.gateway.Invoke(execCtx, tool, inv, l.toolTimeout(tool))

	names := make([]string, 0, len(res.Artifacts))
	for i := range res.Artifacts {
		res.Artifacts[i].TurnIndex = sess.Turns()
		final := sess.AddArtifact(res.Artifacts[i])
		res.Artifacts[i].Name = final
		names = append(names, final)
	}
	if len(names) > 0 && res.Payload != nil {
		res.Payload["artifacts"] = names
		if _, ok := res.Payload["name"]; ok && len(names) == 1 {
			res.Payload["name"] = names[0]
		}
	}

	summary := ""
	if res.OK {
		switch tool {
		case "render":
			text, _ := res.Payload["text"].(string)
			if text == "" {
				text, _ = res.Payload["html"].(string)
			}
			if text != "" {
				sess.SetPageContent(text)
			}
			summary = fmt.Sprintf("rendered %d chars, %d images", len(text), countImages(res.Payload))
		case "download":
			if len(res.Artifacts) == 1 {
				summary = fmt.Sprintf("saved artifact %q (%d bytes)", res.Artifacts[0].Name, res.Artifacts[0].Size)
			}
		}
	} else {
		execSpan.SetStatus(codes.Error, string(res.ErrorKind))
	}

	l.recordTurn(execCtx, sess, action, TurnResult{OK: res.OK, Summary: summary, Tool: &res})
}

// submit hands the answer to the submission manager and interprets the
// outcome. Status and reason are meaningful only when terminal is true.
func (l *Loop) submit(ctx context.Context, sess *Session, action Action) (Status, string, bool) {
	subCtx, subSpan := loopTracer.Start(ctx, "agent.submit")
	defer subSpan.End()

	canonical := canonicalAnswer(action.Answer)

	// A planner re-emitting the identical rejected payload is counted but
	// never resent.
	if canonical != "" && canonical == sess.LastRejectedAnswer() {
		attempts := sess.NoteRejected(canonical)
		outcome := SubmissionOutcome{Kind: OutcomeRejected, Reason: "duplicate of a rejected answer, suppressed"}
		l.recordTurn(subCtx, sess, action, TurnResult{OK: false, Submission: &outcome})
		l.logger.Printf("session=%s duplicate answer suppressed (attempt %d)", sess.ID(), attempts)
		if attempts >= l.cfg.Agent.MaxAnswerAttempts {
			return l.moveOn(sess, "answer attempts exhausted")
		}
		return StatusRunning, "", false
	}

	outcome, err := l.submitter.Submit(subCtx, sess, action.Answer)
	if err != nil {
		l.recordTurn(subCtx, sess, action, TurnResult{OK: false, Submission: &outcome, Error: err.Error()})
		st, reason := cancelStatus(err)
		return st, reason, true
	}

	l.recordTurn(subCtx, sess, action, TurnResult{OK: outcome.Kind == OutcomeAccepted, Submission: &outcome})

	switch outcome.Kind {
	case OutcomeAccepted:
		if outcome.NextTarget != "" {
			sess.AdvanceTarget(outcome.NextTarget)
			l.logger.Printf("session=%s advanced to %s", sess.ID(), outcome.NextTarget)
			l.publish(Event{SessionID: sess.ID(), Type: EventTargetAdvanced, Status: StatusRunning, Target: outcome.NextTarget, At: time.Now()})
			return StatusRunning, "", false
		}
		return StatusSucceeded, "quiz chain complete", true
	case OutcomeRejected:
		if outcome.NextTarget != "" {
			sess.SetNextHint(outcome.NextTarget)
		}
		attempts := sess.NoteRejected(canonical)
		if attempts >= l.cfg.Agent.MaxAnswerAttempts {
			return l.moveOn(sess, "answer attempts exhausted")
		}
		return StatusRunning, "", false
	default:
		subSpan.SetStatus(codes.Error, outcome.Reason)
		return StatusFailed, outcome.Reason, true
	}
}

// moveOn cuts losses on the current target: follow the server's last
// next-target hint when one exists, otherwise the session fails.
func (l *Loop) moveOn(sess *Session, reason string) (Status, string, bool) {
	next := sess.NextHint()
	if next == "" {
		return StatusFailed, reason + " with no next target", true
	}
	sess.AdvanceTarget(next)
	l.logger.Printf("session=%s %s, moving on to %s", sess.ID(), reason, next)
	l.publish(Event{SessionID: sess.ID(), Type: EventTargetAdvanced, Status: StatusRunning, Target: next, Detail: reason, At: time.Now()})
	return StatusRunning, "", false
}

func (l *Loop) recordTurn(ctx context.Context, sess *Session, action Action, result TurnResult) {
	turn, err := sess.AppendTurn(action, result)
	if err != nil {
		l.logger.Printf("session=%s dropping turn after terminal status: %v", sess.ID(), err)
		return
	}
	recordTurn(ctx, action.Type)
	l.publish(Event{SessionID: sess.ID(), Type: EventTurnCompleted, Status: sess.Status(), Turn: &turn, Target: sess.CurrentTarget(), At: time.Now()})
}

func (l *Loop) finish(ctx context.Context, span trace.Span, sess *Session, st Status, reason string) Status {
	errMsg := reason
	if st == StatusSucceeded {
		errMsg = ""
	}
	sess.SetStatus(st, errMsg)
	final := sess.Status()
	recordSessionFinished(ctx, final)
	span.SetAttributes(attribute.String("session.status", string(final)))
	if final == StatusFailed {
		span.SetStatus(codes.Error, reason)
	} else {
		span.SetStatus(codes.Ok, string(final))
	}
	l.logger.Printf("session=%s finished status=%s turns=%d reason=%q", sess.ID(), final, sess.Turns(), reason)
	l.publish(Event{SessionID: sess.ID(), Type: EventSessionFinished, Status: final, Detail: reason, At: time.Now()})
	return final
}

// publish forwards an event to the sink on a fresh short-lived context so a
// slow sink cannot stall the session, and a canceled session can still
// report its terminal event.
func (l *Loop) publish(ev Event) {
	if l.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.events.Publish(ctx, ev); err != nil {
		l.logger.Printf("session=%s event %s dropped: %v", ev.SessionID, ev.Type, err)
	}
}

func (l *Loop) toolTimeout(tool string) time.Duration {
	switch tool {
	case "render":
		return l.cfg.Tools.Render.Timeout
	case "download":
		return l.cfg.Tools.Download.Timeout
	case "execute":
		return l.cfg.Tools.Execute.Timeout
	case "install":
		return l.cfg.Tools.Install.Timeout
	case "lookup":
		return l.cfg.Tools.Lookup.Timeout
	default:
		return time.Minute
	}
}

// canonicalAnswer renders an answer payload to a stable string for
// duplicate comparison.
func canonicalAnswer(answer interface{}) string {
	b, err := json.Marshal(answer)
	if err != nil {
		return ""
	}
	return string(b)
}

func cancelStatus(err error) (Status, string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusFailed, "session wall-clock budget exhausted"
	}
	return StatusAborted, "session canceled"
}

func countImages(payload map[string]interface{}) int {
	switch v := payload["images"].(type) {
	case []string:
		return len(v)
	case []interface{}:
		return len(v)
	default:
		return 0
	}
}
