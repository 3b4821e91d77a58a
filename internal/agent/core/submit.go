package core

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mohammad-safakhou/quizzer/config"
	"github.com/mohammad-safakhou/quizzer/internal/helpers"
)

// ArtifactKeyPrefix marks an answer string as a reference to a stored
// artifact. The planner never sees raw artifact bytes; it echoes the
// reference and the submit client swaps in the base64 content on the wire.
const ArtifactKeyPrefix = "BASE64_KEY:"

// SubmitClient posts answers to quiz targets and classifies each response
// into a SubmissionOutcome. It owns the transport retry policy: RateLimited
// and TransientError responses are retried with capped exponential backoff
// until max_attempts or max_elapsed runs out, then converted to FatalError.
// Rejected answers are never retried here; that call belongs to the loop.
type SubmitClient struct {
	cfg     config.SubmissionConfig
	http    *HTTPClient
	backoff Backoff
	logger  *log.Logger
}

func NewSubmitClient(cfg config.SubmissionConfig, logger *log.Logger) *SubmitClient {
	if logger == nil {
		logger = log.New(log.Writer(), "[SUBMIT] ", log.LstdFlags)
	}
	return &SubmitClient{
		cfg:  cfg,
		http: NewHTTPClient(cfg.Timeout),
		backoff: Backoff{
			Base:       cfg.BaseBackoff,
			Multiplier: cfg.Multiplier,
			Max:        cfg.MaxBackoff,
			Jitter:     cfg.Jitter,
		},
		logger: logger,
	}
}

// quizReply is the recognized shape of a target's 2xx response body.
// A reply without the correct field is a protocol violation.
type quizReply struct {
	Correct *bool  `json:"correct"`
	URL     string `json:"url"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// Submit sends answer to the session's current target. The returned error is
// non-nil only when the context was canceled mid-flight; every other failure
// mode is expressed through the outcome kind.
func (s *SubmitClient) Submit(ctx context.Context, sess *Session, answer interface{}) (SubmissionOutcome, error) {
	target := sess.CurrentTarget()
	if target == "" {
		return SubmissionOutcome{Kind: OutcomeFatalError, Reason: "session has no current target"}, nil
	}

	resolved, err := resolveValue(sess, answer)
	if err != nil {
		return SubmissionOutcome{Kind: OutcomeFatalError, Reason: err.Error()}, nil
	}

	identity := sess.Identity()
	payload := map[string]interface{}{
		"email":  identity.Email,
		"secret": identity.Secret,
		"answer": resolved,
		"url":    target,
	}

	deadline := time.Now().Add(s.cfg.MaxElapsed)
	sawUnparseable := false

	for attempt := 0; ; attempt++ {
		outcome, unparseable := s.attemptOnce(ctx, target, payload)
		outcome.Attempts = attempt + 1

		if unparseable {
			if sawUnparseable {
				outcome.Kind = OutcomeFatalError
				outcome.Reason = "target replied 2xx with an unreadable body twice"
				s.logger.Printf("target=%s fatal: %s", target, outcome.Reason)
				return outcome, nil
			}
			sawUnparseable = true
		}

		switch outcome.Kind {
		case OutcomeAccepted:
			if attempt == 0 {
				sess.ResetRetry("submission")
			}
			s.logger.Printf("target=%s accepted next=%q attempts=%d", target, outcome.NextTarget, outcome.Attempts)
			recordSubmission(ctx, outcome.Kind)
			return outcome, nil
		case OutcomeRejected:
			s.logger.Printf("target=%s rejected reason=%q attempts=%d", target, outcome.Reason, outcome.Attempts)
			recordSubmission(ctx, outcome.Kind)
			return outcome, nil
		case OutcomeFatalError:
			s.logger.Printf("target=%s fatal status=%d reason=%q", target, outcome.StatusCode, outcome.Reason)
			recordSubmission(ctx, outcome.Kind)
			return outcome, nil
		}

		// RateLimited or TransientError from here on.
		recordSubmission(ctx, outcome.Kind)
		if attempt+1 >= s.cfg.MaxAttempts {
			outcome.Kind = OutcomeFatalError
			outcome.Reason = fmt.Sprintf("submission attempts exhausted after %d tries: %s", outcome.Attempts, outcome.Reason)
			s.logger.Printf("target=%s fatal: %s", target, outcome.Reason)
			return outcome, nil
		}
		if time.Now().After(deadline) {
			outcome.Kind = OutcomeFatalError
			outcome.Reason = fmt.Sprintf("submission window of %s exhausted: %s", s.cfg.MaxElapsed, outcome.Reason)
			s.logger.Printf("target=%s fatal: %s", target, outcome.Reason)
			return outcome, nil
		}

		wait := s.backoff.Delay(attempt)
		if outcome.Kind == OutcomeRateLimited && outcome.RetryAfter > wait {
			wait = outcome.RetryAfter
		}
		sess.BumpRetry("submission", time.Now().Add(wait))
		s.logger.Printf("target=%s %s, retrying in %s (attempt %d/%d)",
			target, outcome.Kind, wait.Round(time.Millisecond), attempt+1, s.cfg.MaxAttempts)
		recordBackoffSleep(ctx, wait.Seconds())
		if err := SleepFor(ctx, wait); err != nil {
			return outcome, err
		}
	}
}

// attemptOnce performs a single wire exchange and classifies it. The bool
// reports a 2xx reply whose body could not be interpreted.
func (s *SubmitClient) attemptOnce(ctx context.Context, target string, payload map[string]interface{}) (SubmissionOutcome, bool) {
	resp, err := s.http.PostJSON(ctx, target, nil, payload)
	if err != nil {
		return SubmissionOutcome{Kind: OutcomeTransientError, Reason: err.Error()}, false
	}

	out := SubmissionOutcome{StatusCode: resp.StatusCode}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var reply quizReply
		if err := json.Unmarshal(resp.Body, &reply); err != nil || reply.Correct == nil {
			out.Kind = OutcomeTransientError
			out.Reason = "unreadable 2xx body"
			return out, true
		}
		reason := reply.Reason
		if reason == "" {
			reason = reply.Message
		}
		if *reply.Correct {
			out.Kind = OutcomeAccepted
			out.NextTarget = nextTarget(target, reply.URL)
			return out, false
		}
		out.Kind = OutcomeRejected
		out.Reason = reason
		// A rejecting target may still point at the next task; the loop's
		// move-on policy uses it.
		out.NextTarget = nextTarget(target, reply.URL)
		return out, false
	case resp.StatusCode == http.StatusTooManyRequests:
		out.Kind = OutcomeRateLimited
		out.RetryAfter = resp.RetryAfter
		out.Reason = "rate limited"
		return out, false
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		out.Kind = OutcomeTransientError
		out.Reason = fmt.Sprintf("target replied %d", resp.StatusCode)
		return out, false
	default:
		out.Kind = OutcomeFatalError
		out.Reason = fmt.Sprintf("target replied %d: %s", resp.StatusCode, firstLine(resp.Body))
		return out, false
	}
}

// nextTarget normalises the URL a target hands back. Some chains reply with
// a path relative to the task that was just answered; those are resolved
// against it. An unresolvable reference is passed through trimmed, and the
// submission to it fails on its own later.
func nextTarget(current, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	resolved, err := helpers.AbsoluteTarget(current, ref)
	if err != nil {
		return ref
	}
	return resolved
}

// resolveValue walks the answer payload and replaces every string of the
// form "BASE64_KEY:<name>" with the base64-encoded content of that artifact.
// A reference to an unknown artifact fails the submission.
func resolveValue(sess *Session, value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		if !strings.HasPrefix(v, ArtifactKeyPrefix) {
			return v, nil
		}
		name := strings.TrimSpace(strings.TrimPrefix(v, ArtifactKeyPrefix))
		art, ok := sess.Artifact(name)
		if !ok {
			return nil, fmt.Errorf("answer references unknown artifact %q", name)
		}
		data, err := os.ReadFile(art.LocalPath)
		if err != nil {
			return nil, fmt.Errorf("reading artifact %q: %w", name, err)
		}
		return base64.StdEncoding.EncodeToString(data), nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, elem := range v {
			r, err := resolveValue(sess, elem)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, elem := range v {
			r, err := resolveValue(sess, elem)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
