package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const truncationMarker = "... [TRUNCATED DUE TO SIZE]"

// toolHelp and toolShape describe each tool the prompt may advertise.
// Install is deliberately absent: dependency installs go through
// request_dependency, never a direct invoke.
var toolHelp = map[string]string{
	"render":   `- render: args {"url": "..."} loads a page in a headless browser and returns readable text, html and image URLs`,
	"download": `- download: args {"url": "..."} fetches a file into the workspace and returns an artifact name`,
	"execute":  `- execute: args {"code": "..."} runs a Python script in the sandbox and returns stdout, stderr and exit_code`,
	"lookup":   `- lookup: args {"query": "..."} runs a web search and returns result titles, urls and snippets`,
}

var toolShape = map[string]string{
	"render":   `{"action":"invoke_tool","tool":"render","args":{"url":"..."}}`,
	"download": `{"action":"invoke_tool","tool":"download","args":{"url":"..."}}`,
	"execute":  `{"action":"invoke_tool","tool":"execute","args":{"code":"..."}}`,
	"lookup":   `{"action":"invoke_tool","tool":"lookup","args":{"query":"..."}}`,
}

// promptToolOrder fixes the order tools appear in the prompt.
var promptToolOrder = []string{"render", "download", "execute", "lookup"}

// advertisedTools filters the registered tool names down to the ones the
// prompt knows how to describe. An empty or unhelpful list falls back to the
// core trio so the prompt never goes out without tools.
func advertisedTools(registered []string) []string {
	fallback := []string{"render", "download", "execute"}
	if len(registered) == 0 {
		return fallback
	}
	have := make(map[string]bool, len(registered))
	for _, name := range registered {
		have[name] = true
	}
	out := make([]string, 0, len(promptToolOrder))
	for _, name := range promptToolOrder {
		if have[name] {
			out = append(out, name)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

// buildDecisionPrompt renders a snapshot into the oracle prompt: task state
// first, then the strict JSON response contract. contentWindow caps how much
// page content travels with each query.
func buildDecisionPrompt(snap Snapshot, contentWindow int) string {
	content := snap.PageContent
	if content == "" {
		content = "(not rendered yet; use the render tool)"
	} else if contentWindow > 0 && len(content) > contentWindow {
		content = content[:contentWindow] + "\n" + truncationMarker
	}

	remaining := "unbounded"
	if snap.TimeRemaining > 0 {
		remaining = snap.TimeRemaining.Round(time.Second).String()
	}

	tools := advertisedTools(snap.Tools)
	helps := make([]string, 0, len(tools))
	shapes := make([]string, 0, len(tools))
	for _, name := range tools {
		helps = append(helps, toolHelp[name])
		shapes = append(shapes, toolShape[name])
	}

	return fmt.Sprintf(`You are an autonomous quiz-solving agent working through a chain of web-hosted quiz tasks. Each task page describes a question; its answer must be submitted back to the task's URL.

CURRENT TASK URL: %s

TASK PAGE CONTENT:
%s

RECENT TURNS:
%s

STORED ARTIFACTS:
%s

BUDGET: turn %d of %d, %s remaining, %d rejected answers for this task so far.

AVAILABLE TOOLS:
%s

RULES:
1. Inspect the task page with render before answering, unless the answer is already evident from the recent turns.
2. Prefer computing answers with execute over guessing.
3. Submit exactly the value the task asks for; no commentary inside answer values.
4. To submit a produced or downloaded file, use the string "BASE64_KEY:<artifact name>"; its content is substituted at submission time.
5. If an answer was rejected, change your approach; never resubmit a rejected answer.
6. Missing Python packages are requested with request_dependency, not installed from code.
7. Stop only when the task chain cannot be continued.

RESPONSE FORMAT:
Respond ONLY with valid JSON in one of these shapes:
%s
{"action":"request_dependency","packages":["numpy"]}
{"action":"submit_answer","answer":...}
{"action":"stop","reason":"..."}
Do not include any other text or explanation.`,
		snap.CurrentTarget,
		content,
		summarizeTurns(snap.RecentTurns),
		summarizeArtifacts(snap.Artifacts),
		snap.TurnsUsed, snap.TurnsBudget, remaining, snap.AnswerAttempts,
		strings.Join(helps, "\n"),
		strings.Join(shapes, "\n"))
}

func summarizeTurns(turns []Turn) string {
	if len(turns) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, t := range turns {
		action, _ := json.Marshal(t.Action)
		fmt.Fprintf(&b, "#%d %s -> %s\n", t.Index, truncate(string(action), 600), summarizeResult(t.Result))
	}
	return strings.TrimRight(b.String(), "\n")
}

// summarizeResult favors the loop-provided summary; otherwise it inlines the
// tool payload so execution output reaches the next planning query.
func summarizeResult(r TurnResult) string {
	switch {
	case r.Submission != nil:
		s := fmt.Sprintf("submission %s", r.Submission.Kind)
		if r.Submission.Reason != "" {
			s += ": " + truncate(r.Submission.Reason, 400)
		}
		return s
	case r.Summary != "":
		return r.Summary
	case r.Tool != nil && !r.Tool.OK:
		return fmt.Sprintf("tool failed (%s): %s", r.Tool.ErrorKind, truncate(r.Tool.ErrorDetail, 400))
	case r.Tool != nil && r.Tool.Payload != nil:
		payload, _ := json.Marshal(r.Tool.Payload)
		return "ok: " + truncate(string(payload), 12000)
	case r.Error != "":
		return "error: " + truncate(r.Error, 400)
	default:
		return "ok"
	}
}

func summarizeArtifacts(arts []Artifact) string {
	if len(arts) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, a := range arts {
		fmt.Fprintf(&b, "- %s (%d bytes, %s, turn %d)\n", a.Name, a.Size, a.SourceTool, a.TurnIndex)
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + truncationMarker
}
