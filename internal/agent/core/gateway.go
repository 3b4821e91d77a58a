package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// KindError attaches a ToolErrorKind to an underlying tool error so the
// gateway can surface it without string matching.
type KindError struct {
	Kind ToolErrorKind
	Err  error
}

func (e *KindError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *KindError) Unwrap() error { return e.Err }

// NewKindError wraps err with an explicit error kind.
func NewKindError(kind ToolErrorKind, err error) error {
	return &KindError{Kind: kind, Err: err}
}

// Gateway is the uniform invocation surface over the registered tools.
// It validates arguments, bounds each call with a timeout, and normalizes
// every failure into a categorized ToolResult. The gateway never retries:
// one attempt per call, re-planning is the loop's decision.
type Gateway struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *log.Logger
}

// NewGateway creates an empty gateway.
func NewGateway(logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags)
	}
	return &Gateway{
		tools:  make(map[string]Tool),
		logger: logger,
	}
}

// Register adds a tool under its own name. Later registrations replace
// earlier ones.
func (g *Gateway) Register(t Tool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tools[t.Name()] = t
}

// ToolNames returns the registered tool names, sorted.
func (g *Gateway) ToolNames() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.tools))
	for name := range g.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs one tool call. The returned result always carries OK plus a
// categorized error kind on failure; Invoke itself never returns an error
// so callers can feed failures straight back into planning.
func (g *Gateway) Invoke(ctx context.Context, toolName string, inv Invocation, timeout time.Duration) ToolResult {
	start := time.Now()

	g.mu.RLock()
	tool, ok := g.tools[toolName]
	g.mu.RUnlock()
	if !ok {
		g.logger.Printf("session=%s tool=%s unknown", inv.SessionID, toolName)
		recordToolInvocation(ctx, toolName, false, time.Since(start).Seconds())
		return ToolResult{
			OK:          false,
			ErrorKind:   ToolErrUnavailable,
			ErrorDetail: fmt.Sprintf("%v: %q", ErrUnknownTool, toolName),
			Elapsed:     time.Since(start),
		}
	}

	if err := tool.Validate(inv.Args); err != nil {
		g.logger.Printf("session=%s tool=%s invalid args: %v", inv.SessionID, toolName, err)
		recordToolInvocation(ctx, toolName, false, time.Since(start).Seconds())
		return ToolResult{
			OK:          false,
			ErrorKind:   ToolErrInvalidArguments,
			ErrorDetail: err.Error(),
			Elapsed:     time.Since(start),
		}
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := tool.Run(callCtx, inv)
	result.Elapsed = time.Since(start)
	if err != nil {
		result.OK = false
		result.ErrorKind, result.ErrorDetail = classifyToolError(callCtx, err)
		g.logger.Printf("session=%s tool=%s failed kind=%s elapsed=%s: %v",
			inv.SessionID, toolName, result.ErrorKind, result.Elapsed.Round(time.Millisecond), err)
		recordToolInvocation(ctx, toolName, false, result.Elapsed.Seconds())
		return result
	}

	result.OK = true
	g.logger.Printf("session=%s tool=%s ok elapsed=%s artifacts=%d",
		inv.SessionID, toolName, result.Elapsed.Round(time.Millisecond), len(result.Artifacts))
	recordToolInvocation(ctx, toolName, true, result.Elapsed.Seconds())
	return result
}

func classifyToolError(ctx context.Context, err error) (ToolErrorKind, string) {
	var kindErr *KindError
	if errors.As(err, &kindErr) {
		return kindErr.Kind, kindErr.Err.Error()
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return ToolErrTimeout, err.Error()
	}
	return ToolErrExecution, err.Error()
}
