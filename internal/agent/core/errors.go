package core

import "errors"

var (
	// ErrCapacityExceeded is returned by Start when the concurrent session
	// limit is reached. Callers should surface it, not queue.
	ErrCapacityExceeded = errors.New("session capacity exceeded")

	// ErrSessionNotFound is returned for status or cancel calls on an
	// unknown session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionTerminal is returned when mutating a finished session.
	ErrSessionTerminal = errors.New("session already terminal")

	// ErrUnknownTool is returned by the gateway for unregistered tool names.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrPlannerDecision marks unreachable-oracle and unparseable-decision
	// failures; the loop treats any of them as transient and retries per
	// its planner policy.
	ErrPlannerDecision = errors.New("planner decision failed")
)
