package server

import "time"

// HTTPError is a generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// SolveRequest launches a solving session against a quiz chain.
type SolveRequest struct {
	Email  string `json:"email"`
	Secret string `json:"secret"`
	URL    string `json:"url"`
}

// SolveResponse acknowledges that a session was accepted. The session runs
// in the background; the caller is not kept waiting for the outcome.
type SolveResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
}

// HealthResponse reports liveness and process uptime.
type HealthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// TokenRequest exchanges the operator secret for a bearer token.
type TokenRequest struct {
	Secret string `json:"secret"`
}

// TokenResponse carries a bearer token for the operator API.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionResponse is one session as seen by the operator API. Live sessions
// come from the in-memory registry, finished ones from the archive.
type SessionResponse struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	Status        string     `json:"status"`
	CurrentTarget string     `json:"current_target,omitempty"`
	Turns         int        `json:"turns"`
	Artifacts     int        `json:"artifacts"`
	Error         string     `json:"error,omitempty"`
	Live          bool       `json:"live"`
	CreatedAt     time.Time  `json:"created_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// SessionListResponse wraps the merged live+archived session listing.
type SessionListResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

// TurnResponse is one turn of a session transcript. Action and Result are
// the archived JSON documents and pass through unmodified.
type TurnResponse struct {
	Index     int         `json:"index"`
	Action    interface{} `json:"action"`
	Result    interface{} `json:"result"`
	Timestamp time.Time   `json:"timestamp"`
}

// TurnListResponse wraps a session transcript.
type TurnListResponse struct {
	SessionID string         `json:"session_id"`
	Turns     []TurnResponse `json:"turns"`
}

// CancelResponse acknowledges a cancellation request.
type CancelResponse struct {
	Status string `json:"status"`
}

// SearchResponse wraps transcript search hits.
type SearchResponse struct {
	Query string      `json:"query"`
	Hits  interface{} `json:"hits"`
}
