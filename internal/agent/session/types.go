// Package session owns the lifecycle of interactive agent sessions: the
// registry, per-session command FIFO, global dispatch limits, streaming
// output, forking, templates, and archival.
package session

import (
	"time"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusProcessing Status = "PROCESSING"
	StatusIdle       Status = "IDLE"
	StatusTerminated Status = "TERMINATED"
	StatusError      Status = "ERROR"
)

// OutputType classifies one streamed frame.
type OutputType string

const (
	OutputStdout   OutputType = "STDOUT"
	OutputStderr   OutputType = "STDERR"
	OutputSystem   OutputType = "SYSTEM"
	OutputProgress OutputType = "PROGRESS"
	OutputFinal    OutputType = "FINAL"
)

// CommandOutput is one frame of a session's output stream.
type CommandOutput struct {
	SessionID string      `json:"sessionId"`
	Type      OutputType  `json:"type"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
	IsFinal   bool        `json:"isFinal"`
	Tokens    *TokenUsage `json:"tokens,omitempty"`
}

// TokenUsage is cumulative or per-interaction token counts.
type TokenUsage struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`
}

// Interaction is one prompt/response pair in a session's history.
type Interaction struct {
	Timestamp       time.Time `json:"timestamp"`
	Prompt          string    `json:"prompt"`
	Response        *string   `json:"response"` // nil while streaming
	ExecutionTimeMS int64     `json:"executionTimeMs"`
	Success         bool      `json:"success"`
	// Correlator is the child's resumption token captured when the
	// interaction completed; forks resume from it.
	Correlator string `json:"correlator,omitempty"`
}

// Metadata carries a session's settings and accounting.
type Metadata struct {
	Model          string            `json:"model"`
	Tokens         TokenUsage        `json:"tokens"`
	Flags          map[string]string `json:"flags,omitempty"`
	ProjectContext string            `json:"projectContext,omitempty"`
	// Correlator is the most recent upstream session id reported by the
	// child; it keys the child's resumption mechanism.
	Correlator string `json:"correlator,omitempty"`
}

// Session is one agent session. Fields are guarded by the manager's
// registry lock; callers receive snapshot copies.
type Session struct {
	ID           string        `json:"id"`
	Name         string        `json:"name,omitempty"`
	Status       Status        `json:"status"`
	CreatedAt    time.Time     `json:"createdAt"`
	LastActivity time.Time     `json:"lastActivity"`
	WorkDir      string        `json:"workDir"`
	History      []Interaction `json:"history"`
	Metadata     Metadata      `json:"metadata"`
	// ParentID and ForkIndex are set on forked sessions.
	ParentID  string `json:"parentId,omitempty"`
	ForkIndex int    `json:"forkIndex,omitempty"`
}

// ExecuteResult is the executeCommand / continueSession result.
type ExecuteResult struct {
	SessionID           string            `json:"sessionId"`
	Success             bool              `json:"success"`
	StartedAt           time.Time         `json:"startedAt"`
	EstimatedDurationMS int64             `json:"estimatedDurationMs"`
	Flags               map[string]string `json:"flags,omitempty"`
	Error               string            `json:"error,omitempty"`
}

// BatchOp is a bulk session operation.
type BatchOp string

const (
	BatchArchive BatchOp = "ARCHIVE"
	BatchDelete  BatchOp = "DELETE"
	BatchExport  BatchOp = "EXPORT"
	BatchTag     BatchOp = "TAG"
	BatchAnalyze BatchOp = "ANALYZE"
)

// BatchItemResult is the per-session outcome of a batch operation.
type BatchItemResult struct {
	SessionID string `json:"sessionId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// ShareGrant is a time-bounded opaque code for sharing a session.
type ShareGrant struct {
	Code      string    `json:"code"`
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ExecuteOptions are the optional knobs on executeCommand.
type ExecuteOptions struct {
	SessionID      string
	WorkDir        string
	Model          string
	Flags          map[string]string
	ProjectContext string
}
