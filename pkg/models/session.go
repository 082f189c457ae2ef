// Package models contains the shared data model for the loom core:
// sessions, messages, tool calls, permission grants, and the decision
// graph entities, plus the filter types used by store queries.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	StatusIdle          SessionStatus = "idle"
	StatusThinking      SessionStatus = "thinking"
	StatusExecutingTool SessionStatus = "executing_tool"
	StatusStopped       SessionStatus = "stopped"
)

// Session is one conversation with the assistant. The record is mutated
// only by the engine that owns it; everyone else reads snapshots.
type Session struct {
	ID           string          `json:"id"`
	ModelSpec    string          `json:"model_spec"` // "provider:model_id"
	ProjectPath  string          `json:"project_path"`
	Title        string          `json:"title,omitempty"`
	Status       SessionStatus   `json:"status"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	CostUSD      decimal.Decimal `json:"cost_usd"`
	AutoApprove  bool            `json:"auto_approve"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ArchivedAt   *time.Time      `json:"archived_at,omitempty"`
}

// CreateSessionRequest contains fields for creating a new session.
type CreateSessionRequest struct {
	SessionID   string `json:"session_id,omitempty"` // assigned when empty
	ModelSpec   string `json:"model_spec"`
	ProjectPath string `json:"project_path"`
	Title       string `json:"title,omitempty"`
	AutoApprove bool   `json:"auto_approve,omitempty"`
}

// SessionFilters contains filtering options for listing sessions.
type SessionFilters struct {
	Status          SessionStatus `json:"status,omitempty"`
	IncludeArchived bool          `json:"include_archived,omitempty"`
	Limit           int           `json:"limit,omitempty"`
	Offset          int           `json:"offset,omitempty"`
}
