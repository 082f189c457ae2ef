// Package permissions decides whether a tool invocation may proceed:
// the configured auto-approve list first, then persisted per-session
// grants, otherwise the caller has to ask.
package permissions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/store"
)

// Decision is the outcome of a permission check.
type Decision string

const (
	Allowed Decision = "allowed"
	Denied  Decision = "denied"
	Ask     Decision = "ask"
)

// Class is the static tool classification used for UI hints. It never
// influences the decision.
type Class string

const (
	ClassRead    Class = "read"
	ClassWrite   Class = "write"
	ClassExecute Class = "execute"
	ClassUnknown Class = "unknown"
)

var toolClasses = map[string]Class{
	"file_read":      ClassRead,
	"directory_list": ClassRead,
	"file_search":    ClassRead,
	"content_search": ClassRead,
	"file_write":     ClassWrite,
	"file_edit":      ClassWrite,
	"shell_command":  ClassExecute,
}

// Classify returns the static class for a tool name.
func Classify(tool string) Class {
	if class, ok := toolClasses[tool]; ok {
		return class
	}
	return ClassUnknown
}

// Manager evaluates tool invocations against the auto-approve list and
// session grants.
type Manager struct {
	store       store.GrantStore
	autoApprove map[string]bool
	logger      *slog.Logger
}

// NewManager creates a manager. autoApprove is the configured list of
// tool names that never need a grant.
func NewManager(s store.GrantStore, autoApprove []string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	approved := make(map[string]bool, len(autoApprove))
	for _, tool := range autoApprove {
		approved[tool] = true
	}
	return &Manager{store: s, autoApprove: approved, logger: logger}
}

// Check returns the decision for invoking tool on path within the
// session. Rules in order: auto-approve list, then a grant whose scope
// is "*" or equals the path, else ask.
func (m *Manager) Check(ctx context.Context, tool, path, sessionID string) (Decision, error) {
	if m.autoApprove[tool] {
		return Allowed, nil
	}

	grants, err := m.store.ListGrants(ctx, sessionID)
	if err != nil {
		return Ask, fmt.Errorf("failed to list grants: %w", err)
	}
	for _, grant := range grants {
		if grant.Tool != tool {
			continue
		}
		if grant.Scope == models.GrantScopeAll || grant.Scope == path {
			return Allowed, nil
		}
	}
	return Ask, nil
}

// Grant persists a new grant for the session. It is the only mutator.
func (m *Manager) Grant(ctx context.Context, tool, scope, sessionID string) (*models.PermissionGrant, error) {
	grant, err := m.store.SaveGrant(ctx, models.PermissionGrant{
		SessionID: sessionID,
		Tool:      tool,
		Scope:     scope,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save grant: %w", err)
	}
	m.logger.Info("permission granted", "session_id", sessionID, "tool", tool, "scope", scope)
	return grant, nil
}
