// Package store defines the persistence contract the core consumes.
// The engine never talks to a database directly; it calls this
// interface and relies on two guarantees: writes are synchronous, and
// a completed write is durable before the engine broadcasts it.
//
// Backends: store/sqlite (default, modernc), store/postgres (pgx), and
// store/memstore (in-memory, tests and ephemeral runs).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/loomhq/loom/pkg/models"
)

// ErrNotFound is returned when a session, message, node, or edge does
// not exist. Compare with errors.Is.
var ErrNotFound = errors.New("not found")

// ValidationError reports a rejected write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Field + ": " + e.Reason
}

// Store is the full persistence surface.
type Store interface {
	SessionStore
	MessageStore
	GrantStore
	DecisionStore

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
	// Close releases the underlying resources.
	Close() error
}

// SessionStore persists session records.
type SessionStore interface {
	CreateSession(ctx context.Context, req models.CreateSessionRequest) (*models.Session, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, filters models.SessionFilters) ([]*models.Session, error)
	// UpdateSession persists the mutable fields of an existing record.
	UpdateSession(ctx context.Context, session *models.Session) error
	// ArchiveSession soft-deletes; archived sessions are excluded from
	// listings unless the filter asks for them.
	ArchiveSession(ctx context.Context, id string) error
	// UpdateCosts additively applies token and exact-decimal cost deltas.
	UpdateCosts(ctx context.Context, sessionID string, inputDelta, outputDelta int64, costDelta decimal.Decimal) error
}

// MessageStore persists the per-session conversation log.
type MessageStore interface {
	// SaveMessage appends and returns the stored record including its
	// assigned ID and timestamp.
	SaveMessage(ctx context.Context, req models.CreateMessageRequest) (*models.Message, error)
	// LoadMessages returns all messages ascending by insertion order.
	LoadMessages(ctx context.Context, sessionID string) ([]models.Message, error)
}

// GrantStore persists session-scoped permission grants.
type GrantStore interface {
	SaveGrant(ctx context.Context, grant models.PermissionGrant) (*models.PermissionGrant, error)
	ListGrants(ctx context.Context, sessionID string) ([]models.PermissionGrant, error)
	// DeleteGrants discards a session's grants (called when it ends).
	DeleteGrants(ctx context.Context, sessionID string) error
}

// DecisionStore persists decision-graph nodes and edges.
type DecisionStore interface {
	CreateNode(ctx context.Context, node *models.DecisionNode) error
	GetNode(ctx context.Context, id string) (*models.DecisionNode, error)
	ListNodes(ctx context.Context, filters models.NodeFilters) ([]*models.DecisionNode, error)
	UpdateNode(ctx context.Context, node *models.DecisionNode) error
	DeleteNode(ctx context.Context, id string) error

	// CreateEdge inserts a directed edge; both endpoints must exist.
	CreateEdge(ctx context.Context, edge *models.DecisionEdge) error
	ListEdges(ctx context.Context, filters models.EdgeFilters) ([]*models.DecisionEdge, error)

	// SupersedeNode atomically inserts the supersedes edge and flips the
	// old node's status. Idempotent: a re-run leaves at most one edge.
	SupersedeNode(ctx context.Context, oldID string, edge *models.DecisionEdge) error
}
