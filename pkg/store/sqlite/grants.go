package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/store"
)

func (s *Store) SaveGrant(ctx context.Context, grant models.PermissionGrant) (*models.PermissionGrant, error) {
	if grant.ID == "" {
		grant.ID = uuid.New().String()
	}
	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permission_grants (id, session_id, tool, scope, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		grant.ID, grant.SessionID, grant.Tool, grant.Scope, grant.CreatedAt.UnixNano())
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to save grant: %w", err)
	}
	return &grant, nil
}

func (s *Store) ListGrants(ctx context.Context, sessionID string) ([]models.PermissionGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, tool, scope, created_at
		FROM permission_grants WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer rows.Close()

	grants := []models.PermissionGrant{}
	for rows.Next() {
		var (
			g         models.PermissionGrant
			createdAt int64
		)
		if err := rows.Scan(&g.ID, &g.SessionID, &g.Tool, &g.Scope, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		g.CreatedAt = time.Unix(0, createdAt).UTC()
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func (s *Store) DeleteGrants(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM permission_grants WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete grants: %w", err)
	}
	return nil
}
