package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/store"
)

const nodeColumns = `id, kind, title, description, confidence, status, session_id, agent_name, metadata, change_id, created_at, updated_at`

func (s *Store) CreateNode(ctx context.Context, node *models.DecisionNode) error {
	metadata, err := encodeMetadata(node.Metadata)
	if err != nil {
		return err
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now().UTC()
	}
	if node.UpdatedAt.IsZero() {
		node.UpdatedAt = node.CreatedAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decision_nodes (`+nodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		node.ID, node.Kind, node.Title, node.Description, node.Confidence, node.Status,
		node.SessionID, node.AgentName, metadata, node.ChangeID,
		node.CreatedAt.UnixNano(), node.UpdatedAt.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return &store.ValidationError{Field: "id", Reason: "already exists"}
		}
		return fmt.Errorf("failed to create node: %w", err)
	}
	return nil
}

func (s *Store) GetNode(ctx context.Context, id string) (*models.DecisionNode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM decision_nodes WHERE id = ?`, id)
	return scanNode(row)
}

func (s *Store) ListNodes(ctx context.Context, filters models.NodeFilters) ([]*models.DecisionNode, error) {
	query := `SELECT ` + nodeColumns + ` FROM decision_nodes`
	var conds []string
	var args []any

	if filters.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, filters.Kind)
	}
	if filters.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filters.Status)
	}
	if filters.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, filters.SessionID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if filters.NewestFirst {
		query += " ORDER BY seq DESC"
	} else {
		query += " ORDER BY seq ASC"
	}
	if filters.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filters.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var out []*models.DecisionNode
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	return out, rows.Err()
}

func (s *Store) UpdateNode(ctx context.Context, node *models.DecisionNode) error {
	metadata, err := encodeMetadata(node.Metadata)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE decision_nodes
		SET kind = ?, title = ?, description = ?, confidence = ?, status = ?,
		    session_id = ?, agent_name = ?, metadata = ?, change_id = ?, updated_at = ?
		WHERE id = ?`,
		node.Kind, node.Title, node.Description, node.Confidence, node.Status,
		node.SessionID, node.AgentName, metadata, node.ChangeID,
		time.Now().UTC().UnixNano(), node.ID)
	if err != nil {
		return fmt.Errorf("failed to update node: %w", err)
	}
	return requireRow(res)
}

func (s *Store) DeleteNode(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM decision_nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete node: %w", err)
	}
	return requireRow(res)
}

func (s *Store) CreateEdge(ctx context.Context, edge *models.DecisionEdge) error {
	return s.insertEdge(ctx, s.db, edge)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertEdge(ctx context.Context, db execer, edge *models.DecisionEdge) error {
	if edge.ID == "" {
		edge.ID = uuid.New().String()
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now().UTC()
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO decision_edges (id, from_id, to_id, kind, weight, rationale, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		edge.ID, edge.FromID, edge.ToID, edge.Kind, edge.Weight, edge.Rationale,
		edge.CreatedAt.UnixNano())
	if err != nil {
		if isForeignKeyViolation(err) {
			return store.ErrNotFound
		}
		return fmt.Errorf("failed to create edge: %w", err)
	}
	return nil
}

func (s *Store) ListEdges(ctx context.Context, filters models.EdgeFilters) ([]*models.DecisionEdge, error) {
	query := `SELECT id, from_id, to_id, kind, weight, rationale, created_at FROM decision_edges`
	var conds []string
	var args []any

	if filters.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, filters.Kind)
	}
	if filters.From != "" {
		conds = append(conds, "from_id = ?")
		args = append(args, filters.From)
	}
	if filters.To != "" {
		conds = append(conds, "to_id = ?")
		args = append(args, filters.To)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	defer rows.Close()

	var out []*models.DecisionEdge
	for rows.Next() {
		var (
			edge      models.DecisionEdge
			createdAt int64
		)
		if err := rows.Scan(&edge.ID, &edge.FromID, &edge.ToID, &edge.Kind,
			&edge.Weight, &edge.Rationale, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		edge.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, &edge)
	}
	return out, rows.Err()
}

// SupersedeNode marks the old node superseded and records the supersedes
// edge in one transaction. Calling it again with the same pair is a no-op
// for the edge.
func (s *Store) SupersedeNode(ctx context.Context, oldID string, edge *models.DecisionEdge) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM decision_edges
		WHERE kind = ? AND from_id = ? AND to_id = ?`,
		models.EdgeSupersedes, edge.FromID, edge.ToID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check supersedes edge: %w", err)
	}
	if exists == 0 {
		if err := s.insertEdge(ctx, tx, edge); err != nil {
			return err
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE decision_nodes SET status = ?, updated_at = ? WHERE id = ?`,
		models.NodeSuperseded, time.Now().UTC().UnixNano(), oldID)
	if err != nil {
		return fmt.Errorf("failed to supersede node: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

func scanNode(row rowScanner) (*models.DecisionNode, error) {
	var (
		node      models.DecisionNode
		metadata  sql.NullString
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&node.ID, &node.Kind, &node.Title, &node.Description, &node.Confidence,
		&node.Status, &node.SessionID, &node.AgentName, &metadata, &node.ChangeID,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan node: %w", err)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &node.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode node metadata: %w", err)
		}
	}
	node.CreatedAt = time.Unix(0, createdAt).UTC()
	node.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &node, nil
}

func encodeMetadata(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode node metadata: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
