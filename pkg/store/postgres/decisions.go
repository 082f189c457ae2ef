package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		node.ID, node.Kind, node.Title, node.Description, node.Confidence, node.Status,
		node.SessionID, node.AgentName, metadata, node.ChangeID,
		node.CreatedAt, node.UpdatedAt)
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
		`SELECT `+nodeColumns+` FROM decision_nodes WHERE id = $1`, id)
	return scanNode(row)
}

func (s *Store) ListNodes(ctx context.Context, filters models.NodeFilters) ([]*models.DecisionNode, error) {
	query := `SELECT ` + nodeColumns + ` FROM decision_nodes`
	var conds []string
	var args []any

	if filters.Kind != "" {
		args = append(args, filters.Kind)
		conds = append(conds, "kind = $"+strconv.Itoa(len(args)))
	}
	if filters.Status != "" {
		args = append(args, filters.Status)
		conds = append(conds, "status = $"+strconv.Itoa(len(args)))
	}
	if filters.SessionID != "" {
		args = append(args, filters.SessionID)
		conds = append(conds, "session_id = $"+strconv.Itoa(len(args)))
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
		args = append(args, filters.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
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
		SET kind = $1, title = $2, description = $3, confidence = $4, status = $5,
		    session_id = $6, agent_name = $7, metadata = $8, change_id = $9, updated_at = now()
		WHERE id = $10`,
		node.Kind, node.Title, node.Description, node.Confidence, node.Status,
		node.SessionID, node.AgentName, metadata, node.ChangeID, node.ID)
	if err != nil {
		return fmt.Errorf("failed to update node: %w", err)
	}
	return requireRow(res)
}

func (s *Store) DeleteNode(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM decision_nodes WHERE id = $1`, id)
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
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		edge.ID, edge.FromID, edge.ToID, edge.Kind, edge.Weight, edge.Rationale, edge.CreatedAt)
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
		args = append(args, filters.Kind)
		conds = append(conds, "kind = $"+strconv.Itoa(len(args)))
	}
	if filters.From != "" {
		args = append(args, filters.From)
		conds = append(conds, "from_id = $"+strconv.Itoa(len(args)))
	}
	if filters.To != "" {
		args = append(args, filters.To)
		conds = append(conds, "to_id = $"+strconv.Itoa(len(args)))
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
		var edge models.DecisionEdge
		if err := rows.Scan(&edge.ID, &edge.FromID, &edge.ToID, &edge.Kind,
			&edge.Weight, &edge.Rationale, &edge.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		edge.CreatedAt = edge.CreatedAt.UTC()
		out = append(out, &edge)
	}
	return out, rows.Err()
}

func (s *Store) SupersedeNode(ctx context.Context, oldID string, edge *models.DecisionEdge) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM decision_edges
			WHERE kind = $1 AND from_id = $2 AND to_id = $3
		)`, models.EdgeSupersedes, edge.FromID, edge.ToID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check supersedes edge: %w", err)
	}
	if !exists {
		if err := s.insertEdge(ctx, tx, edge); err != nil {
			return err
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE decision_nodes SET status = $1, updated_at = now() WHERE id = $2`,
		models.NodeSuperseded, oldID)
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
		node     models.DecisionNode
		metadata sql.Null[[]byte]
	)
	err := row.Scan(&node.ID, &node.Kind, &node.Title, &node.Description, &node.Confidence,
		&node.Status, &node.SessionID, &node.AgentName, &metadata, &node.ChangeID,
		&node.CreatedAt, &node.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan node: %w", err)
	}
	if metadata.Valid && len(metadata.V) > 0 {
		if err := json.Unmarshal(metadata.V, &node.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode node metadata: %w", err)
		}
	}
	node.CreatedAt = node.CreatedAt.UTC()
	node.UpdatedAt = node.UpdatedAt.UTC()
	return &node, nil
}

func encodeMetadata(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode node metadata: %w", err)
	}
	return data, nil
}
