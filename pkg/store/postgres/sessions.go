package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/store"
)

const sessionColumns = `id, model_spec, project_path, title, status, input_tokens, output_tokens, cost_usd, auto_approve, created_at, updated_at, archived_at`

func (s *Store) CreateSession(ctx context.Context, req models.CreateSessionRequest) (*models.Session, error) {
	if req.ModelSpec == "" {
		return nil, &store.ValidationError{Field: "model_spec", Reason: "must not be empty"}
	}

	id := req.SessionID
	if id == "" {
		id = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, model_spec, project_path, title, status, auto_approve)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, req.ModelSpec, req.ProjectPath, req.Title, models.StatusIdle, req.AutoApprove)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &store.ValidationError{Field: "session_id", Reason: "already exists"}
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return s.GetSession(ctx, id)
}

func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (s *Store) ListSessions(ctx context.Context, filters models.SessionFilters) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var conds []string
	var args []any

	if !filters.IncludeArchived {
		conds = append(conds, "archived_at IS NULL")
	}
	if filters.Status != "" {
		args = append(args, filters.Status)
		conds = append(conds, "status = $"+strconv.Itoa(len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filters.Limit > 0 {
		args = append(args, filters.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}
	if filters.Offset > 0 {
		args = append(args, filters.Offset)
		query += " OFFSET $" + strconv.Itoa(len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) UpdateSession(ctx context.Context, session *models.Session) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET model_spec = $1, project_path = $2, title = $3, status = $4, auto_approve = $5, updated_at = now()
		WHERE id = $6`,
		session.ModelSpec, session.ProjectPath, session.Title, session.Status,
		session.AutoApprove, session.ID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return requireRow(res)
}

func (s *Store) ArchiveSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET archived_at = now(), updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to archive session: %w", err)
	}
	return requireRow(res)
}

func (s *Store) UpdateCosts(ctx context.Context, sessionID string, inputDelta, outputDelta int64, costDelta decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET input_tokens = input_tokens + $1,
		    output_tokens = output_tokens + $2,
		    cost_usd = cost_usd + $3,
		    updated_at = now()
		WHERE id = $4`,
		inputDelta, outputDelta, costDelta, sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session costs: %w", err)
	}
	return requireRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		sess       models.Session
		archivedAt sql.NullTime
	)
	err := row.Scan(&sess.ID, &sess.ModelSpec, &sess.ProjectPath, &sess.Title, &sess.Status,
		&sess.InputTokens, &sess.OutputTokens, &sess.CostUSD, &sess.AutoApprove,
		&sess.CreatedAt, &sess.UpdatedAt, &archivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	if archivedAt.Valid {
		t := archivedAt.Time.UTC()
		sess.ArchivedAt = &t
	}
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.UpdatedAt = sess.UpdatedAt.UTC()
	return &sess, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
