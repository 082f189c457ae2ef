package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

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
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, model_spec, project_path, title, status, cost_usd, auto_approve, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, '0', ?, ?, ?)`,
		id, req.ModelSpec, req.ProjectPath, req.Title, models.StatusIdle,
		boolToInt(req.AutoApprove), now.UnixNano(), now.UnixNano())
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
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
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
		conds = append(conds, "status = ?")
		args = append(args, filters.Status)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filters.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filters.Limit)
	}
	if filters.Offset > 0 {
		if filters.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, filters.Offset)
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
		SET model_spec = ?, project_path = ?, title = ?, status = ?, auto_approve = ?, updated_at = ?
		WHERE id = ?`,
		session.ModelSpec, session.ProjectPath, session.Title, session.Status,
		boolToInt(session.AutoApprove), time.Now().UTC().UnixNano(), session.ID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return requireRow(res)
}

func (s *Store) ArchiveSession(ctx context.Context, id string) error {
	now := time.Now().UTC().UnixNano()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET archived_at = ?, updated_at = ? WHERE id = ?`, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to archive session: %w", err)
	}
	return requireRow(res)
}

func (s *Store) UpdateCosts(ctx context.Context, sessionID string, inputDelta, outputDelta int64, costDelta decimal.Decimal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var costStr string
	err = tx.QueryRowContext(ctx, `SELECT cost_usd FROM sessions WHERE id = ?`, sessionID).Scan(&costStr)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read session cost: %w", err)
	}
	cost, err := decimal.NewFromString(costStr)
	if err != nil {
		return fmt.Errorf("invalid stored cost %q: %w", costStr, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sessions
		SET input_tokens = input_tokens + ?, output_tokens = output_tokens + ?, cost_usd = ?, updated_at = ?
		WHERE id = ?`,
		inputDelta, outputDelta, cost.Add(costDelta).String(), time.Now().UTC().UnixNano(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session costs: %w", err)
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		sess        models.Session
		costStr     string
		autoApprove int
		createdAt   int64
		updatedAt   int64
		archivedAt  sql.NullInt64
	)
	err := row.Scan(&sess.ID, &sess.ModelSpec, &sess.ProjectPath, &sess.Title, &sess.Status,
		&sess.InputTokens, &sess.OutputTokens, &costStr, &autoApprove,
		&createdAt, &updatedAt, &archivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	sess.CostUSD, err = decimal.NewFromString(costStr)
	if err != nil {
		return nil, fmt.Errorf("invalid stored cost %q: %w", costStr, err)
	}
	sess.AutoApprove = autoApprove != 0
	sess.CreatedAt = time.Unix(0, createdAt).UTC()
	sess.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if archivedAt.Valid {
		t := time.Unix(0, archivedAt.Int64).UTC()
		sess.ArchivedAt = &t
	}
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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
