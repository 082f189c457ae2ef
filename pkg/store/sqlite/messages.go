package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/store"
)

func (s *Store) SaveMessage(ctx context.Context, req models.CreateMessageRequest) (*models.Message, error) {
	if req.SessionID == "" {
		return nil, &store.ValidationError{Field: "session_id", Reason: "must not be empty"}
	}

	var toolCalls sql.NullString
	if len(req.ToolCalls) > 0 {
		data, err := json.Marshal(req.ToolCalls)
		if err != nil {
			return nil, fmt.Errorf("failed to encode tool calls: %w", err)
		}
		toolCalls = sql.NullString{String: string(data), Valid: true}
	}

	msg := &models.Message{
		ID:         uuid.New().String(),
		SessionID:  req.SessionID,
		Role:       req.Role,
		Content:    req.Content,
		ToolCalls:  req.ToolCalls,
		ToolCallID: req.ToolCallID,
		ToolName:   req.ToolName,
		CreatedAt:  time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, tool_calls, tool_call_id, tool_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, toolCalls,
		msg.ToolCallID, msg.ToolName, msg.CreatedAt.UnixNano())
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to save message: %w", err)
	}
	return msg, nil
}

func (s *Store) LoadMessages(ctx context.Context, sessionID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, tool_calls, tool_call_id, tool_name, created_at
		FROM messages WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	msgs := []models.Message{}
	for rows.Next() {
		var (
			msg       models.Message
			toolCalls sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content,
			&toolCalls, &msg.ToolCallID, &msg.ToolName, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if toolCalls.Valid {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to decode tool calls: %w", err)
			}
		}
		msg.CreatedAt = time.Unix(0, createdAt).UTC()
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}
