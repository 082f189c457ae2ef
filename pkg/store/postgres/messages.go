package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/store"
)

func (s *Store) SaveMessage(ctx context.Context, req models.CreateMessageRequest) (*models.Message, error) {
	if req.SessionID == "" {
		return nil, &store.ValidationError{Field: "session_id", Reason: "must not be empty"}
	}

	var toolCalls any
	if len(req.ToolCalls) > 0 {
		data, err := json.Marshal(req.ToolCalls)
		if err != nil {
			return nil, fmt.Errorf("failed to encode tool calls: %w", err)
		}
		toolCalls = data
	}

	msg := &models.Message{
		ID:         uuid.New().String(),
		SessionID:  req.SessionID,
		Role:       req.Role,
		Content:    req.Content,
		ToolCalls:  req.ToolCalls,
		ToolCallID: req.ToolCallID,
		ToolName:   req.ToolName,
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, tool_calls, tool_call_id, tool_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, toolCalls,
		msg.ToolCallID, msg.ToolName).Scan(&msg.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to save message: %w", err)
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}

func (s *Store) LoadMessages(ctx context.Context, sessionID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, tool_calls, tool_call_id, tool_name, created_at
		FROM messages WHERE session_id = $1 ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	msgs := []models.Message{}
	for rows.Next() {
		var (
			msg       models.Message
			toolCalls sql.Null[[]byte]
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content,
			&toolCalls, &msg.ToolCallID, &msg.ToolName, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if toolCalls.Valid && len(toolCalls.V) > 0 {
			if err := json.Unmarshal(toolCalls.V, &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to decode tool calls: %w", err)
			}
		}
		msg.CreatedAt = msg.CreatedAt.UTC()
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}
