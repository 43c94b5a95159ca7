package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/akostin/flowgate/internal/models"
)

type MessageRepo struct {
	DB DBTX
}

const saveMessage = `-- name: SaveChatMessage
INSERT INTO chat_messages (id, session_id, flow_id, user_subject, role, content, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, created_at, session_id, flow_id, user_subject, role, content, metadata
`

func (r *MessageRepo) Save(ctx context.Context, msg models.ChatMessage) (models.ChatMessage, error) {
	id := msg.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	rows, _ := r.DB.Query(ctx, saveMessage,
		id, msg.SessionID, msg.FlowID, msg.UserSubject, msg.Role, msg.Content, msg.Metadata)
	saved, err := pgx.CollectOneRow(rows, rowToMessage)
	if err != nil {
		return saved, fmt.Errorf("db error: %w", err)
	}

	return saved, nil
}

const listSessionMessages = `-- name: ListSessionMessages oldest first
SELECT id, created_at, session_id, flow_id, user_subject, role, content, metadata
FROM chat_messages
WHERE session_id = $1 AND user_subject = $2
ORDER BY seq
`

func (r *MessageRepo) ListBySession(ctx context.Context, sessionID string, userSubject string) ([]models.ChatMessage, error) {
	rows, _ := r.DB.Query(ctx, listSessionMessages, sessionID, userSubject)
	messages, err := pgx.CollectRows(rows, rowToMessage)

	switch {
	case err == nil:
		return messages, nil
	case errors.Is(err, pgx.ErrNoRows):
		return nil, nil
	default:
		return nil, fmt.Errorf("db error: %w", err)
	}
}

func rowToMessage(row pgx.CollectableRow) (models.ChatMessage, error) {
	var m models.ChatMessage
	err := row.Scan(&m.ID, &m.CreatedAt, &m.SessionID, &m.FlowID, &m.UserSubject, &m.Role, &m.Content, &m.Metadata)
	return m, err
}
