package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
)

// ChatMessage is one persisted turn of a completion session. Assistant
// messages carry the merged content string plus the buffered metadata trail.
type ChatMessage struct {
	ID          uuid.UUID
	CreatedAt   time.Time
	SessionID   string
	FlowID      string
	UserSubject string
	Role        string
	Content     string
	Metadata    json.RawMessage // nil when the turn produced no trail
}
