package transcript

import (
	"context"
	"time"
)

// Turn is one side of a kiosk conversation exchange.
type Turn struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

const (
	RoleVisitor = "visitor"
	RoleAvatar  = "avatar"
)

// Store persists and retrieves kiosk conversation turns. Writes are
// best-effort from the controller's point of view.
type Store interface {
	SaveTurn(ctx context.Context, turn Turn) error
	Recent(ctx context.Context, conversationID string, limit int) ([]Turn, error)
	Close() error
}
