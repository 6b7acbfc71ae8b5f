package model

import "context"

// SessionRepository persists dialogue sessions by conversation id.
// Implementations return a not-found error for unknown conversations.
type SessionRepository interface {
	Get(ctx context.Context, conversationID string) (*Session, error)
	Save(ctx context.Context, sess *Session) error
	Delete(ctx context.Context, conversationID string) error
}
