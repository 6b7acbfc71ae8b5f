package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	errx "github.com/tasktalk/server/internal/core/error"
	"github.com/tasktalk/server/internal/dialog/model"
)

// MemorySessionRepository keeps sessions in process memory, for tests and
// single-node runs without Redis. Sessions are deep-copied through JSON on
// the way in and out so callers never share mutable state with the store.
type MemorySessionRepository struct {
	mu       sync.RWMutex
	sessions map[string][]byte
}

func NewMemorySessionRepository() *MemorySessionRepository {
	return &MemorySessionRepository{sessions: map[string][]byte{}}
}

func (r *MemorySessionRepository) Get(ctx context.Context, conversationID string) (*model.Session, error) {
	r.mu.RLock()
	raw, ok := r.sessions[conversationID]
	r.mu.RUnlock()
	if !ok {
		return nil, errx.New(fmt.Errorf("no session for %s", conversationID), http.StatusNotFound, errx.SessionNotFoundMessage)
	}
	var sess model.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

func (r *MemorySessionRepository) Save(ctx context.Context, sess *model.Session) error {
	if sess == nil || sess.ID == "" {
		return errx.New(fmt.Errorf("session has no id"), http.StatusInternalServerError, errx.SystemErrorMessage)
	}
	b, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	r.mu.Lock()
	r.sessions[sess.ID] = b
	r.mu.Unlock()
	return nil
}

func (r *MemorySessionRepository) Delete(ctx context.Context, conversationID string) error {
	r.mu.Lock()
	delete(r.sessions, conversationID)
	r.mu.Unlock()
	return nil
}

var _ model.SessionRepository = (*MemorySessionRepository)(nil)
