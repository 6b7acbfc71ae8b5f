package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	errx "github.com/tasktalk/server/internal/core/error"
	"github.com/tasktalk/server/internal/dialog/model"
	logx "github.com/tasktalk/server/pkg/logger"
)

// RedisSessionRepository stores whole sessions as JSON values, one key per
// conversation, with a sliding TTL touched on every save.
type RedisSessionRepository struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisSessionRepository(rdb redis.Cmdable, ttl time.Duration) *RedisSessionRepository {
	return &RedisSessionRepository{rdb: rdb, ttl: ttl}
}

func (r *RedisSessionRepository) sessionKey(conversationID string) string {
	return fmt.Sprintf("session:%s:state", conversationID)
}

func (r *RedisSessionRepository) Get(ctx context.Context, conversationID string) (*model.Session, error) {
	key := r.sessionKey(conversationID)
	raw, err := r.rdb.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			logx.Error().Err(err).Str("key", key).Msg("failed to load session from redis")
		}
		return nil, errx.WrapRedis(err)
	}

	var sess model.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		logx.Error().Err(err).Str("conversationID", conversationID).Msg("failed to unmarshal session")
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}

	// extend TTL on touch
	if r.ttl > 0 {
		if ok, err := r.rdb.Expire(ctx, key, r.ttl).Result(); err != nil {
			logx.Error().Err(err).Str("key", key).Msg("failed to set expire")
		} else if !ok {
			logx.Warn().Str("key", key).Dur("ttl", r.ttl).Msg("failed to set TTL on session key")
		}
	}
	return &sess, nil
}

func (r *RedisSessionRepository) Save(ctx context.Context, sess *model.Session) error {
	if sess == nil || sess.ID == "" {
		return errx.New(fmt.Errorf("session has no id"), http.StatusInternalServerError, errx.SystemErrorMessage)
	}
	b, err := json.Marshal(sess)
	if err != nil {
		logx.Error().Err(err).Str("conversationID", sess.ID).Msg("failed to marshal session")
		return fmt.Errorf("marshal session: %w", err)
	}
	key := r.sessionKey(sess.ID)
	if err := r.rdb.Set(ctx, key, b, r.ttl).Err(); err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to write session to redis")
		return errx.WrapRedis(err)
	}
	return nil
}

func (r *RedisSessionRepository) Delete(ctx context.Context, conversationID string) error {
	key := r.sessionKey(conversationID)
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to delete session from redis")
		return errx.WrapRedis(err)
	}
	return nil
}

var _ model.SessionRepository = (*RedisSessionRepository)(nil)
