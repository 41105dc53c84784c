package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"accounts-service/internal/client"
	"accounts-service/internal/models"
	"accounts-service/internal/repository"
	"accounts-service/internal/util"
)

const (
	sessionDataPrefix  = "session_data:"
	userSessionsPrefix = "user_sessions:"
)

// SessionCache is a write-through cache in front of the session table.
// Entries expire with the session they hold.
type SessionCache struct {
	client *client.RedisClient
	now    func() time.Time
}

func NewSessionCache(client *client.RedisClient) *SessionCache {
	return &SessionCache{client: client, now: time.Now}
}

func (c *SessionCache) CreateSession(ctx context.Context, s models.Session) error {
	ttl := s.ExpiresAt.Sub(c.now())
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	userKey := userSessionsPrefix + s.UserID
	pipe := c.client.Client.TxPipeline()
	pipe.Set(ctx, sessionDataPrefix+s.Token, data, ttl)
	pipe.SAdd(ctx, userKey, s.Token)
	pipe.Expire(ctx, userKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to cache session", util.UserID(s.UserID), zap.Error(err))
		return fmt.Errorf("failed to cache session: %w", err)
	}
	return nil
}

func (c *SessionCache) FindSession(ctx context.Context, token string) (*models.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := c.client.Client.Get(ctx, sessionDataPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached session: %w", err)
	}

	var s models.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode cached session: %w", err)
	}
	s.Token = token
	return &s, nil
}

func (c *SessionCache) DeleteSession(ctx context.Context, token string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := sessionDataPrefix + token
	data, err := c.client.Client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read cached session: %w", err)
	}

	var s models.Session
	_ = json.Unmarshal(data, &s)

	pipe := c.client.Client.TxPipeline()
	pipe.Del(ctx, key)
	if s.UserID != "" {
		pipe.SRem(ctx, userSessionsPrefix+s.UserID, token)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to evict cached session", zap.Error(err))
		return fmt.Errorf("failed to evict cached session: %w", err)
	}
	return nil
}

// UserSessionCount returns how many cached sessions a user holds.
func (c *SessionCache) UserSessionCount(ctx context.Context, userID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	n, err := c.client.Client.SCard(ctx, userSessionsPrefix+userID).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count user sessions: %w", err)
	}
	return n, nil
}
