package redis

import (
	"context"
	"fmt"
	"time"

	rediskitcache "github.com/soulteary/redis-kit/cache"
	"go.uber.org/zap"

	"accounts-service/internal/client"
	"accounts-service/internal/models"
	"accounts-service/internal/repository"
	"accounts-service/internal/util"
)

const (
	challengePrefix = "otp_challenge:"
	// Expired challenges stay readable this long so lookups can tell
	// "expired" from "never sent".
	challengeGrace = time.Hour
)

// ChallengeCache stores the live challenge per phone in redis.
type ChallengeCache struct {
	cache rediskitcache.Cache
	now   func() time.Time
}

func NewChallengeCache(client *client.RedisClient) *ChallengeCache {
	return &ChallengeCache{
		cache: rediskitcache.NewCache(client.Client, challengePrefix),
		now:   time.Now,
	}
}

func (c *ChallengeCache) ReplaceChallenge(ctx context.Context, ch models.Challenge) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ttl := ch.ExpiresAt.Sub(c.now()) + challengeGrace
	if err := c.cache.Set(ctx, ch.Phone, ch, ttl); err != nil {
		util.Error("Failed to store challenge", util.Phone(ch.Phone), zap.Error(err))
		return fmt.Errorf("failed to store challenge: %w", err)
	}
	return nil
}

func (c *ChallengeCache) FindChallenge(ctx context.Context, phone string) (*models.Challenge, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	exists, err := c.cache.Exists(ctx, phone)
	if err != nil {
		return nil, fmt.Errorf("failed to check challenge: %w", err)
	}
	if !exists {
		return nil, repository.ErrNotFound
	}

	var ch models.Challenge
	if err := c.cache.Get(ctx, phone, &ch); err != nil {
		if still, _ := c.cache.Exists(ctx, phone); !still {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read challenge: %w", err)
	}
	return &ch, nil
}

func (c *ChallengeCache) DeleteChallenge(ctx context.Context, phone string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.cache.Del(ctx, phone); err != nil {
		return fmt.Errorf("failed to delete challenge: %w", err)
	}
	return nil
}
