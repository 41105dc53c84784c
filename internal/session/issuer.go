// Package session issues and resolves opaque login sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	secure "github.com/soulteary/secure-kit"
	"go.uber.org/zap"

	"accounts-service/internal/models"
	"accounts-service/internal/repository"
	"accounts-service/internal/util"
)

const tokenBytes = 32

var ErrNoSession = errors.New("no valid session")

// Store persists sessions. The database stores and the redis session cache
// implement it.
type Store interface {
	CreateSession(ctx context.Context, s models.Session) error
	FindSession(ctx context.Context, token string) (*models.Session, error)
	DeleteSession(ctx context.Context, token string) error
}

type Option func(*Issuer)

func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// WithCache puts a read-through, write-through cache in front of the store.
func WithCache(cache Store) Option {
	return func(i *Issuer) { i.cache = cache }
}

type Issuer struct {
	store Store
	cache Store
	ttl   time.Duration
	now   func() time.Time
}

func NewIssuer(store Store, ttl time.Duration, opts ...Option) *Issuer {
	i := &Issuer{store: store, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue creates a session for userID with an absolute expiry.
func (i *Issuer) Issue(ctx context.Context, userID string) (*models.Session, error) {
	token, err := secure.RandomHex(tokenBytes)
	if err != nil {
		return nil, fmt.Errorf("generate session token: %w", err)
	}

	now := i.now().UTC()
	sess := models.Session{
		Token:     token,
		UserID:    userID,
		ExpiresAt: now.Add(i.ttl),
		CreatedAt: now,
	}
	if err := i.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if i.cache != nil {
		if err := i.cache.CreateSession(ctx, sess); err != nil {
			util.Warn("Failed to cache session", util.UserID(userID), zap.Error(err))
		}
	}
	return &sess, nil
}

// Lookup returns the live session for token, or ErrNoSession.
func (i *Issuer) Lookup(ctx context.Context, token string) (*models.Session, error) {
	if token == "" {
		return nil, ErrNoSession
	}

	sess, err := i.find(ctx, token)
	if err != nil {
		return nil, err
	}
	if sess.Expired(i.now()) {
		if err := i.Revoke(ctx, token); err != nil {
			util.Warn("Failed to delete expired session", zap.Error(err))
		}
		return nil, ErrNoSession
	}
	return sess, nil
}

func (i *Issuer) find(ctx context.Context, token string) (*models.Session, error) {
	if i.cache != nil {
		sess, err := i.cache.FindSession(ctx, token)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			util.Warn("Session cache lookup failed", zap.Error(err))
		}
	}

	sess, err := i.store.FindSession(ctx, token)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	if i.cache != nil && !sess.Expired(i.now()) {
		if err := i.cache.CreateSession(ctx, *sess); err != nil {
			util.Warn("Failed to cache session", util.UserID(sess.UserID), zap.Error(err))
		}
	}
	return sess, nil
}

// Revoke deletes the session. Unknown tokens are not an error.
func (i *Issuer) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if i.cache != nil {
		if err := i.cache.DeleteSession(ctx, token); err != nil && !errors.Is(err, repository.ErrNotFound) {
			util.Warn("Failed to evict cached session", zap.Error(err))
		}
	}
	if err := i.store.DeleteSession(ctx, token); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
