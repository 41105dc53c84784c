// Package repository holds what every storage backend shares.
package repository

import (
	"context"
	"errors"
	"time"

	"accounts-service/internal/models"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
	// ErrLastLoginMethod is returned when an unlink would leave a user
	// without any linked account.
	ErrLastLoginMethod = errors.New("user must keep at least one login method")
)

// StateRecord is a versioned opaque value. Version 0 means the key is absent.
type StateRecord struct {
	Value   []byte
	Version int64
}

// Store is the account database. The sqlite and scylla packages implement it.
type Store interface {
	FindUserByID(ctx context.Context, id string) (*models.User, error)
	FindUserByPhone(ctx context.Context, phone string) (*models.User, error)
	// CreatePhoneUser creates a user and its phone account together.
	CreatePhoneUser(ctx context.Context, phone string, verifiedAt time.Time) (*models.User, error)
	MarkPhoneVerified(ctx context.Context, userID string, at time.Time) error
	UpdateUserProfile(ctx context.Context, userID string, update models.ProfileUpdate) error

	FindAccount(ctx context.Context, provider, providerAccountID string) (*models.Account, error)
	// CreateUserWithAccount writes both records or neither.
	CreateUserWithAccount(ctx context.Context, u models.User, a models.Account) error
	ListAccounts(ctx context.Context, userID string) ([]models.Account, error)
	UnlinkProvider(ctx context.Context, userID, provider string) (int64, error)

	CreateSession(ctx context.Context, s models.Session) error
	FindSession(ctx context.Context, token string) (*models.Session, error)
	DeleteSession(ctx context.Context, token string) error

	ReplaceChallenge(ctx context.Context, ch models.Challenge) error
	FindChallenge(ctx context.Context, phone string) (*models.Challenge, error)
	DeleteChallenge(ctx context.Context, phone string) error

	HealthCheck(ctx context.Context) error
	Close() error
}
