package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"accounts-service/internal/apperr"
	"accounts-service/internal/events"
	"accounts-service/internal/models"
	"accounts-service/internal/repository"
	"accounts-service/internal/session"
	"accounts-service/internal/util"
)

const maxDisplayNameLength = 64

// UserService handles the signed-in user's own records.
type UserService struct {
	store    repository.Store
	sessions *session.Issuer
	recorder *events.Recorder
	logger   *zap.Logger
}

func NewUserService(store repository.Store, sessions *session.Issuer, recorder *events.Recorder, logger *zap.Logger) *UserService {
	return &UserService{store: store, sessions: sessions, recorder: recorder, logger: logger}
}

// Authenticate resolves a session token to its user.
func (s *UserService) Authenticate(ctx context.Context, token string) (*models.User, error) {
	sess, err := s.sessions.Lookup(ctx, token)
	if errors.Is(err, session.ErrNoSession) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, err
	}

	user, err := s.store.FindUserByID(ctx, sess.UserID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("find session user: %w", err)
	}
	return user, nil
}

func (s *UserService) UpdateDisplayName(ctx context.Context, userID, name string) error {
	clean, ok := util.SanitizeDisplayName(name, maxDisplayNameLength)
	if !ok {
		return apperr.Validation("昵称长度需为1-64个字符")
	}

	if err := s.store.UpdateUserProfile(ctx, userID, models.ProfileUpdate{Name: &clean}); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrUnauthenticated
		}
		return fmt.Errorf("update profile: %w", err)
	}

	s.recorder.Record(ctx, models.SecurityEvent{EventType: models.EventProfileUpdated, UserID: userID})
	return nil
}

// Unlink removes the user's accounts for provider. Unlinking a provider the
// user never linked succeeds without change.
func (s *UserService) Unlink(ctx context.Context, userID, provider string) error {
	if provider == "" {
		return apperr.Validation("请指定登录方式")
	}

	removed, err := s.store.UnlinkProvider(ctx, userID, provider)
	switch {
	case errors.Is(err, repository.ErrLastLoginMethod):
		return apperr.Validation("至少保留一种登录方式")
	case errors.Is(err, repository.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("unlink provider: %w", err)
	}

	s.logger.Info("Provider unlinked", util.UserID(userID), zap.String("provider", provider), zap.Int64("removed", removed))
	s.recorder.Record(ctx, models.SecurityEvent{
		EventType: models.EventAccountUnlinked,
		UserID:    userID,
		Details:   map[string]string{"provider": provider},
	})
	return nil
}

func (s *UserService) Accounts(ctx context.Context, userID string) ([]models.Account, error) {
	accounts, err := s.store.ListAccounts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}
