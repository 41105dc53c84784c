package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"accounts-service/internal/config"
	"accounts-service/internal/events"
	"accounts-service/internal/identity"
	"accounts-service/internal/models"
	"accounts-service/internal/otp"
	"accounts-service/internal/redirect"
	"accounts-service/internal/repository"
	"accounts-service/internal/session"
	"accounts-service/internal/util"
	"accounts-service/internal/wechat"
)

const wechatCallbackPath = "/api/auth/wechat/callback"

var ErrUnauthenticated = errors.New("unauthenticated")

// PhoneLoginResult is a successful phone login.
type PhoneLoginResult struct {
	User     *models.User
	Session  *models.Session
	Redirect string
	Created  bool
}

// AuthService handles the login flows.
type AuthService struct {
	otp      *otp.Service
	store    repository.Store
	sessions *session.Issuer
	linker   *identity.Linker
	wechat   *wechat.Client
	guard    *redirect.Guard
	recorder *events.Recorder
	cfg      *config.Config
	logger   *zap.Logger
	now      func() time.Time
}

func NewAuthService(
	otpService *otp.Service,
	store repository.Store,
	sessions *session.Issuer,
	linker *identity.Linker,
	wechatClient *wechat.Client,
	guard *redirect.Guard,
	recorder *events.Recorder,
	cfg *config.Config,
	logger *zap.Logger,
) *AuthService {
	return &AuthService{
		otp:      otpService,
		store:    store,
		sessions: sessions,
		linker:   linker,
		wechat:   wechatClient,
		guard:    guard,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *AuthService) SendCode(ctx context.Context, phone string) error {
	return s.otp.RequestSend(ctx, phone)
}

// PhoneLogin verifies code, then finds or creates the user for phone and
// issues a session.
func (s *AuthService) PhoneLogin(ctx context.Context, phone, code, returnTo, ip string) (*PhoneLoginResult, error) {
	if err := s.otp.Verify(ctx, phone, code); err != nil {
		return nil, err
	}

	user, created, err := s.userForPhone(ctx, phone)
	if err != nil {
		return nil, err
	}

	sess, err := s.sessions.Issue(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	if created {
		s.recorder.Record(ctx, models.SecurityEvent{
			EventType: models.EventAccountCreated,
			UserID:    user.ID,
			IPAddress: ip,
			Details:   map[string]string{"provider": models.ProviderPhone},
		})
	}
	s.recorder.Record(ctx, models.SecurityEvent{
		EventType: models.EventLoginPhone,
		UserID:    user.ID,
		Subject:   util.MaskPhone(phone),
		IPAddress: ip,
	})
	s.logger.Info("Phone login", util.UserID(user.ID), util.Phone(phone), zap.Bool("new_user", created))

	return &PhoneLoginResult{
		User:     user,
		Session:  sess,
		Redirect: s.guard.Resolve(returnTo, s.cfg.Redirect.DefaultReturnTo),
		Created:  created,
	}, nil
}

func (s *AuthService) userForPhone(ctx context.Context, phone string) (*models.User, bool, error) {
	now := s.now().UTC()

	user, err := s.store.FindUserByPhone(ctx, phone)
	if err == nil {
		if user.PhoneVerified == nil {
			if err := s.store.MarkPhoneVerified(ctx, user.ID, now); err != nil {
				return nil, false, fmt.Errorf("mark phone verified: %w", err)
			}
			user.PhoneVerified = &now
		}
		return user, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, fmt.Errorf("find user by phone: %w", err)
	}

	user, err = s.store.CreatePhoneUser(ctx, phone, now)
	if errors.Is(err, repository.ErrDuplicate) {
		user, err = s.store.FindUserByPhone(ctx, phone)
		if err != nil {
			return nil, false, fmt.Errorf("find user after conflict: %w", err)
		}
		return user, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create phone user: %w", err)
	}
	return user, true, nil
}

// WeChatAuthURL returns the provider login URL carrying returnTo in its state.
func (s *AuthService) WeChatAuthURL(returnTo string) (string, error) {
	if returnTo == "" {
		returnTo = s.cfg.Redirect.DefaultReturnTo
	}
	state := wechat.EncodeState(returnTo, s.now())
	return s.wechat.AuthURL(s.cfg.BaseURL+wechatCallbackPath, state)
}

func (s *AuthService) WeChatCallback(ctx context.Context, code, state, ip string) identity.Result {
	return s.linker.HandleCallback(ctx, code, state, ip)
}

// SignOut revokes the session behind token, if any.
func (s *AuthService) SignOut(ctx context.Context, token, ip string) error {
	if token == "" {
		return nil
	}
	sess, err := s.sessions.Lookup(ctx, token)
	if err != nil && !errors.Is(err, session.ErrNoSession) {
		return err
	}
	if err := s.sessions.Revoke(ctx, token); err != nil {
		return err
	}
	if sess != nil {
		s.recorder.Record(ctx, models.SecurityEvent{
			EventType: models.EventSessionRevoked,
			UserID:    sess.UserID,
			IPAddress: ip,
		})
	}
	return nil
}
