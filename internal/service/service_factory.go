package service

import (
	"go.uber.org/zap"

	"accounts-service/internal/config"
	"accounts-service/internal/events"
	"accounts-service/internal/identity"
	"accounts-service/internal/otp"
	"accounts-service/internal/redirect"
	"accounts-service/internal/repository"
	"accounts-service/internal/session"
	"accounts-service/internal/wechat"
)

// ServiceFactory creates and holds service instances
type ServiceFactory struct {
	cfg      *config.Config
	store    repository.Store
	otp      *otp.Service
	sessions *session.Issuer
	linker   *identity.Linker
	wechat   *wechat.Client
	guard    *redirect.Guard
	recorder *events.Recorder
	logger   *zap.Logger

	authService *AuthService
	userService *UserService
}

func NewServiceFactory(
	cfg *config.Config,
	store repository.Store,
	otpService *otp.Service,
	sessions *session.Issuer,
	linker *identity.Linker,
	wechatClient *wechat.Client,
	guard *redirect.Guard,
	recorder *events.Recorder,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		cfg:      cfg,
		store:    store,
		otp:      otpService,
		sessions: sessions,
		linker:   linker,
		wechat:   wechatClient,
		guard:    guard,
		recorder: recorder,
		logger:   logger,
	}
}

// AuthService returns the auth service instance (singleton)
func (f *ServiceFactory) AuthService() *AuthService {
	if f.authService == nil {
		f.authService = NewAuthService(f.otp, f.store, f.sessions, f.linker, f.wechat, f.guard, f.recorder, f.cfg, f.logger)
	}
	return f.authService
}

// UserService returns the user service instance (singleton)
func (f *ServiceFactory) UserService() *UserService {
	if f.userService == nil {
		f.userService = NewUserService(f.store, f.sessions, f.recorder, f.logger)
	}
	return f.userService
}
