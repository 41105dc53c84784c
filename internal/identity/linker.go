// Package identity resolves WeChat logins to local users.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"accounts-service/internal/events"
	"accounts-service/internal/models"
	"accounts-service/internal/redirect"
	"accounts-service/internal/repository"
	"accounts-service/internal/util"
	"accounts-service/internal/wechat"
)

// Error codes carried to the login page.
const (
	ErrCodeNoCode       = "wechat_no_code"
	ErrCodeStateExpired = "wechat_state_expired"
	ErrCodeTokenError   = "wechat_token_error"
	ErrCodeGeneric      = "wechat_error"
)

type OAuthClient interface {
	ExchangeCode(ctx context.Context, code string) (*wechat.Token, error)
	UserInfo(ctx context.Context, accessToken, openID string) (*wechat.UserInfo, error)
}

type AccountStore interface {
	FindAccount(ctx context.Context, provider, providerAccountID string) (*models.Account, error)
	UpdateUserProfile(ctx context.Context, userID string, update models.ProfileUpdate) error
	CreateUserWithAccount(ctx context.Context, u models.User, a models.Account) error
}

type SessionIssuer interface {
	Issue(ctx context.Context, userID string) (*models.Session, error)
}

type TokenSealer interface {
	EncryptString(ctx context.Context, plaintext string) (string, error)
}

// Result is the outcome of a callback. Exactly one of Session and ErrorCode
// is set; RedirectURL is always set.
type Result struct {
	UserID      string
	Session     *models.Session
	Created     bool
	RedirectURL string
	ErrorCode   string
}

type Config struct {
	BaseURL         string
	DefaultReturnTo string
	StateMaxAge     time.Duration
}

type Option func(*Linker)

func WithClock(now func() time.Time) Option {
	return func(l *Linker) { l.now = now }
}

func WithRecorder(r *events.Recorder) Option {
	return func(l *Linker) { l.recorder = r }
}

type Linker struct {
	oauth    OAuthClient
	store    AccountStore
	sessions SessionIssuer
	sealer   TokenSealer
	guard    *redirect.Guard
	cfg      Config
	recorder *events.Recorder
	now      func() time.Time
}

func NewLinker(oauth OAuthClient, store AccountStore, sessions SessionIssuer, sealer TokenSealer, guard *redirect.Guard, cfg Config, opts ...Option) *Linker {
	l := &Linker{
		oauth:    oauth,
		store:    store,
		sessions: sessions,
		sealer:   sealer,
		guard:    guard,
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// HandleCallback completes a WeChat login. An undecodable state falls back
// to the default destination; only a missing code or a stale state abort.
func (l *Linker) HandleCallback(ctx context.Context, code, stateToken, ip string) Result {
	if code == "" {
		return l.fail(ErrCodeNoCode)
	}

	returnTo := l.cfg.DefaultReturnTo
	if state, ok := wechat.DecodeState(stateToken); ok {
		if state.Expired(l.now(), l.cfg.StateMaxAge) {
			return l.fail(ErrCodeStateExpired)
		}
		returnTo = l.guard.Resolve(state.ReturnTo, l.cfg.DefaultReturnTo)
	} else if stateToken != "" {
		util.Debug("WeChat state undecodable, using default return target")
	}

	tok, err := l.oauth.ExchangeCode(ctx, code)
	if err != nil {
		util.Error("WeChat code exchange failed", zap.Error(err))
		return l.fail(ErrCodeGeneric)
	}
	if tok.AccessToken == "" || tok.OpenID == "" {
		util.Error("WeChat token response missing access_token or openid")
		return l.fail(ErrCodeTokenError)
	}

	info, err := l.oauth.UserInfo(ctx, tok.AccessToken, tok.OpenID)
	if err != nil {
		util.Error("WeChat userinfo failed", zap.Error(err))
		return l.fail(ErrCodeGeneric)
	}

	userID, created, err := l.resolveUser(ctx, tok, info)
	if err != nil {
		util.Error("WeChat account resolution failed", zap.Error(err))
		return l.fail(ErrCodeGeneric)
	}

	sess, err := l.sessions.Issue(ctx, userID)
	if err != nil {
		util.Error("Session issue failed", util.UserID(userID), zap.Error(err))
		return l.fail(ErrCodeGeneric)
	}

	if created {
		l.recorder.Record(ctx, models.SecurityEvent{
			EventType: models.EventAccountCreated,
			UserID:    userID,
			IPAddress: ip,
			Details:   map[string]string{"provider": models.ProviderWeChat},
		})
	}
	l.recorder.Record(ctx, models.SecurityEvent{
		EventType: models.EventLoginWeChat,
		UserID:    userID,
		IPAddress: ip,
	})

	return Result{
		UserID:      userID,
		Session:     sess,
		Created:     created,
		RedirectURL: l.absolute(returnTo),
	}
}

// IdentityKey prefers the cross-application union id over the openid.
func IdentityKey(tok *wechat.Token, info *wechat.UserInfo) string {
	if info != nil && info.UnionID != "" {
		return info.UnionID
	}
	if tok.UnionID != "" {
		return tok.UnionID
	}
	return tok.OpenID
}

func (l *Linker) resolveUser(ctx context.Context, tok *wechat.Token, info *wechat.UserInfo) (string, bool, error) {
	key := IdentityKey(tok, info)

	acct, err := l.store.FindAccount(ctx, models.ProviderWeChat, key)
	switch {
	case err == nil:
		l.refreshProfile(ctx, acct.UserID, info)
		return acct.UserID, false, nil
	case !errors.Is(err, repository.ErrNotFound):
		return "", false, fmt.Errorf("find account: %w", err)
	}

	u, a, err := l.newUserWithAccount(ctx, key, tok, info)
	if err != nil {
		return "", false, err
	}

	err = l.store.CreateUserWithAccount(ctx, u, a)
	if errors.Is(err, repository.ErrDuplicate) {
		// A concurrent callback linked the same identity first.
		acct, ferr := l.store.FindAccount(ctx, models.ProviderWeChat, key)
		if ferr != nil {
			return "", false, fmt.Errorf("find account after conflict: %w", ferr)
		}
		return acct.UserID, false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("create user with account: %w", err)
	}
	return u.ID, true, nil
}

func (l *Linker) refreshProfile(ctx context.Context, userID string, info *wechat.UserInfo) {
	var update models.ProfileUpdate
	if info.Nickname != "" {
		update.Name = &info.Nickname
	}
	if info.HeadImgURL != "" {
		update.Image = &info.HeadImgURL
	}
	if update.Empty() {
		return
	}
	if err := l.store.UpdateUserProfile(ctx, userID, update); err != nil {
		util.Warn("Failed to refresh profile from WeChat", util.UserID(userID), zap.Error(err))
	}
}

func (l *Linker) newUserWithAccount(ctx context.Context, key string, tok *wechat.Token, info *wechat.UserInfo) (models.User, models.Account, error) {
	now := l.now().UTC()
	u := models.User{
		ID:        uuid.NewString(),
		Name:      info.Nickname,
		Image:     info.HeadImgURL,
		CreatedAt: now,
		UpdatedAt: now,
	}

	accessToken, err := l.sealer.EncryptString(ctx, tok.AccessToken)
	if err != nil {
		return u, models.Account{}, fmt.Errorf("seal access token: %w", err)
	}
	refreshToken, err := l.sealer.EncryptString(ctx, tok.RefreshToken)
	if err != nil {
		return u, models.Account{}, fmt.Errorf("seal refresh token: %w", err)
	}

	a := models.Account{
		ID:                uuid.NewString(),
		UserID:            u.ID,
		Type:              models.AccountTypeOAuth,
		Provider:          models.ProviderWeChat,
		ProviderAccountID: key,
		AccessToken:       accessToken,
		RefreshToken:      refreshToken,
		Scope:             tok.Scope,
		CreatedAt:         now,
	}
	if tok.ExpiresIn > 0 {
		exp := now.Unix() + tok.ExpiresIn
		a.ExpiresAt = &exp
	}
	return u, a, nil
}

func (l *Linker) fail(code string) Result {
	return Result{
		ErrorCode:   code,
		RedirectURL: l.cfg.BaseURL + "/login?error=" + code,
	}
}

func (l *Linker) absolute(target string) string {
	if len(target) > 0 && target[0] == '/' {
		return l.cfg.BaseURL + target
	}
	return target
}
