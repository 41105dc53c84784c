package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"accounts-service/internal/bucketing"
	"accounts-service/internal/config"
	"accounts-service/internal/encryption"
	"accounts-service/internal/hashing"
	"accounts-service/internal/identity"
	"accounts-service/internal/otp"
	"accounts-service/internal/redirect"
	"accounts-service/internal/repository/memory"
	"accounts-service/internal/repository/sqlite"
	"accounts-service/internal/service"
	"accounts-service/internal/session"
	"accounts-service/internal/sms"
	"accounts-service/internal/wechat"
)

const testPhone = "13800138000"

type captureSender struct {
	mu    sync.Mutex
	codes map[string]string
}

func (s *captureSender) Send(_ context.Context, phone, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[phone] = code
	return nil
}

func (s *captureSender) code(phone string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codes[phone]
}

type staticHealth map[string]error

func (h staticHealth) HealthCheck(context.Context) map[string]error {
	return h
}

type fixture struct {
	router http.Handler
	sender *captureSender
	cookie string
}

func newFixture(t *testing.T, health HealthChecker) *fixture {
	t.Helper()
	ctx := context.Background()

	wx := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/sns/oauth2/access_token":
			_, _ = w.Write([]byte(`{"access_token":"AT","expires_in":7200,"refresh_token":"RT","openid":"openid-1","scope":"snsapi_login"}`))
		case "/sns/userinfo":
			_, _ = w.Write([]byte(`{"openid":"openid-1","nickname":"微信用户","headimgurl":"https://wx.qlogo.cn/a.png"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(wx.Close)

	cfg := &config.Config{Environment: "test", BaseURL: "https://accounts.example.com"}
	cfg.OTP = config.OTPConfig{
		Cooldown:          60 * time.Second,
		MaxSendsPerWindow: 5,
		SendWindow:        time.Hour,
		CodeTTL:           5 * time.Minute,
		MaxVerifyFailures: 5,
		LockoutDuration:   10 * time.Minute,
	}
	cfg.Redirect = config.RedirectConfig{BaseDomains: []string{"example.com"}, DefaultReturnTo: "/account"}
	cfg.Session = config.SessionConfig{TTL: 30 * 24 * time.Hour, CookieName: "ac.session-token"}
	cfg.WeChat = config.WeChatConfig{
		AppID:       "wx123",
		Secret:      "shh",
		AuthURL:     "https://open.weixin.qq.com/connect/qrconnect",
		APIBaseURL:  wx.URL,
		StateMaxAge: 10 * time.Minute,
		Timeout:     5 * time.Second,
	}

	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))

	bm := bucketing.NewBucketingManager(config.BucketingConfig{LockStripes: 8, EventBuckets: 4})
	hasher := hashing.NewHasher(config.HashingConfig{Argon2MemoryCost: 64, Argon2TimeCost: 1, Argon2Parallelism: 1, Pepper: "pepper"})
	sender := &captureSender{codes: map[string]string{}}

	otpService, err := otp.NewService(cfg.OTP, memory.NewStateStore(bm), store, hasher, sms.Gateway{Sender: sender}, zap.NewNop())
	require.NoError(t, err)

	sealer, err := encryption.NewEncryptionManager(config.KMSConfig{}, nil)
	require.NoError(t, err)

	issuer := session.NewIssuer(store, cfg.Session.TTL)
	guard := redirect.NewGuard(cfg.Redirect.BaseDomains)
	wechatClient := wechat.NewClient(cfg.WeChat)
	linker := identity.NewLinker(wechatClient, store, issuer, sealer, guard, identity.Config{
		BaseURL:         cfg.BaseURL,
		DefaultReturnTo: cfg.Redirect.DefaultReturnTo,
		StateMaxAge:     cfg.WeChat.StateMaxAge,
	})

	services := service.NewServiceFactory(cfg, store, otpService, issuer, linker, wechatClient, guard, nil, zap.NewNop())
	cookies := session.NewCookieWriter(cfg)
	if health == nil {
		health = staticHealth{"database": nil}
	}

	router := NewRouter(RouterConfig{AllowedOrigins: []string{"https://app.example.com"}},
		NewAuthHandler(services.AuthService(), cookies, zap.NewNop()),
		NewUserHandler(services.UserService(), cookies, zap.NewNop()),
		health, zap.NewNop())

	return &fixture{router: router, sender: sender, cookie: cookies.Name()}
}

func (f *fixture) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.AddCookie(&http.Cookie{Name: f.cookie, Value: token})
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) sessionToken(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == f.cookie {
			return c.Value
		}
	}
	t.Fatalf("no %s cookie in response", f.cookie)
	return ""
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (f *fixture) login(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/auth/phone/send", `{"phone":"`+testPhone+`"}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/auth/phone/verify", `{"phone":"`+testPhone+`","code":"`+f.sender.code(testPhone)+`"}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return f.sessionToken(t, rec)
}

func TestSendCode(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/auth/phone/send", `{"phone":"123"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "请输入有效的手机号", decode(t, rec)["error"])

	rec = f.do(t, http.MethodPost, "/api/auth/phone/send", `not json`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/auth/phone/send", `{"phone":"`+testPhone+`"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["ok"])
	assert.Len(t, f.sender.code(testPhone), 6)

	rec = f.do(t, http.MethodPost, "/api/auth/phone/send", `{"phone":"`+testPhone+`"}`, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Contains(t, decode(t, rec)["error"], "60")
}

func TestVerifyCode(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/auth/phone/send", `{"phone":"`+testPhone+`"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	code := f.sender.code(testPhone)
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	rec = f.do(t, http.MethodPost, "/api/auth/phone/verify", `{"phone":"`+testPhone+`","code":"`+wrong+`"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Result().Cookies())

	rec = f.do(t, http.MethodPost, "/api/auth/phone/verify", `{"phone":"`+testPhone+`","code":"12"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/auth/phone/verify",
		`{"phone":"`+testPhone+`","code":"`+code+`","returnTo":"https://app.example.com/after"}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "https://app.example.com/after", body["redirect"])
	assert.NotEmpty(t, f.sessionToken(t, rec))
}

func TestVerifyCodeRejectsForeignRedirect(t *testing.T) {
	f := newFixture(t, nil)

	f.do(t, http.MethodPost, "/api/auth/phone/send", `{"phone":"`+testPhone+`"}`, "")
	rec := f.do(t, http.MethodPost, "/api/auth/phone/verify",
		`{"phone":"`+testPhone+`","code":"`+f.sender.code(testPhone)+`","returnTo":"https://evil.com/"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/account", decode(t, rec)["redirect"])
}

func TestSessionAndProfile(t *testing.T) {
	f := newFixture(t, nil)
	token := f.login(t)

	rec := f.do(t, http.MethodGet, "/api/session", "", token)
	require.Equal(t, http.StatusOK, rec.Code)
	user := decode(t, rec)["user"].(map[string]any)
	assert.Equal(t, testPhone, user["phone"])
	assert.NotEmpty(t, user["id"])

	rec = f.do(t, http.MethodPatch, "/api/user/profile", `{"name":"  小红  "}`, token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["success"])

	rec = f.do(t, http.MethodGet, "/api/session", "", token)
	assert.Equal(t, "小红", decode(t, rec)["user"].(map[string]any)["name"])

	rec = f.do(t, http.MethodPatch, "/api/user/profile", `{"name":"   "}`, token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPatch, "/api/user/profile", `{"name":"`+strings.Repeat("名", 65)+`"}`, token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnauthenticated(t *testing.T) {
	f := newFixture(t, nil)

	for _, tc := range []struct{ method, path, body, token string }{
		{http.MethodGet, "/api/session", "", ""},
		{http.MethodGet, "/api/session", "", "bogus"},
		{http.MethodPatch, "/api/user/profile", `{"name":"x"}`, ""},
		{http.MethodPost, "/api/user/unlink", `{"provider":"wechat"}`, ""},
		{http.MethodGet, "/api/user/accounts", "", ""},
	} {
		rec := f.do(t, tc.method, tc.path, tc.body, tc.token)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, tc.path)
		assert.Equal(t, "UNAUTHENTICATED", decode(t, rec)["error"], tc.path)
	}
}

func TestAccountsAndUnlink(t *testing.T) {
	f := newFixture(t, nil)
	token := f.login(t)

	rec := f.do(t, http.MethodGet, "/api/user/accounts", "", token)
	require.Equal(t, http.StatusOK, rec.Code)
	accounts := decode(t, rec)["accounts"].([]any)
	require.Len(t, accounts, 1)
	assert.Equal(t, "phone", accounts[0].(map[string]any)["provider"])

	rec = f.do(t, http.MethodPost, "/api/user/unlink", `{"provider":"phone"}`, token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "至少保留一种登录方式", decode(t, rec)["error"])

	rec = f.do(t, http.MethodPost, "/api/user/unlink", `{"provider":""}`, token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSignOut(t *testing.T) {
	f := newFixture(t, nil)
	token := f.login(t)

	rec := f.do(t, http.MethodPost, "/api/auth/signout", "", token)
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Less(t, cookies[0].MaxAge, 0)

	rec = f.do(t, http.MethodGet, "/api/session", "", token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/auth/signout", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWeChatLogin(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/auth/wechat/start?returnTo="+url.QueryEscape("https://app.example.com/after"), "", "")
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "open.weixin.qq.com", loc.Host)
	assert.Equal(t, "wechat_redirect", loc.Fragment)
	q := loc.Query()
	assert.Equal(t, "wx123", q.Get("appid"))
	assert.Equal(t, "https://accounts.example.com/api/auth/wechat/callback", q.Get("redirect_uri"))

	rec = f.do(t, http.MethodGet, "/api/auth/wechat/callback?code=C0DE&state="+url.QueryEscape(q.Get("state")), "", "")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://app.example.com/after", rec.Header().Get("Location"))
	token := f.sessionToken(t, rec)

	rec = f.do(t, http.MethodGet, "/api/session", "", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "微信用户", decode(t, rec)["user"].(map[string]any)["name"])

	rec = f.do(t, http.MethodPost, "/api/user/unlink", `{"provider":"wechat"}`, token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWeChatCallbackWithoutCode(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/auth/wechat/callback", "", "")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://accounts.example.com/login?error=wechat_no_code", rec.Header().Get("Location"))
	assert.Empty(t, rec.Result().Cookies())
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "ok", body["checks"].(map[string]any)["database"])

	f = newFixture(t, staticHealth{"database": nil, "redis": errors.New("connection refused")})
	rec = f.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "unhealthy", body["status"])
	assert.Equal(t, "connection refused", body["checks"].(map[string]any)["redis"])
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/nope", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "endpoint not found", decode(t, rec)["error"])

	rec = f.do(t, http.MethodGet, "/api/auth/phone/send", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRequireTLS(t *testing.T) {
	router := NewRouter(RouterConfig{RequireTLS: true}, &AuthHandler{}, &UserHandler{}, staticHealth{}, zap.NewNop())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusUpgradeRequired, rec.Code)
}
