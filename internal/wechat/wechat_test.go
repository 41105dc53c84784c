package wechat

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accounts-service/internal/apperr"
	"accounts-service/internal/config"
)

func TestStateRoundTrip(t *testing.T) {
	now := time.Now()
	returnTo := "https://app.example.com/path?q=你好&a=1"

	token := EncodeState(returnTo, now)
	assert.NotContains(t, token, "=")
	assert.NotContains(t, token, "+")
	assert.NotContains(t, token, "/")

	s, ok := DecodeState(token)
	require.True(t, ok)
	assert.Equal(t, returnTo, s.ReturnTo)
	assert.Equal(t, now.UnixMilli(), s.TS)
}

func TestDecodeStateAcceptsStandardAlphabet(t *testing.T) {
	payload := []byte(`{"returnTo":"https://a.example.com/?x=>>>","ts":1700000000000}`)
	s, ok := DecodeState(base64.StdEncoding.EncodeToString(payload))
	require.True(t, ok)
	assert.Equal(t, "https://a.example.com/?x=>>>", s.ReturnTo)
	assert.Equal(t, int64(1700000000000), s.TS)
}

func TestDecodeStateInvalid(t *testing.T) {
	for _, in := range []string{
		"",
		"not base64 !!!",
		base64.RawURLEncoding.EncodeToString([]byte("plain text")),
		base64.RawURLEncoding.EncodeToString([]byte(`{"returnTo":"/x"}`)),
		base64.RawURLEncoding.EncodeToString([]byte(`[1,2]`)),
	} {
		_, ok := DecodeState(in)
		assert.False(t, ok, in)
	}
}

func TestStateExpired(t *testing.T) {
	now := time.Now()
	s := State{TS: now.Add(-11 * time.Minute).UnixMilli()}
	assert.True(t, s.Expired(now, 10*time.Minute))

	s.TS = now.Add(-9 * time.Minute).UnixMilli()
	assert.False(t, s.Expired(now, 10*time.Minute))
}

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(config.WeChatConfig{
		AppID:      "wx123",
		Secret:     "shh",
		AuthURL:    "https://open.weixin.qq.com/connect/qrconnect",
		APIBaseURL: srv.URL,
		Timeout:    time.Second,
	})
}

func TestAuthURL(t *testing.T) {
	c := NewClient(config.WeChatConfig{AppID: "wx123", AuthURL: "https://open.weixin.qq.com/connect/qrconnect"})

	raw, err := c.AuthURL("https://accounts.example.com/api/auth/wechat/callback", "st")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(raw, "#wechat_redirect"))

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "open.weixin.qq.com", u.Host)
	q := u.Query()
	assert.Equal(t, "wx123", q.Get("appid"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "snsapi_login", q.Get("scope"))
	assert.Equal(t, "st", q.Get("state"))
	assert.Equal(t, "https://accounts.example.com/api/auth/wechat/callback", q.Get("redirect_uri"))

	_, err = NewClient(config.WeChatConfig{}).AuthURL("x", "y")
	assert.ErrorIs(t, err, apperr.ErrConfig)
}

func TestExchangeCodeAndUserInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch r.URL.Path {
		case "/sns/oauth2/access_token":
			assert.Equal(t, "wx123", q.Get("appid"))
			assert.Equal(t, "shh", q.Get("secret"))
			assert.Equal(t, "the-code", q.Get("code"))
			assert.Equal(t, "authorization_code", q.Get("grant_type"))
			_, _ = w.Write([]byte(`{"access_token":"AT","expires_in":7200,"refresh_token":"RT","openid":"o1","scope":"snsapi_login","unionid":"u1"}`))
		case "/sns/userinfo":
			assert.Equal(t, "AT", q.Get("access_token"))
			assert.Equal(t, "o1", q.Get("openid"))
			_, _ = w.Write([]byte(`{"openid":"o1","nickname":"小明","headimgurl":"https://wx.qlogo.cn/a.png","privilege":[]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv)
	tok, err := c.ExchangeCode(context.Background(), "the-code")
	require.NoError(t, err)
	assert.Equal(t, "AT", tok.AccessToken)
	assert.Equal(t, int64(7200), tok.ExpiresIn)
	assert.Equal(t, "u1", tok.UnionID)

	info, err := c.UserInfo(context.Background(), tok.AccessToken, tok.OpenID)
	require.NoError(t, err)
	assert.Equal(t, "小明", info.Nickname)
	assert.Empty(t, info.UnionID)
}

func TestExchangeCodeErrcode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errcode":40029,"errmsg":"invalid code"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).ExchangeCode(context.Background(), "bad")
	require.ErrorIs(t, err, apperr.ErrProvider)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 40029, apiErr.Code)
	assert.Equal(t, "invalid code", apperr.ReasonOf(err))
}

func TestClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(config.WeChatConfig{AppID: "a", Secret: "b", APIBaseURL: srv.URL, Timeout: 20 * time.Millisecond})
	_, err := c.ExchangeCode(context.Background(), "c")
	assert.ErrorIs(t, err, apperr.ErrProvider)
}
