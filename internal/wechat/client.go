// Package wechat talks to the WeChat Open Platform web login API.
package wechat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"accounts-service/internal/apperr"
	"accounts-service/internal/config"
	"accounts-service/internal/util"
)

type Token struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	OpenID       string `json:"openid"`
	Scope        string `json:"scope"`
	UnionID      string `json:"unionid"`
}

type UserInfo struct {
	OpenID     string   `json:"openid"`
	Nickname   string   `json:"nickname"`
	Sex        int      `json:"sex"`
	Province   string   `json:"province"`
	City       string   `json:"city"`
	Country    string   `json:"country"`
	HeadImgURL string   `json:"headimgurl"`
	Privilege  []string `json:"privilege"`
	UnionID    string   `json:"unionid"`
}

// APIError is an errcode response from the WeChat API.
type APIError struct {
	Code    int    `json:"errcode"`
	Message string `json:"errmsg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wechat errcode %d: %s", e.Code, e.Message)
}

type Client struct {
	appID      string
	secret     string
	authURL    string
	apiBaseURL string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

func NewClient(cfg config.WeChatConfig, opts ...Option) *Client {
	c := &Client{
		appID:      cfg.AppID,
		secret:     cfg.Secret,
		authURL:    cfg.AuthURL,
		apiBaseURL: strings.TrimRight(cfg.APIBaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AuthURL returns the QR-code login page URL.
func (c *Client) AuthURL(redirectURI, state string) (string, error) {
	if c.appID == "" {
		return "", apperr.New(apperr.KindConfig, "WECHAT_APPID not configured")
	}
	q := url.Values{}
	q.Set("appid", c.appID)
	q.Set("redirect_uri", redirectURI)
	q.Set("response_type", "code")
	q.Set("scope", "snsapi_login")
	q.Set("state", state)
	return c.authURL + "?" + q.Encode() + "#wechat_redirect", nil
}

func (c *Client) ExchangeCode(ctx context.Context, code string) (*Token, error) {
	if c.appID == "" || c.secret == "" {
		return nil, apperr.New(apperr.KindConfig, "WeChat credentials not configured")
	}
	q := url.Values{}
	q.Set("appid", c.appID)
	q.Set("secret", c.secret)
	q.Set("code", code)
	q.Set("grant_type", "authorization_code")

	var tok Token
	if err := c.get(ctx, "/sns/oauth2/access_token", q, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

func (c *Client) UserInfo(ctx context.Context, accessToken, openID string) (*UserInfo, error) {
	q := url.Values{}
	q.Set("access_token", accessToken)
	q.Set("openid", openID)

	var info UserInfo
	if err := c.get(ctx, "/sns/userinfo", q, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return apperr.Wrap(apperr.KindProvider, "wechat request failed", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindProvider, "wechat request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperr.Wrap(apperr.KindProvider, "wechat response unreadable", err)
	}

	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err != nil {
		return apperr.Wrap(apperr.KindProvider, "wechat response malformed", err)
	}
	if apiErr.Code != 0 {
		util.Warn("WeChat API error",
			zap.String("path", path),
			zap.Int("errcode", apiErr.Code),
			zap.String("errmsg", apiErr.Message))
		return apperr.Wrap(apperr.KindProvider, apiErr.Message, &apiErr)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperr.Wrap(apperr.KindProvider, "wechat response malformed", err)
	}

	util.Debug("WeChat API call", zap.String("path", path), zap.Duration("took", time.Since(start)))
	return nil
}
