package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"accounts-service/internal/apperr"
)

const (
	apiVersion     = "2017-05-25"
	successCode    = "OK"
	maxResponseLen = 1 << 20
)

// Credentials identify the caller to the provider.
type Credentials struct {
	AccessKey string
	Secret    string
}

// ProviderResponseError is the cause attached to a ProviderError when the
// provider answers with a non-success code.
type ProviderResponseError struct {
	Code      string
	Message   string
	RequestID string
}

func (e *ProviderResponseError) Error() string {
	return fmt.Sprintf("provider returned %s: %s (request %s)", e.Code, e.Message, e.RequestID)
}

type rpcResponse struct {
	Code      string `json:"Code"`
	Message   string `json:"Message"`
	RequestID string `json:"RequestId"`
	Success   bool   `json:"Success"`
	Model     struct {
		VerifyResult string `json:"VerifyResult"`
		BizID        string `json:"BizId"`
	} `json:"Model"`
}

// rpcClient issues signed form POSTs against one provider endpoint.
type rpcClient struct {
	endpoint   string
	creds      Credentials
	httpClient *http.Client
	now        func() time.Time
	nonce      func() string
}

func newRPCClient(endpoint string, creds Credentials, opts ...Option) *rpcClient {
	c := &rpcClient{
		endpoint:   endpoint,
		creds:      creds,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
		nonce:      func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Option customizes the HTTP plumbing of a gateway.
type Option func(*rpcClient)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *rpcClient) {
		c.httpClient = client
	}
}

// WithTimeout sets the timeout of the default HTTP client.
func WithTimeout(timeout time.Duration) Option {
	return func(c *rpcClient) {
		if timeout > 0 {
			c.httpClient = &http.Client{Timeout: timeout}
		}
	}
}

// WithClock overrides the clock used for the Timestamp parameter.
func WithClock(now func() time.Time) Option {
	return func(c *rpcClient) {
		c.now = now
	}
}

// WithNonce overrides the SignatureNonce generator.
func WithNonce(nonce func() string) Option {
	return func(c *rpcClient) {
		c.nonce = nonce
	}
}

// signedParams adds the common RPC parameters and the signature.
func (c *rpcClient) signedParams(action string, params map[string]string) map[string]string {
	all := map[string]string{
		"AccessKeyId":      c.creds.AccessKey,
		"Action":           action,
		"Format":           "JSON",
		"SignatureMethod":  "HMAC-SHA1",
		"SignatureNonce":   c.nonce(),
		"SignatureVersion": "1.0",
		"Timestamp":        c.now().UTC().Format("2006-01-02T15:04:05Z"),
		"Version":          apiVersion,
	}
	for k, v := range params {
		all[k] = v
	}
	all["Signature"] = Sign(all, c.creds.Secret)
	return all
}

func (c *rpcClient) call(ctx context.Context, action string, params map[string]string) (*rpcResponse, error) {
	form := url.Values{}
	for k, v := range c.signedParams(action, params) {
		form.Set(k, v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, "sms request could not be built", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, "sms provider unreachable", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseLen))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, "sms provider response unreadable", err)
	}

	var out rpcResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, "sms provider response malformed",
			fmt.Errorf("status %d: %w", res.StatusCode, err))
	}

	if out.Code != successCode {
		return &out, apperr.Wrap(apperr.KindProvider, "sms provider rejected request", &ProviderResponseError{
			Code:      out.Code,
			Message:   out.Message,
			RequestID: out.RequestID,
		})
	}

	return &out, nil
}
