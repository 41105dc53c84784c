package sms

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accounts-service/internal/apperr"
	"accounts-service/internal/config"
)

var fixedNow = time.Date(2025, 3, 1, 8, 30, 15, 0, time.UTC)

type capturedRequest struct {
	form        url.Values
	contentType string
}

func providerServer(t *testing.T, body string) (*httptest.Server, *capturedRequest) {
	t.Helper()
	captured := &capturedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, r.ParseForm())
		captured.form = r.PostForm
		captured.contentType = r.Header.Get("Content-Type")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, captured
}

func testOptions() []Option {
	return []Option{
		WithClock(func() time.Time { return fixedNow }),
		WithNonce(func() string { return "nonce-1" }),
	}
}

func assertSigned(t *testing.T, form url.Values, secret string) {
	t.Helper()
	params := map[string]string{}
	for k := range form {
		if k != "Signature" {
			params[k] = form.Get(k)
		}
	}
	assert.Equal(t, Sign(params, secret), form.Get("Signature"))
}

func TestLegacySenderSend(t *testing.T) {
	srv, captured := providerServer(t, `{"Code":"OK","Message":"OK","RequestId":"req-1"}`)
	sender := NewLegacySender(srv.URL, Credentials{AccessKey: "ak", Secret: "sk"}, "签名", "SMS_1", testOptions()...)

	require.NoError(t, sender.Send(context.Background(), "13800138000", "123456"))

	form := captured.form
	assert.Equal(t, "application/x-www-form-urlencoded", captured.contentType)
	assert.Equal(t, "SendSms", form.Get("Action"))
	assert.Equal(t, "13800138000", form.Get("PhoneNumbers"))
	assert.Equal(t, "cn-hangzhou", form.Get("RegionId"))
	assert.Equal(t, "签名", form.Get("SignName"))
	assert.Equal(t, "SMS_1", form.Get("TemplateCode"))
	assert.Equal(t, `{"code":"123456"}`, form.Get("TemplateParam"))
	assert.Equal(t, "2017-05-25", form.Get("Version"))
	assert.Equal(t, "HMAC-SHA1", form.Get("SignatureMethod"))
	assert.Equal(t, "1.0", form.Get("SignatureVersion"))
	assert.Equal(t, "nonce-1", form.Get("SignatureNonce"))
	assert.Equal(t, "2025-03-01T08:30:15Z", form.Get("Timestamp"))
	assert.Equal(t, "ak", form.Get("AccessKeyId"))
	assertSigned(t, form, "sk")
}

func TestLegacySenderProviderError(t *testing.T) {
	srv, _ := providerServer(t, `{"Code":"isv.BUSINESS_LIMIT_CONTROL","Message":"触发分钟级流控","RequestId":"req-2"}`)
	sender := NewLegacySender(srv.URL, Credentials{AccessKey: "ak", Secret: "sk"}, "签名", "SMS_1", testOptions()...)

	err := sender.Send(context.Background(), "13800138000", "123456")
	require.ErrorIs(t, err, apperr.ErrProvider)

	var provErr *ProviderResponseError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, "isv.BUSINESS_LIMIT_CONTROL", provErr.Code)
	assert.Equal(t, "触发分钟级流控", provErr.Message)
}

func TestLegacySenderMalformedResponse(t *testing.T) {
	srv, _ := providerServer(t, `<html>bad gateway</html>`)
	sender := NewLegacySender(srv.URL, Credentials{AccessKey: "ak", Secret: "sk"}, "签名", "SMS_1", testOptions()...)

	err := sender.Send(context.Background(), "13800138000", "123456")
	assert.ErrorIs(t, err, apperr.ErrProvider)
}

func TestLegacySenderMissingConfig(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	sender := NewLegacySender(srv.URL, Credentials{AccessKey: "ak"}, "", "SMS_1", testOptions()...)
	err := sender.Send(context.Background(), "13800138000", "123456")

	assert.ErrorIs(t, err, apperr.ErrConfig)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestLegacySenderTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	opts := append(testOptions(), WithTimeout(20*time.Millisecond))
	sender := NewLegacySender(srv.URL, Credentials{AccessKey: "ak", Secret: "sk"}, "签名", "SMS_1", opts...)

	err := sender.Send(context.Background(), "13800138000", "123456")
	assert.ErrorIs(t, err, apperr.ErrProvider)
}

func TestPNVSRequestCode(t *testing.T) {
	srv, captured := providerServer(t, `{"Code":"OK","Success":true,"Model":{"BizId":"b1"}}`)
	v := NewPNVSVerifier(srv.URL, Credentials{AccessKey: "ak", Secret: "sk"}, "签名", "100001", testOptions()...)

	require.NoError(t, v.RequestCode(context.Background(), "13800138000"))

	form := captured.form
	assert.Equal(t, "SendSmsVerifyCode", form.Get("Action"))
	assert.Equal(t, "13800138000", form.Get("PhoneNumber"))
	assert.Equal(t, "86", form.Get("CountryCode"))
	assert.Equal(t, `{"code":"##code##","min":"5"}`, form.Get("TemplateParam"))
	assert.Equal(t, "6", form.Get("CodeLength"))
	assertSigned(t, form, "sk")
}

func TestPNVSCheckCode(t *testing.T) {
	t.Run("pass", func(t *testing.T) {
		srv, captured := providerServer(t, `{"Code":"OK","Success":true,"Model":{"VerifyResult":"PASS"}}`)
		v := NewPNVSVerifier(srv.URL, Credentials{AccessKey: "ak", Secret: "sk"}, "签名", "100001", testOptions()...)

		require.NoError(t, v.CheckCode(context.Background(), "13800138000", "654321"))
		assert.Equal(t, "CheckSmsVerifyCode", captured.form.Get("Action"))
		assert.Equal(t, "654321", captured.form.Get("VerifyCode"))
	})

	t.Run("unknown verdict", func(t *testing.T) {
		srv, _ := providerServer(t, `{"Code":"OK","Success":true,"Model":{"VerifyResult":"UNKNOWN"}}`)
		v := NewPNVSVerifier(srv.URL, Credentials{AccessKey: "ak", Secret: "sk"}, "签名", "100001", testOptions()...)

		err := v.CheckCode(context.Background(), "13800138000", "654321")
		assert.ErrorIs(t, err, apperr.ErrVerificationFailed)
		assert.NotErrorIs(t, err, apperr.ErrProvider)
	})

	t.Run("provider error", func(t *testing.T) {
		srv, _ := providerServer(t, `{"Code":"isv.INVALID_PARAMETERS","Message":"bad"}`)
		v := NewPNVSVerifier(srv.URL, Credentials{AccessKey: "ak", Secret: "sk"}, "签名", "100001", testOptions()...)

		err := v.CheckCode(context.Background(), "13800138000", "654321")
		assert.ErrorIs(t, err, apperr.ErrProvider)
	})
}

func TestNewGateway(t *testing.T) {
	gw, err := NewGateway(config.SMSConfig{Mode: config.SMSModeLegacy})
	require.NoError(t, err)
	assert.NotNil(t, gw.Sender)
	assert.Nil(t, gw.Verifier)

	gw, err = NewGateway(config.SMSConfig{Mode: config.SMSModePNVS})
	require.NoError(t, err)
	assert.Nil(t, gw.Sender)
	assert.NotNil(t, gw.Verifier)

	_, err = NewGateway(config.SMSConfig{Mode: "other"})
	assert.ErrorIs(t, err, apperr.ErrConfig)
}
