package sms

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"accounts-service/internal/apperr"
	"accounts-service/internal/util"
)

const (
	countryCode   = "86"
	verdictPass   = "PASS"
	pnvsCodeParam = `{"code":"##code##","min":"5"}`
)

// PNVSVerifier delegates code generation and checking to the provider's
// phone number verification service.
type PNVSVerifier struct {
	rpc        *rpcClient
	signName   string
	templateID string
}

func NewPNVSVerifier(endpoint string, creds Credentials, signName, templateID string, opts ...Option) *PNVSVerifier {
	return &PNVSVerifier{
		rpc:        newRPCClient(endpoint, creds, opts...),
		signName:   signName,
		templateID: templateID,
	}
}

func (v *PNVSVerifier) credentialsCheck(extra map[string]string) error {
	values := map[string]string{
		"ALIYUN_SMS_ACCESS_KEY": v.rpc.creds.AccessKey,
		"ALIYUN_SMS_SECRET":     v.rpc.creds.Secret,
	}
	for k, val := range extra {
		values[k] = val
	}
	if err := requireConfig(values); err != nil {
		util.Error("PNVS gateway misconfigured", zap.Error(err))
		return err
	}
	return nil
}

func (v *PNVSVerifier) RequestCode(ctx context.Context, phone string) error {
	if err := v.credentialsCheck(map[string]string{
		"ALIYUN_SMS_SIGN":        v.signName,
		"ALIYUN_SMS_TEMPLATE_ID": v.templateID,
	}); err != nil {
		return err
	}

	res, err := v.rpc.call(ctx, "SendSmsVerifyCode", map[string]string{
		"PhoneNumber":   phone,
		"CountryCode":   countryCode,
		"SignName":      v.signName,
		"TemplateCode":  v.templateID,
		"TemplateParam": pnvsCodeParam,
		"CodeLength":    "6",
		"ValidTime":     "300",
		"Interval":      "60",
	})
	if err != nil {
		util.Error("SendSmsVerifyCode failed", util.Phone(phone), zap.Error(err))
		return fmt.Errorf("request verify code: %w", err)
	}

	util.Debug("SendSmsVerifyCode accepted", util.Phone(phone), zap.String("request_id", res.RequestID))
	return nil
}

// CheckCode returns nil only when the provider's verdict is PASS. Any
// other verdict is a VerificationFailed error, distinct from ProviderError.
func (v *PNVSVerifier) CheckCode(ctx context.Context, phone, code string) error {
	if err := v.credentialsCheck(nil); err != nil {
		return err
	}

	res, err := v.rpc.call(ctx, "CheckSmsVerifyCode", map[string]string{
		"PhoneNumber": phone,
		"CountryCode": countryCode,
		"VerifyCode":  code,
	})
	if err != nil {
		util.Error("CheckSmsVerifyCode failed", util.Phone(phone), zap.Error(err))
		return fmt.Errorf("check verify code: %w", err)
	}

	if res.Model.VerifyResult != verdictPass {
		return apperr.Wrap(apperr.KindVerificationFailed, "验证码错误",
			fmt.Errorf("verdict %q", res.Model.VerifyResult))
	}
	return nil
}
