package sms

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"accounts-service/internal/apperr"
	"accounts-service/internal/util"
)

const regionID = "cn-hangzhou"

// LegacySender sends a caller-supplied code through the SendSms action.
type LegacySender struct {
	rpc        *rpcClient
	signName   string
	templateID string
}

func NewLegacySender(endpoint string, creds Credentials, signName, templateID string, opts ...Option) *LegacySender {
	return &LegacySender{
		rpc:        newRPCClient(endpoint, creds, opts...),
		signName:   signName,
		templateID: templateID,
	}
}

func (s *LegacySender) Send(ctx context.Context, phone, code string) error {
	if err := requireConfig(map[string]string{
		"ALIYUN_SMS_ACCESS_KEY":  s.rpc.creds.AccessKey,
		"ALIYUN_SMS_SECRET":      s.rpc.creds.Secret,
		"ALIYUN_SMS_SIGN":        s.signName,
		"ALIYUN_SMS_TEMPLATE_ID": s.templateID,
	}); err != nil {
		util.Error("SMS gateway misconfigured", zap.Error(err))
		return err
	}

	templateParam, err := json.Marshal(map[string]string{"code": code})
	if err != nil {
		return apperr.Wrap(apperr.KindProvider, "sms template could not be encoded", err)
	}

	res, err := s.rpc.call(ctx, "SendSms", map[string]string{
		"PhoneNumbers":  phone,
		"RegionId":      regionID,
		"SignName":      s.signName,
		"TemplateCode":  s.templateID,
		"TemplateParam": string(templateParam),
	})
	if err != nil {
		util.Error("SendSms failed", util.Phone(phone), zap.Error(err))
		return fmt.Errorf("send sms: %w", err)
	}

	util.Debug("SendSms accepted", util.Phone(phone), zap.String("request_id", res.RequestID))
	return nil
}
