// Package sms signs and sends requests to the SMS provider. A deployment
// uses exactly one of the two capabilities below.
package sms

import (
	"context"
	"fmt"

	"accounts-service/internal/apperr"
	"accounts-service/internal/config"
)

// Sender delivers a locally generated code.
type Sender interface {
	Send(ctx context.Context, phone, code string) error
}

// Verifier lets the provider generate, deliver and check its own codes.
type Verifier interface {
	RequestCode(ctx context.Context, phone string) error
	CheckCode(ctx context.Context, phone, code string) error
}

// Gateway holds the capability selected at startup. Exactly one field is set.
type Gateway struct {
	Sender   Sender
	Verifier Verifier
}

// NewGateway picks the capability for cfg.Mode.
func NewGateway(cfg config.SMSConfig, opts ...Option) (Gateway, error) {
	creds := Credentials{AccessKey: cfg.AccessKey, Secret: cfg.Secret}
	opts = append([]Option{WithTimeout(cfg.Timeout)}, opts...)

	switch cfg.Mode {
	case config.SMSModeLegacy:
		return Gateway{Sender: NewLegacySender(cfg.Endpoint, creds, cfg.SignName, cfg.TemplateID, opts...)}, nil
	case config.SMSModePNVS:
		return Gateway{Verifier: NewPNVSVerifier(cfg.PNVSEndpoint, creds, cfg.SignName, cfg.TemplateID, opts...)}, nil
	default:
		return Gateway{}, apperr.Wrap(apperr.KindConfig, "unknown sms mode", fmt.Errorf("mode %q", cfg.Mode))
	}
}

func requireConfig(values map[string]string) error {
	var missing []string
	for name, v := range values {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return apperr.Wrap(apperr.KindConfig, "sms not configured", fmt.Errorf("missing %v", missing))
}
