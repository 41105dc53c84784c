package models

import "time"

const (
	EventOTPSent         = "otp_sent"
	EventOTPSendFailed   = "otp_send_failed"
	EventOTPVerified     = "otp_verified"
	EventOTPVerifyFailed = "otp_verify_failed"
	EventOTPLocked       = "otp_locked"
	EventLoginPhone      = "login_phone"
	EventLoginWeChat     = "login_wechat"
	EventAccountCreated  = "account_created"
	EventAccountUnlinked = "account_unlinked"
	EventProfileUpdated  = "profile_updated"
	EventSessionRevoked  = "session_revoked"
)

// SecurityEvent is an audit record of an authentication step.
type SecurityEvent struct {
	EventID     string            `json:"event_id" ch:"event_id"`
	EventBucket int               `json:"event_bucket" ch:"event_bucket"`
	EventDate   string            `json:"event_date" ch:"event_date"`
	EventTime   time.Time         `json:"event_time" ch:"event_time"`
	EventType   string            `json:"event_type" ch:"event_type"`
	UserID      string            `json:"user_id,omitempty" ch:"user_id"`
	Subject     string            `json:"subject,omitempty" ch:"subject"`
	IPAddress   string            `json:"ip_address,omitempty" ch:"ip_address"`
	Details     map[string]string `json:"details,omitempty" ch:"details"`
}
