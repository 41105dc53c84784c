// Package apperr defines the error kinds that cross the service boundary.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindRateLimited
	KindLocked
	KindInvalidCode
	KindCodeExpired
	KindCodeNotFound
	KindProvider
	KindDeliveryFailed
	KindConfig
	KindVerificationFailed
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindValidation:         "validation_error",
	KindRateLimited:        "rate_limited",
	KindLocked:             "locked",
	KindInvalidCode:        "invalid_code",
	KindCodeExpired:        "code_expired",
	KindCodeNotFound:       "code_not_found",
	KindProvider:           "provider_error",
	KindDeliveryFailed:     "delivery_failed",
	KindConfig:             "config_error",
	KindVerificationFailed: "verification_failed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error carries a Kind, a client-safe Reason and an optional cause.
// RetryAfter is set for RateLimited and Locked.
type Error struct {
	Kind       Kind
	Reason     string
	RetryAfter time.Duration
	Err        error
}

// Sentinels for errors.Is. Matching is by Kind only.
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrRateLimited        = &Error{Kind: KindRateLimited}
	ErrLocked             = &Error{Kind: KindLocked}
	ErrInvalidCode        = &Error{Kind: KindInvalidCode}
	ErrCodeExpired        = &Error{Kind: KindCodeExpired}
	ErrCodeNotFound       = &Error{Kind: KindCodeNotFound}
	ErrProvider           = &Error{Kind: KindProvider}
	ErrDeliveryFailed     = &Error{Kind: KindDeliveryFailed}
	ErrConfig             = &Error{Kind: KindConfig}
	ErrVerificationFailed = &Error{Kind: KindVerificationFailed}
)

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

func Validation(reason string) *Error {
	return New(KindValidation, reason)
}

func RateLimited(reason string, wait time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Reason: reason, RetryAfter: wait}
}

func Locked(reason string, remaining time.Duration) *Error {
	return &Error{Kind: KindLocked, Reason: reason, RetryAfter: remaining}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ReasonOf returns the client-safe reason of the first *Error in err's chain.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// RetryAfterOf returns the wait hint carried by err, or zero.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
