// Package otp issues and checks one-time passcodes for phone login.
//
// Per-phone throttle and lockout state is read-modified-written through a
// versioned StateStore with compare-and-swap, so concurrent requests for one
// phone are serialized without holding a lock across provider calls.
package otp

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"time"

	"go.uber.org/zap"

	"accounts-service/internal/apperr"
	"accounts-service/internal/config"
	"accounts-service/internal/events"
	"accounts-service/internal/models"
	"accounts-service/internal/repository"
	"accounts-service/internal/sms"
	"accounts-service/internal/util"
)

const (
	sendKeyPrefix = "send:"
	lockKeyPrefix = "lock:"

	// Fail counts below the lockout threshold are forgotten after a day
	// without failures.
	lockoutStateTTL = 24 * time.Hour
	maxCASAttempts  = 32

	codeMin  = 100000
	codeSpan = 900000
)

var (
	errContention = errors.New("otp state contention")
	errUnchanged  = errors.New("state unchanged")
)

type StateStore interface {
	Get(ctx context.Context, key string) (repository.StateRecord, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	CompareAndSwap(ctx context.Context, key string, version int64, value []byte, ttl time.Duration) (bool, error)
}

type ChallengeStore interface {
	ReplaceChallenge(ctx context.Context, ch models.Challenge) error
	FindChallenge(ctx context.Context, phone string) (*models.Challenge, error)
	DeleteChallenge(ctx context.Context, phone string) error
}

type CodeHasher interface {
	HashCode(code string) (string, error)
	VerifyCode(code, encoded string) (bool, error)
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithCodeGenerator replaces the random code source.
func WithCodeGenerator(gen func() (string, error)) Option {
	return func(s *Service) { s.newCode = gen }
}

func WithRecorder(r *events.Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

type Service struct {
	cfg        config.OTPConfig
	state      StateStore
	challenges ChallengeStore
	hasher     CodeHasher
	gateway    sms.Gateway
	recorder   *events.Recorder
	logger     *zap.Logger
	now        func() time.Time
	newCode    func() (string, error)
}

// NewService builds a Service for the capability set on gateway. Local
// (legacy) mode needs challenges and hasher; remote mode ignores them.
func NewService(cfg config.OTPConfig, state StateStore, challenges ChallengeStore, hasher CodeHasher, gateway sms.Gateway, logger *zap.Logger, opts ...Option) (*Service, error) {
	if gateway.Sender == nil && gateway.Verifier == nil {
		return nil, apperr.New(apperr.KindConfig, "no sms capability configured")
	}
	if gateway.Sender != nil && (challenges == nil || hasher == nil) {
		return nil, apperr.New(apperr.KindConfig, "local codes need a challenge store and hasher")
	}

	s := &Service{
		cfg:        cfg,
		state:      state,
		challenges: challenges,
		hasher:     hasher,
		gateway:    gateway,
		logger:     logger,
		now:        time.Now,
		newCode:    GenerateCode,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RemoteMode reports whether the provider generates and checks codes.
func (s *Service) RemoteMode() bool {
	return s.gateway.Verifier != nil
}

// GenerateCode returns a uniformly random six-digit code without a leading zero.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeSpan))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return strconv.FormatInt(n.Int64()+codeMin, 10), nil
}

// RequestSend throttles, then delivers a code to phone. A failed delivery
// still counts against the send quota.
func (s *Service) RequestSend(ctx context.Context, phone string) error {
	if !util.IsValidPhone(phone) {
		return apperr.Validation("请输入有效的手机号")
	}

	if err := s.reserveSend(ctx, phone); err != nil {
		if apperr.KindOf(err) == apperr.KindRateLimited {
			s.logger.Info("OTP send throttled", util.Phone(phone), zap.Duration("retry_after", apperr.RetryAfterOf(err)))
		}
		return err
	}

	var err error
	if s.RemoteMode() {
		err = s.gateway.Verifier.RequestCode(ctx, phone)
	} else {
		err = s.sendLocalCode(ctx, phone)
	}

	if err != nil {
		s.logger.Error("OTP delivery failed", util.Phone(phone), zap.Error(err))
		s.record(ctx, models.EventOTPSendFailed, phone, map[string]string{"error_kind": apperr.KindOf(err).String()})
		if k := apperr.KindOf(err); k == apperr.KindConfig || k == apperr.KindDeliveryFailed {
			return err
		}
		return apperr.Wrap(apperr.KindDeliveryFailed, "短信发送失败", err)
	}

	s.record(ctx, models.EventOTPSent, phone, nil)
	return nil
}

func (s *Service) sendLocalCode(ctx context.Context, phone string) error {
	code, err := s.newCode()
	if err != nil {
		return err
	}
	hash, err := s.hasher.HashCode(code)
	if err != nil {
		return fmt.Errorf("hash code: %w", err)
	}

	now := s.now()
	if err := s.challenges.ReplaceChallenge(ctx, models.Challenge{
		Phone:     phone,
		CodeHash:  hash,
		ExpiresAt: now.Add(s.cfg.CodeTTL),
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("store challenge: %w", err)
	}
	return s.gateway.Sender.Send(ctx, phone, code)
}

// reserveSend applies the cooldown and the windowed quota, and records the
// send when both pass.
func (s *Service) reserveSend(ctx context.Context, phone string) error {
	ttl := max(s.cfg.SendWindow, s.cfg.Cooldown)
	return mutate(ctx, s.state, sendKeyPrefix+phone, ttl, func(st *models.SendState) error {
		now := s.now()

		if !st.LastSentAt.IsZero() {
			if wait := s.cfg.Cooldown - now.Sub(st.LastSentAt); wait > 0 {
				return apperr.RateLimited(fmt.Sprintf("请等待 %d 秒后重试", ceilSeconds(wait)), wait)
			}
		}

		windowOpen := !st.WindowStart.IsZero() && now.Sub(st.WindowStart) < s.cfg.SendWindow
		if windowOpen && st.AttemptsInWindow >= s.cfg.MaxSendsPerWindow {
			return apperr.RateLimited("发送次数过多，请稍后再试", st.WindowStart.Add(s.cfg.SendWindow).Sub(now))
		}

		if windowOpen {
			st.AttemptsInWindow++
		} else {
			st.AttemptsInWindow = 1
			st.WindowStart = now
		}
		st.LastSentAt = now
		return nil
	})
}

// Verify checks code for phone. Every check takes an attempt slot from the
// lockout state before the code is evaluated, so concurrent guesses cannot
// exceed the failure limit. Wrong and missing codes keep their slot; expired
// codes hand it back.
func (s *Service) Verify(ctx context.Context, phone, code string) error {
	if !util.IsValidPhone(phone) {
		return apperr.Validation("请输入有效的手机号")
	}
	if !util.IsValidCode(code) {
		return apperr.Validation("请输入6位验证码")
	}

	slot, err := s.reserveAttempt(ctx, phone)
	if err != nil {
		return err
	}

	if s.RemoteMode() {
		err = s.verifyRemote(ctx, phone, code)
	} else {
		err = s.verifyLocal(ctx, phone, code)
	}
	if err != nil {
		s.settleFailure(ctx, phone, slot, err)
		s.record(ctx, models.EventOTPVerifyFailed, phone, map[string]string{"reason": apperr.KindOf(err).String()})
		return err
	}

	if err := s.clearLockout(ctx, phone); err != nil {
		s.logger.Warn("Failed to clear lockout state", util.Phone(phone), zap.Error(err))
	}
	s.record(ctx, models.EventOTPVerified, phone, nil)
	return nil
}

func (s *Service) verifyRemote(ctx context.Context, phone, code string) error {
	err := s.gateway.Verifier.CheckCode(ctx, phone, code)
	if err == nil {
		return nil
	}
	if apperr.KindOf(err) != apperr.KindVerificationFailed {
		s.logger.Warn("Remote code check failed", util.Phone(phone), zap.Error(err))
	}
	return apperr.Wrap(apperr.KindInvalidCode, "验证码错误", err)
}

func (s *Service) verifyLocal(ctx context.Context, phone, code string) error {
	ch, err := s.challenges.FindChallenge(ctx, phone)
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.New(apperr.KindCodeNotFound, "验证码不存在或已过期")
	}
	if err != nil {
		return fmt.Errorf("find challenge: %w", err)
	}

	if ch.Expired(s.now()) {
		if err := s.challenges.DeleteChallenge(ctx, phone); err != nil {
			s.logger.Warn("Failed to delete expired challenge", util.Phone(phone), zap.Error(err))
		}
		return apperr.New(apperr.KindCodeExpired, "验证码已过期")
	}

	ok, err := s.hasher.VerifyCode(code, ch.CodeHash)
	if err != nil {
		return fmt.Errorf("verify code hash: %w", err)
	}
	if !ok {
		return apperr.New(apperr.KindInvalidCode, "验证码错误")
	}

	if err := s.challenges.DeleteChallenge(ctx, phone); err != nil {
		return fmt.Errorf("consume challenge: %w", err)
	}
	return nil
}

// attemptSlot is the lockout bookkeeping taken by one verify call.
// lockedUntil is set when this call used the last slot and engaged the lock.
type attemptSlot struct {
	lockedUntil time.Time
}

// reserveAttempt rejects the call while the phone is locked, otherwise it
// counts the attempt up front and locks the phone once the count reaches the
// limit. The count restarts from zero when the lock is set.
func (s *Service) reserveAttempt(ctx context.Context, phone string) (attemptSlot, error) {
	var slot attemptSlot
	ttl := max(lockoutStateTTL, s.cfg.LockoutDuration)
	err := mutate(ctx, s.state, lockKeyPrefix+phone, ttl, func(st *models.LockoutState) error {
		slot = attemptSlot{}
		now := s.now()
		if st.LockedAt(now) {
			remaining := st.LockedUntil.Sub(now)
			return apperr.Locked(fmt.Sprintf("验证次数过多，请 %d 分钟后重试", ceilMinutes(remaining)), remaining)
		}
		st.FailCount++
		if st.FailCount >= s.cfg.MaxVerifyFailures {
			st.FailCount = 0
			st.LockedUntil = now.Add(s.cfg.LockoutDuration)
			slot.lockedUntil = st.LockedUntil
		}
		return nil
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindLocked {
			return slot, err
		}
		return slot, fmt.Errorf("reserve verify attempt: %w", err)
	}
	return slot, nil
}

// settleFailure keeps the slot for a failed attempt and hands it back for an
// expired code.
func (s *Service) settleFailure(ctx context.Context, phone string, slot attemptSlot, verr error) {
	if apperr.KindOf(verr) == apperr.KindCodeExpired {
		if err := s.releaseAttempt(ctx, phone, slot); err != nil {
			s.logger.Warn("Failed to release verify attempt", util.Phone(phone), zap.Error(err))
		}
		return
	}
	if !slot.lockedUntil.IsZero() {
		s.logger.Warn("Phone locked after repeated verify failures", util.Phone(phone))
		s.record(ctx, models.EventOTPLocked, phone, map[string]string{"duration": s.cfg.LockoutDuration.String()})
	}
}

func (s *Service) releaseAttempt(ctx context.Context, phone string, slot attemptSlot) error {
	ttl := max(lockoutStateTTL, s.cfg.LockoutDuration)
	return mutate(ctx, s.state, lockKeyPrefix+phone, ttl, func(st *models.LockoutState) error {
		switch {
		case !slot.lockedUntil.IsZero() && st.LockedUntil.Equal(slot.lockedUntil):
			st.LockedUntil = time.Time{}
			st.FailCount = s.cfg.MaxVerifyFailures - 1
		case slot.lockedUntil.IsZero() && st.FailCount > 0:
			st.FailCount--
		default:
			return errUnchanged
		}
		return nil
	})
}

func (s *Service) clearLockout(ctx context.Context, phone string) error {
	return mutate(ctx, s.state, lockKeyPrefix+phone, time.Second, func(st *models.LockoutState) error {
		if *st == (models.LockoutState{}) {
			return errUnchanged
		}
		*st = models.LockoutState{}
		return nil
	})
}

func (s *Service) record(ctx context.Context, eventType, phone string, details map[string]string) {
	s.recorder.Record(ctx, models.SecurityEvent{
		EventType: eventType,
		Subject:   util.MaskPhone(phone),
		Details:   details,
	})
}

// mutate applies fn to the decoded state at key and writes it back with
// compare-and-swap, retrying on conflict. An error from fn aborts without
// writing; errUnchanged aborts without an error.
func mutate[T any](ctx context.Context, store StateStore, key string, ttl time.Duration, fn func(*T) error) error {
	for range maxCASAttempts {
		rec, err := store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("read state: %w", err)
		}

		var st T
		if rec.Version > 0 {
			if err := json.Unmarshal(rec.Value, &st); err != nil {
				util.Warn("Discarding unreadable otp state", zap.Error(err))
				st = *new(T)
			}
		}

		if err := fn(&st); err != nil {
			if errors.Is(err, errUnchanged) {
				return nil
			}
			return err
		}

		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("encode state: %w", err)
		}
		ok, err := store.CompareAndSwap(ctx, key, rec.Version, data, ttl)
		if err != nil {
			return fmt.Errorf("write state: %w", err)
		}
		if ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return errContention
}

func ceilSeconds(d time.Duration) int64 {
	return int64(math.Ceil(d.Seconds()))
}

func ceilMinutes(d time.Duration) int64 {
	return int64(math.Ceil(d.Minutes()))
}
