package models

import "time"

// SendState is the per-phone send throttle.
type SendState struct {
	LastSentAt       time.Time `json:"lastSentAt"`
	AttemptsInWindow int       `json:"attemptsInWindow"`
	WindowStart      time.Time `json:"windowStart"`
}

// LockoutState is the per-phone verify lockout. FailCount returns to zero
// whenever LockedUntil is set.
type LockoutState struct {
	FailCount   int       `json:"failCount"`
	LockedUntil time.Time `json:"lockedUntil"`
}

func (l LockoutState) LockedAt(now time.Time) bool {
	return l.LockedUntil.After(now)
}
