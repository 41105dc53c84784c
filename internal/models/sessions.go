package models

import "time"

type Session struct {
	Token     string    `json:"-" db:"session_token"`
	UserID    string    `json:"userId" db:"user_id"`
	ExpiresAt time.Time `json:"expires" db:"expires"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
