package models

import "time"

// Challenge is the single live locally generated code for a phone.
// CodeHash is an argon2id PHC string, never the code itself.
type Challenge struct {
	Phone     string    `json:"phone" db:"identifier"`
	CodeHash  string    `json:"codeHash" db:"token"`
	ExpiresAt time.Time `json:"expiresAt" db:"expires"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

func (c *Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
