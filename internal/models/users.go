package models

import "time"

type User struct {
	ID            string     `json:"id" db:"id"`
	Name          string     `json:"name,omitempty" db:"name"`
	Email         string     `json:"email,omitempty" db:"email"`
	Image         string     `json:"image,omitempty" db:"image"`
	Phone         string     `json:"phone,omitempty" db:"phone"`
	PhoneVerified *time.Time `json:"phoneVerified,omitempty" db:"phone_verified"`
	CreatedAt     time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time  `json:"updatedAt" db:"updated_at"`
}

// ProfileUpdate carries optional profile fields. Nil fields are left alone.
type ProfileUpdate struct {
	Name  *string
	Image *string
}

// Empty reports whether the update changes nothing.
func (p ProfileUpdate) Empty() bool {
	return p.Name == nil && p.Image == nil
}
