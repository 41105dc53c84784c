package models

import "time"

const (
	AccountTypeOAuth = "oauth"
	AccountTypePhone = "phone"

	ProviderWeChat = "wechat"
	ProviderPhone  = "phone"
)

// Account links a user to one external identity. (Provider,
// ProviderAccountID) is unique across all accounts.
type Account struct {
	ID                string    `json:"id" db:"id"`
	UserID            string    `json:"userId" db:"user_id"`
	Type              string    `json:"type" db:"type"`
	Provider          string    `json:"provider" db:"provider"`
	ProviderAccountID string    `json:"providerAccountId" db:"provider_account_id"`
	AccessToken       string    `json:"-" db:"access_token"`
	RefreshToken      string    `json:"-" db:"refresh_token"`
	ExpiresAt         *int64    `json:"-" db:"expires_at"`
	Scope             string    `json:"-" db:"scope"`
	CreatedAt         time.Time `json:"createdAt" db:"created_at"`
}
