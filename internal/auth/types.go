// Package auth is the pre-stream gate: bearer-token authentication,
// per-token rate limiting, and monthly usage allowance. Everything here
// answers before the event stream opens; once streaming starts, failures
// become error frames instead of HTTP statuses.
package auth

import "time"

// Token represents an API token for stream access
type Token struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	UserID     string     `json:"user_id"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`

	// MonthlyTokenAllowance caps total model tokens per calendar month.
	// Zero means unlimited.
	MonthlyTokenAllowance int64 `json:"monthly_token_allowance,omitempty"`
}

// AuthType identifies how a request authenticated
type AuthType string

const (
	AuthTypeToken AuthType = "token"
)

// AuthContext carries authentication state through a request
type AuthContext struct {
	Type  AuthType
	Token *Token
}

// UserID returns the authenticated user, or empty when unauthenticated.
func (a *AuthContext) UserID() string {
	if a == nil || a.Token == nil {
		return ""
	}
	return a.Token.UserID
}
