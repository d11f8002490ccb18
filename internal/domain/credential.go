package domain

import "time"

// CredentialSet is one configured marketplace integration. At most one row
// is active at any time; only the active row is eligible for outbound calls.
type CredentialSet struct {
	ID             int64
	ClientID       string
	ClientSecret   string
	RedirectURI    string
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt *time.Time
	OAuthCompleted bool
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TokenExpired reports whether the margin-adjusted expiry has passed.
// A row without an expiry timestamp never had tokens issued and counts
// as expired.
func (c CredentialSet) TokenExpired(now time.Time) bool {
	if c.TokenExpiresAt == nil {
		return true
	}
	return !now.Before(*c.TokenExpiresAt)
}

// SanitizedCredential is the operator-facing view of a row. It never
// carries secrets or tokens.
type SanitizedCredential struct {
	ID             int64     `json:"id"`
	ClientID       string    `json:"client_id"`
	RedirectURI    string    `json:"redirect_uri"`
	IsActive       bool      `json:"is_active"`
	OAuthCompleted bool      `json:"oauth_completed"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Sanitize strips secret fields for API responses.
func (c CredentialSet) Sanitize() SanitizedCredential {
	return SanitizedCredential{
		ID:             c.ID,
		ClientID:       c.ClientID,
		RedirectURI:    c.RedirectURI,
		IsActive:       c.IsActive,
		OAuthCompleted: c.OAuthCompleted,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

// AuthState captures the state value persisted while the operator
// completes the marketplace authorization redirect.
type AuthState struct {
	State        string    `json:"state"`
	CredentialID int64     `json:"credential_id"`
	RedirectURI  string    `json:"redirect_uri"`
	CreatedAt    time.Time `json:"created_at"`
}
