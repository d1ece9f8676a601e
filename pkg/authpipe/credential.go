package authpipe

import (
	"time"
)

// Credential is the access token plus the data needed to renew it.
// Values are replaced, never mutated in place.
type Credential struct {
	Token        string    `json:"token" cbor:"token"`
	ExpiresAt    time.Time `json:"expires_at" cbor:"expires_at"`
	RefreshToken string    `json:"refresh_token,omitempty" cbor:"refresh_token,omitempty"`
}

// IsExpired reports whether the token is no longer valid at now.
// The zero credential is always expired.
func (c *Credential) IsExpired(now time.Time) bool {
	if c == nil || c.Token == "" {
		return true
	}
	return !now.Before(c.ExpiresAt)
}

// HasRefreshToken reports whether the credential can be renewed
func (c *Credential) HasRefreshToken() bool {
	return c != nil && c.RefreshToken != ""
}

// ExpiresIn returns the remaining lifetime, which is negative once expired
func (c *Credential) ExpiresIn(now time.Time) time.Duration {
	if c == nil {
		return 0
	}
	return c.ExpiresAt.Sub(now)
}

// withRefreshFallback keeps the previous refresh token when the backend
// did not rotate it
func (c *Credential) withRefreshFallback(old *Credential) *Credential {
	out := *c
	if out.RefreshToken == "" && old != nil {
		out.RefreshToken = old.RefreshToken
	}
	return &out
}
