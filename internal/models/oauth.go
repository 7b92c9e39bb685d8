// Package models defines types shared across internal packages.
package models

import "time"

// GrantType names an OAuth2 grant flow accepted by the token endpoint.
type GrantType string

const (
	GrantPassword     GrantType = "password"
	GrantRefreshToken GrantType = "refresh_token"
)

// Valid reports whether g is one of the supported grant types.
func (g GrantType) Valid() bool {
	return g == GrantPassword || g == GrantRefreshToken
}

// TokenRecord is the single live access/refresh token pair.
// GrantType records which flow produced it and is kept for logging only.
type TokenRecord struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
	IssuedAt     time.Time     `json:"issued_at"`
	AccessTTL    time.Duration `json:"access_ttl"`
	GrantType    GrantType     `json:"grant_type"`
}

// ExpiresAt returns the first instant at which the access token is rejected.
func (r TokenRecord) ExpiresAt() time.Time {
	return r.IssuedAt.Add(r.AccessTTL)
}
