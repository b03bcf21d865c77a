// Package storage defines the persistence contracts for the three kinds of
// protocol state the server keeps: pending authentications, authorization
// codes, and refresh tokens. Memory, SQLite, and Redis implementations are
// provided; the engine only sees the repository interfaces.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist, is expired, or
	// (for redemption and rotation) is no longer in a redeemable state.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when creating a record whose key is taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrAlreadyUsed is returned when redeeming an authorization code that
	// has already been consumed. The used record is returned alongside it so
	// callers can revoke whatever was minted from the first redemption.
	ErrAlreadyUsed = errors.New("already used")
)

// ProviderOption is one identity provider usable for a pending
// authentication, captured at discovery time.
type ProviderOption struct {
	ProviderType string `json:"provider_type"`
	ProfileURL   string `json:"profile_url"`
	Username     string `json:"username"`
	DisplayName  string `json:"display_name"`
	IconURL      string `json:"icon_url"`
}

// PendingAuthentication is an authorization request in flight, created when
// the request is accepted and deleted when consent is granted or it expires.
type PendingAuthentication struct {
	// SessionID is the opaque key the frontend and callbacks use.
	SessionID string `json:"session_id"`

	// Original request parameters.
	ProfileURL          string   `json:"profile_url"`
	ClientID            string   `json:"client_id"`
	RedirectURI         string   `json:"redirect_uri"`
	State               string   `json:"state"`
	Scopes              []string `json:"scopes"`
	CodeChallenge       string   `json:"code_challenge"`
	CodeChallengeMethod string   `json:"code_challenge_method"`

	// Client display metadata from discovery.
	ClientName    string `json:"client_name"`
	ClientLogoURI string `json:"client_logo_uri"`

	// Providers matched from the profile's rel="me" links.
	Providers []ProviderOption `json:"providers"`

	// SelectedProviderType is set once a provider is chosen.
	SelectedProviderType string `json:"selected_provider_type"`

	// ProviderState is the single-use state bound to the upstream OAuth
	// round trip. Cleared after the callback is handled.
	ProviderState string `json:"provider_state"`

	// Authentication outcome.
	IsAuthenticated    bool   `json:"is_authenticated"`
	VerifiedUsername   string `json:"verified_username"`
	ReciprocalVerified bool   `json:"reciprocal_verified"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AuthorizationCode is a single-use code issued at consent and redeemed at
// the token (or authorization) endpoint.
type AuthorizationCode struct {
	Code                string   `json:"code"`
	ClientID            string   `json:"client_id"`
	RedirectURI         string   `json:"redirect_uri"`
	ProfileURL          string   `json:"profile_url"`
	Scopes              []string `json:"scopes"`
	CodeChallenge       string   `json:"code_challenge"`
	CodeChallengeMethod string   `json:"code_challenge_method"`

	IsUsed bool `json:"is_used"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RefreshToken is an opaque, rotating credential bound to a profile/client
// pair. Revoked tokens are retained for a while for audit, then cleaned up.
type RefreshToken struct {
	Token      string   `json:"token"`
	ClientID   string   `json:"client_id"`
	ProfileURL string   `json:"profile_url"`
	Scopes     []string `json:"scopes"`

	IsRevoked bool      `json:"is_revoked"`
	RevokedAt time.Time `json:"revoked_at,omitzero"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PendingAuthenticationRepository stores in-flight authorization sessions.
// Reads never return expired records.
type PendingAuthenticationRepository interface {
	Create(ctx context.Context, session *PendingAuthentication) error
	Get(ctx context.Context, sessionID string) (*PendingAuthentication, error)

	// GetByProviderState looks a session up by its bound provider state.
	GetByProviderState(ctx context.Context, providerState string) (*PendingAuthentication, error)

	Update(ctx context.Context, session *PendingAuthentication) error
	Delete(ctx context.Context, sessionID string) error

	// DeleteExpired removes expired sessions, returning how many.
	DeleteExpired(ctx context.Context) (int, error)
}

// AuthorizationCodeRepository stores single-use authorization codes.
type AuthorizationCodeRepository interface {
	Create(ctx context.Context, code *AuthorizationCode) error

	// Redeem atomically consumes a code: the record is loaded, filtered for
	// use and expiry, handed to accept, and marked used only when accept
	// returns true. At most one concurrent caller can redeem a given code.
	// Missing, expired, and rejected codes return ErrNotFound. A code that
	// was already consumed returns its record together with ErrAlreadyUsed;
	// accept is not consulted for replays.
	Redeem(ctx context.Context, code string, accept func(*AuthorizationCode) bool) (*AuthorizationCode, error)

	DeleteExpired(ctx context.Context) (int, error)
}

// RefreshTokenRepository stores refresh tokens.
type RefreshTokenRepository interface {
	Create(ctx context.Context, token *RefreshToken) error

	// Get returns the token record, revoked or not. Missing and expired
	// tokens return ErrNotFound.
	Get(ctx context.Context, token string) (*RefreshToken, error)

	// Rotate atomically revokes the old token and inserts its replacement.
	// Returns ErrNotFound when the old token is missing, expired, or
	// already revoked, so concurrent rotations cannot both succeed.
	Rotate(ctx context.Context, oldToken string, replacement *RefreshToken) error

	// Revoke marks a token revoked. Revoking an already-revoked or unknown
	// token is not an error.
	Revoke(ctx context.Context, token string) error

	// RevokeAllForProfile revokes every live token for a profile URL,
	// returning how many were revoked.
	RevokeAllForProfile(ctx context.Context, profileURL string) (int, error)

	// DeleteExpired removes expired tokens and revoked tokens past the
	// audit retention window, returning how many.
	DeleteExpired(ctx context.Context) (int, error)
}

// RevokedRetention is how long revoked refresh tokens are kept for audit
// before DeleteExpired removes them.
const RevokedRetention = 7 * 24 * time.Hour
