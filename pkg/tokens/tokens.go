// Package tokens issues and validates the access tokens minted after a
// successful authorization. Access tokens are HS256 JWTs bound to the
// authenticated profile and the requesting client; refresh tokens are
// opaque and live in storage.
package tokens

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the minimum HS256 signing secret size in bytes.
const MinSecretLength = 32

// clockSkewLeeway tolerates clock drift between issuer and verifier.
const clockSkewLeeway = 60 * time.Second

// AccessToken is the validated content of an access token.
type AccessToken struct {
	// ProfileURL is the authenticated user's profile URL (the "me"/"sub"
	// claim).
	ProfileURL string

	// ClientID is the client the token was issued to.
	ClientID string

	// Scopes granted to the token. Empty for authentication-only tokens.
	Scopes []string

	// IssuedAt and ExpiresAt bound the token's validity.
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type accessTokenClaims struct {
	jwt.RegisteredClaims

	Me       string `json:"me"`
	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`
}

// Service signs and verifies access tokens for a single issuer.
type Service struct {
	secret   []byte
	issuer   string
	lifetime time.Duration
}

// NewService returns a token service. The issuer is the server's base URL
// without a trailing slash; the secret must be at least MinSecretLength bytes.
func NewService(secret []byte, issuer string, lifetime time.Duration) (*Service, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("signing secret must be at least %d bytes, got %d", MinSecretLength, len(secret))
	}
	return &Service{
		secret:   secret,
		issuer:   strings.TrimSuffix(issuer, "/"),
		lifetime: lifetime,
	}, nil
}

// GenerateAccessToken mints a signed access token for the profile and client.
// The scope claim is omitted when no scopes were granted.
func (s *Service) GenerateAccessToken(profileURL, clientID string, scopes []string) (string, error) {
	now := time.Now()

	claims := accessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.issuer},
			Subject:   profileURL,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.lifetime)),
		},
		Me:       profileURL,
		ClientID: clientID,
		Scope:    strings.Join(scopes, " "),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken verifies the signature, issuer, audience, and validity
// window (with leeway for clock skew) and returns the token content.
func (s *Service) ValidateAccessToken(tokenString string) (*AccessToken, error) {
	var claims accessTokenClaims

	_, err := jwt.ParseWithClaims(tokenString, &claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.issuer),
		jwt.WithLeeway(clockSkewLeeway),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid access token: %w", err)
	}

	var scopes []string
	if claims.Scope != "" {
		scopes = strings.Fields(claims.Scope)
	}

	token := &AccessToken{
		ProfileURL: claims.Me,
		ClientID:   claims.ClientID,
		Scopes:     scopes,
	}
	if claims.IssuedAt != nil {
		token.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		token.ExpiresAt = claims.ExpiresAt.Time
	}
	return token, nil
}
