package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
)

// Entropy sizes, in bytes, for the opaque credentials the server mints.
// These are floors from the protocol design: session IDs carry at least
// 128 bits, authorization codes at least 192, refresh tokens at least 256.
const (
	sessionIDBytes     = 24
	authCodeBytes      = 24
	refreshTokenBytes  = 32
	providerStateBytes = 32
)

// randomToken returns n cryptographically random bytes encoded as unpadded
// base64url. It panics on crypto/rand failure; a server that cannot read
// random bytes must not issue credentials.
func randomToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// NewSessionID returns an opaque identifier for a pending authentication
// session (192 bits, URL-safe).
func NewSessionID() string {
	return randomToken(sessionIDBytes)
}

// NewAuthorizationCode returns a single-use authorization code (192 bits).
func NewAuthorizationCode() string {
	return randomToken(authCodeBytes)
}

// NewRefreshToken returns an opaque refresh token (256 bits).
func NewRefreshToken() string {
	return randomToken(refreshTokenBytes)
}

// NewProviderState returns the state value bound to a session for the
// upstream provider round trip (256 bits).
func NewProviderState() string {
	return randomToken(providerStateBytes)
}

// ConstantTimeEquals compares two strings in constant time. Used wherever a
// secret supplied by a caller is compared against a configured value.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
