// Package crypto provides the PKCE primitives and opaque credential
// generation used throughout the authorization flow.
package crypto

import (
	"crypto/subtle"

	"golang.org/x/oauth2"
)

// PKCEChallengeMethodS256 is the only PKCE challenge method this server
// accepts (RFC 7636). The "plain" method is rejected unconditionally.
const PKCEChallengeMethodS256 = "S256"

// Verifier length bounds per RFC 7636 Section 4.1.
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

// GeneratePKCEVerifier generates a cryptographically random code_verifier
// per RFC 7636 Section 4.1. The verifier is 43 characters (32 bytes
// base64url encoded without padding).
//
// This delegates to oauth2.GenerateVerifier() from golang.org/x/oauth2.
// It will panic on crypto/rand read failure (which is appropriate here).
func GeneratePKCEVerifier() string {
	return oauth2.GenerateVerifier()
}

// ComputePKCEChallenge computes the code_challenge from a code_verifier
// using the S256 method per RFC 7636 Section 4.2.
// code_challenge = BASE64URL(SHA256(code_verifier))
func ComputePKCEChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// isVerifierChar reports whether c belongs to the unreserved alphabet
// permitted in a code_verifier: [A-Za-z0-9] / "-" / "." / "_" / "~".
func isVerifierChar(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '.' || c == '_' || c == '~':
		return true
	}
	return false
}

// VerifyPKCE reports whether the verifier satisfies the stored challenge.
//
// It returns true only when the method is S256, the verifier is well-formed
// (length 43-128, unreserved alphabet), and the S256 challenge derived from
// the verifier matches the stored challenge. The final comparison is
// constant-time so redemption cannot be used as a comparison oracle.
func VerifyPKCE(verifier, challenge, method string) bool {
	if method != PKCEChallengeMethodS256 {
		return false
	}
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength {
		return false
	}
	for i := 0; i < len(verifier); i++ {
		if !isVerifierChar(verifier[i]) {
			return false
		}
	}
	computed := ComputePKCEChallenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
