package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// RFC 7636 Appendix B example vector.
const (
	rfcVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	rfcChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

func TestGeneratePKCEVerifier(t *testing.T) {
	t.Parallel()

	verifier := GeneratePKCEVerifier()

	// RFC 7636: code_verifier must be 43-128 characters
	assert.GreaterOrEqual(t, len(verifier), 43)
	assert.LessOrEqual(t, len(verifier), 128)

	for i := 0; i < len(verifier); i++ {
		assert.True(t, isVerifierChar(verifier[i]), "character %q outside verifier alphabet", verifier[i])
	}
}

func TestComputePKCEChallenge_RFC7636Example(t *testing.T) {
	t.Parallel()

	assert.Equal(t, rfcChallenge, ComputePKCEChallenge(rfcVerifier))
}

func TestVerifyPKCERoundTrip(t *testing.T) {
	t.Parallel()

	for i := 0; i < 16; i++ {
		verifier := GeneratePKCEVerifier()
		assert.True(t, VerifyPKCE(verifier, ComputePKCEChallenge(verifier), PKCEChallengeMethodS256))
	}
}

func TestVerifyPKCE(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		verifier  string
		challenge string
		method    string
		expected  bool
	}{
		{
			name:      "rfc vector",
			verifier:  rfcVerifier,
			challenge: rfcChallenge,
			method:    "S256",
			expected:  true,
		},
		{
			name:      "wrong verifier",
			verifier:  "wrong-verifier-wrong-verifier-wrong-verifier",
			challenge: rfcChallenge,
			method:    "S256",
			expected:  false,
		},
		{
			name:      "plain method rejected",
			verifier:  rfcVerifier,
			challenge: rfcVerifier,
			method:    "plain",
			expected:  false,
		},
		{
			name:      "empty method rejected",
			verifier:  rfcVerifier,
			challenge: rfcChallenge,
			method:    "",
			expected:  false,
		},
		{
			name:      "too short",
			verifier:  strings.Repeat("a", 42),
			challenge: ComputePKCEChallenge(strings.Repeat("a", 42)),
			method:    "S256",
			expected:  false,
		},
		{
			name:      "minimum length accepted",
			verifier:  strings.Repeat("a", 43),
			challenge: ComputePKCEChallenge(strings.Repeat("a", 43)),
			method:    "S256",
			expected:  true,
		},
		{
			name:      "maximum length accepted",
			verifier:  strings.Repeat("a", 128),
			challenge: ComputePKCEChallenge(strings.Repeat("a", 128)),
			method:    "S256",
			expected:  true,
		},
		{
			name:      "too long",
			verifier:  strings.Repeat("a", 129),
			challenge: ComputePKCEChallenge(strings.Repeat("a", 129)),
			method:    "S256",
			expected:  false,
		},
		{
			name:      "illegal character",
			verifier:  strings.Repeat("a", 42) + "!",
			challenge: ComputePKCEChallenge(strings.Repeat("a", 42) + "!"),
			method:    "S256",
			expected:  false,
		},
		{
			name:      "tilde and dot allowed",
			verifier:  strings.Repeat("a", 41) + "~._-",
			challenge: ComputePKCEChallenge(strings.Repeat("a", 41) + "~._-"),
			method:    "S256",
			expected:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, VerifyPKCE(tt.verifier, tt.challenge, tt.method))
		})
	}
}
