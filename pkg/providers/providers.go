// Package providers implements delegated authentication against external
// OAuth identity providers. A user proves control of their website by signing
// in to a provider their site links to with rel="me", after which the
// provider profile is checked for a reciprocal link back to the site.
package providers

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Provider is one external OAuth identity provider.
type Provider interface {
	// Type returns the stable identifier used in URLs and storage ("github").
	Type() string

	// DisplayName returns the human-readable provider name.
	DisplayName() string

	// IconURL returns the provider icon for selection UIs.
	IconURL() string

	// MatchProfileURL extracts a username from a profile URL on this
	// provider. Returns ok=false when the URL is not a user profile,
	// including reserved paths like github.com/settings.
	MatchProfileURL(profileURL string) (username string, ok bool)

	// BuildAuthorizationURL returns the provider's OAuth authorization URL
	// with the given state and callback.
	BuildAuthorizationURL(state, redirectURI string) string

	// ExchangeCode trades an OAuth authorization code for an access token.
	ExchangeCode(ctx context.Context, code, redirectURI string) (string, error)

	// Verify fetches the authenticated user's provider profile, confirms the
	// username matches, and checks for a reciprocal link to websiteURL.
	Verify(ctx context.Context, accessToken, expectedUsername, websiteURL string) (*Verification, error)
}

// Verification is the outcome of checking an authenticated provider account
// against the claimed profile.
type Verification struct {
	// Success is true when the provider account matches the expected username.
	Success bool

	// Username is the account name reported by the provider.
	Username string

	// ProfileURL is the provider profile page.
	ProfileURL string

	// DisplayName is the account display name, if public.
	DisplayName string

	// AvatarURL is the account avatar, if public.
	AvatarURL string

	// ReciprocalVerified is true when the provider profile links back to the
	// user's website.
	ReciprocalVerified bool

	// Error describes a verification failure in user-facing terms.
	Error string
}

// Credentials holds the OAuth client registration for one provider.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// Registry holds the configured providers. The set is fixed at startup.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Type()] = p
	}
	return r
}

// GetProvider returns the provider with the given type identifier.
func (r *Registry) GetProvider(providerType string) (Provider, error) {
	p, ok := r.providers[providerType]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", providerType)
	}
	return p, nil
}

// GetProviderForURL returns the provider whose profile URL pattern matches,
// along with the extracted username.
func (r *Registry) GetProviderForURL(profileURL string) (Provider, string, bool) {
	for _, p := range r.List() {
		if username, ok := p.MatchProfileURL(profileURL); ok {
			return p, username, true
		}
	}
	return nil, "", false
}

// List returns all providers ordered by type for stable iteration.
func (r *Registry) List() []Provider {
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type() < out[j].Type() })
	return out
}

// usernameFromProfilePath matches a single-segment profile path against a
// reserved-name deny list and the provider username alphabet.
func usernameFromProfilePath(u *url.URL, host string, reserved map[string]bool) (string, bool) {
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if !strings.EqualFold(u.Host, host) && !strings.EqualFold(u.Host, "www."+host) {
		return "", false
	}

	path := strings.Trim(u.Path, "/")
	if path == "" || strings.Contains(path, "/") {
		return "", false
	}
	if reserved[strings.ToLower(path)] {
		return "", false
	}
	for _, r := range path {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '-' && r != '_' && r != '.' {
			return "", false
		}
	}
	return path, true
}

// linksToWebsite reports whether any of the profile text fields reference the
// website. Matching is on normalized host+path, case-insensitive, so both
// "https://jane.example.com/" and "jane.example.com" in a bio count.
func linksToWebsite(fields []string, websiteURL string) bool {
	u, err := url.Parse(websiteURL)
	if err != nil || u.Host == "" {
		return false
	}
	target := strings.ToLower(u.Host + strings.TrimSuffix(u.Path, "/"))

	for _, field := range fields {
		if field == "" {
			continue
		}
		if strings.Contains(strings.ToLower(field), target) {
			return true
		}
	}
	return false
}
