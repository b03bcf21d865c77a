// Package discovery fetches and interprets the two documents an IndieAuth
// flow starts from: the user's profile page (rel="me" links and endpoint
// rels) and the client's identifier page (client metadata or h-app).
package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/myquay/talos/pkg/logger"
	"github.com/myquay/talos/pkg/microformats"
	"github.com/myquay/talos/pkg/networking"
	"github.com/myquay/talos/pkg/providers"
)

const userAgent = "talos-indieauth/1.0"

// MatchedProvider is an identity provider usable to authenticate a profile,
// derived from one of the profile's rel="me" links.
type MatchedProvider struct {
	// ProviderType identifies the provider ("github").
	ProviderType string `json:"provider_type"`

	// ProfileURL is the rel="me" link that matched.
	ProfileURL string `json:"profile_url"`

	// Username extracted from the rel="me" link.
	Username string `json:"username"`

	// DisplayName and IconURL describe the provider for selection UIs.
	DisplayName string `json:"display_name"`
	IconURL     string `json:"icon_url"`
}

// ProfileResult is the outcome of discovering a user profile.
type ProfileResult struct {
	// Success is true when at least one usable provider was found.
	Success bool

	// ProfileURL is the normalized profile URL that was fetched.
	ProfileURL string

	// Providers lists the matched identity providers in page order.
	Providers []MatchedProvider

	// AuthorizationEndpoint and TokenEndpoint are the profile's advertised
	// IndieAuth endpoints, if any. Link headers win over in-page rels.
	AuthorizationEndpoint string
	TokenEndpoint         string

	// Error describes the failure when Success is false.
	Error string
}

// Service performs profile and client discovery over a guarded HTTP client.
type Service struct {
	client   *http.Client
	registry *providers.Registry
}

// NewService returns a discovery service. The client must be SSRF-guarded;
// discovery fetches attacker-controlled URLs.
func NewService(client *http.Client, registry *providers.Registry) *Service {
	return &Service{client: client, registry: registry}
}

// NormalizeProfileURL canonicalizes a user-entered profile URL: a missing
// scheme defaults to https, scheme and host are lowercased, an empty path
// becomes "/", and non-root trailing slashes are stripped.
func NormalizeProfileURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("profile URL is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("profile URL is not parseable: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Path == "" {
		u.Path = "/"
	} else if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	return u.String(), nil
}

// DiscoverProfile fetches the profile URL and resolves its rel="me" links to
// configured identity providers. The URL must already be normalized and
// validated by the caller.
func (s *Service) DiscoverProfile(ctx context.Context, profileURL string) *ProfileResult {
	result := &ProfileResult{ProfileURL: profileURL}

	doc, err := networking.FetchDocument(ctx, profileURL,
		networking.WithClient(s.client),
		networking.WithHeader("Accept", "text/html"),
		networking.WithHeader("User-Agent", userAgent))
	if err != nil {
		logger.Debugw("profile fetch failed", "profile_url", profileURL, "error", err)
		result.Error = "could not fetch the profile URL"
		return result
	}

	base, err := url.Parse(doc.FinalURL)
	if err != nil {
		result.Error = "could not fetch the profile URL"
		return result
	}

	page := microformats.ParsePage(doc.Body, base)

	result.AuthorizationEndpoint = page.AuthorizationEndpoint
	result.TokenEndpoint = page.TokenEndpoint

	// Endpoints advertised in HTTP Link headers take precedence over any
	// advertised in the document. Relative targets resolve against the
	// final URL, the same base the in-document rels use.
	headerRels := parseLinkHeader(doc.Header)
	if endpoint := headerRels["authorization_endpoint"]; endpoint != "" {
		result.AuthorizationEndpoint = resolveAgainst(base, endpoint)
	}
	if endpoint := headerRels["token_endpoint"]; endpoint != "" {
		result.TokenEndpoint = resolveAgainst(base, endpoint)
	}

	if len(page.RelMe) == 0 {
		result.Error = "no rel=\"me\" links found on the profile page"
		return result
	}

	for _, link := range page.RelMe {
		provider, username, ok := s.registry.GetProviderForURL(link)
		if !ok {
			continue
		}
		result.Providers = append(result.Providers, MatchedProvider{
			ProviderType: provider.Type(),
			ProfileURL:   link,
			Username:     username,
			DisplayName:  provider.DisplayName(),
			IconURL:      provider.IconURL(),
		})
	}

	if len(result.Providers) == 0 {
		result.Error = "no rel=\"me\" link matched a supported identity provider"
		return result
	}

	result.Success = true
	return result
}

// resolveAgainst resolves a possibly-relative URI reference against the base
// URL. Unparseable references are returned unchanged.
func resolveAgainst(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

// parseLinkHeader extracts rel → URL from Link response headers. The first
// occurrence of each rel wins. Relative URLs are returned as-is.
func parseLinkHeader(header http.Header) map[string]string {
	rels := make(map[string]string)
	for _, value := range header.Values("Link") {
		for _, link := range splitLinkValues(value) {
			target, params, found := strings.Cut(link, ";")
			target = strings.TrimSpace(target)
			if !found || !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
				continue
			}
			uri := target[1 : len(target)-1]

			for _, param := range strings.Split(params, ";") {
				key, val, ok := strings.Cut(strings.TrimSpace(param), "=")
				if !ok || !strings.EqualFold(strings.TrimSpace(key), "rel") {
					continue
				}
				val = strings.Trim(strings.TrimSpace(val), `"`)
				for _, rel := range strings.Fields(val) {
					rel = strings.ToLower(rel)
					if _, exists := rels[rel]; !exists {
						rels[rel] = uri
					}
				}
			}
		}
	}
	return rels
}

// splitLinkValues splits a Link header on commas outside of <> brackets.
func splitLinkValues(value string) []string {
	var out []string
	depth := 0
	start := 0
	for i, r := range value {
		switch r {
		case '<':
			depth++
		case '>':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, value[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, value[start:])
	return out
}
