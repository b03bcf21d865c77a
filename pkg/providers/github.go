package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/myquay/talos/pkg/networking"
)

// Paths under github.com that are product pages, not user profiles.
var githubReservedPaths = map[string]bool{
	"about":         true,
	"apps":          true,
	"collections":   true,
	"contact":       true,
	"customer-stories": true,
	"explore":       true,
	"features":      true,
	"issues":        true,
	"join":          true,
	"login":         true,
	"marketplace":   true,
	"new":           true,
	"notifications": true,
	"organizations": true,
	"orgs":          true,
	"pricing":       true,
	"pulls":         true,
	"security":      true,
	"settings":      true,
	"site":          true,
	"sponsors":      true,
	"topics":        true,
	"trending":      true,
}

// GitHub authenticates users against github.com.
type GitHub struct {
	credentials Credentials
	endpoint    oauth2.Endpoint
	apiBaseURL  string
	httpClient  *http.Client
}

// NewGitHub returns a GitHub provider using the given OAuth app credentials.
// The client should be SSRF-guarded; requests only target the GitHub API.
func NewGitHub(credentials Credentials, client *http.Client) *GitHub {
	return &GitHub{
		credentials: credentials,
		endpoint:    endpoints.GitHub,
		apiBaseURL:  "https://api.github.com",
		httpClient:  client,
	}
}

// Type implements Provider.
func (*GitHub) Type() string { return "github" }

// DisplayName implements Provider.
func (*GitHub) DisplayName() string { return "GitHub" }

// IconURL implements Provider.
func (*GitHub) IconURL() string {
	return "https://github.githubassets.com/favicons/favicon.svg"
}

// MatchProfileURL implements Provider. It matches https://github.com/{user}
// and rejects reserved product paths.
func (*GitHub) MatchProfileURL(profileURL string) (string, bool) {
	u, err := url.Parse(profileURL)
	if err != nil {
		return "", false
	}
	return usernameFromProfilePath(u, "github.com", githubReservedPaths)
}

func (g *GitHub) oauthConfig(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     g.credentials.ClientID,
		ClientSecret: g.credentials.ClientSecret,
		Endpoint:     g.endpoint,
		RedirectURL:  redirectURI,
		Scopes:       []string{"read:user"},
	}
}

// BuildAuthorizationURL implements Provider.
func (g *GitHub) BuildAuthorizationURL(state, redirectURI string) string {
	return g.oauthConfig(redirectURI).AuthCodeURL(state)
}

// ExchangeCode implements Provider.
func (g *GitHub) ExchangeCode(ctx context.Context, code, redirectURI string) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)
	token, err := g.oauthConfig(redirectURI).Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("github code exchange failed: %w", err)
	}
	return token.AccessToken, nil
}

type githubUser struct {
	Login     string `json:"login"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
	HTMLURL   string `json:"html_url"`
	Blog      string `json:"blog"`
	Bio       string `json:"bio"`
}

// Verify implements Provider.
func (g *GitHub) Verify(ctx context.Context, accessToken, expectedUsername, websiteURL string) (*Verification, error) {
	user, err := networking.FetchJSON[githubUser](ctx, g.apiBaseURL+"/user",
		networking.WithClient(g.httpClient),
		networking.WithHeader("Authorization", "Bearer "+accessToken),
		networking.WithHeader("Accept", "application/vnd.github+json"))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch github profile: %w", err)
	}

	result := &Verification{
		Username:    user.Login,
		ProfileURL:  user.HTMLURL,
		DisplayName: user.Name,
		AvatarURL:   user.AvatarURL,
	}

	if !strings.EqualFold(user.Login, expectedUsername) {
		result.Error = fmt.Sprintf("signed in as github user %q, expected %q", user.Login, expectedUsername)
		return result, nil
	}

	result.Success = true
	result.ReciprocalVerified = linksToWebsite([]string{user.Blog, user.Bio}, websiteURL)
	return result, nil
}

var _ Provider = (*GitHub)(nil)
