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

var gitlabReservedPaths = map[string]bool{
	"-":              true,
	"abuse_reports":  true,
	"admin":          true,
	"api":            true,
	"dashboard":      true,
	"explore":        true,
	"groups":         true,
	"help":           true,
	"projects":       true,
	"search":         true,
	"users":          true,
}

// GitLab authenticates users against gitlab.com.
type GitLab struct {
	credentials Credentials
	endpoint    oauth2.Endpoint
	apiBaseURL  string
	httpClient  *http.Client
}

// NewGitLab returns a GitLab provider using the given OAuth app credentials.
func NewGitLab(credentials Credentials, client *http.Client) *GitLab {
	return &GitLab{
		credentials: credentials,
		endpoint:    endpoints.GitLab,
		apiBaseURL:  "https://gitlab.com/api/v4",
		httpClient:  client,
	}
}

// Type implements Provider.
func (*GitLab) Type() string { return "gitlab" }

// DisplayName implements Provider.
func (*GitLab) DisplayName() string { return "GitLab" }

// IconURL implements Provider.
func (*GitLab) IconURL() string {
	return "https://gitlab.com/assets/favicon.png"
}

// MatchProfileURL implements Provider.
func (*GitLab) MatchProfileURL(profileURL string) (string, bool) {
	u, err := url.Parse(profileURL)
	if err != nil {
		return "", false
	}
	return usernameFromProfilePath(u, "gitlab.com", gitlabReservedPaths)
}

func (g *GitLab) oauthConfig(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     g.credentials.ClientID,
		ClientSecret: g.credentials.ClientSecret,
		Endpoint:     g.endpoint,
		RedirectURL:  redirectURI,
		Scopes:       []string{"read_user"},
	}
}

// BuildAuthorizationURL implements Provider.
func (g *GitLab) BuildAuthorizationURL(state, redirectURI string) string {
	return g.oauthConfig(redirectURI).AuthCodeURL(state)
}

// ExchangeCode implements Provider.
func (g *GitLab) ExchangeCode(ctx context.Context, code, redirectURI string) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)
	token, err := g.oauthConfig(redirectURI).Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("gitlab code exchange failed: %w", err)
	}
	return token.AccessToken, nil
}

type gitlabUser struct {
	Username   string `json:"username"`
	Name       string `json:"name"`
	AvatarURL  string `json:"avatar_url"`
	WebURL     string `json:"web_url"`
	WebsiteURL string `json:"website_url"`
	Bio        string `json:"bio"`
}

// Verify implements Provider.
func (g *GitLab) Verify(ctx context.Context, accessToken, expectedUsername, websiteURL string) (*Verification, error) {
	user, err := networking.FetchJSON[gitlabUser](ctx, g.apiBaseURL+"/user",
		networking.WithClient(g.httpClient),
		networking.WithHeader("Authorization", "Bearer "+accessToken))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch gitlab profile: %w", err)
	}

	result := &Verification{
		Username:    user.Username,
		ProfileURL:  user.WebURL,
		DisplayName: user.Name,
		AvatarURL:   user.AvatarURL,
	}

	if !strings.EqualFold(user.Username, expectedUsername) {
		result.Error = fmt.Sprintf("signed in as gitlab user %q, expected %q", user.Username, expectedUsername)
		return result, nil
	}

	result.Success = true
	result.ReciprocalVerified = linksToWebsite([]string{user.WebsiteURL, user.Bio}, websiteURL)
	return result, nil
}

var _ Provider = (*GitLab)(nil)
