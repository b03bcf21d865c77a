package engine

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myquay/talos/pkg/config"
	"github.com/myquay/talos/pkg/crypto"
	"github.com/myquay/talos/pkg/discovery"
	"github.com/myquay/talos/pkg/providers"
	"github.com/myquay/talos/pkg/storage"
	"github.com/myquay/talos/pkg/tokens"
)

// roundTripFunc serves canned responses for discovery fetches, so tests can
// use real-looking domain names instead of loopback httptest URLs (which
// profile URL validation rightly rejects).
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func htmlResponse(req *http.Request, body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/html"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}
}

const (
	profilePage = `<html><head><link rel="me" href="https://github.com/jane"></head></html>`
	clientPage  = `<html><body><div class="h-app"><a href="/" class="u-url p-name">Example App</a></div></body></html>`
)

// testTransport serves the standard profile and client pages.
func testTransport() roundTripFunc {
	return func(req *http.Request) (*http.Response, error) {
		switch req.URL.Host {
		case "jane.example.com":
			return htmlResponse(req, profilePage), nil
		case "app.example.com":
			return htmlResponse(req, clientPage), nil
		default:
			return nil, errors.New("unexpected fetch: " + req.URL.String())
		}
	}
}

// fakeProvider implements providers.Provider with scripted outcomes.
type fakeProvider struct {
	typ          string
	host         string
	exchangeErr  error
	verification *providers.Verification
	verifyErr    error

	lastState    string
	lastRedirect string
}

func (p *fakeProvider) Type() string        { return p.typ }
func (p *fakeProvider) DisplayName() string { return strings.ToUpper(p.typ[:1]) + p.typ[1:] }
func (p *fakeProvider) IconURL() string     { return "https://" + p.host + "/favicon.svg" }

func (p *fakeProvider) MatchProfileURL(profileURL string) (string, bool) {
	u, err := url.Parse(profileURL)
	if err != nil || u.Host != p.host {
		return "", false
	}
	return strings.Trim(u.Path, "/"), true
}

func (p *fakeProvider) BuildAuthorizationURL(state, redirectURI string) string {
	p.lastState = state
	p.lastRedirect = redirectURI
	return "https://" + p.host + "/oauth/authorize?state=" + url.QueryEscape(state)
}

func (p *fakeProvider) ExchangeCode(context.Context, string, string) (string, error) {
	if p.exchangeErr != nil {
		return "", p.exchangeErr
	}
	return "upstream-access-token", nil
}

func (p *fakeProvider) Verify(context.Context, string, string, string) (*providers.Verification, error) {
	if p.verifyErr != nil {
		return nil, p.verifyErr
	}
	if p.verification != nil {
		return p.verification, nil
	}
	return &providers.Verification{Success: true, Username: "jane", ReciprocalVerified: true}, nil
}

func testSettings() *config.Settings {
	return &config.Settings{
		BaseURL:             "https://auth.example.com/",
		JWTSecret:           []byte("0123456789abcdef0123456789abcdef"),
		AccessTokenTTL:      15 * time.Minute,
		AuthCodeTTL:         10 * time.Minute,
		RefreshTokenTTL:     30 * 24 * time.Hour,
		PendingAuthTTL:      30 * time.Minute,
		IntrospectionSecret: "introspection-secret",
		Frontend: config.FrontendRoutes{
			EnterProfilePath:   "/enter-profile",
			SelectProviderPath: "/select-provider",
			ConsentPath:        "/consent",
		},
		Storage: config.StorageSettings{Backend: config.StorageBackendMemory},
	}
}

func newTestEngine(t *testing.T, cfg *config.Settings, transport http.RoundTripper, provs ...providers.Provider) *Engine {
	t.Helper()

	if transport == nil {
		transport = testTransport()
	}
	client := &http.Client{Transport: transport}
	registry := providers.NewRegistry(provs...)

	tokenService, err := tokens.NewService(cfg.JWTSecret, cfg.Issuer(), cfg.AccessTokenTTL)
	require.NoError(t, err)

	return New(cfg, storage.NewMemoryStore(), discovery.NewService(client, registry), registry, tokenService, nil)
}

func githubFake() *fakeProvider {
	return &fakeProvider{typ: "github", host: "github.com"}
}

func validRequest() *AuthorizationRequest {
	verifier := crypto.GeneratePKCEVerifier()
	return &AuthorizationRequest{
		ResponseType:        "code",
		ClientID:            "https://app.example.com/",
		RedirectURI:         "https://app.example.com/cb",
		State:               "client-state-12345",
		Scope:               "create update",
		Me:                  "https://jane.example.com/",
		CodeChallenge:       crypto.ComputePKCEChallenge(verifier),
		CodeChallengeMethod: "S256",
	}
}

func TestCreateAuthorizationOrderedChecks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(*AuthorizationRequest)
		code      string
		untrusted bool
	}{
		{
			name:      "wrong response type",
			mutate:    func(r *AuthorizationRequest) { r.ResponseType = "token" },
			code:      ErrCodeUnsupportedResponseType,
			untrusted: true,
		},
		{
			name:      "missing client_id",
			mutate:    func(r *AuthorizationRequest) { r.ClientID = "" },
			code:      ErrCodeInvalidRequest,
			untrusted: true,
		},
		{
			name:      "client_id with fragment",
			mutate:    func(r *AuthorizationRequest) { r.ClientID = "https://app.example.com/#frag" },
			code:      ErrCodeInvalidRequest,
			untrusted: true,
		},
		{
			name:      "missing redirect_uri",
			mutate:    func(r *AuthorizationRequest) { r.RedirectURI = "" },
			code:      ErrCodeInvalidRequest,
			untrusted: true,
		},
		{
			name:      "javascript redirect_uri",
			mutate:    func(r *AuthorizationRequest) { r.RedirectURI = "javascript:alert(1)" },
			code:      ErrCodeInvalidRequest,
			untrusted: true,
		},
		{
			name:      "cross-origin redirect_uri not published",
			mutate:    func(r *AuthorizationRequest) { r.RedirectURI = "https://evil.example.com/cb" },
			code:      ErrCodeInvalidRequest,
			untrusted: true,
		},
		{
			name:   "missing state",
			mutate: func(r *AuthorizationRequest) { r.State = "" },
			code:   ErrCodeInvalidRequest,
		},
		{
			name:   "missing code_challenge",
			mutate: func(r *AuthorizationRequest) { r.CodeChallenge = "" },
			code:   ErrCodeInvalidRequest,
		},
		{
			name:   "plain challenge method",
			mutate: func(r *AuthorizationRequest) { r.CodeChallengeMethod = "plain" },
			code:   ErrCodeInvalidRequest,
		},
		{
			name:   "me with ip host",
			mutate: func(r *AuthorizationRequest) { r.Me = "https://192.168.1.1/" },
			code:   ErrCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := newTestEngine(t, testSettings(), nil, githubFake())
			req := validRequest()
			tt.mutate(req)

			result := e.CreateAuthorization(context.Background(), req)
			require.NotNil(t, result.Err)
			assert.Equal(t, tt.code, result.Err.Code)
			assert.Equal(t, tt.untrusted, result.Err.RedirectURIUntrusted)
			assert.Empty(t, result.RedirectURL)
		})
	}
}

func TestCreateAuthorizationRejectsPublishedNonWebRedirect(t *testing.T) {
	t.Parallel()

	// The client publishes a non-http(s) redirect URI in its metadata. The
	// published list must not admit what the scheme check already rejected.
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Host == "app.example.com" {
			return &http.Response{
				StatusCode: http.StatusOK,
				Header:     http.Header{"Content-Type": {"application/json"}},
				Body: io.NopCloser(strings.NewReader(
					`{"client_id":"https://app.example.com/","redirect_uris":["ftp://evil.example.com/cb"]}`)),
				Request: req,
			}, nil
		}
		return htmlResponse(req, profilePage), nil
	})
	e := newTestEngine(t, testSettings(), transport, githubFake())

	req := validRequest()
	req.RedirectURI = "ftp://evil.example.com/cb"
	result := e.CreateAuthorization(context.Background(), req)
	require.NotNil(t, result.Err)
	assert.Equal(t, ErrCodeInvalidRequest, result.Err.Code)
	assert.True(t, result.Err.RedirectURIUntrusted)
	assert.Empty(t, result.SessionID)
}

func TestCreateAuthorizationAllowedHosts(t *testing.T) {
	t.Parallel()

	cfg := testSettings()
	cfg.AllowedProfileHosts = []string{"someoneelse.example.com"}
	e := newTestEngine(t, cfg, nil, githubFake())

	result := e.CreateAuthorization(context.Background(), validRequest())
	require.NotNil(t, result.Err)
	assert.Equal(t, ErrCodeAccessDenied, result.Err.Code)
	// The description must not leak the allow-list.
	assert.NotContains(t, result.Err.Description, "someoneelse")
}

func TestCreateAuthorizationNoProviders(t *testing.T) {
	t.Parallel()

	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return htmlResponse(req, `<html><body>no links here</body></html>`), nil
	})
	e := newTestEngine(t, testSettings(), transport, githubFake())

	result := e.CreateAuthorization(context.Background(), validRequest())
	require.NotNil(t, result.Err)
	assert.Equal(t, ErrCodeInvalidRequest, result.Err.Code)
	assert.False(t, result.Err.RedirectURIUntrusted)
}

func TestCreateAuthorizationEnterProfileRedirect(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, testSettings(), nil, githubFake())
	req := validRequest()
	req.Me = ""

	result := e.CreateAuthorization(context.Background(), req)
	require.Nil(t, result.Err)
	assert.Empty(t, result.SessionID, "no session is created before a profile is entered")

	u, err := url.Parse(result.RedirectURL)
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.com/enter-profile", u.Scheme+"://"+u.Host+u.Path)

	query := u.Query()
	assert.Equal(t, req.ClientID, query.Get("client_id"))
	assert.Equal(t, req.State, query.Get("state"))
	assert.Equal(t, req.CodeChallenge, query.Get("code_challenge"))
	assert.Equal(t, "Example App", query.Get("client_name"))
}

func TestCreateAuthorizationSingleProviderRedirectsUpstream(t *testing.T) {
	t.Parallel()

	fake := githubFake()
	e := newTestEngine(t, testSettings(), nil, fake)

	result := e.CreateAuthorization(context.Background(), validRequest())
	require.Nil(t, result.Err)
	require.NotEmpty(t, result.SessionID)

	assert.NotEmpty(t, fake.lastState)
	assert.Equal(t, "https://auth.example.com/callback/github", fake.lastRedirect)
	assert.Contains(t, result.RedirectURL, "https://github.com/oauth/authorize?state=")

	view, ferr := e.GetSession(context.Background(), result.SessionID)
	require.Nil(t, ferr)
	assert.Equal(t, "github", view.SelectedProvider)
	assert.False(t, view.IsAuthenticated)
	assert.Equal(t, []string{"create", "update"}, view.Scopes)
	require.Len(t, view.Providers, 1)
	assert.Equal(t, "jane", view.Providers[0].Username)
}

func TestCreateAuthorizationMultipleProviders(t *testing.T) {
	t.Parallel()

	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Host == "jane.example.com" {
			return htmlResponse(req, `<html><head>
				<link rel="me" href="https://github.com/jane">
				<link rel="me" href="https://gitlab.com/jane">
			</head></html>`), nil
		}
		return htmlResponse(req, clientPage), nil
	})
	gh := githubFake()
	gl := &fakeProvider{typ: "gitlab", host: "gitlab.com"}
	e := newTestEngine(t, testSettings(), transport, gh, gl)

	result := e.CreateAuthorization(context.Background(), validRequest())
	require.Nil(t, result.Err)
	require.NotEmpty(t, result.SessionID)
	assert.Contains(t, result.RedirectURL, "https://auth.example.com/select-provider?session_id=")

	// No provider is bound until the user picks one.
	view, ferr := e.GetSession(context.Background(), result.SessionID)
	require.Nil(t, ferr)
	assert.Empty(t, view.SelectedProvider)
	require.Len(t, view.Providers, 2)

	redirect, ferr := e.SelectProvider(context.Background(), result.SessionID, "gitlab")
	require.Nil(t, ferr)
	assert.Contains(t, redirect, "https://gitlab.com/oauth/authorize?state=")
	assert.NotEmpty(t, gl.lastState)

	_, ferr = e.SelectProvider(context.Background(), result.SessionID, "bitbucket")
	require.NotNil(t, ferr)
	assert.Equal(t, ErrCodeInvalidRequest, ferr.Code)
}

func TestHandleProviderCallback(t *testing.T) {
	t.Parallel()

	fake := githubFake()
	e := newTestEngine(t, testSettings(), nil, fake)

	result := e.CreateAuthorization(context.Background(), validRequest())
	require.Nil(t, result.Err)

	redirect, ferr := e.HandleProviderCallback(context.Background(), "github", "provider-code", fake.lastState)
	require.Nil(t, ferr)
	assert.Equal(t, "https://auth.example.com/consent?session_id="+url.QueryEscape(result.SessionID), redirect)

	view, ferr := e.GetSession(context.Background(), result.SessionID)
	require.Nil(t, ferr)
	assert.True(t, view.IsAuthenticated)
	assert.Equal(t, "jane", view.VerifiedUsername)

	// The provider state is single-use.
	_, ferr = e.HandleProviderCallback(context.Background(), "github", "provider-code", fake.lastState)
	require.NotNil(t, ferr)
	assert.Equal(t, ErrCodeInvalidRequest, ferr.Code)
}

func TestHandleProviderCallbackUnknownState(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, testSettings(), nil, githubFake())

	_, ferr := e.HandleProviderCallback(context.Background(), "github", "provider-code", "bogus-state")
	require.NotNil(t, ferr)
	assert.Equal(t, ErrCodeInvalidRequest, ferr.Code)
}

func TestHandleProviderCallbackExchangeFailure(t *testing.T) {
	t.Parallel()

	fake := githubFake()
	fake.exchangeErr = errors.New("upstream says no")
	e := newTestEngine(t, testSettings(), nil, fake)

	result := e.CreateAuthorization(context.Background(), validRequest())
	require.Nil(t, result.Err)

	redirect, ferr := e.HandleProviderCallback(context.Background(), "github", "bad-code", fake.lastState)
	require.Nil(t, ferr)
	assert.Contains(t, redirect, "error="+ErrCodeAccessDenied)

	view, gerr := e.GetSession(context.Background(), result.SessionID)
	require.Nil(t, gerr)
	assert.False(t, view.IsAuthenticated)
}

func TestHandleProviderCallbackUsernameMismatch(t *testing.T) {
	t.Parallel()

	fake := githubFake()
	fake.verification = &providers.Verification{Success: false, Username: "mallory", Error: "wrong account"}
	e := newTestEngine(t, testSettings(), nil, fake)

	result := e.CreateAuthorization(context.Background(), validRequest())
	require.Nil(t, result.Err)

	redirect, ferr := e.HandleProviderCallback(context.Background(), "github", "provider-code", fake.lastState)
	require.Nil(t, ferr)
	assert.Contains(t, redirect, "error="+ErrCodeVerificationFailed)

	view, gerr := e.GetSession(context.Background(), result.SessionID)
	require.Nil(t, gerr)
	assert.False(t, view.IsAuthenticated)
}

func TestHandleProviderCallbackMissingReciprocalIsAccepted(t *testing.T) {
	t.Parallel()

	fake := githubFake()
	fake.verification = &providers.Verification{Success: true, Username: "jane", ReciprocalVerified: false}
	e := newTestEngine(t, testSettings(), nil, fake)

	result := e.CreateAuthorization(context.Background(), validRequest())
	require.Nil(t, result.Err)

	_, ferr := e.HandleProviderCallback(context.Background(), "github", "provider-code", fake.lastState)
	require.Nil(t, ferr)

	view, gerr := e.GetSession(context.Background(), result.SessionID)
	require.Nil(t, gerr)
	assert.True(t, view.IsAuthenticated)
}

// completeAuthentication drives a session through provider authentication
// and returns its ID.
func completeAuthentication(t *testing.T, e *Engine, fake *fakeProvider, req *AuthorizationRequest) string {
	t.Helper()

	result := e.CreateAuthorization(context.Background(), req)
	require.Nil(t, result.Err)
	_, ferr := e.HandleProviderCallback(context.Background(), "github", "provider-code", fake.lastState)
	require.Nil(t, ferr)
	return result.SessionID
}

func TestGrantConsentApproved(t *testing.T) {
	t.Parallel()

	fake := githubFake()
	e := newTestEngine(t, testSettings(), nil, fake)
	sessionID := completeAuthentication(t, e, fake, validRequest())

	redirect, ferr := e.GrantConsent(context.Background(), sessionID, true)
	require.Nil(t, ferr)

	u, err := url.Parse(redirect)
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", u.Host)
	query := u.Query()
	assert.NotEmpty(t, query.Get("code"))
	assert.Equal(t, "client-state-12345", query.Get("state"))
	assert.Equal(t, "https://auth.example.com", query.Get("iss"))

	// The session is finished.
	_, gerr := e.GetSession(context.Background(), sessionID)
	require.NotNil(t, gerr)
}

func TestGrantConsentDenied(t *testing.T) {
	t.Parallel()

	fake := githubFake()
	e := newTestEngine(t, testSettings(), nil, fake)
	sessionID := completeAuthentication(t, e, fake, validRequest())

	redirect, ferr := e.GrantConsent(context.Background(), sessionID, false)
	require.Nil(t, ferr)

	u, err := url.Parse(redirect)
	require.NoError(t, err)
	query := u.Query()
	assert.Equal(t, ErrCodeAccessDenied, query.Get("error"))
	assert.Equal(t, "client-state-12345", query.Get("state"))
	assert.Equal(t, "https://auth.example.com", query.Get("iss"))
	assert.Empty(t, query.Get("code"))
}

func TestGrantConsentRequiresAuthentication(t *testing.T) {
	t.Parallel()

	fake := githubFake()
	e := newTestEngine(t, testSettings(), nil, fake)

	result := e.CreateAuthorization(context.Background(), validRequest())
	require.Nil(t, result.Err)

	_, ferr := e.GrantConsent(context.Background(), result.SessionID, true)
	require.NotNil(t, ferr)
	assert.Equal(t, ErrCodeInvalidRequest, ferr.Code)
}
