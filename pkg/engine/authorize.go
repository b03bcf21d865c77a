package engine

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/myquay/talos/pkg/crypto"
	"github.com/myquay/talos/pkg/discovery"
	"github.com/myquay/talos/pkg/logger"
	"github.com/myquay/talos/pkg/storage"
	"github.com/myquay/talos/pkg/validation"
)

// AuthorizationRequest is the parsed query of GET /auth.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	State               string
	Scope               string
	Me                  string
	CodeChallenge       string
	CodeChallengeMethod string
}

// AuthorizeError is a client-visible error from an authorization request.
type AuthorizeError struct {
	Code        string
	Description string

	// State is echoed back to the client when redirecting.
	State string

	// RedirectURI is where the error may be delivered. When
	// RedirectURIUntrusted is set the server MUST render an error page
	// instead of redirecting.
	RedirectURI          string
	RedirectURIUntrusted bool
}

// AuthorizeResult is the outcome of CreateAuthorization: either an error or
// a redirect (to the frontend or into a provider OAuth flow).
type AuthorizeResult struct {
	Err         *AuthorizeError
	RedirectURL string
	SessionID   string
}

func (e *Engine) authorizeErr(req *AuthorizationRequest, code, description string, untrusted bool) *AuthorizeResult {
	e.sink.AuthorizationRequest(code)
	return &AuthorizeResult{Err: &AuthorizeError{
		Code:                 code,
		Description:          description,
		State:                req.State,
		RedirectURI:          req.RedirectURI,
		RedirectURIUntrusted: untrusted,
	}}
}

// CreateAuthorization validates an authorization request and decides the
// next hop. Checks run in order; later checks assume earlier ones passed.
func (e *Engine) CreateAuthorization(ctx context.Context, req *AuthorizationRequest) *AuthorizeResult {
	var clientInfo *discovery.ClientInfo

	// Until both client_id and redirect_uri pass validation, errors must not
	// be delivered by redirect; those paths set RedirectURIUntrusted.
	if req.ResponseType != "code" {
		return e.authorizeErr(req, ErrCodeUnsupportedResponseType,
			"only response_type=code is supported", true)
	}

	if req.ClientID == "" || !validation.IsValidClientID(req.ClientID) {
		return e.authorizeErr(req, ErrCodeInvalidRequest,
			"client_id must be a valid client identifier URL", true)
	}

	switch {
	case !validation.IsWellFormedRedirectURI(req.RedirectURI):
		// Structurally unacceptable URIs (non-http(s) schemes included) are
		// rejected outright; the published list cannot rescue them.
		return e.authorizeErr(req, ErrCodeInvalidRequest, "redirect_uri is not acceptable", true)
	case validation.IsValidRedirectURI(req.RedirectURI, req.ClientID):
	default:
		// Cross-origin redirect URIs are admitted only when the client
		// publishes them in its metadata.
		clientInfo = e.discovery.DiscoverClient(ctx, req.ClientID)
		if !clientInfo.WasFetched ||
			!validation.IsRedirectURIInPublishedList(req.RedirectURI, clientInfo.RedirectURIs) {
			return e.authorizeErr(req, ErrCodeInvalidRequest,
				"redirect_uri does not match client_id and is not published by the client", true)
		}
	}

	if req.State == "" {
		return e.authorizeErr(req, ErrCodeInvalidRequest, "state is required", false)
	}

	if req.CodeChallenge == "" || req.CodeChallengeMethod != crypto.PKCEChallengeMethodS256 {
		return e.authorizeErr(req, ErrCodeInvalidRequest,
			"code_challenge with code_challenge_method=S256 is required", false)
	}

	if strings.TrimSpace(req.Me) == "" {
		// Send the user to the profile entry form, preserving the request.
		if clientInfo == nil {
			clientInfo = e.discovery.DiscoverClient(ctx, req.ClientID)
		}
		e.sink.AuthorizationRequest("enter_profile")
		return &AuthorizeResult{RedirectURL: e.frontendURL(e.cfg.Frontend.EnterProfilePath, url.Values{
			"response_type":         {req.ResponseType},
			"client_id":             {req.ClientID},
			"redirect_uri":          {req.RedirectURI},
			"state":                 {req.State},
			"scope":                 {req.Scope},
			"code_challenge":        {req.CodeChallenge},
			"code_challenge_method": {req.CodeChallengeMethod},
			"client_name":           {clientInfo.Name},
			"client_logo":           {clientInfo.LogoURI},
		})}
	}

	profileURL, err := discovery.NormalizeProfileURL(req.Me)
	if err != nil || !validation.IsValidProfileURL(profileURL) {
		return e.authorizeErr(req, ErrCodeInvalidRequest, "me must be a valid profile URL", false)
	}

	if parsed, err := url.Parse(profileURL); err != nil || !e.cfg.IsProfileHostAllowed(parsed.Hostname()) {
		// Deliberately generic: the allow-list is not revealed.
		return e.authorizeErr(req, ErrCodeAccessDenied, "this profile cannot authenticate here", false)
	}

	profile := e.discovery.DiscoverProfile(ctx, profileURL)
	if !profile.Success {
		return e.authorizeErr(req, ErrCodeInvalidRequest, profile.Error, false)
	}

	if clientInfo == nil {
		clientInfo = e.discovery.DiscoverClient(ctx, req.ClientID)
	}

	now := e.now()
	session := &storage.PendingAuthentication{
		SessionID:           crypto.NewSessionID(),
		ProfileURL:          profileURL,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		State:               req.State,
		Scopes:              strings.Fields(req.Scope),
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ClientName:          clientInfo.Name,
		ClientLogoURI:       clientInfo.LogoURI,
		Providers:           toProviderOptions(profile.Providers),
		CreatedAt:           now,
		ExpiresAt:           now.Add(e.cfg.PendingAuthTTL),
	}

	if len(session.Providers) == 1 {
		// Single provider: bind it now and go straight upstream.
		provider, err := e.registry.GetProvider(session.Providers[0].ProviderType)
		if err != nil {
			return e.authorizeErr(req, ErrCodeServerError, "identity provider unavailable", false)
		}
		session.SelectedProviderType = provider.Type()
		session.ProviderState = crypto.NewProviderState()

		if err := e.store.Pending().Create(ctx, session); err != nil {
			logger.Errorw("failed to persist pending authentication", "error", err)
			return e.authorizeErr(req, ErrCodeServerError, "could not start the authorization", false)
		}

		e.sink.AuthorizationRequest("redirect_provider")
		return &AuthorizeResult{
			SessionID:   session.SessionID,
			RedirectURL: provider.BuildAuthorizationURL(session.ProviderState, e.callbackURL(provider.Type())),
		}
	}

	if err := e.store.Pending().Create(ctx, session); err != nil {
		logger.Errorw("failed to persist pending authentication", "error", err)
		return e.authorizeErr(req, ErrCodeServerError, "could not start the authorization", false)
	}

	e.sink.AuthorizationRequest("select_provider")
	return &AuthorizeResult{
		SessionID: session.SessionID,
		RedirectURL: e.frontendURL(e.cfg.Frontend.SelectProviderPath, url.Values{
			"session_id": {session.SessionID},
		}),
	}
}

func toProviderOptions(matched []discovery.MatchedProvider) []storage.ProviderOption {
	options := make([]storage.ProviderOption, 0, len(matched))
	for _, m := range matched {
		options = append(options, storage.ProviderOption{
			ProviderType: m.ProviderType,
			ProfileURL:   m.ProfileURL,
			Username:     m.Username,
			DisplayName:  m.DisplayName,
			IconURL:      m.IconURL,
		})
	}
	return options
}

// SessionView is the sanitized pending-session state exposed to the
// frontend. Secrets bound to the session (provider state, PKCE challenge)
// are never included.
type SessionView struct {
	SessionID        string                   `json:"session_id"`
	ProfileURL       string                   `json:"profile_url"`
	ClientID         string                   `json:"client_id"`
	ClientName       string                   `json:"client_name,omitempty"`
	ClientLogoURI    string                   `json:"client_logo_uri,omitempty"`
	Scopes           []string                 `json:"scopes"`
	Providers        []storage.ProviderOption `json:"providers"`
	SelectedProvider string                   `json:"selected_provider,omitempty"`
	IsAuthenticated  bool                     `json:"is_authenticated"`
	VerifiedUsername string                   `json:"verified_username,omitempty"`
	ExpiresAt        int64                    `json:"expires_at"`
}

// GetSession returns the frontend view of a pending session.
func (e *Engine) GetSession(ctx context.Context, sessionID string) (*SessionView, *FlowError) {
	session, err := e.store.Pending().Get(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, flowErr(ErrCodeInvalidRequest, "unknown or expired session")
	}
	if err != nil {
		logger.Errorw("failed to load pending authentication", "error", err)
		return nil, flowErr(ErrCodeServerError, "could not load the session")
	}

	scopes := session.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	return &SessionView{
		SessionID:        session.SessionID,
		ProfileURL:       session.ProfileURL,
		ClientID:         session.ClientID,
		ClientName:       session.ClientName,
		ClientLogoURI:    session.ClientLogoURI,
		Scopes:           scopes,
		Providers:        session.Providers,
		SelectedProvider: session.SelectedProviderType,
		IsAuthenticated:  session.IsAuthenticated,
		VerifiedUsername: session.VerifiedUsername,
		ExpiresAt:        session.ExpiresAt.Unix(),
	}, nil
}

// SelectProvider binds one of the session's discovered providers and returns
// the upstream OAuth URL to send the user to.
func (e *Engine) SelectProvider(ctx context.Context, sessionID, providerType string) (string, *FlowError) {
	session, err := e.store.Pending().Get(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", flowErr(ErrCodeInvalidRequest, "unknown or expired session")
	}
	if err != nil {
		logger.Errorw("failed to load pending authentication", "error", err)
		return "", flowErr(ErrCodeServerError, "could not load the session")
	}

	if !sessionOffersProvider(session, providerType) {
		return "", flowErr(ErrCodeInvalidRequest, "provider was not discovered for this profile")
	}
	provider, err := e.registry.GetProvider(providerType)
	if err != nil {
		return "", flowErr(ErrCodeInvalidRequest, "unknown provider")
	}

	session.SelectedProviderType = providerType
	session.ProviderState = crypto.NewProviderState()
	if err := e.store.Pending().Update(ctx, session); err != nil {
		logger.Errorw("failed to update pending authentication", "error", err)
		return "", flowErr(ErrCodeServerError, "could not update the session")
	}

	return provider.BuildAuthorizationURL(session.ProviderState, e.callbackURL(providerType)), nil
}

func sessionOffersProvider(session *storage.PendingAuthentication, providerType string) bool {
	for _, option := range session.Providers {
		if option.ProviderType == providerType {
			return true
		}
	}
	return false
}

// HandleProviderCallback completes the upstream OAuth round trip. It returns
// the frontend URL to redirect the user to: the consent page, carrying an
// error parameter when authentication failed.
func (e *Engine) HandleProviderCallback(ctx context.Context, providerType, providerCode, providerState string) (string, *FlowError) {
	session, err := e.store.Pending().GetByProviderState(ctx, providerState)
	if errors.Is(err, storage.ErrNotFound) {
		e.sink.ProviderCallback(providerType, "unknown_state")
		return "", flowErr(ErrCodeInvalidRequest, "unknown or expired authorization state")
	}
	if err != nil {
		logger.Errorw("failed to resolve provider state", "error", err)
		return "", flowErr(ErrCodeServerError, "could not load the session")
	}

	if session.SelectedProviderType != providerType {
		e.sink.ProviderCallback(providerType, "provider_mismatch")
		return "", flowErr(ErrCodeInvalidRequest, "callback does not match the selected provider")
	}

	provider, err := e.registry.GetProvider(providerType)
	if err != nil {
		return "", flowErr(ErrCodeInvalidRequest, "unknown provider")
	}

	consentURL := func(errCode string) string {
		return e.frontendURL(e.cfg.Frontend.ConsentPath, url.Values{
			"session_id": {session.SessionID},
			"error":      {errCode},
		})
	}

	accessToken, err := provider.ExchangeCode(ctx, providerCode, e.callbackURL(providerType))
	if err != nil {
		logger.Warnw("provider code exchange failed", "provider", providerType, "error", err)
		e.sink.ProviderCallback(providerType, "exchange_failed")
		return consentURL(ErrCodeAccessDenied), nil
	}

	expected := expectedUsername(session, providerType)
	verification, err := provider.Verify(ctx, accessToken, expected, session.ProfileURL)
	if err != nil {
		logger.Warnw("provider verification failed", "provider", providerType, "error", err)
		e.sink.ProviderCallback(providerType, "verify_error")
		return consentURL(ErrCodeVerificationFailed), nil
	}
	if !verification.Success {
		logger.Infow("provider account mismatch",
			"provider", providerType, "profile_url", session.ProfileURL)
		e.sink.ProviderCallback(providerType, "username_mismatch")
		return consentURL(ErrCodeVerificationFailed), nil
	}
	if !verification.ReciprocalVerified {
		// Not fatal: the rel="me" on the site already asserts the link.
		logger.Warnw("no reciprocal link on provider profile",
			"provider", providerType, "profile_url", session.ProfileURL)
	}

	session.IsAuthenticated = true
	session.VerifiedUsername = verification.Username
	session.ReciprocalVerified = verification.ReciprocalVerified
	session.ProviderState = ""
	if err := e.store.Pending().Update(ctx, session); err != nil {
		logger.Errorw("failed to update pending authentication", "error", err)
		return "", flowErr(ErrCodeServerError, "could not update the session")
	}

	e.sink.ProviderCallback(providerType, "authenticated")
	return e.frontendURL(e.cfg.Frontend.ConsentPath, url.Values{
		"session_id": {session.SessionID},
	}), nil
}

func expectedUsername(session *storage.PendingAuthentication, providerType string) string {
	for _, option := range session.Providers {
		if option.ProviderType == providerType {
			return option.Username
		}
	}
	return ""
}

// GrantConsent finishes the flow: on approval it mints the authorization
// code and redirects back to the client; on denial it redirects with
// access_denied. Either way the pending session is finished.
func (e *Engine) GrantConsent(ctx context.Context, sessionID string, approved bool) (string, *FlowError) {
	session, err := e.store.Pending().Get(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", flowErr(ErrCodeInvalidRequest, "unknown or expired session")
	}
	if err != nil {
		logger.Errorw("failed to load pending authentication", "error", err)
		return "", flowErr(ErrCodeServerError, "could not load the session")
	}

	if !session.IsAuthenticated {
		return "", flowErr(ErrCodeInvalidRequest, "session is not authenticated")
	}

	if !approved {
		_ = e.store.Pending().Delete(ctx, sessionID)
		e.sink.AuthorizationRequest("consent_denied")
		return clientRedirect(session.RedirectURI, url.Values{
			"error": {ErrCodeAccessDenied},
			"state": {session.State},
			"iss":   {e.issuer()},
		}), nil
	}

	now := e.now()
	code := &storage.AuthorizationCode{
		Code:                crypto.NewAuthorizationCode(),
		ClientID:            session.ClientID,
		RedirectURI:         session.RedirectURI,
		ProfileURL:          session.ProfileURL,
		Scopes:              session.Scopes,
		CodeChallenge:       session.CodeChallenge,
		CodeChallengeMethod: session.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(e.cfg.AuthCodeTTL),
	}
	if err := e.store.Codes().Create(ctx, code); err != nil {
		logger.Errorw("failed to persist authorization code", "error", err)
		return "", flowErr(ErrCodeServerError, "could not issue the authorization code")
	}
	_ = e.store.Pending().Delete(ctx, sessionID)

	e.sink.AuthorizationRequest("code_issued")
	return clientRedirect(session.RedirectURI, url.Values{
		"code":  {code.Code},
		"state": {session.State},
		"iss":   {e.issuer()},
	}), nil
}

// clientRedirect appends query values to the client's redirect URI,
// preserving any query it already carries.
func clientRedirect(redirectURI string, values url.Values) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		// Validated long before this point.
		return redirectURI
	}
	query := u.Query()
	for key, vals := range values {
		for _, v := range vals {
			query.Set(key, v)
		}
	}
	u.RawQuery = query.Encode()
	return u.String()
}
