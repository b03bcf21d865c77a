package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/myquay/talos/pkg/crypto"
	"github.com/myquay/talos/pkg/logger"
	"github.com/myquay/talos/pkg/storage"
)

// Supported grant types.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// TokenRequest is the parsed form body of POST /token.
type TokenRequest struct {
	GrantType    string
	Code         string
	ClientID     string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
}

// TokenResponse is the token endpoint success payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope,omitempty"`
	Me           string `json:"me"`
}

// redeemCode atomically consumes an authorization code, verifying the
// client binding and PKCE inside the redemption transaction.
func (e *Engine) redeemCode(ctx context.Context, code, clientID, redirectURI, codeVerifier string) (*storage.AuthorizationCode, error) {
	return e.store.Codes().Redeem(ctx, code, func(record *storage.AuthorizationCode) bool {
		if record.ClientID != clientID || record.RedirectURI != redirectURI {
			return false
		}
		return crypto.VerifyPKCE(codeVerifier, record.CodeChallenge, record.CodeChallengeMethod)
	})
}

// Token handles POST /token for both supported grant types.
func (e *Engine) Token(ctx context.Context, req *TokenRequest) (*TokenResponse, *FlowError) {
	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		return e.authorizationCodeGrant(ctx, req)
	case GrantTypeRefreshToken:
		return e.refreshTokenGrant(ctx, req)
	default:
		return nil, flowErr(ErrCodeUnsupportedGrantType,
			"grant_type must be authorization_code or refresh_token")
	}
}

func (e *Engine) authorizationCodeGrant(ctx context.Context, req *TokenRequest) (*TokenResponse, *FlowError) {
	if req.Code == "" || req.ClientID == "" || req.RedirectURI == "" || req.CodeVerifier == "" {
		e.sink.TokenGrant(req.GrantType, ErrCodeInvalidRequest)
		return nil, flowErr(ErrCodeInvalidRequest,
			"code, client_id, redirect_uri and code_verifier are required")
	}

	record, err := e.redeemCode(ctx, req.Code, req.ClientID, req.RedirectURI, req.CodeVerifier)
	if errors.Is(err, storage.ErrAlreadyUsed) {
		e.revokeReplayedCode(ctx, record)
		e.sink.TokenGrant(req.GrantType, ErrCodeInvalidGrant)
		return nil, flowErr(ErrCodeInvalidGrant, "authorization code is invalid, expired, or already used")
	}
	if errors.Is(err, storage.ErrNotFound) {
		e.sink.TokenGrant(req.GrantType, ErrCodeInvalidGrant)
		return nil, flowErr(ErrCodeInvalidGrant, "authorization code is invalid, expired, or already used")
	}
	if err != nil {
		logger.Errorw("code redemption failed", "error", err)
		e.sink.TokenGrant(req.GrantType, ErrCodeServerError)
		return nil, flowErr(ErrCodeServerError, "could not redeem the authorization code")
	}

	if len(record.Scopes) == 0 {
		// Authentication-only codes carry no scopes and belong at the
		// authorization endpoint.
		e.sink.TokenGrant(req.GrantType, ErrCodeInvalidGrant)
		return nil, flowErr(ErrCodeInvalidGrant,
			"code was issued without scopes; exchange it at the authorization endpoint")
	}

	response, ferr := e.issueTokens(ctx, record.ProfileURL, record.ClientID, record.Scopes)
	if ferr != nil {
		e.sink.TokenGrant(req.GrantType, ferr.Code)
		return nil, ferr
	}
	e.sink.TokenGrant(req.GrantType, "issued")
	return response, nil
}

func (e *Engine) refreshTokenGrant(ctx context.Context, req *TokenRequest) (*TokenResponse, *FlowError) {
	if req.RefreshToken == "" || req.ClientID == "" {
		e.sink.TokenGrant(req.GrantType, ErrCodeInvalidRequest)
		return nil, flowErr(ErrCodeInvalidRequest, "refresh_token and client_id are required")
	}

	record, err := e.store.RefreshTokens().Get(ctx, req.RefreshToken)
	if errors.Is(err, storage.ErrNotFound) {
		e.sink.TokenGrant(req.GrantType, ErrCodeInvalidGrant)
		return nil, flowErr(ErrCodeInvalidGrant, "refresh token is invalid or expired")
	}
	if err != nil {
		logger.Errorw("refresh token lookup failed", "error", err)
		e.sink.TokenGrant(req.GrantType, ErrCodeServerError)
		return nil, flowErr(ErrCodeServerError, "could not load the refresh token")
	}

	if record.IsRevoked || record.ClientID != req.ClientID {
		e.sink.TokenGrant(req.GrantType, ErrCodeInvalidGrant)
		return nil, flowErr(ErrCodeInvalidGrant, "refresh token is invalid or expired")
	}

	now := e.now()
	replacement := &storage.RefreshToken{
		Token:      crypto.NewRefreshToken(),
		ClientID:   record.ClientID,
		ProfileURL: record.ProfileURL,
		Scopes:     record.Scopes,
		CreatedAt:  now,
		ExpiresAt:  now.Add(e.cfg.RefreshTokenTTL),
	}
	if err := e.store.RefreshTokens().Rotate(ctx, record.Token, replacement); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Lost a race with a concurrent rotation or revocation.
			e.sink.TokenGrant(req.GrantType, ErrCodeInvalidGrant)
			return nil, flowErr(ErrCodeInvalidGrant, "refresh token is invalid or expired")
		}
		logger.Errorw("refresh token rotation failed", "error", err)
		e.sink.TokenGrant(req.GrantType, ErrCodeServerError)
		return nil, flowErr(ErrCodeServerError, "could not rotate the refresh token")
	}

	accessToken, err := e.tokens.GenerateAccessToken(record.ProfileURL, record.ClientID, record.Scopes)
	if err != nil {
		logger.Errorw("access token generation failed", "error", err)
		e.sink.TokenGrant(req.GrantType, ErrCodeServerError)
		return nil, flowErr(ErrCodeServerError, "could not issue the access token")
	}

	e.sink.TokenGrant(req.GrantType, "issued")
	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(e.cfg.AccessTokenTTL.Seconds()),
		RefreshToken: replacement.Token,
		Scope:        strings.Join(record.Scopes, " "),
		Me:           record.ProfileURL,
	}, nil
}

// revokeReplayedCode revokes every live refresh token for the profile behind
// a replayed authorization code. A second redemption attempt means the code
// leaked, so whatever the first redemption minted cannot be trusted.
func (e *Engine) revokeReplayedCode(ctx context.Context, record *storage.AuthorizationCode) {
	if record == nil {
		return
	}
	revoked, err := e.store.RefreshTokens().RevokeAllForProfile(ctx, record.ProfileURL)
	if err != nil {
		logger.Errorw("failed to revoke tokens after code replay",
			"client_id", record.ClientID, "error", err)
		return
	}
	logger.Warnw("authorization code replayed; revoked associated tokens",
		"client_id", record.ClientID, "revoked", revoked)
}

// issueTokens mints the access token and a fresh refresh token.
func (e *Engine) issueTokens(ctx context.Context, profileURL, clientID string, scopes []string) (*TokenResponse, *FlowError) {
	accessToken, err := e.tokens.GenerateAccessToken(profileURL, clientID, scopes)
	if err != nil {
		logger.Errorw("access token generation failed", "error", err)
		return nil, flowErr(ErrCodeServerError, "could not issue the access token")
	}

	now := e.now()
	refresh := &storage.RefreshToken{
		Token:      crypto.NewRefreshToken(),
		ClientID:   clientID,
		ProfileURL: profileURL,
		Scopes:     scopes,
		CreatedAt:  now,
		ExpiresAt:  now.Add(e.cfg.RefreshTokenTTL),
	}
	if err := e.store.RefreshTokens().Create(ctx, refresh); err != nil {
		logger.Errorw("failed to persist refresh token", "error", err)
		return nil, flowErr(ErrCodeServerError, "could not issue the refresh token")
	}

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(e.cfg.AccessTokenTTL.Seconds()),
		RefreshToken: refresh.Token,
		Scope:        strings.Join(scopes, " "),
		Me:           profileURL,
	}, nil
}

// ExchangeAuthenticationCode handles POST /auth: the authentication-only
// redemption that returns the profile URL and never issues tokens.
func (e *Engine) ExchangeAuthenticationCode(ctx context.Context, req *TokenRequest) (string, *FlowError) {
	if req.GrantType != GrantTypeAuthorizationCode {
		return "", flowErr(ErrCodeUnsupportedGrantType, "grant_type must be authorization_code")
	}
	if req.Code == "" || req.ClientID == "" || req.RedirectURI == "" || req.CodeVerifier == "" {
		return "", flowErr(ErrCodeInvalidRequest,
			"code, client_id, redirect_uri and code_verifier are required")
	}

	record, err := e.redeemCode(ctx, req.Code, req.ClientID, req.RedirectURI, req.CodeVerifier)
	if errors.Is(err, storage.ErrAlreadyUsed) {
		e.revokeReplayedCode(ctx, record)
		return "", flowErr(ErrCodeInvalidGrant, "authorization code is invalid, expired, or already used")
	}
	if errors.Is(err, storage.ErrNotFound) {
		return "", flowErr(ErrCodeInvalidGrant, "authorization code is invalid, expired, or already used")
	}
	if err != nil {
		logger.Errorw("code redemption failed", "error", err)
		return "", flowErr(ErrCodeServerError, "could not redeem the authorization code")
	}

	return record.ProfileURL, nil
}

// Revoke handles POST /token/revoke. Per RFC 7009 the outcome is never
// revealed; errors are logged and swallowed.
func (e *Engine) Revoke(ctx context.Context, token string) {
	if token == "" {
		return
	}
	if err := e.store.RefreshTokens().Revoke(ctx, token); err != nil {
		logger.Errorw("revocation failed", "error", err)
	}
}

// Introspection is the RFC 7662 response payload.
type Introspection struct {
	Active   bool   `json:"active"`
	Me       string `json:"me,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Scope    string `json:"scope,omitempty"`
	Exp      int64  `json:"exp,omitempty"`
	Iat      int64  `json:"iat,omitempty"`
}

// Introspect validates an access token for an already-authorized caller.
// Invalid tokens yield {active:false} with no further detail.
func (e *Engine) Introspect(_ context.Context, token string) *Introspection {
	validated, err := e.tokens.ValidateAccessToken(token)
	if err != nil {
		return &Introspection{Active: false}
	}
	return &Introspection{
		Active:   true,
		Me:       validated.ProfileURL,
		ClientID: validated.ClientID,
		Scope:    strings.Join(validated.Scopes, " "),
		Exp:      validated.ExpiresAt.Unix(),
		Iat:      validated.IssuedAt.Unix(),
	}
}

// AuthorizeIntrospection checks the bearer secret for the introspection
// endpoint. With no secret configured, every request is rejected.
func (e *Engine) AuthorizeIntrospection(authorizationHeader string) bool {
	if e.cfg.IntrospectionSecret == "" {
		return false
	}
	bearer, ok := strings.CutPrefix(authorizationHeader, "Bearer ")
	if !ok {
		return false
	}
	return crypto.ConstantTimeEquals(bearer, e.cfg.IntrospectionSecret)
}
