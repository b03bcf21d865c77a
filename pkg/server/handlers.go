package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/myquay/talos/pkg/engine"
	"github.com/myquay/talos/pkg/logger"
)

// handleAuthorize serves GET /auth: the IndieAuth authorization endpoint.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	result := s.engine.CreateAuthorization(r.Context(), &engine.AuthorizationRequest{
		ResponseType:        query.Get("response_type"),
		ClientID:            query.Get("client_id"),
		RedirectURI:         query.Get("redirect_uri"),
		State:               query.Get("state"),
		Scope:               query.Get("scope"),
		Me:                  query.Get("me"),
		CodeChallenge:       query.Get("code_challenge"),
		CodeChallengeMethod: query.Get("code_challenge_method"),
	})
	if result.Err != nil {
		writeAuthorizeError(w, r, result.Err)
		return
	}
	http.Redirect(w, r, result.RedirectURL, http.StatusFound)
}

// handleAuthenticationExchange serves POST /auth: code redemption that
// returns the profile URL without issuing tokens.
func (s *Server) handleAuthenticationExchange(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeFlowError(w, &engine.FlowError{Code: engine.ErrCodeInvalidRequest, Description: "malformed form body"})
		return
	}
	me, ferr := s.engine.ExchangeAuthenticationCode(r.Context(), tokenRequestFromForm(r))
	if ferr != nil {
		writeFlowError(w, ferr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"me": me})
}

func tokenRequestFromForm(r *http.Request) *engine.TokenRequest {
	return &engine.TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		ClientID:     r.PostFormValue("client_id"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
	}
}

// handleToken serves POST /token for both grant types.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeFlowError(w, &engine.FlowError{Code: engine.ErrCodeInvalidRequest, Description: "malformed form body"})
		return
	}
	response, ferr := s.engine.Token(r.Context(), tokenRequestFromForm(r))
	if ferr != nil {
		writeFlowError(w, ferr)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// handleRevoke serves POST /token/revoke. Per RFC 7009 the response is 200
// regardless of whether the token existed.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err == nil {
		s.engine.Revoke(r.Context(), r.PostFormValue("token"))
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// handleIntrospect serves POST /token/introspect (RFC 7662). Callers
// authenticate with the configured bearer secret; everything else is 401.
func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if !s.engine.AuthorizeIntrospection(r.Header.Get("Authorization")) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	if err := r.ParseForm(); err != nil {
		writeFlowError(w, &engine.FlowError{Code: engine.ErrCodeInvalidRequest, Description: "malformed form body"})
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Introspect(r.Context(), r.PostFormValue("token")))
}

// handleProviderCallback serves GET /callback/{provider}: the redirect URI
// registered with the upstream identity providers.
func (s *Server) handleProviderCallback(w http.ResponseWriter, r *http.Request) {
	providerType := chi.URLParam(r, "provider")
	query := r.URL.Query()

	redirect, ferr := s.engine.HandleProviderCallback(r.Context(),
		providerType, query.Get("code"), query.Get("state"))
	if ferr != nil {
		writeAuthorizeError(w, r, &engine.AuthorizeError{
			Code:                 ferr.Code,
			Description:          ferr.Description,
			RedirectURIUntrusted: true,
		})
		return
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

// handleGetSession serves GET /auth/session/{sessionID} for the frontend.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, ferr := s.engine.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if ferr != nil {
		writeFlowError(w, ferr)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type selectProviderRequest struct {
	SessionID string `json:"session_id"`
	Provider  string `json:"provider"`
}

// handleSelectProvider serves POST /auth/select-provider.
func (s *Server) handleSelectProvider(w http.ResponseWriter, r *http.Request) {
	var req selectProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFlowError(w, &engine.FlowError{Code: engine.ErrCodeInvalidRequest, Description: "malformed JSON body"})
		return
	}
	redirect, ferr := s.engine.SelectProvider(r.Context(), req.SessionID, req.Provider)
	if ferr != nil {
		writeFlowError(w, ferr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"redirect_url": redirect})
}

type consentRequest struct {
	SessionID string `json:"session_id"`
	Approved  bool   `json:"approved"`
}

// handleConsent serves POST /auth/consent.
func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	var req consentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFlowError(w, &engine.FlowError{Code: engine.ErrCodeInvalidRequest, Description: "malformed JSON body"})
		return
	}
	redirect, ferr := s.engine.GrantConsent(r.Context(), req.SessionID, req.Approved)
	if ferr != nil {
		writeFlowError(w, ferr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"redirect_url": redirect})
}

// serverMetadata is the RFC 8414 authorization server metadata document.
type serverMetadata struct {
	Issuer                             string   `json:"issuer"`
	AuthorizationEndpoint              string   `json:"authorization_endpoint"`
	TokenEndpoint                      string   `json:"token_endpoint"`
	IntrospectionEndpoint              string   `json:"introspection_endpoint"`
	IntrospectionEndpointAuthMethods   []string `json:"introspection_endpoint_auth_methods_supported"`
	RevocationEndpoint                 string   `json:"revocation_endpoint"`
	RevocationEndpointAuthMethods      []string `json:"revocation_endpoint_auth_methods_supported"`
	ScopesSupported                    []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported             []string `json:"response_types_supported"`
	GrantTypesSupported                []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported      []string `json:"code_challenge_methods_supported"`
	AuthorizationResponseIssSupported  bool     `json:"authorization_response_iss_parameter_supported"`
}

// handleMetadata serves GET /.well-known/oauth-authorization-server.
func (s *Server) handleMetadata(w http.ResponseWriter, _ *http.Request) {
	issuer := s.cfg.Issuer()
	writeJSON(w, http.StatusOK, &serverMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/auth",
		TokenEndpoint:                     issuer + "/token",
		IntrospectionEndpoint:             issuer + "/token/introspect",
		IntrospectionEndpointAuthMethods:  []string{"Bearer"},
		RevocationEndpoint:                issuer + "/token/revoke",
		RevocationEndpointAuthMethods:     []string{"none"},
		ScopesSupported:                   s.cfg.ScopesSupported,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{engine.GrantTypeAuthorizationCode, engine.GrantTypeRefreshToken},
		CodeChallengeMethodsSupported:     []string{"S256"},
		AuthorizationResponseIssSupported: true,
	})
}

// handleHealth serves GET /healthz. The probe is only healthy when the
// backing store answers a ping.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			logger.Errorw("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
