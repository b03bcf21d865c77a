// Package engine implements the IndieAuth protocol state machine: it
// validates authorization requests, drives the provider-delegated
// authentication flow, and issues, refreshes, revokes, and introspects
// tokens. The engine returns structured results; translating them to HTTP
// responses is the server package's job.
package engine

import (
	"net/http"
	"net/url"
	"time"

	"github.com/myquay/talos/pkg/config"
	"github.com/myquay/talos/pkg/discovery"
	"github.com/myquay/talos/pkg/providers"
	"github.com/myquay/talos/pkg/storage"
	"github.com/myquay/talos/pkg/telemetry"
	"github.com/myquay/talos/pkg/tokens"
)

// OAuth/IndieAuth error codes as emitted on the wire.
const (
	ErrCodeInvalidRequest          = "invalid_request"
	ErrCodeUnsupportedResponseType = "unsupported_response_type"
	ErrCodeInvalidGrant            = "invalid_grant"
	ErrCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrCodeInvalidClient           = "invalid_client"
	ErrCodeAccessDenied            = "access_denied"
	ErrCodeServerError             = "server_error"
	ErrCodeVerificationFailed      = "verification_failed"
)

// FlowError is a protocol error with a wire-level code and a user-facing
// description.
type FlowError struct {
	Code        string
	Description string
}

// Error implements the error interface.
func (e *FlowError) Error() string {
	return e.Code + ": " + e.Description
}

// HTTPStatus maps the error code to a response status.
func (e *FlowError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeServerError:
		return http.StatusInternalServerError
	case ErrCodeInvalidClient:
		return http.StatusUnauthorized
	default:
		return http.StatusBadRequest
	}
}

func flowErr(code, description string) *FlowError {
	return &FlowError{Code: code, Description: description}
}

// Engine owns the protocol state machine. All dependencies are provided at
// construction; the engine itself holds no mutable state.
type Engine struct {
	cfg       *config.Settings
	store     storage.Store
	discovery *discovery.Service
	registry  *providers.Registry
	tokens    *tokens.Service
	sink      telemetry.Sink

	now func() time.Time
}

// New constructs the engine.
func New(cfg *config.Settings, store storage.Store, disc *discovery.Service,
	registry *providers.Registry, tokenService *tokens.Service, sink telemetry.Sink) *Engine {
	if sink == nil {
		sink = telemetry.Noop{}
	}
	return &Engine{
		cfg:       cfg,
		store:     store,
		discovery: disc,
		registry:  registry,
		tokens:    tokenService,
		sink:      sink,
		now:       time.Now,
	}
}

// issuer returns the canonical issuer value used in iss parameters and
// claims.
func (e *Engine) issuer() string {
	return e.cfg.Issuer()
}

// callbackURL is the redirect URI registered with the upstream provider.
func (e *Engine) callbackURL(providerType string) string {
	return e.issuer() + "/callback/" + providerType
}

// frontendURL builds an absolute URL for an SPA route with query values.
// Empty values are dropped.
func (e *Engine) frontendURL(path string, query url.Values) string {
	for key, values := range query {
		if len(values) == 0 || values[0] == "" {
			delete(query, key)
		}
	}
	u := e.issuer() + path
	if len(query) == 0 {
		return u
	}
	return u + "?" + query.Encode()
}
