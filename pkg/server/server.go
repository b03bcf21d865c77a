// Package server exposes the authorization engine over HTTP: the IndieAuth
// protocol endpoints, the frontend session API, and the operational
// endpoints (health, metrics, server metadata).
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/myquay/talos/pkg/config"
	"github.com/myquay/talos/pkg/engine"
	"github.com/myquay/talos/pkg/logger"
)

const (
	readHeaderTimeout = 10 * time.Second
	requestTimeout    = 60 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// HealthChecker reports whether the server's backing store is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP front of the authorization engine.
type Server struct {
	cfg     *config.Settings
	engine  *engine.Engine
	health  HealthChecker
	metrics http.Handler
}

// New constructs the server. health may be nil, in which case /healthz only
// reports process liveness. metricsHandler may be nil, in which case /metrics
// is not registered.
func New(cfg *config.Settings, eng *engine.Engine, health HealthChecker, metricsHandler http.Handler) *Server {
	return &Server{cfg: cfg, engine: eng, health: health, metrics: metricsHandler}
}

// Router builds the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RealIP,
		requestIDMiddleware,
		middleware.Recoverer,
		middleware.Timeout(requestTimeout),
		rateLimitMiddleware(globalRequestsPerMinute),
	)

	r.Group(func(r chi.Router) {
		r.Use(rateLimitMiddleware(authorizeRequestsPerMinute))
		r.Get("/auth", s.handleAuthorize)
		r.Post("/auth", s.handleAuthenticationExchange)
	})

	r.Group(func(r chi.Router) {
		r.Use(rateLimitMiddleware(tokenRequestsPerMinute))
		r.Post("/token", s.handleToken)
		r.Post("/token/revoke", s.handleRevoke)
		r.Post("/token/introspect", s.handleIntrospect)
	})

	r.Get("/callback/{provider}", s.handleProviderCallback)
	r.Get("/auth/session/{sessionID}", s.handleGetSession)
	r.Post("/auth/select-provider", s.handleSelectProvider)
	r.Post("/auth/consent", s.handleConsent)

	r.Get("/.well-known/oauth-authorization-server", s.handleMetadata)
	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	return r
}

// Serve runs the HTTP server until the context is cancelled, then shuts it
// down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("http server listening", "addr", s.cfg.ListenAddr, "issuer", s.cfg.Issuer())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Infow("http server stopped")
	return nil
}
