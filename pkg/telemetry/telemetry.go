// Package telemetry records operational counters for the authorization
// server. The engine reports through the Sink interface; the Prometheus
// implementation backs the /metrics endpoint and the noop implementation is
// for tests.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink receives protocol events. Implementations must be safe for
// concurrent use.
type Sink interface {
	// AuthorizationRequest records the outcome of an authorization request
	// ("redirect_provider", "enter_profile", "invalid_request", ...).
	AuthorizationRequest(outcome string)

	// TokenGrant records a token endpoint request by grant type and outcome.
	TokenGrant(grantType, outcome string)

	// ProviderCallback records an upstream callback by provider and outcome.
	ProviderCallback(providerType, outcome string)

	// CleanupDeleted records records removed by the cleanup task.
	CleanupDeleted(kind string, count int)
}

// Noop discards all events.
type Noop struct{}

// AuthorizationRequest implements Sink.
func (Noop) AuthorizationRequest(string) {}

// TokenGrant implements Sink.
func (Noop) TokenGrant(string, string) {}

// ProviderCallback implements Sink.
func (Noop) ProviderCallback(string, string) {}

// CleanupDeleted implements Sink.
func (Noop) CleanupDeleted(string, int) {}

// Prometheus exposes the events as Prometheus counters.
type Prometheus struct {
	registry *prometheus.Registry

	authorizationRequests *prometheus.CounterVec
	tokenGrants           *prometheus.CounterVec
	providerCallbacks     *prometheus.CounterVec
	cleanupDeleted        *prometheus.CounterVec
}

// NewPrometheus creates a sink with its own registry (alongside the standard
// Go and process collectors).
func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	p := &Prometheus{
		registry: registry,
		authorizationRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "talos_authorization_requests_total",
			Help: "Authorization requests by outcome.",
		}, []string{"outcome"}),
		tokenGrants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "talos_token_grants_total",
			Help: "Token endpoint requests by grant type and outcome.",
		}, []string{"grant_type", "outcome"}),
		providerCallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "talos_provider_callbacks_total",
			Help: "Upstream provider callbacks by provider and outcome.",
		}, []string{"provider", "outcome"}),
		cleanupDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "talos_cleanup_deleted_total",
			Help: "Expired records removed by the cleanup task.",
		}, []string{"kind"}),
	}
	registry.MustRegister(p.authorizationRequests, p.tokenGrants, p.providerCallbacks, p.cleanupDeleted)
	return p
}

// AuthorizationRequest implements Sink.
func (p *Prometheus) AuthorizationRequest(outcome string) {
	p.authorizationRequests.WithLabelValues(outcome).Inc()
}

// TokenGrant implements Sink.
func (p *Prometheus) TokenGrant(grantType, outcome string) {
	p.tokenGrants.WithLabelValues(grantType, outcome).Inc()
}

// ProviderCallback implements Sink.
func (p *Prometheus) ProviderCallback(providerType, outcome string) {
	p.providerCallbacks.WithLabelValues(providerType, outcome).Inc()
}

// CleanupDeleted implements Sink.
func (p *Prometheus) CleanupDeleted(kind string, count int) {
	p.cleanupDeleted.WithLabelValues(kind).Add(float64(count))
}

// Handler serves the metrics endpoint for this sink's registry.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

var (
	_ Sink = Noop{}
	_ Sink = (*Prometheus)(nil)
)
