package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Auth holds the counters the auth core reports on.
type Auth struct {
	registry *prometheus.Registry

	Logins                 *prometheus.CounterVec
	Rejections             *prometheus.CounterVec
	ClaimIntegrityFailures prometheus.Counter
	ThrottledLoginAttempts prometheus.Counter
}

func NewAuth() *Auth {
	registry := prometheus.NewRegistry()
	m := &Auth{
		registry: registry,
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "Login attempts by portal and outcome.",
		}, []string{"portal", "outcome"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_rejections_total",
			Help: "Requests rejected by the auth middleware, by reason.",
		}, []string{"reason"}),
		ClaimIntegrityFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_claim_integrity_failures_total",
			Help: "Issued tokens whose role claim could not be read back.",
		}),
		ThrottledLoginAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_login_throttled_total",
			Help: "Login attempts refused by the attempt limiter.",
		}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Logins,
		m.Rejections,
		m.ClaimIntegrityFailures,
		m.ThrottledLoginAttempts,
	)
	return m
}

func (m *Auth) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Auth) Login(portal, outcome string) {
	m.Logins.WithLabelValues(portal, outcome).Inc()
}

func (m *Auth) Reject(reason string) {
	m.Rejections.WithLabelValues(reason).Inc()
}
