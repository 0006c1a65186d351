package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stats is a process-scoped bundle of membership counters. It is created at
// startup and injected into the components that record into it, instead of
// being a package-level singleton, so that two processes embedded into a
// single test binary do not share state.
type Stats struct {
	registry *prometheus.Registry

	Connects          prometheus.Counter
	HandshakeFailures prometheus.Counter
	OpenConnections   prometheus.Gauge
	Suspicions        *prometheus.CounterVec
	ViewInstalls      prometheus.Counter
	ViewSize          prometheus.Gauge
	ForcedDisconnects prometheus.Counter
}

func NewStats() *Stats {
	s := &Stats{
		registry: prometheus.NewRegistry(),

		Connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geode",
			Name:      "transport_connects_total",
			Help:      "Number of transport connections established.",
		}),

		HandshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geode",
			Name:      "transport_handshake_failures_total",
			Help:      "Number of failed transport handshakes.",
		}),

		OpenConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "geode",
			Name:      "transport_open_connections",
			Help:      "Number of currently open transport connections.",
		}),

		Suspicions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geode",
			Name:      "membership_suspicions_total",
			Help:      "Number of liveness suspicions raised, by escalation stage.",
		}, []string{"stage"}),

		ViewInstalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geode",
			Name:      "membership_view_installs_total",
			Help:      "Number of membership views installed.",
		}),

		ViewSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "geode",
			Name:      "membership_view_size",
			Help:      "Number of members in the current view.",
		}),

		ForcedDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geode",
			Name:      "membership_forced_disconnects_total",
			Help:      "Number of times the local process force-disconnected itself.",
		}),
	}

	s.registry.MustRegister(
		s.Connects,
		s.HandshakeFailures,
		s.OpenConnections,
		s.Suspicions,
		s.ViewInstalls,
		s.ViewSize,
		s.ForcedDisconnects,
	)

	return s
}

// Handler exposes the registry in the prometheus text format.
func (s *Stats) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Close unregisters all collectors. The stats object must not be used after.
func (s *Stats) Close() {
	s.registry.Unregister(s.Connects)
	s.registry.Unregister(s.HandshakeFailures)
	s.registry.Unregister(s.OpenConnections)
	s.registry.Unregister(s.Suspicions)
	s.registry.Unregister(s.ViewInstalls)
	s.registry.Unregister(s.ViewSize)
	s.registry.Unregister(s.ForcedDisconnects)
}
