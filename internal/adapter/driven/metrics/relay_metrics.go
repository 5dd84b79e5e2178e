// Package metrics exports relay activity to Prometheus.
package metrics

import (
	"net/http"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "yacall"

// RelayMetrics implements port.RelayMetrics on a private registry so tests
// and multiple relays in one process do not collide.
type RelayMetrics struct {
	registry *prometheus.Registry

	callsRequested *prometheus.CounterVec
	callsFailed    *prometheus.CounterVec
	callsAccepted  prometheus.Counter
	callsEnded     *prometheus.CounterVec
	relayed        *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	online         prometheus.Gauge
	activeCalls    prometheus.Gauge
}

// NewRelayMetrics registers the relay collectors. withRuntime adds the Go
// runtime and process collectors.
func NewRelayMetrics(withRuntime bool) *RelayMetrics {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	f := promauto.With(reg)

	return &RelayMetrics{
		registry: reg,
		callsRequested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "requested_total",
			Help:      "Call requests accepted for delivery, by kind.",
		}, []string{"kind"}),
		callsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "failed_total",
			Help:      "Call requests answered with callFailed, by reason.",
		}, []string{"reason"}),
		callsAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "accepted_total",
			Help:      "Calls accepted by the receiver.",
		}),
		callsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "ended_total",
			Help:      "Sessions removed, by cause.",
		}, []string{"reason"}),
		relayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "relayed_total",
			Help:      "Events forwarded to a peer, by event name.",
		}, []string{"event"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "dropped_total",
			Help:      "Events that could not be forwarded.",
		}, []string{"event", "reason"}),
		online: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Users currently registered.",
		}),
		activeCalls: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Sessions ringing or connected.",
		}),
	}
}

func (m *RelayMetrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *RelayMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *RelayMetrics) CallRequested(kind domain.CallKind) {
	m.callsRequested.WithLabelValues(string(kind)).Inc()
}

func (m *RelayMetrics) CallFailed(reason string) {
	m.callsFailed.WithLabelValues(reason).Inc()
}

func (m *RelayMetrics) CallAccepted() {
	m.callsAccepted.Inc()
}

func (m *RelayMetrics) CallEnded(reason string) {
	m.callsEnded.WithLabelValues(reason).Inc()
}

func (m *RelayMetrics) Relayed(event domain.EventName) {
	m.relayed.WithLabelValues(string(event)).Inc()
}

func (m *RelayMetrics) Dropped(event domain.EventName, reason string) {
	m.dropped.WithLabelValues(string(event), reason).Inc()
}

func (m *RelayMetrics) SetOnline(n int) {
	m.online.Set(float64(n))
}

func (m *RelayMetrics) SetActiveCalls(n int) {
	m.activeCalls.Set(float64(n))
}
