// Package metrics provides Prometheus metrics for fleet binaries.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleet"

// Metrics holds a registry and the metric sets registered on it.
// A set is nil when the binary does not run that subsystem.
type Metrics struct {
	registry *prometheus.Registry

	ControlPlane *ControlPlaneMetrics
	Operator     *OperatorMetrics
	Agent        *AgentMetrics
}

func newRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return registry
}

// NewControlPlaneMetrics creates metrics for the control plane.
func NewControlPlaneMetrics() *Metrics {
	registry := newRegistry()
	return &Metrics{
		registry:     registry,
		ControlPlane: newControlPlaneMetrics(registry),
	}
}

// NewOperatorMetrics creates metrics for the agent operator.
func NewOperatorMetrics() *Metrics {
	registry := newRegistry()
	return &Metrics{
		registry: registry,
		Operator: newOperatorMetrics(registry),
	}
}

// NewAgentMetrics creates metrics for an agent host.
func NewAgentMetrics() *Metrics {
	registry := newRegistry()
	return &Metrics{
		registry: registry,
		Agent:    newAgentMetrics(registry),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(
		m.registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics:   true,
			MaxRequestsInFlight: 10,
		},
	)
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
