package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// AgentMetrics holds metrics for an agent host.
type AgentMetrics struct {
	CommandsReceived *prometheus.CounterVec
	JobsRunning      prometheus.Gauge
	JobsFinished     *prometheus.CounterVec
	Reconnects       prometheus.Counter
}

func newAgentMetrics(registry *prometheus.Registry) *AgentMetrics {
	m := &AgentMetrics{
		CommandsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "commands_received_total",
				Help:      "Commands received over the channel, by type and result.",
			},
			[]string{"type", "result"},
		),
		JobsRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "jobs_running",
				Help:      "Jobs currently running on the host.",
			},
		),
		JobsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "jobs_finished_total",
				Help:      "Finished jobs by outcome (ok, failed, cancelled).",
			},
			[]string{"outcome"},
		),
		Reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "channel_reconnects_total",
				Help:      "Channel connection attempts after the first.",
			},
		),
	}

	registry.MustRegister(
		m.CommandsReceived,
		m.JobsRunning,
		m.JobsFinished,
		m.Reconnects,
	)
	return m
}

// RecordCommand counts a received command.
func (m *AgentMetrics) RecordCommand(commandType, result string) {
	m.CommandsReceived.WithLabelValues(commandType, result).Inc()
}

// RecordJobFinished counts a finished job and updates the running gauge.
func (m *AgentMetrics) RecordJobFinished(outcome string, running int) {
	m.JobsFinished.WithLabelValues(outcome).Inc()
	m.JobsRunning.Set(float64(running))
}
