package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ControlPlaneMetrics holds metrics for the dispatcher, the wait resolver,
// the archiver, the agent connection pool and the HTTP surface.
type ControlPlaneMetrics struct {
	// Dispatcher
	DispatchCycles        *prometheus.CounterVec
	DispatchMatches       prometheus.Counter
	DispatchDeliveryFails prometheus.Counter
	DispatchOffset        prometheus.Histogram
	PollRequests          prometheus.Gauge

	// Wait resolver
	WaitItems         prometheus.Histogram
	WaitsResolved     *prometheus.CounterVec
	WaitStatusQueries prometheus.Counter

	// Archive
	CommandsArchived prometheus.Counter

	// Agent connection pool
	PoolAcquireDuration *prometheus.HistogramVec
	PoolConnectFailures prometheus.Counter
	PoolConnections     prometheus.Gauge

	// HTTP and channels
	APIRequestDuration *prometheus.HistogramVec
	ChannelsOpen       prometheus.Gauge
	ChannelMessages    *prometheus.CounterVec

	// Database
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

func newControlPlaneMetrics(registry *prometheus.Registry) *ControlPlaneMetrics {
	m := &ControlPlaneMetrics{
		DispatchCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatcher",
				Name:      "cycles_total",
				Help:      "Dispatch cycles by outcome (idle, matched, error).",
			},
			[]string{"outcome"},
		),
		DispatchMatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "matches_total",
			Help:      "Commands matched to poll requests and marked as sent.",
		}),
		DispatchDeliveryFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "delivery_failures_total",
			Help:      "Commands marked as sent whose channel push failed.",
		}),
		DispatchOffset: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "batch_offset",
			Help:      "Final batch offset reached by a dispatch cycle.",
			Buckets:   []float64{0, 10, 20, 50, 100, 200, 500, 1000},
		}),
		PollRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "poll_requests",
			Help:      "Poll requests seen at the start of the last dispatch cycle.",
		}),

		WaitItems: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "waits",
			Name:      "items_per_cycle",
			Help:      "Waiting processes evaluated per resolver cycle.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 7),
		}),
		WaitsResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "waits",
				Name:      "resolved_total",
				Help:      "Wait conditions resolved, by condition type.",
			},
			[]string{"type"},
		),
		WaitStatusQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "waits",
			Name:      "status_queries_total",
			Help:      "Process status queries issued by the resolver.",
		}),

		CommandsArchived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "commands_total",
			Help:      "Sent commands exported to object storage.",
		}),

		PoolAcquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "agent_pool",
				Name:      "acquire_duration_seconds",
				Help:      "Time to acquire an agent connection, by result.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"result"},
		),
		PoolConnectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent_pool",
			Name:      "connect_failures_total",
			Help:      "Failed connect or health check attempts against agent hosts.",
		}),
		PoolConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent_pool",
			Name:      "connections",
			Help:      "Live agent connections owned by the pool.",
		}),

		APIRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		ChannelsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channels",
			Name:      "open",
			Help:      "Open agent channels.",
		}),
		ChannelMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "channels",
				Name:      "messages_total",
				Help:      "Channel messages by direction and type.",
			},
			[]string{"direction", "type"},
		),

		DBConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "connections_active",
			Help:      "Acquired database connections.",
		}),
		DBConnectionsIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "connections_idle",
			Help:      "Idle database connections.",
		}),
	}

	registry.MustRegister(
		m.DispatchCycles,
		m.DispatchMatches,
		m.DispatchDeliveryFails,
		m.DispatchOffset,
		m.PollRequests,
		m.WaitItems,
		m.WaitsResolved,
		m.WaitStatusQueries,
		m.CommandsArchived,
		m.PoolAcquireDuration,
		m.PoolConnectFailures,
		m.PoolConnections,
		m.APIRequestDuration,
		m.ChannelsOpen,
		m.ChannelMessages,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// RecordDispatchCycle records the outcome of one dispatch cycle.
func (m *ControlPlaneMetrics) RecordDispatchCycle(outcome string, requests, matches, failures, offset int) {
	m.DispatchCycles.WithLabelValues(outcome).Inc()
	m.PollRequests.Set(float64(requests))
	m.DispatchMatches.Add(float64(matches))
	m.DispatchDeliveryFails.Add(float64(failures))
	m.DispatchOffset.Observe(float64(offset))
}

// RecordWaitCycle records one resolver cycle.
func (m *ControlPlaneMetrics) RecordWaitCycle(items, statusQueries int) {
	m.WaitItems.Observe(float64(items))
	m.WaitStatusQueries.Add(float64(statusQueries))
}

// RecordWaitResolved records a resolved wait condition.
func (m *ControlPlaneMetrics) RecordWaitResolved(conditionType string) {
	m.WaitsResolved.WithLabelValues(conditionType).Inc()
}

// RecordPoolAcquire records a connection acquisition attempt.
func (m *ControlPlaneMetrics) RecordPoolAcquire(result string, durationSeconds float64) {
	m.PoolAcquireDuration.WithLabelValues(result).Observe(durationSeconds)
}

// RecordAPIRequest records an HTTP request.
func (m *ControlPlaneMetrics) RecordAPIRequest(method, path, status string, durationSeconds float64) {
	m.APIRequestDuration.WithLabelValues(method, path, status).Observe(durationSeconds)
}

// RecordChannelMessage records a message received from or sent to an agent channel.
func (m *ControlPlaneMetrics) RecordChannelMessage(direction, messageType string) {
	m.ChannelMessages.WithLabelValues(direction, messageType).Inc()
}

// SetDBConnections sets the database connection counts.
func (m *ControlPlaneMetrics) SetDBConnections(active, idle float64) {
	m.DBConnectionsActive.Set(active)
	m.DBConnectionsIdle.Set(idle)
}
