// Package metrics provides Prometheus metrics for the tunnel.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "nat_tunnel"

// Metrics contains every Prometheus metric the server and client cores
// record against.
type Metrics struct {
	ControlChannelsActive *prometheus.GaugeVec
	ControlChannelsTotal  *prometheus.CounterVec
	AuthFailures          *prometheus.CounterVec
	HeartbeatTimeouts     *prometheus.CounterVec

	DataChannelsActive *prometheus.GaugeVec
	DataChannelsTotal  *prometheus.CounterVec
	DataChannelIdleDrops *prometheus.CounterVec

	VisitorsAccepted *prometheus.CounterVec
	VisitorsPaired   *prometheus.CounterVec
	VisitorsDropped  *prometheus.CounterVec
	VisitorQueueDepth *prometheus.GaugeVec

	BytesCopied *prometheus.CounterVec

	UDPSessionsActive *prometheus.GaugeVec
	UDPSessionsTotal  *prometheus.CounterVec
	UDPSessionEvictions *prometheus.CounterVec

	ReconnectAttempts *prometheus.CounterVec
	ReconnectBackoffSeconds prometheus.Histogram

	ServicesRunning prometheus.Gauge
	ReloadErrors    prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide default metrics instance, registered
// against the default Prometheus registerer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics registers a new Metrics instance against the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers a new Metrics instance against reg,
// letting tests use an isolated registry instead of the global default.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ControlChannelsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "control_channels_active",
			Help:      "Number of control channels currently established, by service",
		}, []string{"service"}),
		ControlChannelsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_channels_total",
			Help:      "Total control channel handshakes completed, by service",
		}, []string{"service"}),
		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total authentication failures, by reason",
		}, []string{"reason"}),
		HeartbeatTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_timeouts_total",
			Help:      "Total control channels dropped for heartbeat silence, by service",
		}, []string{"service"}),

		DataChannelsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "data_channels_active",
			Help:      "Number of data channels currently open, by service",
		}, []string{"service"}),
		DataChannelsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_channels_total",
			Help:      "Total data channels opened, by service",
		}, []string{"service"}),
		DataChannelIdleDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_channel_idle_drops_total",
			Help:      "Total data channels closed after idle hold with no visitor, by service",
		}, []string{"service"}),

		VisitorsAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "visitors_accepted_total",
			Help:      "Total visitor connections accepted, by service",
		}, []string{"service"}),
		VisitorsPaired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "visitors_paired_total",
			Help:      "Total visitors paired with a data channel, by service",
		}, []string{"service"}),
		VisitorsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "visitors_dropped_total",
			Help:      "Total visitors dropped without pairing, by service and reason",
		}, []string{"service", "reason"}),
		VisitorQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "visitor_queue_depth",
			Help:      "Current depth of the held-visitor queue, by service",
		}, []string{"service"}),

		BytesCopied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_copied_total",
			Help:      "Total bytes copied through copy loops, by service and direction",
		}, []string{"service", "direction"}),

		UDPSessionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_sessions_active",
			Help:      "Number of active UDP sessions, by service",
		}, []string{"service"}),
		UDPSessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_sessions_total",
			Help:      "Total UDP sessions created, by service",
		}, []string{"service"}),
		UDPSessionEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_session_evictions_total",
			Help:      "Total UDP sessions evicted for inactivity, by service",
		}, []string{"service"}),

		ReconnectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Total client reconnect attempts, by service",
		}, []string{"service"}),
		ReconnectBackoffSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconnect_backoff_seconds",
			Help:      "Histogram of reconnect backoff delays applied",
			Buckets:   []float64{.5, 1, 2, 4, 8, 16, 32, 60},
		}),

		ServicesRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "services_running",
			Help:      "Number of services currently running under the supervisor",
		}),
		ReloadErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reload_errors_total",
			Help:      "Total configuration reloads that failed to apply cleanly",
		}),
	}
}

func (m *Metrics) ControlChannelOpened(service string) {
	m.ControlChannelsActive.WithLabelValues(service).Inc()
	m.ControlChannelsTotal.WithLabelValues(service).Inc()
}

func (m *Metrics) ControlChannelClosed(service string) {
	m.ControlChannelsActive.WithLabelValues(service).Dec()
}

func (m *Metrics) AuthFailure(reason string) {
	m.AuthFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) HeartbeatTimeout(service string) {
	m.HeartbeatTimeouts.WithLabelValues(service).Inc()
}

func (m *Metrics) DataChannelOpened(service string) {
	m.DataChannelsActive.WithLabelValues(service).Inc()
	m.DataChannelsTotal.WithLabelValues(service).Inc()
}

func (m *Metrics) DataChannelClosed(service string) {
	m.DataChannelsActive.WithLabelValues(service).Dec()
}

func (m *Metrics) DataChannelIdleDrop(service string) {
	m.DataChannelIdleDrops.WithLabelValues(service).Inc()
}

func (m *Metrics) VisitorAccepted(service string) {
	m.VisitorsAccepted.WithLabelValues(service).Inc()
}

func (m *Metrics) VisitorPaired(service string) {
	m.VisitorsPaired.WithLabelValues(service).Inc()
}

func (m *Metrics) VisitorDropped(service, reason string) {
	m.VisitorsDropped.WithLabelValues(service, reason).Inc()
}

func (m *Metrics) SetVisitorQueueDepth(service string, depth int) {
	m.VisitorQueueDepth.WithLabelValues(service).Set(float64(depth))
}

func (m *Metrics) BytesCopiedInc(service, direction string, n int) {
	m.BytesCopied.WithLabelValues(service, direction).Add(float64(n))
}

func (m *Metrics) UDPSessionOpened(service string) {
	m.UDPSessionsActive.WithLabelValues(service).Inc()
	m.UDPSessionsTotal.WithLabelValues(service).Inc()
}

func (m *Metrics) UDPSessionEvicted(service string) {
	m.UDPSessionsActive.WithLabelValues(service).Dec()
	m.UDPSessionEvictions.WithLabelValues(service).Inc()
}

func (m *Metrics) ReconnectAttempt(service string, delaySeconds float64) {
	m.ReconnectAttempts.WithLabelValues(service).Inc()
	m.ReconnectBackoffSeconds.Observe(delaySeconds)
}

func (m *Metrics) SetServicesRunning(n int) {
	m.ServicesRunning.Set(float64(n))
}

func (m *Metrics) ReloadError() {
	m.ReloadErrors.Inc()
}
