package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "omnidesk"

// Metrics owns a private Prometheus registry and every collector the
// service exports. All recording methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpInFlight prometheus.Gauge

	webhooks         *prometheus.CounterVec
	inboundMessages  *prometheus.CounterVec
	duplicates       *prometheus.CounterVec
	outboundMessages *prometheus.CounterVec
	outboundDuration *prometheus.HistogramVec
	breakerState     *prometheus.GaugeVec

	escalations   *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
	waitSeconds   prometheus.Histogram
	handleSeconds prometheus.Histogram

	notifications *prometheus.CounterVec
	presence      *prometheus.GaugeVec
	pushClients   prometheus.Gauge
	pushDropped   prometheus.Counter
	jobRuns       *prometheus.CounterVec
}

// New creates a Metrics with its own registry, including Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total", Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds", Help: "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "http_requests_in_flight", Help: "HTTP requests being served.",
		}),

		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "webhook_requests_total", Help: "Inbound webhook calls by outcome.",
		}, []string{"channel", "outcome"}),
		inboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "inbound_messages_total", Help: "Canonical messages accepted from providers.",
		}, []string{"channel", "content_type"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "inbound_duplicates_total", Help: "Provider redeliveries dropped by dedupe.",
		}, []string{"channel"}),
		outboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "outbound_calls_total", Help: "Provider API calls by operation and outcome.",
		}, []string{"channel", "operation", "outcome"}),
		outboundDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "outbound_call_duration_seconds", Help: "Provider API call latency.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"channel", "operation"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "circuit_breaker_state", Help: "0 closed, 1 open, 2 half-open.",
		}, []string{"breaker"}),

		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "escalation_events_total", Help: "Escalation lifecycle events.",
		}, []string{"event", "reason"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "escalation_queue_depth", Help: "Queued escalations per tenant.",
		}, []string{"company"}),
		waitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "escalation_wait_seconds", Help: "Time from queued to assigned.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		handleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "escalation_handle_seconds", Help: "Time from activation to resolution.",
			Buckets: []float64{60, 300, 600, 1800, 3600, 7200, 14400},
		}),

		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_total", Help: "Notifications stored, by type and whether they were pushed.",
		}, []string{"type", "delivered"}),
		presence: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "presence_entries", Help: "Tracked presence entries by kind and status.",
		}, []string{"kind", "status"}),
		pushClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "push_clients", Help: "Connected websocket clients.",
		}),
		pushDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "push_dropped_total", Help: "Events dropped for slow websocket clients.",
		}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "maintenance_runs_total", Help: "Maintenance job runs by outcome.",
		}, []string{"job", "outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpDuration, m.httpInFlight,
		m.webhooks, m.inboundMessages, m.duplicates, m.outboundMessages, m.outboundDuration, m.breakerState,
		m.escalations, m.queueDepth, m.waitSeconds, m.handleSeconds,
		m.notifications, m.presence, m.pushClients, m.pushDropped, m.jobRuns,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// HTTPStarted tracks an in-flight request and returns its completion hook.
func (m *Metrics) HTTPStarted() func(method, route string, status int, d time.Duration) {
	if m == nil {
		return func(string, string, int, time.Duration) {}
	}
	m.httpInFlight.Inc()
	return func(method, route string, status int, d time.Duration) {
		m.httpInFlight.Dec()
		m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
	}
}

// Webhook records one inbound webhook call. Outcomes: accepted, verified,
// unauthorized, malformed, ignored, error.
func (m *Metrics) Webhook(channel, outcome string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(channel, outcome).Inc()
}

// InboundMessage records a parsed canonical message.
func (m *Metrics) InboundMessage(channel, contentType string) {
	if m == nil {
		return
	}
	m.inboundMessages.WithLabelValues(channel, contentType).Inc()
}

// Duplicate records a dropped redelivery.
func (m *Metrics) Duplicate(channel string) {
	if m == nil {
		return
	}
	m.duplicates.WithLabelValues(channel).Inc()
}

// Outbound records one provider call.
func (m *Metrics) Outbound(channel, operation string, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.outboundMessages.WithLabelValues(channel, operation, outcome).Inc()
	m.outboundDuration.WithLabelValues(channel, operation).Observe(d.Seconds())
}

// BreakerState publishes a circuit breaker transition.
func (m *Metrics) BreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(state))
}

// Escalation records a lifecycle event.
func (m *Metrics) Escalation(event, reason string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(event, reason).Inc()
}

// QueueDepth publishes a tenant queue length.
func (m *Metrics) QueueDepth(companyID string, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(companyID).Set(float64(n))
}

// WaitTime observes queue wait in seconds.
func (m *Metrics) WaitTime(seconds int64) {
	if m == nil {
		return
	}
	m.waitSeconds.Observe(float64(seconds))
}

// HandleTime observes active handling time in seconds.
func (m *Metrics) HandleTime(seconds int64) {
	if m == nil {
		return
	}
	m.handleSeconds.Observe(float64(seconds))
}

// Notification records a stored notification.
func (m *Metrics) Notification(notificationType string, delivered bool) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(notificationType, strconv.FormatBool(delivered)).Inc()
}

// Presence publishes the number of tracked entries in a status.
func (m *Metrics) Presence(kind, status string, n int) {
	if m == nil {
		return
	}
	m.presence.WithLabelValues(kind, status).Set(float64(n))
}

// PushClients publishes the connected client count.
func (m *Metrics) PushClients(n int) {
	if m == nil {
		return
	}
	m.pushClients.Set(float64(n))
}

// PushDropped counts an event dropped for a slow client.
func (m *Metrics) PushDropped() {
	if m == nil {
		return
	}
	m.pushDropped.Inc()
}

// Job records a maintenance run.
func (m *Metrics) Job(name string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.jobRuns.WithLabelValues(name, outcome).Inc()
}
