// Package metrics provides Prometheus collectors for notification delivery,
// reminder scans, live badges and the HTTP surface.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Metrics holds every collector of the service. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	notificationsCreated *prometheus.CounterVec   // type, status
	notificationsRead    *prometheus.CounterVec   // scope, status
	newsRecipients       *prometheus.CounterVec   // category, status
	reminderScans        prometheus.Counter       // completed scans
	reminderOutcomes     *prometheus.CounterVec   // outcome: promoted, purged, failed
	pendingRequests      prometheus.Gauge         // requests seen by the last scan
	badgeFeeds           prometheus.Gauge         // live unread-count feeds
	badgeMountFailures   prometheus.Counter       // activations that gave up on the anchor
	emailsSent           *prometheus.CounterVec   // provider, status
	httpRequests         *prometheus.CounterVec   // route, code
	httpDuration         *prometheus.HistogramVec // route
}

// New creates the collectors and registers them with registry.
func New(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.notificationsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_created_total",
			Help: "Notification create attempts by notification type and status",
		},
		[]string{"type", "status"},
	)

	m.notificationsRead = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_marked_read_total",
			Help: "Read-state updates by scope (single, all) and status",
		},
		[]string{"scope", "status"},
	)

	m.newsRecipients = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "news_dispatch_recipients_total",
			Help: "News notifications dispatched by category and status",
		},
		[]string{"category", "status"},
	)

	m.reminderScans = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reminder_scans_total",
			Help: "Completed pending-request scans",
		},
	)

	m.reminderOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reminder_requests_total",
			Help: "Pending requests acted on by a scan, by outcome (promoted, purged, failed)",
		},
		[]string{"outcome"},
	)

	m.pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "reminder_pending_requests",
			Help: "Pending notify-me requests seen by the most recent scan",
		},
	)

	m.badgeFeeds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "badge_live_feeds",
			Help: "Unread-count feeds currently attached to a page badge",
		},
	)

	m.badgeMountFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "badge_mount_failures_total",
			Help: "Badge activations that gave up waiting for the page anchor",
		},
	)

	m.emailsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Confirmation emails by provider and status",
		},
		[]string{"provider", "status"},
	)

	m.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route and status code",
		},
		[]string{"route", "code"},
	)

	m.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"route"},
	)
}

func status(ok bool) string {
	if ok {
		return StatusSuccess
	}
	return StatusError
}

// RecordCreate records one notification create attempt.
func (m *Metrics) RecordCreate(kind string, ok bool) {
	if m == nil {
		return
	}
	m.notificationsCreated.WithLabelValues(kind, status(ok)).Inc()
}

// RecordRead records a read-state update; scope is "single" or "all".
func (m *Metrics) RecordRead(scope string, ok bool) {
	if m == nil {
		return
	}
	m.notificationsRead.WithLabelValues(scope, status(ok)).Inc()
}

// RecordNewsDispatch records the tally of one news dispatch.
func (m *Metrics) RecordNewsDispatch(category string, succeeded, failed int) {
	if m == nil {
		return
	}
	m.newsRecipients.WithLabelValues(category, StatusSuccess).Add(float64(succeeded))
	m.newsRecipients.WithLabelValues(category, StatusError).Add(float64(failed))
}

// RecordScan records a completed reminder scan.
func (m *Metrics) RecordScan(pending, promoted, purged, failed int) {
	if m == nil {
		return
	}
	m.reminderScans.Inc()
	m.pendingRequests.Set(float64(pending))
	m.reminderOutcomes.WithLabelValues("promoted").Add(float64(promoted))
	m.reminderOutcomes.WithLabelValues("purged").Add(float64(purged))
	m.reminderOutcomes.WithLabelValues("failed").Add(float64(failed))
}

// FeedAttached increments the live badge feed gauge.
func (m *Metrics) FeedAttached() {
	if m == nil {
		return
	}
	m.badgeFeeds.Inc()
}

// FeedDetached decrements the live badge feed gauge.
func (m *Metrics) FeedDetached() {
	if m == nil {
		return
	}
	m.badgeFeeds.Dec()
}

// RecordMountFailure records a badge activation that exhausted its retries.
func (m *Metrics) RecordMountFailure() {
	if m == nil {
		return
	}
	m.badgeMountFailures.Inc()
}

// RecordEmail records one outbound email attempt.
func (m *Metrics) RecordEmail(provider string, ok bool) {
	if m == nil {
		return
	}
	m.emailsSent.WithLabelValues(provider, status(ok)).Inc()
}

// RecordHTTP records a served request.
func (m *Metrics) RecordHTTP(route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, fmt.Sprint(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

// Describe implements the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.notificationsCreated.Describe(ch)
	m.notificationsRead.Describe(ch)
	m.newsRecipients.Describe(ch)
	m.reminderScans.Describe(ch)
	m.reminderOutcomes.Describe(ch)
	m.pendingRequests.Describe(ch)
	m.badgeFeeds.Describe(ch)
	m.badgeMountFailures.Describe(ch)
	m.emailsSent.Describe(ch)
	m.httpRequests.Describe(ch)
	m.httpDuration.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.notificationsCreated.Collect(ch)
	m.notificationsRead.Collect(ch)
	m.newsRecipients.Collect(ch)
	m.reminderScans.Collect(ch)
	m.reminderOutcomes.Collect(ch)
	m.pendingRequests.Collect(ch)
	m.badgeFeeds.Collect(ch)
	m.badgeMountFailures.Collect(ch)
	m.emailsSent.Collect(ch)
	m.httpRequests.Collect(ch)
	m.httpDuration.Collect(ch)
}
