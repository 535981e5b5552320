// Package metrics exposes the workflow's Prometheus counters. All methods
// are safe on a nil *Metrics so services can run without instrumentation.
package metrics

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cabinet"

type Metrics struct {
	registry *prometheus.Registry

	transitions         *prometheus.CounterVec
	transitionsRejected *prometheus.CounterVec
	payments            *prometheus.CounterVec
	paymentAmount       *prometheus.CounterVec
	promoRedemptions    *prometheus.CounterVec
	notifications       *prometheus.CounterVec
	notifyQueueDepth    prometheus.Gauge
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "application_transitions_total",
			Help:      "Committed application status transitions.",
		}, []string{"event", "from", "to"}),
		transitionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "application_transitions_rejected_total",
			Help:      "Events rejected because the application was in the wrong status.",
		}, []string{"event", "status"}),
		payments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_total",
			Help:      "Payments by final status and provider.",
		}, []string{"status", "provider"}),
		paymentAmount: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_completed_kopecks_total",
			Help:      "Sum of completed payment amounts in kopecks.",
		}, []string{"provider"}),
		promoRedemptions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promo_redemptions_total",
			Help:      "Promo code redemption attempts by result.",
		}, []string{"result"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries by channel and result.",
		}, []string{"channel", "result"}),
		notifyQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notification_queue_depth",
			Help:      "Jobs waiting in the notification queue.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

func (m *Metrics) Transition(event, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(event, from, to).Inc()
}

func (m *Metrics) TransitionRejected(event, status string) {
	if m == nil {
		return
	}
	m.transitionsRejected.WithLabelValues(event, status).Inc()
}

func (m *Metrics) Payment(status, provider string, amount int64) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(status, provider).Inc()
	if status == "COMPLETED" && amount > 0 {
		m.paymentAmount.WithLabelValues(provider).Add(float64(amount))
	}
}

func (m *Metrics) PromoRedemption(result string) {
	if m == nil {
		return
	}
	m.promoRedemptions.WithLabelValues(result).Inc()
}

func (m *Metrics) Notification(channel, result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) NotifyQueueDepth(n int) {
	if m == nil {
		return
	}
	m.notifyQueueDepth.Set(float64(n))
}
