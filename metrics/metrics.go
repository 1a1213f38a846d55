// Package metrics prometheus-коллекторы транспорта и реестра.
// Все методы безопасно вызывать на nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ozontech/registrar/protocol"
)

const namespace = "registrar"

type Metrics struct {
	framesIn      *prometheus.CounterVec
	framesOut     *prometheus.CounterVec
	connections   prometheus.Gauge
	pending       prometheus.Gauge
	invocations   *prometheus.CounterVec
	registrations *prometheus.GaugeVec
	subscriptions prometheus.Gauge
	notifications *prometheus.CounterVec
	providerCalls *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		framesIn: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "remoting", Name: "frames_received_total",
		}, []string{"type", "code"}),
		framesOut: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "remoting", Name: "frames_sent_total",
		}, []string{"type", "code"}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "remoting", Name: "connections",
		}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "remoting", Name: "pending_calls",
		}),
		invocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "remoting", Name: "invocations_total",
			Help: "Completed calls by result: ok, timeout, lost, send_error, closed.",
		}, []string{"code", "result"}),
		registrations: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "registry", Name: "registrations",
		}, []string{"review_state"}),
		subscriptions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "registry", Name: "subscriptions",
		}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "registry", Name: "notifications_total",
		}, []string{"code", "result"}),
		providerCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "provider", Name: "calls_total",
		}, []string{"service", "result"}),
	}
}

// Handler отдает метрики из g в текстовом формате.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameIn(t protocol.TransporterType, c protocol.Code) {
	if m == nil {
		return
	}
	m.framesIn.WithLabelValues(t.String(), c.String()).Inc()
}

func (m *Metrics) FrameOut(t protocol.TransporterType, c protocol.Code) {
	if m == nil {
		return
	}
	m.framesOut.WithLabelValues(t.String(), c.String()).Inc()
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) CallStarted() {
	if m != nil {
		m.pending.Inc()
	}
}

func (m *Metrics) CallDone(c protocol.Code, result string) {
	if m == nil {
		return
	}
	m.pending.Dec()
	m.invocations.WithLabelValues(c.String(), result).Inc()
}

func (m *Metrics) RegistrationAdded(s protocol.ReviewState) {
	if m != nil {
		m.registrations.WithLabelValues(s.String()).Inc()
	}
}

func (m *Metrics) RegistrationRemoved(s protocol.ReviewState) {
	if m != nil {
		m.registrations.WithLabelValues(s.String()).Dec()
	}
}

func (m *Metrics) ReviewChanged(from, to protocol.ReviewState) {
	if m == nil || from == to {
		return
	}
	m.registrations.WithLabelValues(from.String()).Dec()
	m.registrations.WithLabelValues(to.String()).Inc()
}

func (m *Metrics) SubscriptionAdded() {
	if m != nil {
		m.subscriptions.Inc()
	}
}

func (m *Metrics) SubscriptionRemoved() {
	if m != nil {
		m.subscriptions.Dec()
	}
}

func (m *Metrics) Notification(c protocol.Code, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.notifications.WithLabelValues(c.String(), result).Inc()
}

func (m *Metrics) ProviderCall(service, result string) {
	if m != nil {
		m.providerCalls.WithLabelValues(service, result).Inc()
	}
}
