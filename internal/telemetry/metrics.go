// Package telemetry holds the exporter's own metrics.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tinytelemetry/dirigera-exporter/internal/model"
)

const namespace = "dirigera_exporter"

// Drop reasons for DroppedEvents.
const (
	ReasonIgnoredSource = "ignored_source"
	ReasonUnknownType   = "unknown_type"
	ReasonUnknownDevice = "unknown_device"
	ReasonMalformed     = "malformed"
	ReasonUnmapped      = "unmapped_attribute"
	ReasonUnsupported   = "unsupported_value"
)

// Metrics is the set of self-instrumentation collectors. All methods are
// safe on a nil receiver so components can run without instrumentation.
type Metrics struct {
	Info            *prometheus.GaugeVec
	Updates         prometheus.Counter
	WSFailures      prometheus.Counter
	DroppedEvents   *prometheus.CounterVec
	Devices         prometheus.Gauge
	ConnectionState *prometheus.GaugeVec
	Reconnects      prometheus.Counter
	ExportSeconds   prometheus.Histogram
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer, version, commit string) *Metrics {
	m := &Metrics{
		Info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "Build information of the exporter.",
		}, []string{"version", "commit"}),
		Updates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_total",
			Help:      "Events received from the hub.",
		}),
		WSFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_failures_total",
			Help:      "Hub event stream connections that failed or dropped.",
		}),
		DroppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_events_total",
			Help:      "Hub events or attributes that were not applied, by reason.",
		}, []string{"reason"}),
		Devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices",
			Help:      "Devices currently known to the exporter.",
		}),
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Hub connection state; 1 for the current state.",
		}, []string{"state"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnect attempts to the hub.",
		}),
		ExportSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "metric_export_seconds",
			Help:      "Time spent rendering a scrape response.",
			Buckets:   prometheus.DefBuckets,
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route and status code.",
		}, []string{"route", "method", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.Info, m.Updates, m.WSFailures, m.DroppedEvents, m.Devices,
		m.ConnectionState, m.Reconnects, m.ExportSeconds,
		m.HTTPRequests, m.HTTPDuration,
	)
	m.Info.WithLabelValues(version, commit).Set(1)
	m.SetState(model.StateDisconnected)
	return m
}

// SetState marks st as the current connection state.
func (m *Metrics) SetState(st model.ConnState) {
	if m == nil {
		return
	}
	for _, s := range model.AllStates {
		v := 0.0
		if s == st {
			v = 1
		}
		m.ConnectionState.WithLabelValues(s.String()).Set(v)
	}
}

// Dropped counts an event or attribute that was not applied.
func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.DroppedEvents.WithLabelValues(reason).Inc()
}

// Received counts an event read from the hub stream.
func (m *Metrics) Received() {
	if m == nil {
		return
	}
	m.Updates.Inc()
}

// StreamFailed counts a failed or dropped event stream.
func (m *Metrics) StreamFailed() {
	if m == nil {
		return
	}
	m.WSFailures.Inc()
}

// Reconnecting counts a reconnect attempt.
func (m *Metrics) Reconnecting() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// SetDevices records the number of known devices.
func (m *Metrics) SetDevices(n int) {
	if m == nil {
		return
	}
	m.Devices.Set(float64(n))
}

// ObserveExport records the time spent rendering one scrape.
func (m *Metrics) ObserveExport(d time.Duration) {
	if m == nil {
		return
	}
	m.ExportSeconds.Observe(d.Seconds())
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(route, method, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, method, code).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(d.Seconds())
}
