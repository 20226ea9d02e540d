package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the bridge.
type Metrics struct {
	registry           *prometheus.Registry
	requestsTotal      prometheus.Counter
	errorsTotal        prometheus.Counter
	packetsTotal       prometheus.Counter
	samplesPushedTotal prometheus.Counter
	streamStartsTotal  prometheus.Counter
	linkErrorsTotal    prometheus.Counter
	linkState          prometheus.Gauge
}

// New creates and registers Prometheus metrics for the bridge.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qlsl_http_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qlsl_http_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	packetsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qlsl_packets_total",
		Help: "Total number of frame packets converted to samples",
	})
	samplesPushedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qlsl_samples_pushed_total",
		Help: "Total number of samples pushed to the outlet",
	})
	streamStartsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qlsl_stream_starts_total",
		Help: "Total number of successful stream starts",
	})
	linkErrorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qlsl_link_errors_total",
		Help: "Total number of link errors reported",
	})
	linkState := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qlsl_link_state",
		Help: "Current link state (0 initial, 1 waiting, 2 streaming, 3 stopping, 4 stopped)",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		packetsTotal,
		samplesPushedTotal,
		streamStartsTotal,
		linkErrorsTotal,
		linkState,
	)

	return &Metrics{
		registry:           registry,
		requestsTotal:      requestsTotal,
		errorsTotal:        errorsTotal,
		packetsTotal:       packetsTotal,
		samplesPushedTotal: samplesPushedTotal,
		streamStartsTotal:  streamStartsTotal,
		linkErrorsTotal:    linkErrorsTotal,
		linkState:          linkState,
	}
}

// IncRequests increments the HTTP requests counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the HTTP errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncPackets increments the converted packets counter.
func (m *Metrics) IncPackets() {
	m.packetsTotal.Inc()
}

// IncSamplesPushed increments the pushed samples counter.
func (m *Metrics) IncSamplesPushed() {
	m.samplesPushedTotal.Inc()
}

// IncStreamStarts increments the stream starts counter.
func (m *Metrics) IncStreamStarts() {
	m.streamStartsTotal.Inc()
}

// IncLinkErrors increments the link errors counter.
func (m *Metrics) IncLinkErrors() {
	m.linkErrorsTotal.Inc()
}

// SetLinkState sets the link state gauge.
func (m *Metrics) SetLinkState(state int) {
	m.linkState.Set(float64(state))
}

// Handler returns an http.Handler that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
