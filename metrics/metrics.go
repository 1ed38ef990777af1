// Package metrics holds the Prometheus collectors of the prerender service.
// All methods are safe on a nil *Metrics, so components can run without it.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Render metrics
	RendersTotal   *prometheus.CounterVec
	RenderDuration *prometheus.HistogramVec
	TabsActive     prometheus.Gauge

	// Interception metrics
	InterceptedTotal *prometheus.CounterVec
	DocumentFetches  *prometheus.CounterVec

	// Browser metrics
	BrowserLaunches  prometheus.Counter
	BrowserRotations prometheus.Counter
	BrowserCrashes   prometheus.Counter

	// Cache metrics
	CacheLookups *prometheus.CounterVec

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New registers every collector on reg. Pass prometheus.DefaultRegisterer
// for the process-wide registry or a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		RendersTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prerender_renders_total",
				Help: "Total number of render calls by outcome code",
			},
			[]string{"outcome"},
		),
		RenderDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "prerender_render_phase_duration_seconds",
				Help:    "Duration of render phases (open_tab, goto, parse, total)",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"phase"},
		),
		TabsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "prerender_tabs_active",
				Help: "Number of open browser tabs",
			},
		),

		InterceptedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prerender_intercepted_requests_total",
				Help: "Intercepted browser requests by resource type and disposition",
			},
			[]string{"type", "disposition"},
		),
		DocumentFetches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prerender_document_fetches_total",
				Help: "Out-of-band top-level document fetches by result",
			},
			[]string{"result"},
		),

		BrowserLaunches: f.NewCounter(
			prometheus.CounterOpts{
				Name: "prerender_browser_launches_total",
				Help: "Total number of browser processes launched",
			},
		),
		BrowserRotations: f.NewCounter(
			prometheus.CounterOpts{
				Name: "prerender_browser_rotations_total",
				Help: "Total number of age-based browser rotations",
			},
		),
		BrowserCrashes: f.NewCounter(
			prometheus.CounterOpts{
				Name: "prerender_browser_crashes_total",
				Help: "Total number of unexpected browser disconnects",
			},
		),

		CacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prerender_cache_lookups_total",
				Help: "Render cache lookups by result (hit, miss)",
			},
			[]string{"result"},
		),

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prerender_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "prerender_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"method", "path"},
		),
	}
}

// ObservePhase records how long a render phase took.
func (m *Metrics) ObservePhase(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.RenderDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// RecordRender counts a finished render call. outcome is "ok", "redirect"
// or an error code.
func (m *Metrics) RecordRender(outcome string) {
	if m == nil {
		return
	}
	m.RendersTotal.WithLabelValues(outcome).Inc()
}

// RecordIntercept counts one interception decision.
func (m *Metrics) RecordIntercept(resourceType, disposition string) {
	if m == nil {
		return
	}
	m.InterceptedTotal.WithLabelValues(resourceType, disposition).Inc()
}

// RecordDocumentFetch counts one top-level document fetch.
func (m *Metrics) RecordDocumentFetch(result string) {
	if m == nil {
		return
	}
	m.DocumentFetches.WithLabelValues(result).Inc()
}

// TabOpened and TabClosed track the open tab gauge.
func (m *Metrics) TabOpened() {
	if m == nil {
		return
	}
	m.TabsActive.Inc()
}

func (m *Metrics) TabClosed() {
	if m == nil {
		return
	}
	m.TabsActive.Dec()
}

// BrowserLaunched counts a browser launch.
func (m *Metrics) BrowserLaunched() {
	if m == nil {
		return
	}
	m.BrowserLaunches.Inc()
}

// BrowserRotated counts an age-based rotation.
func (m *Metrics) BrowserRotated() {
	if m == nil {
		return
	}
	m.BrowserRotations.Inc()
}

// BrowserCrashed counts an unexpected disconnect.
func (m *Metrics) BrowserCrashed() {
	if m == nil {
		return
	}
	m.BrowserCrashes.Inc()
}

// CacheLookup counts a cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.CacheLookups.WithLabelValues("miss").Inc()
}

// RecordRequest records one served HTTP request.
func (m *Metrics) RecordRequest(method, path, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
