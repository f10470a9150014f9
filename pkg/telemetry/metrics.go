package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for arkit.
type Metrics struct {
	config MetricsConfig

	// Frame metrics
	framesProcessed prometheus.Counter
	frameDuration   prometheus.Histogram

	// Session metrics
	sessionTransitions *prometheus.CounterVec
	sessionState       *prometheus.GaugeVec

	// Plugin metrics
	pluginUpdates        *prometheus.CounterVec
	pluginUpdateDuration *prometheus.HistogramVec
	pluginFailures       *prometheus.CounterVec
	pluginsDisabled      *prometheus.CounterVec
	pluginsMounted       prometheus.Gauge

	// Resource metrics
	resourceLoads        *prometheus.CounterVec
	resourceLoadDuration *prometheus.HistogramVec
	pendingLoads         prometheus.Gauge

	// Scene and audio metrics
	anchorsActive    prometheus.Gauge
	audioCuesStarted *prometheus.CounterVec
	audioCuesActive  prometheus.Gauge

	// Diagnostics metrics
	diagnostics *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
// A disabled configuration yields a collector whose methods are no-ops.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		framesProcessed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_processed_total",
				Help:      "Total number of tracking frames processed",
			},
		),
		frameDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "frame_duration_seconds",
				Help:      "Time spent processing one frame in seconds",
				Buckets:   buckets,
			},
		),

		sessionTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_transitions_total",
				Help:      "Total number of session state transitions",
			},
			[]string{"from", "to"},
		),
		sessionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "session_state",
				Help:      "Current session state (1 for the active state, 0 otherwise)",
			},
			[]string{"state"},
		),

		pluginUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_updates_total",
				Help:      "Total number of plugin update calls",
			},
			[]string{"plugin", "status"},
		),
		pluginUpdateDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plugin_update_duration_seconds",
				Help:      "Duration of plugin update calls in seconds",
				Buckets:   buckets,
			},
			[]string{"plugin"},
		),
		pluginFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_failures_total",
				Help:      "Total number of isolated plugin failures",
			},
			[]string{"plugin", "operation"},
		),
		pluginsDisabled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugins_disabled_total",
				Help:      "Total number of plugins disabled after repeated failures",
			},
			[]string{"plugin"},
		),
		pluginsMounted: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "plugins_mounted",
				Help:      "Current number of mounted plugins",
			},
		),

		resourceLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_loads_total",
				Help:      "Total number of completed resource loads",
			},
			[]string{"kind", "status"},
		),
		resourceLoadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resource_load_duration_seconds",
				Help:      "Duration of resource fetches in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		pendingLoads: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resource_loads_pending",
				Help:      "Current number of in-flight resource loads",
			},
		),

		anchorsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "anchors_active",
				Help:      "Current number of scene anchors",
			},
		),
		audioCuesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audio_cues_started_total",
				Help:      "Total number of audio cues started",
			},
			[]string{"loop"},
		),
		audioCuesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "audio_cues_active",
				Help:      "Current number of playing audio cues",
			},
		),

		diagnostics: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "diagnostics_reported_total",
				Help:      "Total number of diagnostics reported by kind",
			},
			[]string{"kind", "fatal"},
		),
	}

	registry.MustRegister(
		m.framesProcessed,
		m.frameDuration,
		m.sessionTransitions,
		m.sessionState,
		m.pluginUpdates,
		m.pluginUpdateDuration,
		m.pluginFailures,
		m.pluginsDisabled,
		m.pluginsMounted,
		m.resourceLoads,
		m.resourceLoadDuration,
		m.pendingLoads,
		m.anchorsActive,
		m.audioCuesStarted,
		m.audioCuesActive,
		m.diagnostics,
	)

	return m, nil
}

// Frame Metrics

// RecordFrame records one processed frame and its duration.
func (m *Metrics) RecordFrame(duration time.Duration) {
	if m == nil || m.framesProcessed == nil {
		return
	}
	m.framesProcessed.Inc()
	m.frameDuration.Observe(duration.Seconds())
}

// Session Metrics

// RecordTransition records a session state transition and updates the state gauge.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil || m.sessionTransitions == nil {
		return
	}
	m.sessionTransitions.WithLabelValues(from, to).Inc()
	m.sessionState.WithLabelValues(from).Set(0)
	m.sessionState.WithLabelValues(to).Set(1)
}

// Plugin Metrics

// RecordPluginUpdate records a plugin update call with its status and duration.
func (m *Metrics) RecordPluginUpdate(plugin, status string, duration time.Duration) {
	if m == nil || m.pluginUpdates == nil {
		return
	}
	m.pluginUpdates.WithLabelValues(plugin, status).Inc()
	m.pluginUpdateDuration.WithLabelValues(plugin).Observe(duration.Seconds())
}

// RecordPluginFailure records an isolated plugin failure.
func (m *Metrics) RecordPluginFailure(plugin, operation string) {
	if m == nil || m.pluginFailures == nil {
		return
	}
	m.pluginFailures.WithLabelValues(plugin, operation).Inc()
}

// RecordPluginDisabled records a plugin being disabled.
func (m *Metrics) RecordPluginDisabled(plugin string) {
	if m == nil || m.pluginsDisabled == nil {
		return
	}
	m.pluginsDisabled.WithLabelValues(plugin).Inc()
}

// SetPluginsMounted sets the current number of mounted plugins.
func (m *Metrics) SetPluginsMounted(count int) {
	if m == nil || m.pluginsMounted == nil {
		return
	}
	m.pluginsMounted.Set(float64(count))
}

// Resource Metrics

// RecordResourceLoad records a completed resource fetch.
func (m *Metrics) RecordResourceLoad(kind, status string, duration time.Duration) {
	if m == nil || m.resourceLoads == nil {
		return
	}
	m.resourceLoads.WithLabelValues(kind, status).Inc()
	m.resourceLoadDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetPendingLoads sets the current number of in-flight loads.
func (m *Metrics) SetPendingLoads(count int) {
	if m == nil || m.pendingLoads == nil {
		return
	}
	m.pendingLoads.Set(float64(count))
}

// Scene and Audio Metrics

// SetAnchors sets the current number of anchors.
func (m *Metrics) SetAnchors(count int) {
	if m == nil || m.anchorsActive == nil {
		return
	}
	m.anchorsActive.Set(float64(count))
}

// RecordCueStarted records an audio cue starting.
func (m *Metrics) RecordCueStarted(loop bool) {
	if m == nil || m.audioCuesStarted == nil {
		return
	}
	label := "false"
	if loop {
		label = "true"
	}
	m.audioCuesStarted.WithLabelValues(label).Inc()
}

// SetActiveCues sets the current number of playing cues.
func (m *Metrics) SetActiveCues(count int) {
	if m == nil || m.audioCuesActive == nil {
		return
	}
	m.audioCuesActive.Set(float64(count))
}

// Diagnostics Metrics

// RecordDiagnostic records a reported diagnostic by error kind.
func (m *Metrics) RecordDiagnostic(kind string, fatal bool) {
	if m == nil || m.diagnostics == nil {
		return
	}
	if kind == "" {
		kind = "unclassified"
	}
	label := "false"
	if fatal {
		label = "true"
	}
	m.diagnostics.WithLabelValues(kind, label).Inc()
}

// Registry returns the underlying Prometheus registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing metrics and any extra handlers
// (for example the health endpoints). It returns nil when metrics are disabled.
// Serve errors are passed to onError, which may be nil.
func (m *Metrics) StartMetricsServer(extra map[string]http.Handler, onError func(error)) *http.Server {
	if m == nil || !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())
	for path, h := range extra {
		mux.Handle(path, h)
	}

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if onError != nil {
				onError(err)
			}
		}
	}()

	return server
}
