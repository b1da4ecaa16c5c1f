// Package telemetry provides tracing and metrics for the admission services.
// Spans are recorded by an OpenTelemetry SDK tracer provider and propagated
// with W3C trace context headers. Metrics are Prometheus collectors on a
// per-provider registry served at /metrics.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TraceExporterStdout prints finished spans as JSON. Any other exporter value
// records spans without exporting them.
const TraceExporterStdout = "stdout"

// TelemetryConfig holds all configuration for the telemetry provider.
type TelemetryConfig struct {
	ServiceName    string `json:"service_name"`
	ServiceVersion string `json:"service_version"`
	Environment    string `json:"environment"`
	MetricsEnabled *bool  `json:"metrics_enabled"` // nil = use default (true)
	TracingEnabled *bool  `json:"tracing_enabled"` // nil = use default (true)
	TraceExporter  string `json:"trace_exporter"`
	// TraceWriter receives stdout spans. Defaults to os.Stdout.
	TraceWriter io.Writer `json:"-"`
}

func (c *TelemetryConfig) metricsOn() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

func (c *TelemetryConfig) tracingOn() bool {
	if c.TracingEnabled == nil {
		return true
	}
	return *c.TracingEnabled
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "admission-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// BoolPtr is a helper to create a *bool for TelemetryConfig fields.
func BoolPtr(b bool) *bool {
	return &b
}

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

var defaultSizeBuckets = []float64{100, 1_000, 10_000, 100_000, 1_000_000}

// TelemetryProvider owns the metric collectors and the tracer.
type TelemetryProvider struct {
	cfg            TelemetryConfig
	registry       *prometheus.Registry
	tracerProvider trace.TracerProvider
	sdkProvider    *sdktrace.TracerProvider
	propagator     propagation.TextMapPropagator
	tracer         trace.Tracer

	requestDuration *prometheus.HistogramVec
	activeRequests  prometheus.Gauge
	requestSize     prometheus.Histogram
	responseSize    prometheus.Histogram

	admissions         *prometheus.CounterVec
	matchDuration      prometheus.Histogram
	complementRequests *prometheus.CounterVec
	complementDuration *prometheus.HistogramVec
}

// NewTelemetryProvider creates the provider and registers its collectors on a
// fresh registry. With tracing on, spans are recorded by an SDK tracer
// provider; call InstallGlobal to make it the process default.
func NewTelemetryProvider(cfg TelemetryConfig) (*TelemetryProvider, error) {
	cfg.applyDefaults()

	var tracerProvider trace.TracerProvider = noop.NewTracerProvider()
	var sdkProvider *sdktrace.TracerProvider
	if cfg.tracingOn() {
		var err error
		if sdkProvider, err = newSDKProvider(cfg); err != nil {
			return nil, err
		}
		tracerProvider = sdkProvider
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	constLabels := prometheus.Labels{"service": cfg.ServiceName}

	return &TelemetryProvider{
		cfg:            cfg,
		registry:       reg,
		tracerProvider: tracerProvider,
		sdkProvider:    sdkProvider,
		propagator:     propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		tracer:         tracerProvider.Tracer("github.com/ehr/admission/" + cfg.ServiceName),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "http_server_request_duration_seconds",
			Help:        "Duration of HTTP server requests",
			Buckets:     defaultDurationBuckets,
			ConstLabels: constLabels,
		}, []string{"method", "route", "status_code"}),
		activeRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "http_server_active_requests",
			Help:        "Number of in-flight HTTP requests",
			ConstLabels: constLabels,
		}),
		requestSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "http_server_request_size_bytes",
			Help:        "Size of HTTP request bodies",
			Buckets:     defaultSizeBuckets,
			ConstLabels: constLabels,
		}),
		responseSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "http_server_response_size_bytes",
			Help:        "Size of HTTP response bodies",
			Buckets:     defaultSizeBuckets,
			ConstLabels: constLabels,
		}),

		admissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_match_results_total",
			Help: "Per-patient results of waitlist matching passes",
		}, []string{"outcome"}),
		matchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "admission_match_pass_duration_seconds",
			Help:    "Duration of a full waitlist matching pass",
			Buckets: defaultDurationBuckets,
		}),
		complementRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_complement_requests_total",
			Help: "Complement lookups by provider and result",
		}, []string{"provider", "status"}),
		complementDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "admission_complement_request_duration_seconds",
			Help:    "Duration of complement lookups",
			Buckets: defaultDurationBuckets,
		}, []string{"provider"}),
	}, nil
}

func newSDKProvider(cfg TelemetryConfig) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	}
	if cfg.TraceExporter == TraceExporterStdout {
		w := cfg.TraceWriter
		if w == nil {
			w = os.Stdout
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("create stdout trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

// InstallGlobal makes this provider's tracers and the trace context
// propagator the ones returned by otel.Tracer and otel.GetTextMapPropagator.
func (tp *TelemetryProvider) InstallGlobal() {
	otel.SetTracerProvider(tp.tracerProvider)
	otel.SetTextMapPropagator(tp.propagator)
}

// Registry exposes the provider's registry, mainly for tests.
func (tp *TelemetryProvider) Registry() *prometheus.Registry {
	return tp.registry
}

// Resource returns the OTel resource attributes.
func (tp *TelemetryProvider) Resource() map[string]string {
	return map[string]string{
		"service.name":           tp.cfg.ServiceName,
		"service.version":        tp.cfg.ServiceVersion,
		"deployment.environment": tp.cfg.Environment,
	}
}

// Tracer returns the provider's tracer.
func (tp *TelemetryProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// -- Domain metrics --

func (tp *TelemetryProvider) RecordAdmission(outcome string) {
	if !tp.cfg.metricsOn() {
		return
	}
	tp.admissions.WithLabelValues(outcome).Inc()
}

func (tp *TelemetryProvider) ObserveMatchPass(start time.Time) {
	if !tp.cfg.metricsOn() {
		return
	}
	tp.matchDuration.Observe(time.Since(start).Seconds())
}

func (tp *TelemetryProvider) RecordComplementRequest(provider, status string, start time.Time) {
	if !tp.cfg.metricsOn() {
		return
	}
	tp.complementRequests.WithLabelValues(provider, status).Inc()
	tp.complementDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
}

// TracingMiddleware returns an Echo middleware that starts a server span for
// every request, continuing any trace named in the incoming traceparent
// header, and exposes the trace id in X-Trace-ID.
func (tp *TelemetryProvider) TracingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !tp.cfg.tracingOn() {
				return next(c)
			}

			req := c.Request()
			route := routeOf(c)

			ctx := tp.propagator.Extract(req.Context(), propagation.HeaderCarrier(req.Header))
			ctx, span := tp.tracer.Start(ctx, "HTTP "+req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", req.Method),
					attribute.String("http.route", route),
					attribute.String("http.url", req.URL.String()),
				))
			defer span.End()

			if sc := span.SpanContext(); sc.HasTraceID() {
				c.Response().Header().Set("X-Trace-ID", sc.TraceID().String())
			}
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			status := c.Response().Status
			span.SetAttributes(attribute.Int("http.status_code", status))
			if status >= 500 {
				span.SetStatus(codes.Error, "server error")
			} else {
				span.SetStatus(codes.Ok, "")
			}
			if err != nil {
				span.RecordError(err)
			}
			return err
		}
	}
}

// MetricsMiddleware returns an Echo middleware that records HTTP server metrics.
func (tp *TelemetryProvider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !tp.cfg.metricsOn() {
				return next(c)
			}

			tp.activeRequests.Inc()
			defer tp.activeRequests.Dec()

			start := time.Now()
			req := c.Request()

			err := next(c)

			resp := c.Response()
			tp.requestDuration.
				WithLabelValues(req.Method, routeOf(c), strconv.Itoa(resp.Status)).
				Observe(time.Since(start).Seconds())

			if req.ContentLength > 0 {
				tp.requestSize.Observe(float64(req.ContentLength))
			}
			if resp.Size > 0 {
				tp.responseSize.Observe(float64(resp.Size))
			}
			return err
		}
	}
}

// PrometheusHandler serves the registry in Prometheus text exposition format.
func (tp *TelemetryProvider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(tp.registry, promhttp.HandlerOpts{}))
}

// Shutdown flushes buffered spans and stops the tracer provider.
func (tp *TelemetryProvider) Shutdown(ctx context.Context) error {
	if tp.sdkProvider == nil {
		return nil
	}
	return tp.sdkProvider.Shutdown(ctx)
}

func routeOf(c echo.Context) string {
	if route := c.Path(); route != "" {
		return route
	}
	return c.Request().URL.Path
}
