package telemetry

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func newTestProvider(t *testing.T, cfg TelemetryConfig) *TelemetryProvider {
	t.Helper()
	tp, err := NewTelemetryProvider(cfg)
	if err != nil {
		t.Fatalf("NewTelemetryProvider: %v", err)
	}
	t.Cleanup(func() { tp.Shutdown(context.Background()) })
	return tp
}

// ---------------------------------------------------------------------------
// Config defaults
// ---------------------------------------------------------------------------

func TestTelemetryConfig_Defaults(t *testing.T) {
	tp := newTestProvider(t, TelemetryConfig{})

	if tp.cfg.ServiceName != "admission-server" {
		t.Fatalf("expected default ServiceName='admission-server', got %q", tp.cfg.ServiceName)
	}
	if tp.cfg.ServiceVersion != "0.0.0" {
		t.Fatalf("expected default ServiceVersion='0.0.0', got %q", tp.cfg.ServiceVersion)
	}
	if tp.cfg.Environment != "development" {
		t.Fatalf("expected default Environment='development', got %q", tp.cfg.Environment)
	}
	if !tp.cfg.metricsOn() {
		t.Fatal("expected MetricsEnabled=true by default")
	}
	if !tp.cfg.tracingOn() {
		t.Fatal("expected TracingEnabled=true by default")
	}
}

func TestProvider_Resource(t *testing.T) {
	tp := newTestProvider(t, TelemetryConfig{ServiceName: "complement-server", ServiceVersion: "1.2.3", Environment: "production"})
	res := tp.Resource()
	if res["service.name"] != "complement-server" {
		t.Errorf("unexpected service.name %q", res["service.name"])
	}
	if res["service.version"] != "1.2.3" {
		t.Errorf("unexpected service.version %q", res["service.version"])
	}
	if res["deployment.environment"] != "production" {
		t.Errorf("unexpected deployment.environment %q", res["deployment.environment"])
	}
}

func TestProviders_UseSeparateRegistries(t *testing.T) {
	a := newTestProvider(t, TelemetryConfig{})
	b := newTestProvider(t, TelemetryConfig{})
	a.RecordAdmission("admitted")

	if got := testutil.ToFloat64(a.admissions.WithLabelValues("admitted")); got != 1 {
		t.Errorf("expected 1 admission on first provider, got %v", got)
	}
	if got := testutil.ToFloat64(b.admissions.WithLabelValues("admitted")); got != 0 {
		t.Errorf("expected 0 admissions on second provider, got %v", got)
	}
}

// ---------------------------------------------------------------------------
// Domain metrics
// ---------------------------------------------------------------------------

func TestRecordAdmission_ByOutcome(t *testing.T) {
	tp := newTestProvider(t, TelemetryConfig{})
	tp.RecordAdmission("admitted")
	tp.RecordAdmission("admitted")
	tp.RecordAdmission("ineligible")

	if got := testutil.ToFloat64(tp.admissions.WithLabelValues("admitted")); got != 2 {
		t.Errorf("expected 2 admitted, got %v", got)
	}
	if got := testutil.ToFloat64(tp.admissions.WithLabelValues("ineligible")); got != 1 {
		t.Errorf("expected 1 ineligible, got %v", got)
	}
}

func TestRecordComplementRequest(t *testing.T) {
	tp := newTestProvider(t, TelemetryConfig{})
	tp.RecordComplementRequest("remote", "error", time.Now())

	if got := testutil.ToFloat64(tp.complementRequests.WithLabelValues("remote", "error")); got != 1 {
		t.Errorf("expected 1 remote error, got %v", got)
	}
	if n := testutil.CollectAndCount(tp.complementDuration); n != 1 {
		t.Errorf("expected 1 duration series, got %d", n)
	}
}

func TestMetricsDisabled_RecordsNothing(t *testing.T) {
	tp := newTestProvider(t, TelemetryConfig{MetricsEnabled: BoolPtr(false)})
	tp.RecordAdmission("admitted")
	tp.ObserveMatchPass(time.Now())

	if n := testutil.CollectAndCount(tp.admissions); n != 0 {
		t.Errorf("expected no admission series, got %d", n)
	}
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	tp := newTestProvider(t, TelemetryConfig{})

	e := echo.New()
	e.Use(tp.MetricsMiddleware())
	e.GET("/api/v1/hospitals/:name", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/hospitals/Napa", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if n := testutil.CollectAndCount(tp.requestDuration); n != 1 {
		t.Fatalf("expected 1 duration series, got %d", n)
	}
	if got := testutil.ToFloat64(tp.activeRequests); got != 0 {
		t.Errorf("expected 0 active requests after completion, got %v", got)
	}
	if got := testutil.CollectAndCount(tp.responseSize); got != 1 {
		t.Errorf("expected response size histogram, got %d series", got)
	}
}

func TestTracingMiddleware_PassesThrough(t *testing.T) {
	tp := newTestProvider(t, TelemetryConfig{})

	e := echo.New()
	e.Use(tp.TracingMiddleware())
	e.GET("/waitlist", func(c echo.Context) error {
		if c.Request().Context() == nil {
			t.Error("expected request context")
		}
		return c.NoContent(http.StatusInternalServerError)
	})

	req := httptest.NewRequest(http.MethodGet, "/waitlist", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestTracingMiddleware_RecordsSpan(t *testing.T) {
	tp := newTestProvider(t, TelemetryConfig{})

	var recording bool
	e := echo.New()
	e.Use(tp.TracingMiddleware())
	e.GET("/waitlist", func(c echo.Context) error {
		recording = trace.SpanFromContext(c.Request().Context()).IsRecording()
		return c.NoContent(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/waitlist", nil))

	if !recording {
		t.Fatal("expected the request span to be recording")
	}
	if len(rec.Header().Get("X-Trace-ID")) != 32 {
		t.Errorf("expected a trace id header, got %q", rec.Header().Get("X-Trace-ID"))
	}
}

func TestTracingMiddleware_ContinuesIncomingTrace(t *testing.T) {
	tp := newTestProvider(t, TelemetryConfig{})

	var parent trace.SpanContext
	e := echo.New()
	e.Use(tp.TracingMiddleware())
	e.GET("/api/v1/hospital-names", func(c echo.Context) error {
		parent = trace.SpanContextFromContext(c.Request().Context())
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/hospital-names", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Trace-ID"); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("expected incoming trace id, got %q", got)
	}
	if parent.SpanID().String() == "00f067aa0ba902b7" {
		t.Error("expected a new child span id")
	}
}

func TestTracingDisabled_DoesNotRecord(t *testing.T) {
	tp := newTestProvider(t, TelemetryConfig{TracingEnabled: BoolPtr(false)})
	_, span := tp.Tracer().Start(context.Background(), "noop")
	defer span.End()
	if span.IsRecording() {
		t.Fatal("expected no recording with tracing off")
	}
}

func TestStdoutExporter_WritesSpans(t *testing.T) {
	var buf bytes.Buffer
	tp, err := NewTelemetryProvider(TelemetryConfig{TraceExporter: TraceExporterStdout, TraceWriter: &buf})
	if err != nil {
		t.Fatalf("NewTelemetryProvider: %v", err)
	}

	e := echo.New()
	e.Use(tp.TracingMiddleware())
	e.GET("/waitlist", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/waitlist", nil))

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), "HTTP GET /waitlist") {
		t.Fatalf("expected exported span, got %q", buf.String())
	}
}

func TestInstallGlobal(t *testing.T) {
	tp := newTestProvider(t, TelemetryConfig{})
	tp.InstallGlobal()

	ctx, span := otel.Tracer("test").Start(context.Background(), "global")
	defer span.End()
	if !span.IsRecording() {
		t.Fatal("expected global tracer to record")
	}
	header := http.Header{}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
	if header.Get("traceparent") == "" {
		t.Fatal("expected traceparent to be injected")
	}
}

func TestPrometheusHandler_ValidFormat(t *testing.T) {
	tp := newTestProvider(t, TelemetryConfig{})
	tp.RecordAdmission("admitted")

	e := echo.New()
	e.GET("/metrics", tp.PrometheusHandler())
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `admission_match_results_total{outcome="admitted"} 1`) {
		t.Errorf("expected admission counter in output, got:\n%s", body)
	}
	if !strings.Contains(body, "# TYPE admission_match_results_total counter") {
		t.Error("expected TYPE line for admission counter")
	}
}
