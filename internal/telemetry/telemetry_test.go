package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func TestSetup_DisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := Setup(context.Background(), Config{Enabled: true}); err == nil {
		t.Fatalf("enabled without endpoint must fail")
	}
}

func TestSampler_Description(t *testing.T) {
	if got := Sampler(1).Description(); got != sdktrace.ParentBased(sdktrace.AlwaysSample()).Description() {
		t.Fatalf("ratio 1: %s", got)
	}
	if got := Sampler(0).Description(); got != sdktrace.ParentBased(sdktrace.NeverSample()).Description() {
		t.Fatalf("ratio 0: %s", got)
	}
	if got := Sampler(0.25).Description(); got != sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.25)).Description() {
		t.Fatalf("ratio 0.25: %s", got)
	}
}

func TestMiddleware_NamesSpanByRoute(t *testing.T) {
	rec := recordSpans(t)

	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/tiles/{lod}/{x}/{y}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {})

	for _, p := range []string{"/tiles/10/1/2", "/healthz"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans=%d want 1 (healthz untraced)", len(spans))
	}
	s := spans[0]
	if s.Name() != "GET /tiles/{lod}/{x}/{y}" {
		t.Fatalf("name=%q", s.Name())
	}
	if s.Status().Code != codes.Error {
		t.Fatalf("status=%v want error", s.Status())
	}
	var sawStatus bool
	for _, kv := range s.Attributes() {
		if kv.Key == semconv.HTTPResponseStatusCodeKey && kv.Value.AsInt64() == http.StatusBadGateway {
			sawStatus = true
		}
	}
	if !sawStatus {
		t.Fatalf("missing status attribute: %v", s.Attributes())
	}
}
