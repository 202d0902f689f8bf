package tracing

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
	return rec
}

func TestHostPort(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"http://tempo:4318", "tempo:4318"},
		{"https://collector.example.com/", "collector.example.com"},
		{"otel:4318", "otel:4318"},
	}
	for _, tt := range tests {
		if got := hostPort(tt.in); got != tt.want {
			t.Errorf("hostPort(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestInit_NoEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "test", "")
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error: %v", err)
	}
}

func TestInjectHeaders(t *testing.T) {
	setupRecorder(t)
	ctx, span := StartSpan(context.Background(), "deliver")
	defer span.End()

	h := http.Header{}
	InjectHeaders(ctx, h)
	tp := h.Get("traceparent")
	if tp == "" {
		t.Fatal("traceparent header not set")
	}
	if !strings.Contains(tp, TraceID(ctx)) {
		t.Errorf("traceparent %q does not carry trace id %q", tp, TraceID(ctx))
	}
}

func TestCarrierRoundTrip(t *testing.T) {
	setupRecorder(t)
	ctx, span := StartSpan(context.Background(), "publish")
	defer span.End()

	carrier := Carrier(ctx)
	if carrier == nil {
		t.Fatal("Carrier() returned nil for a live span")
	}
	restored := FromCarrier(context.Background(), carrier)
	if TraceID(restored) != TraceID(ctx) {
		t.Errorf("restored trace id %q, want %q", TraceID(restored), TraceID(ctx))
	}

	if Carrier(context.Background()) != nil {
		t.Error("Carrier() without a span should be nil")
	}
}

func TestSetSpanError(t *testing.T) {
	rec := setupRecorder(t)
	ctx, span := StartSpan(context.Background(), "deliver")
	SetSpanError(ctx, errors.New("receiver returned 500"))
	span.End()

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("span status = %v, want Error", spans[0].Status().Code)
	}
}
