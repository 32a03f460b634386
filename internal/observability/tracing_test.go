package observability

import (
	"context"
	"errors"
	"testing"
)

func TestNewTracerWithoutEndpoint(t *testing.T) {
	tracer, flush := NewTracer(TraceConfig{})
	defer func() { _ = flush(context.Background()) }()

	if tracer.exported {
		t.Error("tracer without endpoint should not export")
	}
	if tracer.service != defaultServiceName {
		t.Errorf("service = %q", tracer.service)
	}

	ctx, span := tracer.Phase(context.Background(), "launch", "host", "gateway", "tier", 2, "dangling")
	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
	span.End()
	if ctx == nil {
		t.Fatal("nil context")
	}
	if GetTraceID(context.Background()) != "" {
		t.Error("trace id without span")
	}
}

func TestNilTracer(t *testing.T) {
	var tracer *Tracer
	ctx := context.Background()
	gotCtx, span := tracer.TraceRPC(ctx, "exec.run", "c1")
	if gotCtx != ctx || span == nil {
		t.Fatal("nil tracer should return the input context and a span")
	}
	span.End()

	gotCtx, span = tracer.Phase(ctx, "plan")
	if gotCtx != ctx || span == nil {
		t.Fatal("nil tracer Phase should be inert")
	}
	span.End()
}

func TestSamplerFor(t *testing.T) {
	cases := map[float64]string{
		0:   "AlwaysOnSampler",
		1:   "AlwaysOnSampler",
		-1:  "AlwaysOffSampler",
		0.5: "TraceIDRatioBased{0.5}",
	}
	for rate, want := range cases {
		if got := samplerFor(rate).Description(); got != want {
			t.Errorf("samplerFor(%v) = %q, want %q", rate, got, want)
		}
	}
}

func TestFieldAttributes(t *testing.T) {
	attrs := fieldAttributes([]any{"s", "x", "i", 1, "b", true, "f", 1.5, 7, "skipped", "other", struct{}{}})
	if len(attrs) != 5 {
		t.Fatalf("attrs = %v", attrs)
	}
	if attrs[4].Value.AsString() != "{}" {
		t.Errorf("fallback = %q", attrs[4].Value.AsString())
	}
}
