package tracing

import (
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestDisabledInstallsPropagatorOnly(t *testing.T) {
	p, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}

	fields := otel.GetTextMapPropagator().Fields()
	if !strings.Contains(strings.Join(fields, ","), "traceparent") {
		t.Errorf("propagator fields = %v", fields)
	}
}

func TestSampler(t *testing.T) {
	cases := map[float64]string{1: "ParentBased{root:AlwaysOnSampler", 0: "AlwaysOffSampler", 0.5: "TraceIDRatioBased{0.5}"}
	for rate, want := range cases {
		if got := sampler(rate).Description(); !strings.Contains(got, want) {
			t.Errorf("rate %v: %s, want %s", rate, got, want)
		}
	}
}
