package correlation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestService_CreatesSpans(t *testing.T) {
	// Not parallel: swaps the global tracer provider.
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	store := newMockStore(mkAlert("1", nil), mkAlert("2", nil))
	svc := newTestService(store, nil, nil)
	ctx := context.Background()

	if _, err := svc.Merge(ctx, "1", "2"); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if _, err := svc.Correlate(ctx, "missing", DefaultWindow, 10); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Correlate missing err = %v", err)
	}

	spans := exporter.GetSpans()
	byName := make(map[string]tracetest.SpanStub, len(spans))
	for _, s := range spans {
		byName[s.Name] = s
	}

	merge, ok := byName["correlation.Merge"]
	if !ok {
		t.Fatalf("no correlation.Merge span in %d spans", len(spans))
	}
	attrs := make(map[string]any)
	for _, kv := range merge.Attributes {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	if attrs["corerecon.alert.id"] != "1" || attrs["corerecon.alert.duplicate_id"] != "2" || attrs["corerecon.merge.changed"] != true {
		t.Errorf("merge span attributes = %v", attrs)
	}
	if merge.Status.Code == codes.Error {
		t.Errorf("merge span status = %v, want unset", merge.Status)
	}

	corr, ok := byName["correlation.Correlate"]
	if !ok {
		t.Fatal("no correlation.Correlate span")
	}
	if corr.Status.Code != codes.Error {
		t.Errorf("correlate span status = %v, want error", corr.Status.Code)
	}
	if len(corr.Events) == 0 || corr.Events[0].Name != "exception" {
		t.Errorf("correlate span missing recorded error event: %v", corr.Events)
	}
}
