package logging_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"pkt.systems/pslog"

	"pkt.systems/chargeq/internal/lease"
	"pkt.systems/chargeq/internal/lease/logging"
	"pkt.systems/chargeq/internal/lease/memory"
)

func TestWrapRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	inner := memory.New(lease.Options{})
	store := logging.Wrap(inner, pslog.NoopLogger(), "memory")
	ctx := context.Background()
	if _, err := store.TryCreate(ctx, lease.NameMaster, lease.KindMaster, "a"); err != nil {
		t.Fatalf("TryCreate: %v", err)
	}
	if _, err := store.TryCreate(ctx, lease.NameMaster, lease.KindMaster, "b"); !errors.Is(err, lease.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	inner.SetFailure(func(string) error { return errors.New("down") })
	if err := store.Ping(ctx); err == nil {
		t.Fatal("expected ping failure")
	}

	spans := recorder.Ended()
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}
	if spans[0].Name() != "chargeq.store.try_create" {
		t.Fatalf("unexpected span name %q", spans[0].Name())
	}
	if spans[1].Status().Code != codes.Ok {
		t.Fatalf("contention must not mark the span failed, got %v", spans[1].Status())
	}
	if spans[2].Status().Code != codes.Error {
		t.Fatalf("expected error status on ping failure, got %v", spans[2].Status())
	}
}
