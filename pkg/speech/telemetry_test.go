package speech_test

import (
	"context"
	"errors"
	"testing"

	"github.com/loqalabs/loqa-speech/pkg/speech"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestEventsAreCountedPerKind(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	native := &fakeNative{}
	b := speech.New(native, speech.WithMeter(provider.Meter("test")))

	b.AddEventListener(speech.KindResults, func(speech.Event) {})
	b.AddEventListener(speech.KindResults, func(speech.Event) {})
	native.send(speech.Results{Value: "hi"})
	native.send(speech.Start{})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "speech.bridge.events" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				if kind, _ := dp.Attributes.Value("kind"); kind.AsString() != string(speech.KindResults) {
					t.Fatalf("unexpected kind attribute %v", kind)
				}
				total += dp.Value
			}
		}
	}
	if total != 2 {
		t.Fatalf("expected 2 deliveries counted, got %d", total)
	}
}

func TestRequestErrorsAreRecordedOnSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	reason := errors.New("RECOGNITION_UNAVAILABLE")
	b := speech.New(&fakeNative{startErr: reason}, speech.WithTracer(provider.Tracer("test")))

	if err := b.StartListening(context.Background()); err != reason {
		t.Fatalf("expected error returned as-is, got %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "speech.StartListening" {
		t.Fatalf("unexpected span name %q", spans[0].Name())
	}
	if spans[0].Status().Code != codes.Error || spans[0].Status().Description != reason.Error() {
		t.Fatalf("expected error status, got %+v", spans[0].Status())
	}
}
