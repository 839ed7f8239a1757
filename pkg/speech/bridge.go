// Package speech exposes a recognition capability as request methods and a
// typed event stream.
//
// A Bridge is bound to exactly one Native capability for its lifetime. It
// keeps no session state: every request is forwarded as-is and every
// failure comes back exactly as the capability reported it.
package speech

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-speech/pkg/speech"

// Bridge relays requests to a Native capability and fans its events out to
// registered listeners.
type Bridge struct {
	native  Native
	emitter *emitter
	log     *slog.Logger
	tracer  trace.Tracer
	events  metric.Int64Counter

	detachOnce sync.Once
	detach     func()
}

// Option customizes a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger used for listener bookkeeping at debug level.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bridge) {
		if log != nil {
			b.log = log
		}
	}
}

// WithTracer overrides the tracer used for request spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(b *Bridge) {
		if tracer != nil {
			b.tracer = tracer
		}
	}
}

// WithMeter overrides the meter used for event counters.
func WithMeter(meter metric.Meter) Option {
	return func(b *Bridge) {
		if meter == nil {
			return
		}
		if counter, err := newEventCounter(meter); err == nil {
			b.events = counter
		}
	}
}

// New binds a bridge to native and starts relaying its events.
func New(native Native, opts ...Option) *Bridge {
	b := &Bridge{
		native:  native,
		emitter: newEmitter(),
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:  otel.Tracer(instrumentationName),
	}
	if counter, err := newEventCounter(otel.Meter(instrumentationName)); err == nil {
		b.events = counter
	}
	for _, opt := range opts {
		opt(b)
	}
	b.detach = native.Attach(b.dispatch)
	return b
}

func newEventCounter(meter metric.Meter) (metric.Int64Counter, error) {
	return meter.Int64Counter("speech.bridge.events", metric.WithDescription("Recognition events delivered to listeners"))
}

// Close stops relaying events from the native capability. Registered
// listeners are left in place.
func (b *Bridge) Close() {
	b.detachOnce.Do(func() {
		if b.detach != nil {
			b.detach()
		}
	})
}

// StartListening begins a recognition session.
func (b *Bridge) StartListening(ctx context.Context) error {
	ctx, span := b.tracer.Start(ctx, "speech.StartListening")
	defer span.End()
	return b.finish(span, b.native.StartListening(ctx))
}

// StopListening asks the capability to end the current session. Whether a
// call without an active session is an error is up to the capability.
func (b *Bridge) StopListening(ctx context.Context) error {
	ctx, span := b.tracer.Start(ctx, "speech.StopListening")
	defer span.End()
	return b.finish(span, b.native.StopListening(ctx))
}

// Destroy releases the capability's recognition resources. Listeners stay
// registered and in-flight requests are left to the capability.
func (b *Bridge) Destroy(ctx context.Context) error {
	ctx, span := b.tracer.Start(ctx, "speech.Destroy")
	defer span.End()
	return b.finish(span, b.native.Destroy(ctx))
}

// RecognitionLanguage returns the configured language tag.
func (b *Bridge) RecognitionLanguage(ctx context.Context) (string, error) {
	ctx, span := b.tracer.Start(ctx, "speech.RecognitionLanguage")
	defer span.End()
	tag, err := b.native.RecognitionLanguage(ctx)
	return tag, b.finish(span, err)
}

// SetRecognitionLanguage passes tag through unchanged.
func (b *Bridge) SetRecognitionLanguage(ctx context.Context, tag string) (bool, error) {
	ctx, span := b.tracer.Start(ctx, "speech.SetRecognitionLanguage", trace.WithAttributes(attribute.String("speech.language", tag)))
	defer span.End()
	ok, err := b.native.SetRecognitionLanguage(ctx, tag)
	return ok, b.finish(span, err)
}

// IsRecognitionAvailable reports whether the capability can recognize speech.
func (b *Bridge) IsRecognitionAvailable(ctx context.Context) (bool, error) {
	ctx, span := b.tracer.Start(ctx, "speech.IsRecognitionAvailable")
	defer span.End()
	ok, err := b.native.IsRecognitionAvailable(ctx)
	return ok, b.finish(span, err)
}

// SupportedLanguages returns the capability's list as reported.
func (b *Bridge) SupportedLanguages(ctx context.Context) ([]string, error) {
	ctx, span := b.tracer.Start(ctx, "speech.SupportedLanguages")
	defer span.End()
	tags, err := b.native.SupportedLanguages(ctx)
	return tags, b.finish(span, err)
}

func (b *Bridge) finish(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// AddEventListener registers handler for kind. Kinds outside the fixed
// vocabulary are accepted and never fire.
func (b *Bridge) AddEventListener(kind EventKind, handler Handler) *Subscription {
	sub := b.emitter.add(kind, handler)
	b.log.Debug("listener added", slog.String("kind", string(kind)), slog.Int("listeners", b.emitter.count(kind)))
	return sub
}

// RemoveAllListeners detaches every handler registered for kind.
func (b *Bridge) RemoveAllListeners(kind EventKind) {
	removed := b.emitter.removeAll(kind)
	b.log.Debug("listeners removed", slog.String("kind", string(kind)), slog.Int("removed", removed))
}

// ListenerCount returns the number of handlers registered for kind.
func (b *Bridge) ListenerCount(kind EventKind) int {
	return b.emitter.count(kind)
}

func (b *Bridge) dispatch(evt Event) {
	if evt == nil {
		return
	}
	delivered := b.emitter.emit(evt)
	if b.events != nil && delivered > 0 {
		b.events.Add(context.Background(), int64(delivered), metric.WithAttributes(attribute.String("kind", string(evt.Kind()))))
	}
}

// On registers a handler for the event type T. Use AddEventListener to
// receive several kinds through one handler.
//
//	speech.On(b, func(r speech.Results) { fmt.Println(r.Value) })
func On[T Variant](b *Bridge, handler func(T)) *Subscription {
	var zero T
	return b.AddEventListener(zero.Kind(), func(evt Event) {
		if typed, ok := evt.(T); ok {
			handler(typed)
		}
	})
}
