package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/stt"
	"github.com/loqalabs/loqa-speech/pkg/speech"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type scriptedRecognizer struct {
	mu       sync.Mutex
	partial  string
	final    string
	finalErr error
	healthy  bool
	requests []stt.Request
}

func (r *scriptedRecognizer) Transcribe(_ context.Context, req stt.Request) (stt.TranscriptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	if req.Final {
		if r.finalErr != nil {
			return stt.TranscriptResult{}, r.finalErr
		}
		return stt.TranscriptResult{Text: r.final}, nil
	}
	return stt.TranscriptResult{Text: r.partial}, nil
}

func (r *scriptedRecognizer) Healthy() bool { return r.healthy }

type collector struct {
	ch chan speech.Event
}

func collect(e *Engine) *collector {
	c := &collector{ch: make(chan speech.Event, 256)}
	e.Attach(func(evt speech.Event) { c.ch <- evt })
	return c
}

// until gathers events, skipping volume and buffer updates, until one of
// kind last arrives.
func (c *collector) until(t *testing.T, last speech.EventKind) []speech.Event {
	t.Helper()
	var out []speech.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case evt := <-c.ch:
			if evt.Kind() == speech.KindVolumeChanged || evt.Kind() == speech.KindAudioBuffer {
				continue
			}
			out = append(out, evt)
			if evt.Kind() == last {
				return out
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s, got %v", last, out)
		}
	}
}

func testEngine(t *testing.T, rec stt.Recognizer, mutate func(*config.EngineConfig)) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Engine.SupportedLanguages = []string{"en-US", "fr-FR"}
	if mutate != nil {
		mutate(&cfg.Engine)
	}
	e := New(cfg.Engine, cfg.STT, rec, newLogger())
	t.Cleanup(e.Close)
	return e
}

func tone(amplitude int16, samples int) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := amplitude
		if i%2 == 1 {
			v = -amplitude
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func TestSessionEmitsOrderedEvents(t *testing.T) {
	rec := &scriptedRecognizer{partial: "hel", final: "hello", healthy: true}
	e := testEngine(t, rec, nil)
	c := collect(e)
	ctx := context.Background()

	if err := e.StartListening(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	e.Feed(protocol.AudioFrame{SessionID: "mic-1", PCM: tone(math.MaxInt16/2, 160)})
	if err := e.StopListening(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	got := c.until(t, speech.KindEnd)
	want := []speech.Event{
		speech.Start{},
		speech.Begin{},
		speech.PartialResults{Value: "hel"},
		speech.Results{Value: "hello"},
		speech.End{},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if e.State() != StateIdle {
		t.Fatalf("expected idle after end, got %s", e.State())
	}
	if rec.requests[len(rec.requests)-1].Language != "en-US" {
		t.Fatalf("expected configured language passed to backend")
	}
}

func TestVolumeIsReported(t *testing.T) {
	rec := &scriptedRecognizer{healthy: true}
	e := testEngine(t, rec, func(c *config.EngineConfig) { c.PublishPartial = false })
	ch := make(chan float64, 4)
	speech.New(e).AddEventListener(speech.KindVolumeChanged, func(evt speech.Event) {
		ch <- evt.(speech.VolumeChanged).Value
	})

	if err := e.StartListening(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	e.Feed(protocol.AudioFrame{PCM: tone(math.MaxInt16, 64)})

	select {
	case level := <-ch:
		if math.Abs(level) > 0.01 {
			t.Fatalf("expected full-scale level near 0, got %v", level)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no volume event")
	}
}

func TestQuietAudioDoesNotBegin(t *testing.T) {
	rec := &scriptedRecognizer{final: "", healthy: true}
	e := testEngine(t, rec, func(c *config.EngineConfig) { c.PublishPartial = false })
	c := collect(e)

	if err := e.StartListening(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	e.Feed(protocol.AudioFrame{SessionID: "mic", PCM: tone(3, 160)})
	e.Feed(protocol.AudioFrame{SessionID: "mic", Final: true})

	got := c.until(t, speech.KindEnd)
	want := []speech.Event{speech.Start{}, speech.Results{Value: ""}, speech.End{}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestStartWhileListening(t *testing.T) {
	e := testEngine(t, &scriptedRecognizer{healthy: true}, nil)
	ctx := context.Background()

	if err := e.StartListening(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.StartListening(ctx); !errors.Is(err, ErrAlreadyListening) {
		t.Fatalf("expected ErrAlreadyListening, got %v", err)
	}
	if ErrAlreadyListening.Error() != protocol.ReasonAlreadyListening {
		t.Fatalf("unexpected reason text %q", ErrAlreadyListening.Error())
	}
}

func TestStartUnavailable(t *testing.T) {
	e := testEngine(t, &scriptedRecognizer{healthy: false}, nil)
	if err := e.StartListening(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	available, err := e.IsRecognitionAvailable(context.Background())
	if err != nil || available {
		t.Fatalf("expected unavailable, got %v %v", available, err)
	}
}

func TestStopWithoutSessionIsNoop(t *testing.T) {
	e := testEngine(t, &scriptedRecognizer{healthy: true}, nil)
	c := collect(e)
	if err := e.StopListening(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case evt := <-c.ch:
		t.Fatalf("unexpected event %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStopWithoutAudioEndsImmediately(t *testing.T) {
	rec := &scriptedRecognizer{healthy: true}
	e := testEngine(t, rec, nil)
	c := collect(e)
	ctx := context.Background()

	if err := e.StartListening(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.StopListening(ctx); err != nil {
		t.Fatal(err)
	}
	got := c.until(t, speech.KindEnd)
	if !reflect.DeepEqual(got, []speech.Event{speech.Start{}, speech.End{}}) {
		t.Fatalf("unexpected events %v", got)
	}
	if len(rec.requests) != 0 {
		t.Fatalf("expected no transcription, got %d", len(rec.requests))
	}
}

func TestFinalFailureEmitsError(t *testing.T) {
	rec := &scriptedRecognizer{finalErr: errors.New("model crashed"), healthy: true}
	e := testEngine(t, rec, func(c *config.EngineConfig) { c.PublishPartial = false })
	c := collect(e)
	ctx := context.Background()

	if err := e.StartListening(ctx); err != nil {
		t.Fatal(err)
	}
	e.Feed(protocol.AudioFrame{PCM: tone(1000, 160)})
	if err := e.StopListening(ctx); err != nil {
		t.Fatal(err)
	}
	got := c.until(t, speech.KindEnd)
	want := []speech.Event{speech.Start{}, speech.Begin{}, speech.Error{Message: "model crashed"}, speech.End{}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestFramesFromOtherSourcesAreDropped(t *testing.T) {
	rec := &scriptedRecognizer{final: "ok", healthy: true}
	e := testEngine(t, rec, func(c *config.EngineConfig) { c.PublishPartial = false })
	c := collect(e)
	ctx := context.Background()

	if err := e.StartListening(ctx); err != nil {
		t.Fatal(err)
	}
	e.Feed(protocol.AudioFrame{SessionID: "kitchen", PCM: tone(1000, 10)})
	e.Feed(protocol.AudioFrame{SessionID: "hallway", PCM: tone(1000, 30)})
	e.Feed(protocol.AudioFrame{SessionID: "kitchen", Final: true})
	c.until(t, speech.KindEnd)

	if got := len(rec.requests[0].PCM); got != 20 {
		t.Fatalf("expected only kitchen audio (20 bytes), got %d", got)
	}
}

func TestDestroyDisposesEngine(t *testing.T) {
	e := testEngine(t, &scriptedRecognizer{healthy: true}, nil)
	c := collect(e)
	ctx := context.Background()

	if err := e.StartListening(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.Destroy(ctx); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	got := c.until(t, speech.KindEnd)
	if !reflect.DeepEqual(got, []speech.Event{speech.Start{}, speech.End{}}) {
		t.Fatalf("unexpected events %v", got)
	}
	if e.State() != StateDisposed {
		t.Fatalf("expected disposed, got %s", e.State())
	}
	if err := e.StartListening(ctx); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("expected ErrDestroyed, got %v", err)
	}
	if err := e.Destroy(ctx); err != nil {
		t.Fatalf("second destroy: %v", err)
	}
	if err := e.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := e.StartListening(ctx); err != nil {
		t.Fatalf("start after reset: %v", err)
	}
}

func TestLanguages(t *testing.T) {
	e := testEngine(t, &scriptedRecognizer{healthy: true}, nil)
	ctx := context.Background()

	langs, err := e.SupportedLanguages(ctx)
	if err != nil || !reflect.DeepEqual(langs, []string{"en-US", "fr-FR"}) {
		t.Fatalf("unexpected languages %v %v", langs, err)
	}
	langs[0] = "mutated"
	if again, _ := e.SupportedLanguages(ctx); again[0] != "en-US" {
		t.Fatal("supported languages leaked internal slice")
	}

	ok, err := e.SetRecognitionLanguage(ctx, "fr-fr")
	if err != nil || !ok {
		t.Fatalf("set fr-fr: %v %v", ok, err)
	}
	if tag, _ := e.RecognitionLanguage(ctx); tag != "fr-FR" {
		t.Fatalf("expected canonical supported tag, got %q", tag)
	}

	for _, tag := range []string{"xx-INVALID", "de-DE", "", "not a tag"} {
		ok, err := e.SetRecognitionLanguage(ctx, tag)
		if ok || err == nil || err.Error() != protocol.ReasonUnsupported {
			t.Fatalf("tag %q: expected %s, got %v %v", tag, protocol.ReasonUnsupported, ok, err)
		}
	}
	if tag, _ := e.RecognitionLanguage(ctx); tag != "fr-FR" {
		t.Fatalf("rejected tag changed language to %q", tag)
	}
}

func TestSinkMayCallBackIntoEngine(t *testing.T) {
	e := testEngine(t, &scriptedRecognizer{healthy: true}, nil)
	done := make(chan error, 1)
	e.Attach(func(evt speech.Event) {
		if _, ok := evt.(speech.Start); ok {
			done <- e.StopListening(context.Background())
		}
	})
	if err := e.StartListening(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stop from sink: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sink callback deadlocked")
	}
}
