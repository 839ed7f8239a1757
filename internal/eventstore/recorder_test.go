package eventstore

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/pkg/speech"
)

// pushNative only forwards events; every request succeeds.
type pushNative struct {
	emit func(speech.Event)
}

func (n *pushNative) StartListening(context.Context) error                { return nil }
func (n *pushNative) StopListening(context.Context) error                 { return nil }
func (n *pushNative) Destroy(context.Context) error                       { return nil }
func (n *pushNative) RecognitionLanguage(context.Context) (string, error) { return "en-US", nil }
func (n *pushNative) SetRecognitionLanguage(context.Context, string) (bool, error) {
	return true, nil
}
func (n *pushNative) IsRecognitionAvailable(context.Context) (bool, error) { return true, nil }
func (n *pushNative) SupportedLanguages(context.Context) ([]string, error) {
	return []string{"en-US"}, nil
}
func (n *pushNative) Attach(emit func(speech.Event)) func() {
	n.emit = emit
	return func() { n.emit = nil }
}

func TestRecorderStoresSessions(t *testing.T) {
	es := openTemp(t, nil)
	native := &pushNative{}
	bridge := speech.New(native)
	rec := NewRecorder(es, func() string { return "fr-FR" }, newLogger())
	rec.Attach(bridge)

	native.emit(speech.VolumeChanged{Value: -20})
	native.emit(speech.Start{})
	session := rec.Session()
	if session == "" {
		t.Fatal("expected an open session after start")
	}
	native.emit(speech.PartialResults{Value: "bon"})
	native.emit(speech.Results{Value: "bonjour"})
	native.emit(speech.End{})
	if rec.Session() != "" {
		t.Fatal("expected session closed after end")
	}

	native.emit(speech.Start{})
	native.emit(speech.Error{Message: "boom"})
	native.emit(speech.End{})
	rec.Detach()
	if bridge.ListenerCount(speech.KindStart) != 0 {
		t.Fatal("expected recorder listeners removed")
	}

	ctx := context.Background()
	events, err := es.ListSessionEvents(ctx, session, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	kinds := make([]string, 0, len(events))
	for _, evt := range events {
		kinds = append(kinds, evt.Kind)
	}
	want := []string{"onSpeechStart", "onSpeechPartialResults", "onSpeechResults", "onSpeechEnd"}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, kinds)
		}
	}

	var msg protocol.EventMessage
	if err := json.Unmarshal(events[2].Payload, &msg); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	decoded, err := protocol.DecodeEvent(msg)
	if err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if decoded != (speech.Results{Value: "bonjour"}) {
		t.Fatalf("unexpected decoded event %v", decoded)
	}

	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	outcomes := map[string]string{}
	for _, s := range sessions {
		outcomes[s.ID] = s.Outcome
		if s.Language != "fr-FR" {
			t.Fatalf("expected recorded language fr-FR, got %q", s.Language)
		}
	}
	if outcomes[session] != OutcomeResults {
		t.Fatalf("expected first session outcome results, got %q", outcomes[session])
	}
	for id, outcome := range outcomes {
		if id != session && outcome != OutcomeError {
			t.Fatalf("expected second session outcome error, got %q", outcome)
		}
	}
}
