package protocol

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/pkg/speech"
)

func TestEventsSurviveTheWire(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	events := []speech.Event{
		speech.Start{},
		speech.Begin{},
		speech.End{},
		speech.Error{Message: "audio session interrupted"},
		speech.Results{Value: "turn on the lights"},
		speech.PartialResults{Value: ""},
		speech.VolumeChanged{Value: -23.5},
		speech.AudioBuffer{Data: []byte{0x01, 0xff}},
		speech.NativeEvent{Payload: json.RawMessage(`{"reason":"route-change"}`)},
	}

	for _, evt := range events {
		data, err := json.Marshal(EncodeEvent("s-1", evt, now))
		if err != nil {
			t.Fatalf("marshal %s: %v", evt.Kind(), err)
		}
		var msg EventMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal %s: %v", evt.Kind(), err)
		}
		if msg.SessionID != "s-1" {
			t.Fatalf("session id lost for %s", evt.Kind())
		}
		decoded, err := DecodeEvent(msg)
		if err != nil {
			t.Fatalf("decode %s: %v", evt.Kind(), err)
		}
		if !reflect.DeepEqual(decoded, evt) {
			t.Fatalf("expected %#v, got %#v", evt, decoded)
		}
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	if _, err := DecodeEvent(EventMessage{Kind: "onSpeechSomething"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestSubjects(t *testing.T) {
	if got := CommandSubject("speech", CommandSetLanguage); got != "speech.cmd.language.set" {
		t.Fatalf("unexpected command subject %q", got)
	}
	if got := EventSubject("speech", string(speech.KindResults)); got != "speech.event.onSpeechResults" {
		t.Fatalf("unexpected event subject %q", got)
	}
	if got := AudioFrameSubject("speech", "abc"); got != "speech.audio.abc" {
		t.Fatalf("unexpected frame subject %q", got)
	}
	if got := AudioFrameWildcard("kitchen"); got != "kitchen.audio.>" {
		t.Fatalf("unexpected frame wildcard %q", got)
	}
}
