package protocol

import (
	"fmt"
	"time"

	"github.com/loqalabs/loqa-speech/pkg/speech"
)

// EncodeEvent converts evt into its bus representation.
func EncodeEvent(sessionID string, evt speech.Event, now time.Time) EventMessage {
	msg := EventMessage{
		Kind:      string(evt.Kind()),
		SessionID: sessionID,
		Timestamp: now.UTC(),
	}
	switch e := evt.(type) {
	case speech.Error:
		msg.Message = e.Message
	case speech.Results:
		msg.Value = e.Value
	case speech.PartialResults:
		msg.Value = e.Value
	case speech.VolumeChanged:
		msg.Level = e.Value
	case speech.AudioBuffer:
		msg.Buffer = e.Data
	case speech.NativeEvent:
		msg.Payload = e.Payload
	}
	return msg
}

// DecodeEvent converts a bus message back into an event.
func DecodeEvent(msg EventMessage) (speech.Event, error) {
	switch speech.EventKind(msg.Kind) {
	case speech.KindStart:
		return speech.Start{}, nil
	case speech.KindBegin:
		return speech.Begin{}, nil
	case speech.KindEnd:
		return speech.End{}, nil
	case speech.KindError:
		return speech.Error{Message: msg.Message}, nil
	case speech.KindResults:
		return speech.Results{Value: msg.Value}, nil
	case speech.KindPartialResults:
		return speech.PartialResults{Value: msg.Value}, nil
	case speech.KindVolumeChanged:
		return speech.VolumeChanged{Value: msg.Level}, nil
	case speech.KindAudioBuffer:
		return speech.AudioBuffer{Data: msg.Buffer}, nil
	case speech.KindEvent:
		return speech.NativeEvent{Payload: msg.Payload}, nil
	default:
		return nil, fmt.Errorf("unknown event kind %q", msg.Kind)
	}
}
