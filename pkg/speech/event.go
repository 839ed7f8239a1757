package speech

import "encoding/json"

// EventKind names a recognition event. Values match the event names native
// speech modules emit.
type EventKind string

const (
	KindStart          EventKind = "onSpeechStart"
	KindBegin          EventKind = "onSpeechBegin"
	KindEnd            EventKind = "onSpeechEnd"
	KindError          EventKind = "onSpeechError"
	KindResults        EventKind = "onSpeechResults"
	KindPartialResults EventKind = "onSpeechPartialResults"
	KindVolumeChanged  EventKind = "onSpeechVolumeChanged"
	KindAudioBuffer    EventKind = "onSpeechAudioBuffer"
	KindEvent          EventKind = "onSpeechEvent"
)

// Kinds returns every recognized event kind.
func Kinds() []EventKind {
	return []EventKind{
		KindStart,
		KindBegin,
		KindEnd,
		KindError,
		KindResults,
		KindPartialResults,
		KindVolumeChanged,
		KindAudioBuffer,
		KindEvent,
	}
}

// Known reports whether k is part of the fixed vocabulary.
func (k EventKind) Known() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// Event is a recognition event. The set of implementations is closed; use a
// type switch to read the payload.
type Event interface {
	Kind() EventKind
	isEvent()
}

// Variant is satisfied by the concrete event types only, so each one maps to
// a single kind.
type Variant interface {
	Start | Begin | End | Error | Results | PartialResults | VolumeChanged | AudioBuffer | NativeEvent
	Event
}

// Start reports that a recognition session has begun.
type Start struct{}

// Begin reports that the user started speaking in the active session.
type Begin struct{}

// End reports that the session terminated.
type End struct{}

// Error reports a session failure.
type Error struct {
	Message string
}

// Results carries the final transcript of the current utterance.
type Results struct {
	Value string
}

// PartialResults carries an in-progress transcript. Value may be empty.
type PartialResults struct {
	Value string
}

// VolumeChanged carries an input level measurement on the capability's scale.
type VolumeChanged struct {
	Value float64
}

// AudioBuffer carries raw audio captured by the capability.
type AudioBuffer struct {
	Data []byte
}

// NativeEvent carries a capability-specific payload.
type NativeEvent struct {
	Payload json.RawMessage
}

func (Start) Kind() EventKind          { return KindStart }
func (Begin) Kind() EventKind          { return KindBegin }
func (End) Kind() EventKind            { return KindEnd }
func (Error) Kind() EventKind          { return KindError }
func (Results) Kind() EventKind        { return KindResults }
func (PartialResults) Kind() EventKind { return KindPartialResults }
func (VolumeChanged) Kind() EventKind  { return KindVolumeChanged }
func (AudioBuffer) Kind() EventKind    { return KindAudioBuffer }
func (NativeEvent) Kind() EventKind    { return KindEvent }

func (Start) isEvent()          {}
func (Begin) isEvent()          {}
func (End) isEvent()            {}
func (Error) isEvent()          {}
func (Results) isEvent()        {}
func (PartialResults) isEvent() {}
func (VolumeChanged) isEvent()  {}
func (AudioBuffer) isEvent()    {}
func (NativeEvent) isEvent()    {}
