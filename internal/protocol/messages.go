package protocol

import (
	"encoding/json"
	"time"
)

// AudioFrame represents PCM audio data streamed from edge devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// CommandRequest is the body of every engine command.
type CommandRequest struct {
	Language string `json:"language,omitempty"`
}

// CommandReply answers an engine command. Error holds the engine's failure
// reason verbatim; the other fields are only meaningful when it is empty.
type CommandReply struct {
	OK        bool     `json:"ok"`
	Language  string   `json:"language,omitempty"`
	Available bool     `json:"available,omitempty"`
	Languages []string `json:"languages,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// EventMessage carries one recognition event on the bus.
type EventMessage struct {
	Kind      string          `json:"kind"`
	SessionID string          `json:"session_id,omitempty"`
	Value     string          `json:"value,omitempty"`
	Message   string          `json:"message,omitempty"`
	Level     float64         `json:"level,omitempty"`
	Buffer    []byte          `json:"buffer,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// EngineAnnouncement advertises a recognition engine on the bus.
type EngineAnnouncement struct {
	NodeID    string    `json:"node_id"`
	Prefix    string    `json:"prefix"`
	Language  string    `json:"language"`
	Languages []string  `json:"languages"`
	Timestamp time.Time `json:"timestamp"`
}

// EngineHeartbeat keeps an announced engine marked healthy.
type EngineHeartbeat struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Failure reasons reported by engines.
const (
	ReasonAlreadyListening = "ALREADY_LISTENING"
	ReasonDestroyed        = "RECOGNIZER_DESTROYED"
	ReasonUnsupported      = "UNSUPPORTED_LOCALE"
	ReasonUnavailable      = "RECOGNITION_UNAVAILABLE"
	ReasonInvalidRequest   = "INVALID_REQUEST"
)

const (
	SubjectEngineAnnounce  = "ctrl.speech.announce"
	SubjectEngineHeartbeat = "ctrl.speech.heartbeat"
	SubjectEngineDiscover  = "ctrl.speech.discover"
)

// Command names, appended to "<prefix>.cmd.".
const (
	CommandStart       = "start"
	CommandStop        = "stop"
	CommandDestroy     = "destroy"
	CommandGetLanguage = "language.get"
	CommandSetLanguage = "language.set"
	CommandAvailable   = "available"
	CommandLanguages   = "languages"
	// CommandReset re-initializes a destroyed engine. It is not part of
	// speech.Native.
	CommandReset = "reset"
)

// Commands lists every command an engine answers.
func Commands() []string {
	return []string{
		CommandStart,
		CommandStop,
		CommandDestroy,
		CommandGetLanguage,
		CommandSetLanguage,
		CommandAvailable,
		CommandLanguages,
		CommandReset,
	}
}

// CommandSubject returns the request subject for command under prefix.
func CommandSubject(prefix, command string) string {
	return prefix + ".cmd." + command
}

// EventSubject returns the subject events of kind are published on.
func EventSubject(prefix, kind string) string {
	return prefix + ".event." + kind
}

// EventWildcard matches every event subject under prefix.
func EventWildcard(prefix string) string {
	return prefix + ".event.>"
}

// AudioFrameSubject returns the subject the engine under prefix receives
// frames from source on.
func AudioFrameSubject(prefix, source string) string {
	return prefix + ".audio." + source
}

// AudioFrameWildcard matches every frame subject under prefix.
func AudioFrameWildcard(prefix string) string {
	return prefix + ".audio.>"
}

// HeartbeatSubject returns the subject node publishes heartbeats on.
func HeartbeatSubject(nodeID string) string {
	return SubjectEngineHeartbeat + "." + nodeID
}
