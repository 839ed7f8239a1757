package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-speech/internal/config"
)

// Request is one transcription job over the audio buffered for a session.
type Request struct {
	PCM        []byte
	SampleRate int
	Channels   int
	Language   string
	Final      bool
}

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, req Request) (TranscriptResult, error)
}

// New builds the backend selected by cfg.Mode.
func New(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}

// Available reports whether r can currently transcribe. Backends that expose
// a Healthy method are asked; others are assumed ready.
func Available(r Recognizer) bool {
	if r == nil {
		return false
	}
	if h, ok := r.(interface{ Healthy() bool }); ok {
		return h.Healthy()
	}
	return true
}
