package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, req Request) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	mode := "partial"
	if req.Final {
		mode = "final"
	}
	return TranscriptResult{
		Text:       fmt.Sprintf("[%s %s transcript length=%d]", req.Language, mode, len(req.PCM)),
		Confidence: 0,
	}, nil
}
