package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

// NewMockRecognizer reports how much audio it was given instead of words.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, _ int, final bool) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	mode := "partial"
	if final {
		mode = "final"
	}
	seconds := 0.0
	if sampleRate > 0 {
		seconds = float64(len(pcm)/2) / float64(sampleRate)
	}
	return TranscriptResult{
		Text: fmt.Sprintf("[%s transcript length=%d seconds=%.1f]", mode, len(pcm), seconds),
	}, nil
}
