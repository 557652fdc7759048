package tts

import (
	"context"
	"fmt"
)

// SynthRequest contains parameters to synthesize speech for one sentence.
type SynthRequest struct {
	TurnID string
	JobID  int
	Text   string
}

// Synthesizer is the contract for producing audio. Implementations return the
// complete encoded audio file for the request.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) ([]byte, error)
}

// StatusError reports a non-200 answer from the synthesis endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("tts endpoint returned status %d", e.Code)
	}
	return fmt.Sprintf("tts endpoint returned status %d: %s", e.Code, e.Body)
}
