package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct {
	reply string
	delay time.Duration
}

// NewMockGenerator streams reply a few runes at a time. An empty reply echoes
// the last user message.
func NewMockGenerator(reply string, delay time.Duration) Generator {
	return &mockGenerator{reply: reply, delay: delay}
}

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	content := m.reply
	if content == "" {
		content = "你说「" + strings.TrimSpace(lastUserMessage(req.Messages)) + "」。我记下了。"
	}
	start := time.Now()
	runes := []rune(content)
	for i := 0; i < len(runes); i += 3 {
		end := i + 3
		if end > len(runes) {
			end = len(runes)
		}
		if m.delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.delay):
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		if err := consumer(Chunk{
			SessionID: req.SessionID,
			Content:   string(runes[i:end]),
			Partial:   true,
			Latency:   time.Since(start),
			TraceID:   req.TraceID,
		}); err != nil {
			return err
		}
	}
	return consumer(Chunk{
		SessionID:        req.SessionID,
		Partial:          false,
		CompletionTokens: len(runes),
		Latency:          time.Since(start),
		TraceID:          req.TraceID,
	})
}
