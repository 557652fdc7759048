package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-persona/internal/config"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes a chat completion call.
type Request struct {
	SessionID   string
	Messages    []Message
	Model       string
	MaxTokens   int
	Temperature float64
	TraceID     string
}

// Chunk represents streamed model output.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// Generator defines a pluggable LLM backend. Generate calls consumer once per
// streamed fragment, in order, and a last time with Partial false.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// RequestFromConfig fills model settings from config.
func RequestFromConfig(cfg config.LLMConfig, messages []Message) Request {
	return Request{
		Messages:    messages,
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
}

// NewGenerator builds the backend selected by cfg.Mode.
func NewGenerator(cfg config.LLMConfig) (Generator, error) {
	client := &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}
	switch cfg.Mode {
	case "openai":
		return NewOpenAIGenerator(cfg.Endpoint, cfg.APIKey, client), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model, client), nil
	case "", "mock":
		return NewMockGenerator("", 20*time.Millisecond), nil
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}

func lastUserMessage(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
