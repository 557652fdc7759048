package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-persona/internal/config"
)

func collect(t *testing.T, g Generator, req Request) (string, []Chunk, error) {
	t.Helper()
	var sb strings.Builder
	var chunks []Chunk
	err := g.Generate(context.Background(), req, func(c Chunk) error {
		sb.WriteString(c.Content)
		chunks = append(chunks, c)
		return nil
	})
	return sb.String(), chunks, err
}

func TestOpenAIGeneratorStreamsDeltas(t *testing.T) {
	var got openAIRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"你好", "，世界。", "再见"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":12,\"completion_tokens\":5}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	g := NewOpenAIGenerator(server.URL+"/v1/", "sk-test", server.Client())
	text, chunks, err := collect(t, g, Request{
		SessionID: "s1",
		Model:     "qwen-plus",
		Messages:  []Message{{Role: RoleSystem, Content: "sys"}, {Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if text != "你好，世界。再见" {
		t.Fatalf("unexpected text %q", text)
	}
	if !got.Stream || got.Model != "qwen-plus" || len(got.Messages) != 2 {
		t.Fatalf("unexpected request %+v", got)
	}
	last := chunks[len(chunks)-1]
	if last.Partial || last.CompletionTokens != 5 || last.PromptTokens != 12 {
		t.Fatalf("unexpected final chunk %+v", last)
	}
	for _, c := range chunks[:len(chunks)-1] {
		if !c.Partial || c.SessionID != "s1" {
			t.Fatalf("unexpected partial chunk %+v", c)
		}
	}
}

func TestOpenAIGeneratorStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))
	defer server.Close()

	g := NewOpenAIGenerator(server.URL, "", server.Client())
	if _, _, err := collect(t, g, Request{}); err == nil || !strings.Contains(err.Error(), "invalid api key") {
		t.Fatalf("expected status error with body, got %v", err)
	}
}

func TestOpenAIGeneratorTruncatedStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"半\"}}]}\n\n")
	}))
	defer server.Close()

	g := NewOpenAIGenerator(server.URL, "", server.Client())
	text, _, err := collect(t, g, Request{})
	if err == nil {
		t.Fatal("expected error for stream without terminator")
	}
	if text != "半" {
		t.Fatalf("partial text should still reach the consumer, got %q", text)
	}
}

func TestOllamaGeneratorStreamsChat(t *testing.T) {
	var got ollamaRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hello"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":" there."},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"eval_count":3,"prompt_eval_count":9}`)
	}))
	defer server.Close()

	g := NewOllamaGenerator(server.URL, "qwen2.5", server.Client())
	text, chunks, err := collect(t, g, Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if text != "Hello there." {
		t.Fatalf("unexpected text %q", text)
	}
	if got.Model != "qwen2.5" || !got.Stream {
		t.Fatalf("unexpected request %+v", got)
	}
	last := chunks[len(chunks)-1]
	if last.Partial || last.CompletionTokens != 3 || last.PromptTokens != 9 {
		t.Fatalf("unexpected final chunk %+v", last)
	}
}

func TestMockGeneratorEchoesUser(t *testing.T) {
	g := NewMockGenerator("", 0)
	text, chunks, err := collect(t, g, Request{Messages: []Message{{Role: RoleUser, Content: "你好"}}})
	if err != nil {
		t.Fatal(err)
	}
	if text != "你说「你好」。我记下了。" {
		t.Fatalf("unexpected text %q", text)
	}
	if len(chunks) < 3 || chunks[len(chunks)-1].Partial {
		t.Fatalf("expected several partial chunks then a final one, got %d", len(chunks))
	}
}

func TestMockGeneratorHonoursCancel(t *testing.T) {
	g := NewMockGenerator("一二三四五六七八九十。", 0)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := g.Generate(ctx, Request{}, func(c Chunk) error {
		calls++
		cancel()
		return nil
	})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if calls != 1 {
		t.Fatalf("expected generation to stop after cancel, got %d chunks", calls)
	}
}

func TestNewGeneratorModes(t *testing.T) {
	for _, mode := range []string{"mock", "openai", "ollama"} {
		if _, err := NewGenerator(config.LLMConfig{Mode: mode, TimeoutMS: 1000}); err != nil {
			t.Fatalf("%s: %v", mode, err)
		}
	}
	if _, err := NewGenerator(config.LLMConfig{Mode: "gpt"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
