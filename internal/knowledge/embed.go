package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-persona/internal/config"
)

// Embedder turns texts into vectors. The result has one vector per input, in
// input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// NewEmbedder builds the embedder selected by cfg.EmbeddingMode.
func NewEmbedder(cfg config.KnowledgeConfig) (Embedder, error) {
	switch cfg.EmbeddingMode {
	case "openai":
		client := &http.Client{Timeout: 60 * time.Second}
		return NewOpenAIEmbedder(cfg.EmbeddingEndpoint, cfg.EmbeddingAPIKey, cfg.EmbeddingModel, cfg.EmbeddingBatch, client), nil
	case "", "mock":
		return NewHashEmbedder(256), nil
	default:
		return nil, fmt.Errorf("unsupported embedding mode %q", cfg.EmbeddingMode)
	}
}

type openAIEmbedder struct {
	endpoint string
	apiKey   string
	model    string
	batch    int
	client   *http.Client
}

// NewOpenAIEmbedder calls an OpenAI-compatible /embeddings endpoint, sending at
// most batch inputs per request.
func NewOpenAIEmbedder(endpoint, apiKey, model string, batch int, client *http.Client) Embedder {
	if batch <= 0 {
		batch = 25
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &openAIEmbedder{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		model:    model,
		batch:    batch,
		client:   client,
	}
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (e *openAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batch {
		end := start + e.batch
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (e *openAIEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embeddings returned status %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	}
	var decoded embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode embeddings: %w", err)
	}
	if len(decoded.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings returned %d vectors for %d inputs", len(decoded.Data), len(texts))
	}
	vectors := make([][]float32, len(texts))
	for _, item := range decoded.Data {
		if item.Index < 0 || item.Index >= len(texts) {
			return nil, fmt.Errorf("embedding index %d out of range", item.Index)
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}

// hashEmbedder maps character unigrams and bigrams into a fixed number of
// buckets. It needs no network and gives overlapping texts similar vectors.
type hashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) Embedder {
	if dim <= 0 {
		dim = 256
	}
	return &hashEmbedder{dim: dim}
}

func (h *hashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(text)
	}
	return out, nil
}

func (h *hashEmbedder) vector(text string) []float32 {
	vec := make([]float32, h.dim)
	runes := []rune(strings.ToLower(text))
	add := func(gram string) {
		hasher := fnv.New32a()
		_, _ = hasher.Write([]byte(gram))
		vec[hasher.Sum32()%uint32(h.dim)]++
	}
	for i, r := range runes {
		if isSpaceOrPunct(r) {
			continue
		}
		add(string(r))
		if i+1 < len(runes) && !isSpaceOrPunct(runes[i+1]) {
			add(string(runes[i : i+2]))
		}
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

func isSpaceOrPunct(r rune) bool {
	return strings.ContainsRune(" \t\r\n，。！？、；：「」“”‘’（）,.!?;:'\"()", r)
}
