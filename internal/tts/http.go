package tts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-persona/internal/config"
)

// errorBodyLimit caps how much of a failed response is kept for logging.
const errorBodyLimit = 512

type httpSynth struct {
	endpoint string
	params   url.Values
	client   *http.Client
}

// NewHTTPSynth builds a client for a GPT-SoVITS style /tts endpoint. Every
// request carries the same reference voice and tuning parameters; only the
// sentence text varies.
func NewHTTPSynth(cfg config.TTSConfig) (Synthesizer, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("tts endpoint empty")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("parse tts endpoint: %w", err)
	}
	refPath := cfg.RefAudioPath
	if refPath != "" {
		abs, err := filepath.Abs(refPath)
		if err != nil {
			return nil, fmt.Errorf("resolve reference audio: %w", err)
		}
		refPath = abs
	}

	params := url.Values{}
	params.Set("text_lang", cfg.TextLang)
	params.Set("ref_audio_path", refPath)
	params.Set("prompt_lang", cfg.PromptLang)
	params.Set("text_split_method", cfg.TextSplitMethod)
	params.Set("streaming_mode", "false")
	params.Set("batch_size", strconv.Itoa(cfg.BatchSize))
	params.Set("speed_factor", strconv.FormatFloat(cfg.SpeedFactor, 'f', -1, 64))

	return &httpSynth{
		endpoint: cfg.Endpoint,
		params:   params,
		// No client timeout: a hung call only delays its own sentence.
		client: &http.Client{},
	}, nil
}

func (h *httpSynth) Synthesize(ctx context.Context, req SynthRequest) ([]byte, error) {
	query := url.Values{}
	for k, v := range h.params {
		query[k] = v
	}
	query.Set("text", req.Text)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read tts response: %w", err)
	}
	return audio, nil
}
