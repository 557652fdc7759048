package stt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-persona/internal/config"
	"github.com/mattn/go-shellwords"
)

// Tokens substituted into the recognizer command. Without {audio} the
// standard --audio/--model/--language flags are appended instead.
const (
	audioToken    = "{audio}"
	modelToken    = "{model}"
	languageToken = "{language}"
)

// execRecognizer hands each utterance to a local recognition program as a WAV
// file. The program prints one JSON object per line; the last one with a
// "text" field wins, so streaming recognizers that report progress work too.
type execRecognizer struct {
	args []string
	cfg  config.STTConfig

	// One recognition at a time; partial and final passes share the model.
	mu sync.Mutex
}

type recognizerLine struct {
	Text       *string `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	args, err := shellwords.NewParser().Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("stt command is empty")
	}
	return &execRecognizer{args: args, cfg: cfg}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	clip, err := os.CreateTemp("", "persona_stt_*.wav")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("create utterance file: %w", err)
	}
	defer os.Remove(clip.Name())
	err = encodeWAV(clip, pcm, sampleRate, channels)
	if closeErr := clip.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return TranscriptResult{}, err
	}

	name, args := r.commandLine(clip.Name(), final)
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return TranscriptResult{}, fmt.Errorf("recognizer failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseRecognizerOutput(&stdout)
}

func (r *execRecognizer) commandLine(audioPath string, final bool) (string, []string) {
	replacer := strings.NewReplacer(audioToken, audioPath, modelToken, r.cfg.ModelPath, languageToken, r.cfg.Language)
	templated := false
	args := make([]string, 0, len(r.args)+7)
	for _, arg := range r.args[1:] {
		if strings.Contains(arg, audioToken) {
			templated = true
		}
		args = append(args, replacer.Replace(arg))
	}
	if !templated {
		args = append(args, "--audio", audioPath)
		if r.cfg.ModelPath != "" {
			args = append(args, "--model", r.cfg.ModelPath)
		}
		if r.cfg.Language != "" {
			args = append(args, "--language", r.cfg.Language)
		}
	}
	if !final {
		args = append(args, "--partial")
	}
	return r.args[0], args
}

func parseRecognizerOutput(out io.Reader) (TranscriptResult, error) {
	var (
		result TranscriptResult
		found  bool
		raw    strings.Builder
	)
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if raw.Len() < 200 {
			raw.Write(line)
		}
		var parsed recognizerLine
		if err := json.Unmarshal(line, &parsed); err != nil || parsed.Text == nil {
			continue
		}
		result = TranscriptResult{Text: strings.TrimSpace(*parsed.Text), Confidence: parsed.Confidence}
		found = true
	}
	if err := scanner.Err(); err != nil {
		return TranscriptResult{}, fmt.Errorf("read recognizer output: %w", err)
	}
	if !found {
		return TranscriptResult{}, fmt.Errorf("recognizer printed no transcript: %q", raw.String())
	}
	return result, nil
}

// encodeWAV writes signed 16-bit little-endian PCM as a WAV stream.
func encodeWAV(w io.WriteSeeker, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm has odd length %d", len(pcm))
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}); err != nil {
		return fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finish wav: %w", err)
	}
	return nil
}
