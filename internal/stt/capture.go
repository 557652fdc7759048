package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loqalabs/loqa-persona/internal/config"
	"github.com/mattn/go-shellwords"
)

var (
	ErrAlreadyCapturing = errors.New("capture already running")
	ErrNotCapturing     = errors.New("capture not running")
)

// Capturer records microphone audio between Start and Stop by running a
// capture command that writes raw PCM to stdout. While recording it can
// transcribe the audio so far at a fixed interval.
type Capturer struct {
	args         []string
	cfg          config.STTConfig
	recognizer   Recognizer
	log          *slog.Logger
	partialEvery time.Duration

	mu     sync.Mutex
	active *capture
}

type capture struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	buffer   []byte
	readErr  error
	lastSize int
}

func NewCapturer(cfg config.STTConfig, recognizer Recognizer, log *slog.Logger) (*Capturer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.CaptureCommand)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.FrameSamples <= 0 {
		cfg.FrameSamples = 3200
	}
	return &Capturer{
		args:         args,
		cfg:          cfg,
		recognizer:   recognizer,
		log:          log.With(slog.String("component", "stt-capture")),
		partialEvery: time.Duration(cfg.PartialEveryMS) * time.Millisecond,
	}, nil
}

// Active reports whether a recording is in progress.
func (c *Capturer) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// Start launches the capture command. onPartial, when non-nil and interim
// results are enabled, receives transcripts of the audio recorded so far.
func (c *Capturer) Start(ctx context.Context, onPartial func(TranscriptResult)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return ErrAlreadyCapturing
	}

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, c.args[0], c.args[1:]...)
	cmd.WaitDelay = time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("capture stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start capture: %w", err)
	}

	cp := &capture{cmd: cmd, cancel: cancel}
	cp.wg.Add(1)
	go c.read(cp, stdout)
	if onPartial != nil && c.cfg.PublishInterim && c.partialEvery > 0 {
		cp.wg.Add(1)
		go c.partials(runCtx, cp, onPartial)
	}
	c.active = cp
	c.log.Info("capture started", slog.Int("sample_rate", c.cfg.SampleRate), slog.Int("channels", c.cfg.Channels))
	return nil
}

// Stop ends the recording and transcribes everything captured.
func (c *Capturer) Stop(ctx context.Context) (TranscriptResult, error) {
	c.mu.Lock()
	cp := c.active
	c.active = nil
	c.mu.Unlock()
	if cp == nil {
		return TranscriptResult{}, ErrNotCapturing
	}

	cp.cancel()
	// Wait closes stdout once the process is gone, which ends the reader.
	_ = cp.cmd.Wait()
	cp.wg.Wait()

	cp.mu.Lock()
	pcm := cp.buffer
	readErr := cp.readErr
	cp.mu.Unlock()
	if readErr != nil {
		c.log.Warn("capture read ended with error", slogError(readErr))
	}
	c.log.Info("capture stopped", slog.Int("bytes", len(pcm)))
	if len(pcm) == 0 {
		return TranscriptResult{}, nil
	}
	return c.recognizer.Transcribe(ctx, pcm, c.cfg.SampleRate, c.cfg.Channels, true)
}

func (c *Capturer) read(cp *capture, r io.Reader) {
	defer cp.wg.Done()
	frame := make([]byte, c.cfg.FrameSamples*c.cfg.Channels*2)
	for {
		n, err := io.ReadFull(r, frame)
		if n > 0 {
			cp.mu.Lock()
			cp.buffer = append(cp.buffer, frame[:n]...)
			cp.mu.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, os.ErrClosed) {
				cp.mu.Lock()
				cp.readErr = err
				cp.mu.Unlock()
			}
			return
		}
	}
}

func (c *Capturer) partials(ctx context.Context, cp *capture, onPartial func(TranscriptResult)) {
	defer cp.wg.Done()
	ticker := time.NewTicker(c.partialEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cp.mu.Lock()
		if len(cp.buffer) == cp.lastSize {
			cp.mu.Unlock()
			continue
		}
		pcm := append([]byte(nil), cp.buffer...)
		cp.lastSize = len(pcm)
		cp.mu.Unlock()

		result, err := c.recognizer.Transcribe(ctx, pcm, c.cfg.SampleRate, c.cfg.Channels, false)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn("partial transcription failed", slogError(err))
			}
			continue
		}
		if result.Text != "" {
			onPartial(result)
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
