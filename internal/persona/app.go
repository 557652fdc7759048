package persona

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/loqa-persona/internal/chat"
	"github.com/loqalabs/loqa-persona/internal/config"
	"github.com/loqalabs/loqa-persona/internal/history"
	"github.com/loqalabs/loqa-persona/internal/knowledge"
	"github.com/loqalabs/loqa-persona/internal/llm"
	"github.com/loqalabs/loqa-persona/internal/playback"
	"github.com/loqalabs/loqa-persona/internal/speech"
	"github.com/loqalabs/loqa-persona/internal/stt"
	"github.com/loqalabs/loqa-persona/internal/tts"
)

// App holds the assembled conversation pipeline: history, knowledge, model,
// synthesis, playback and optional speech capture.
type App struct {
	Config     config.Config
	History    *history.Store
	Knowledge  *knowledge.Store
	Retriever  *knowledge.Retriever
	Dispatcher *speech.Dispatcher
	Sequencer  *playback.Sequencer
	Session    *chat.Session
	Capturer   *stt.Capturer

	log *slog.Logger
}

type BuildOptions struct {
	Display chat.Display
	Hooks   playback.Hooks
}

// Build wires every component from cfg. Missing required resources abort.
func Build(ctx context.Context, cfg config.Config, opts BuildOptions, log *slog.Logger) (*App, error) {
	prompt, err := os.ReadFile(cfg.Persona.PromptPath)
	if err != nil {
		return nil, fmt.Errorf("read persona prompt: %w", err)
	}

	app := &App{Config: cfg, log: log.With(slog.String("component", "persona"))}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	app.History, err = history.Open(ctx, cfg.History, log)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}

	if cfg.Knowledge.Enabled {
		embedder, err := knowledge.NewEmbedder(cfg.Knowledge)
		if err != nil {
			return nil, err
		}
		app.Knowledge, err = knowledge.Open(ctx, cfg.Knowledge.Path, embedder, log)
		if err != nil {
			return nil, fmt.Errorf("open knowledge store: %w", err)
		}
		app.Retriever = knowledge.NewRetriever(app.Knowledge, cfg.Knowledge.TopK, cfg.Knowledge.MinRelevance)
	}

	generator, err := llm.NewGenerator(cfg.LLM)
	if err != nil {
		return nil, err
	}

	var synth tts.Synthesizer
	if cfg.TTS.Enabled {
		synth, err = newSynthesizer(cfg.TTS)
		if err != nil {
			return nil, err
		}
		player, err := playback.NewPlayer(cfg.Playback)
		if err != nil {
			return nil, err
		}
		app.Sequencer = playback.NewSequencer(player, playback.Options{
			Enabled:         true,
			CleanupInterval: time.Duration(cfg.Playback.CleanupIntervalMS) * time.Millisecond,
			Hooks:           opts.Hooks,
		}, log)
	}

	var receiver speech.Receiver
	if app.Sequencer != nil {
		receiver = app.Sequencer
	}
	app.Dispatcher = speech.NewDispatcher(speech.DispatcherOptions{
		Enabled:  cfg.TTS.Enabled,
		Workers:  cfg.TTS.Workers,
		TempDir:  cfg.TTS.TempDir,
		Receiver: receiver,
	}, synth, log)

	deps := chat.Deps{
		Generator:  generator,
		History:    app.History,
		Dispatcher: app.Dispatcher,
		Display:    opts.Display,
	}
	if app.Retriever != nil {
		deps.Retriever = app.Retriever
		deps.Knowledge = app.Knowledge
	}
	app.Session = chat.NewSession(chat.Options{
		ThreadID:      cfg.Persona.ThreadID,
		UserName:      cfg.Persona.UserName,
		SystemPrompt:  strings.TrimSpace(string(prompt)),
		NoContextNote: cfg.Persona.NoContextNote,
		StoreTurns:    cfg.Knowledge.StoreTurns,
		Model:         cfg.LLM.Model,
		MaxTokens:     cfg.LLM.MaxTokens,
		Temperature:   cfg.LLM.Temperature,
	}, deps, log)

	if cfg.STT.Enabled {
		recognizer, err := stt.NewRecognizer(cfg.STT)
		if err != nil {
			return nil, err
		}
		app.Capturer, err = stt.NewCapturer(cfg.STT, recognizer, log)
		if err != nil {
			return nil, err
		}
	}

	app.log.Info("persona ready",
		slog.String("name", cfg.Persona.Name),
		slog.String("thread_id", cfg.Persona.ThreadID),
		slog.String("llm_mode", cfg.LLM.Mode),
		slog.Bool("tts", cfg.TTS.Enabled),
		slog.Bool("knowledge", cfg.Knowledge.Enabled),
		slog.Bool("stt", cfg.STT.Enabled),
	)
	ok = true
	return app, nil
}

func newSynthesizer(cfg config.TTSConfig) (tts.Synthesizer, error) {
	switch cfg.Mode {
	case "http":
		return tts.NewHTTPSynth(cfg)
	case "", "mock":
		return tts.NewMockSynth(50 * time.Millisecond), nil
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}

// Healthy reports whether the pipeline can take turns.
func (a *App) Healthy() bool {
	return a != nil && a.Session != nil
}

// Close cancels any running turn, lets in-flight synthesis settle and
// releases every resource. Temp audio files are removed.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.Session != nil {
		a.Session.Cancel()
		a.Session.Wait()
	}
	if a.Capturer != nil && a.Capturer.Active() {
		if _, err := a.Capturer.Stop(context.Background()); err != nil && !errors.Is(err, stt.ErrNotCapturing) {
			a.log.Warn("failed to stop capture", slogError(err))
		}
	}
	if a.Dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.Dispatcher.Wait(ctx); err != nil {
			a.log.Warn("synthesis still running at shutdown", slogError(err))
		}
		cancel()
	}
	if a.Sequencer != nil {
		a.Sequencer.Close()
	}
	if a.Knowledge != nil {
		if err := a.Knowledge.Close(); err != nil {
			a.log.Warn("failed to close knowledge store", slogError(err))
		}
	}
	if a.History != nil {
		if err := a.History.Close(); err != nil {
			a.log.Warn("failed to close history", slogError(err))
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
