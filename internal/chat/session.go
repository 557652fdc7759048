package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-persona/internal/history"
	"github.com/loqalabs/loqa-persona/internal/knowledge"
	"github.com/loqalabs/loqa-persona/internal/llm"
	"github.com/loqalabs/loqa-persona/internal/speech"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrTurnInFlight is returned when a message arrives while a turn is running.
	ErrTurnInFlight = errors.New("a chat turn is already in progress")
	ErrEmptyMessage = errors.New("message is empty")
)

// Display receives what the user should see. Calls for one turn arrive in
// order from a single goroutine.
type Display interface {
	Fragment(turnID, text string)
	TurnCompleted(result Result)
}

type HistoryStore interface {
	Append(ctx context.Context, threadID string, msgs ...history.Message) error
	List(ctx context.Context, threadID string) ([]history.Message, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]knowledge.Passage, error)
}

type KnowledgeWriter interface {
	AddTexts(ctx context.Context, texts []string, source string) ([]string, error)
}

type Dispatcher interface {
	Enabled() bool
	Submit(ctx context.Context, job speech.Job)
}

// Deps are the collaborators of a Session. Retriever, Knowledge, Dispatcher and
// Display may be nil.
type Deps struct {
	Generator  llm.Generator
	History    HistoryStore
	Retriever  Retriever
	Knowledge  KnowledgeWriter
	Dispatcher Dispatcher
	Display    Display
}

type Options struct {
	ThreadID      string
	UserName      string
	SystemPrompt  string
	NoContextNote string
	// StoreTurns adds both sides of every finished turn to the knowledge store.
	StoreTurns  bool
	Model       string
	MaxTokens   int
	Temperature float64
}

// Result describes a finished turn. Err carries a generation failure or
// cancellation; the turn itself still completes.
type Result struct {
	TurnID    string
	ThreadID  string
	Reply     string
	Context   []knowledge.Passage
	Sentences int
	Duration  time.Duration
	Err       error
}

// Session runs chat turns for one conversation thread, one at a time.
type Session struct {
	opts   Options
	deps   Deps
	log    *slog.Logger
	tracer trace.Tracer
	turns  metric.Int64Counter

	mu     sync.Mutex
	busy   bool
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// speech scopes synthesis jobs. It outlives the turn that submitted them
	// and ends only on Cancel.
	speech     context.Context
	stopSpeech context.CancelFunc
}

// NewSession creates a session for opts.ThreadID. Nothing runs until Send or Turn.
func NewSession(opts Options, deps Deps, log *slog.Logger) *Session {
	s := &Session{
		opts:   opts,
		deps:   deps,
		log:    log.With(slog.String("component", "chat"), slog.String("thread_id", opts.ThreadID)),
		tracer: otel.Tracer("github.com/loqalabs/loqa-persona/chat"),
	}
	s.speech, s.stopSpeech = context.WithCancel(context.Background())
	var err error
	meter := otel.Meter("github.com/loqalabs/loqa-persona/chat")
	if s.turns, err = meter.Int64Counter("persona.chat.turns", metric.WithDescription("Completed chat turns")); err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
		s.turns, _ = noop.NewMeterProvider().Meter("").Int64Counter("persona.chat.turns")
	}
	return s
}

// ThreadID is the conversation this session writes to.
func (s *Session) ThreadID() string {
	return s.opts.ThreadID
}

// Busy reports whether a turn is running.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Send starts a turn in the background and returns its id. Progress and the
// final result go to the Display.
func (s *Session) Send(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	turnCtx, err := s.begin(ctx)
	if err != nil {
		return "", err
	}
	turnID := uuid.NewString()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.end()
		s.run(turnCtx, turnID, text)
	}()
	return turnID, nil
}

// Turn runs a turn to completion on the calling goroutine.
func (s *Session) Turn(ctx context.Context, text string) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, ErrEmptyMessage
	}
	turnCtx, err := s.begin(ctx)
	if err != nil {
		return Result{}, err
	}
	defer s.end()
	return s.run(turnCtx, uuid.NewString(), text), nil
}

// Cancel stops the running turn, if any, and abandons the synthesis it
// queued. Sentences not yet handed to the dispatcher are dropped.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	stopSpeech := s.stopSpeech
	s.speech, s.stopSpeech = context.WithCancel(context.Background())
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	stopSpeech()
}

func (s *Session) speechContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speech
}

// Wait blocks until background turns started with Send have finished.
func (s *Session) Wait() {
	s.wg.Wait()
}

func (s *Session) begin(ctx context.Context) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return nil, ErrTurnInFlight
	}
	turnCtx, cancel := context.WithCancel(ctx)
	s.busy = true
	s.cancel = cancel
	return turnCtx, nil
}

func (s *Session) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.busy = false
	s.cancel = nil
}

func (s *Session) run(ctx context.Context, turnID, text string) Result {
	start := time.Now()
	log := s.log.With(slog.String("turn_id", turnID))
	ctx, span := s.tracer.Start(ctx, "chat.turn", trace.WithAttributes(
		attribute.String("persona.turn_id", turnID),
		attribute.String("persona.thread_id", s.opts.ThreadID),
	))
	defer span.End()

	result := Result{TurnID: turnID, ThreadID: s.opts.ThreadID}
	result.Context = s.retrieve(ctx, text, log)
	result.Reply, result.Sentences, result.Err = s.generate(ctx, turnID, text, result.Context, log)

	// Persistence outlives cancellation so a stopped turn still leaves its
	// partial reply in history.
	persistCtx := context.WithoutCancel(ctx)
	s.remember(persistCtx, text, result.Reply, log)

	result.Duration = time.Since(start)
	outcome := "ok"
	if result.Err != nil {
		outcome = "error"
		if errors.Is(result.Err, context.Canceled) {
			outcome = "cancelled"
		}
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Error())
	}
	s.turns.Add(persistCtx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	log.Info("chat turn completed",
		slog.String("outcome", outcome),
		slog.Int("context_passages", len(result.Context)),
		slog.Int("sentences", result.Sentences),
		slog.Duration("duration", result.Duration),
	)
	if s.deps.Display != nil {
		s.deps.Display.TurnCompleted(result)
	}
	return result
}

func (s *Session) retrieve(ctx context.Context, query string, log *slog.Logger) []knowledge.Passage {
	if s.deps.Retriever == nil {
		return nil
	}
	ctx, span := s.tracer.Start(ctx, "chat.retrieve")
	defer span.End()

	passages, err := s.deps.Retriever.Retrieve(ctx, query)
	if err != nil {
		if errors.Is(err, knowledge.ErrEmptyStore) {
			log.Debug("knowledge store empty")
		} else {
			log.Warn("retrieval failed", slogError(err))
			span.RecordError(err)
		}
		return nil
	}
	span.SetAttributes(attribute.Int("persona.context_passages", len(passages)))
	if len(passages) == 0 {
		log.Debug("no relevant context found")
	}
	return passages
}

func (s *Session) generate(ctx context.Context, turnID, text string, passages []knowledge.Passage, log *slog.Logger) (string, int, error) {
	ctx, span := s.tracer.Start(ctx, "chat.generate")
	defer span.End()

	past, err := s.deps.History.List(ctx, s.opts.ThreadID)
	if err != nil {
		log.Warn("failed to load history", slogError(err))
		past = nil
	}
	messages := BuildMessages(s.opts, passages, past, text)

	req := llm.Request{
		SessionID:   s.opts.ThreadID,
		Messages:    messages,
		Model:       s.opts.Model,
		MaxTokens:   s.opts.MaxTokens,
		Temperature: s.opts.Temperature,
		TraceID:     span.SpanContext().TraceID().String(),
	}

	var (
		reply strings.Builder
		acc   speech.Accumulator
		jobID int
	)
	speak := s.deps.Dispatcher != nil && s.deps.Dispatcher.Enabled()
	speechCtx := s.speechContext()
	submit := func(chunk string) {
		jobID++
		s.deps.Dispatcher.Submit(speechCtx, speech.Job{ID: jobID, TurnID: turnID, Text: chunk})
	}

	genErr := s.deps.Generator.Generate(ctx, req, func(chunk llm.Chunk) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if chunk.Content == "" {
			return nil
		}
		reply.WriteString(chunk.Content)
		if s.deps.Display != nil {
			s.deps.Display.Fragment(turnID, chunk.Content)
		}
		if sentence, ok := acc.Feed(chunk.Content); ok && speak {
			submit(sentence)
		}
		return nil
	})
	if genErr == nil && ctx.Err() != nil {
		genErr = ctx.Err()
	}

	if genErr != nil {
		acc.Reset()
		if errors.Is(genErr, context.Canceled) {
			log.Info("generation cancelled")
		} else {
			log.Warn("generation failed", slogError(genErr))
		}
		span.RecordError(genErr)
		return reply.String(), jobID, fmt.Errorf("generate: %w", genErr)
	}
	if rest, ok := acc.Flush(); ok && speak {
		submit(rest)
	}
	return reply.String(), jobID, nil
}

func (s *Session) remember(ctx context.Context, userText, reply string, log *slog.Logger) {
	msgs := []history.Message{{Role: llm.RoleUser, Content: userText}}
	if reply != "" {
		msgs = append(msgs, history.Message{Role: llm.RoleAssistant, Content: reply})
	}
	if err := s.deps.History.Append(ctx, s.opts.ThreadID, msgs...); err != nil {
		log.Warn("failed to append history", slogError(err))
	}

	if !s.opts.StoreTurns || s.deps.Knowledge == nil {
		return
	}
	texts := []string{userText}
	if reply != "" {
		texts = append(texts, reply)
	}
	if _, err := s.deps.Knowledge.AddTexts(ctx, texts, "conversation:"+s.opts.ThreadID); err != nil {
		log.Warn("failed to store turn in knowledge base", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
