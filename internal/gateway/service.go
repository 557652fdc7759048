package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-persona/internal/bus"
	"github.com/loqalabs/loqa-persona/internal/chat"
	"github.com/loqalabs/loqa-persona/internal/protocol"
	"github.com/loqalabs/loqa-persona/internal/speech"
	"github.com/loqalabs/loqa-persona/internal/stt"
	"github.com/nats-io/nats.go"
)

// ChatSession is the part of chat.Session the gateway drives.
type ChatSession interface {
	Send(ctx context.Context, text string) (string, error)
	Cancel()
	ThreadID() string
}

// Capturer is the part of stt.Capturer the gateway drives.
type Capturer interface {
	Start(ctx context.Context, onPartial func(stt.TranscriptResult)) error
	Stop(ctx context.Context) (stt.TranscriptResult, error)
	Active() bool
}

// Service exposes a chat session on the bus. It also acts as the session's
// display and the playback hooks, publishing what a UI would render.
type Service struct {
	bus    *bus.Client
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	session ChatSession
	capture Capturer
	subs    []*nats.Subscription
}

type route struct {
	subject string
	handler nats.MsgHandler
}

type requestReply struct {
	TurnID string `json:"turn_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

func NewService(parent context.Context, busClient *bus.Client, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:    busClient,
		logger: logger.With(slog.String("component", "gateway")),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Bind sets the session and optional capturer. Call before Start.
func (s *Service) Bind(session ChatSession, capture Capturer) {
	s.session = session
	s.capture = capture
}

func (s *Service) Start() error {
	if s.session == nil {
		return errors.New("gateway has no chat session")
	}
	handlers := []route{
		{protocol.SubjectChatRequest, s.handleChatRequest},
		{protocol.SubjectChatCancel, s.handleCancel},
	}
	if s.capture != nil {
		handlers = append(handlers, route{protocol.SubjectSTTControl, s.handleSTTControl})
	}
	for _, h := range handlers {
		sub, err := s.bus.Conn().Subscribe(h.subject, h.handler)
		if err != nil {
			s.drain()
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.drain()
	s.wg.Wait()
}

func (s *Service) drain() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	return s.session != nil && len(s.subs) > 0 && s.bus.Healthy()
}

func (s *Service) handleChatRequest(msg *nats.Msg) {
	var req protocol.ChatRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("gateway failed to decode chat request", slogError(err))
		s.reply(msg, requestReply{Error: "invalid request"})
		return
	}
	if req.ThreadID != "" && req.ThreadID != s.session.ThreadID() {
		s.rejectRequest(msg, req, fmt.Errorf("unknown thread %q", req.ThreadID))
		return
	}

	turnID, err := s.session.Send(s.ctx, req.Text)
	if err != nil {
		s.rejectRequest(msg, req, err)
		return
	}
	s.logger.Info("chat turn started", slog.String("turn_id", turnID), slog.String("request_id", req.RequestID))
	s.reply(msg, requestReply{TurnID: turnID})
}

func (s *Service) rejectRequest(msg *nats.Msg, req protocol.ChatRequest, err error) {
	if errors.Is(err, chat.ErrTurnInFlight) {
		s.logger.Info("chat request rejected while busy", slog.String("request_id", req.RequestID))
	} else {
		s.logger.Warn("chat request rejected", slog.String("request_id", req.RequestID), slogError(err))
	}
	s.publish(protocol.SubjectChatError, protocol.ChatError{
		RequestID: req.RequestID,
		ThreadID:  s.session.ThreadID(),
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	})
	s.reply(msg, requestReply{Error: err.Error()})
}

func (s *Service) handleCancel(msg *nats.Msg) {
	s.session.Cancel()
	s.reply(msg, requestReply{})
}

func (s *Service) handleSTTControl(msg *nats.Msg) {
	var ctl protocol.STTControl
	if err := json.Unmarshal(msg.Data, &ctl); err != nil {
		s.logger.Warn("gateway failed to decode stt control", slogError(err))
		return
	}
	switch ctl.Action {
	case protocol.STTActionStart:
		err := s.capture.Start(s.ctx, func(r stt.TranscriptResult) {
			s.publishTranscript(r, false)
		})
		if err != nil {
			s.logger.Warn("failed to start capture", slogError(err))
			s.reply(msg, requestReply{Error: err.Error()})
			return
		}
		s.reply(msg, requestReply{})
	case protocol.STTActionStop:
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
			defer cancel()
			result, err := s.capture.Stop(ctx)
			if err != nil {
				s.logger.Warn("stt transcription failed", slogError(err))
				s.reply(msg, requestReply{Error: err.Error()})
				return
			}
			s.publishTranscript(result, true)
			s.reply(msg, requestReply{})
		}()
	default:
		s.logger.Warn("unknown stt action", slog.String("action", ctl.Action))
	}
}

func (s *Service) publishTranscript(result stt.TranscriptResult, final bool) {
	if result.Text == "" {
		return
	}
	subject := protocol.SubjectTranscriptPartial
	if final {
		subject = protocol.SubjectTranscriptFinal
	}
	s.publish(subject, protocol.Transcript{
		SessionID:  s.session.ThreadID(),
		Text:       result.Text,
		Partial:    !final,
		Timestamp:  time.Now().UTC(),
		Confidence: result.Confidence,
	})
}

// Fragment implements chat.Display.
func (s *Service) Fragment(turnID, text string) {
	s.publish(protocol.SubjectChatFragment, protocol.ChatFragment{
		TurnID:    turnID,
		ThreadID:  s.session.ThreadID(),
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
}

// TurnCompleted implements chat.Display.
func (s *Service) TurnCompleted(result chat.Result) {
	msg := protocol.ChatCompleted{
		TurnID:          result.TurnID,
		ThreadID:        result.ThreadID,
		Reply:           result.Reply,
		ContextPassages: len(result.Context),
		Sentences:       result.Sentences,
		DurationMS:      result.Duration.Milliseconds(),
		Timestamp:       time.Now().UTC(),
	}
	if result.Err != nil {
		msg.Error = result.Err.Error()
	}
	s.publish(protocol.SubjectChatCompleted, msg)
}

// PlaybackStarted and PlaybackFinished are wired as playback hooks.
func (s *Service) PlaybackStarted(a speech.Artifact) {
	s.publish(protocol.SubjectPlaybackStarted, protocol.PlaybackEvent{
		TurnID:    a.TurnID,
		JobID:     a.JobID,
		Text:      a.Text,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Service) PlaybackFinished(a speech.Artifact, err error) {
	evt := protocol.PlaybackEvent{
		TurnID:    a.TurnID,
		JobID:     a.JobID,
		Text:      a.Text,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		evt.Error = err.Error()
	}
	s.publish(protocol.SubjectPlaybackFinished, evt)
}

func (s *Service) publish(subject string, v any) {
	if err := s.bus.PublishJSON(subject, v); err != nil {
		s.logger.Warn("gateway publish failed", slog.String("subject", subject), slogError(err))
	}
}

func (s *Service) reply(msg *nats.Msg, v requestReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("gateway reply failed", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
