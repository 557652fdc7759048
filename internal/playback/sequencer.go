package playback

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loqalabs/loqa-persona/internal/speech"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const defaultCleanupInterval = 5 * time.Second

// Hooks are called from the sequencer loop. They must return quickly.
type Hooks struct {
	OnStarted  func(speech.Artifact)
	OnFinished func(speech.Artifact, error)
}

// Options configures a Sequencer. A zero CleanupInterval means five seconds.
type Options struct {
	// Enabled false turns the sequencer into a sink that deletes every artifact.
	Enabled         bool
	CleanupInterval time.Duration
	Hooks           Hooks
}

// Sequencer plays synthesized artifacts one at a time in arrival order.
// All state lives in the run loop; other goroutines talk to it through inbox.
type Sequencer struct {
	player Player
	opts   Options
	log    *slog.Logger

	inbox  chan event
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	queueDepth metric.Int64UpDownCounter
}

type event interface{}

type enqueueEvent struct {
	artifact speech.Artifact
}

type finishedEvent struct {
	artifact speech.Artifact
	err      error
}

// NewSequencer starts the run loop. Call Close to stop it.
func NewSequencer(player Player, opts Options, log *slog.Logger) *Sequencer {
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sequencer{
		player: player,
		opts:   opts,
		log:    log.With(slog.String("component", "playback")),
		inbox:  make(chan event),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	meter := otel.Meter("github.com/loqalabs/loqa-persona/playback")
	var err error
	if s.queueDepth, err = meter.Int64UpDownCounter("persona.playback.queue_depth", metric.WithDescription("Artifacts waiting to be played")); err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
		s.queueDepth, _ = noop.NewMeterProvider().Meter("").Int64UpDownCounter("persona.playback.queue_depth")
	}

	s.wg.Add(1)
	go s.run()
	return s
}

// Deliver accepts a synthesis completion. Failed jobs are logged and skipped.
func (s *Sequencer) Deliver(c speech.Completion) {
	if c.Err != nil {
		s.log.Warn("tts job failed", slog.Int("job_id", c.Job.ID), slog.String("turn_id", c.Job.TurnID), slogError(c.Err))
		return
	}
	if c.Artifact == nil {
		return
	}
	s.Enqueue(*c.Artifact)
}

// Enqueue appends artifact to the play queue. After Close the file is deleted
// immediately.
func (s *Sequencer) Enqueue(artifact speech.Artifact) {
	if !s.opts.Enabled {
		removeFile(artifact.Path, s.log)
		return
	}
	if !s.post(enqueueEvent{artifact: artifact}) {
		removeFile(artifact.Path, s.log)
	}
}

func (s *Sequencer) post(ev event) bool {
	select {
	case s.inbox <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Close stops playback and deletes every file the sequencer still owns.
func (s *Sequencer) Close() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

func (s *Sequencer) run() {
	defer s.wg.Done()

	var (
		queue      []speech.Artifact
		current    *speech.Artifact
		stopPlay   context.CancelFunc
		played     = make(map[string]struct{})
		sweepTimer = time.NewTicker(s.opts.CleanupInterval)
	)
	defer sweepTimer.Stop()

	startNext := func() {
		if current != nil || len(queue) == 0 {
			return
		}
		next := queue[0]
		queue = queue[1:]
		s.queueDepth.Add(context.Background(), -1)
		current = &next

		var playCtx context.Context
		playCtx, stopPlay = context.WithCancel(s.ctx)
		s.log.Debug("playback started", slog.String("path", next.Path), slog.Int("job_id", next.JobID))
		if s.opts.Hooks.OnStarted != nil {
			s.opts.Hooks.OnStarted(next)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			err := s.player.Play(playCtx, next.Path)
			s.post(finishedEvent{artifact: next, err: err})
		}()
	}

	for {
		select {
		case <-s.ctx.Done():
			if stopPlay != nil {
				stopPlay()
			}
			if current != nil {
				removeFile(current.Path, s.log)
			}
			for _, a := range queue {
				removeFile(a.Path, s.log)
			}
			if len(queue) > 0 {
				s.queueDepth.Add(context.Background(), -int64(len(queue)))
			}
			for path := range played {
				removeFile(path, s.log)
			}
			close(s.done)
			return

		case ev := <-s.inbox:
			switch e := ev.(type) {
			case enqueueEvent:
				queue = append(queue, e.artifact)
				s.queueDepth.Add(context.Background(), 1)
				startNext()
			case finishedEvent:
				if e.err != nil {
					s.log.Warn("playback failed", slog.String("path", e.artifact.Path), slogError(e.err))
				} else {
					s.log.Debug("playback finished", slog.String("path", e.artifact.Path))
				}
				if s.opts.Hooks.OnFinished != nil {
					s.opts.Hooks.OnFinished(e.artifact, e.err)
				}
				played[e.artifact.Path] = struct{}{}
				current = nil
				if stopPlay != nil {
					stopPlay()
					stopPlay = nil
				}
				startNext()
			}

		case <-sweepTimer.C:
			for path := range played {
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					s.log.Warn("failed to remove played file", slog.String("path", path), slogError(err))
					continue
				}
				delete(played, path)
			}
		}
	}
}

func removeFile(path string, log *slog.Logger) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn("failed to remove audio file", slog.String("path", path), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
