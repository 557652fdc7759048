package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-persona/internal/bus"
	"github.com/loqalabs/loqa-persona/internal/chat"
	"github.com/loqalabs/loqa-persona/internal/config"
	"github.com/loqalabs/loqa-persona/internal/gateway"
	"github.com/loqalabs/loqa-persona/internal/natsserver"
	"github.com/loqalabs/loqa-persona/internal/persona"
	"github.com/loqalabs/loqa-persona/internal/playback"
	"github.com/loqalabs/loqa-persona/internal/presence"
	"github.com/loqalabs/loqa-persona/internal/protocol"
	"github.com/loqalabs/loqa-persona/internal/tts"
)

// turnRetention bounds how long completed turns stay in the JetStream stream.
const turnRetention = 24 * time.Hour

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	telemetry  *Telemetry
	ready      atomic.Bool
	wg         sync.WaitGroup

	natsServer *natsserver.EmbeddedServer
	bus        *bus.Client
	gateway    *gateway.Service
	presence   *presence.Registry
	ttsServer  *tts.Server
	app        *persona.App
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up every component and blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	telemetry, err := SetupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = telemetry

	if err := r.startComponents(ctx); err != nil {
		r.stopComponents()
		r.closeTelemetry()
		return err
	}

	var addr string
	if r.cfg.HTTP.Enabled {
		addr = fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
		r.httpServer = &http.Server{
			Addr:              addr,
			Handler:           r.router(telemetry.Metrics),
			ReadHeaderTimeout: 5 * time.Second,
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("http server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("persona", r.cfg.Persona.Name))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	if r.httpServer != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		cancelShutdown()
	}
	r.wg.Wait()

	r.stopComponents()
	r.closeTelemetry()
	return nil
}

// Ready reports whether Start finished bringing components up.
func (r *Runtime) Ready() bool {
	return r.ready.Load()
}

func (r *Runtime) startComponents(ctx context.Context) error {
	if r.cfg.TTS.Enabled && r.cfg.TTS.Mode == "http" && r.cfg.TTSServer.Launch {
		server, err := tts.StartServer(ctx, r.cfg.TTSServer, r.cfg.TTS.Endpoint, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start tts server: %w", err)
		}
		r.ttsServer = server
	}

	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		ns, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded nats: %w", err)
		}
		r.natsServer = ns
		if ns != nil {
			busCfg.Servers = []string{ns.ClientURL()}
		}

		r.bus, err = bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
		if err := r.bus.EnsureStream(protocol.TurnStreamName, []string{protocol.SubjectChatCompleted}, turnRetention); err != nil {
			r.logger.Warn("turn stream unavailable", slog.String("error", err.Error()))
		}
		r.gateway = gateway.NewService(ctx, r.bus, r.logger)
	}

	var opts persona.BuildOptions
	if r.gateway != nil {
		opts.Display = chat.Display(r.gateway)
		opts.Hooks = playback.Hooks{
			OnStarted:  r.gateway.PlaybackStarted,
			OnFinished: r.gateway.PlaybackFinished,
		}
	}
	app, err := persona.Build(ctx, r.cfg, opts, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build persona: %w", err)
	}
	r.app = app

	if r.gateway != nil {
		var capture gateway.Capturer
		if app.Capturer != nil {
			capture = app.Capturer
		}
		r.gateway.Bind(app.Session, capture)
		if err := r.gateway.Start(); err != nil {
			return fmt.Errorf("failed to start gateway: %w", err)
		}
	}

	if r.bus != nil && r.cfg.Presence.Enabled {
		registry, err := presence.NewRegistry(ctx, presence.Options{
			InstanceID: uuid.NewString(),
			Name:       r.cfg.Persona.Name,
			ThreadID:   app.Session.ThreadID(),
			Features:   features(r.cfg),
			Interval:   time.Duration(r.cfg.Presence.HeartbeatIntervalMS) * time.Millisecond,
			Timeout:    time.Duration(r.cfg.Presence.HeartbeatTimeoutMS) * time.Millisecond,
			Busy:       app.Session.Busy,
		}, r.bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start presence: %w", err)
		}
		r.presence = registry
	}
	return nil
}

func features(cfg config.Config) []string {
	out := []string{"chat"}
	if cfg.Knowledge.Enabled {
		out = append(out, "knowledge")
	}
	if cfg.TTS.Enabled {
		out = append(out, "tts")
	}
	if cfg.STT.Enabled {
		out = append(out, "stt")
	}
	return out
}

func (r *Runtime) stopComponents() {
	if r.presence != nil {
		r.presence.Close()
	}
	if r.gateway != nil {
		r.gateway.Close()
	}
	if r.app != nil {
		r.app.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.natsServer != nil {
		r.natsServer.Shutdown()
	}
	if r.ttsServer != nil {
		r.ttsServer.Stop()
	}
}

func (r *Runtime) closeTelemetry() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.telemetry.Shutdown(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) router(metrics http.Handler) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", r.handleHealth)
	router.Get("/readyz", r.handleReady)
	if metrics != nil {
		router.Handle("/metrics", metrics)
	}
	return router
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.isReady() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() {
		return false
	}
	if r.gateway != nil && !r.gateway.Healthy() {
		return false
	}
	return true
}
