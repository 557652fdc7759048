package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loqalabs/loqa-persona/internal/config"
	"github.com/mattn/go-shellwords"
)

// Server supervises a locally launched synthesis server process.
type Server struct {
	cmd      *exec.Cmd
	endpoint string
	attempts int
	interval time.Duration
	probe    *http.Client
	log      *slog.Logger

	mu      sync.Mutex
	stopped bool
	exited  chan struct{}
}

// StartServer launches the configured command and blocks until the endpoint
// answers or the startup attempts are exhausted.
func StartServer(ctx context.Context, cfg config.TTSServerConfig, endpoint string, log *slog.Logger) (*Server, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse tts server command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts server command empty")
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = cfg.WorkDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start tts server: %w", err)
	}

	s := &Server{
		cmd:      cmd,
		endpoint: endpoint,
		attempts: cfg.StartupAttempts,
		interval: time.Duration(cfg.RetryIntervalMS) * time.Millisecond,
		probe:    &http.Client{Timeout: 2 * time.Second},
		log:      log.With(slog.String("component", "tts-server")),
		exited:   make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if err != nil && !stopped {
			s.log.Warn("tts server exited", slogError(err))
		}
		close(s.exited)
	}()

	if err := s.waitReady(ctx); err != nil {
		s.Stop()
		return nil, err
	}
	s.log.Info("tts server ready", slog.String("endpoint", endpoint), slog.Int("pid", cmd.Process.Pid))
	return s, nil
}

// waitReady polls the endpoint without parameters. The server answers 400 for
// a request missing its text, which is enough to know it is serving.
func (s *Server) waitReady(ctx context.Context) error {
	for i := 0; i < s.attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.exited:
				return errors.New("tts server exited before becoming ready")
			case <-time.After(s.interval):
			}
		}
		if ProbeEndpoint(ctx, s.probe, s.endpoint) {
			return nil
		}
	}
	return fmt.Errorf("tts server not ready after %d attempts", s.attempts)
}

// ProbeEndpoint reports whether a synthesis endpoint is up and rejecting an
// empty request.
func ProbeEndpoint(ctx context.Context, client *http.Client, endpoint string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusBadRequest
}

// Stop terminates the server process and waits for it to exit.
func (s *Server) Stop() {
	if s == nil || s.cmd == nil || s.cmd.Process == nil {
		return
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	_ = s.cmd.Process.Kill()
	select {
	case <-s.exited:
	case <-time.After(5 * time.Second):
		s.log.Warn("tts server did not exit after kill")
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
