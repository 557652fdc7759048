package playback

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-persona/internal/config"
	"github.com/mattn/go-shellwords"
)

// Player renders one audio file. Play blocks until playback ends; cancelling
// ctx stops it early.
type Player interface {
	Play(ctx context.Context, path string) error
}

// NewPlayer builds the player selected by cfg.Mode.
func NewPlayer(cfg config.PlaybackConfig) (Player, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecPlayer(cfg.Command)
	case "", "mock":
		return NewMockPlayer(time.Duration(cfg.MockDurationMS) * time.Millisecond), nil
	default:
		return nil, fmt.Errorf("unsupported playback mode %q", cfg.Mode)
	}
}

// fileToken marks where the audio path goes in a player command. Without it
// the path is appended as the last argument.
const fileToken = "{file}"

// stopGrace bounds how long Play waits for output pipes after the player
// process is killed.
const stopGrace = time.Second

type execPlayer struct {
	args []string
}

// NewExecPlayer returns a player that runs command once per file. A {file}
// argument is replaced by the audio path.
func NewExecPlayer(command string) (Player, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse playback command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("playback command is empty")
	}
	return &execPlayer{args: args}, nil
}

func (p *execPlayer) Play(ctx context.Context, path string) error {
	args := make([]string, 0, len(p.args)+1)
	substituted := false
	for _, arg := range p.args {
		if strings.Contains(arg, fileToken) {
			arg = strings.ReplaceAll(arg, fileToken, path)
			substituted = true
		}
		args = append(args, arg)
	}
	if !substituted {
		args = append(args, path)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	killGroup(cmd)
	cmd.WaitDelay = stopGrace
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("player command failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// MockPlayer pretends to play each file for a fixed duration and remembers
// the order it saw them in.
type MockPlayer struct {
	duration time.Duration

	mu        sync.Mutex
	played    []string
	active    int
	maxActive int
}

func NewMockPlayer(duration time.Duration) *MockPlayer {
	return &MockPlayer{duration: duration}
}

func (p *MockPlayer) Play(ctx context.Context, path string) error {
	p.mu.Lock()
	p.played = append(p.played, path)
	p.active++
	if p.active > p.maxActive {
		p.maxActive = p.active
	}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}()

	if p.duration <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(p.duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Played returns the paths in the order Play was called.
func (p *MockPlayer) Played() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.played...)
}

// MaxConcurrent is the largest number of overlapping Play calls seen.
func (p *MockPlayer) MaxConcurrent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxActive
}
