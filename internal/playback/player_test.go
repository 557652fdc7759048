package playback

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-persona/internal/config"
)

func TestExecPlayerAppendsPath(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.txt")
	player, err := NewExecPlayer("sh -c 'echo \"$0\" > " + out + "'")
	if err != nil {
		t.Fatalf("new player: %v", err)
	}
	if err := player.Play(context.Background(), "/tmp/voice.wav"); err != nil {
		t.Fatalf("play: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != "/tmp/voice.wav" {
		t.Fatalf("unexpected argument %q", data)
	}
}

func TestExecPlayerSubstitutesToken(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.txt")
	player, err := NewExecPlayer("sh -c 'echo {file} > " + out + "'")
	if err != nil {
		t.Fatalf("new player: %v", err)
	}
	if err := player.Play(context.Background(), "a.wav"); err != nil {
		t.Fatalf("play: %v", err)
	}
	data, _ := os.ReadFile(out)
	if strings.TrimSpace(string(data)) != "a.wav" {
		t.Fatalf("unexpected output %q", data)
	}
}

func TestExecPlayerStopsOnCancel(t *testing.T) {
	player, err := NewExecPlayer("sh -c 'sleep 30'")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := player.Play(ctx, "ignored"); err == nil {
		t.Fatal("expected error after cancel")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("player was not stopped")
	}
}

func TestExecPlayerStopsChildProcesses(t *testing.T) {
	// The shell stays in the foreground and its sleep child inherits stderr.
	player, err := NewExecPlayer("sh -c 'sleep 30; true'")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = player.Play(ctx, "ignored")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("player took %s to stop", elapsed)
	}
}

func TestNewPlayerRejectsUnknownMode(t *testing.T) {
	if _, err := NewPlayer(config.PlaybackConfig{Mode: "speaker"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
	if _, err := NewExecPlayer("   "); err == nil {
		t.Fatal("expected error for empty command")
	}
}
