package playback

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-persona/internal/speech"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeArtifacts(t *testing.T, n int) []speech.Artifact {
	t.Helper()
	dir := t.TempDir()
	out := make([]speech.Artifact, 0, n)
	for i := 1; i <= n; i++ {
		path := filepath.Join(dir, fmt.Sprintf("persona_tts_%d.wav", i))
		if err := os.WriteFile(path, []byte("RIFF"), 0o644); err != nil {
			t.Fatal(err)
		}
		out = append(out, speech.Artifact{Path: path, JobID: i, TurnID: "turn"})
	}
	return out
}

type finishRecorder struct {
	mu    sync.Mutex
	paths []string
	ch    chan struct{}
}

func newFinishRecorder() *finishRecorder {
	return &finishRecorder{ch: make(chan struct{}, 64)}
}

func (r *finishRecorder) hooks() Hooks {
	return Hooks{OnFinished: func(a speech.Artifact, err error) {
		r.mu.Lock()
		r.paths = append(r.paths, a.Path)
		r.mu.Unlock()
		r.ch <- struct{}{}
	}}
}

func (r *finishRecorder) waitFor(t *testing.T, n int) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-r.ch:
		case <-timeout:
			t.Fatalf("only %d of %d playbacks finished", i, n)
		}
	}
}

func TestSequencerPlaysInArrivalOrder(t *testing.T) {
	player := NewMockPlayer(10 * time.Millisecond)
	rec := newFinishRecorder()
	seq := NewSequencer(player, Options{Enabled: true, CleanupInterval: time.Hour, Hooks: rec.hooks()}, newLogger())
	defer seq.Close()

	artifacts := writeArtifacts(t, 5)
	for _, a := range artifacts {
		a := a
		seq.Deliver(speech.Completion{Job: speech.Job{ID: a.JobID}, Artifact: &a})
	}
	rec.waitFor(t, len(artifacts))

	played := player.Played()
	if len(played) != len(artifacts) {
		t.Fatalf("expected %d plays, got %d", len(artifacts), len(played))
	}
	for i, a := range artifacts {
		if played[i] != a.Path {
			t.Fatalf("play %d: expected %s got %s", i, a.Path, played[i])
		}
	}
	if player.MaxConcurrent() != 1 {
		t.Fatalf("expected one playback at a time, saw %d", player.MaxConcurrent())
	}
}

func TestSequencerSkipsFailedJobs(t *testing.T) {
	player := NewMockPlayer(0)
	rec := newFinishRecorder()
	seq := NewSequencer(player, Options{Enabled: true, CleanupInterval: time.Hour, Hooks: rec.hooks()}, newLogger())
	defer seq.Close()

	artifacts := writeArtifacts(t, 2)
	seq.Deliver(speech.Completion{Job: speech.Job{ID: 1}, Artifact: &artifacts[0]})
	seq.Deliver(speech.Completion{Job: speech.Job{ID: 2}, Err: errors.New("status 500")})
	seq.Deliver(speech.Completion{Job: speech.Job{ID: 3}, Artifact: &artifacts[1]})
	rec.waitFor(t, 2)

	if got := player.Played(); len(got) != 2 {
		t.Fatalf("expected 2 plays, got %v", got)
	}
}

func TestSequencerSweepsPlayedFiles(t *testing.T) {
	player := NewMockPlayer(0)
	rec := newFinishRecorder()
	seq := NewSequencer(player, Options{Enabled: true, CleanupInterval: 20 * time.Millisecond, Hooks: rec.hooks()}, newLogger())
	defer seq.Close()

	artifacts := writeArtifacts(t, 3)
	for _, a := range artifacts {
		seq.Enqueue(a)
	}
	rec.waitFor(t, len(artifacts))

	deadline := time.Now().Add(2 * time.Second)
	for _, a := range artifacts {
		for {
			if _, err := os.Stat(a.Path); os.IsNotExist(err) {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("played file %s was not swept", a.Path)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestSequencerCloseDeletesEverything(t *testing.T) {
	player := NewMockPlayer(time.Hour)
	started := make(chan struct{}, 1)
	seq := NewSequencer(player, Options{
		Enabled:         true,
		CleanupInterval: time.Hour,
		Hooks: Hooks{OnStarted: func(speech.Artifact) {
			select {
			case started <- struct{}{}:
			default:
			}
		}},
	}, newLogger())

	artifacts := writeArtifacts(t, 3)
	for _, a := range artifacts {
		seq.Enqueue(a)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("playback never started")
	}

	closed := make(chan struct{})
	go func() {
		seq.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not interrupt playback")
	}

	for _, a := range artifacts {
		if _, err := os.Stat(a.Path); !os.IsNotExist(err) {
			t.Fatalf("expected %s removed on close", a.Path)
		}
	}
	if len(player.Played()) != 1 {
		t.Fatalf("expected only the head to start, got %v", player.Played())
	}

	late := writeArtifacts(t, 1)[0]
	seq.Enqueue(late)
	if _, err := os.Stat(late.Path); !os.IsNotExist(err) {
		t.Fatal("expected artifact delivered after close to be deleted")
	}
}

func TestSequencerDisabledDeletesArtifacts(t *testing.T) {
	player := NewMockPlayer(0)
	seq := NewSequencer(player, Options{Enabled: false}, newLogger())
	defer seq.Close()

	a := writeArtifacts(t, 1)[0]
	seq.Deliver(speech.Completion{Artifact: &a})
	if _, err := os.Stat(a.Path); !os.IsNotExist(err) {
		t.Fatal("expected artifact deleted when playback disabled")
	}
	if len(player.Played()) != 0 {
		t.Fatal("disabled sequencer must not play")
	}
}
