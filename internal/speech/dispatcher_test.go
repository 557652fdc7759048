package speech

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-persona/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSynth struct {
	delay   time.Duration
	fail    func(tts.SynthRequest) error
	calls   atomic.Int64
	release chan struct{}
}

func (f *fakeSynth) Synthesize(ctx context.Context, req tts.SynthRequest) ([]byte, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail != nil {
		if err := f.fail(req); err != nil {
			return nil, err
		}
	}
	return []byte("RIFF" + req.Text), nil
}

type collector struct {
	mu          sync.Mutex
	completions []Completion
}

func (c *collector) Deliver(comp Completion) {
	c.mu.Lock()
	c.completions = append(c.completions, comp)
	c.mu.Unlock()
}

func (c *collector) snapshot() []Completion {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Completion(nil), c.completions...)
}

func waitDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Wait(ctx); err != nil {
		t.Fatalf("dispatcher did not finish: %v", err)
	}
}

func TestDispatcherBoundsConcurrency(t *testing.T) {
	synth := &fakeSynth{delay: 20 * time.Millisecond}
	sink := &collector{}
	dir := t.TempDir()
	d := NewDispatcher(DispatcherOptions{Enabled: true, Workers: 3, TempDir: dir, Receiver: sink}, synth, newLogger())

	for i := 1; i <= 10; i++ {
		d.Submit(context.Background(), Job{ID: i, TurnID: "turn-1", Text: "句子。"})
	}
	waitDispatcher(t, d)

	if peak := d.PeakInflight(); peak > 3 {
		t.Fatalf("expected at most 3 concurrent calls, saw %d", peak)
	}
	got := sink.snapshot()
	if len(got) != 10 {
		t.Fatalf("expected 10 completions, got %d", len(got))
	}
	seen := map[string]bool{}
	for _, c := range got {
		if c.Err != nil || c.Artifact == nil {
			t.Fatalf("unexpected failure: %+v", c)
		}
		if filepath.Dir(c.Artifact.Path) != dir {
			t.Fatalf("artifact outside temp dir: %s", c.Artifact.Path)
		}
		if seen[c.Artifact.Path] {
			t.Fatalf("duplicate artifact path %s", c.Artifact.Path)
		}
		seen[c.Artifact.Path] = true
		if _, err := os.Stat(c.Artifact.Path); err != nil {
			t.Fatalf("artifact missing: %v", err)
		}
	}
}

func TestDispatcherDisabledDoesNothing(t *testing.T) {
	synth := &fakeSynth{}
	sink := &collector{}
	d := NewDispatcher(DispatcherOptions{Enabled: false, Workers: 3, TempDir: t.TempDir(), Receiver: sink}, synth, newLogger())
	d.Submit(context.Background(), Job{ID: 1, TurnID: "t", Text: "你好。"})
	waitDispatcher(t, d)
	if synth.calls.Load() != 0 {
		t.Fatalf("expected no synth calls, got %d", synth.calls.Load())
	}
	if len(sink.snapshot()) != 0 {
		t.Fatal("expected no completions")
	}
}

func TestDispatcherReportsFailure(t *testing.T) {
	synth := &fakeSynth{fail: func(req tts.SynthRequest) error {
		if req.JobID == 2 {
			return &tts.StatusError{Code: 500, Body: "boom"}
		}
		return nil
	}}
	sink := &collector{}
	d := NewDispatcher(DispatcherOptions{Enabled: true, Workers: 3, TempDir: t.TempDir(), Receiver: sink}, synth, newLogger())
	for i := 1; i <= 3; i++ {
		d.Submit(context.Background(), Job{ID: i, TurnID: "t", Text: "句。"})
	}
	waitDispatcher(t, d)

	got := sink.snapshot()
	if len(got) != 3 {
		t.Fatalf("expected 3 completions, got %d", len(got))
	}
	failures := 0
	for _, c := range got {
		if c.Err == nil {
			continue
		}
		failures++
		if c.Job.ID != 2 || c.Artifact != nil {
			t.Fatalf("unexpected failed completion %+v", c)
		}
		var statusErr *tts.StatusError
		if !errors.As(c.Err, &statusErr) || statusErr.Code != 500 {
			t.Fatalf("expected status error, got %v", c.Err)
		}
	}
	if failures != 1 {
		t.Fatalf("expected exactly one failure, got %d", failures)
	}
	if synth.calls.Load() != 3 {
		t.Fatalf("failed job must not be retried, got %d calls", synth.calls.Load())
	}
}

func TestDispatcherCancelDiscardsArtifacts(t *testing.T) {
	release := make(chan struct{})
	synth := &fakeSynth{release: release}
	sink := &collector{}
	dir := t.TempDir()
	d := NewDispatcher(DispatcherOptions{Enabled: true, Workers: 1, TempDir: dir, Receiver: sink}, synth, newLogger())

	ctx, cancel := context.WithCancel(context.Background())
	d.Submit(ctx, Job{ID: 1, TurnID: "t", Text: "第一句。"})
	d.Submit(ctx, Job{ID: 2, TurnID: "t", Text: "第二句。"})

	deadline := time.Now().Add(2 * time.Second)
	for synth.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("synth never called")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	close(release)
	waitDispatcher(t, d)

	if len(sink.snapshot()) != 0 {
		t.Fatalf("expected no deliveries after cancel, got %d", len(sink.snapshot()))
	}
	if synth.calls.Load() != 1 {
		t.Fatalf("queued job should be dropped, got %d calls", synth.calls.Load())
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected temp dir to be empty, found %d files", len(entries))
	}
}

func TestDispatcherStartsJobsInSubmissionOrder(t *testing.T) {
	var mu sync.Mutex
	var started []int
	synth := &fakeSynth{
		delay: 5 * time.Millisecond,
		fail: func(req tts.SynthRequest) error {
			mu.Lock()
			started = append(started, req.JobID)
			mu.Unlock()
			return nil
		},
	}
	d := NewDispatcher(DispatcherOptions{Enabled: true, Workers: 1, TempDir: t.TempDir(), Receiver: &collector{}}, synth, newLogger())

	for i := 1; i <= 10; i++ {
		d.Submit(context.Background(), Job{ID: i, TurnID: "t", Text: "句子。"})
	}
	waitDispatcher(t, d)

	mu.Lock()
	defer mu.Unlock()
	if len(started) != 10 {
		t.Fatalf("expected 10 calls, got %d", len(started))
	}
	for i, id := range started {
		if id != i+1 {
			t.Fatalf("jobs started out of order: %v", started)
		}
	}
}

func TestDispatcherCancelledJobDoesNotReorderLaterOnes(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var started []int
	synth := &fakeSynth{
		release: release,
		fail: func(req tts.SynthRequest) error {
			mu.Lock()
			started = append(started, req.JobID)
			mu.Unlock()
			return nil
		},
	}
	d := NewDispatcher(DispatcherOptions{Enabled: true, Workers: 1, TempDir: t.TempDir(), Receiver: &collector{}}, synth, newLogger())

	dropped, cancel := context.WithCancel(context.Background())
	d.Submit(context.Background(), Job{ID: 1, TurnID: "a", Text: "一。"})
	d.Submit(dropped, Job{ID: 2, TurnID: "b", Text: "二。"})
	for i := 3; i <= 6; i++ {
		d.Submit(context.Background(), Job{ID: i, TurnID: "a", Text: "三。"})
	}
	cancel()
	close(release)
	waitDispatcher(t, d)

	mu.Lock()
	defer mu.Unlock()
	want := []int{1, 3, 4, 5, 6}
	if len(started) != len(want) {
		t.Fatalf("expected %v, got %v", want, started)
	}
	for i := range want {
		if started[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, started)
		}
	}
}
