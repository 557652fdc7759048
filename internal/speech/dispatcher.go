package speech

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-persona/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/sync/semaphore"
)

// Dispatcher turns sentences into audio files on a bounded pool of workers.
type Dispatcher struct {
	enabled  bool
	synth    tts.Synthesizer
	sem      *semaphore.Weighted
	tempDir  string
	receiver Receiver
	log      *slog.Logger
	wg       sync.WaitGroup

	// tail is closed once the most recently submitted job is done waiting for
	// a slot.
	mu   sync.Mutex
	tail chan struct{}

	inflight atomic.Int64
	peak     atomic.Int64

	requests      metric.Int64Counter
	failures      metric.Int64Counter
	inflightGauge metric.Int64UpDownCounter
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Enabled bool
	Workers int
	// TempDir holds audio files; empty means os.TempDir().
	TempDir  string
	Receiver Receiver
}

// NewDispatcher builds a dispatcher that runs at most opts.Workers synthesizer
// calls at once. A nil synth disables it.
func NewDispatcher(opts DispatcherOptions, synth tts.Synthesizer, log *slog.Logger) *Dispatcher {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	d := &Dispatcher{
		enabled:  opts.Enabled && synth != nil,
		synth:    synth,
		sem:      semaphore.NewWeighted(int64(workers)),
		tempDir:  opts.TempDir,
		receiver: opts.Receiver,
		log:      log.With(slog.String("component", "tts-dispatcher")),
	}
	if d.receiver == nil {
		d.receiver = ReceiverFunc(discard)
	}
	if err := d.initMetrics(otel.Meter("github.com/loqalabs/loqa-persona/speech")); err != nil {
		d.log.Warn("failed to initialize metrics", slogError(err))
		_ = d.initMetrics(noop.NewMeterProvider().Meter(""))
	}
	return d
}

// Enabled reports whether Submit does anything.
func (d *Dispatcher) Enabled() bool {
	return d != nil && d.enabled
}

// Submit schedules job and returns immediately. Jobs start in submission order;
// those beyond the worker bound wait for a free slot. If ctx ends before the
// job gets a worker it is dropped; a call already in progress finishes, but its
// artifact is deleted rather than delivered.
func (d *Dispatcher) Submit(ctx context.Context, job Job) {
	if !d.Enabled() {
		return
	}
	queued := make(chan struct{})
	d.mu.Lock()
	prev := d.tail
	d.tail = queued
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if prev != nil {
			<-prev
		}
		err := d.sem.Acquire(ctx, 1)
		close(queued)
		if err != nil {
			d.log.Debug("tts job dropped before start", slog.Int("job_id", job.ID), slog.String("turn_id", job.TurnID))
			return
		}
		defer d.sem.Release(1)
		if ctx.Err() != nil {
			return
		}
		d.run(ctx, job)
	}()
}

func (d *Dispatcher) run(ctx context.Context, job Job) {
	current := d.inflight.Add(1)
	for {
		peak := d.peak.Load()
		if current <= peak || d.peak.CompareAndSwap(peak, current) {
			break
		}
	}
	attrs := metric.WithAttributes(attribute.String("turn_id", job.TurnID))
	d.requests.Add(context.Background(), 1, attrs)
	d.inflightGauge.Add(context.Background(), 1)
	defer func() {
		d.inflight.Add(-1)
		d.inflightGauge.Add(context.Background(), -1)
	}()

	audio, err := d.synth.Synthesize(context.WithoutCancel(ctx), tts.SynthRequest{
		TurnID: job.TurnID,
		JobID:  job.ID,
		Text:   job.Text,
	})
	if err == nil {
		var path string
		path, err = d.persist(audio)
		if err == nil {
			if ctx.Err() != nil {
				removeQuietly(path, d.log)
				d.log.Debug("tts artifact discarded after cancel", slog.Int("job_id", job.ID))
				return
			}
			d.receiver.Deliver(Completion{
				Job:      job,
				Artifact: &Artifact{Path: path, JobID: job.ID, TurnID: job.TurnID, Text: job.Text},
			})
			return
		}
	}

	d.failures.Add(context.Background(), 1, attrs)
	if ctx.Err() != nil {
		return
	}
	d.receiver.Deliver(Completion{Job: job, Err: err})
}

func (d *Dispatcher) persist(audio []byte) (string, error) {
	file, err := os.CreateTemp(d.tempDir, "persona_tts_*.wav")
	if err != nil {
		return "", fmt.Errorf("create audio file: %w", err)
	}
	if _, err := file.Write(audio); err != nil {
		file.Close()
		os.Remove(file.Name())
		return "", fmt.Errorf("write audio file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return "", fmt.Errorf("close audio file: %w", err)
	}
	return file.Name(), nil
}

// Wait blocks until every submitted job has finished or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PeakInflight is the highest number of simultaneous synthesizer calls observed.
func (d *Dispatcher) PeakInflight() int64 {
	return d.peak.Load()
}

func (d *Dispatcher) initMetrics(meter metric.Meter) error {
	var err error
	if d.requests, err = meter.Int64Counter("persona.tts.requests", metric.WithDescription("Synthesis calls started")); err != nil {
		return err
	}
	if d.failures, err = meter.Int64Counter("persona.tts.failures", metric.WithDescription("Synthesis calls that produced no audio")); err != nil {
		return err
	}
	if d.inflightGauge, err = meter.Int64UpDownCounter("persona.tts.inflight", metric.WithDescription("Synthesis calls in progress")); err != nil {
		return err
	}
	return nil
}

func discard(c Completion) {
	if c.Artifact != nil {
		_ = os.Remove(c.Artifact.Path)
	}
}

func removeQuietly(path string, log *slog.Logger) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn("failed to remove audio file", slog.String("path", path), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
