package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-persona/internal/bus"
	"github.com/loqalabs/loqa-persona/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Persona is what the registry knows about one running persona.
type Persona struct {
	InstanceID string    `json:"instance_id"`
	Name       string    `json:"name"`
	ThreadID   string    `json:"thread_id"`
	Features   []string  `json:"features,omitempty"`
	Busy       bool      `json:"busy"`
	LastSeen   time.Time `json:"last_seen"`
	Healthy    bool      `json:"healthy"`
}

// Options describe the local persona and heartbeat timing.
type Options struct {
	InstanceID string
	Name       string
	ThreadID   string
	Features   []string
	Interval   time.Duration
	Timeout    time.Duration
	// Busy is sampled for every heartbeat. Optional.
	Busy func() bool
}

// Registry announces the local persona on the bus and tracks every persona
// it hears from, so front ends can discover who is online.
type Registry struct {
	opts   Options
	log    *slog.Logger
	bus    *bus.Client
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription

	mu       sync.RWMutex
	personas map[string]*Persona
}

func NewRegistry(ctx context.Context, opts Options, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		opts:     opts,
		log:      log.With(slog.String("component", "presence")),
		bus:      busClient,
		cancel:   cancel,
		personas: make(map[string]*Persona),
	}

	if err := r.initMetrics(otel.Meter("github.com/loqalabs/loqa-persona/presence")); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}

	r.wg.Add(2)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce persona", slog.String("error", err.Error()))
	}

	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.subs = nil
	r.wg.Wait()
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	routes := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectPresenceAnnounce, r.handleAnnounce},
		{protocol.SubjectPresenceHeartbeat + ".*", r.handleHeartbeat},
		{protocol.SubjectPresenceQuery, r.handleQuery},
	}
	for _, route := range routes {
		sub, err := conn.Subscribe(route.subject, route.handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", route.subject, err)
		}
		r.subs = append(r.subs, sub)
	}
	return conn.Flush()
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth(time.Now())
		}
	}
}

func (r *Registry) announce() error {
	return r.bus.PublishJSON(protocol.SubjectPresenceAnnounce, protocol.PresenceAnnounce{
		InstanceID: r.opts.InstanceID,
		Name:       r.opts.Name,
		ThreadID:   r.opts.ThreadID,
		Features:   r.opts.Features,
		Timestamp:  time.Now().UTC(),
	})
}

func (r *Registry) publishHeartbeat() error {
	hb := protocol.PresenceHeartbeat{
		InstanceID: r.opts.InstanceID,
		Timestamp:  time.Now().UTC(),
	}
	if r.opts.Busy != nil {
		hb.Busy = r.opts.Busy()
	}
	return r.bus.PublishJSON(protocol.SubjectPresenceHeartbeat+"."+r.opts.InstanceID, hb)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var a protocol.PresenceAnnounce
	if err := json.Unmarshal(msg.Data, &a); err != nil || a.InstanceID == "" {
		r.log.Warn("invalid presence announcement")
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.lookup(a.InstanceID)
	p.Name = a.Name
	p.ThreadID = a.ThreadID
	p.Features = a.Features
	p.LastSeen = a.Timestamp
	p.Healthy = true
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.PresenceHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.InstanceID == "" {
		r.log.Warn("invalid presence heartbeat")
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.lookup(hb.InstanceID)
	p.Busy = hb.Busy
	p.LastSeen = hb.Timestamp
	p.Healthy = true
}

// handleQuery replies with every known persona.
func (r *Registry) handleQuery(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(r.Personas(nil))
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		r.log.Warn("presence reply failed", slog.String("error", err.Error()))
	}
}

// lookup returns the entry for id, creating it. Caller holds mu.
func (r *Registry) lookup(id string) *Persona {
	p, ok := r.personas[id]
	if !ok {
		p = &Persona{InstanceID: id}
		r.personas[id] = p
	}
	return p
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.personas {
		if now.Sub(p.LastSeen) > r.opts.Timeout {
			p.Healthy = false
		}
	}
}

// Healthy reports whether the registry has heard its own announcement or
// heartbeat recently.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.personas[r.opts.InstanceID]
	return ok && p.Healthy
}

// Personas returns known personas ordered by instance id.
func (r *Registry) Personas(filter func(Persona) bool) []Persona {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Persona
	for _, p := range r.personas {
		entry := *p
		entry.Features = append([]string(nil), p.Features...)
		if filter == nil || filter(entry) {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

func WithFeature(name string) func(Persona) bool {
	return func(p Persona) bool {
		for _, f := range p.Features {
			if f == name {
				return true
			}
		}
		return false
	}
}

func Online(p Persona) bool {
	return p.Healthy
}

func (r *Registry) initMetrics(meter metric.Meter) error {
	gauge, err := meter.Int64ObservableGauge("persona.presence.online", metric.WithDescription("Personas with a recent heartbeat"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(len(r.Personas(Online))))
		return nil
	}, gauge)
	return err
}
