package presence

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-persona/internal/bus"
	"github.com/loqalabs/loqa-persona/internal/config"
	"github.com/loqalabs/loqa-persona/internal/natsserver"
	"github.com/loqalabs/loqa-persona/internal/protocol"
	"github.com/nats-io/nats-server/v2/server"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func connectBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: server.RANDOM_PORT, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegistriesDiscoverEachOther(t *testing.T) {
	client := connectBus(t)
	busy := true
	opts := Options{Interval: 20 * time.Millisecond, Timeout: 200 * time.Millisecond}

	a := opts
	a.InstanceID, a.Name, a.ThreadID, a.Features = "a", "林黛玉", "thread-a", []string{"tts"}
	first, err := NewRegistry(context.Background(), a, client, newLogger())
	if err != nil {
		t.Fatalf("registry a: %v", err)
	}
	defer first.Close()

	b := opts
	b.InstanceID, b.Name, b.ThreadID, b.Features = "b", "薛宝钗", "thread-b", []string{"stt"}
	b.Busy = func() bool { return busy }
	second, err := NewRegistry(context.Background(), b, client, newLogger())
	if err != nil {
		t.Fatalf("registry b: %v", err)
	}

	waitFor(t, "both personas", func() bool { return len(first.Personas(Online)) == 2 })
	waitFor(t, "self heartbeat", first.Healthy)

	withSTT := first.Personas(WithFeature("stt"))
	if len(withSTT) != 1 || withSTT[0].Name != "薛宝钗" {
		t.Fatalf("unexpected feature filter result %+v", withSTT)
	}
	waitFor(t, "busy heartbeat", func() bool {
		p := first.Personas(WithFeature("stt"))
		return len(p) == 1 && p[0].Busy
	})

	// Only the first registry answers queries from here on.
	second.Close()

	reply, err := client.Conn().Request(protocol.SubjectPresenceQuery, nil, 2*time.Second)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	var listed []Persona
	if err := json.Unmarshal(reply.Data, &listed); err != nil {
		t.Fatalf("decode query reply: %v", err)
	}
	if len(listed) != 2 || listed[0].InstanceID != "a" || listed[1].InstanceID != "b" {
		t.Fatalf("unexpected query reply %+v", listed)
	}

	waitFor(t, "stale persona", func() bool { return len(first.Personas(Online)) == 1 })
}

func TestEvaluateHealthMarksStale(t *testing.T) {
	r := &Registry{opts: Options{InstanceID: "self", Timeout: time.Second}, personas: map[string]*Persona{}}
	now := time.Now()
	r.lookup("self").LastSeen = now
	r.lookup("self").Healthy = true
	r.lookup("old").LastSeen = now.Add(-2 * time.Second)
	r.lookup("old").Healthy = true

	r.evaluateHealth(now)
	if !r.Healthy() {
		t.Fatal("expected self to stay healthy")
	}
	if got := r.Personas(Online); len(got) != 1 || got[0].InstanceID != "self" {
		t.Fatalf("expected only self online, got %+v", got)
	}
}
