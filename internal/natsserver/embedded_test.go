package natsserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-persona/internal/bus"
	"github.com/loqalabs/loqa-persona/internal/config"
	"github.com/loqalabs/loqa-persona/internal/protocol"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestStartDisabled(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: false}, newLogger())
	if err != nil || srv != nil {
		t.Fatalf("expected nil server when disabled, got %v %v", srv, err)
	}
	srv.Shutdown()
}

func TestEmbeddedServerRoundTrip(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: true, Port: server.RANDOM_PORT, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	if !client.Healthy() {
		t.Fatal("expected healthy client")
	}

	if err := client.EnsureStream(protocol.TurnStreamName, []string{protocol.SubjectChatCompleted}, time.Hour); err != nil {
		t.Fatalf("ensure stream: %v", err)
	}
	if err := client.EnsureStream(protocol.TurnStreamName, []string{protocol.SubjectChatCompleted}, 2*time.Hour); err != nil {
		t.Fatalf("ensure stream twice: %v", err)
	}

	got := make(chan protocol.ChatFragment, 1)
	sub, err := client.Conn().Subscribe(protocol.SubjectChatFragment, func(msg *nats.Msg) {
		var frag protocol.ChatFragment
		if err := json.Unmarshal(msg.Data, &frag); err == nil {
			got <- frag
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()
	if err := client.Conn().Flush(); err != nil {
		t.Fatal(err)
	}

	if err := client.PublishJSON(protocol.SubjectChatFragment, protocol.ChatFragment{TurnID: "t1", Text: "你好"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case frag := <-got:
		if frag.Text != "你好" || frag.TurnID != "t1" {
			t.Fatalf("unexpected fragment %+v", frag)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("fragment not received")
	}

	if err := client.PublishJSON(protocol.SubjectChatCompleted, protocol.ChatCompleted{TurnID: "t1"}); err != nil {
		t.Fatal(err)
	}
	_ = client.Conn().Flush()
	deadline := time.Now().Add(3 * time.Second)
	for {
		info, err := client.JetStream().StreamInfo(protocol.TurnStreamName)
		if err == nil && info.State.Msgs == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("completed turn not retained: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
