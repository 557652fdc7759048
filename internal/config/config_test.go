package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.TTS.Workers != 3 {
		t.Fatalf("expected 3 tts workers, got %d", cfg.TTS.Workers)
	}
	if cfg.Knowledge.TopK != 3 || cfg.Knowledge.MinRelevance != 0.3 {
		t.Fatalf("unexpected retrieval defaults: k=%d min=%v", cfg.Knowledge.TopK, cfg.Knowledge.MinRelevance)
	}
	if cfg.TTS.Endpoint != "http://127.0.0.1:9880/tts" {
		t.Fatalf("unexpected tts endpoint %q", cfg.TTS.Endpoint)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.yaml")
	data := []byte(`persona:
  name: test-persona
  thread_id: thread-9
llm:
  mode: ollama
  endpoint: http://localhost:11434
  model: qwen2.5
tts:
  enabled: false
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Persona.Name != "test-persona" || cfg.Persona.ThreadID != "thread-9" {
		t.Fatalf("persona section not applied: %+v", cfg.Persona)
	}
	if cfg.LLM.Mode != "ollama" || cfg.LLM.Model != "qwen2.5" {
		t.Fatalf("llm section not applied: %+v", cfg.LLM)
	}
	if cfg.TTS.Enabled {
		t.Fatal("expected tts disabled")
	}
	if cfg.Persona.PromptPath != "resources/prompt.txt" {
		t.Fatalf("expected untouched defaults to survive, got %q", cfg.Persona.PromptPath)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PERSONA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("PERSONA_BUS_USERNAME", "alice")
	t.Setenv("PERSONA_BUS_PASSWORD", "secret")
	t.Setenv("PERSONA_BUS_TLS_INSECURE", "true")
	t.Setenv("PERSONA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("PERSONA_THREAD_ID", "thread-2")
	t.Setenv("PERSONA_HISTORY_PATH", "./tmp.db")
	t.Setenv("PERSONA_HISTORY_RETENTION_MODE", "session")
	t.Setenv("PERSONA_HISTORY_RETENTION_DAYS", "7")
	t.Setenv("PERSONA_HISTORY_MAX_THREADS", "123")
	t.Setenv("PERSONA_KNOWLEDGE_MIN_RELEVANCE", "0.45")
	t.Setenv("PERSONA_LLM_API_KEY", "sk-test")
	t.Setenv("PERSONA_TTS_WORKERS", "5")
	t.Setenv("PERSONA_TTS_ENABLED", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Persona.ThreadID != "thread-2" {
		t.Fatalf("expected thread id override")
	}
	if cfg.History.Path != "./tmp.db" || cfg.History.RetentionMode != "session" {
		t.Fatalf("expected history overrides, got %+v", cfg.History)
	}
	if cfg.History.RetentionDays != 7 || cfg.History.MaxThreads != 123 {
		t.Fatalf("expected history retention overrides, got %+v", cfg.History)
	}
	if cfg.Knowledge.MinRelevance != 0.45 {
		t.Fatalf("expected min relevance override, got %v", cfg.Knowledge.MinRelevance)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Fatalf("expected api key override")
	}
	if cfg.TTS.Workers != 5 || cfg.TTS.Enabled {
		t.Fatalf("expected tts overrides, got %+v", cfg.TTS)
	}
}

func TestValidateRejectsBadModes(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"llm mode", func(c *Config) { c.LLM.Mode = "gpt" }},
		{"tts mode", func(c *Config) { c.TTS.Mode = "exec" }},
		{"tts workers", func(c *Config) { c.TTS.Workers = 0 }},
		{"playback exec without command", func(c *Config) { c.Playback.Mode = "exec"; c.Playback.Command = "" }},
		{"retention mode", func(c *Config) { c.History.RetentionMode = "forever" }},
		{"chunk overlap", func(c *Config) { c.Knowledge.ChunkOverlap = c.Knowledge.ChunkSize }},
		{"stt exec without command", func(c *Config) { c.STT.Enabled = true; c.STT.Mode = "exec" }},
		{"tts server launch without command", func(c *Config) { c.TTSServer.Launch = true; c.TTSServer.Command = "" }},
		{"presence timeout below interval", func(c *Config) { c.Presence.HeartbeatTimeoutMS = c.Presence.HeartbeatIntervalMS }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}
