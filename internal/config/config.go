package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Persona     PersonaConfig   `yaml:"persona"`
	History     HistoryConfig   `yaml:"history"`
	Knowledge   KnowledgeConfig `yaml:"knowledge"`
	LLM         LLMConfig       `yaml:"llm"`
	TTS         TTSConfig       `yaml:"tts"`
	TTSServer   TTSServerConfig `yaml:"tts_server"`
	Playback    PlaybackConfig  `yaml:"playback"`
	STT         STTConfig       `yaml:"stt"`
	Presence    PresenceConfig  `yaml:"presence"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// PersonaConfig describes who the assistant is and which conversation thread it speaks in.
type PersonaConfig struct {
	Name          string `yaml:"name"`
	PromptPath    string `yaml:"prompt_path"`
	UserName      string `yaml:"user_name"`
	ThreadID      string `yaml:"thread_id"`
	NoContextNote string `yaml:"no_context_note"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"` // ephemeral, session, persistent
	RetentionDays int    `yaml:"retention_days"`
	MaxThreads    int    `yaml:"max_threads"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type KnowledgeConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Path              string  `yaml:"path"`
	SourceDir         string  `yaml:"source_dir"`
	EmbeddingMode     string  `yaml:"embedding_mode"` // mock, openai
	EmbeddingEndpoint string  `yaml:"embedding_endpoint"`
	EmbeddingModel    string  `yaml:"embedding_model"`
	EmbeddingAPIKey   string  `yaml:"embedding_api_key"`
	EmbeddingBatch    int     `yaml:"embedding_batch"`
	TopK              int     `yaml:"top_k"`
	MinRelevance      float64 `yaml:"min_relevance"`
	ChunkSize         int     `yaml:"chunk_size"`
	ChunkOverlap      int     `yaml:"chunk_overlap"`
	StoreTurns        bool    `yaml:"store_turns"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, openai, ollama
	Endpoint    string  `yaml:"endpoint"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

type TTSConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Mode            string  `yaml:"mode"` // mock, http
	Endpoint        string  `yaml:"endpoint"`
	RefAudioPath    string  `yaml:"ref_audio_path"`
	TextLang        string  `yaml:"text_lang"`
	PromptLang      string  `yaml:"prompt_lang"`
	TextSplitMethod string  `yaml:"text_split_method"`
	BatchSize       int     `yaml:"batch_size"`
	SpeedFactor     float64 `yaml:"speed_factor"`
	Workers         int     `yaml:"workers"`
	TempDir         string  `yaml:"temp_dir"`
}

// TTSServerConfig controls launching the local synthesis server as a child process.
type TTSServerConfig struct {
	Launch          bool     `yaml:"launch"`
	Command         string   `yaml:"command"`
	WorkDir         string   `yaml:"work_dir"`
	StartupAttempts int      `yaml:"startup_attempts"`
	RetryIntervalMS int      `yaml:"retry_interval_ms"`
	ModelFiles      []string `yaml:"model_files"`
}

type PlaybackConfig struct {
	Mode              string `yaml:"mode"` // mock, exec
	Command           string `yaml:"command"`
	CleanupIntervalMS int    `yaml:"cleanup_interval_ms"`
	MockDurationMS    int    `yaml:"mock_duration_ms"`
}

// PresenceConfig controls announcing the persona on the bus.
type PresenceConfig struct {
	Enabled             bool `yaml:"enabled"`
	HeartbeatIntervalMS int  `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int  `yaml:"heartbeat_timeout_ms"`
}

type STTConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Mode           string `yaml:"mode"` // mock, exec
	Command        string `yaml:"command"`
	CaptureCommand string `yaml:"capture_command"`
	ModelPath      string `yaml:"model_path"`
	Language       string `yaml:"language"`
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	FrameSamples   int    `yaml:"frame_samples"`
	PartialEveryMS int    `yaml:"partial_every_ms"`
	PublishInterim bool   `yaml:"publish_interim"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-persona",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Persona: PersonaConfig{
			Name:          "林黛玉",
			PromptPath:    "resources/prompt.txt",
			ThreadID:      "chat_session_1",
			NoContextNote: "没有找到相关上下文。",
		},
		History: HistoryConfig{
			Path:          "./data/persona-history.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxThreads:    1000,
		},
		Knowledge: KnowledgeConfig{
			Enabled:           true,
			Path:              "./knowledge_base/vectors.db",
			SourceDir:         "./knowledge",
			EmbeddingMode:     "mock",
			EmbeddingEndpoint: "https://dashscope.aliyuncs.com/compatible-mode/v1",
			EmbeddingModel:    "text-embedding-v2",
			EmbeddingBatch:    25,
			TopK:              3,
			MinRelevance:      0.3,
			ChunkSize:         500,
			ChunkOverlap:      50,
			StoreTurns:        true,
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "https://dashscope.aliyuncs.com/compatible-mode/v1",
			Model:       "qwen-plus",
			MaxTokens:   0,
			Temperature: 0.7,
			TimeoutMS:   120000,
		},
		TTS: TTSConfig{
			Enabled:         true,
			Mode:            "mock",
			Endpoint:        "http://127.0.0.1:9880/tts",
			RefAudioPath:    "resources/voice_ref.MP3",
			TextLang:        "zh",
			PromptLang:      "zh",
			TextSplitMethod: "cut5",
			BatchSize:       1,
			SpeedFactor:     1.0,
			Workers:         3,
		},
		TTSServer: TTSServerConfig{
			Launch:          false,
			Command:         "python api_v2.py",
			WorkDir:         "GPT-SoVITS-v2-240821",
			StartupAttempts: 30,
			RetryIntervalMS: 1000,
			ModelFiles: []string{
				"configs/tts_infer.yaml",
				"GPT_SoVITS/pretrained_models/s1bert25hz-2kh-longer-epoch=68e-step=50232.ckpt",
				"GPT_SoVITS/pretrained_models/s2G488k.pth",
			},
		},
		Playback: PlaybackConfig{
			Mode:              "mock",
			Command:           "ffplay -nodisp -autoexit -loglevel quiet",
			CleanupIntervalMS: 5000,
			MockDurationMS:    200,
		},
		STT: STTConfig{
			Enabled:        false,
			Mode:           "mock",
			CaptureCommand: "arecord -q -t raw -f S16_LE -r 16000 -c 1",
			Language:       "zh",
			SampleRate:     16000,
			Channels:       1,
			FrameSamples:   3200,
			PartialEveryMS: 800,
			PublishInterim: true,
		},
		Presence: PresenceConfig{
			Enabled:             true,
			HeartbeatIntervalMS: 2000,
			HeartbeatTimeoutMS:  6000,
		},
	}
}

// Load reads path (when non-empty) over the defaults, then applies .env and
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// A missing .env is the common case; real variables always win over it.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "PERSONA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "PERSONA_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "PERSONA_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "PERSONA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "PERSONA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "PERSONA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "PERSONA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "PERSONA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "PERSONA_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Enabled, "PERSONA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "PERSONA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "PERSONA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "PERSONA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "PERSONA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "PERSONA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "PERSONA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "PERSONA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "PERSONA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "PERSONA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Persona.Name, "PERSONA_NAME")
	overrideString(&cfg.Persona.PromptPath, "PERSONA_PROMPT_PATH")
	overrideString(&cfg.Persona.UserName, "PERSONA_USER_NAME")
	overrideString(&cfg.Persona.ThreadID, "PERSONA_THREAD_ID")
	overrideString(&cfg.History.Path, "PERSONA_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "PERSONA_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "PERSONA_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxThreads, "PERSONA_HISTORY_MAX_THREADS")
	overrideBool(&cfg.History.VacuumOnStart, "PERSONA_HISTORY_VACUUM_ON_START")
	overrideBool(&cfg.Knowledge.Enabled, "PERSONA_KNOWLEDGE_ENABLED")
	overrideString(&cfg.Knowledge.Path, "PERSONA_KNOWLEDGE_PATH")
	overrideString(&cfg.Knowledge.SourceDir, "PERSONA_KNOWLEDGE_SOURCE_DIR")
	overrideString(&cfg.Knowledge.EmbeddingMode, "PERSONA_KNOWLEDGE_EMBEDDING_MODE")
	overrideString(&cfg.Knowledge.EmbeddingEndpoint, "PERSONA_KNOWLEDGE_EMBEDDING_ENDPOINT")
	overrideString(&cfg.Knowledge.EmbeddingModel, "PERSONA_KNOWLEDGE_EMBEDDING_MODEL")
	overrideString(&cfg.Knowledge.EmbeddingAPIKey, "PERSONA_KNOWLEDGE_EMBEDDING_API_KEY")
	overrideInt(&cfg.Knowledge.EmbeddingBatch, "PERSONA_KNOWLEDGE_EMBEDDING_BATCH")
	overrideInt(&cfg.Knowledge.TopK, "PERSONA_KNOWLEDGE_TOP_K")
	overrideFloat(&cfg.Knowledge.MinRelevance, "PERSONA_KNOWLEDGE_MIN_RELEVANCE")
	overrideBool(&cfg.Knowledge.StoreTurns, "PERSONA_KNOWLEDGE_STORE_TURNS")
	overrideString(&cfg.LLM.Mode, "PERSONA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "PERSONA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.APIKey, "PERSONA_LLM_API_KEY")
	overrideString(&cfg.LLM.Model, "PERSONA_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "PERSONA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "PERSONA_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TimeoutMS, "PERSONA_LLM_TIMEOUT_MS")
	overrideBool(&cfg.TTS.Enabled, "PERSONA_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "PERSONA_TTS_MODE")
	overrideString(&cfg.TTS.Endpoint, "PERSONA_TTS_ENDPOINT")
	overrideString(&cfg.TTS.RefAudioPath, "PERSONA_TTS_REF_AUDIO_PATH")
	overrideInt(&cfg.TTS.Workers, "PERSONA_TTS_WORKERS")
	overrideString(&cfg.TTS.TempDir, "PERSONA_TTS_TEMP_DIR")
	overrideBool(&cfg.TTSServer.Launch, "PERSONA_TTS_SERVER_LAUNCH")
	overrideString(&cfg.TTSServer.Command, "PERSONA_TTS_SERVER_COMMAND")
	overrideString(&cfg.TTSServer.WorkDir, "PERSONA_TTS_SERVER_WORK_DIR")
	overrideString(&cfg.Playback.Mode, "PERSONA_PLAYBACK_MODE")
	overrideString(&cfg.Playback.Command, "PERSONA_PLAYBACK_COMMAND")
	overrideInt(&cfg.Playback.CleanupIntervalMS, "PERSONA_PLAYBACK_CLEANUP_INTERVAL_MS")
	overrideBool(&cfg.Presence.Enabled, "PERSONA_PRESENCE_ENABLED")
	overrideInt(&cfg.Presence.HeartbeatIntervalMS, "PERSONA_PRESENCE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Presence.HeartbeatTimeoutMS, "PERSONA_PRESENCE_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.STT.Enabled, "PERSONA_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "PERSONA_STT_MODE")
	overrideString(&cfg.STT.Command, "PERSONA_STT_COMMAND")
	overrideString(&cfg.STT.CaptureCommand, "PERSONA_STT_CAPTURE_COMMAND")
	overrideString(&cfg.STT.ModelPath, "PERSONA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "PERSONA_STT_LANGUAGE")
	overrideInt(&cfg.STT.PartialEveryMS, "PERSONA_STT_PARTIAL_EVERY_MS")
	overrideBool(&cfg.STT.PublishInterim, "PERSONA_STT_PUBLISH_INTERIM")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Persona.PromptPath == "" {
		return errors.New("persona.prompt_path must not be empty")
	}
	if cfg.Persona.ThreadID == "" {
		return errors.New("persona.thread_id must not be empty")
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionMode != "ephemeral" && cfg.History.Path == "" {
		return errors.New("history.path must not be empty")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	if cfg.Knowledge.Enabled {
		if cfg.Knowledge.Path == "" {
			return errors.New("knowledge.path must not be empty when knowledge is enabled")
		}
		switch cfg.Knowledge.EmbeddingMode {
		case "mock", "openai":
		default:
			return errors.New("knowledge.embedding_mode must be one of mock|openai")
		}
		if cfg.Knowledge.EmbeddingMode == "openai" && cfg.Knowledge.EmbeddingEndpoint == "" {
			return errors.New("knowledge.embedding_endpoint must be set when embedding_mode=openai")
		}
		if cfg.Knowledge.TopK <= 0 {
			return errors.New("knowledge.top_k must be >= 1")
		}
		if cfg.Knowledge.EmbeddingBatch <= 0 {
			return errors.New("knowledge.embedding_batch must be >= 1")
		}
		if cfg.Knowledge.ChunkSize <= 0 || cfg.Knowledge.ChunkOverlap < 0 || cfg.Knowledge.ChunkOverlap >= cfg.Knowledge.ChunkSize {
			return errors.New("knowledge.chunk_overlap must be >= 0 and smaller than chunk_size")
		}
	}
	switch cfg.LLM.Mode {
	case "mock", "openai", "ollama":
	default:
		return errors.New("llm.mode must be one of mock|openai|ollama")
	}
	if cfg.LLM.Mode != "mock" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode is not mock")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "http":
		default:
			return errors.New("tts.mode must be one of mock|http")
		}
		if cfg.TTS.Mode == "http" && cfg.TTS.Endpoint == "" {
			return errors.New("tts.endpoint must be set when mode=http")
		}
		if cfg.TTS.Workers <= 0 {
			return errors.New("tts.workers must be >= 1")
		}
		switch cfg.Playback.Mode {
		case "mock", "exec":
		default:
			return errors.New("playback.mode must be one of mock|exec")
		}
		if cfg.Playback.Mode == "exec" && cfg.Playback.Command == "" {
			return errors.New("playback.command must be set when mode=exec")
		}
		if cfg.Playback.CleanupIntervalMS <= 0 {
			return errors.New("playback.cleanup_interval_ms must be positive")
		}
	}
	if cfg.TTSServer.Launch {
		if cfg.TTSServer.Command == "" {
			return errors.New("tts_server.command must be set when launch is enabled")
		}
		if cfg.TTSServer.StartupAttempts <= 0 {
			return errors.New("tts_server.startup_attempts must be >= 1")
		}
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "exec":
		default:
			return errors.New("stt.mode must be one of mock|exec")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.CaptureCommand == "" {
			return errors.New("stt.capture_command must not be empty when stt is enabled")
		}
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
		if cfg.STT.FrameSamples <= 0 {
			return errors.New("stt.frame_samples must be positive")
		}
	}
	if cfg.Bus.Enabled && cfg.Presence.Enabled {
		if cfg.Presence.HeartbeatIntervalMS <= 0 {
			return errors.New("presence.heartbeat_interval_ms must be positive")
		}
		if cfg.Presence.HeartbeatTimeoutMS <= cfg.Presence.HeartbeatIntervalMS {
			return errors.New("presence.heartbeat_timeout_ms must exceed heartbeat_interval_ms")
		}
	}
	return nil
}
