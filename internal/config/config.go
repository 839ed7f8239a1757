package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	STT         STTConfig        `yaml:"stt"`
	Engine      EngineConfig     `yaml:"engine"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	RequestTimeout int      `yaml:"request_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type STTConfig struct {
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	ModelPath  string `yaml:"model_path"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

// EngineConfig drives the recognition engine served on the bus.
type EngineConfig struct {
	SubjectPrefix      string   `yaml:"subject_prefix"`
	Language           string   `yaml:"language"`
	SupportedLanguages []string `yaml:"supported_languages"`
	PartialEveryMS     int      `yaml:"partial_every_ms"`
	PublishPartial     bool     `yaml:"publish_partial"`
	SpeechThresholdDB  float64  `yaml:"speech_threshold_db"`
	EmitAudioBuffer    bool     `yaml:"emit_audio_buffer"`
}

func Default() Config {
	return Config{
		RuntimeName: "speechd",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			RequestTimeout: 5000,
		},
		Node: NodeConfig{
			ID:                "speech-node-1",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/speech-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		STT: STTConfig{
			Mode:       "mock",
			SampleRate: 16000,
			Channels:   1,
			TimeoutMS:  45000,
		},
		Engine: EngineConfig{
			SubjectPrefix:      "speech",
			Language:           "en-US",
			SupportedLanguages: []string{"en-US"},
			PartialEveryMS:     800,
			PublishPartial:     true,
			SpeechThresholdDB:  -45,
		},
	}
}

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

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SPEECH_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SPEECH_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SPEECH_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SPEECH_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SPEECH_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SPEECH_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SPEECH_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SPEECH_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "SPEECH_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SPEECH_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SPEECH_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SPEECH_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SPEECH_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SPEECH_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SPEECH_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SPEECH_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.RequestTimeout, "SPEECH_BUS_REQUEST_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "SPEECH_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "SPEECH_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "SPEECH_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "SPEECH_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SPEECH_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SPEECH_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "SPEECH_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SPEECH_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.STT.Mode, "SPEECH_STT_MODE")
	overrideString(&cfg.STT.Command, "SPEECH_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "SPEECH_STT_MODEL_PATH")
	overrideInt(&cfg.STT.SampleRate, "SPEECH_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "SPEECH_STT_CHANNELS")
	overrideInt(&cfg.STT.TimeoutMS, "SPEECH_STT_TIMEOUT_MS")
	overrideString(&cfg.Engine.SubjectPrefix, "SPEECH_ENGINE_SUBJECT_PREFIX")
	overrideString(&cfg.Engine.Language, "SPEECH_ENGINE_LANGUAGE")
	overrideStringSlice(&cfg.Engine.SupportedLanguages, "SPEECH_ENGINE_SUPPORTED_LANGUAGES")
	overrideInt(&cfg.Engine.PartialEveryMS, "SPEECH_ENGINE_PARTIAL_EVERY_MS")
	overrideBool(&cfg.Engine.PublishPartial, "SPEECH_ENGINE_PUBLISH_PARTIAL")
	overrideFloat(&cfg.Engine.SpeechThresholdDB, "SPEECH_ENGINE_SPEECH_THRESHOLD_DB")
	overrideBool(&cfg.Engine.EmitAudioBuffer, "SPEECH_ENGINE_EMIT_AUDIO_BUFFER")
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
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}
	if cfg.Bus.RequestTimeout <= 0 {
		return errors.New("bus.request_timeout_ms must be positive")
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.STT.Mode {
	case "mock", "exec":
	default:
		return errors.New("stt.mode must be one of mock|exec")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if cfg.STT.SampleRate <= 0 {
		return errors.New("stt.sample_rate must be positive")
	}
	if cfg.STT.Channels <= 0 {
		return errors.New("stt.channels must be positive")
	}
	if cfg.Engine.SubjectPrefix == "" {
		return errors.New("engine.subject_prefix must not be empty")
	}
	if strings.ContainsAny(cfg.Engine.SubjectPrefix, " *>") {
		return errors.New("engine.subject_prefix must be a literal subject token path")
	}
	if len(cfg.Engine.SupportedLanguages) == 0 {
		return errors.New("engine.supported_languages must not be empty")
	}
	found := false
	for _, tag := range cfg.Engine.SupportedLanguages {
		if tag == cfg.Engine.Language {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("engine.language %q must be listed in engine.supported_languages", cfg.Engine.Language)
	}
	if cfg.Engine.PartialEveryMS < 0 {
		return errors.New("engine.partial_every_ms must be >= 0")
	}
	return nil
}
