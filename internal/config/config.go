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
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	TraceStdout  bool   `yaml:"trace_stdout"`
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
	EventStore  EventStoreConfig `yaml:"event_store"`
	Capture     CaptureConfig    `yaml:"capture"`
	STT         STTConfig        `yaml:"stt"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	Recovery    RecoveryConfig   `yaml:"recovery"`
	Transcript  TranscriptConfig `yaml:"transcript"`
	Session     SessionConfig    `yaml:"session"`
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

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// CaptureConfig selects the audio source feeding the ingest buffer.
type CaptureConfig struct {
	Mode       string `yaml:"mode"` // none, wav, pcm, bus
	Path       string `yaml:"path"`
	Subject    string `yaml:"subject"`
	SampleRate int    `yaml:"sample_rate"`
	BlockSize  int    `yaml:"block_size"`
	Realtime   bool   `yaml:"realtime"`
}

type STTConfig struct {
	Mode      string `yaml:"mode"` // mock, exec, bus, whisper
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Subject   string `yaml:"subject"`
	TimeoutMS int    `yaml:"timeout_ms"`
	Threads   int    `yaml:"threads"`
}

type PipelineConfig struct {
	SampleRate  int `yaml:"sample_rate"`
	IntervalMS  int `yaml:"interval_ms"`
	MinWindowMS int `yaml:"min_window_ms"`
	OverlapMS   int `yaml:"overlap_ms"`
}

type RecoveryConfig struct {
	MaxErrors      int `yaml:"max_errors"`
	RestartDelayMS int `yaml:"restart_delay_ms"`
}

type TranscriptConfig struct {
	Stdout         bool   `yaml:"stdout"`
	Subject        string `yaml:"subject"`
	DiagSubject    string `yaml:"diagnostics_subject"`
	DiagBufferSize int    `yaml:"diagnostics_buffer"`
}

type SessionConfig struct {
	AutoStart bool `yaml:"auto_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/scribe-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Capture: CaptureConfig{
			Mode:       "none",
			Subject:    "audio.frame.>",
			SampleRate: 16000,
			BlockSize:  4096,
			Realtime:   true,
		},
		STT: STTConfig{
			Mode:      "mock",
			Subject:   "stt.recognize",
			TimeoutMS: 45000,
		},
		Pipeline: PipelineConfig{
			SampleRate:  16000,
			IntervalMS:  8000,
			MinWindowMS: 1000,
			OverlapMS:   500,
		},
		Recovery: RecoveryConfig{
			MaxErrors:      3,
			RestartDelayMS: 1000,
		},
		Transcript: TranscriptConfig{
			Stdout:         true,
			Subject:        "scribe.transcript",
			DiagSubject:    "scribe.diagnostics",
			DiagBufferSize: 200,
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
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "SCRIBE_TELEMETRY_TRACE_STDOUT")
	overrideBool(&cfg.Bus.Enabled, "SCRIBE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SCRIBE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "SCRIBE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SCRIBE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SCRIBE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "SCRIBE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SCRIBE_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Mode, "SCRIBE_CAPTURE_MODE")
	overrideString(&cfg.Capture.Path, "SCRIBE_CAPTURE_PATH")
	overrideString(&cfg.Capture.Subject, "SCRIBE_CAPTURE_SUBJECT")
	overrideInt(&cfg.Capture.SampleRate, "SCRIBE_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.BlockSize, "SCRIBE_CAPTURE_BLOCK_SIZE")
	overrideBool(&cfg.Capture.Realtime, "SCRIBE_CAPTURE_REALTIME")
	overrideString(&cfg.STT.Mode, "SCRIBE_STT_MODE")
	overrideString(&cfg.STT.Command, "SCRIBE_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "SCRIBE_STT_MODEL_PATH")
	overrideString(&cfg.STT.Subject, "SCRIBE_STT_SUBJECT")
	overrideInt(&cfg.STT.TimeoutMS, "SCRIBE_STT_TIMEOUT_MS")
	overrideInt(&cfg.STT.Threads, "SCRIBE_STT_THREADS")
	overrideInt(&cfg.Pipeline.SampleRate, "SCRIBE_PIPELINE_SAMPLE_RATE")
	overrideInt(&cfg.Pipeline.IntervalMS, "SCRIBE_PIPELINE_INTERVAL_MS")
	overrideInt(&cfg.Pipeline.MinWindowMS, "SCRIBE_PIPELINE_MIN_WINDOW_MS")
	overrideInt(&cfg.Pipeline.OverlapMS, "SCRIBE_PIPELINE_OVERLAP_MS")
	overrideInt(&cfg.Recovery.MaxErrors, "SCRIBE_RECOVERY_MAX_ERRORS")
	overrideInt(&cfg.Recovery.RestartDelayMS, "SCRIBE_RECOVERY_RESTART_DELAY_MS")
	overrideBool(&cfg.Transcript.Stdout, "SCRIBE_TRANSCRIPT_STDOUT")
	overrideString(&cfg.Transcript.Subject, "SCRIBE_TRANSCRIPT_SUBJECT")
	overrideString(&cfg.Transcript.DiagSubject, "SCRIBE_TRANSCRIPT_DIAGNOSTICS_SUBJECT")
	overrideInt(&cfg.Transcript.DiagBufferSize, "SCRIBE_TRANSCRIPT_DIAGNOSTICS_BUFFER")
	overrideBool(&cfg.Session.AutoStart, "SCRIBE_SESSION_AUTO_START")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
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
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Capture.Mode {
	case "none", "":
	case "wav", "pcm":
		if cfg.Capture.Mode == "wav" && cfg.Capture.Path == "" {
			return errors.New("capture.path must be set when mode=wav")
		}
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("capture.mode=bus requires bus.enabled")
		}
		if cfg.Capture.Subject == "" {
			return errors.New("capture.subject must be set when mode=bus")
		}
	default:
		return errors.New("capture.mode must be one of none|wav|pcm|bus")
	}
	if cfg.Capture.SampleRate != cfg.Pipeline.SampleRate {
		return errors.New("capture.sample_rate must match pipeline.sample_rate")
	}
	if cfg.Capture.BlockSize <= 0 {
		return errors.New("capture.block_size must be positive")
	}
	switch cfg.STT.Mode {
	case "mock", "whisper":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("stt.mode=bus requires bus.enabled")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|bus|whisper")
	}
	if cfg.STT.Mode == "whisper" && cfg.STT.ModelPath == "" {
		return errors.New("stt.model_path must be set when mode=whisper")
	}
	if cfg.STT.TimeoutMS <= 0 {
		return errors.New("stt.timeout_ms must be positive")
	}
	if cfg.Pipeline.SampleRate <= 0 {
		return errors.New("pipeline.sample_rate must be positive")
	}
	if cfg.Pipeline.IntervalMS <= 0 {
		return errors.New("pipeline.interval_ms must be positive")
	}
	if cfg.Pipeline.MinWindowMS <= 0 {
		return errors.New("pipeline.min_window_ms must be positive")
	}
	if cfg.Pipeline.OverlapMS < 0 || cfg.Pipeline.OverlapMS >= cfg.Pipeline.MinWindowMS {
		return errors.New("pipeline.overlap_ms must be >= 0 and shorter than pipeline.min_window_ms")
	}
	if cfg.Recovery.MaxErrors <= 0 {
		return errors.New("recovery.max_errors must be >= 1")
	}
	if cfg.Recovery.RestartDelayMS < 0 {
		return errors.New("recovery.restart_delay_ms must be >= 0")
	}
	if cfg.Transcript.DiagBufferSize <= 0 {
		return errors.New("transcript.diagnostics_buffer must be >= 1")
	}
	return nil
}
