package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

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
	Auth        AuthConfig       `yaml:"auth"`
	Engine      EngineConfig     `yaml:"engine"`
	Sessions    SessionsConfig   `yaml:"sessions"`
	Voices      VoicesConfig     `yaml:"voices"`
	Batch       BatchConfig      `yaml:"batch"`
	Jobs        JobsConfig       `yaml:"jobs"`
	EventStore  EventStoreConfig `yaml:"event_store"`
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
	QueueGroup     string   `yaml:"queue_group"`
}

// AuthConfig holds the shared secret presented with every job.
type AuthConfig struct {
	APIKey             string `yaml:"api_key"`
	JWTSecret          string `yaml:"jwt_secret"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
}

type EngineConfig struct {
	Mode         string  `yaml:"mode"` // mock, exec, ollama
	Command      string  `yaml:"command"`
	Endpoint     string  `yaml:"endpoint"`
	Model        string  `yaml:"model"`
	Workers      int     `yaml:"workers"`
	MaxCached    int     `yaml:"max_cached"`
	SampleRate   int     `yaml:"sample_rate"`
	Channels     int     `yaml:"channels"`
	Temperature  float64 `yaml:"temperature"`
	MaxTokens    int     `yaml:"max_tokens"`
	JobTimeoutMS int     `yaml:"job_timeout_ms"`
}

type SessionsConfig struct {
	ContextTurns    int `yaml:"context_turns"`
	MaxStoredTurns  int `yaml:"max_stored_turns"`
	IdleTimeoutMS   int `yaml:"idle_timeout_ms"`
	SweepIntervalMS int `yaml:"sweep_interval_ms"`
}

type VoicesConfig struct {
	Path     string `yaml:"path"`
	Database string `yaml:"database"`
	Storage  string `yaml:"storage"` // filesystem, objectstore
	Bucket   string `yaml:"bucket"`

	// MaxReferenceBytes caps decoded reference audio. Zero disables the cap.
	MaxReferenceBytes int `yaml:"max_reference_bytes"`
}

type BatchConfig struct {
	DefaultSize int `yaml:"default_size"`
	MaxSize     int `yaml:"max_size"`
	Concurrency int `yaml:"concurrency"`
	MaxItems    int `yaml:"max_items"`
}

type JobsConfig struct {
	MaxPending  int `yaml:"max_pending"`
	RetentionMS int `yaml:"retention_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// JobTimeout returns the wall-clock bound applied to every job.
func (c EngineConfig) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutMS) * time.Millisecond
}

func (c SessionsConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMS) * time.Millisecond
}

func (c SessionsConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMS) * time.Millisecond
}

func (c JobsConfig) Retention() time.Duration {
	return time.Duration(c.RetentionMS) * time.Millisecond
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-gateway",
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
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			QueueGroup:     "loqa-gateway-workers",
		},
		Auth: AuthConfig{
			RateLimitPerMinute: 120,
		},
		Engine: EngineConfig{
			Mode:         "mock",
			Endpoint:     "http://localhost:11434",
			Model:        "llama3.2:latest",
			Workers:      1,
			MaxCached:    2,
			SampleRate:   44100,
			Channels:     1,
			Temperature:  0.7,
			MaxTokens:    1000,
			JobTimeoutMS: 120000,
		},
		Sessions: SessionsConfig{
			ContextTurns:    10,
			MaxStoredTurns:  200,
			IdleTimeoutMS:   1800000,
			SweepIntervalMS: 60000,
		},
		Voices: VoicesConfig{
			Path:     "./data/voices",
			Database: "./data/voices.db",
			Storage:  "filesystem",
			Bucket:   "loqa-voices",

			MaxReferenceBytes: 10 << 20,
		},
		Batch: BatchConfig{
			DefaultSize: 4,
			MaxSize:     16,
			Concurrency: 2,
			MaxItems:    64,
		},
		Jobs: JobsConfig{
			MaxPending:  1024,
			RetentionMS: 600000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-jobs.db",
			RetentionMode: "session",
			RetentionDays: 7,
			MaxJobs:       10000,
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.QueueGroup, "LOQA_BUS_QUEUE_GROUP")
	overrideString(&cfg.Auth.APIKey, "LOQA_AUTH_API_KEY")
	overrideString(&cfg.Auth.JWTSecret, "LOQA_AUTH_JWT_SECRET")
	overrideInt(&cfg.Auth.RateLimitPerMinute, "LOQA_AUTH_RATE_LIMIT_PER_MINUTE")
	overrideString(&cfg.Engine.Mode, "LOQA_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "LOQA_ENGINE_COMMAND")
	overrideString(&cfg.Engine.Endpoint, "LOQA_ENGINE_ENDPOINT")
	overrideString(&cfg.Engine.Model, "LOQA_ENGINE_MODEL")
	overrideInt(&cfg.Engine.Workers, "LOQA_ENGINE_WORKERS")
	overrideInt(&cfg.Engine.MaxCached, "LOQA_ENGINE_MAX_CACHED")
	overrideInt(&cfg.Engine.SampleRate, "LOQA_ENGINE_SAMPLE_RATE")
	overrideInt(&cfg.Engine.Channels, "LOQA_ENGINE_CHANNELS")
	overrideFloat(&cfg.Engine.Temperature, "LOQA_ENGINE_TEMPERATURE")
	overrideInt(&cfg.Engine.MaxTokens, "LOQA_ENGINE_MAX_TOKENS")
	overrideInt(&cfg.Engine.JobTimeoutMS, "LOQA_ENGINE_JOB_TIMEOUT_MS")
	overrideInt(&cfg.Sessions.ContextTurns, "LOQA_SESSIONS_CONTEXT_TURNS")
	overrideInt(&cfg.Sessions.MaxStoredTurns, "LOQA_SESSIONS_MAX_STORED_TURNS")
	overrideInt(&cfg.Sessions.IdleTimeoutMS, "LOQA_SESSIONS_IDLE_TIMEOUT_MS")
	overrideInt(&cfg.Sessions.SweepIntervalMS, "LOQA_SESSIONS_SWEEP_INTERVAL_MS")
	overrideString(&cfg.Voices.Path, "LOQA_VOICES_PATH")
	overrideString(&cfg.Voices.Database, "LOQA_VOICES_DATABASE")
	overrideString(&cfg.Voices.Storage, "LOQA_VOICES_STORAGE")
	overrideString(&cfg.Voices.Bucket, "LOQA_VOICES_BUCKET")
	overrideInt(&cfg.Voices.MaxReferenceBytes, "LOQA_VOICES_MAX_REFERENCE_BYTES")
	overrideInt(&cfg.Batch.DefaultSize, "LOQA_BATCH_DEFAULT_SIZE")
	overrideInt(&cfg.Batch.MaxSize, "LOQA_BATCH_MAX_SIZE")
	overrideInt(&cfg.Batch.Concurrency, "LOQA_BATCH_CONCURRENCY")
	overrideInt(&cfg.Batch.MaxItems, "LOQA_BATCH_MAX_ITEMS")
	overrideInt(&cfg.Jobs.MaxPending, "LOQA_JOBS_MAX_PENDING")
	overrideInt(&cfg.Jobs.RetentionMS, "LOQA_JOBS_RETENTION_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxJobs, "LOQA_EVENT_STORE_MAX_JOBS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
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

// Validate reports the first invalid setting in cfg.
func Validate(cfg Config) error { return validate(cfg) }

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
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
		if cfg.Bus.QueueGroup == "" {
			return errors.New("bus.queue_group must not be empty")
		}
	}
	if cfg.Auth.APIKey == "" && cfg.Auth.JWTSecret == "" {
		return errors.New("auth.api_key or auth.jwt_secret must be set")
	}
	if cfg.Auth.RateLimitPerMinute < 0 {
		return errors.New("auth.rate_limit_per_minute must be >= 0")
	}
	switch cfg.Engine.Mode {
	case "mock", "exec", "ollama":
	default:
		return errors.New("engine.mode must be one of mock|exec|ollama")
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	if cfg.Engine.Mode == "ollama" && cfg.Engine.Endpoint == "" {
		return errors.New("engine.endpoint must be set when mode=ollama")
	}
	if cfg.Engine.Workers <= 0 {
		return errors.New("engine.workers must be >= 1")
	}
	if cfg.Engine.MaxCached < 0 {
		return errors.New("engine.max_cached must be >= 0")
	}
	if cfg.Engine.SampleRate <= 0 {
		return errors.New("engine.sample_rate must be positive")
	}
	if cfg.Engine.Channels <= 0 {
		return errors.New("engine.channels must be positive")
	}
	if cfg.Engine.JobTimeoutMS <= 0 {
		return errors.New("engine.job_timeout_ms must be positive")
	}
	if cfg.Sessions.ContextTurns <= 0 {
		return errors.New("sessions.context_turns must be >= 1")
	}
	if cfg.Sessions.MaxStoredTurns < 0 {
		return errors.New("sessions.max_stored_turns must be >= 0")
	}
	if cfg.Sessions.IdleTimeoutMS <= 0 || cfg.Sessions.SweepIntervalMS <= 0 {
		return errors.New("sessions.idle_timeout_ms and sessions.sweep_interval_ms must be positive")
	}
	if cfg.Voices.Database == "" {
		return errors.New("voices.database must not be empty")
	}
	if cfg.Voices.MaxReferenceBytes < 0 {
		return errors.New("voices.max_reference_bytes must be >= 0")
	}
	switch cfg.Voices.Storage {
	case "filesystem":
		if cfg.Voices.Path == "" {
			return errors.New("voices.path must not be empty when storage=filesystem")
		}
	case "objectstore":
		if !cfg.Bus.Enabled {
			return errors.New("voices.storage=objectstore requires bus.enabled")
		}
		if cfg.Voices.Bucket == "" {
			return errors.New("voices.bucket must not be empty when storage=objectstore")
		}
	default:
		return errors.New("voices.storage must be one of filesystem|objectstore")
	}
	if cfg.Batch.DefaultSize <= 0 || cfg.Batch.MaxSize <= 0 {
		return errors.New("batch.default_size and batch.max_size must be >= 1")
	}
	if cfg.Batch.DefaultSize > cfg.Batch.MaxSize {
		return errors.New("batch.default_size must not exceed batch.max_size")
	}
	if cfg.Batch.Concurrency <= 0 {
		return errors.New("batch.concurrency must be >= 1")
	}
	if cfg.Batch.MaxItems <= 0 {
		return errors.New("batch.max_items must be >= 1")
	}
	if cfg.Jobs.MaxPending <= 0 {
		return errors.New("jobs.max_pending must be >= 1")
	}
	if cfg.Jobs.RetentionMS <= 0 {
		return errors.New("jobs.retention_ms must be positive")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}
