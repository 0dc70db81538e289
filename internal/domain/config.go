package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `koanf:"server" json:"server"`

	// Component configurations
	Repository RepositoryConfig `koanf:"repository" json:"repository"`
	Cache      CacheConfig      `koanf:"cache" json:"cache"`
	EventBus   EventBusConfig   `koanf:"eventbus" json:"eventBus"`

	// Evaluation pipeline
	Evaluation EvaluationConfig `koanf:"evaluation" json:"evaluation"`
	LLM        LLMConfig        `koanf:"llm" json:"-"`

	// Observability
	Logging LoggingConfig `koanf:"logging" json:"logging"`
	Tracing TracingConfig `koanf:"tracing" json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `koanf:"host" json:"host"`
	Port         int    `koanf:"port" json:"port"`
	ReadTimeout  int    `koanf:"read_timeout" json:"readTimeout"`   // seconds
	WriteTimeout int    `koanf:"write_timeout" json:"writeTimeout"` // seconds
	MaxUploadMB  int    `koanf:"max_upload_mb" json:"maxUploadMb"`
}

// EvaluatorKind selects the scoring backend.
type EvaluatorKind string

const (
	// EvaluatorLLM scores records with a chat-completions model.
	EvaluatorLLM EvaluatorKind = "llm"

	// EvaluatorRules scores records with per-KPI CEL expressions.
	// Deterministic and offline; used for demos and tests.
	EvaluatorRules EvaluatorKind = "rules"
)

// EvaluationConfig holds orchestration settings.
type EvaluationConfig struct {
	Evaluator           EvaluatorKind `koanf:"evaluator" json:"evaluator"`
	BatchSize           int           `koanf:"batch_size" json:"batchSize"`
	CallTimeout         time.Duration `koanf:"call_timeout" json:"callTimeout"`
	RejectDuplicateKeys bool          `koanf:"reject_duplicate_keys" json:"rejectDuplicateKeys"`
	AsyncWorker         bool          `koanf:"async_worker" json:"asyncWorker"`

	// BatchRequests scores a whole batch per LLM request instead of one
	// request per record.
	BatchRequests bool `koanf:"batch_requests" json:"batchRequests"`
}

// LLMConfig holds chat-completions provider settings.
type LLMConfig struct {
	BaseURL     string  `koanf:"base_url"`
	APIKey      string  `koanf:"api_key"`
	Model       string  `koanf:"model"`
	Temperature float64 `koanf:"temperature"`
	MaxTokens   int     `koanf:"max_tokens"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level" json:"level"`   // debug, info, warn, error
	Format string `koanf:"format" json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `koanf:"enabled" json:"enabled"`
	ServiceName string `koanf:"service_name" json:"serviceName"`
}

// DefaultBatchSize is the number of records scored concurrently.
const DefaultBatchSize = 20

// DefaultConfig returns the default single-node configuration:
// SQLite, in-memory cache and channel bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 600, // bulk evaluation runs synchronously
			MaxUploadMB:  32,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			ResultTTL:    24 * time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Evaluation: EvaluationConfig{
			Evaluator:           EvaluatorLLM,
			BatchSize:           DefaultBatchSize,
			CallTimeout:         60 * time.Second,
			RejectDuplicateKeys: true,
		},
		LLM: LLMConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Temperature: 0,
			MaxTokens:   1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}
