// Package config loads Kestrel configuration from defaults, an optional YAML
// file, KESTREL_ environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EnvPrefix prefixes every environment override. Nested keys use a double
// underscore: KESTREL_SERVER__PORT sets server.port.
const EnvPrefix = "KESTREL_"

// ErrInvalidConfig is returned when a loaded configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// flagKeys maps CLI flag names to config keys. Flags not listed here are
// not configuration (for example --config itself).
var flagKeys = map[string]string{
	"host":           "server.host",
	"port":           "server.port",
	"driver":         "repository.driver",
	"db":             "repository.sqlite_path",
	"cache":          "cache.type",
	"redis-addr":     "cache.redis_addr",
	"bus":            "eventbus.type",
	"nats-url":       "eventbus.nats_url",
	"evaluator":      "evaluation.evaluator",
	"batch-size":     "evaluation.batch_size",
	"call-timeout":   "evaluation.call_timeout",
	"allow-dup-keys": "evaluation.reject_duplicate_keys",
	"async":          "evaluation.async_worker",
	"batch-requests": "evaluation.batch_requests",
	"model":          "llm.model",
	"log-level":      "logging.level",
	"log-format":     "logging.format",
}

// FindConfigFile returns the config file to use.
// Priority: explicit path > kestrel.yaml > kestrel.yml.
func FindConfigFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, name := range []string{"kestrel.yaml", "kestrel.yml"} {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// Load builds the configuration.
// Precedence (highest to lowest): flags > env vars > config file > defaults.
func Load(cfgFile string, flags *pflag.FlagSet) (*domain.Config, error) {
	k := koanf.New(".")

	// 1. Defaults
	if err := k.Load(confmap.Provider(defaults(domain.DefaultConfig()), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config file
	if path := FindConfigFile(cfgFile); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
		slog.Debug("config file loaded", "path", path)
	}

	// 3. Environment: KESTREL_EVALUATION__BATCH_SIZE -> evaluation.batch_size
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Flags, only those explicitly set
	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			if f.Name == "allow-dup-keys" {
				allow, _ := flags.GetBool(f.Name)
				return key, !allow
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg domain.Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if os.Getenv("KESTREL_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

// Validate checks a configuration for values no component can run with.
func Validate(cfg *domain.Config) error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(cfg.Server.Port > 0 && cfg.Server.Port < 65536, "server.port %d out of range", cfg.Server.Port)
	check(cfg.Evaluation.BatchSize > 0, "evaluation.batch_size must be positive, got %d", cfg.Evaluation.BatchSize)
	check(cfg.Evaluation.CallTimeout > 0, "evaluation.call_timeout must be positive, got %s", cfg.Evaluation.CallTimeout)
	check(oneOf(cfg.Repository.Driver, "sqlite", "postgres"), "unknown repository.driver %q", cfg.Repository.Driver)
	check(oneOf(cfg.Cache.Type, "", "none", "memory", "redis"), "unknown cache.type %q", cfg.Cache.Type)
	check(oneOf(cfg.EventBus.Type, "", "channel", "nats"), "unknown eventbus.type %q", cfg.EventBus.Type)
	check(oneOf(string(cfg.Evaluation.Evaluator), string(domain.EvaluatorLLM), string(domain.EvaluatorRules)),
		"unknown evaluation.evaluator %q", cfg.Evaluation.Evaluator)
	check(oneOf(cfg.Logging.Format, "json", "text"), "unknown logging.format %q", cfg.Logging.Format)
	_, err := ParseLevel(cfg.Logging.Level)
	check(err == nil, "unknown logging.level %q", cfg.Logging.Level)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// ParseLevel maps a logging level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(strings.TrimSpace(level)))
	return l, err
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if strings.EqualFold(v, a) {
			return true
		}
	}
	return false
}

// defaults flattens DefaultConfig into koanf keys.
func defaults(c *domain.Config) map[string]interface{} {
	return map[string]interface{}{
		"server.host":          c.Server.Host,
		"server.port":          c.Server.Port,
		"server.read_timeout":  c.Server.ReadTimeout,
		"server.write_timeout": c.Server.WriteTimeout,
		"server.max_upload_mb": c.Server.MaxUploadMB,

		"repository.driver":            c.Repository.Driver,
		"repository.sqlite_path":       c.Repository.SQLitePath,
		"repository.postgres_host":     c.Repository.PostgresHost,
		"repository.postgres_port":     c.Repository.PostgresPort,
		"repository.postgres_user":     c.Repository.PostgresUser,
		"repository.postgres_db":       c.Repository.PostgresDB,
		"repository.postgres_sslmode":  c.Repository.PostgresSSLMode,
		"repository.max_open_conns":    c.Repository.MaxOpenConns,
		"repository.max_idle_conns":    c.Repository.MaxIdleConns,
		"repository.conn_max_lifetime": c.Repository.ConnMaxLifetime,

		"cache.type":             c.Cache.Type,
		"cache.local_max_size":   c.Cache.LocalMaxSize,
		"cache.local_ttl":        c.Cache.LocalTTL,
		"cache.result_ttl":       c.Cache.ResultTTL,
		"cache.redis_addr":       c.Cache.RedisAddr,
		"cache.redis_db":         c.Cache.RedisDB,
		"cache.enable_two_phase": c.Cache.EnableTwoPhase,

		"eventbus.type":                c.EventBus.Type,
		"eventbus.channel_buffer_size": c.EventBus.ChannelBufferSize,
		"eventbus.nats_url":            c.EventBus.NATSUrl,
		"eventbus.nats_max_reconnects": c.EventBus.NATSMaxReconnects,

		"evaluation.evaluator":             string(c.Evaluation.Evaluator),
		"evaluation.batch_size":            c.Evaluation.BatchSize,
		"evaluation.call_timeout":          c.Evaluation.CallTimeout,
		"evaluation.reject_duplicate_keys": c.Evaluation.RejectDuplicateKeys,
		"evaluation.async_worker":          c.Evaluation.AsyncWorker,
		"evaluation.batch_requests":        c.Evaluation.BatchRequests,

		"llm.base_url":    c.LLM.BaseURL,
		"llm.model":       c.LLM.Model,
		"llm.temperature": c.LLM.Temperature,
		"llm.max_tokens":  c.LLM.MaxTokens,

		"logging.level":  c.Logging.Level,
		"logging.format": c.Logging.Format,

		"tracing.enabled":      c.Tracing.Enabled,
		"tracing.service_name": c.Tracing.ServiceName,
	}
}
