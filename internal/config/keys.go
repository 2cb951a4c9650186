package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key    string
	typ    keyType
	env    string
	altEnv string // vendor-conventional name, consulted when env is unset
	// secret keys are read from the environment only and never displayed.
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "FRIENDINEED_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_connections", typ: kInt, env: "FRIENDINEED_SERVER_MAX_CONNECTIONS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConnections = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConnections },
	},
	{
		key: "server.request_timeout", typ: kDuration, env: "FRIENDINEED_SERVER_REQUEST_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Server.RequestTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Server.RequestTimeout },
	},
	{
		key: "chat.max_message_length", typ: kInt, env: "FRIENDINEED_CHAT_MAX_MESSAGE_LENGTH",
		apply:   func(cfg *Config, v any) { cfg.Chat.MaxMessageLength = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.MaxMessageLength },
	},
	{
		key: "chat.history_limit", typ: kInt, env: "FRIENDINEED_CHAT_HISTORY_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Chat.HistoryLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.HistoryLimit },
	},
	{
		key: "chat.max_history", typ: kInt, env: "FRIENDINEED_CHAT_MAX_HISTORY",
		apply:   func(cfg *Config, v any) { cfg.Chat.MaxHistory = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.MaxHistory },
	},
	{
		key: "chat.min_interval", typ: kDuration, env: "FRIENDINEED_CHAT_MIN_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Chat.MinInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Chat.MinInterval },
	},
	{
		key: "chat.timeout", typ: kDuration, env: "FRIENDINEED_CHAT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Chat.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Chat.Timeout },
	},
	{
		key: "chat.max_retries", typ: kInt, env: "FRIENDINEED_CHAT_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Chat.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.MaxRetries },
	},
	{
		key: "chat.retry_base_delay", typ: kDuration, env: "FRIENDINEED_CHAT_RETRY_BASE_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Chat.RetryBaseDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Chat.RetryBaseDelay },
	},
	{
		key: "ratelimit.budget", typ: kInt, env: "FRIENDINEED_RATELIMIT_BUDGET",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.Budget = v.(int) },
		extract: func(cfg Config) any { return cfg.RateLimit.Budget },
	},
	{
		key: "ratelimit.window", typ: kDuration, env: "FRIENDINEED_RATELIMIT_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.Window = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.RateLimit.Window },
	},
	{
		key: "ratelimit.backend", typ: kString, env: "FRIENDINEED_RATELIMIT_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.RateLimit.Backend },
	},
	{
		key: "ratelimit.redis_addr", typ: kString, env: "FRIENDINEED_RATELIMIT_REDIS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.RedisAddr = v.(string) },
		extract: func(cfg Config) any { return cfg.RateLimit.RedisAddr },
	},
	{
		key: "ratelimit.max_entries", typ: kInt, env: "FRIENDINEED_RATELIMIT_MAX_ENTRIES",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.MaxEntries = v.(int) },
		extract: func(cfg Config) any { return cfg.RateLimit.MaxEntries },
	},
	{
		key: "providers.default", typ: kString, env: "FRIENDINEED_PROVIDERS_DEFAULT",
		apply:   func(cfg *Config, v any) { cfg.Providers.Default = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.Default },
	},
	{
		key: "providers.timeout", typ: kDuration, env: "FRIENDINEED_PROVIDERS_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Providers.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Providers.Timeout },
	},
	{
		key: "providers.openai.model", typ: kString, env: "FRIENDINEED_PROVIDERS_OPENAI_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Providers.OpenAI.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.OpenAI.Model },
	},
	{
		key: "providers.openai.base_url", typ: kString, env: "FRIENDINEED_PROVIDERS_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Providers.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.OpenAI.BaseURL },
	},
	{
		key: "providers.anthropic.model", typ: kString, env: "FRIENDINEED_PROVIDERS_ANTHROPIC_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Providers.Anthropic.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.Anthropic.Model },
	},
	{
		key: "providers.anthropic.base_url", typ: kString, env: "FRIENDINEED_PROVIDERS_ANTHROPIC_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Providers.Anthropic.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.Anthropic.BaseURL },
	},
	{
		key: "providers.gemini.model", typ: kString, env: "FRIENDINEED_PROVIDERS_GEMINI_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Providers.Gemini.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.Gemini.Model },
	},
	{
		key: "providers.gemini.base_url", typ: kString, env: "FRIENDINEED_PROVIDERS_GEMINI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Providers.Gemini.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.Gemini.BaseURL },
	},
	{
		key: "storage.data_dir", typ: kString, env: "FRIENDINEED_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.enabled", typ: kBool, env: "FRIENDINEED_STORAGE_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Storage.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Storage.Enabled },
	},
	{
		key: "storage.retention_days", typ: kInt, env: "FRIENDINEED_STORAGE_RETENTION_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Storage.RetentionDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Storage.RetentionDays },
	},
	{
		key: "log.level", typ: kString, env: "FRIENDINEED_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "client.endpoint", typ: kString, env: "FRIENDINEED_CLIENT_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Client.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Client.Endpoint },
	},
	{
		key: "client.provider", typ: kString, env: "FRIENDINEED_CLIENT_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Client.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Client.Provider },
	},
	{
		key: "providers.openai.api_key", typ: kString, env: "FRIENDINEED_PROVIDERS_OPENAI_API_KEY",
		secret: true,
		altEnv: "OPENAI_API_KEY",
		apply:   func(cfg *Config, v any) { cfg.Providers.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.OpenAI.APIKey },
	},
	{
		key: "providers.anthropic.api_key", typ: kString, env: "FRIENDINEED_PROVIDERS_ANTHROPIC_API_KEY",
		secret: true,
		altEnv: "ANTHROPIC_API_KEY",
		apply:   func(cfg *Config, v any) { cfg.Providers.Anthropic.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.Anthropic.APIKey },
	},
	{
		key: "providers.gemini.api_key", typ: kString, env: "FRIENDINEED_PROVIDERS_GEMINI_API_KEY",
		secret: true,
		altEnv: "GEMINI_API_KEY",
		apply:   func(cfg *Config, v any) { cfg.Providers.Gemini.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.Gemini.APIKey },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || v == "" {
				continue
			}
			parsed, err := parseValue(s.typ, v)
			if err != nil {
				return fmt.Errorf("parsing config key %s=%q: %w", s.key, v, err)
			}
			s.apply(cfg, parsed)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" && s.altEnv != "" {
			raw = os.Getenv(s.altEnv)
		}
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			slog.Warn("ignoring unparsable environment override", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}

func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}
