package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Chat      ChatConfig
	RateLimit RateLimitConfig
	Providers ProvidersConfig
	Storage   StorageConfig
	Log       LogConfig
	Client    ClientConfig
}

type ServerConfig struct {
	Port           int
	MaxConnections int
	RequestTimeout time.Duration
}

// ChatConfig holds the conversation limits shared by the proxy and the
// chat client.
type ChatConfig struct {
	MaxMessageLength int
	HistoryLimit     int
	MaxHistory       int
	MinInterval      time.Duration
	Timeout          time.Duration
	MaxRetries       int
	RetryBaseDelay   time.Duration
}

type RateLimitConfig struct {
	Budget     int
	Window     time.Duration
	Backend    string // "memory" or "redis"
	RedisAddr  string
	MaxEntries int
}

type ProviderConfig struct {
	Model   string
	BaseURL string
	APIKey  string
}

type ProvidersConfig struct {
	Default   string
	Timeout   time.Duration
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig
}

// APIKey returns the configured credential for the named provider.
func (p ProvidersConfig) APIKey(name string) string {
	switch strings.ToLower(name) {
	case "openai":
		return p.OpenAI.APIKey
	case "anthropic":
		return p.Anthropic.APIKey
	case "gemini":
		return p.Gemini.APIKey
	}
	return ""
}

type StorageConfig struct {
	DataDir       string
	Enabled       bool
	RetentionDays int
}

type LogConfig struct {
	Level string
}

type ClientConfig struct {
	Endpoint string
	Provider string
}

var (
	knownProviders = []string{"openai", "anthropic", "gemini"}
	knownBackends  = []string{"memory", "redis"}
	knownLevels    = []string{"debug", "info", "warn", "error"}
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           8080,
			MaxConnections: 256,
			RequestTimeout: 35 * time.Second,
		},
		Chat: ChatConfig{
			MaxMessageLength: 1000,
			HistoryLimit:     10,
			MaxHistory:       20,
			MinInterval:      time.Second,
			Timeout:          30 * time.Second,
			MaxRetries:       3,
			RetryBaseDelay:   time.Second,
		},
		RateLimit: RateLimitConfig{
			Budget:     10,
			Window:     60 * time.Second,
			Backend:    "memory",
			MaxEntries: 10000,
		},
		Providers: ProvidersConfig{
			Default: "openai",
			Timeout: 25 * time.Second,
			OpenAI: ProviderConfig{
				Model:   "gpt-3.5-turbo",
				BaseURL: "https://api.openai.com",
			},
			Anthropic: ProviderConfig{
				Model:   "claude-3-haiku-20240307",
				BaseURL: "https://api.anthropic.com",
			},
			Gemini: ProviderConfig{
				Model:   "gemini-1.5-flash",
				BaseURL: "https://generativelanguage.googleapis.com",
			},
		},
		Storage: StorageConfig{
			DataDir:       defaultDataDir(),
			Enabled:       true,
			RetentionDays: 30,
		},
		Log: LogConfig{
			Level: "info",
		},
		Client: ClientConfig{
			Endpoint: "http://localhost:8080/api/chat",
		},
	}
}

// Load reads configuration from the TOML file at
// $XDG_CONFIG_HOME/friendineed/config.toml, then applies FRIENDINEED_*
// environment overrides. Provider API keys are read from the environment
// only; a missing key is not an error (the proxy answers 503 instead).
func Load() (Config, error) {
	return loadFromPath(configFilePath())
}

func loadFromPath(path string) (Config, error) {
	return loadWith(newFileBackend(path))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port %d out of range", c.Server.Port)
	}
	if c.Chat.MaxMessageLength <= 0 {
		return fmt.Errorf("invalid config: chat.max_message_length must be positive")
	}
	if c.RateLimit.Budget <= 0 {
		return fmt.Errorf("invalid config: ratelimit.budget must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("invalid config: ratelimit.window must be positive")
	}
	if !slices.Contains(knownBackends, c.RateLimit.Backend) {
		return fmt.Errorf("invalid config: ratelimit.backend %q (want one of %s)", c.RateLimit.Backend, strings.Join(knownBackends, ", "))
	}
	if c.RateLimit.Backend == "redis" && c.RateLimit.RedisAddr == "" {
		return fmt.Errorf("invalid config: ratelimit.redis_addr is required when ratelimit.backend is redis")
	}
	if !slices.Contains(knownProviders, c.Providers.Default) {
		return fmt.Errorf("invalid config: providers.default %q (want one of %s)", c.Providers.Default, strings.Join(knownProviders, ", "))
	}
	if !slices.Contains(knownLevels, strings.ToLower(c.Log.Level)) {
		return fmt.Errorf("invalid config: log.level %q (want one of %s)", c.Log.Level, strings.Join(knownLevels, ", "))
	}
	return nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "friendineed-data"
		}
	}
	return filepath.Join(dir, "friendineed")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "friendineed", "config.toml")
}

// FilePath returns the location of the config file.
func FilePath() string { return configFilePath() }
